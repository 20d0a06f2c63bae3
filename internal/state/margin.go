package state

import (
	fpmath "PerpRisk/internal/math"
)

// MarginSnapshot is the margin view of one account at a price
type MarginSnapshot struct {
	Notional    int64
	Equity      int64
	Maintenance int64 // notional * mm_bps / 10_000
	Initial     int64 // notional * im_bps / 10_000
}

// ComputeMargin values the account at price.
func ComputeMargin(acct *Account, price uint64, params *RiskParams) (MarginSnapshot, error) {
	notional, err := acct.Notional(price)
	if err != nil {
		return MarginSnapshot{}, err
	}
	equity, err := acct.Equity(price)
	if err != nil {
		return MarginSnapshot{}, err
	}
	mm, err := fpmath.ApplyBps(notional, params.MaintenanceMarginBps, fpmath.RoundUp)
	if err != nil {
		return MarginSnapshot{}, err
	}
	im, err := fpmath.ApplyBps(notional, params.InitialMarginBps, fpmath.RoundUp)
	if err != nil {
		return MarginSnapshot{}, err
	}
	return MarginSnapshot{
		Notional:    notional,
		Equity:      equity,
		Maintenance: mm,
		Initial:     im,
	}, nil
}

// Status classifies the snapshot. No exposure is always Healthy.
func (m MarginSnapshot) Status() MarginStatus {
	if m.Notional == 0 {
		return MarginStatusHealthy
	}
	if m.Equity < m.Maintenance {
		return MarginStatusLiquidatable
	}
	if m.Equity < m.Initial {
		return MarginStatusAtRisk
	}
	return MarginStatusHealthy
}

// MeetsInitial reports whether equity covers the initial margin requirement.
func (m MarginSnapshot) MeetsInitial() bool {
	return m.Equity >= m.Initial
}

// IsLiquidatable reports whether the account is below maintenance and large
// enough to be worth liquidating.
func (m MarginSnapshot) IsLiquidatable(params *RiskParams) bool {
	if m.Status() != MarginStatusLiquidatable {
		return false
	}
	return uint64(m.Notional) >= params.MinLiquidationAbs
}

// LiquidationPlan is how much of a position the crank closes
type LiquidationPlan struct {
	CloseSize int64 // Base units, always positive
	Full      bool
}

// PlanLiquidation returns the smallest close that leaves the remainder covered
// at (mm + buffer) after the liquidation fee. The closed notional c satisfies
//
//	c >= (N*R - E*10_000) / (R - F)
//
// with R the buffered rate and F the fee rate. The position is closed in full
// when equity is exhausted, when R <= F, or when the remainder would be dust.
func PlanLiquidation(acct *Account, m MarginSnapshot, params *RiskParams) (LiquidationPlan, error) {
	size := fpmath.Abs(acct.PositionSize)
	full := LiquidationPlan{CloseSize: size, Full: true}
	if size == 0 {
		return LiquidationPlan{}, nil
	}

	target := int64(params.MaintenanceMarginBps + params.LiquidationBufferBps)
	feeRate := int64(params.LiquidationFeeBps)
	if m.Equity <= 0 || target <= feeRate || m.Notional == 0 {
		return full, nil
	}

	num := fpmath.MultiplyInt128(m.Notional, target)
	eq := fpmath.MultiplyInt128(m.Equity, fpmath.BpsScale)
	num.Sub(num, eq)
	fpmath.Release(eq)
	closed, err := fpmath.DivideInt128(num, target-feeRate, fpmath.RoundUp)
	fpmath.Release(num)
	if err != nil {
		return LiquidationPlan{}, err
	}
	if closed <= 0 {
		return LiquidationPlan{}, nil
	}
	if closed >= m.Notional {
		return full, nil
	}

	closeSize, err := fpmath.MulDiv(closed, size, m.Notional, fpmath.RoundUp)
	if err != nil {
		return LiquidationPlan{}, err
	}
	if closeSize >= size {
		return full, nil
	}
	if uint64(m.Notional-closed) < params.MinLiquidationAbs {
		return full, nil
	}
	return LiquidationPlan{CloseSize: closeSize}, nil
}

// LiquidationFee returns min(closed * fee_bps / 10_000, cap, capital).
func LiquidationFee(closedNotional, capital int64, params *RiskParams) (int64, error) {
	fee, err := fpmath.ApplyBps(closedNotional, params.LiquidationFeeBps, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	fee = fpmath.Min64(fee, int64(params.LiquidationFeeCap))
	fee = fpmath.Min64(fee, capital)
	if fee < 0 {
		return 0, nil
	}
	return fee, nil
}

// TradingFee returns |fill| * fill_price / 1e6 * fee_bps / 10_000, rounded up.
func TradingFee(fillSize int64, fillPrice uint64, params *RiskParams) (int64, error) {
	notional, err := fpmath.ComputeNotional(fillSize, fillPrice)
	if err != nil {
		return 0, err
	}
	return fpmath.ApplyBps(notional, params.TradingFeeBps, fpmath.RoundUp)
}

// MarginStatus represents an account's margin health
type MarginStatus int

const (
	MarginStatusHealthy MarginStatus = iota
	MarginStatusAtRisk
	MarginStatusLiquidatable
)

func (ms MarginStatus) String() string {
	switch ms {
	case MarginStatusHealthy:
		return "Healthy"
	case MarginStatusAtRisk:
		return "AtRisk"
	case MarginStatusLiquidatable:
		return "Liquidatable"
	default:
		return "Unknown"
	}
}
