package state

import (
	"fmt"
	"math"
	"os"

	"github.com/BurntSushi/toml"
)

// RiskParams defines the margin, fee and liquidation rules of the market.
// Rates are basis points; amounts are quote units at scale 1_000_000.
type RiskParams struct {
	WarmupPeriodSlots      uint64 `toml:"warmup_period_slots" json:"warmup_period_slots"`
	MaintenanceMarginBps   uint64 `toml:"maintenance_margin_bps" json:"maintenance_margin_bps"`
	InitialMarginBps       uint64 `toml:"initial_margin_bps" json:"initial_margin_bps"`
	TradingFeeBps          uint64 `toml:"trading_fee_bps" json:"trading_fee_bps"`
	MaxAccounts            uint64 `toml:"max_accounts" json:"max_accounts"`
	NewAccountFee          uint64 `toml:"new_account_fee" json:"new_account_fee"`
	RiskReductionThreshold uint64 `toml:"risk_reduction_threshold" json:"risk_reduction_threshold"`
	MaintenanceFeePerSlot  uint64 `toml:"maintenance_fee_per_slot" json:"maintenance_fee_per_slot"`
	MaxCrankStalenessSlots uint64 `toml:"max_crank_staleness_slots" json:"max_crank_staleness_slots"`
	LiquidationFeeBps      uint64 `toml:"liquidation_fee_bps" json:"liquidation_fee_bps"`
	LiquidationFeeCap      uint64 `toml:"liquidation_fee_cap" json:"liquidation_fee_cap"`
	LiquidationBufferBps   uint64 `toml:"liquidation_buffer_bps" json:"liquidation_buffer_bps"`
	MinLiquidationAbs      uint64 `toml:"min_liquidation_abs" json:"min_liquidation_abs"`

	// MaxOpenInterest caps Σ|trader position|. Zero disables the cap.
	MaxOpenInterest uint64 `toml:"max_open_interest" json:"max_open_interest"`
}

// DefaultRiskParams returns the parameters used when no file is configured:
// 5% maintenance, 10% initial, 10 bps trading fee, instant warmup.
func DefaultRiskParams() RiskParams {
	return RiskParams{
		WarmupPeriodSlots:      0,
		MaintenanceMarginBps:   500,
		InitialMarginBps:       1000,
		TradingFeeBps:          10,
		MaxAccounts:            1000,
		NewAccountFee:          0,
		RiskReductionThreshold: 0,
		MaintenanceFeePerSlot:  0,
		MaxCrankStalenessSlots: math.MaxUint64,
		LiquidationFeeBps:      50,
		LiquidationFeeCap:      100_000_000,
		LiquidationBufferBps:   100,
		MinLiquidationAbs:      100,
	}
}

// ValidateRiskParams checks that risk parameters are within valid ranges:
// mm > 0, im >= mm, im <= 10_000, fee rates <= 10_000, max_accounts > 0.
func ValidateRiskParams(params *RiskParams) error {
	if params.MaintenanceMarginBps == 0 {
		return fmt.Errorf("maintenance_margin_bps must be > 0")
	}
	if params.InitialMarginBps < params.MaintenanceMarginBps {
		return fmt.Errorf("initial_margin_bps (%d) must be >= maintenance_margin_bps (%d)",
			params.InitialMarginBps, params.MaintenanceMarginBps)
	}
	if params.InitialMarginBps > 10_000 {
		return fmt.Errorf("initial_margin_bps must be <= 10000, got %d", params.InitialMarginBps)
	}
	if params.TradingFeeBps > 10_000 {
		return fmt.Errorf("trading_fee_bps must be <= 10000, got %d", params.TradingFeeBps)
	}
	if params.LiquidationFeeBps > 10_000 {
		return fmt.Errorf("liquidation_fee_bps must be <= 10000, got %d", params.LiquidationFeeBps)
	}
	if params.LiquidationBufferBps > 10_000 {
		return fmt.Errorf("liquidation_buffer_bps must be <= 10000, got %d", params.LiquidationBufferBps)
	}
	if params.MaxAccounts == 0 {
		return fmt.Errorf("max_accounts must be > 0")
	}
	if params.MaxAccounts > math.MaxInt32 {
		return fmt.Errorf("max_accounts must be <= %d, got %d", math.MaxInt32, params.MaxAccounts)
	}
	for name, v := range map[string]uint64{
		"new_account_fee":          params.NewAccountFee,
		"maintenance_fee_per_slot": params.MaintenanceFeePerSlot,
		"liquidation_fee_cap":      params.LiquidationFeeCap,
		"min_liquidation_abs":      params.MinLiquidationAbs,
		"max_open_interest":        params.MaxOpenInterest,
	} {
		if v > math.MaxInt64 {
			return fmt.Errorf("%s out of range: %d", name, v)
		}
	}
	return nil
}

// LoadRiskParams reads a TOML parameter file. Keys missing from the file
// keep their DefaultRiskParams value.
func LoadRiskParams(path string) (RiskParams, error) {
	params := DefaultRiskParams()

	buf, err := os.ReadFile(path)
	if err != nil {
		return params, fmt.Errorf("read risk params %s: %w", path, err)
	}
	if _, err := toml.Decode(string(buf), &params); err != nil {
		return params, fmt.Errorf("decode risk params %s: %w", path, err)
	}
	if err := ValidateRiskParams(&params); err != nil {
		return params, fmt.Errorf("invalid risk params in %s: %w", path, err)
	}
	return params, nil
}
