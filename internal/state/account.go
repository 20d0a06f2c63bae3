package state

import (
	fpmath "PerpRisk/internal/math"
)

// AccountKind distinguishes liquidity providers from directional traders
type AccountKind uint8

const (
	AccountKindTrader AccountKind = iota
	AccountKindLP
)

func (k AccountKind) String() string {
	switch k {
	case AccountKindTrader:
		return "Trader"
	case AccountKindLP:
		return "LP"
	default:
		return "Unknown"
	}
}

// NoCounterparty marks a trader that is not bound to an LP.
const NoCounterparty = -1

// LiquidationState is the outcome of the last risk check on the account
type LiquidationState int32

const (
	LiquidationStateHealthy LiquidationState = iota
	LiquidationStateAtRisk
	LiquidationStatePartiallyLiquidated
	LiquidationStateClosed
	LiquidationStateBankrupt
)

func (ls LiquidationState) String() string {
	switch ls {
	case LiquidationStateHealthy:
		return "Healthy"
	case LiquidationStateAtRisk:
		return "AtRisk"
	case LiquidationStatePartiallyLiquidated:
		return "PartiallyLiquidated"
	case LiquidationStateClosed:
		return "Closed"
	case LiquidationStateBankrupt:
		return "Bankrupt"
	default:
		return "Unknown"
	}
}

// Account is a single ledger slot. Accounts are addressed by a dense index
// and never removed.
type Account struct {
	Index          int
	Kind           AccountKind
	Owner          [32]byte
	Authority      [32]byte
	MatcherContext uint64

	PositionSize  int64 // Base units, positive = long
	EntryNotional int64 // Signed quote value at the reference price
	Capital       int64 // Settled collateral, never negative
	PnL           int64 // Accrued, not yet realized into capital
	PositionPnL   int64 // Cumulative PnL of the currently open position
	OpenInterest  int64 // |PositionSize| for traders

	CounterpartyLP int

	WarmupStartSlot uint64
	LastSettledSlot uint64
	LastFeeSlot     uint64
	LastActiveSlot  uint64

	FeeDebt          int64
	LiquidationState LiquidationState
}

// IsLP reports whether the account provides liquidity
func (a *Account) IsLP() bool {
	return a.Kind == AccountKindLP
}

// IsFlat returns true if the account has no exposure
func (a *Account) IsFlat() bool {
	return a.PositionSize == 0
}

// SideSign returns +1 for long, -1 for short, 0 for flat
func (a *Account) SideSign() int64 {
	return fpmath.Sign(a.PositionSize)
}

// Notional returns |size| valued at price.
func (a *Account) Notional(price uint64) (int64, error) {
	return fpmath.ComputeNotional(a.PositionSize, price)
}

// UnrealizedPnL returns the PnL of the position since it was last anchored.
func (a *Account) UnrealizedPnL(price uint64) (int64, error) {
	return fpmath.ComputeMarkPnL(a.PositionSize, a.EntryNotional, price)
}

// Equity returns capital + accrued PnL + unrealized PnL.
func (a *Account) Equity(price uint64) (int64, error) {
	unrealized, err := a.UnrealizedPnL(price)
	if err != nil {
		return 0, err
	}
	equity, err := fpmath.AddChecked(a.Capital, a.PnL)
	if err != nil {
		return 0, err
	}
	return fpmath.AddChecked(equity, unrealized)
}

// ReferencePrice returns the average price the position is anchored at.
func (a *Account) ReferencePrice() uint64 {
	price, err := fpmath.ComputeReferencePrice(a.PositionSize, a.EntryNotional)
	if err != nil {
		return 0
	}
	return price
}

// Clone returns a value copy for staged mutation.
func (a *Account) Clone() *Account {
	c := *a
	return &c
}

// CanonicalBytes returns deterministic serialization for hashing
func (a *Account) CanonicalBytes() []byte {
	buf := make([]byte, 0, 192)

	buf = appendInt64LE(buf, int64(a.Index))
	buf = append(buf, byte(a.Kind))
	buf = append(buf, a.Owner[:]...)
	buf = append(buf, a.Authority[:]...)
	buf = appendInt64LE(buf, int64(a.MatcherContext))

	buf = appendInt64LE(buf, a.PositionSize)
	buf = appendInt64LE(buf, a.EntryNotional)
	buf = appendInt64LE(buf, a.Capital)
	buf = appendInt64LE(buf, a.PnL)
	buf = appendInt64LE(buf, a.PositionPnL)
	buf = appendInt64LE(buf, a.OpenInterest)
	buf = appendInt64LE(buf, int64(a.CounterpartyLP))

	buf = appendInt64LE(buf, int64(a.WarmupStartSlot))
	buf = appendInt64LE(buf, int64(a.LastSettledSlot))
	buf = appendInt64LE(buf, int64(a.LastFeeSlot))
	buf = appendInt64LE(buf, int64(a.LastActiveSlot))

	buf = appendInt64LE(buf, a.FeeDebt)
	buf = append(buf, byte(a.LiquidationState))

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
