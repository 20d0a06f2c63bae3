package state

import (
	"fmt"

	fpmath "PerpRisk/internal/math"
)

// FillKind classifies how a fill changes an existing position
type FillKind int32

const (
	FillKindNone FillKind = iota
	FillKindOpen
	FillKindIncrease
	FillKindReduce
	FillKindClose
	FillKindFlip
)

func (k FillKind) String() string {
	switch k {
	case FillKindOpen:
		return "Open"
	case FillKindIncrease:
		return "Increase"
	case FillKindReduce:
		return "Reduce"
	case FillKindClose:
		return "Close"
	case FillKindFlip:
		return "Flip"
	default:
		return "None"
	}
}

// IncreasesExposure is true when the fill adds risk that needs initial margin.
func (k FillKind) IncreasesExposure() bool {
	return k == FillKindOpen || k == FillKindIncrease || k == FillKindFlip
}

// ClassifyFill returns the effect of adding delta to a position of size current.
func ClassifyFill(current, delta int64) FillKind {
	switch {
	case delta == 0:
		return FillKindNone
	case current == 0:
		return FillKindOpen
	case (current > 0) == (delta > 0):
		return FillKindIncrease
	case fpmath.Abs(delta) < fpmath.Abs(current):
		return FillKindReduce
	case fpmath.Abs(delta) == fpmath.Abs(current):
		return FillKindClose
	default:
		return FillKindFlip
	}
}

// ApplyPositionDelta changes the position by delta and anchors the whole
// position at price. Callers settle the account at price first, so the
// re-anchor does not lose PnL. Returns the change in entry notional so the
// counterparty can mirror it.
func ApplyPositionDelta(acct *Account, delta int64, price uint64) (FillKind, int64, error) {
	kind := ClassifyFill(acct.PositionSize, delta)
	if kind == FillKindNone {
		return kind, 0, nil
	}

	newSize, err := fpmath.AddChecked(acct.PositionSize, delta)
	if err != nil {
		return kind, 0, fmt.Errorf("position size: %w", err)
	}
	newEntry, err := fpmath.ComputeValue(newSize, price)
	if err != nil {
		return kind, 0, fmt.Errorf("entry notional: %w", err)
	}
	entryDelta, err := fpmath.SubChecked(newEntry, acct.EntryNotional)
	if err != nil {
		return kind, 0, fmt.Errorf("entry delta: %w", err)
	}

	acct.PositionSize = newSize
	acct.EntryNotional = newEntry
	if !acct.IsLP() {
		acct.OpenInterest = fpmath.Abs(newSize)
	}

	switch kind {
	case FillKindOpen, FillKindFlip, FillKindClose:
		acct.PositionPnL = 0
	}

	return kind, entryDelta, nil
}

// Reanchor moves the entry notional to the position's value at price and
// returns the PnL that was marked in the process. The mark is also the change
// in entry notional.
func Reanchor(acct *Account, price uint64) (int64, error) {
	newEntry, err := fpmath.ComputeValue(acct.PositionSize, price)
	if err != nil {
		return 0, err
	}
	mark, err := fpmath.SubChecked(newEntry, acct.EntryNotional)
	if err != nil {
		return 0, err
	}
	acct.EntryNotional = newEntry
	return mark, nil
}

// SplitPayment splits an amount owed against what is available:
// paid = min(owed, available), remaining = owed - paid.
func SplitPayment(available, owed int64) (paid int64, remaining int64) {
	if available <= 0 || owed <= 0 {
		return 0, owed
	}
	if available >= owed {
		return owed, 0
	}
	return available, owed - available
}
