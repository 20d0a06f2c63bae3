package core

import (
	"fmt"

	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// txn stages changes to a set of accounts. Nothing reaches the engine until
// commit, so a failed step is discarded by dropping the txn.
type txn struct {
	e       *Engine
	staged  map[int]*state.Account
	order   []int
	entries ledger.Entries

	vaultDelta      int64
	cTotDelta       int64
	feeReserveDelta int64
	badDebtDelta    int64
}

func (e *Engine) begin() *txn {
	return &txn{
		e:      e,
		staged: make(map[int]*state.Account, 4),
	}
}

// account returns the staged copy of the account at idx.
func (t *txn) account(idx int) *state.Account {
	if acct, ok := t.staged[idx]; ok {
		return acct
	}
	acct := t.e.accounts[idx].Clone()
	t.staged[idx] = acct
	t.order = append(t.order, idx)
	return acct
}

// counterparty returns the staged LP carrying the trader's position, or nil
// when the trader is unbound.
func (t *txn) counterparty(trader *state.Account) (*state.Account, error) {
	idx := trader.CounterpartyLP
	if idx == state.NoCounterparty {
		return nil, nil
	}
	if !t.e.validIndex(idx) || !t.e.accounts[idx].IsLP() {
		return nil, fmt.Errorf("%w: trader %d bound to %d", ErrInvalidAccount, trader.Index, idx)
	}
	return t.account(idx), nil
}

// deposit brings external funds into custody.
func (t *txn) deposit(acct *state.Account, amount int64) error {
	if err := addTo(&acct.Capital, amount); err != nil {
		return fmt.Errorf("deposit to %d: %w", acct.Index, err)
	}
	if err := addTo(&t.vaultDelta, amount); err != nil {
		return err
	}
	if err := addTo(&t.cTotDelta, amount); err != nil {
		return err
	}
	t.entries.Deposit(acct.Index, amount)
	return nil
}

// transfer moves capital between two accounts. c_tot is unchanged.
func (t *txn) transfer(from, to *state.Account, amount int64, jt ledger.JournalType) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 || amount > from.Capital {
		return fmt.Errorf("%s transfer %d from %d exceeds capital %d", jt, amount, from.Index, from.Capital)
	}
	if err := addTo(&to.Capital, amount); err != nil {
		return fmt.Errorf("%s transfer to %d: %w", jt, to.Index, err)
	}
	from.Capital -= amount
	t.entries.Transfer(from.Index, to.Index, amount, jt)
	return nil
}

// sweep moves capital out of custody into the fee reserve.
func (t *txn) sweep(acct *state.Account, amount int64, jt ledger.JournalType) error {
	if amount == 0 {
		return nil
	}
	if amount < 0 || amount > acct.Capital {
		return fmt.Errorf("%s sweep %d from %d exceeds capital %d", jt, amount, acct.Index, acct.Capital)
	}
	acct.Capital -= amount
	t.vaultDelta -= amount
	t.cTotDelta -= amount
	if err := addTo(&t.feeReserveDelta, amount); err != nil {
		return err
	}
	t.entries.Sweep(acct.Index, amount, jt)
	return nil
}

// commit writes the staged accounts and aggregate deltas into the engine.
// Every check runs on copies first, so a failing commit leaves the engine
// untouched.
func (t *txn) commit() error {
	e := t.e

	vault, cTot := e.vault.Clone(), e.cTot.Clone()
	feeReserve, badDebt := e.feeReserve.Clone(), e.badDebt.Clone()
	if err := fpmath.AddSigned(vault, t.vaultDelta); err != nil {
		return fmt.Errorf("vault: %w", err)
	}
	if err := fpmath.AddSigned(cTot, t.cTotDelta); err != nil {
		return fmt.Errorf("c_tot: %w", err)
	}
	if err := fpmath.AddSigned(feeReserve, t.feeReserveDelta); err != nil {
		return fmt.Errorf("fee reserve: %w", err)
	}
	if err := fpmath.AddSigned(badDebt, t.badDebtDelta); err != nil {
		return fmt.Errorf("bad debt: %w", err)
	}

	openInterest := e.totalOpenInterest
	for _, idx := range t.order {
		acct := t.staged[idx]
		if acct.Capital < 0 {
			return fmt.Errorf("account %d: negative capital %d", idx, acct.Capital)
		}
		if acct.IsLP() {
			continue
		}
		if err := addTo(&openInterest, acct.OpenInterest-e.accounts[idx].OpenInterest); err != nil {
			return fmt.Errorf("open interest: %w", err)
		}
	}

	for _, idx := range t.order {
		e.accounts[idx] = t.staged[idx]
		e.op.touch(idx)
	}
	e.vault, e.cTot, e.feeReserve, e.badDebt = vault, cTot, feeReserve, badDebt
	e.totalOpenInterest = openInterest
	e.op.entries = append(e.op.entries, t.entries...)
	return nil
}

func addTo(dst *int64, v int64) error {
	sum, err := fpmath.AddChecked(*dst, v)
	if err != nil {
		return err
	}
	*dst = sum
	return nil
}

// --- Settlement primitives shared by trades and the crank ---

// markTrader accrues the trader's PnL since its last anchor at price and
// mirrors it on the LP. The mark is also the trader's entry delta, so the LP
// re-anchors by the opposite amount and its unrealized PnL stays the negated
// sum of its traders'.
func markTrader(trader, lp *state.Account, price uint64) error {
	if trader.IsFlat() {
		return nil
	}
	mark, err := state.Reanchor(trader, price)
	if err != nil {
		return fmt.Errorf("mark trader %d: %w", trader.Index, err)
	}
	if err := addTo(&lp.EntryNotional, -mark); err != nil {
		return fmt.Errorf("LP %d entry notional: %w", lp.Index, err)
	}
	return accruePnL(trader, lp, mark)
}

// accruePnL adds pnl to the trader and the opposite to its LP.
func accruePnL(trader, lp *state.Account, pnl int64) error {
	if pnl == 0 {
		return nil
	}
	if err := addTo(&trader.PnL, pnl); err != nil {
		return fmt.Errorf("trader %d pnl: %w", trader.Index, err)
	}
	if err := addTo(&trader.PositionPnL, pnl); err != nil {
		return fmt.Errorf("trader %d position pnl: %w", trader.Index, err)
	}
	if err := addTo(&lp.PnL, -pnl); err != nil {
		return fmt.Errorf("LP %d pnl: %w", lp.Index, err)
	}
	return nil
}

// mirrorOnLP moves the LP's inventory opposite to a trader fill.
func mirrorOnLP(lp *state.Account, fill, entryDelta int64) error {
	if err := addTo(&lp.PositionSize, -fill); err != nil {
		return fmt.Errorf("LP %d size: %w", lp.Index, err)
	}
	if err := addTo(&lp.EntryNotional, -entryDelta); err != nil {
		return fmt.Errorf("LP %d entry notional: %w", lp.Index, err)
	}
	return nil
}

// realize settles accrued trader PnL into capital against the LP. Losses are
// paid at once up to the trader's capital. Gains are paid up to the LP's
// capital once the warmup period has passed, or at once when force is set.
func (t *txn) realize(trader, lp *state.Account, slot uint64, force bool) error {
	switch {
	case trader.PnL < 0:
		paid := fpmath.Min64(fpmath.Abs(trader.PnL), trader.Capital)
		if err := t.transfer(trader, lp, paid, ledger.JournalTypePnLSettlement); err != nil {
			return err
		}
		trader.PnL += paid
		lp.PnL -= paid

	case trader.PnL > 0:
		if !force && !t.e.warmedUp(trader, slot) {
			return nil
		}
		paid := fpmath.Min64(trader.PnL, lp.Capital)
		if err := t.transfer(lp, trader, paid, ledger.JournalTypePnLSettlement); err != nil {
			return err
		}
		trader.PnL -= paid
		lp.PnL += paid
	}
	return nil
}

func (e *Engine) warmedUp(trader *state.Account, slot uint64) bool {
	if slot < trader.WarmupStartSlot {
		return e.params.WarmupPeriodSlots == 0
	}
	return slot-trader.WarmupStartSlot >= e.params.WarmupPeriodSlots
}

// closeAgainstLP moves delta of the trader's position to the LP at price.
// The trader must already be marked at price.
func closeAgainstLP(trader, lp *state.Account, delta int64, price uint64) (state.FillKind, error) {
	kind, entryDelta, err := state.ApplyPositionDelta(trader, delta, price)
	if err != nil {
		return kind, fmt.Errorf("trader %d position: %w", trader.Index, err)
	}
	if err := mirrorOnLP(lp, delta, entryDelta); err != nil {
		return kind, err
	}
	return kind, nil
}

// writeOff clears the remaining loss of a closed, empty trader against its LP.
// Returns the amount written off.
func (t *txn) writeOff(trader, lp *state.Account) int64 {
	if !trader.IsFlat() || trader.PnL >= 0 || trader.Capital > 0 {
		return 0
	}
	deficit := -trader.PnL
	trader.PnL = 0
	lp.PnL -= deficit
	t.badDebtDelta += deficit
	return deficit
}

// unbind releases a trader from its LP once nothing is left between them.
func unbind(trader *state.Account) {
	if trader.IsFlat() && trader.PnL == 0 {
		trader.CounterpartyLP = state.NoCounterparty
		trader.PositionPnL = 0
	}
}
