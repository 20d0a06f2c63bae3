package core

import (
	"fmt"
	stdmath "math"
	"time"

	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"
)

// KeeperCrank sweeps the accounts in windowStart..maxAccountIndex at
// oraclePrice: maintenance fees, mark-to-market, liquidation and the
// vault-protection cap (maxPnLVaultBps, 0 disables it). A failure on one
// account is contained and counted in the outcome; only the global guards
// return an error, and they run before anything changes. reserved is
// accepted for call compatibility and ignored.
func (e *Engine) KeeperCrank(
	maxAccountIndex int,
	nowSlot, oraclePrice uint64,
	windowStart int,
	force bool,
	maxPnLVaultBps uint64,
	reserved uint64,
) (CrankOutcome, error) {
	_ = reserved
	start := time.Now()

	out, err := e.keeperCrank(maxAccountIndex, nowSlot, oraclePrice, windowStart, force, maxPnLVaultBps)
	if err != nil {
		if e.metrics != nil {
			e.metrics.CrankRejected.WithLabelValues(rejectReason(err)).Inc()
		}
		e.logger.Warn().Err(err).Uint64("slot", nowSlot).Msg("crank rejected")
		return CrankOutcome{}, err
	}

	if e.metrics != nil {
		e.metrics.CrankRuns.Inc()
		e.metrics.CrankDuration.Observe(time.Since(start).Seconds())
		e.metrics.CrankAccountsVisited.Add(float64(out.AccountsVisited))
	}
	e.logger.Debug().
		Uint64("slot", nowSlot).
		Uint64("oracle_price", oraclePrice).
		Int("visited", out.AccountsVisited).
		Int("liquidations", out.NumLiquidations).
		Int("max_pnl_closed", out.MaxPnLClosed).
		Int("errors", out.Errors()).
		Int("next_window_start", out.NextWindowStart).
		Msg("crank complete")
	return out, nil
}

func (e *Engine) keeperCrank(maxAccountIndex int, nowSlot, oraclePrice uint64, windowStart int, force bool, maxPnLVaultBps uint64) (CrankOutcome, error) {
	// Global guards
	if oraclePrice == 0 || oraclePrice > stdmath.MaxInt64 {
		return CrankOutcome{}, fmt.Errorf("%w: oracle price %d", ErrInvalidTrade, oraclePrice)
	}
	if windowStart < 0 {
		return CrankOutcome{}, fmt.Errorf("%w: window start %d", ErrInvalidAccount, windowStart)
	}
	if nowSlot < e.lastSlot {
		return CrankOutcome{}, fmt.Errorf("%w: slot %d behind %d", ErrStaleCrank, nowSlot, e.lastSlot)
	}

	end := maxAccountIndex
	if last := len(e.accounts) - 1; end > last {
		end = last
	}

	if !force {
		for idx := windowStart; idx <= end; idx++ {
			acct := e.accounts[idx]
			if acct.IsFlat() {
				continue
			}
			if age := nowSlot - acct.LastSettledSlot; age > e.params.MaxCrankStalenessSlots {
				return CrankOutcome{}, fmt.Errorf("%w: account %d last settled %d slots ago",
					ErrStaleCrank, idx, age)
			}
		}
	}

	out := CrankOutcome{Slot: nowSlot, OraclePrice: oraclePrice}

	e.beginOp(nowSlot)
	for idx := windowStart; idx <= end; idx++ {
		out.AccountsVisited++
		e.crankAccount(idx, nowSlot, oraclePrice, maxPnLVaultBps, &out)
	}
	e.finishOp()
	e.lastCrankSlot = nowSlot

	next := end + 1
	if next < windowStart {
		next = windowStart
	}
	if next >= len(e.accounts) {
		next = 0
	}
	out.NextWindowStart = next
	out.VaultAfter = e.Vault()
	out.CTotAfter = e.CTot()
	return out, nil
}

// crankAccount runs both stages for one account. Each stage is its own
// transaction, so a failed force close keeps the stage-1 settlement.
func (e *Engine) crankAccount(idx int, slot, price, maxPnLVaultBps uint64, out *CrankOutcome) {
	// Stage 1: fees, mark-to-market, liquidation
	t := e.begin()
	action, err := e.settleAndLiquidate(t, idx, slot, price)
	if err == nil {
		err = t.commit()
	}
	switch {
	case err != nil:
		out.LiquidationErrors++
		if e.metrics != nil {
			e.metrics.LiquidationErrors.Inc()
		}
		e.containFailure(out, action, idx, "liquidation", err)
	case action != nil:
		out.NumLiquidations++
		out.Actions = append(out.Actions, *action)
		if e.metrics != nil {
			e.metrics.Liquidations.WithLabelValues(action.AccountKind.String(), action.State.String()).Inc()
		}
		e.logger.Info().
			Int("account", idx).
			Str("kind", action.AccountKind.String()).
			Str("state", action.State.String()).
			Int64("closed", action.FilledSize).
			Int64("remaining", action.RemainingSize).
			Int64("fee", action.Fee).
			Int64("deficit", action.Deficit).
			Uint64("slot", slot).
			Msg("account liquidated")
	}

	// Stage 2: vault-protection cap, traders only
	if maxPnLVaultBps == 0 || e.accounts[idx].IsLP() {
		return
	}
	t = e.begin()
	action, err = e.enforceMaxPnL(t, idx, slot, price, maxPnLVaultBps)
	if err == nil && action != nil {
		err = t.commit()
	}
	switch {
	case err != nil:
		out.MaxPnLErrors++
		if e.metrics != nil {
			e.metrics.MaxPnLErrors.Inc()
		}
		e.containFailure(out, action, idx, "max_pnl", err)
	case action != nil:
		out.MaxPnLClosed++
		out.Actions = append(out.Actions, *action)
		if e.metrics != nil {
			e.metrics.MaxPnLClosed.Inc()
		}
		e.logger.Info().
			Int("account", idx).
			Int64("closed", action.FilledSize).
			Uint64("slot", slot).
			Msg("position force-closed by max pnl cap")
	}
}

func (e *Engine) containFailure(out *CrankOutcome, action *state.PositionAction, idx int, stage string, err error) {
	err = fmt.Errorf("%w: account %d: %w", ErrAccountProcessing, idx, err)
	if action != nil {
		_ = action.Transition(state.ActionStateFailed)
		out.Actions = append(out.Actions, *action)
	}
	e.logger.Warn().
		Err(err).
		Int("account", idx).
		Str("stage", stage).
		Uint64("slot", out.Slot).
		Msg("crank account failed")
}

// settleAndLiquidate stages stage 1 for one account. It returns the action
// taken, or nil when the account was healthy.
func (e *Engine) settleAndLiquidate(t *txn, idx int, slot, price uint64) (*state.PositionAction, error) {
	acct := t.account(idx)

	if err := e.chargeMaintenance(t, acct, slot); err != nil {
		return nil, err
	}

	if !acct.IsLP() && acct.CounterpartyLP != state.NoCounterparty {
		lp, err := t.counterparty(acct)
		if err != nil {
			return nil, err
		}
		if err := markTrader(acct, lp, price); err != nil {
			return nil, err
		}
		if err := t.realize(acct, lp, slot, false); err != nil {
			return nil, err
		}
		unbind(acct)
	}
	acct.LastSettledSlot = maxSlot(acct.LastSettledSlot, slot)

	m, err := state.ComputeMargin(acct, price, &e.params)
	if err != nil {
		return nil, fmt.Errorf("margin: %w", err)
	}

	sc := &state.SignalContext{Params: &e.params, Margin: m}
	if !e.liquidationSignal.Evaluate(acct, sc) {
		switch {
		case m.Status() == state.MarginStatusAtRisk:
			acct.LiquidationState = state.LiquidationStateAtRisk
		case !acct.IsFlat():
			acct.LiquidationState = state.LiquidationStateHealthy
		}
		return nil, nil
	}

	action := state.NewPositionAction(e.liquidationSignal, acct, slot, price)
	if acct.IsLP() {
		return action, e.liquidateLP(t, acct, slot, price, action)
	}

	done, err := e.liquidateTrader(t, acct, m, price, action)
	if err != nil {
		return action, err
	}
	if !done {
		return nil, nil
	}
	return action, nil
}

// chargeMaintenance sweeps the per-slot fee accrued since the last charge.
// What capital cannot cover becomes fee debt.
func (e *Engine) chargeMaintenance(t *txn, acct *state.Account, slot uint64) error {
	if slot <= acct.LastFeeSlot {
		return nil
	}
	elapsed := slot - acct.LastFeeSlot
	acct.LastFeeSlot = slot
	if e.params.MaintenanceFeePerSlot == 0 {
		return nil
	}
	if elapsed > stdmath.MaxInt64 {
		return fmt.Errorf("maintenance fee: %w", ErrOverflow)
	}

	owed, err := fpmath.MulDiv(int64(e.params.MaintenanceFeePerSlot), int64(elapsed), 1, fpmath.RoundDown)
	if err != nil {
		return fmt.Errorf("maintenance fee: %w", err)
	}
	paid, unpaid := state.SplitPayment(acct.Capital, owed)
	if err := t.sweep(acct, paid, ledger.JournalTypeMaintenanceFee); err != nil {
		return err
	}
	if err := addTo(&acct.FeeDebt, unpaid); err != nil {
		return fmt.Errorf("fee debt: %w", err)
	}
	return nil
}

// liquidateTrader closes the planned part of the trader's position against
// its LP at the oracle price and charges the liquidation fee to the LP.
func (e *Engine) liquidateTrader(t *txn, trader *state.Account, m state.MarginSnapshot, price uint64, action *state.PositionAction) (bool, error) {
	plan, err := state.PlanLiquidation(trader, m, &e.params)
	if err != nil {
		return false, fmt.Errorf("plan liquidation: %w", err)
	}
	if plan.CloseSize == 0 {
		return false, nil
	}

	lp, err := t.counterparty(trader)
	if err != nil {
		return false, err
	}
	if lp == nil {
		return false, fmt.Errorf("trader %d has a position but no counterparty", trader.Index)
	}

	delta := -trader.SideSign() * plan.CloseSize
	if _, err := closeAgainstLP(trader, lp, delta, price); err != nil {
		return false, err
	}

	closedNotional, err := fpmath.ComputeNotional(plan.CloseSize, price)
	if err != nil {
		return false, fmt.Errorf("closed notional: %w", err)
	}
	fee, err := state.LiquidationFee(closedNotional, trader.Capital, &e.params)
	if err != nil {
		return false, fmt.Errorf("liquidation fee: %w", err)
	}
	if err := t.transfer(trader, lp, fee, ledger.JournalTypeLiquidationFee); err != nil {
		return false, err
	}

	deficit := t.writeOff(trader, lp)
	unbind(trader)

	action.FilledSize = plan.CloseSize
	action.RemainingSize = trader.PositionSize
	action.Fee = fee
	action.Deficit = deficit

	next := state.ActionStatePartialFill
	trader.LiquidationState = state.LiquidationStatePartiallyLiquidated
	switch {
	case deficit > 0:
		next = state.ActionStateDeficit
		trader.LiquidationState = state.LiquidationStateBankrupt
	case trader.IsFlat():
		next = state.ActionStateCompleted
		trader.LiquidationState = state.LiquidationStateClosed
	}
	return true, action.Transition(next)
}

// liquidateLP closes every trader bound to the LP at the oracle price. The
// fee is swept from the LP's capital to the fee reserve.
func (e *Engine) liquidateLP(t *txn, lp *state.Account, slot, price uint64, action *state.PositionAction) error {
	var closedNotional, deficit int64

	for idx, committed := range e.accounts {
		if committed.IsLP() || committed.CounterpartyLP != lp.Index {
			continue
		}
		trader := t.account(idx)

		if err := markTrader(trader, lp, price); err != nil {
			return err
		}
		if !trader.IsFlat() {
			notional, err := trader.Notional(price)
			if err != nil {
				return fmt.Errorf("trader %d notional: %w", idx, err)
			}
			if err := addTo(&closedNotional, notional); err != nil {
				return fmt.Errorf("closed notional: %w", err)
			}
			if _, err := closeAgainstLP(trader, lp, -trader.PositionSize, price); err != nil {
				return err
			}
			trader.LiquidationState = state.LiquidationStateClosed
		}
		if err := t.realize(trader, lp, slot, false); err != nil {
			return err
		}
		if err := addTo(&deficit, t.writeOff(trader, lp)); err != nil {
			return err
		}
		unbind(trader)
		trader.LastSettledSlot = maxSlot(trader.LastSettledSlot, slot)
	}

	fee, err := state.LiquidationFee(closedNotional, lp.Capital, &e.params)
	if err != nil {
		return fmt.Errorf("liquidation fee: %w", err)
	}
	if err := t.sweep(lp, fee, ledger.JournalTypeLiquidationFee); err != nil {
		return err
	}
	lp.LiquidationState = state.LiquidationStateClosed

	action.FilledSize = fpmath.Abs(action.InitialSize)
	action.RemainingSize = lp.PositionSize
	action.Fee = fee
	action.Deficit = deficit
	if deficit > 0 {
		return action.Transition(state.ActionStateDeficit)
	}
	return action.Transition(state.ActionStateCompleted)
}

// enforceMaxPnL force-closes a trader whose open-position PnL exceeds
// maxPnLVaultBps of the current c_tot. Gains are realized without warmup.
func (e *Engine) enforceMaxPnL(t *txn, idx int, slot, price, maxPnLVaultBps uint64) (*state.PositionAction, error) {
	trader := t.account(idx)

	pnlCap, err := fpmath.WideBps(e.cTot, maxPnLVaultBps)
	if err != nil {
		return nil, fmt.Errorf("pnl cap: %w", err)
	}
	sc := &state.SignalContext{Params: &e.params, PnLCap: pnlCap}
	if !e.maxPnLSignal.Evaluate(trader, sc) {
		return nil, nil
	}

	action := state.NewPositionAction(e.maxPnLSignal, trader, slot, price)
	lp, err := t.counterparty(trader)
	if err != nil {
		return action, err
	}
	if lp == nil {
		return action, fmt.Errorf("trader %d has a position but no counterparty", idx)
	}

	if err := markTrader(trader, lp, price); err != nil {
		return action, err
	}
	if _, err := closeAgainstLP(trader, lp, -trader.PositionSize, price); err != nil {
		return action, err
	}
	if err := t.realize(trader, lp, slot, true); err != nil {
		return action, err
	}
	unbind(trader)
	trader.LastSettledSlot = maxSlot(trader.LastSettledSlot, slot)

	action.FilledSize = fpmath.Abs(action.InitialSize)
	action.RemainingSize = trader.PositionSize
	return action, action.Transition(state.ActionStateCompleted)
}
