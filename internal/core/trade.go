package core

import (
	"fmt"
	stdmath "math"

	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/matcher"
	"PerpRisk/internal/state"
)

// Fill is the result of a committed trade.
type Fill struct {
	LPIndex      int            `json:"lp_index"`
	TraderIndex  int            `json:"trader_index"`
	Price        uint64         `json:"price"` // Execution price from the matcher
	Size         int64          `json:"size"`  // Signed, trader's perspective
	Fee          int64          `json:"fee"`
	ExecutionPnL int64          `json:"execution_pnl"` // fill * (oracle - price) / 1e6, credited to the trader
	TraderKind   state.FillKind `json:"trader_kind"`
	LPKind       state.FillKind `json:"lp_kind"`
}

// ExecuteTrade fills size (trader's perspective) between an LP and a trader
// at the price quoted by m. The trade is all-or-nothing: on error no account
// or aggregate changes.
func (e *Engine) ExecuteTrade(m matcher.Matcher, lpIdx, traderIdx int, nowSlot, oraclePrice uint64, size int64) (Fill, error) {
	fill, err := e.executeTrade(m, lpIdx, traderIdx, nowSlot, oraclePrice, size)
	if err != nil {
		if e.metrics != nil {
			e.metrics.TradesRejected.WithLabelValues(rejectReason(err)).Inc()
		}
		e.logger.Debug().
			Err(err).
			Int("lp", lpIdx).
			Int("trader", traderIdx).
			Int64("size", size).
			Uint64("oracle_price", oraclePrice).
			Msg("trade rejected")
		return Fill{}, err
	}

	if e.metrics != nil {
		e.metrics.TradesExecuted.Inc()
		e.metrics.TradeFeesTotal.Add(float64(fill.Fee))
	}
	return fill, nil
}

func (e *Engine) executeTrade(m matcher.Matcher, lpIdx, traderIdx int, nowSlot, oraclePrice uint64, size int64) (Fill, error) {
	// Step 1: Validate inputs
	if !e.validIndex(lpIdx) || !e.accounts[lpIdx].IsLP() {
		return Fill{}, fmt.Errorf("%w: %d is not an LP", ErrInvalidAccount, lpIdx)
	}
	if !e.validIndex(traderIdx) || e.accounts[traderIdx].IsLP() {
		return Fill{}, fmt.Errorf("%w: %d is not a trader", ErrInvalidAccount, traderIdx)
	}
	if oraclePrice == 0 || oraclePrice > stdmath.MaxInt64 {
		return Fill{}, fmt.Errorf("%w: oracle price %d", ErrInvalidTrade, oraclePrice)
	}
	if size == 0 || size == stdmath.MinInt64 {
		return Fill{}, fmt.Errorf("%w: size %d", ErrInvalidTrade, size)
	}
	if bound := e.accounts[traderIdx].CounterpartyLP; bound != state.NoCounterparty && bound != lpIdx {
		return Fill{}, fmt.Errorf("%w: trader %d is bound to LP %d", ErrInvalidAccount, traderIdx, bound)
	}

	// Step 2: Quote
	price, fillSize, err := m.Quote(oraclePrice, size)
	if err != nil {
		return Fill{}, fmt.Errorf("%w: quote: %w", ErrInvalidTrade, err)
	}
	switch {
	case fillSize == 0:
		return Fill{}, fmt.Errorf("%w: empty fill", ErrInvalidTrade)
	case fpmath.Sign(fillSize) != fpmath.Sign(size):
		return Fill{}, fmt.Errorf("%w: fill %d against request %d", ErrInvalidTrade, fillSize, size)
	case fpmath.Abs(fillSize) > fpmath.Abs(size):
		return Fill{}, fmt.Errorf("%w: fill %d exceeds request %d", ErrInvalidTrade, fillSize, size)
	case price == 0 || price > stdmath.MaxInt64:
		return Fill{}, fmt.Errorf("%w: fill price %d", ErrInvalidTrade, price)
	}

	traderKind := state.ClassifyFill(e.accounts[traderIdx].PositionSize, fillSize)
	lpKind := state.ClassifyFill(e.accounts[lpIdx].PositionSize, -fillSize)

	// Step 3: Risk-reduction mode
	if e.params.RiskReductionThreshold > 0 && fpmath.LessThanWide(e.cTot, e.params.RiskReductionThreshold) &&
		traderKind.IncreasesExposure() {
		return Fill{}, fmt.Errorf("%w: c_tot %s below %d", ErrRiskReductionOnly, e.cTot.Dec(), e.params.RiskReductionThreshold)
	}

	e.beginOp(nowSlot)
	t := e.begin()
	result, err := e.applyTrade(t, lpIdx, traderIdx, nowSlot, oraclePrice, price, fillSize)
	if err != nil {
		e.abortOp()
		return Fill{}, err
	}
	if err := t.commit(); err != nil {
		e.abortOp()
		return Fill{}, err
	}
	e.finishOp()

	result.TraderKind = traderKind
	result.LPKind = lpKind
	return result, nil
}

// applyTrade stages steps 4 to 10 of a trade.
func (e *Engine) applyTrade(t *txn, lpIdx, traderIdx int, nowSlot, oraclePrice, price uint64, fillSize int64) (Fill, error) {
	trader := t.account(traderIdx)
	lp := t.account(lpIdx)

	// Step 4: Settle the trader at the oracle price
	if trader.CounterpartyLP != state.NoCounterparty {
		if err := markTrader(trader, lp, oraclePrice); err != nil {
			return Fill{}, err
		}
		if err := t.realize(trader, lp, nowSlot, false); err != nil {
			return Fill{}, err
		}
	}

	// Step 5: Move the position, LP takes the other side
	trader.CounterpartyLP = lpIdx
	lpSizeBefore := lp.PositionSize
	kind, err := closeAgainstLP(trader, lp, fillSize, oraclePrice)
	if err != nil {
		return Fill{}, err
	}

	// Step 6: Execution PnL against the oracle
	execPnL, err := fpmath.MulDiv(fillSize, int64(oraclePrice)-int64(price), fpmath.PriceScale, fpmath.RoundDown)
	if err != nil {
		return Fill{}, fmt.Errorf("execution pnl: %w", err)
	}
	if err := accruePnL(trader, lp, execPnL); err != nil {
		return Fill{}, err
	}

	// Step 7: Warmup restarts when exposure grows, then realize
	if kind.IncreasesExposure() {
		trader.WarmupStartSlot = nowSlot
	}
	if err := t.realize(trader, lp, nowSlot, false); err != nil {
		return Fill{}, err
	}

	// Step 8: Trading fee, trader → LP
	fee, err := state.TradingFee(fillSize, price, &e.params)
	if err != nil {
		return Fill{}, fmt.Errorf("trading fee: %w", err)
	}
	if fee > trader.Capital {
		return Fill{}, fmt.Errorf("%w: fee %d exceeds capital %d", ErrInsufficientMargin, fee, trader.Capital)
	}
	if err := t.transfer(trader, lp, fee, ledger.JournalTypeTradeFee); err != nil {
		return Fill{}, err
	}

	// Step 9: Initial margin for each side that adds exposure
	if kind.IncreasesExposure() {
		if err := e.checkInitialMargin(trader, oraclePrice); err != nil {
			return Fill{}, err
		}
	}
	if state.ClassifyFill(lpSizeBefore, -fillSize).IncreasesExposure() {
		if err := e.checkInitialMargin(lp, oraclePrice); err != nil {
			return Fill{}, err
		}
	}

	// Step 10: Open-interest cap
	if e.params.MaxOpenInterest > 0 && kind.IncreasesExposure() {
		oi := e.totalOpenInterest - e.accounts[traderIdx].OpenInterest + trader.OpenInterest
		if oi < 0 || uint64(oi) > e.params.MaxOpenInterest {
			return Fill{}, fmt.Errorf("%w: %d > %d", ErrOpenInterestCap, oi, e.params.MaxOpenInterest)
		}
	}

	unbind(trader)
	for _, acct := range []*state.Account{trader, lp} {
		acct.LastActiveSlot = maxSlot(acct.LastActiveSlot, nowSlot)
		acct.LastSettledSlot = maxSlot(acct.LastSettledSlot, nowSlot)
	}

	return Fill{
		LPIndex:      lpIdx,
		TraderIndex:  traderIdx,
		Price:        price,
		Size:         fillSize,
		Fee:          fee,
		ExecutionPnL: execPnL,
	}, nil
}

func (e *Engine) checkInitialMargin(acct *state.Account, price uint64) error {
	m, err := state.ComputeMargin(acct, price, &e.params)
	if err != nil {
		return fmt.Errorf("margin of %d: %w", acct.Index, err)
	}
	if !m.MeetsInitial() {
		return fmt.Errorf("%w: account %d equity %d below initial %d",
			ErrInsufficientMargin, acct.Index, m.Equity, m.Initial)
	}
	return nil
}
