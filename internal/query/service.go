package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"PerpRisk/internal/persistence"
	"PerpRisk/internal/projection"
	"PerpRisk/internal/state"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrUnavailable     = errors.New("event log unavailable")
)

// QueryService provides read-only access to the risk engine. Account, margin
// and aggregate queries read the in-memory projection; journal history and
// integrity checks read the Postgres event log. All responses carry
// as_of_sequence for freshness semantics.
type QueryService struct {
	accounts *projection.AccountsProjection
	history  *projection.CrankHistoryProjection
	db       *sql.DB
	snapMgr  *persistence.SnapshotManager
}

// NewQueryService wires the read model. db may be nil, in which case the
// event-log queries return ErrUnavailable.
func NewQueryService(accounts *projection.AccountsProjection, history *projection.CrankHistoryProjection, db *sql.DB) *QueryService {
	qs := &QueryService{
		accounts: accounts,
		history:  history,
		db:       db,
	}
	if db != nil {
		qs.snapMgr = persistence.NewSnapshotManager(db)
	}
	return qs
}

// GetAccount returns one account with PnL and equity at the mark price.
func (qs *QueryService) GetAccount(ctx context.Context, index int) (*AccountResponse, error) {
	acct, asOf, err := qs.accounts.Account(index)
	if err != nil {
		return nil, fmt.Errorf("%w: account %d", ErrNotFound, index)
	}
	return qs.accountResponse(acct, asOf)
}

// ListAccounts pages through accounts in index order. kind is "", "lp" or
// "trader".
func (qs *QueryService) ListAccounts(ctx context.Context, kind string, offset, limit int) ([]AccountResponse, int64, error) {
	filter, err := parseKind(kind)
	if err != nil {
		return nil, 0, err
	}
	if offset < 0 {
		return nil, 0, fmt.Errorf("%w: negative offset", ErrInvalidArgument)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	accts, asOf := qs.accounts.Accounts(filter, offset, limit)
	out := make([]AccountResponse, 0, len(accts))
	for _, acct := range accts {
		resp, err := qs.accountResponse(acct, asOf)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *resp)
	}
	return out, asOf, nil
}

// GetMargin returns margin metrics for one account at the mark price.
func (qs *QueryService) GetMargin(ctx context.Context, index int) (*MarginInfo, error) {
	acct, asOf, err := qs.accounts.Account(index)
	if err != nil {
		return nil, fmt.Errorf("%w: account %d", ErrNotFound, index)
	}

	params := qs.accounts.Params()
	price := qs.accounts.MarkPrice()
	info := &MarginInfo{
		Index:        index,
		MarkPrice:    price,
		Status:       state.MarginStatusHealthy.String(),
		AsOfSequence: asOf,
	}
	if price == 0 {
		info.Equity = acct.Capital + acct.PnL
		return info, nil
	}

	m, err := state.ComputeMargin(&acct, price, &params)
	if err != nil {
		return nil, fmt.Errorf("compute margin: %w", err)
	}
	info.Notional = m.Notional
	info.Equity = m.Equity
	info.Maintenance = m.Maintenance
	info.Initial = m.Initial
	info.Status = m.Status().String()
	info.IsLiquidatable = m.IsLiquidatable(&params)
	return info, nil
}

// GetTotals returns the engine aggregates.
func (qs *QueryService) GetTotals(ctx context.Context) (*TotalsResponse, error) {
	t, asOf := qs.accounts.Totals()
	resp := &TotalsResponse{
		Vault:         "0",
		CTot:          "0",
		FeeReserve:    "0",
		BadDebt:       "0",
		OpenInterest:  t.OpenInterest,
		NumAccounts:   t.NumAccounts,
		LastSlot:      t.LastSlot,
		LastCrankSlot: t.LastCrankSlot,
		MarkPrice:     qs.accounts.MarkPrice(),
		AsOfSequence:  asOf,
	}
	if t.Vault != nil {
		resp.Vault = t.Vault.Dec()
		resp.CTot = t.CTot.Dec()
		resp.FeeReserve = t.FeeReserve.Dec()
		resp.BadDebt = t.BadDebt.Dec()
	}
	return resp, nil
}

// GetCrankActions returns recent liquidations and force closes, newest first.
// A negative index returns actions for every account.
func (qs *QueryService) GetCrankActions(ctx context.Context, index int, limit int) ([]CrankActionResponse, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	entries := qs.history.QueryByAccount(index, limit)
	out := make([]CrankActionResponse, 0, len(entries))
	for _, e := range entries {
		a := e.Action
		out = append(out, CrankActionResponse{
			Sequence:      e.Sequence,
			ActionType:    a.ActionType.String(),
			AccountIndex:  a.AccountIndex,
			AccountKind:   a.AccountKind.String(),
			State:         a.State.String(),
			Slot:          a.Slot,
			OraclePrice:   a.OraclePrice,
			InitialSize:   a.InitialSize,
			FilledSize:    a.FilledSize,
			RemainingSize: a.RemainingSize,
			Fee:           a.Fee,
			Deficit:       a.Deficit,
		})
	}
	return out, nil
}

// GetJournalHistory returns journal entries touching an account's capital,
// newest first. beforeSequence pages backwards through the log.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	index int,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, ErrUnavailable
	}
	if index < 0 {
		return nil, fmt.Errorf("%w: negative account index", ErrInvalidArgument)
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	accountPath := fmt.Sprintf("account:%d:capital", index)

	query := `
		SELECT journal_id, batch_id, event_ref, event_sequence,
		       debit_account, credit_account, amount, journal_type, slot
		FROM event_log.journal
		WHERE (debit_account = $1 OR credit_account = $1)
	`
	args := []any{accountPath}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND event_sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY event_sequence DESC, op_sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e    JournalHistoryEntry
			slot int64
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.EventSequence,
			&e.DebitAccount, &e.CreditAccount, &e.Amount, &e.JournalType, &slot,
		); err != nil {
			return nil, err
		}
		e.Slot = uint64(slot)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// GetEventLogInfo reports the durable log head against the read model.
func (qs *QueryService) GetEventLogInfo(ctx context.Context) (*EventLogInfo, error) {
	if qs.snapMgr == nil {
		return nil, ErrUnavailable
	}
	latest, err := qs.snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("latest sequence: %w", err)
	}
	return &EventLogInfo{
		LastSequence:      latest,
		ProjectedSequence: qs.accounts.Sequence(),
		ProjectionGaps:    qs.accounts.Gaps(),
	}, nil
}

// VerifyIntegrity checks hash chain continuity in the log and, when the read
// model is caught up, that every account's journaled balance equals its
// capital.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if qs.db == nil {
		return nil, ErrUnavailable
	}
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence
		FROM event_log.events e1
		LEFT JOIN event_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND (e2.sequence IS NULL OR e1.prev_hash != e2.state_hash)
		ORDER BY e1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	latest, err := qs.snapMgr.GetLatestSequence(ctx)
	if err != nil {
		return nil, err
	}
	if latest != qs.accounts.Sequence() {
		report.Lagging = true
	} else {
		mismatches, err := qs.capitalMismatches(ctx)
		if err != nil {
			return nil, err
		}
		report.CapitalMismatches = mismatches
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.CapitalMismatches) == 0
	return report, nil
}

func (qs *QueryService) capitalMismatches(ctx context.Context) ([]CapitalMismatch, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT path, SUM(delta)::BIGINT FROM (
			SELECT debit_account AS path, amount AS delta FROM event_log.journal
			UNION ALL
			SELECT credit_account AS path, -amount AS delta FROM event_log.journal
		) j
		WHERE path LIKE 'account:%:capital'
		GROUP BY path
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	journaled := make(map[int]int64)
	for rows.Next() {
		var (
			path    string
			balance int64
			index   int
		)
		if err := rows.Scan(&path, &balance); err != nil {
			return nil, err
		}
		if _, err := fmt.Sscanf(path, "account:%d:capital", &index); err != nil {
			return nil, fmt.Errorf("parse account path %q: %w", path, err)
		}
		journaled[index] = balance
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var mismatches []CapitalMismatch
	accts, _ := qs.accounts.Accounts(nil, 0, int(^uint(0)>>1))
	for _, acct := range accts {
		if journaled[acct.Index] != acct.Capital {
			mismatches = append(mismatches, CapitalMismatch{
				Index:     acct.Index,
				Journaled: journaled[acct.Index],
				Projected: acct.Capital,
			})
		}
	}
	return mismatches, nil
}

// --- helpers ---

func (qs *QueryService) accountResponse(acct state.Account, asOf int64) (*AccountResponse, error) {
	resp := &AccountResponse{
		Index:            acct.Index,
		Kind:             acct.Kind.String(),
		MatcherContext:   acct.MatcherContext,
		PositionSize:     acct.PositionSize,
		EntryNotional:    acct.EntryNotional,
		ReferencePrice:   acct.ReferencePrice(),
		Capital:          acct.Capital,
		PnL:              acct.PnL,
		PositionPnL:      acct.PositionPnL,
		FeeDebt:          acct.FeeDebt,
		CounterpartyLP:   acct.CounterpartyLP,
		WarmupStartSlot:  acct.WarmupStartSlot,
		LastActiveSlot:   acct.LastActiveSlot,
		LiquidationState: acct.LiquidationState.String(),
		AsOfSequence:     asOf,
	}
	if acct.IsLP() {
		resp.Owner = hex.EncodeToString(acct.Owner[:])
		resp.Authority = hex.EncodeToString(acct.Authority[:])
	}

	price := qs.accounts.MarkPrice()
	resp.MarkPrice = price
	resp.Equity = acct.Capital + acct.PnL
	if price == 0 {
		return resp, nil
	}

	unrealized, err := acct.UnrealizedPnL(price)
	if err != nil {
		return nil, fmt.Errorf("unrealized pnl for account %d: %w", acct.Index, err)
	}
	equity, err := acct.Equity(price)
	if err != nil {
		return nil, fmt.Errorf("equity for account %d: %w", acct.Index, err)
	}
	resp.UnrealizedPnL = unrealized
	resp.Equity = equity
	return resp, nil
}

func parseKind(kind string) (*state.AccountKind, error) {
	var k state.AccountKind
	switch kind {
	case "":
		return nil, nil
	case "lp", "LP":
		k = state.AccountKindLP
	case "trader", "Trader":
		k = state.AccountKindTrader
	default:
		return nil, fmt.Errorf("%w: unknown account kind %q", ErrInvalidArgument, kind)
	}
	return &k, nil
}
