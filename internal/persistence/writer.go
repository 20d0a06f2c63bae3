package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/ledger"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes logged commands, their journals and crank actions
// using multi-row INSERTs. Every statement is idempotent on its primary key.
type EventLogWriter struct{}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	Slot           uint64
	SourceSequence int64
	Payload        []byte
	Rejection      sql.NullString
	StateHash      []byte
	PrevHash       []byte
	RecordedAt     time.Time
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	EventSequence int64
	OpSequence    int64
	DebitAccount  string
	CreditAccount string
	Amount        int64
	JournalType   string
	Slot          uint64
}

// CrankActionRow represents a row in projections.crank_actions
type CrankActionRow struct {
	EventSequence int64
	Position      int
	ActionType    string
	AccountIndex  int
	AccountKind   string
	State         string
	Slot          uint64
	OraclePrice   uint64
	InitialSize   int64
	FilledSize    int64
	RemainingSize int64
	Fee           int64
	Deficit       int64
}

// Rows is everything one core output writes.
type Rows struct {
	Event    EventRow
	Journals []JournalRow
	Actions  []CrankActionRow
}

// RowsFromOutput flattens a core output into table rows.
func RowsFromOutput(out core.CoreOutput, recordedAt time.Time) Rows {
	env := out.Envelope
	rows := Rows{
		Event: EventRow{
			Sequence:       env.Sequence,
			EventType:      env.EventType.String(),
			IdempotencyKey: env.IdempotencyKey,
			Slot:           env.Slot,
			SourceSequence: env.SourceSequence,
			Payload:        env.Payload,
			Rejection:      sql.NullString{String: env.Rejection, Valid: env.Rejection != ""},
			StateHash:      env.StateHash[:],
			PrevHash:       env.PrevHash[:],
			RecordedAt:     recordedAt,
		},
	}

	if !out.Batch.IsEmpty() {
		rows.Journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			rows.Journals = append(rows.Journals, journalRow(env.Sequence, j))
		}
	}

	if out.Result.Outcome != nil {
		for i, a := range out.Result.Outcome.Actions {
			rows.Actions = append(rows.Actions, CrankActionRow{
				EventSequence: env.Sequence,
				Position:      i,
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
	}

	return rows
}

func journalRow(eventSequence int64, j ledger.Journal) JournalRow {
	return JournalRow{
		JournalID:     j.JournalID.String(),
		BatchID:       j.BatchID.String(),
		EventRef:      j.EventRef,
		EventSequence: eventSequence,
		OpSequence:    j.Sequence,
		DebitAccount:  j.DebitAccount.AccountPath(),
		CreditAccount: j.CreditAccount.AccountPath(),
		Amount:        j.Amount,
		JournalType:   j.JournalType.String(),
		Slot:          j.Slot,
	}
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 10
	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)
	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, int64(e.Slot), e.SourceSequence,
			string(e.Payload), e.Rejection, e.StateHash, e.PrevHash, e.RecordedAt,
		)
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, slot, source_sequence, payload, rejection, state_hash, prev_hash, recorded_at)
		VALUES ` + strings.Join(values, ", ") + ` ON CONFLICT (sequence) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, ex execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 10
	values := make([]string, 0, len(journals))
	args := make([]any, 0, len(journals)*cols)
	for i, j := range journals {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.EventSequence, j.OpSequence,
			j.DebitAccount, j.CreditAccount, j.Amount, j.JournalType, int64(j.Slot),
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, event_sequence, op_sequence, debit_account, credit_account, amount, journal_type, slot)
		VALUES ` + strings.Join(values, ", ") + ` ON CONFLICT (journal_id) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// WriteCrankActionBatch writes liquidations and force closes to
// projections.crank_actions.
func (w *EventLogWriter) WriteCrankActionBatch(ctx context.Context, ex execer, actions []CrankActionRow) error {
	if len(actions) == 0 {
		return nil
	}

	const cols = 13
	values := make([]string, 0, len(actions))
	args := make([]any, 0, len(actions)*cols)
	for i, a := range actions {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			a.EventSequence, a.Position, a.ActionType, a.AccountIndex, a.AccountKind,
			a.State, int64(a.Slot), int64(a.OraclePrice), a.InitialSize, a.FilledSize,
			a.RemainingSize, a.Fee, a.Deficit,
		)
	}

	query := `INSERT INTO projections.crank_actions
		(event_sequence, position, action_type, account_index, account_kind, state, slot,
		 oracle_price, initial_size, filled_size, remaining_size, fee, deficit)
		VALUES ` + strings.Join(values, ", ") + ` ON CONFLICT (event_sequence, position) DO NOTHING`

	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var b strings.Builder
	b.WriteByte('(')
	for k := 1; k <= n; k++ {
		if k > 1 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", base+k)
	}
	b.WriteByte(')')
	return b.String()
}
