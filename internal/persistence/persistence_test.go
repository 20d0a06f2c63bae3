package persistence_test

import (
	"context"
	"io/fs"
	"strings"
	"testing"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/event"
	"PerpRisk/internal/persistence"
	"PerpRisk/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestRowsFromOutput(t *testing.T) {
	c, out := testutil.NewTestCore(t)
	outputs := testutil.RunScript(t, c, out, testutil.RiskScript())
	if len(outputs) != 6 {
		t.Fatalf("expected 6 outputs, got %d", len(outputs))
	}
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	deposit := persistence.RowsFromOutput(outputs[2], now)
	if deposit.Event.EventType != "Deposit" || deposit.Event.Sequence != 2 {
		t.Fatalf("unexpected event row: %+v", deposit.Event)
	}
	if deposit.Event.Rejection.Valid {
		t.Errorf("applied command must have NULL rejection")
	}
	if len(deposit.Journals) != 1 {
		t.Fatalf("expected 1 deposit journal, got %d", len(deposit.Journals))
	}
	j := deposit.Journals[0]
	if j.DebitAccount != "account:0:capital" || j.CreditAccount != "external:deposits" {
		t.Errorf("deposit journal accounts: debit=%s credit=%s", j.DebitAccount, j.CreditAccount)
	}
	if j.Amount != 10_000_000 || j.JournalType != "Deposit" || j.EventSequence != 2 {
		t.Errorf("unexpected deposit journal: %+v", j)
	}

	crank := persistence.RowsFromOutput(outputs[5], now)
	if len(crank.Actions) != 1 {
		t.Fatalf("expected 1 crank action, got %d", len(crank.Actions))
	}
	a := crank.Actions[0]
	if a.ActionType != "MaxPnLClose" || a.AccountIndex != 1 || a.AccountKind != "Trader" {
		t.Errorf("unexpected crank action: %+v", a)
	}
	if a.RemainingSize != 0 || a.FilledSize != 5_000_000 {
		t.Errorf("expected full close of 5M, got filled=%d remaining=%d", a.FilledSize, a.RemainingSize)
	}
	if len(crank.Event.StateHash) != 32 || len(crank.Event.PrevHash) != 32 {
		t.Errorf("hash columns must be 32 bytes")
	}
}

func TestRowsFromOutput_Rejected(t *testing.T) {
	c, out := testutil.NewTestCore(t)
	outputs := testutil.RunScript(t, c, out, testutil.RiskScript()[:4])

	// 50M notional needs 5M initial margin against 1M of capital.
	trade := &event.ExecuteTrade{TradeID: uuid.New(), LPIndex: 0, TraderIndex: 1, NowSlot: 1,
		OraclePrice: 1_000_000, Size: 50_000_000, Matcher: "noop", Sequence: 4}
	outputs = append(outputs, testutil.RunScript(t, c, out, []event.Event{trade})...)

	rows := persistence.RowsFromOutput(outputs[4], time.Now())
	if !rows.Event.Rejection.Valid || rows.Event.Rejection.String != "insufficient_margin" {
		t.Fatalf("expected insufficient_margin rejection, got %+v", rows.Event.Rejection)
	}
	if len(rows.Journals) != 0 || len(rows.Actions) != 0 {
		t.Errorf("rejected command must not write journals or actions")
	}
}

func TestMigrations_Embedded(t *testing.T) {
	entries, err := fs.ReadDir(persistence.Migrations(), ".")
	if err != nil {
		t.Fatalf("read embedded migrations: %v", err)
	}
	ups, downs := 0, 0
	for _, e := range entries {
		switch {
		case strings.HasSuffix(e.Name(), ".up.sql"):
			ups++
		case strings.HasSuffix(e.Name(), ".down.sql"):
			downs++
		}
	}
	if ups == 0 || ups != downs {
		t.Errorf("expected matching up/down migrations, got up=%d down=%d", ups, downs)
	}
}

// ============================================================================
// Integration: Postgres round trip
// ============================================================================

func TestPersistence_WriteReplayRoundTrip(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	c, out := testutil.NewTestCore(t)
	outputs := testutil.RunScript(t, c, out, testutil.RiskScript())

	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)

	var flushed int
	worker := persistence.NewPersistenceWorker(db, in, 4, 50*time.Millisecond, nil, zerolog.Nop())
	worker.OnFlushed(func(batch []core.CoreOutput) { flushed += len(batch) })
	if err := worker.Run(ctx); err != nil {
		t.Fatalf("worker run: %v", err)
	}
	if flushed != len(outputs) {
		t.Fatalf("expected %d flushed outputs, got %d", len(outputs), flushed)
	}

	sm := persistence.NewSnapshotManager(db)
	latest, err := sm.GetLatestSequence(ctx)
	if err != nil || latest != 5 {
		t.Fatalf("latest sequence: got %d, err %v", latest, err)
	}

	envs, err := sm.LoadEventsFrom(ctx, 0, 100)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(envs) != 6 {
		t.Fatalf("expected 6 logged events, got %d", len(envs))
	}

	replayed, _ := testutil.NewTestCore(t)
	for _, env := range envs {
		if err := replayed.Replay(env); err != nil {
			t.Fatalf("replay seq=%d: %v", env.Sequence, err)
		}
	}
	if replayed.GetStateHash() != c.GetStateHash() {
		t.Fatalf("replayed state hash differs from live core")
	}

	checker := persistence.NewPostgresIdempotencyChecker(db)
	dup, err := checker.IsDuplicate(envs[2].EventType.String(), envs[2].IdempotencyKey)
	if err != nil || !dup {
		t.Errorf("expected logged deposit to be a duplicate, got %v (err %v)", dup, err)
	}
	keys, err := checker.RecentKeys(ctx, 3)
	if err != nil || len(keys) != 3 {
		t.Fatalf("recent keys: %v (err %v)", keys, err)
	}
	if keys[2] != "KeeperCrank:"+envs[5].IdempotencyKey {
		t.Errorf("expected newest key last, got %v", keys)
	}
}

func TestSnapshotManager_LoadsOnlyLoggedSnapshots(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	sm := persistence.NewSnapshotManager(db)

	c, out := testutil.NewTestCore(t)
	outputs := testutil.RunScript(t, c, out, testutil.RiskScript()[:3])

	// Snapshot ahead of the durable log is ignored.
	if _, err := sm.SaveSnapshot(ctx, c.CreateSnapshotState()); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil || snap != nil {
		t.Fatalf("expected no usable snapshot, got %+v (err %v)", snap, err)
	}

	in := make(chan core.CoreOutput, len(outputs))
	for _, o := range outputs {
		in <- o
	}
	close(in)
	if err := persistence.NewPersistenceWorker(db, in, 10, time.Second, nil, zerolog.Nop()).Run(ctx); err != nil {
		t.Fatalf("worker run: %v", err)
	}

	snap, err = sm.LoadLatestSnapshot(ctx)
	if err != nil || snap == nil {
		t.Fatalf("expected snapshot after log caught up, got err %v", err)
	}
	if snap.Sequence != 2 || snap.StateHash != c.GetStateHash() {
		t.Errorf("unexpected snapshot: seq=%d", snap.Sequence)
	}
	if err := sm.MarkVerified(ctx, snap.Sequence); err != nil {
		t.Fatalf("mark verified: %v", err)
	}

	restored, _ := testutil.NewTestCore(t)
	if err := restored.RestoreFromSnapshot(snap); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.GetSequence() != 3 {
		t.Errorf("expected next sequence 3, got %d", restored.GetSequence())
	}
}
