package ledger_test

import (
	"testing"

	"PerpRisk/internal/ledger"
)

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_EnginePath(t *testing.T) {
	key := ledger.CapitalKey(7)
	if path := key.AccountPath(); path != "account:7:capital" {
		t.Errorf("got %q, want %q", path, "account:7:capital")
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	if path := ledger.FeeReserveKey.AccountPath(); path != "system:fee_reserve" {
		t.Errorf("got %q, want %q", path, "system:fee_reserve")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	if path := ledger.ExternalDepositsKey.AccountPath(); path != "external:deposits" {
		t.Errorf("got %q, want %q", path, "external:deposits")
	}
}

func TestAccountKey_DistinctIndexes(t *testing.T) {
	if ledger.CapitalKey(1) == ledger.CapitalKey(2) {
		t.Error("different indexes must produce different keys")
	}
}

// ============================================================================
// Test: Entries and JournalGenerator
// ============================================================================

func TestEntries_DropZeroAndReverseNegative(t *testing.T) {
	var e ledger.Entries
	e.Transfer(1, 0, 0, ledger.JournalTypePnLSettlement)
	if len(e) != 0 {
		t.Fatalf("zero transfer should be dropped, got %d entries", len(e))
	}

	e.Transfer(1, 0, -500, ledger.JournalTypePnLSettlement)
	if len(e) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(e))
	}
	// Negative from 1 → 0 is a positive transfer from 0 → 1.
	if e[0].Debit != ledger.CapitalKey(1) || e[0].Credit != ledger.CapitalKey(0) || e[0].Amount != 500 {
		t.Errorf("unexpected entry: %+v", e[0])
	}
}

func TestJournalGenerator_DeterministicIDs(t *testing.T) {
	build := func() *ledger.Batch {
		var e ledger.Entries
		e.Deposit(0, 1_000)
		e.Sweep(0, 10, ledger.JournalTypeNewAccountFee)
		return ledger.NewJournalGenerator(42).Seal(e, "cmd-1", 9)
	}

	a, b := build(), build()
	if a.BatchID != b.BatchID {
		t.Fatal("batch IDs should be deterministic")
	}
	for i := range a.Journals {
		if a.Journals[i].JournalID != b.Journals[i].JournalID {
			t.Errorf("journal %d ID differs", i)
		}
	}
	if a.Journals[0].JournalID == a.Journals[1].JournalID {
		t.Error("journals within a batch must have distinct IDs")
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("sealed batch should validate: %v", err)
	}
}

func TestJournalGenerator_AdvancesSequence(t *testing.T) {
	jg := ledger.NewJournalGenerator(0)
	first := jg.Seal(nil, "a", 1)
	second := jg.Seal(nil, "b", 1)

	if first.Sequence != 0 || second.Sequence != 1 {
		t.Errorf("sequences: got %d, %d", first.Sequence, second.Sequence)
	}
	if first.BatchID == second.BatchID {
		t.Error("different sequences must produce different batch IDs")
	}
	if !first.IsEmpty() {
		t.Error("batch without entries should be empty")
	}
	if jg.Sequence() != 2 {
		t.Errorf("next sequence: got %d, want 2", jg.Sequence())
	}
}

// ============================================================================
// Test: Batch validation
// ============================================================================

func TestBatch_ValidateRejectsEmpty(t *testing.T) {
	batch := ledger.NewJournalGenerator(0).Seal(nil, "x", 0)
	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatch_ValidateRejectsSelfTransfer(t *testing.T) {
	var e ledger.Entries
	e.Transfer(3, 3, 100, ledger.JournalTypeTradeFee)
	batch := ledger.NewJournalGenerator(0).Seal(e, "x", 0)
	if err := batch.Validate(); err == nil {
		t.Error("self transfer should fail validation")
	}
}

func TestBatch_ValidateRejectsMismatchedBatchID(t *testing.T) {
	var e ledger.Entries
	e.Deposit(0, 100)
	batch := ledger.NewJournalGenerator(0).Seal(e, "x", 0)
	other := ledger.NewJournalGenerator(5).Seal(e, "y", 0)
	batch.Journals[0].BatchID = other.BatchID
	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch id should fail validation")
	}
}

// ============================================================================
// Test: BalanceTracker and InvariantValidator
// ============================================================================

func TestBalanceTracker_ApplyBatch(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	jg := ledger.NewJournalGenerator(0)

	var e ledger.Entries
	e.Deposit(0, 10_000)
	e.Deposit(1, 1_000)
	e.Transfer(1, 0, 5, ledger.JournalTypeTradeFee)
	e.Sweep(1, 20, ledger.JournalTypeMaintenanceFee)

	if err := bt.ApplyBatch(jg.Seal(e, "ops", 1)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if got := bt.GetCapital(0); got != 10_005 {
		t.Errorf("capital 0: got %d, want 10005", got)
	}
	if got := bt.GetCapital(1); got != 975 {
		t.Errorf("capital 1: got %d, want 975", got)
	}
	if got := bt.GetFeeReserve(); got != 20 {
		t.Errorf("fee reserve: got %d, want 20", got)
	}
	if got := bt.GetCustody(); got != 10_980 {
		t.Errorf("custody: got %d, want 10980", got)
	}
	if got := bt.ComputeGlobalBalance(); got != 0 {
		t.Errorf("global balance: got %d, want 0", got)
	}
}

func TestBalanceTracker_ApplyBatchRejectsInvalid(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	if err := bt.ApplyBatch(ledger.NewJournalGenerator(0).Seal(nil, "x", 0)); err == nil {
		t.Error("empty batch should be rejected")
	}
}

func TestInvariantValidator(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	v := ledger.NewInvariantValidator(bt)

	var e ledger.Entries
	e.Deposit(2, 700)
	if err := bt.ApplyBatch(ledger.NewJournalGenerator(0).Seal(e, "d", 0)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	if err := v.ValidateCapital(2, 700); err != nil {
		t.Errorf("capital should match: %v", err)
	}
	if err := v.ValidateCapital(2, 699); err == nil {
		t.Error("capital mismatch should be reported")
	}
	if err := v.ValidateCustody(700); err != nil {
		t.Errorf("custody should match: %v", err)
	}
	if err := v.ValidateCustody(701); err == nil {
		t.Error("custody mismatch should be reported")
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("ledger should be zero-sum: %v", err)
	}

	bt.SetBalance(ledger.CapitalKey(3), -1)
	if err := v.ValidateCapital(3, -1); err == nil {
		t.Error("negative capital should be reported")
	}
	if err := v.ValidateGlobalBalance(); err == nil {
		t.Error("unbalanced ledger should be reported")
	}
}

func TestBalanceTracker_SnapshotIsCopy(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.SetBalance(ledger.CapitalKey(0), 10)
	snap := bt.Snapshot()
	snap[ledger.CapitalKey(0)] = 99
	if bt.GetCapital(0) != 10 {
		t.Error("snapshot must not alias tracker state")
	}
}
