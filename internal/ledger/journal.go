package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeNewAccountFee
	JournalTypeTradeFee
	JournalTypePnLSettlement
	JournalTypeMaintenanceFee
	JournalTypeLiquidationFee
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "Deposit"
	case JournalTypeNewAccountFee:
		return "NewAccountFee"
	case JournalTypeTradeFee:
		return "TradeFee"
	case JournalTypePnLSettlement:
		return "PnLSettlement"
	case JournalTypeMaintenanceFee:
		return "MaintenanceFee"
	case JournalTypeLiquidationFee:
		return "LiquidationFee"
	default:
		return "Unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   // Deterministic: derived from BatchID and position
	BatchID       uuid.UUID   // Groups entries of one engine operation
	EventRef      string      // Idempotency key of source command
	Sequence      int64       // Engine operation sequence
	DebitAccount  AccountKey  // Account receiving debit (balance increases)
	CreditAccount AccountKey  // Account receiving credit (balance decreases)
	Amount        int64       // Fixed-point amount (ALWAYS positive)
	JournalType   JournalType // Entry type
	Slot          uint64      // Engine slot of the operation
}

// Batch represents a balanced set of journal entries
type Batch struct {
	BatchID  uuid.UUID
	EventRef string
	Sequence int64
	Slot     uint64
	Journals []Journal
}

// Validate ensures the batch is well-formed.
// Each journal entry is a balanced transfer by construction (a single positive
// amount moves from credit account to debit account), so Σ debits == Σ credits
// holds per entry.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}
	}

	return nil
}

// IsEmpty reports whether the batch moved no funds
func (b *Batch) IsEmpty() bool {
	return b == nil || len(b.Journals) == 0
}
