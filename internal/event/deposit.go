package event

import (
	"fmt"

	"github.com/google/uuid"
)

// Deposit credits collateral to an account.
// Idempotency key: deposit_id.
type Deposit struct {
	DepositID    uuid.UUID `json:"deposit_id"`
	AccountIndex int       `json:"account_index"`
	Amount       uint64    `json:"amount"` // Fixed-point: quote scale 1_000_000
	NowSlot      uint64    `json:"slot"`
	Sequence     int64     `json:"sequence"`
}

func (d *Deposit) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *Deposit) EventType() EventType {
	return EventTypeDeposit
}

func (d *Deposit) SourceSequence() int64 {
	return d.Sequence
}

func (d *Deposit) Slot() uint64 {
	return d.NowSlot
}

func (d *Deposit) Validate() error {
	if d.DepositID == uuid.Nil {
		return fmt.Errorf("deposit_id is required")
	}
	if d.AccountIndex < 0 {
		return fmt.Errorf("account_index must be >= 0, got %d", d.AccountIndex)
	}
	if d.Amount == 0 {
		return fmt.Errorf("amount must be > 0")
	}
	return nil
}
