package event

import (
	"fmt"

	"github.com/google/uuid"
)

// KeeperCrank runs one crank sweep at OraclePrice.
// Idempotency key: crank_id.
type KeeperCrank struct {
	CrankID         uuid.UUID `json:"crank_id"`
	MaxAccountIndex int       `json:"max_account_index"`
	NowSlot         uint64    `json:"slot"`
	OraclePrice     uint64    `json:"oracle_price"`
	WindowStart     int       `json:"window_start"`
	Force           bool      `json:"force"`
	MaxPnLVaultBps  uint64    `json:"max_pnl_vault_bps"`
	Reserved        uint64    `json:"reserved,omitempty"`
	Sequence        int64     `json:"sequence"`
}

func (k *KeeperCrank) IdempotencyKey() string {
	return k.CrankID.String()
}

func (k *KeeperCrank) EventType() EventType {
	return EventTypeKeeperCrank
}

func (k *KeeperCrank) SourceSequence() int64 {
	return k.Sequence
}

func (k *KeeperCrank) Slot() uint64 {
	return k.NowSlot
}

func (k *KeeperCrank) Validate() error {
	if k.CrankID == uuid.Nil {
		return fmt.Errorf("crank_id is required")
	}
	if k.OraclePrice == 0 {
		return fmt.Errorf("oracle_price must be > 0")
	}
	if k.WindowStart < 0 {
		return fmt.Errorf("window_start must be >= 0, got %d", k.WindowStart)
	}
	return nil
}
