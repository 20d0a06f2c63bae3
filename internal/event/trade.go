package event

import (
	"fmt"

	"github.com/google/uuid"
)

// ExecuteTrade asks the engine to fill Size (trader's perspective) between
// an LP and a trader. Matcher names the pricing capability ("noop" or
// "spread"); SpreadBps configures the spread matcher.
// Idempotency key: trade_id.
type ExecuteTrade struct {
	TradeID     uuid.UUID `json:"trade_id"`
	LPIndex     int       `json:"lp_index"`
	TraderIndex int       `json:"trader_index"`
	NowSlot     uint64    `json:"slot"`
	OraclePrice uint64    `json:"oracle_price"` // Fixed-point: price scale 1_000_000
	Size        int64     `json:"size"`         // Fixed-point: base scale 1_000_000, positive = buy
	Matcher     string    `json:"matcher,omitempty"`
	SpreadBps   uint64    `json:"spread_bps,omitempty"`
	Sequence    int64     `json:"sequence"`
}

func (t *ExecuteTrade) IdempotencyKey() string {
	return t.TradeID.String()
}

func (t *ExecuteTrade) EventType() EventType {
	return EventTypeExecuteTrade
}

func (t *ExecuteTrade) SourceSequence() int64 {
	return t.Sequence
}

func (t *ExecuteTrade) Slot() uint64 {
	return t.NowSlot
}

func (t *ExecuteTrade) Validate() error {
	if t.TradeID == uuid.Nil {
		return fmt.Errorf("trade_id is required")
	}
	if t.LPIndex < 0 || t.TraderIndex < 0 {
		return fmt.Errorf("account indexes must be >= 0")
	}
	if t.OraclePrice == 0 {
		return fmt.Errorf("oracle_price must be > 0")
	}
	if t.Size == 0 {
		return fmt.Errorf("size must be non-zero")
	}
	return nil
}
