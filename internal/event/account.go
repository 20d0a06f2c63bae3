package event

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// Key32 is a 32-byte owner or authority key, hex-encoded on the wire.
type Key32 [32]byte

func (k Key32) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(k[:])), nil
}

func (k *Key32) UnmarshalText(text []byte) error {
	if len(text) != 64 {
		return fmt.Errorf("key must be 64 hex characters, got %d", len(text))
	}
	_, err := hex.Decode(k[:], text)
	return err
}

// AddLP registers a liquidity provider.
// Idempotency key: command_id.
type AddLP struct {
	CommandID      uuid.UUID `json:"command_id"`
	Owner          Key32     `json:"owner"`
	Authority      Key32     `json:"authority"`
	MatcherContext uint64    `json:"matcher_context"`
	Sequence       int64     `json:"sequence"`
}

func (c *AddLP) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *AddLP) EventType() EventType {
	return EventTypeAddLP
}

func (c *AddLP) SourceSequence() int64 {
	return c.Sequence
}

func (c *AddLP) Slot() uint64 {
	return 0
}

func (c *AddLP) Validate() error {
	if c.CommandID == uuid.Nil {
		return fmt.Errorf("command_id is required")
	}
	if c.Owner == (Key32{}) {
		return fmt.Errorf("owner is required")
	}
	return nil
}

// AddUser registers a trader.
// Idempotency key: command_id.
type AddUser struct {
	CommandID      uuid.UUID `json:"command_id"`
	MatcherContext uint64    `json:"matcher_context"`
	Sequence       int64     `json:"sequence"`
}

func (c *AddUser) IdempotencyKey() string {
	return c.CommandID.String()
}

func (c *AddUser) EventType() EventType {
	return EventTypeAddUser
}

func (c *AddUser) SourceSequence() int64 {
	return c.Sequence
}

func (c *AddUser) Slot() uint64 {
	return 0
}

func (c *AddUser) Validate() error {
	if c.CommandID == uuid.Nil {
		return fmt.Errorf("command_id is required")
	}
	return nil
}
