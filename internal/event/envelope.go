package event

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeAddLP
	EventTypeAddUser
	EventTypeDeposit
	EventTypeExecuteTrade
	EventTypeKeeperCrank
	EventTypeUnparsed
)

// EventEnvelope wraps every command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Versioned input slot (NOT wall-clock)
	Slot uint64

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command, replayable with DecodeCommand
	Payload []byte

	// Reject reason when the engine refused the command; empty when applied
	Rejection string

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous command's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all command payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Slot returns the versioned slot the command runs at
	Slot() uint64

	// Validate checks the command's fields before it reaches the core
	Validate() error
}

func (et EventType) String() string {
	switch et {
	case EventTypeAddLP:
		return "AddLP"
	case EventTypeAddUser:
		return "AddUser"
	case EventTypeDeposit:
		return "Deposit"
	case EventTypeExecuteTrade:
		return "ExecuteTrade"
	case EventTypeKeeperCrank:
		return "KeeperCrank"
	case EventTypeUnparsed:
		return "Unparsed"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(name string) EventType {
	for et := EventTypeAddLP; et <= EventTypeUnparsed; et++ {
		if et.String() == name {
			return et
		}
	}
	return EventTypeUnknown
}
