package event

import (
	"encoding/json"
	"fmt"
)

// EncodeCommand serializes a command for the event log.
func EncodeCommand(evt Event) ([]byte, error) {
	return json.Marshal(evt)
}

// DecodeCommand parses a logged or ingested payload into a typed command.
// It does not validate; callers that accept external input call Validate.
func DecodeCommand(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeAddLP:
		evt = &AddLP{}
	case EventTypeAddUser:
		evt = &AddUser{}
	case EventTypeDeposit:
		evt = &Deposit{}
	case EventTypeExecuteTrade:
		evt = &ExecuteTrade{}
	case EventTypeKeeperCrank:
		evt = &KeeperCrank{}
	case EventTypeUnparsed:
		evt = &Unparsed{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", et)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
