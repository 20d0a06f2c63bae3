package ingestion

import (
	"fmt"
	"strings"

	"PerpRisk/internal/event"
)

// Command subjects. The last token names the command; everything is carried
// by one stream so the stream sequence orders all commands.
const (
	SubjectPrefix       = "perp.commands."
	SubjectAddLP        = SubjectPrefix + "add_lp"
	SubjectAddUser      = SubjectPrefix + "add_user"
	SubjectDeposit      = SubjectPrefix + "deposit"
	SubjectExecuteTrade = SubjectPrefix + "execute_trade"
	SubjectKeeperCrank  = SubjectPrefix + "keeper_crank"
)

var subjectTypes = map[string]event.EventType{
	SubjectAddLP:        event.EventTypeAddLP,
	SubjectAddUser:      event.EventTypeAddUser,
	SubjectDeposit:      event.EventTypeDeposit,
	SubjectExecuteTrade: event.EventTypeExecuteTrade,
	SubjectKeeperCrank:  event.EventTypeKeeperCrank,
}

// EventTypeForSubject maps a command subject to its event type. Subjects may
// carry extra tokens after the command name (e.g. a producer id).
func EventTypeForSubject(subject string) (event.EventType, error) {
	if !strings.HasPrefix(subject, SubjectPrefix) {
		return event.EventTypeUnknown, fmt.Errorf("not a command subject: %s", subject)
	}
	name, _, _ := strings.Cut(strings.TrimPrefix(subject, SubjectPrefix), ".")
	if et, ok := subjectTypes[SubjectPrefix+name]; ok {
		return et, nil
	}
	return event.EventTypeUnknown, fmt.Errorf("unknown command subject: %s", subject)
}

// SubjectFor returns the subject commands of type et are published on.
func SubjectFor(et event.EventType) (string, error) {
	for subject, t := range subjectTypes {
		if t == et {
			return subject, nil
		}
	}
	return "", fmt.Errorf("no subject for event type %s", et)
}

// ParseRawEvent converts a RawEvent (JSON bytes + subject) into a typed
// command for the deterministic core. Validation is left to the core so a
// bad command is still logged as rejected. When the message came from the
// command stream its stream position replaces the payload's sequence, and a
// payload that cannot be decoded becomes an event.Unparsed at that position.
func ParseRawEvent(raw RawEvent) (event.Event, error) {
	evt, err := decodeRaw(raw)
	if err != nil {
		if raw.StreamSequence == 0 {
			return nil, err
		}
		return &event.Unparsed{
			Subject:  raw.Subject,
			Reason:   err.Error(),
			Sequence: int64(raw.StreamSequence - 1),
		}, nil
	}

	if raw.StreamSequence > 0 {
		stampSequence(evt, int64(raw.StreamSequence-1))
	}
	return evt, nil
}

func decodeRaw(raw RawEvent) (event.Event, error) {
	et, err := EventTypeForSubject(raw.Subject)
	if err != nil {
		return nil, err
	}
	return event.DecodeCommand(et, raw.Data)
}

// stampSequence sets the source sequence (0-based) on a decoded command.
func stampSequence(evt event.Event, seq int64) {
	switch e := evt.(type) {
	case *event.AddLP:
		e.Sequence = seq
	case *event.AddUser:
		e.Sequence = seq
	case *event.Deposit:
		e.Sequence = seq
	case *event.ExecuteTrade:
		e.Sequence = seq
	case *event.KeeperCrank:
		e.Sequence = seq
	}
}
