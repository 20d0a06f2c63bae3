package event

import "fmt"

// Unparsed stands in for a message at a command-stream position whose
// payload could not be decoded. It is logged as rejected so the source
// sequence stays contiguous.
// Idempotency key: subject and stream position.
type Unparsed struct {
	Subject  string `json:"subject"`
	Reason   string `json:"reason"`
	Sequence int64  `json:"sequence"`
}

func (u *Unparsed) IdempotencyKey() string {
	return fmt.Sprintf("%s@%d", u.Subject, u.Sequence)
}

func (u *Unparsed) EventType() EventType {
	return EventTypeUnparsed
}

func (u *Unparsed) SourceSequence() int64 {
	return u.Sequence
}

func (u *Unparsed) Slot() uint64 {
	return 0
}

func (u *Unparsed) Validate() error {
	return fmt.Errorf("unparsed message on %s: %s", u.Subject, u.Reason)
}
