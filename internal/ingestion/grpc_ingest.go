package ingestion

import (
	"context"
	"fmt"

	"PerpRisk/internal/event"

	"github.com/nats-io/nats.go/jetstream"
)

// CommandPublisher is the part of JetStream the ingest service needs.
type CommandPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// IngestService submits commands for admin and manual injection. Commands are
// published to the command stream rather than handed to the core directly,
// so they are ordered with everything else. High-throughput producers
// publish to NATS themselves.
type IngestService struct {
	js CommandPublisher
}

func NewIngestService(js CommandPublisher) *IngestService {
	return &IngestService{js: js}
}

// Submit validates a command and publishes it. The idempotency key doubles as
// the JetStream message id, so a retried submit is dropped by the stream.
// It returns the stream position the command was assigned.
func (s *IngestService) Submit(ctx context.Context, evt event.Event) (uint64, error) {
	if err := evt.Validate(); err != nil {
		return 0, fmt.Errorf("invalid %s: %w", evt.EventType(), err)
	}

	subject, err := SubjectFor(evt.EventType())
	if err != nil {
		return 0, err
	}
	data, err := event.EncodeCommand(evt)
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}

	ack, err := s.js.Publish(ctx, subject, data,
		jetstream.WithMsgID(evt.EventType().String()+":"+evt.IdempotencyKey()),
		jetstream.WithExpectStream(CommandStream),
	)
	if err != nil {
		return 0, fmt.Errorf("publish %s: %w", subject, err)
	}
	return ack.Sequence, nil
}
