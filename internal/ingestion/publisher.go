package ingestion

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/observability"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// OutboundStream carries command results for downstream consumers.
const OutboundStream = "PERP_RISK_EVENTS"

// OutboundPublisher publishes command results to NATS. Results are published
// after persistence is confirmed, on perp.risk.events.{event_type}.
type OutboundPublisher struct {
	js        jetstream.JetStream
	inputChan <-chan PublishableEvent
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// PublishableEvent is a logged command result ready for outbound publishing.
type PublishableEvent struct {
	Sequence       int64              `json:"sequence"`
	EventType      string             `json:"event_type"`
	IdempotencyKey string             `json:"idempotency_key"`
	Slot           uint64             `json:"slot"`
	Rejection      string             `json:"rejection,omitempty"`
	AccountIndex   *int               `json:"account_index,omitempty"`
	Fill           *core.Fill         `json:"fill,omitempty"`
	Outcome        *core.CrankOutcome `json:"outcome,omitempty"`
	StateHash      string             `json:"state_hash"`
	Timestamp      time.Time          `json:"timestamp"`
}

// NewPublishableEvent converts a core output into its outbound form.
func NewPublishableEvent(out core.CoreOutput) PublishableEvent {
	env := out.Envelope
	pe := PublishableEvent{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		Slot:           env.Slot,
		Rejection:      env.Rejection,
		Fill:           out.Result.Fill,
		Outcome:        out.Result.Outcome,
		StateHash:      hex.EncodeToString(env.StateHash[:]),
		Timestamp:      time.Now().UTC(),
	}
	if env.Rejection == "" && out.Result.Outcome == nil {
		idx := out.Result.AccountIndex
		pe.AccountIndex = &idx
	}
	return pe
}

func NewOutboundPublisher(js jetstream.JetStream, inputChan <-chan PublishableEvent, metrics *observability.Metrics, logger zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, evt); err != nil {
				// Non-fatal: downstream consumers can query the event log directly
				if op.metrics != nil {
					op.metrics.PublishDrops.Inc()
				}
				op.logger.Warn().Err(err).Int64("sequence", evt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, evt PublishableEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := fmt.Sprintf("perp.risk.events.%s", evt.EventType)
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(fmt.Sprintf("result-%d", evt.Sequence)))
	return err
}

// EnsureOutboundStream creates the outbound events stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      OutboundStream,
		Subjects:  []string{"perp.risk.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	return nil
}
