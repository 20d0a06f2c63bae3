package ingestion

import (
	"context"
	"fmt"
	"time"

	"PerpRisk/internal/observability"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// CommandStream is the JetStream stream carrying every command subject.
const CommandStream = "PERP_RISK_COMMANDS"

// NATSSubscriber consumes the command stream and feeds raw messages to the
// ingestion shell. A single ordered durable consumer (one ack pending) keeps
// the stream order, which is the core's source sequence.
type NATSSubscriber struct {
	js        jetstream.JetStream
	eventChan chan<- RawEvent
	consumer  jetstream.ConsumeContext
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

// RawEvent is the parsed-but-untyped event from NATS, ready for the shell
// to convert into a typed event.Event before sending to the core.
type RawEvent struct {
	Subject        string
	Data           []byte
	StreamSequence uint64 // 1-based JetStream position, 0 when not from the stream
	Timestamp      time.Time
	AckFunc        func() // Call to ACK the NATS message after successful processing
	NakFunc        func() // Call to NAK on failure (will be redelivered)
}

// ConsumerConfig names the durable consumer on the command stream.
type ConsumerConfig struct {
	ConsumerName string
	AckWait      time.Duration
	MaxDeliver   int
}

// DefaultConsumer returns the standard consumer configuration.
func DefaultConsumer() ConsumerConfig {
	return ConsumerConfig{
		ConsumerName: "risk-engine",
		AckWait:      30 * time.Second,
		MaxDeliver:   5,
	}
}

func NewNATSSubscriber(js jetstream.JetStream, eventChan chan<- RawEvent, metrics *observability.Metrics, logger zerolog.Logger) *NATSSubscriber {
	return &NATSSubscriber{
		js:        js,
		eventChan: eventChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Subscribe creates the durable consumer and starts delivering messages.
// Consumers use explicit ACK and deliver in stream order.
func (ns *NATSSubscriber) Subscribe(ctx context.Context, cfg ConsumerConfig) error {
	consumer, err := ns.js.CreateOrUpdateConsumer(ctx, CommandStream, jetstream.ConsumerConfig{
		Durable:       cfg.ConsumerName,
		FilterSubject: SubjectPrefix + ">",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: 1,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", cfg.ConsumerName, err)
	}

	consumerContext, err := consumer.Consume(func(msg jetstream.Msg) {
		raw := RawEvent{
			Subject:   msg.Subject(),
			Data:      msg.Data(),
			Timestamp: time.Now(),
			AckFunc:   func() { msg.Ack() },
			NakFunc:   func() { msg.Nak() },
		}
		if meta, err := msg.Metadata(); err == nil {
			raw.StreamSequence = meta.Sequence.Stream
		}
		if ns.metrics != nil {
			ns.metrics.IngestMessages.WithLabelValues(msg.Subject(), "received").Inc()
		}

		select {
		case ns.eventChan <- raw:
			// Successfully queued for processing
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", cfg.ConsumerName, err)
	}

	ns.consumer = consumerContext
	ns.logger.Info().
		Str("stream", CommandStream).
		Str("consumer", cfg.ConsumerName).
		Msg("subscribed to command stream")
	return nil
}

// EnsureStreams creates the command stream if it doesn't exist.
// Streams use FileStorage, retention=Limits, max_age=72h.
func EnsureStreams(ctx context.Context, js jetstream.JetStream) error {
	cfg := jetstream.StreamConfig{
		Name:       CommandStream,
		Subjects:   []string{SubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 10 * time.Minute,
		Replicas:   1,
	}
	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("create stream %s: %w", cfg.Name, err)
	}
	return nil
}

// Stop gracefully stops the consumer.
func (ns *NATSSubscriber) Stop() {
	if ns.consumer != nil {
		ns.consumer.Stop()
	}
	ns.logger.Info().Msg("NATS subscriber stopped")
}

// ConnectNATS establishes a NATS connection and returns a JetStream context.
func ConnectNATS(url string, logger zerolog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.Name("perp-risk"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}

	return nc, js, nil
}
