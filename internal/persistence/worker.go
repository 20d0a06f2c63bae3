package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"PerpRisk/internal/core"
	"PerpRisk/internal/observability"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// PersistenceWorker drains the persist channel and batch-writes to Postgres.
// It runs independently from the deterministic core. The core blocks on a
// full persist channel, so a slow worker stalls the core instead of losing
// commands.
type PersistenceWorker struct {
	db           *sql.DB
	writer       *EventLogWriter
	inputChan    <-chan core.CoreOutput
	batchSize    int
	flushTimeout time.Duration
	maxBackoff   time.Duration
	onFlushed    func([]core.CoreOutput)
	metrics      *observability.Metrics
	logger       zerolog.Logger
}

func NewPersistenceWorker(
	db *sql.DB,
	inputChan <-chan core.CoreOutput,
	batchSize int,
	flushTimeout time.Duration,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *PersistenceWorker {
	return &PersistenceWorker{
		db:           db,
		writer:       &EventLogWriter{},
		inputChan:    inputChan,
		batchSize:    batchSize,
		flushTimeout: flushTimeout,
		maxBackoff:   30 * time.Second,
		metrics:      metrics,
		logger:       logger,
	}
}

// OnFlushed registers fn to receive every batch after it commits. Outbound
// publishing hangs off this hook so nothing is announced before it is durable.
func (pw *PersistenceWorker) OnFlushed(fn func([]core.CoreOutput)) {
	pw.onFlushed = fn
}

// Run batches incoming outputs and flushes either when the batch is full or
// the flush timeout expires. Blocks until ctx is cancelled or the input
// channel closes.
func (pw *PersistenceWorker) Run(ctx context.Context) error {
	pending := make([]core.CoreOutput, 0, pw.batchSize)

	timer := time.NewTimer(pw.flushTimeout)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(pending) == 0 {
			return
		}
		if err := pw.flushWithRetry(ctx, pending); err != nil {
			pw.logger.Error().Err(err).
				Int64("first_sequence", pending[0].Envelope.Sequence).
				Int("events", len(pending)).
				Msg("batch flush failed")
		}
		pending = make([]core.CoreOutput, 0, pw.batchSize)
	}

	for {
		select {
		case <-ctx.Done():
			flush(context.Background())
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				flush(context.Background())
				return nil
			}
			pending = append(pending, output)
			if pw.metrics != nil {
				pw.metrics.ChannelSize.WithLabelValues("persist").Set(float64(len(pw.inputChan)))
			}

			if len(pending) >= pw.batchSize {
				flush(ctx)
				timer.Reset(pw.flushTimeout)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(pw.flushTimeout)
		}
	}
}

// flushWithRetry retries with exponential backoff until the write succeeds.
// The worker never drops a batch: on shutdown it makes one final attempt
// with a background context.
func (pw *PersistenceWorker) flushWithRetry(ctx context.Context, outs []core.CoreOutput) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = pw.maxBackoff
	b.MaxElapsedTime = 0

	attempts := 0
	op := func() error {
		attempts++
		return pw.flush(ctx, outs)
	}
	notify := func(err error, wait time.Duration) {
		if pw.metrics != nil {
			pw.metrics.PersistRetry.Inc()
		}
		pw.logger.Warn().Err(err).
			Int("attempt", attempts).
			Dur("backoff", wait).
			Int("events", len(outs)).
			Msg("persistence flush failed, retrying")
	}

	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify)
	if err == nil {
		if attempts > 1 {
			pw.logger.Info().Int("attempts", attempts).Msg("persistence flush succeeded after retry")
		}
		return nil
	}

	if ctx.Err() != nil {
		if finalErr := pw.flush(context.Background(), outs); finalErr != nil {
			return fmt.Errorf("final flush on shutdown failed: %w", finalErr)
		}
		return nil
	}
	return err
}

func (pw *PersistenceWorker) flush(ctx context.Context, outs []core.CoreOutput) error {
	start := time.Now()

	events := make([]EventRow, 0, len(outs))
	var journals []JournalRow
	var actions []CrankActionRow
	for _, out := range outs {
		rows := RowsFromOutput(out, start.UTC())
		events = append(events, rows.Event)
		journals = append(journals, rows.Journals...)
		actions = append(actions, rows.Actions...)
	}

	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		pw.countError("tx_begin")
		return err
	}
	defer tx.Rollback()

	if err := pw.writer.WriteEventBatch(ctx, tx, events); err != nil {
		pw.countError("write_events")
		return err
	}
	if err := pw.writer.WriteJournalBatch(ctx, tx, journals); err != nil {
		pw.countError("write_journals")
		return err
	}
	if err := pw.writer.WriteCrankActionBatch(ctx, tx, actions); err != nil {
		pw.countError("write_crank_actions")
		return err
	}
	if err := tx.Commit(); err != nil {
		pw.countError("tx_commit")
		return err
	}

	if pw.metrics != nil {
		pw.metrics.PersistBatchDur.Observe(time.Since(start).Seconds())
		pw.metrics.PersistBatchSize.Observe(float64(len(events)))
		pw.metrics.PersistEventsWritten.Add(float64(len(events)))
		pw.metrics.PersistJournalsWritten.Add(float64(len(journals)))
		pw.metrics.PersistLastSequence.Set(float64(events[len(events)-1].Sequence))
	}

	if pw.onFlushed != nil {
		pw.onFlushed(outs)
	}
	return nil
}

func (pw *PersistenceWorker) countError(operation string) {
	if pw.metrics != nil {
		pw.metrics.PersistErrors.WithLabelValues(operation).Inc()
	}
}
