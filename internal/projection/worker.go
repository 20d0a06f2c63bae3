package projection

import (
	"context"

	"PerpRisk/internal/core"
	"PerpRisk/internal/observability"

	"github.com/rs/zerolog"
)

// ProjectionWorker updates the read model from processed commands.
// The projection channel is non-blocking with drop; every output carries the
// full state of the accounts it touched plus the aggregates, so the next
// output touching an account repairs it and each crank repairs every account
// it visits.
type ProjectionWorker struct {
	accounts  *AccountsProjection
	history   *CrankHistoryProjection
	inputChan <-chan core.CoreOutput
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(
	accounts *AccountsProjection,
	history *CrankHistoryProjection,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		accounts:  accounts,
		history:   history,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.processOutput(output)
			if pw.metrics != nil {
				pw.metrics.ChannelSize.WithLabelValues("projection").Set(float64(len(pw.inputChan)))
			}
		}
	}
}

func (pw *ProjectionWorker) processOutput(output core.CoreOutput) {
	before := pw.accounts.Sequence()
	if gap := pw.accounts.Apply(output); gap {
		pw.logger.Warn().
			Int64("last_sequence", before).
			Int64("sequence", output.Envelope.Sequence).
			Msg("projection skipped dropped outputs")
	}

	if output.Result.Outcome == nil {
		return
	}
	for _, action := range output.Result.Outcome.Actions {
		pw.history.AddEntry(CrankHistoryEntry{
			Sequence: output.Envelope.Sequence,
			Action:   action,
		})
	}
}
