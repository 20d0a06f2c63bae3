package core

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"PerpRisk/internal/event"
	"PerpRisk/internal/ledger"
	"PerpRisk/internal/matcher"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/state"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// ErrInvalidCommand is returned for commands that fail validation before
// reaching the engine.
var ErrInvalidCommand = errors.New("invalid command")

// DeterministicCore is the single-threaded command processor. It orders and
// deduplicates commands, applies them to the Engine and chains a state hash
// over the results, so two cores fed the same log agree byte for byte.
type DeterministicCore struct {
	sequence          int64
	engine            *Engine
	chain             *hashChain
	idempotency       *IdempotencyChecker
	sequenceValidator *SequenceValidator
	metrics           *observability.Metrics
	logger            zerolog.Logger

	persistChan    chan<- CoreOutput
	projectionChan chan<- CoreOutput

	snapshotInterval int64
	snapshotChan     chan<- *SnapshotState
}

// CoreOutput is everything downstream workers need about one logged command.
type CoreOutput struct {
	Envelope   *event.EventEnvelope
	Batch      *ledger.Batch
	StateDelta []byte
	Result     CommandResult
	Accounts   []state.Account // Touched accounts after the command
	Totals     Totals
}

// CommandResult is what a command produced.
type CommandResult struct {
	Sequence     int64
	EventType    event.EventType
	Duplicate    bool
	AccountIndex int
	Fill         *Fill
	Outcome      *CrankOutcome
	Err          error // Set when the command was logged as rejected
}

func NewDeterministicCore(
	engine *Engine,
	startSequence int64,
	persistChan, projectionChan chan<- CoreOutput,
	dbChecker DBIdempotencyChecker,
	idempotencyCapacity int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (*DeterministicCore, error) {
	idempotencyChecker, err := NewIdempotencyChecker(idempotencyCapacity, dbChecker, metrics)
	if err != nil {
		return nil, err
	}

	return &DeterministicCore{
		sequence:          startSequence,
		engine:            engine,
		chain:             newHashChain(),
		idempotency:       idempotencyChecker,
		sequenceValidator: NewSequenceValidator(metrics),
		metrics:           metrics,
		logger:            logger,
		persistChan:       persistChan,
		projectionChan:    projectionChan,
	}, nil
}

// SetSnapshotSink makes the core emit a snapshot every interval commands.
// Snapshots are dropped when ch is full.
func (c *DeterministicCore) SetSnapshotSink(interval int64, ch chan<- *SnapshotState) {
	c.snapshotInterval = interval
	c.snapshotChan = ch
}

// Run processes commands until ctx is done or in is closed.
func (c *DeterministicCore) Run(ctx context.Context, in <-chan event.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-in:
			if !ok {
				return nil
			}
			if _, err := c.ProcessEvent(evt); err != nil {
				c.logger.Warn().
					Err(err).
					Str("event_type", evt.EventType().String()).
					Str("key", evt.IdempotencyKey()).
					Msg("command failed")
			}
		}
	}
}

// ProcessEvent is the main processing pipeline. A command that passes dedup
// and ordering is always logged; if the engine refuses it, the envelope
// records the rejection and the error is returned.
func (c *DeterministicCore) ProcessEvent(evt event.Event) (CommandResult, error) {
	start := time.Now()
	eventType := evt.EventType().String()
	idempotencyKey := evt.IdempotencyKey()

	// Step 1: Idempotency check (two-tier)
	isDuplicate := c.idempotency.IsDuplicate(eventType, idempotencyKey)

	// Step 2: Sequence validation
	partition := c.getPartition(evt)
	if err := c.sequenceValidator.ValidateSequence(partition, evt.SourceSequence(), isDuplicate); err != nil {
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "sequence").Inc()
		}
		return CommandResult{}, fmt.Errorf("sequence validation failed: %w", err)
	}

	// If duplicate, skip processing. A redelivery still consumes its
	// source sequence.
	if isDuplicate {
		c.sequenceValidator.Advance(partition, evt.SourceSequence())
		if c.metrics != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, "duplicate").Inc()
		}
		return CommandResult{EventType: evt.EventType(), Duplicate: true}, nil
	}

	// Step 3: Apply and hash
	output, applyErr := c.apply(evt)

	// Step 4: Emit outputs
	c.emit(output)

	// Step 5: Mark as processed (add to LRU)
	c.idempotency.MarkProcessed(eventType, idempotencyKey)

	if c.metrics != nil {
		if applyErr != nil {
			c.metrics.CoreEventsRejected.WithLabelValues(eventType, output.Envelope.Rejection).Inc()
		} else {
			c.metrics.CoreEventsApplied.WithLabelValues(eventType).Inc()
		}
		c.metrics.CoreEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
		c.metrics.CoreSequence.Set(float64(c.sequence))
	}

	c.maybeSnapshot()

	if applyErr != nil {
		return output.Result, fmt.Errorf("dispatch failed: %w", applyErr)
	}
	return output.Result, nil
}

// Replay re-applies a logged command during recovery and verifies that it
// reproduces the logged outcome and state hash. Nothing is emitted.
func (c *DeterministicCore) Replay(env *event.EventEnvelope) error {
	if env.Sequence != c.sequence {
		return fmt.Errorf("replay sequence %d, expected %d", env.Sequence, c.sequence)
	}

	evt, err := event.DecodeCommand(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay seq=%d: %w", env.Sequence, err)
	}

	output, _ := c.apply(evt)
	if output.Envelope.Rejection != env.Rejection {
		return fmt.Errorf("replay seq=%d: rejection %q, logged %q",
			env.Sequence, output.Envelope.Rejection, env.Rejection)
	}
	if output.Envelope.StateHash != env.StateHash {
		return fmt.Errorf("replay seq=%d: state hash mismatch: computed %x, logged %x",
			env.Sequence, output.Envelope.StateHash, env.StateHash)
	}

	c.idempotency.MarkProcessed(evt.EventType().String(), evt.IdempotencyKey())
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

// apply runs one command through the engine and seals its envelope.
func (c *DeterministicCore) apply(evt event.Event) (CoreOutput, error) {
	c.sequenceValidator.Advance(c.getPartition(evt), evt.SourceSequence())

	payload, err := event.EncodeCommand(evt)
	if err != nil {
		panic(fmt.Sprintf("FATAL: encode %s: %v", evt.EventType(), err))
	}

	result, applyErr := c.dispatch(evt)
	result.Sequence = c.sequence
	result.EventType = evt.EventType()
	result.Err = applyErr

	var (
		commit    Commit
		rejection string
	)
	if applyErr != nil {
		rejection = rejectReason(applyErr)
	} else {
		commit = c.engine.LastCommit()
	}

	// Compute state digest and hash
	hashStart := time.Now()
	stateDigest := c.computeStateDigest(commit, rejection)
	prevHash, stateHash := c.chain.seal(c.sequence, stateDigest)
	if c.metrics != nil {
		c.metrics.CoreStateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	envelope := &event.EventEnvelope{
		Sequence:       c.sequence,
		IdempotencyKey: evt.IdempotencyKey(),
		EventType:      evt.EventType(),
		Slot:           evt.Slot(),
		SourceSequence: evt.SourceSequence(),
		Payload:        payload,
		Rejection:      rejection,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}

	output := CoreOutput{
		Envelope:   envelope,
		Batch:      commit.Batch,
		StateDelta: stateDigest,
		Result:     result,
		Totals:     c.engine.Totals(),
	}
	for _, idx := range commit.Touched {
		acct, _ := c.engine.Account(idx)
		output.Accounts = append(output.Accounts, acct)
	}

	c.sequence++
	return output, applyErr
}

// emit hands an output to the workers. Persistence blocks (backpressure);
// projections drop on full and rebuild from the log.
func (c *DeterministicCore) emit(output CoreOutput) {
	if c.persistChan != nil {
		select {
		case c.persistChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.PersistBackpressure.Inc()
			}
			c.persistChan <- output
		}
	}

	if c.projectionChan != nil {
		select {
		case c.projectionChan <- output:
		default:
			if c.metrics != nil {
				c.metrics.ProjectionDrops.WithLabelValues("accounts").Inc()
			}
		}
	}
}

func (c *DeterministicCore) dispatch(evt event.Event) (CommandResult, error) {
	if err := evt.Validate(); err != nil {
		return CommandResult{}, fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	c.engine.SetEventRef(evt.IdempotencyKey())

	switch e := evt.(type) {
	case *event.AddLP:
		idx, err := c.engine.AddLP([32]byte(e.Owner), [32]byte(e.Authority), e.MatcherContext)
		return CommandResult{AccountIndex: idx}, err

	case *event.AddUser:
		idx, err := c.engine.AddUser(e.MatcherContext)
		return CommandResult{AccountIndex: idx}, err

	case *event.Deposit:
		return CommandResult{AccountIndex: e.AccountIndex}, c.engine.Deposit(e.AccountIndex, e.Amount, e.NowSlot)

	case *event.ExecuteTrade:
		m, err := matcher.ByName(e.Matcher, e.SpreadBps)
		if err != nil {
			return CommandResult{}, fmt.Errorf("%w: %w", ErrInvalidTrade, err)
		}
		fill, err := c.engine.ExecuteTrade(m, e.LPIndex, e.TraderIndex, e.NowSlot, e.OraclePrice, e.Size)
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{AccountIndex: e.TraderIndex, Fill: &fill}, nil

	case *event.KeeperCrank:
		outcome, err := c.engine.KeeperCrank(e.MaxAccountIndex, e.NowSlot, e.OraclePrice,
			e.WindowStart, e.Force, e.MaxPnLVaultBps, e.Reserved)
		if err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Outcome: &outcome}, nil

	default:
		return CommandResult{}, fmt.Errorf("%w: unknown command %T", ErrInvalidCommand, evt)
	}
}

// getPartition determines partition key for sequence validation. The engine
// serves a single market, so every command shares one partition.
func (c *DeterministicCore) getPartition(evt event.Event) string {
	return "global"
}

// computeStateDigest creates canonical bytes for the state hash: the touched
// accounts in index order followed by the engine aggregates. A rejected
// command changes nothing, so its digest is the rejection reason.
func (c *DeterministicCore) computeStateDigest(commit Commit, rejection string) []byte {
	if rejection != "" {
		return append([]byte("rejected:"), rejection...)
	}

	digest := make([]byte, 0, len(commit.Touched)*192+192)
	for _, idx := range commit.Touched {
		acct, _ := c.engine.Account(idx)
		digest = append(digest, acct.CanonicalBytes()...)
	}

	totals := c.engine.Totals()
	for _, v := range []*uint256.Int{totals.Vault, totals.CTot, totals.FeeReserve, totals.BadDebt} {
		b := v.Bytes32()
		digest = append(digest, b[:]...)
	}
	digest = binary.LittleEndian.AppendUint64(digest, uint64(totals.OpenInterest))
	digest = binary.LittleEndian.AppendUint64(digest, uint64(totals.NumAccounts))
	digest = binary.LittleEndian.AppendUint64(digest, totals.LastSlot)
	digest = binary.LittleEndian.AppendUint64(digest, totals.LastCrankSlot)

	if commit.Batch != nil {
		digest = binary.LittleEndian.AppendUint64(digest, uint64(commit.Batch.Sequence))
		digest = append(digest, commit.Batch.BatchID[:]...)
	}
	return digest
}

func (c *DeterministicCore) maybeSnapshot() {
	if c.snapshotChan == nil || c.snapshotInterval <= 0 || c.sequence%c.snapshotInterval != 0 {
		return
	}
	select {
	case c.snapshotChan <- c.CreateSnapshotState():
	default:
		c.logger.Warn().Int64("sequence", c.sequence-1).Msg("snapshot dropped, sink busy")
	}
}

// --- Snapshot Restore & Startup Methods ---

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64 // Last processed sequence, -1 before the first command
	StateHash       [32]byte
	Engine          *EngineSnapshot
	SequenceState   map[string]int64
	IdempotencyKeys []string
}

// RestoreFromSnapshot replaces the core's state with a snapshot. The engine
// keeps its logger and metrics.
func (c *DeterministicCore) RestoreFromSnapshot(snap *SnapshotState) error {
	engine, err := RestoreEngine(snap.Engine, WithLogger(c.engine.logger), WithMetrics(c.engine.metrics))
	if err != nil {
		return fmt.Errorf("restore engine: %w", err)
	}
	c.engine = engine

	// Next sequence to assign
	c.sequence = snap.Sequence + 1

	// Continue the hash chain from the snapshot's tip
	c.chain.reset(snap.StateHash)

	// Restore sequence validator state
	for partition, nextSeq := range snap.SequenceState {
		c.sequenceValidator.RestorePartition(partition, nextSeq)
	}

	c.idempotency.WarmFromKeys(snap.IdempotencyKeys)
	return nil
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (c *DeterministicCore) CreateSnapshotState() *SnapshotState {
	return &SnapshotState{
		Sequence:        c.sequence - 1,
		StateHash:       c.chain.tip,
		Engine:          c.engine.Snapshot(),
		SequenceState:   c.sequenceValidator.GetAllPartitions(),
		IdempotencyKeys: c.idempotency.Keys(),
	}
}

// WarmLRU loads recent idempotency keys into the LRU cache.
func (c *DeterministicCore) WarmLRU(keys []string) {
	c.idempotency.WarmFromKeys(keys)
}

// GetSequence returns the next global sequence to be assigned.
func (c *DeterministicCore) GetSequence() int64 {
	return c.sequence
}

// GetStateHash returns the current state hash (chain tip).
func (c *DeterministicCore) GetStateHash() [32]byte {
	return c.chain.tip
}

// Engine returns the engine the core drives. Callers must not use it
// concurrently with Run.
func (c *DeterministicCore) Engine() *Engine {
	return c.engine
}
