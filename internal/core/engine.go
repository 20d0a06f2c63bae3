package core

import (
	"fmt"
	stdmath "math"
	"sort"

	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/observability"
	"PerpRisk/internal/state"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
)

// Engine is the margin and risk engine of a single market. It owns the
// account ledger and the custody aggregates. Not thread-safe: every call is
// made from the single-threaded processor.
type Engine struct {
	params   state.RiskParams
	accounts []*state.Account

	vault             *uint256.Int
	cTot              *uint256.Int
	feeReserve        *uint256.Int
	badDebt           *uint256.Int
	totalOpenInterest int64

	lastCrankSlot uint64
	lastSlot      uint64

	balanceTracker *ledger.BalanceTracker
	journalGen     *ledger.JournalGenerator
	validator      *ledger.InvariantValidator

	liquidationSignal state.SignalHandler
	maxPnLSignal      state.SignalHandler

	op         *operation
	lastCommit Commit
	eventRef   string

	logger  zerolog.Logger
	metrics *observability.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// Commit is the audit record of the last successful operation: the sealed
// journal batch and the accounts it touched, in ascending index order.
type Commit struct {
	Batch   *ledger.Batch
	Touched []int
}

// operation accumulates the committed transactions of one engine call.
type operation struct {
	slot    uint64
	entries ledger.Entries
	touched map[int]struct{}
}

func (op *operation) touch(idx int) {
	op.touched[idx] = struct{}{}
}

// NewEngine returns an empty engine. params must pass ValidateRiskParams.
func NewEngine(params state.RiskParams, opts ...Option) (*Engine, error) {
	if err := state.ValidateRiskParams(&params); err != nil {
		return nil, fmt.Errorf("risk params: %w", err)
	}

	balanceTracker := ledger.NewBalanceTracker()
	e := &Engine{
		params:         params,
		accounts:       make([]*state.Account, 0, 64),
		vault:          fpmath.NewWide(0),
		cTot:           fpmath.NewWide(0),
		feeReserve:     fpmath.NewWide(0),
		badDebt:        fpmath.NewWide(0),
		balanceTracker: balanceTracker,
		journalGen:     ledger.NewJournalGenerator(0),
		validator:      ledger.NewInvariantValidator(balanceTracker),
		logger:         zerolog.Nop(),
	}

	for _, h := range state.DefaultSignalHandlers() {
		switch h.ActionType() {
		case state.ActionTypeLiquidation:
			e.liquidationSignal = h
		case state.ActionTypeMaxPnLClose:
			e.maxPnLSignal = h
		}
	}

	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// --- Account ledger ---

// AddLP registers a liquidity provider and returns its index.
func (e *Engine) AddLP(owner, authority [32]byte, matcherContext uint64) (int, error) {
	idx, err := e.addAccount(state.AccountKindLP, matcherContext)
	if err != nil {
		return 0, err
	}
	e.accounts[idx].Owner = owner
	e.accounts[idx].Authority = authority
	return idx, nil
}

// AddUser registers a trader and returns its index.
func (e *Engine) AddUser(matcherContext uint64) (int, error) {
	return e.addAccount(state.AccountKindTrader, matcherContext)
}

func (e *Engine) addAccount(kind state.AccountKind, matcherContext uint64) (int, error) {
	if uint64(len(e.accounts)) >= e.params.MaxAccounts {
		return 0, fmt.Errorf("%w: %d accounts", ErrCapacityExceeded, len(e.accounts))
	}

	idx := len(e.accounts)
	e.beginOp(e.lastSlot)
	e.accounts = append(e.accounts, &state.Account{
		Index:           idx,
		Kind:            kind,
		MatcherContext:  matcherContext,
		CounterpartyLP:  state.NoCounterparty,
		FeeDebt:         int64(e.params.NewAccountFee),
		LastSettledSlot: e.lastSlot,
		LastFeeSlot:     e.lastSlot,
		LastActiveSlot:  e.lastSlot,
	})
	e.op.touch(idx)
	e.finishOp()

	if e.metrics != nil {
		e.metrics.Accounts.WithLabelValues(kind.String()).Inc()
	}
	return idx, nil
}

// Deposit credits amount to the account's capital. Outstanding fee debt is
// paid first and swept out of custody.
func (e *Engine) Deposit(idx int, amount uint64, slot uint64) error {
	if !e.validIndex(idx) {
		return fmt.Errorf("%w: index %d", ErrInvalidAccount, idx)
	}
	if amount > stdmath.MaxInt64 {
		return fmt.Errorf("%w: deposit %d", ErrOverflow, amount)
	}

	e.beginOp(slot)
	t := e.begin()
	acct := t.account(idx)

	if err := t.deposit(acct, int64(amount)); err != nil {
		e.abortOp()
		return err
	}
	if acct.FeeDebt > 0 {
		paid, remaining := state.SplitPayment(acct.Capital, acct.FeeDebt)
		if err := t.sweep(acct, paid, ledger.JournalTypeNewAccountFee); err != nil {
			e.abortOp()
			return err
		}
		acct.FeeDebt = remaining
	}
	acct.LastActiveSlot = maxSlot(acct.LastActiveSlot, slot)

	if err := t.commit(); err != nil {
		e.abortOp()
		return err
	}
	e.finishOp()
	return nil
}

// --- Operation lifecycle ---

func (e *Engine) beginOp(slot uint64) {
	if e.op != nil {
		panic("FATAL: engine operation already in progress")
	}
	e.op = &operation{
		slot:    slot,
		touched: make(map[int]struct{}),
	}
}

func (e *Engine) abortOp() {
	e.op = nil
}

// finishOp seals the operation's journals into a batch, applies it to the
// shadow ledger and re-checks custody. A violation here is a bug in the
// engine and the process cannot continue.
func (e *Engine) finishOp() {
	op := e.op
	e.op = nil

	batch := e.journalGen.Seal(op.entries, e.eventRef, op.slot)
	if !batch.IsEmpty() {
		if err := e.validator.ValidateBatchBalance(batch); err != nil {
			panic(fmt.Sprintf("FATAL: unbalanced batch: %v", err))
		}
		if err := e.balanceTracker.ApplyBatch(batch); err != nil {
			panic(fmt.Sprintf("FATAL: apply batch failed: %v", err))
		}
	}

	touched := make([]int, 0, len(op.touched))
	for idx := range op.touched {
		touched = append(touched, idx)
	}
	sort.Ints(touched)

	if err := e.postCheckInvariants(touched); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	e.lastSlot = maxSlot(e.lastSlot, op.slot)
	e.lastCommit = Commit{Batch: batch, Touched: touched}
	e.observe(batch)
}

// postCheckInvariants checks what an operation can break: custody totals and
// the capital of the accounts it touched.
func (e *Engine) postCheckInvariants(touched []int) error {
	if !e.vault.Eq(e.cTot) {
		return fmt.Errorf("vault %s != c_tot %s", e.vault.Dec(), e.cTot.Dec())
	}
	if err := e.validator.ValidateCustody(fpmath.WideToInt64(e.vault)); err != nil {
		return err
	}
	for _, idx := range touched {
		if err := e.validator.ValidateCapital(idx, e.accounts[idx].Capital); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) observe(batch *ledger.Batch) {
	if e.metrics == nil {
		return
	}
	for _, j := range batch.Journals {
		e.metrics.CoreJournals.WithLabelValues(j.JournalType.String()).Inc()
	}
	e.metrics.VaultBalance.Set(float64(fpmath.WideToInt64(e.vault)))
	e.metrics.CTotBalance.Set(float64(fpmath.WideToInt64(e.cTot)))
	e.metrics.FeeReserve.Set(float64(fpmath.WideToInt64(e.feeReserve)))
	e.metrics.BadDebt.Set(float64(fpmath.WideToInt64(e.badDebt)))
	e.metrics.OpenInterest.Set(float64(e.totalOpenInterest))
}

// SetEventRef tags the journals of subsequent operations with the command
// that caused them.
func (e *Engine) SetEventRef(ref string) {
	e.eventRef = ref
}

// LastCommit returns the audit record of the last successful operation.
func (e *Engine) LastCommit() Commit {
	return e.lastCommit
}

// --- Accessors ---

// Account returns a copy of the account at idx.
func (e *Engine) Account(idx int) (state.Account, error) {
	if !e.validIndex(idx) {
		return state.Account{}, fmt.Errorf("%w: index %d", ErrInvalidAccount, idx)
	}
	return *e.accounts[idx], nil
}

// Accounts returns copies of all accounts in index order.
func (e *Engine) Accounts() []state.Account {
	out := make([]state.Account, len(e.accounts))
	for i, acct := range e.accounts {
		out[i] = *acct
	}
	return out
}

// NumAccounts returns the number of registered accounts.
func (e *Engine) NumAccounts() int {
	return len(e.accounts)
}

// Vault returns the funds held in custody.
func (e *Engine) Vault() *uint256.Int {
	return e.vault.Clone()
}

// CTot returns the sum of account capital.
func (e *Engine) CTot() *uint256.Int {
	return e.cTot.Clone()
}

// FeeReserve returns the fees swept out of custody.
func (e *Engine) FeeReserve() *uint256.Int {
	return e.feeReserve.Clone()
}

// BadDebt returns the trader losses written off against LPs.
func (e *Engine) BadDebt() *uint256.Int {
	return e.badDebt.Clone()
}

// TotalOpenInterest returns Σ|trader position|.
func (e *Engine) TotalOpenInterest() int64 {
	return e.totalOpenInterest
}

// Params returns the engine's risk parameters.
func (e *Engine) Params() state.RiskParams {
	return e.params
}

// LastCrankSlot returns the slot of the last successful crank.
func (e *Engine) LastCrankSlot() uint64 {
	return e.lastCrankSlot
}

// LastSlot returns the highest slot any operation has run at.
func (e *Engine) LastSlot() uint64 {
	return e.lastSlot
}

// OpSequence returns the sequence the next operation's batch will carry.
func (e *Engine) OpSequence() int64 {
	return e.journalGen.Sequence()
}

// Totals is a copy of the engine's aggregates.
type Totals struct {
	Vault         *uint256.Int
	CTot          *uint256.Int
	FeeReserve    *uint256.Int
	BadDebt       *uint256.Int
	OpenInterest  int64
	NumAccounts   int
	LastSlot      uint64
	LastCrankSlot uint64
}

func (e *Engine) Totals() Totals {
	return Totals{
		Vault:         e.vault.Clone(),
		CTot:          e.cTot.Clone(),
		FeeReserve:    e.feeReserve.Clone(),
		BadDebt:       e.badDebt.Clone(),
		OpenInterest:  e.totalOpenInterest,
		NumAccounts:   len(e.accounts),
		LastSlot:      e.lastSlot,
		LastCrankSlot: e.lastCrankSlot,
	}
}

func (e *Engine) validIndex(idx int) bool {
	return idx >= 0 && idx < len(e.accounts)
}

// --- Invariants ---

// CheckInvariants verifies the full ledger: custody, per-account shadow
// balances, LP inventory mirroring and open interest.
func (e *Engine) CheckInvariants() error {
	if !e.vault.Eq(e.cTot) {
		return fmt.Errorf("vault %s != c_tot %s", e.vault.Dec(), e.cTot.Dec())
	}

	sumCapital := fpmath.NewWide(0)
	var openInterest int64
	type inventory struct{ size, entry, pnl int64 }
	mirrored := make(map[int]*inventory)

	for _, acct := range e.accounts {
		if acct.Capital < 0 {
			return fmt.Errorf("account %d has negative capital %d", acct.Index, acct.Capital)
		}
		if err := fpmath.AddSigned(sumCapital, acct.Capital); err != nil {
			return fmt.Errorf("sum capital: %w", err)
		}
		if err := e.validator.ValidateCapital(acct.Index, acct.Capital); err != nil {
			return err
		}
		if acct.IsLP() {
			continue
		}
		openInterest += fpmath.Abs(acct.PositionSize)

		if acct.CounterpartyLP == state.NoCounterparty {
			if !acct.IsFlat() || acct.PnL != 0 {
				return fmt.Errorf("trader %d has exposure but no counterparty", acct.Index)
			}
			continue
		}
		if !e.validIndex(acct.CounterpartyLP) || !e.accounts[acct.CounterpartyLP].IsLP() {
			return fmt.Errorf("trader %d bound to invalid LP %d", acct.Index, acct.CounterpartyLP)
		}
		inv := mirrored[acct.CounterpartyLP]
		if inv == nil {
			inv = &inventory{}
			mirrored[acct.CounterpartyLP] = inv
		}
		inv.size += acct.PositionSize
		inv.entry += acct.EntryNotional
		inv.pnl += acct.PnL
	}

	if !sumCapital.Eq(e.cTot) {
		return fmt.Errorf("Σ capital %s != c_tot %s", sumCapital.Dec(), e.cTot.Dec())
	}
	if openInterest != e.totalOpenInterest {
		return fmt.Errorf("open interest %d != tracked %d", openInterest, e.totalOpenInterest)
	}

	for _, acct := range e.accounts {
		if !acct.IsLP() {
			continue
		}
		inv := mirrored[acct.Index]
		if inv == nil {
			inv = &inventory{}
		}
		if acct.PositionSize != -inv.size || acct.EntryNotional != -inv.entry || acct.PnL != -inv.pnl {
			return fmt.Errorf("LP %d inventory (%d, %d, %d) does not mirror traders (%d, %d, %d)",
				acct.Index, acct.PositionSize, acct.EntryNotional, acct.PnL, -inv.size, -inv.entry, -inv.pnl)
		}
	}

	if got := e.balanceTracker.GetFeeReserve(); !e.feeReserve.Eq(fpmath.NewWide(uint64(got))) || got < 0 {
		return fmt.Errorf("fee reserve %s != ledger %d", e.feeReserve.Dec(), got)
	}
	if err := e.validator.ValidateCustody(fpmath.WideToInt64(e.vault)); err != nil {
		return err
	}
	return e.validator.ValidateGlobalBalance()
}

func maxSlot(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
