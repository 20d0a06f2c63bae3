package projection

import (
	"errors"
	"sync"

	"PerpRisk/internal/core"
	"PerpRisk/internal/state"
)

// ErrUnknownAccount is returned for an index the projection has not seen.
var ErrUnknownAccount = errors.New("unknown account")

// AccountsProjection is the read model of the ledger: every account as of the
// last applied output, the engine aggregates and the last crank price.
// It is safe for concurrent readers; the projection worker is the only writer.
type AccountsProjection struct {
	mu        sync.RWMutex
	params    state.RiskParams
	accounts  []state.Account
	totals    core.Totals
	markPrice uint64
	sequence  int64
	gaps      int64
}

func NewAccountsProjection(params state.RiskParams) *AccountsProjection {
	return &AccountsProjection{
		params:   params,
		sequence: -1,
	}
}

// Seed replaces the projection with a full copy of the engine state. It is
// called once at startup after recovery, before the core starts.
func (p *AccountsProjection) Seed(engine *core.Engine, sequence int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.params = engine.Params()
	p.accounts = engine.Accounts()
	p.totals = engine.Totals()
	p.sequence = sequence
}

// Apply folds one core output into the projection. Outputs at or below the
// current sequence are ignored. It reports whether a gap was skipped.
func (p *AccountsProjection) Apply(out core.CoreOutput) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	seq := out.Envelope.Sequence
	if seq <= p.sequence {
		return false
	}
	gap := p.sequence >= 0 && seq != p.sequence+1
	if gap {
		p.gaps++
	}

	for _, acct := range out.Accounts {
		for len(p.accounts) <= acct.Index {
			p.accounts = append(p.accounts, state.Account{Index: len(p.accounts)})
		}
		p.accounts[acct.Index] = acct
	}
	if out.Totals.Vault != nil {
		p.totals = out.Totals
	}
	if out.Result.Outcome != nil {
		p.markPrice = out.Result.Outcome.OraclePrice
	} else if out.Result.Fill != nil && p.markPrice == 0 {
		p.markPrice = out.Result.Fill.Price
	}
	p.sequence = seq

	return gap
}

// Account returns a copy of one account and the sequence it is current as of.
func (p *AccountsProjection) Account(index int) (state.Account, int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if index < 0 || index >= len(p.accounts) {
		return state.Account{}, p.sequence, ErrUnknownAccount
	}
	return p.accounts[index], p.sequence, nil
}

// Accounts returns up to limit accounts starting at offset, optionally
// filtered by kind.
func (p *AccountsProjection) Accounts(kind *state.AccountKind, offset, limit int) ([]state.Account, int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]state.Account, 0)
	skipped := 0
	for _, acct := range p.accounts {
		if kind != nil && acct.Kind != *kind {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, acct)
	}
	return out, p.sequence
}

// Totals returns a copy of the engine aggregates.
func (p *AccountsProjection) Totals() (core.Totals, int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	t := p.totals
	if t.Vault != nil {
		t.Vault = t.Vault.Clone()
		t.CTot = t.CTot.Clone()
		t.FeeReserve = t.FeeReserve.Clone()
		t.BadDebt = t.BadDebt.Clone()
	}
	return t, p.sequence
}

// MarkPrice returns the oracle price of the last crank, or the first fill
// price before any crank ran. Zero means no price has been seen.
func (p *AccountsProjection) MarkPrice() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.markPrice
}

// Params returns the risk parameters the engine runs with.
func (p *AccountsProjection) Params() state.RiskParams {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.params
}

// Sequence returns the last applied sequence, -1 before any.
func (p *AccountsProjection) Sequence() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sequence
}

// Gaps returns how many dropped outputs the projection has skipped over.
func (p *AccountsProjection) Gaps() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.gaps
}
