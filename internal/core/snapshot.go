package core

import (
	"fmt"

	"PerpRisk/internal/ledger"
	fpmath "PerpRisk/internal/math"
	"PerpRisk/internal/state"

	"github.com/holiman/uint256"
)

// EngineSnapshot is the serializable state of an Engine. Wide aggregates are
// decimal strings.
type EngineSnapshot struct {
	Params            state.RiskParams `json:"params"`
	Accounts          []state.Account  `json:"accounts"`
	Vault             string           `json:"vault"`
	CTot              string           `json:"c_tot"`
	FeeReserve        string           `json:"fee_reserve"`
	BadDebt           string           `json:"bad_debt"`
	TotalOpenInterest int64            `json:"total_open_interest"`
	LastCrankSlot     uint64           `json:"last_crank_slot"`
	LastSlot          uint64           `json:"last_slot"`
	OpSequence        int64            `json:"op_sequence"`
}

// Snapshot captures the engine's state.
func (e *Engine) Snapshot() *EngineSnapshot {
	return &EngineSnapshot{
		Params:            e.params,
		Accounts:          e.Accounts(),
		Vault:             e.vault.Dec(),
		CTot:              e.cTot.Dec(),
		FeeReserve:        e.feeReserve.Dec(),
		BadDebt:           e.badDebt.Dec(),
		TotalOpenInterest: e.totalOpenInterest,
		LastCrankSlot:     e.lastCrankSlot,
		LastSlot:          e.lastSlot,
		OpSequence:        e.journalGen.Sequence(),
	}
}

// RestoreEngine rebuilds an engine from a snapshot. The shadow ledger is
// reconstructed from the account capitals and the fee reserve, and the
// result must pass CheckInvariants.
func RestoreEngine(snap *EngineSnapshot, opts ...Option) (*Engine, error) {
	e, err := NewEngine(snap.Params, opts...)
	if err != nil {
		return nil, err
	}

	wide := map[string]**uint256.Int{
		"vault":       &e.vault,
		"c_tot":       &e.cTot,
		"fee_reserve": &e.feeReserve,
		"bad_debt":    &e.badDebt,
	}
	raw := map[string]string{
		"vault":       snap.Vault,
		"c_tot":       snap.CTot,
		"fee_reserve": snap.FeeReserve,
		"bad_debt":    snap.BadDebt,
	}
	for name, dst := range wide {
		v, err := uint256.FromDecimal(raw[name])
		if err != nil {
			return nil, fmt.Errorf("snapshot %s %q: %w", name, raw[name], err)
		}
		*dst = v
	}

	if uint64(len(snap.Accounts)) > e.params.MaxAccounts {
		return nil, fmt.Errorf("%w: snapshot holds %d accounts", ErrCapacityExceeded, len(snap.Accounts))
	}
	e.accounts = make([]*state.Account, len(snap.Accounts))
	for i := range snap.Accounts {
		acct := snap.Accounts[i]
		if acct.Index != i {
			return nil, fmt.Errorf("snapshot account %d stored at position %d", acct.Index, i)
		}
		e.accounts[i] = &acct
		e.balanceTracker.SetBalance(ledger.CapitalKey(i), acct.Capital)
	}

	if !e.vault.IsUint64() || !e.feeReserve.IsUint64() {
		return nil, fmt.Errorf("snapshot custody exceeds ledger range: %w", ErrOverflow)
	}
	feeReserve := fpmath.WideToInt64(e.feeReserve)
	custody, err := fpmath.AddChecked(fpmath.WideToInt64(e.vault), feeReserve)
	if err != nil {
		return nil, fmt.Errorf("snapshot custody: %w", err)
	}
	e.balanceTracker.SetBalance(ledger.FeeReserveKey, feeReserve)
	e.balanceTracker.SetBalance(ledger.ExternalDepositsKey, -custody)

	e.totalOpenInterest = snap.TotalOpenInterest
	e.lastCrankSlot = snap.LastCrankSlot
	e.lastSlot = snap.LastSlot
	e.journalGen = ledger.NewJournalGenerator(snap.OpSequence)

	if err := e.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("restored engine: %w", err)
	}

	if e.metrics != nil {
		for _, acct := range e.accounts {
			e.metrics.Accounts.WithLabelValues(acct.Kind.String()).Inc()
		}
		e.observe(&ledger.Batch{})
	}
	return e, nil
}
