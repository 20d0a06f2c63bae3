package core

import (
	"encoding/json"

	"PerpRisk/internal/state"

	"github.com/holiman/uint256"
)

// CrankOutcome reports what one crank did. Counters start at zero and are
// only incremented by the crank that returns them.
type CrankOutcome struct {
	Slot        uint64
	OraclePrice uint64

	AccountsVisited int
	NextWindowStart int // 0 once the sweep reached the end of the ledger

	NumLiquidations   int
	LiquidationErrors int
	MaxPnLClosed      int
	MaxPnLErrors      int

	VaultAfter *uint256.Int
	CTotAfter  *uint256.Int

	Actions []state.PositionAction
}

// crankOutcomeJSON carries the wide aggregates as decimal strings.
type crankOutcomeJSON struct {
	Slot              uint64                 `json:"slot"`
	OraclePrice       uint64                 `json:"oracle_price"`
	AccountsVisited   int                    `json:"accounts_visited"`
	NextWindowStart   int                    `json:"next_window_start"`
	NumLiquidations   int                    `json:"num_liquidations"`
	LiquidationErrors int                    `json:"liquidation_errors"`
	MaxPnLClosed      int                    `json:"max_pnl_closed"`
	MaxPnLErrors      int                    `json:"max_pnl_errors"`
	VaultAfter        string                 `json:"vault_after"`
	CTotAfter         string                 `json:"c_tot_after"`
	Actions           []state.PositionAction `json:"actions,omitempty"`
}

// MarshalJSON encodes the outcome for publishing.
func (o CrankOutcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(crankOutcomeJSON{
		Slot:              o.Slot,
		OraclePrice:       o.OraclePrice,
		AccountsVisited:   o.AccountsVisited,
		NextWindowStart:   o.NextWindowStart,
		NumLiquidations:   o.NumLiquidations,
		LiquidationErrors: o.LiquidationErrors,
		MaxPnLClosed:      o.MaxPnLClosed,
		MaxPnLErrors:      o.MaxPnLErrors,
		VaultAfter:        wideString(o.VaultAfter),
		CTotAfter:         wideString(o.CTotAfter),
		Actions:           o.Actions,
	})
}

// Errors returns the number of contained per-account failures.
func (o CrankOutcome) Errors() int {
	return o.LiquidationErrors + o.MaxPnLErrors
}

func wideString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
