package state

import (
	"fmt"

	fpmath "PerpRisk/internal/math"

	"github.com/holiman/uint256"
)

// ActionType defines the type of position action taken by the crank.
type ActionType int32

const (
	ActionTypeLiquidation ActionType = iota
	ActionTypeMaxPnLClose            // Vault-protection force close
)

func (at ActionType) String() string {
	switch at {
	case ActionTypeLiquidation:
		return "Liquidation"
	case ActionTypeMaxPnLClose:
		return "MaxPnLClose"
	default:
		return "Unknown"
	}
}

// ActionState represents the state of a position action.
// Normal → Triggered → PartialFill | Completed | Deficit | Failed
type ActionState int32

const (
	ActionStateNormal      ActionState = iota
	ActionStateTriggered               // Signal detected
	ActionStatePartialFill             // Part of the position closed, remainder healthy
	ActionStateCompleted               // Position fully closed
	ActionStateDeficit                 // Closed with a loss written off
	ActionStateFailed                  // Staged changes discarded
)

func (as ActionState) String() string {
	switch as {
	case ActionStateNormal:
		return "Normal"
	case ActionStateTriggered:
		return "Triggered"
	case ActionStatePartialFill:
		return "PartialFill"
	case ActionStateCompleted:
		return "Completed"
	case ActionStateDeficit:
		return "Deficit"
	case ActionStateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// CanTransitionTo validates action state transitions.
func (as ActionState) CanTransitionTo(next ActionState) bool {
	transitions := map[ActionState][]ActionState{
		ActionStateNormal: {
			ActionStateTriggered,
		},
		ActionStateTriggered: {
			ActionStatePartialFill,
			ActionStateCompleted,
			ActionStateDeficit,
			ActionStateFailed,
		},
		ActionStatePartialFill: {
			ActionStateFailed,
		},
		ActionStateCompleted: {
			ActionStateDeficit,
			ActionStateFailed,
		},
		ActionStateDeficit: {
			ActionStateFailed,
		},
	}

	for _, a := range transitions[as] {
		if next == a {
			return true
		}
	}
	return false
}

// PositionAction records one liquidation or force close performed by a crank.
// It lives only in the crank outcome; nothing is kept between cranks.
type PositionAction struct {
	ActionType    ActionType
	AccountIndex  int
	AccountKind   AccountKind
	State         ActionState
	Slot          uint64
	OraclePrice   uint64
	InitialSize   int64 // Signed position size at trigger time
	FilledSize    int64 // Base units closed, always positive
	RemainingSize int64 // Signed size left open
	Fee           int64
	Deficit       int64 // Loss written off against the LP
	Priority      int
}

// NewPositionAction starts an action in the Triggered state.
func NewPositionAction(handler SignalHandler, acct *Account, slot, price uint64) *PositionAction {
	return &PositionAction{
		ActionType:    handler.ActionType(),
		AccountIndex:  acct.Index,
		AccountKind:   acct.Kind,
		State:         ActionStateTriggered,
		Slot:          slot,
		OraclePrice:   price,
		InitialSize:   acct.PositionSize,
		RemainingSize: acct.PositionSize,
		Priority:      handler.Priority(),
	}
}

// Transition moves the action to next or reports an invalid transition.
func (pa *PositionAction) Transition(next ActionState) error {
	if !pa.State.CanTransitionTo(next) {
		return fmt.Errorf("invalid action transition: %s -> %s", pa.State, next)
	}
	pa.State = next
	return nil
}

// IsTerminal returns true if the action is in a terminal state.
func (pa *PositionAction) IsTerminal() bool {
	return pa.State == ActionStatePartialFill ||
		pa.State == ActionStateCompleted ||
		pa.State == ActionStateDeficit ||
		pa.State == ActionStateFailed
}

// SignalContext is what signal handlers evaluate an account against.
type SignalContext struct {
	Params *RiskParams
	Margin MarginSnapshot

	// PnLCap is c_tot * max_pnl_vault_bps / 10_000; nil disables the
	// max-PnL signal.
	PnLCap *uint256.Int
}

// SignalHandler evaluates whether a position action should be triggered.
type SignalHandler interface {
	// Evaluate checks if the signal condition is met for an account.
	Evaluate(acct *Account, sc *SignalContext) bool

	// ActionType returns the type of action this handler triggers.
	ActionType() ActionType

	// Priority returns the priority of this handler (lower = higher priority).
	Priority() int
}

// LiquidationSignalHandler triggers when equity < maintenance margin.
type LiquidationSignalHandler struct{}

func (h *LiquidationSignalHandler) Evaluate(acct *Account, sc *SignalContext) bool {
	if acct.IsFlat() {
		return false
	}
	return sc.Margin.IsLiquidatable(sc.Params)
}

func (h *LiquidationSignalHandler) ActionType() ActionType {
	return ActionTypeLiquidation
}

func (h *LiquidationSignalHandler) Priority() int {
	return 0 // Highest priority
}

// MaxPnLSignalHandler triggers when a trader's open-position PnL exceeds the
// vault-protection cap. LPs are never selected.
type MaxPnLSignalHandler struct{}

func (h *MaxPnLSignalHandler) Evaluate(acct *Account, sc *SignalContext) bool {
	if sc.PnLCap == nil || acct.IsLP() || acct.IsFlat() {
		return false
	}
	if acct.PositionPnL <= 0 {
		return false
	}
	return fpmath.ExceedsWide(acct.PositionPnL, sc.PnLCap)
}

func (h *MaxPnLSignalHandler) ActionType() ActionType {
	return ActionTypeMaxPnLClose
}

func (h *MaxPnLSignalHandler) Priority() int {
	return 1
}

// DefaultSignalHandlers returns the crank's handlers in priority order.
func DefaultSignalHandlers() []SignalHandler {
	return []SignalHandler{
		&LiquidationSignalHandler{},
		&MaxPnLSignalHandler{},
	}
}
