package core

import (
	"errors"

	fpmath "PerpRisk/internal/math"
)

var (
	// ErrCapacityExceeded is returned when the ledger already holds MaxAccounts accounts.
	ErrCapacityExceeded = errors.New("account capacity exceeded")

	// ErrInvalidAccount is returned for an out-of-range index or the wrong account class.
	ErrInvalidAccount = errors.New("invalid account")

	// ErrInsufficientMargin is returned when a trade would breach initial margin.
	ErrInsufficientMargin = errors.New("insufficient margin")

	// ErrStaleCrank is returned when the crank's slot or staleness guard trips.
	ErrStaleCrank = errors.New("stale crank")

	// ErrAccountProcessing wraps per-account crank failures. It is counted in
	// the crank outcome and never returned from KeeperCrank.
	ErrAccountProcessing = errors.New("account processing failed")

	// ErrInvalidTrade is returned for malformed trade or crank inputs and bad quotes.
	ErrInvalidTrade = errors.New("invalid trade")

	// ErrRiskReductionOnly is returned when c_tot is below the risk-reduction
	// threshold and the trade would add exposure.
	ErrRiskReductionOnly = errors.New("risk reduction only")

	// ErrOpenInterestCap is returned when a trade would push open interest above the cap.
	ErrOpenInterestCap = errors.New("open interest cap exceeded")

	// ErrOverflow is returned when an amount does not fit its fixed-point type.
	ErrOverflow = fpmath.ErrOverflow
)

// rejectReason maps an operation error to a metrics label.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrInvalidAccount):
		return "invalid_account"
	case errors.Is(err, ErrInsufficientMargin):
		return "insufficient_margin"
	case errors.Is(err, ErrStaleCrank):
		return "stale_crank"
	case errors.Is(err, ErrInvalidTrade):
		return "invalid_trade"
	case errors.Is(err, ErrRiskReductionOnly):
		return "risk_reduction_only"
	case errors.Is(err, ErrOpenInterestCap):
		return "open_interest_cap"
	case errors.Is(err, ErrOverflow):
		return "overflow"
	case errors.Is(err, ErrInvalidCommand):
		return "invalid_command"
	default:
		return "other"
	}
}
