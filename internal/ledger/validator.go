package ledger

import (
	"fmt"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is balanced
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateCapital checks the shadow balance of an account against its
// engine capital, and that capital is not negative.
func (v *InvariantValidator) ValidateCapital(index int, capital int64) error {
	key := CapitalKey(index)
	if err := v.tracker.ValidateNonNegative(key); err != nil {
		return err
	}
	if shadow := v.tracker.GetBalance(key); shadow != capital {
		return fmt.Errorf("account %d capital %d does not match ledger balance %d", index, capital, shadow)
	}
	return nil
}

// ValidateCustody checks that the ledger's custody equals the engine vault.
func (v *InvariantValidator) ValidateCustody(vault int64) error {
	if custody := v.tracker.GetCustody(); custody != vault {
		return fmt.Errorf("ledger custody %d does not match vault %d", custody, vault)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	if total := v.tracker.ComputeGlobalBalance(); total != 0 {
		return fmt.Errorf("global balance is non-zero: %d", total)
	}
	return nil
}
