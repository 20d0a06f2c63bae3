package ledger

import (
	"fmt"
)

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeEngine AccountScope = iota // Risk-engine account slot
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// Engine sub-types
	SubTypeCapital AccountSubType = iota

	// System sub-types
	SubTypeSystemFeeReserve

	// External sub-types
	SubTypeExternalDeposits
)

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope   AccountScope
	Index   uint32 // Engine account index; zero for system and external keys
	SubType AccountSubType
}

// NewEngineAccountKey creates a key for an engine account slot
func NewEngineAccountKey(index int, subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeEngine,
		Index:   uint32(index),
		SubType: subType,
	}
}

// CapitalKey is the capital account of an engine slot
func CapitalKey(index int) AccountKey {
	return NewEngineAccountKey(index, SubTypeCapital)
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
	}
}

// FeeReserveKey receives fees swept out of custody
var FeeReserveKey = NewSystemAccountKey(SubTypeSystemFeeReserve)

// ExternalDepositsKey is the boundary account deposits are credited from
var ExternalDepositsKey = NewExternalAccountKey(SubTypeExternalDeposits)

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeEngine:
		return fmt.Sprintf("account:%d:%s", k.Index, k.subTypeName())
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s", k.subTypeName())
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s", k.subTypeName())
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	switch k.SubType {
	case SubTypeCapital:
		return "capital"
	case SubTypeSystemFeeReserve:
		return "fee_reserve"
	case SubTypeExternalDeposits:
		return "deposits"
	default:
		return "unknown"
	}
}
