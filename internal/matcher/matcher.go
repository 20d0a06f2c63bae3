// Package matcher defines the price-fill capability the engine trades through.
package matcher

import (
	"errors"
	"fmt"

	fpmath "PerpRisk/internal/math"
)

// ErrNoLiquidity is returned by matchers that decline to quote.
var ErrNoLiquidity = errors.New("matcher declined to quote")

// Matcher decides the execution price and size for a requested trade.
// size is signed from the trader's side: positive buys from the LP.
type Matcher interface {
	Quote(oraclePrice uint64, size int64) (fillPrice uint64, fillSize int64, err error)
}

// NoOpMatcher fills the full size at the oracle price.
type NoOpMatcher struct{}

func (NoOpMatcher) Quote(oraclePrice uint64, size int64) (uint64, int64, error) {
	return oraclePrice, size, nil
}

// SpreadMatcher fills the full size at the oracle price moved SpreadBps
// against the trader.
type SpreadMatcher struct {
	SpreadBps uint64
}

func (m SpreadMatcher) Quote(oraclePrice uint64, size int64) (uint64, int64, error) {
	if oraclePrice > 1<<62 {
		return 0, 0, fmt.Errorf("spread quote: %w", fpmath.ErrOverflow)
	}
	spread, err := fpmath.ApplyBps(int64(oraclePrice), m.SpreadBps, fpmath.RoundUp)
	if err != nil {
		return 0, 0, fmt.Errorf("spread quote: %w", err)
	}
	if size > 0 {
		return oraclePrice + uint64(spread), size, nil
	}
	if uint64(spread) >= oraclePrice {
		return 0, 0, ErrNoLiquidity
	}
	return oraclePrice - uint64(spread), size, nil
}

// FuncMatcher adapts a function to the Matcher interface.
type FuncMatcher func(oraclePrice uint64, size int64) (uint64, int64, error)

func (f FuncMatcher) Quote(oraclePrice uint64, size int64) (uint64, int64, error) {
	return f(oraclePrice, size)
}

// ByName returns the matcher configured under name. Commands replayed from
// the log carry the matcher name, not the matcher itself.
func ByName(name string, spreadBps uint64) (Matcher, error) {
	switch name {
	case "", "noop":
		return NoOpMatcher{}, nil
	case "spread":
		return SpreadMatcher{SpreadBps: spreadBps}, nil
	default:
		return nil, fmt.Errorf("unknown matcher %q", name)
	}
}
