// internal/math/fixedpoint.go
package math

import (
	"errors"
	"fmt"
	stdmath "math"
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Prices, sizes and money share one 6-decimal scale.
	PriceConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
	QuoteConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000}
)

const (
	PriceScale int64 = 1_000_000
	BpsScale   int64 = 10_000
)

// ErrOverflow is returned when a fixed-point result does not fit its target type.
var ErrOverflow = errors.New("fixed-point overflow")

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown                         // Toward negative infinity
	RoundUp                           // Toward positive infinity
)

// MultiplyInt128 performs a * b using int128 to prevent overflow.
// The caller owns the result and should release it with Release.
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// Release returns an intermediate obtained from MultiplyInt128 to the pool.
func Release(v *big.Int) {
	putInt128(v)
}

// DivideInt128 performs numerator / denominator with rounding.
// denominator must be positive.
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) (int64, error) {
	if denominator <= 0 {
		return 0, fmt.Errorf("divide: non-positive denominator %d", denominator)
	}
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()
	defer putInt128(quotient)
	defer putInt128(remainder)

	// Euclidean division: remainder is always >= 0, so quotient is the floor.
	quotient.DivMod(numerator, denom, remainder)

	if remainder.Sign() != 0 {
		switch roundingMode {
		case RoundUp:
			quotient.Add(quotient, big.NewInt(1))
		case RoundHalfEven:
			twice := getInt128()
			twice.Lsh(remainder, 1)
			cmp := twice.Cmp(denom)
			putInt128(twice)
			if cmp > 0 || (cmp == 0 && quotient.Bit(0) == 1) {
				quotient.Add(quotient, big.NewInt(1))
			}
		}
	}

	if !quotient.IsInt64() {
		return 0, ErrOverflow
	}
	return quotient.Int64(), nil
}

// MulDiv computes a * b / d without intermediate overflow.
func MulDiv(a, b, d int64, mode RoundingMode) (int64, error) {
	num := MultiplyInt128(a, b)
	defer putInt128(num)
	return DivideInt128(num, d, mode)
}

func priceToInt64(price uint64) (int64, error) {
	if price > stdmath.MaxInt64 {
		return 0, ErrOverflow
	}
	return int64(price), nil
}

// ComputeValue returns size * price / PriceScale (signed quote value), floored.
func ComputeValue(size int64, price uint64) (int64, error) {
	p, err := priceToInt64(price)
	if err != nil {
		return 0, err
	}
	return MulDiv(size, p, PriceScale, RoundDown)
}

// ComputeNotional returns |size| * price / PriceScale, floored.
func ComputeNotional(size int64, price uint64) (int64, error) {
	p, err := priceToInt64(price)
	if err != nil {
		return 0, err
	}
	raw := MultiplyInt128(size, p)
	defer putInt128(raw)
	raw.Abs(raw)
	return DivideInt128(raw, PriceScale, RoundDown)
}

// ComputeMarkPnL returns the PnL of a position against its recorded entry notional:
// size * price / PriceScale - entryNotional.
func ComputeMarkPnL(size, entryNotional int64, price uint64) (int64, error) {
	value, err := ComputeValue(size, price)
	if err != nil {
		return 0, err
	}
	return SubChecked(value, entryNotional)
}

// ComputeReferencePrice derives the average entry price from an entry notional.
func ComputeReferencePrice(size, entryNotional int64) (uint64, error) {
	if size == 0 {
		return 0, nil
	}
	raw := MultiplyInt128(entryNotional, PriceScale)
	defer putInt128(raw)
	raw.Quo(raw, big.NewInt(size))
	raw.Abs(raw)
	if !raw.IsUint64() {
		return 0, ErrOverflow
	}
	return raw.Uint64(), nil
}

// ApplyBps returns amount * bps / 10_000.
func ApplyBps(amount int64, bps uint64, mode RoundingMode) (int64, error) {
	if bps > stdmath.MaxInt64 {
		return 0, ErrOverflow
	}
	return MulDiv(amount, int64(bps), BpsScale, mode)
}

// AddChecked returns a + b or ErrOverflow.
func AddChecked(a, b int64) (int64, error) {
	c := a + b
	if (c > a) != (b > 0) {
		return 0, ErrOverflow
	}
	return c, nil
}

// SubChecked returns a - b or ErrOverflow.
func SubChecked(a, b int64) (int64, error) {
	c := a - b
	if (c < a) != (b > 0) {
		return 0, ErrOverflow
	}
	return c, nil
}

// Abs returns |x|. math.MinInt64 saturates to math.MaxInt64.
func Abs(x int64) int64 {
	if x == stdmath.MinInt64 {
		return stdmath.MaxInt64
	}
	if x < 0 {
		return -x
	}
	return x
}

// Sign returns -1, 0 or +1.
func Sign(x int64) int64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// Min64 returns the smaller of a and b.
func Min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// CeilDiv returns ceil(a / b) for a >= 0, b > 0.
func CeilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	return (a-1)/b + 1
}
