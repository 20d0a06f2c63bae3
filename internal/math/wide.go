package math

import (
	"errors"
	stdmath "math"

	"github.com/holiman/uint256"
)

// ErrUnderflow is returned when a wide aggregate would go negative.
var ErrUnderflow = errors.New("wide aggregate underflow")

var bpsScaleWide = uint256.NewInt(uint64(BpsScale))

// NewWide returns a wide unsigned value initialised from v.
func NewWide(v uint64) *uint256.Int {
	return uint256.NewInt(v)
}

// AddSigned applies a signed delta to a wide aggregate in place.
func AddSigned(z *uint256.Int, delta int64) error {
	if delta >= 0 {
		if _, overflow := z.AddOverflow(z, uint256.NewInt(uint64(delta))); overflow {
			return ErrOverflow
		}
		return nil
	}
	// uint64(-MinInt64) wraps to the right magnitude.
	d := uint256.NewInt(uint64(-delta))
	if z.Lt(d) {
		return ErrUnderflow
	}
	z.Sub(z, d)
	return nil
}

// WideBps returns z * bps / 10_000, floored.
func WideBps(z *uint256.Int, bps uint64) (*uint256.Int, error) {
	out, overflow := new(uint256.Int).MulDivOverflow(z, uint256.NewInt(bps), bpsScaleWide)
	if overflow {
		return nil, ErrOverflow
	}
	return out, nil
}

// ExceedsWide reports whether v > limit. Negative v never exceeds.
func ExceedsWide(v int64, limit *uint256.Int) bool {
	if v <= 0 {
		return false
	}
	if !limit.IsUint64() {
		return false
	}
	return uint64(v) > limit.Uint64()
}

// LessThanWide reports whether the wide value z is below the threshold.
func LessThanWide(z *uint256.Int, threshold uint64) bool {
	return z.Lt(uint256.NewInt(threshold))
}

// WideToInt64 converts z to int64, saturating at math.MaxInt64.
func WideToInt64(z *uint256.Int) int64 {
	if !z.IsUint64() || z.Uint64() > stdmath.MaxInt64 {
		return stdmath.MaxInt64
	}
	return int64(z.Uint64())
}
