package math_test

import (
	"errors"
	stdmath "math"
	"testing"

	fpmath "PerpRisk/internal/math"

	"github.com/holiman/uint256"
)

func TestMulDiv_Rounding(t *testing.T) {
	tests := []struct {
		name    string
		a, b, d int64
		mode    fpmath.RoundingMode
		want    int64
	}{
		{"exact", 6, 5, 3, fpmath.RoundHalfEven, 10},
		{"down positive", 7, 1, 2, fpmath.RoundDown, 3},
		{"down negative floors", -7, 1, 2, fpmath.RoundDown, -4},
		{"up positive", 7, 1, 2, fpmath.RoundUp, 4},
		{"up negative", -7, 1, 2, fpmath.RoundUp, -3},
		{"half even to even", 5, 1, 2, fpmath.RoundHalfEven, 2},
		{"half even odd rounds up", 7, 1, 2, fpmath.RoundHalfEven, 4},
		{"half even above half", 8, 1, 3, fpmath.RoundHalfEven, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(tt.a, tt.b, tt.d, tt.mode)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMulDiv_LargeIntermediate(t *testing.T) {
	// 9e18 * 1e6 overflows int64 before the division.
	got, err := fpmath.MulDiv(9_000_000_000_000_000_000, 1_000_000, 1_000_000, fpmath.RoundDown)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 9_000_000_000_000_000_000 {
		t.Errorf("got %d", got)
	}
}

func TestMulDiv_Overflow(t *testing.T) {
	_, err := fpmath.MulDiv(stdmath.MaxInt64, 2, 1, fpmath.RoundDown)
	if !errors.Is(err, fpmath.ErrOverflow) {
		t.Fatalf("expected ErrOverflow, got %v", err)
	}
}

func TestMulDiv_BadDenominator(t *testing.T) {
	if _, err := fpmath.MulDiv(1, 1, 0, fpmath.RoundDown); err == nil {
		t.Fatal("zero denominator should error")
	}
}

func TestComputeNotionalAndValue(t *testing.T) {
	n, err := fpmath.ComputeNotional(-3_000_000, 1_300_000)
	if err != nil {
		t.Fatalf("notional: %v", err)
	}
	if n != 3_900_000 {
		t.Errorf("notional: got %d, want 3900000", n)
	}

	v, err := fpmath.ComputeValue(-3_000_000, 1_300_000)
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if v != -3_900_000 {
		t.Errorf("value: got %d, want -3900000", v)
	}

	if _, err := fpmath.ComputeValue(1, stdmath.MaxUint64); !errors.Is(err, fpmath.ErrOverflow) {
		t.Errorf("price above int64 range should overflow, got %v", err)
	}
}

func TestComputeMarkPnL_MirrorsExactly(t *testing.T) {
	long, err := fpmath.ComputeMarkPnL(8_000_000, 8_000_000, 1_300_000)
	if err != nil {
		t.Fatalf("long: %v", err)
	}
	short, err := fpmath.ComputeMarkPnL(-8_000_000, -8_000_000, 1_300_000)
	if err != nil {
		t.Fatalf("short: %v", err)
	}
	if long != 2_400_000 || long+short != 0 {
		t.Errorf("long=%d short=%d should mirror", long, short)
	}
}

func TestComputeReferencePrice(t *testing.T) {
	p, err := fpmath.ComputeReferencePrice(-2_000_000, -2_600_000)
	if err != nil {
		t.Fatalf("reference price: %v", err)
	}
	if p != 1_300_000 {
		t.Errorf("got %d, want 1300000", p)
	}
	if p, _ := fpmath.ComputeReferencePrice(0, 123); p != 0 {
		t.Errorf("flat position reference price should be 0, got %d", p)
	}
}

func TestApplyBps(t *testing.T) {
	got, err := fpmath.ApplyBps(11_000_000, 1000, fpmath.RoundDown)
	if err != nil {
		t.Fatalf("apply bps: %v", err)
	}
	if got != 1_100_000 {
		t.Errorf("got %d, want 1100000", got)
	}
}

func TestCheckedArithmetic(t *testing.T) {
	if _, err := fpmath.AddChecked(stdmath.MaxInt64, 1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Error("MaxInt64 + 1 should overflow")
	}
	if _, err := fpmath.SubChecked(stdmath.MinInt64, 1); !errors.Is(err, fpmath.ErrOverflow) {
		t.Error("MinInt64 - 1 should overflow")
	}
	if v, err := fpmath.AddChecked(-5, 3); err != nil || v != -2 {
		t.Errorf("-5 + 3: got %d, %v", v, err)
	}
	if v, err := fpmath.SubChecked(-5, -7); err != nil || v != 2 {
		t.Errorf("-5 - -7: got %d, %v", v, err)
	}
}

func TestCeilDiv(t *testing.T) {
	tests := []struct{ a, b, want int64 }{
		{0, 5, 0},
		{1, 5, 1},
		{5, 5, 1},
		{6, 5, 2},
	}
	for _, tt := range tests {
		if got := fpmath.CeilDiv(tt.a, tt.b); got != tt.want {
			t.Errorf("CeilDiv(%d, %d): got %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestAbsSaturates(t *testing.T) {
	if fpmath.Abs(stdmath.MinInt64) != stdmath.MaxInt64 {
		t.Error("Abs(MinInt64) should saturate")
	}
	if fpmath.Abs(-3) != 3 || fpmath.Abs(3) != 3 {
		t.Error("Abs basic cases")
	}
}

// ============================================================================
// Test: wide aggregates
// ============================================================================

func TestAddSigned(t *testing.T) {
	z := fpmath.NewWide(100)
	if err := fpmath.AddSigned(z, 50); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := fpmath.AddSigned(z, -120); err != nil {
		t.Fatalf("sub: %v", err)
	}
	if z.Uint64() != 30 {
		t.Errorf("got %d, want 30", z.Uint64())
	}

	err := fpmath.AddSigned(z, -31)
	if !errors.Is(err, fpmath.ErrUnderflow) {
		t.Fatalf("expected ErrUnderflow, got %v", err)
	}
	if z.Uint64() != 30 {
		t.Errorf("failed subtraction must not change the value, got %d", z.Uint64())
	}
}

func TestWideBps(t *testing.T) {
	got, err := fpmath.WideBps(uint256.NewInt(11_000_000), 2000)
	if err != nil {
		t.Fatalf("wide bps: %v", err)
	}
	if got.Uint64() != 2_200_000 {
		t.Errorf("got %d, want 2200000", got.Uint64())
	}
}

func TestExceedsWide(t *testing.T) {
	limit := uint256.NewInt(1_000)
	if !fpmath.ExceedsWide(1_001, limit) {
		t.Error("1001 > 1000")
	}
	if fpmath.ExceedsWide(1_000, limit) {
		t.Error("equal is not exceeding")
	}
	if fpmath.ExceedsWide(-5, uint256.NewInt(0)) {
		t.Error("negative never exceeds")
	}
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 100)
	if fpmath.ExceedsWide(stdmath.MaxInt64, huge) {
		t.Error("nothing exceeds a limit beyond uint64")
	}
}

func TestWideToInt64Saturates(t *testing.T) {
	huge := new(uint256.Int).Lsh(uint256.NewInt(1), 70)
	if fpmath.WideToInt64(huge) != stdmath.MaxInt64 {
		t.Error("should saturate")
	}
	if fpmath.WideToInt64(uint256.NewInt(42)) != 42 {
		t.Error("small value should convert")
	}
}
