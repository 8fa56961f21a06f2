package money

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestToCents_RoundsHalfUp(t *testing.T) {
	cases := map[string]int64{
		"0":       0,
		"10":      1000,
		"10.005":  1001,
		"10.004":  1000,
		"0.015":   2,
		"150.999": 15100,
		"-1.005":  -101,
	}
	for in, want := range cases {
		assert.Equal(t, want, ToCents(dec(in)), "ToCents(%s)", in)
	}
}

func TestTruncCents_DropsFraction(t *testing.T) {
	assert.Equal(t, int64(19999), TruncCents(dec("199.999")))
	assert.Equal(t, int64(20000), TruncCents(dec("200")))
	assert.Equal(t, int64(1), TruncCents(dec("0.019")))
}

func TestFromCents(t *testing.T) {
	assert.True(t, FromCents(150250).Equal(dec("1502.5")))
	assert.InDelta(t, 1502.5, Float(150250), 1e-9)
}

func TestMulRoundsOnce(t *testing.T) {
	// 10.5 shares at 100.50 = 1055.25 exactly; no intermediate rounding.
	gross := Mul(dec("10.5"), 10050)
	assert.True(t, gross.Equal(dec("105525")))
	assert.Equal(t, int64(105525), Round(gross))

	// 0.333 shares at 0.01 accumulates to 0.333 cents and rounds to 0.
	assert.Equal(t, int64(0), Round(Mul(dec("0.333"), 1)))
}

func TestFinite(t *testing.T) {
	assert.Equal(t, 0.0, Finite(math.NaN()))
	assert.Equal(t, 0.0, Finite(math.Inf(1)))
	assert.Equal(t, 1.5, Finite(1.5))

	_, ok := FromFloat(math.Inf(-1))
	assert.False(t, ok)
	d, ok := FromFloat(12.34)
	assert.True(t, ok)
	assert.True(t, d.Equal(dec("12.34")))
}

func TestPercent(t *testing.T) {
	assert.True(t, Percent(dec("500"), dec("3000")).Round(4).Equal(dec("16.6667")))
	assert.True(t, Percent(dec("500"), decimal.Zero).IsZero())
	assert.True(t, Percent(dec("500"), dec("-1")).IsZero())
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "$1,502.50", Format(150250, USD))
	assert.Equal(t, "$0.01", Format(1, ""))
}
