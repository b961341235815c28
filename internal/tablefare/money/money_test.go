package money

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArithmetic(t *testing.T) {
	a := MustFromString("10.50")
	b := MustFromString("4.25")

	assert.Equal(t, "14.75", a.Add(b).String())
	assert.Equal(t, "6.25", a.Sub(b).String())
	assert.Equal(t, "21.00", a.MulInt(2).String())
}

func TestMulDoesNotRound(t *testing.T) {
	// 50.00 * 0.08 = 4 exactly, but 10.01 * 0.0825 carries extra digits
	rate := decimal.RequireFromString("0.0825")
	got := MustFromString("10.01").Mul(rate)

	assert.Equal(t, "0.825825", got.Decimal().String())
	assert.Equal(t, "0.83", got.RoundToCent().String())
}

func TestRoundToCentHalfUp(t *testing.T) {
	assert.Equal(t, "2.35", MustFromString("2.345").RoundToCent().String())
	assert.Equal(t, "2.34", MustFromString("2.344").RoundToCent().String())
}

func TestFloorUnitsTruncates(t *testing.T) {
	assert.Equal(t, int64(10), MustFromString("10.99").FloorUnits())
	assert.Equal(t, int64(0), MustFromString("0.99").FloorUnits())
	assert.Equal(t, int64(-3), MustFromString("-3.75").FloorUnits())
}

func TestCents(t *testing.T) {
	assert.Equal(t, int64(1999), MustFromString("19.99").Cents())
	assert.Equal(t, int64(500), FromInt(5).Cents())
	assert.Equal(t, int64(1), MustFromString("0.005").Cents())
}

func TestFromCents(t *testing.T) {
	assert.Equal(t, "12.34", FromCents(1234).String())
	assert.Equal(t, "0.05", FromCents(5).String())
}

func TestPercent(t *testing.T) {
	got := FromInt(200).Percent(decimal.NewFromInt(5))
	assert.Equal(t, int64(10), got.FloorUnits())
}

func TestComparisons(t *testing.T) {
	a := MustFromString("1.00")
	b := MustFromString("1.000")

	assert.True(t, a.Equal(b))
	assert.Zero(t, a.Cmp(b))
	assert.True(t, MustFromString("-0.01").IsNegative())
	assert.True(t, Zero().IsZero())
	assert.True(t, a.GreaterThanOrEqual(b))
	assert.True(t, MustFromString("0.99").LessThan(a))
}

func TestJSONRoundTrip(t *testing.T) {
	raw, err := json.Marshal(MustFromString("63.99"))
	require.NoError(t, err)
	assert.Equal(t, "63.99", string(raw))

	var m Money
	require.NoError(t, json.Unmarshal([]byte(`"19.99"`), &m))
	assert.Equal(t, "19.99", m.String())

	require.NoError(t, json.Unmarshal([]byte(`7.5`), &m))
	assert.Equal(t, "7.50", m.String())
}

func TestValueRoundsAtBoundary(t *testing.T) {
	v, err := MustFromString("4.005").Value()
	require.NoError(t, err)
	assert.Equal(t, "4.01", v)
}
