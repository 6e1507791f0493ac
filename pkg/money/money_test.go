package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnownAsset(t *testing.T) {
	assert.True(t, KnownAsset("USDC"))
	assert.True(t, KnownAsset("BTC"))
	assert.False(t, KnownAsset("XRP"))
}

func TestScale(t *testing.T) {
	assert.Equal(t, int32(6), Scale("USDC"))
	assert.Equal(t, int32(18), Scale("ETH"))
	assert.Equal(t, int32(8), Scale("BTC"))
	assert.Equal(t, int32(8), Scale("UNKNOWN"))
}

func TestRound(t *testing.T) {
	amt := decimal.RequireFromString("1.123456789")
	assert.True(t, Round(amt, "USDC").Equal(decimal.RequireFromString("1.123457")))
	assert.True(t, Round(amt, "ETH").Equal(amt))
}

func TestParsePositive(t *testing.T) {
	d, err := ParsePositive("1.5")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("1.5")))

	_, err = ParsePositive("0")
	assert.Error(t, err)

	_, err = ParsePositive("-1")
	assert.Error(t, err)

	_, err = ParsePositive("not-a-number")
	assert.Error(t, err)
}

func TestParseNonNegative(t *testing.T) {
	d, err := ParseNonNegative("0")
	require.NoError(t, err)
	assert.True(t, d.IsZero())

	_, err = ParseNonNegative("-0.01")
	assert.Error(t, err)
}
