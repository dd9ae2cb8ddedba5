package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToCents(t *testing.T) {
	cents, err := ToCents(decimal.RequireFromString("0.50"))
	require.NoError(t, err)
	assert.Equal(t, int64(50), cents)

	cents, err = ToCents(decimal.RequireFromString("500"))
	require.NoError(t, err)
	assert.Equal(t, int64(50000), cents)

	_, err = ToCents(decimal.RequireFromString("1.005"))
	assert.Error(t, err)
}

func TestFormatAndParse(t *testing.T) {
	assert.Equal(t, "3.00", Format(300))
	assert.Equal(t, "0.05", Format(5))

	cents, err := Parse("12.34")
	require.NoError(t, err)
	assert.Equal(t, int64(1234), cents)

	_, err = Parse("abc")
	assert.Error(t, err)
}

func TestFromCentsRoundTrip(t *testing.T) {
	for _, c := range []int64{0, 1, 99, 100, 123456} {
		back, err := ToCents(FromCents(c))
		require.NoError(t, err)
		assert.Equal(t, c, back)
	}
}
