package money

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestArithmeticRequiresMatchingCurrency(t *testing.T) {
	usd := New(1000, USD)
	eur := New(1000, EUR)

	_, err := usd.Add(eur)
	require.Error(t, err)
	_, err = usd.Sub(eur)
	require.Error(t, err)
	_, err = Min(usd, eur)
	require.Error(t, err)
}

func TestSubAndMin(t *testing.T) {
	a := New(1000, USD)
	b := New(300, USD)

	diff, err := a.Sub(b)
	require.NoError(t, err)
	require.Equal(t, int64(700), diff.AmountMinor)

	min, err := Min(a, b)
	require.NoError(t, err)
	require.Equal(t, int64(300), min.AmountMinor)

	// Negative results are representable; callers decide whether they are legal.
	neg, err := b.Sub(a)
	require.NoError(t, err)
	require.True(t, neg.IsNegative())
}

func TestPredicates(t *testing.T) {
	require.True(t, Zero(USD).IsZero())
	require.True(t, New(1, USD).IsPositive())
	require.False(t, New(0, USD).IsPositive())
	require.True(t, New(500, USD).GreaterThan(New(499, USD)))
	require.True(t, New(499, USD).LessThan(New(500, USD)))
	require.True(t, New(500, USD).Equal(New(500, USD)))
	require.False(t, New(500, USD).Equal(New(500, EUR)))
}
