package domain

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCredit(t *testing.T, amount string) *Overpayment {
	t.Helper()
	o, err := NewOverpayment(snowflake.ID(1), snowflake.ID(2), nil, decimal.RequireFromString(amount))
	require.NoError(t, err)
	return o
}

func TestNewOverpaymentStartsAvailable(t *testing.T) {
	o := newCredit(t, "150")
	assert.Equal(t, StatusAvailable, o.Status)
	assert.True(t, o.RemainingAmount.Equal(decimal.RequireFromString("150")))
	assert.True(t, o.AppliedAmount.IsZero())
}

func TestApplyPartialDrawStaysAvailable(t *testing.T) {
	o := newCredit(t, "500")

	require.NoError(t, o.Apply(decimal.RequireFromString("100")))

	assert.Equal(t, StatusAvailable, o.Status)
	assert.True(t, o.RemainingAmount.Equal(decimal.RequireFromString("400")))
	assert.True(t, o.Conserved())
}

func TestApplyExhaustingCreditMarksApplied(t *testing.T) {
	o := newCredit(t, "150")

	require.NoError(t, o.Apply(decimal.RequireFromString("150")))

	assert.Equal(t, StatusApplied, o.Status)
	assert.True(t, o.RemainingAmount.IsZero())
	assert.True(t, o.Conserved())
}

func TestApplyRejectsOverdraw(t *testing.T) {
	o := newCredit(t, "50")

	err := o.Apply(decimal.RequireFromString("50.01"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, StatusAvailable, o.Status)
	assert.True(t, o.RemainingAmount.Equal(decimal.RequireFromString("50")))
}

func TestApplyRejectsNonPositive(t *testing.T) {
	o := newCredit(t, "50")
	assert.ErrorIs(t, o.Apply(decimal.Zero), ErrInvalidAmount)
}

func TestNewOverpaymentRejectsNonPositive(t *testing.T) {
	_, err := NewOverpayment(snowflake.ID(1), snowflake.ID(2), nil, decimal.Zero)
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
