package domain

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(value string) time.Time {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		panic(err)
	}
	return t
}

func newTestInvoice(t *testing.T, periodStart string, total string, graceDays int, now string) *Invoice {
	t.Helper()
	inv, err := NewInvoice(snowflake.ID(42), snowflake.ID(7), "RES000042",
		date(periodStart), decimal.RequireFromString(total), graceDays, date(now))
	require.NoError(t, err)
	return inv
}

func TestNewInvoicePeriodAndDueDate(t *testing.T) {
	inv := newTestInvoice(t, "2024-01-01", "2500", 5, "2024-01-01")

	assert.Equal(t, date("2024-01-01"), inv.PeriodStart)
	assert.Equal(t, date("2024-01-31"), inv.PeriodEnd)
	assert.Equal(t, date("2024-02-05"), inv.DueDate)
	assert.Equal(t, StatusUnpaid, inv.PaymentStatus)
	assert.Equal(t, DueUpcoming, inv.DueStatus)
	assert.True(t, inv.RemainingBalance.Equal(decimal.RequireFromString("2500")))
}

func TestDueStatusTimeline(t *testing.T) {
	cases := []struct {
		now  string
		want DueStatus
	}{
		{"2024-01-15", DueUpcoming},
		{"2024-01-30", DueUpcoming},
		{"2024-01-31", Due},
		{"2024-02-05", Due},
		{"2024-02-06", DueOverdue},
		{"2024-03-01", DueOverdue},
	}
	for _, tc := range cases {
		inv := newTestInvoice(t, "2024-01-01", "2500", 5, "2024-01-01")
		inv.Recalculate(date(tc.now))
		assert.Equal(t, tc.want, inv.DueStatus, "at %s", tc.now)
	}
}

func TestDueStatusPaidWinsOverCalendar(t *testing.T) {
	inv := newTestInvoice(t, "2024-01-01", "2500", 5, "2024-01-01")
	require.NoError(t, inv.ApplyFunds(decimal.RequireFromString("2500"), date("2024-03-01")))

	assert.Equal(t, StatusFullyPaid, inv.PaymentStatus)
	assert.Equal(t, DuePaid, inv.DueStatus)
}

func TestZeroTotalInvoiceIsBornSettled(t *testing.T) {
	inv := newTestInvoice(t, "2024-01-01", "0", 5, "2024-01-01")

	assert.Equal(t, StatusFullyPaid, inv.PaymentStatus)
	assert.Equal(t, DuePaid, inv.DueStatus)
	assert.False(t, inv.Outstanding())
}

func TestApplyFundsRejectsOvershoot(t *testing.T) {
	inv := newTestInvoice(t, "2024-01-01", "2500", 5, "2024-01-01")

	err := inv.ApplyFunds(decimal.RequireFromString("3000"), date("2024-01-10"))
	assert.ErrorIs(t, err, ErrInvalidAmount)

	err = inv.ApplyFunds(decimal.Zero, date("2024-01-10"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestApplyFundsConservation(t *testing.T) {
	inv := newTestInvoice(t, "2024-01-01", "2500", 5, "2024-01-01")

	require.NoError(t, inv.ApplyFunds(decimal.RequireFromString("1000"), date("2024-01-10")))
	require.NoError(t, inv.ApplyFunds(decimal.RequireFromString("700.25"), date("2024-01-12")))

	assert.Equal(t, StatusPartiallyPaid, inv.PaymentStatus)
	assert.True(t, inv.AmountPaid.Add(inv.RemainingBalance).Equal(inv.TotalAmount))
}

func TestNewInvoiceRejectsNegativeTotal(t *testing.T) {
	_, err := NewInvoice(snowflake.ID(1), snowflake.ID(1), "RES000001",
		date("2024-01-01"), decimal.RequireFromString("-10"), 5, date("2024-01-01"))
	assert.ErrorIs(t, err, ErrInvalidAmount)
}
