package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrInvoiceNotFound  = errors.New("invoice_not_found")
	ErrDuplicateInvoice = errors.New("duplicate_invoice")
	ErrInvalidAmount    = errors.New("invalid_amount")
)

// PaymentStatus tracks how much of the invoice has been funded.
type PaymentStatus string

const (
	StatusUnpaid        PaymentStatus = "unpaid"
	StatusPartiallyPaid PaymentStatus = "partially_paid"
	StatusFullyPaid     PaymentStatus = "fully_paid"
)

// DueStatus tracks where the invoice sits against its due date. It is
// derived from the calendar and payment state, never set directly by
// callers.
type DueStatus string

const (
	DueUpcoming DueStatus = "upcoming"
	Due         DueStatus = "due"
	DueOverdue  DueStatus = "overdue"
	DuePaid     DueStatus = "paid"
)

// Invoice is one billing period's charge for a client.
type Invoice struct {
	ID    snowflake.ID `gorm:"primaryKey" json:"id,string"`
	OrgID snowflake.ID `gorm:"index" json:"org_id,string"`

	ClientID      snowflake.ID `gorm:"not null;index;uniqueIndex:ux_invoices_client_period,priority:1" json:"client_id,string"`
	AccountNumber string       `gorm:"size:32;not null;index" json:"account_number"`
	InvoiceNumber string       `gorm:"size:32;not null;uniqueIndex" json:"invoice_number"`

	// PeriodStart and PeriodEnd bound the service month, both inclusive.
	PeriodStart time.Time `gorm:"not null;uniqueIndex:ux_invoices_client_period,priority:2" json:"period_start"`
	PeriodEnd   time.Time `gorm:"not null" json:"period_end"`

	TotalAmount      decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"total_amount"`
	AmountPaid       decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount_paid"`
	RemainingBalance decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"remaining_balance"`
	Currency         string          `gorm:"size:3;not null;default:KES" json:"currency"`

	PaymentStatus PaymentStatus `gorm:"size:16;not null;default:unpaid;index" json:"payment_status"`
	DueStatus     DueStatus     `gorm:"size:16;not null;default:upcoming;index" json:"due_status"`

	IssuedDate time.Time `gorm:"not null" json:"issued_date"`
	DueDate    time.Time `gorm:"not null;index" json:"due_date"`

	EmailSent   bool       `gorm:"not null;default:false" json:"email_sent"`
	EmailSentAt *time.Time `json:"email_sent_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Invoice) TableName() string { return "invoices" }

// NewInvoice builds an unpaid invoice for one period. Amounts start fully
// outstanding; callers run allocation afterwards.
func NewInvoice(id snowflake.ID, clientID snowflake.ID, accountNumber string, periodStart time.Time, total decimal.Decimal, graceDays int, now time.Time) (*Invoice, error) {
	if total.IsNegative() {
		return nil, ErrInvalidAmount
	}
	start := Midnight(periodStart)
	end := start.AddDate(0, 1, 0).AddDate(0, 0, -1)

	inv := &Invoice{
		ID:               id,
		ClientID:         clientID,
		AccountNumber:    accountNumber,
		InvoiceNumber:    InvoiceNumber(start, id),
		PeriodStart:      start,
		PeriodEnd:        end,
		TotalAmount:      total,
		AmountPaid:       decimal.Zero,
		RemainingBalance: total,
		Currency:         "KES",
		IssuedDate:       Midnight(now),
		DueDate:          end.AddDate(0, 0, graceDays),
	}
	inv.Recalculate(now)
	return inv, nil
}

// ApplyFunds credits amount against the outstanding balance. The caller
// must never hand in more than is outstanding; that is an allocation bug,
// not a data condition.
func (inv *Invoice) ApplyFunds(amount decimal.Decimal, now time.Time) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(inv.RemainingBalance) {
		return fmt.Errorf("%w: applying %s to invoice %s with %s outstanding",
			ErrInvalidAmount, amount, inv.InvoiceNumber, inv.RemainingBalance)
	}
	inv.AmountPaid = inv.AmountPaid.Add(amount)
	inv.Recalculate(now)
	return nil
}

// Recalculate rederives remaining balance, payment status and due status
// from the stored amounts and the given time.
func (inv *Invoice) Recalculate(now time.Time) {
	inv.RemainingBalance = inv.TotalAmount.Sub(inv.AmountPaid)
	if inv.RemainingBalance.IsNegative() {
		inv.RemainingBalance = decimal.Zero
	}

	switch {
	case inv.RemainingBalance.IsZero():
		inv.PaymentStatus = StatusFullyPaid
	case inv.AmountPaid.IsPositive():
		inv.PaymentStatus = StatusPartiallyPaid
	default:
		inv.PaymentStatus = StatusUnpaid
	}

	inv.DueStatus = inv.dueStatusAt(now)
}

func (inv *Invoice) dueStatusAt(now time.Time) DueStatus {
	if inv.PaymentStatus == StatusFullyPaid {
		return DuePaid
	}
	day := Midnight(now)
	switch {
	case day.Before(inv.PeriodEnd):
		return DueUpcoming
	case !day.After(inv.DueDate):
		return Due
	default:
		return DueOverdue
	}
}

// Outstanding reports whether the invoice can still absorb funds.
func (inv *Invoice) Outstanding() bool {
	return inv.PaymentStatus != StatusFullyPaid && inv.RemainingBalance.IsPositive()
}

// InvoiceNumber derives the human-facing number from the period and id.
func InvoiceNumber(periodStart time.Time, id snowflake.ID) string {
	return fmt.Sprintf("INV-%s-%05d", periodStart.Format("200601"), id.Int64()%100_000)
}

// Midnight truncates t to the start of its UTC day. All billing date
// comparisons happen at day granularity.
func Midnight(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
