package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

var (
	ErrOverpaymentNotFound = errors.New("overpayment_not_found")
	ErrInvalidAmount       = errors.New("invalid_amount")
)

type Status string

const (
	StatusAvailable Status = "available"
	StatusApplied   Status = "applied"
)

// Overpayment is credit banked from a payment that exceeded everything
// the client owed at the time.
type Overpayment struct {
	ID    snowflake.ID `gorm:"primaryKey" json:"id,string"`
	OrgID snowflake.ID `gorm:"index" json:"org_id,string"`

	ClientID snowflake.ID `gorm:"not null;index" json:"client_id,string"`

	// SourcePaymentID links back to the payment whose remainder was
	// banked. At most one credit exists per payment.
	SourcePaymentID *snowflake.ID `gorm:"uniqueIndex" json:"source_payment_id,string,omitempty"`

	Amount          decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	AppliedAmount   decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"applied_amount"`
	RemainingAmount decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"remaining_amount"`
	Currency        string          `gorm:"size:3;not null;default:KES" json:"currency"`

	Status Status `gorm:"size:24;not null;default:available;index" json:"status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Overpayment) TableName() string { return "overpayments" }

// Application is one draw of credit applied to one invoice.
type Application struct {
	ID            snowflake.ID    `gorm:"primaryKey" json:"id,string"`
	OverpaymentID snowflake.ID    `gorm:"not null;index" json:"overpayment_id,string"`
	InvoiceID     snowflake.ID    `gorm:"not null;index" json:"invoice_id,string"`
	Amount        decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	CreatedAt     time.Time       `json:"created_at"`
}

func (Application) TableName() string { return "overpayment_applications" }

// NewOverpayment banks amount as available credit for the client.
func NewOverpayment(id snowflake.ID, clientID snowflake.ID, sourcePaymentID *snowflake.ID, amount decimal.Decimal) (*Overpayment, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return &Overpayment{
		ID:              id,
		ClientID:        clientID,
		SourcePaymentID: sourcePaymentID,
		Amount:          amount,
		AppliedAmount:   decimal.Zero,
		RemainingAmount: amount,
		Currency:        "KES",
		Status:          StatusAvailable,
	}, nil
}

// Apply draws amount from the remaining credit.
func (o *Overpayment) Apply(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(o.RemainingAmount) {
		return fmt.Errorf("%w: drawing %s from credit with %s remaining",
			ErrInvalidAmount, amount, o.RemainingAmount)
	}
	o.AppliedAmount = o.AppliedAmount.Add(amount)
	o.RemainingAmount = o.RemainingAmount.Sub(amount)
	// Partially drawn credit stays available until exhausted.
	if o.RemainingAmount.IsZero() {
		o.Status = StatusApplied
	}
	return nil
}

// Conserved reports whether applied and remaining still sum to the
// banked amount.
func (o *Overpayment) Conserved() bool {
	return o.AppliedAmount.Add(o.RemainingAmount).Equal(o.Amount)
}
