package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

var (
	ErrPaymentNotFound      = errors.New("payment_not_found")
	ErrDuplicateTransaction = errors.New("duplicate_transaction")
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidNotification  = errors.New("invalid_notification")
)

type Method string

const (
	MethodMpesa        Method = "mpesa"
	MethodPaybill      Method = "paybill"
	MethodCard         Method = "card"
	MethodBankTransfer Method = "bank_transfer"
	MethodCash         Method = "cash"
)

// AllocationStatus summarizes how much of a payment has been allocated
// to invoices.
type AllocationStatus string

const (
	Unallocated        AllocationStatus = "unallocated"
	PartiallyAllocated AllocationStatus = "partially_allocated"
	FullyAllocated     AllocationStatus = "fully_allocated"
)

// Payment is money received against a client account.
type Payment struct {
	ID    snowflake.ID `gorm:"primaryKey" json:"id,string"`
	OrgID snowflake.ID `gorm:"index" json:"org_id,string"`

	ClientID      snowflake.ID `gorm:"not null;index" json:"client_id,string"`
	AccountNumber string       `gorm:"size:32;not null;index" json:"account_number"`

	Amount          decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	AllocatedAmount decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"allocated_amount"`
	RemainingAmount decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"remaining_amount"`
	Currency        string          `gorm:"size:3;not null;default:KES" json:"currency"`

	Method Method `gorm:"size:16;not null" json:"method"`

	// ExternalTransactionID is the provider receipt (M-Pesa TransID for
	// paybill traffic). The unique index on it is the replay guard.
	ExternalTransactionID string `gorm:"size:64;not null;uniqueIndex" json:"external_transaction_id"`

	AllocationStatus AllocationStatus `gorm:"size:24;not null;default:unallocated;index" json:"allocation_status"`

	PayerName  string `gorm:"size:255" json:"payer_name"`
	PayerPhone string `gorm:"size:32" json:"payer_phone"`

	ReceivedAt time.Time         `gorm:"not null;index" json:"received_at"`
	Metadata   datatypes.JSONMap `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }

// Allocation is one slice of a payment applied to one invoice. Position
// preserves the order slices were cut in.
type Allocation struct {
	ID        snowflake.ID    `gorm:"primaryKey" json:"id,string"`
	PaymentID snowflake.ID    `gorm:"not null;index" json:"payment_id,string"`
	InvoiceID snowflake.ID    `gorm:"not null;index" json:"invoice_id,string"`
	Amount    decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Position  int             `gorm:"not null" json:"position"`
	CreatedAt time.Time       `json:"created_at"`
}

func (Allocation) TableName() string { return "payment_allocations" }

// NewPayment builds an unallocated payment from a validated notification.
func NewPayment(id snowflake.ID, clientID snowflake.ID, accountNumber string, amount decimal.Decimal, method Method, externalTransactionID string, receivedAt time.Time) (*Payment, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if externalTransactionID == "" {
		return nil, fmt.Errorf("%w: missing external transaction id", ErrInvalidAmount)
	}
	return &Payment{
		ID:                    id,
		ClientID:              clientID,
		AccountNumber:         accountNumber,
		Amount:                amount,
		AllocatedAmount:       decimal.Zero,
		RemainingAmount:       amount,
		Currency:              "KES",
		Method:                method,
		ExternalTransactionID: externalTransactionID,
		AllocationStatus:      Unallocated,
		ReceivedAt:            receivedAt.UTC(),
	}, nil
}

// RecordAllocation moves amount from remaining to allocated. Callers cut
// slices no larger than what remains.
func (p *Payment) RecordAllocation(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(p.RemainingAmount) {
		return fmt.Errorf("%w: allocating %s from payment %s with %s remaining",
			ErrInvalidAmount, amount, p.ExternalTransactionID, p.RemainingAmount)
	}
	p.AllocatedAmount = p.AllocatedAmount.Add(amount)
	p.RemainingAmount = p.RemainingAmount.Sub(amount)
	p.recomputeStatus()
	return nil
}

func (p *Payment) recomputeStatus() {
	switch {
	case p.RemainingAmount.IsZero():
		p.AllocationStatus = FullyAllocated
	case p.AllocatedAmount.IsPositive():
		p.AllocationStatus = PartiallyAllocated
	default:
		p.AllocationStatus = Unallocated
	}
}

// Conserved reports whether allocated and remaining still sum to the
// original amount.
func (p *Payment) Conserved() bool {
	return p.AllocatedAmount.Add(p.RemainingAmount).Equal(p.Amount)
}
