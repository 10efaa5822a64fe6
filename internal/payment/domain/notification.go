package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Notification is a normalized inbound payment event, whatever channel it
// arrived on.
type Notification struct {
	AccountNumber         string
	Amount                decimal.Decimal
	ExternalTransactionID string
	Method                Method
	PayerName             string
	PayerPhone            string
	ReceivedAt            time.Time
	Metadata              map[string]any
}

// Validate checks the fields ingestion depends on.
func (n *Notification) Validate() error {
	n.AccountNumber = strings.TrimSpace(n.AccountNumber)
	n.ExternalTransactionID = strings.TrimSpace(n.ExternalTransactionID)

	if n.AccountNumber == "" {
		return ErrInvalidNotification
	}
	if n.ExternalTransactionID == "" {
		return ErrInvalidNotification
	}
	if !n.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if n.Method == "" {
		n.Method = MethodMpesa
	}
	return nil
}
