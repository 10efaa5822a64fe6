package notify

import (
	"context"

	"github.com/shopspring/decimal"

	invoicedomain "github.com/takahq/takaops/internal/invoice/domain"
)

// Dispatcher sends client-facing billing notifications. Implementations
// are best effort; callers log failures and move on.
type Dispatcher interface {
	InvoiceIssued(ctx context.Context, email, name string, inv *invoicedomain.Invoice) error
	InvoiceOverdue(ctx context.Context, email, name string, inv *invoicedomain.Invoice) error
	InvoiceSettled(ctx context.Context, email, name string, inv *invoicedomain.Invoice) error
	CreditBanked(ctx context.Context, email, name string, amount decimal.Decimal) error
	OverpaymentApplied(ctx context.Context, email, name string, inv *invoicedomain.Invoice, amount decimal.Decimal) error
}

// NoopDispatcher drops everything. Used when SMTP is not configured and
// in tests.
type NoopDispatcher struct{}

func (NoopDispatcher) InvoiceIssued(context.Context, string, string, *invoicedomain.Invoice) error {
	return nil
}

func (NoopDispatcher) InvoiceOverdue(context.Context, string, string, *invoicedomain.Invoice) error {
	return nil
}

func (NoopDispatcher) InvoiceSettled(context.Context, string, string, *invoicedomain.Invoice) error {
	return nil
}

func (NoopDispatcher) CreditBanked(context.Context, string, string, decimal.Decimal) error {
	return nil
}

func (NoopDispatcher) OverpaymentApplied(context.Context, string, string, *invoicedomain.Invoice, decimal.Decimal) error {
	return nil
}
