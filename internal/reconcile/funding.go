package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	clientdomain "github.com/takahq/takaops/internal/client/domain"
	invoicedomain "github.com/takahq/takaops/internal/invoice/domain"
	overpaymentdomain "github.com/takahq/takaops/internal/overpayment/domain"
)

// FundResult reports what creating one invoice drew from the client's
// existing money.
type FundResult struct {
	Invoice   *invoicedomain.Invoice
	Duplicate bool

	// PaymentsApplied is money drawn from unallocated payment
	// remainders, CreditApplied from banked overpayment credit.
	PaymentsApplied decimal.Decimal
	CreditApplied   decimal.Decimal
}

// InvoiceOption adjusts a freshly built invoice before it is persisted.
// Used by manual creation to override the derived dates.
type InvoiceOption func(*invoicedomain.Invoice)

func WithPeriodEnd(t time.Time) InvoiceOption {
	return func(inv *invoicedomain.Invoice) {
		inv.PeriodEnd = invoicedomain.Midnight(t)
	}
}

func WithDueDate(t time.Time) InvoiceOption {
	return func(inv *invoicedomain.Invoice) {
		inv.DueDate = invoicedomain.Midnight(t)
	}
}

// CreateAndFundInvoice writes the invoice for one billing period and
// immediately settles it from whatever the client has already paid:
// first unallocated payment remainders, then overpayment credit, both
// oldest first. A period the client is already invoiced for returns the
// existing invoice with Duplicate set.
func (e *Engine) CreateAndFundInvoice(ctx context.Context, client *clientdomain.Client, periodStart time.Time, total decimal.Decimal, graceDays int, opts ...InvoiceOption) (*FundResult, error) {
	now := e.clock.Now()
	result := &FundResult{
		PaymentsApplied: decimal.Zero,
		CreditApplied:   decimal.Zero,
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.clients.Lock(ctx, tx, client.ID); err != nil {
			return fmt.Errorf("lock client: %w", err)
		}

		inv, err := invoicedomain.NewInvoice(
			e.genID.Generate(), client.ID, client.AccountNumber,
			periodStart, total, graceDays, now,
		)
		if err != nil {
			return err
		}
		inv.OrgID = client.OrgID
		for _, opt := range opts {
			opt(inv)
		}
		if len(opts) > 0 {
			inv.Recalculate(now)
		}

		inserted, err := e.invoices.Insert(ctx, tx, inv)
		if err != nil {
			return fmt.Errorf("insert invoice: %w", err)
		}
		if !inserted {
			result.Duplicate = true
			return nil
		}
		result.Invoice = inv

		if !inv.Outstanding() {
			return nil
		}

		applied, err := e.drawFromPayments(ctx, tx, client, inv, now)
		if err != nil {
			return err
		}
		result.PaymentsApplied = applied

		credit, err := e.drawFromCredit(ctx, tx, inv, now)
		if err != nil {
			return err
		}
		result.CreditApplied = credit

		if !inv.AmountPaid.Add(inv.RemainingBalance).Equal(inv.TotalAmount) {
			return fmt.Errorf("%w: invoice %s paid %s remaining %s of %s",
				ErrAllocationInvariant, inv.InvoiceNumber,
				inv.AmountPaid, inv.RemainingBalance, inv.TotalAmount)
		}
		return nil
	})
	if err != nil {
		if isInvariantErr(err) {
			e.metrics.AllocationFailures.Inc()
		}
		return nil, err
	}

	if result.Duplicate {
		existing, err := e.invoices.FindByClientPeriod(ctx, e.db, client.ID, periodStart)
		if err != nil {
			return nil, err
		}
		result.Invoice = existing
		e.metrics.DuplicateInvoices.Inc()
		return result, nil
	}

	e.metrics.InvoicesGenerated.Inc()
	if result.CreditApplied.IsPositive() {
		e.metrics.CreditApplied.Inc()
	}
	e.log.Info("invoice created",
		zap.Int64("client_id", client.ID.Int64()),
		zap.String("invoice_number", result.Invoice.InvoiceNumber),
		zap.String("total", total.String()),
		zap.String("payments_applied", result.PaymentsApplied.String()),
		zap.String("credit_applied", result.CreditApplied.String()),
		zap.String("payment_status", string(result.Invoice.PaymentStatus)),
	)
	return result, nil
}

// drawFromPayments walks the client's unallocated payments oldest first
// and cuts slices against the new invoice until it is settled or the
// money runs out.
func (e *Engine) drawFromPayments(ctx context.Context, tx *gorm.DB, client *clientdomain.Client, inv *invoicedomain.Invoice, now time.Time) (decimal.Decimal, error) {
	payments, err := e.payments.ListUnallocated(ctx, tx, client.ID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list unallocated payments: %w", err)
	}

	applied := decimal.Zero
	for _, payment := range payments {
		if !inv.Outstanding() {
			break
		}
		take := decimal.Min(payment.RemainingAmount, inv.RemainingBalance)
		if !take.IsPositive() {
			continue
		}
		if _, err := e.applySlice(ctx, tx, payment, Slice{Invoice: inv, Amount: take}, now); err != nil {
			return decimal.Zero, err
		}
		if err := e.payments.Save(ctx, tx, payment); err != nil {
			return decimal.Zero, fmt.Errorf("save payment: %w", err)
		}
		if !payment.Conserved() {
			return decimal.Zero, fmt.Errorf("%w: payment %s allocated %s remaining %s of %s",
				ErrAllocationInvariant, payment.ExternalTransactionID,
				payment.AllocatedAmount, payment.RemainingAmount, payment.Amount)
		}
		applied = applied.Add(take)
	}
	return applied, nil
}

// drawFromCredit applies banked overpayment credit oldest first.
func (e *Engine) drawFromCredit(ctx context.Context, tx *gorm.DB, inv *invoicedomain.Invoice, now time.Time) (decimal.Decimal, error) {
	credits, err := e.credits.ListAvailable(ctx, tx, inv.ClientID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list available credit: %w", err)
	}

	applied := decimal.Zero
	for _, credit := range credits {
		if !inv.Outstanding() {
			break
		}
		take := decimal.Min(credit.RemainingAmount, inv.RemainingBalance)
		if !take.IsPositive() {
			continue
		}
		if err := credit.Apply(take); err != nil {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrAllocationInvariant, err)
		}
		if err := inv.ApplyFunds(take, now); err != nil {
			return decimal.Zero, fmt.Errorf("%w: %v", ErrAllocationInvariant, err)
		}
		application := &overpaymentdomain.Application{
			ID:            e.genID.Generate(),
			OverpaymentID: credit.ID,
			InvoiceID:     inv.ID,
			Amount:        take,
		}
		if err := e.credits.InsertApplication(ctx, tx, application); err != nil {
			return decimal.Zero, fmt.Errorf("insert credit application: %w", err)
		}
		if err := e.credits.Save(ctx, tx, credit); err != nil {
			return decimal.Zero, fmt.Errorf("save credit: %w", err)
		}
		if err := e.invoices.Save(ctx, tx, inv); err != nil {
			return decimal.Zero, fmt.Errorf("save invoice: %w", err)
		}
		if !credit.Conserved() {
			return decimal.Zero, fmt.Errorf("%w: credit %d applied %s remaining %s of %s",
				ErrAllocationInvariant, credit.ID.Int64(),
				credit.AppliedAmount, credit.RemainingAmount, credit.Amount)
		}
		applied = applied.Add(take)
	}
	return applied, nil
}

func isInvariantErr(err error) bool {
	return errors.Is(err, ErrAllocationInvariant)
}
