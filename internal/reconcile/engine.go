package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	clientdomain "github.com/takahq/takaops/internal/client/domain"
	clientrepo "github.com/takahq/takaops/internal/client/repository"
	"github.com/takahq/takaops/internal/clock"
	invoicedomain "github.com/takahq/takaops/internal/invoice/domain"
	invoicerepo "github.com/takahq/takaops/internal/invoice/repository"
	"github.com/takahq/takaops/internal/observability/metrics"
	overpaymentdomain "github.com/takahq/takaops/internal/overpayment/domain"
	overpaymentrepo "github.com/takahq/takaops/internal/overpayment/repository"
	paymentdomain "github.com/takahq/takaops/internal/payment/domain"
	paymentrepo "github.com/takahq/takaops/internal/payment/repository"
)

// Engine runs every money movement for a client under one transaction
// and one client row lock, so concurrent webhooks and billing runs
// cannot interleave on the same ledger.
type Engine struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	clients  clientrepo.Repository
	invoices invoicerepo.Repository
	payments paymentrepo.Repository
	credits  overpaymentrepo.Repository
	metrics  *metrics.Metrics
}

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Clients  clientrepo.Repository
	Invoices invoicerepo.Repository
	Payments paymentrepo.Repository
	Credits  overpaymentrepo.Repository
	Metrics  *metrics.Metrics
}

func NewEngine(p Params) *Engine {
	return &Engine{
		db:       p.DB,
		log:      p.Log.Named("reconcile.engine"),
		genID:    p.GenID,
		clock:    p.Clock,
		clients:  p.Clients,
		invoices: p.Invoices,
		payments: p.Payments,
		credits:  p.Credits,
		metrics:  p.Metrics,
	}
}

// PaymentResult reports what one ingested payment did to the ledger.
type PaymentResult struct {
	Payment     *paymentdomain.Payment
	Duplicate   bool
	Allocations []*paymentdomain.Allocation

	// SettledInvoices are the invoices this payment paid off in full.
	SettledInvoices []*invoicedomain.Invoice

	// BankedCredit is the remainder converted to overpayment credit,
	// zero when nothing was banked.
	BankedCredit decimal.Decimal
}

// IngestPayment records the payment and allocates it across the client's
// outstanding invoices, oldest due first. When bankRemainder is set, any
// money left after allocation becomes overpayment credit; otherwise the
// remainder stays on the payment for a later invoice to draw down.
//
// Replays of an already seen external transaction id return the original
// payment with Duplicate set and touch nothing.
func (e *Engine) IngestPayment(ctx context.Context, client *clientdomain.Client, n paymentdomain.Notification, bankRemainder bool) (*PaymentResult, error) {
	now := e.clock.Now()
	result := &PaymentResult{BankedCredit: decimal.Zero}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := e.clients.Lock(ctx, tx, client.ID); err != nil {
			return fmt.Errorf("lock client: %w", err)
		}

		payment, err := paymentdomain.NewPayment(
			e.genID.Generate(), client.ID, client.AccountNumber,
			n.Amount, n.Method, n.ExternalTransactionID, n.ReceivedAt,
		)
		if err != nil {
			return err
		}
		payment.OrgID = client.OrgID
		payment.PayerName = n.PayerName
		payment.PayerPhone = n.PayerPhone
		if len(n.Metadata) > 0 {
			payment.Metadata = n.Metadata
		}

		inserted, err := e.payments.Insert(ctx, tx, payment)
		if err != nil {
			return fmt.Errorf("insert payment: %w", err)
		}
		if !inserted {
			result.Duplicate = true
			return nil
		}
		result.Payment = payment

		outstanding, err := e.invoices.ListOutstanding(ctx, tx, client.ID)
		if err != nil {
			return fmt.Errorf("list outstanding invoices: %w", err)
		}

		slices, remainder := Plan(payment.Amount, outstanding)
		for _, slice := range slices {
			allocation, err := e.applySlice(ctx, tx, payment, slice, now)
			if err != nil {
				return err
			}
			result.Allocations = append(result.Allocations, allocation)
			if slice.Invoice.PaymentStatus == invoicedomain.StatusFullyPaid {
				result.SettledInvoices = append(result.SettledInvoices, slice.Invoice)
			}
		}

		if err := e.payments.Save(ctx, tx, payment); err != nil {
			return fmt.Errorf("save payment: %w", err)
		}
		if !payment.Conserved() {
			return fmt.Errorf("%w: payment %s allocated %s remaining %s of %s",
				ErrAllocationInvariant, payment.ExternalTransactionID,
				payment.AllocatedAmount, payment.RemainingAmount, payment.Amount)
		}

		if bankRemainder && remainder.IsPositive() {
			banked, err := e.bankRemainder(ctx, tx, client, payment, remainder)
			if err != nil {
				return err
			}
			result.BankedCredit = banked
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
		original, err := e.payments.FindByExternalID(ctx, n.ExternalTransactionID)
		if err != nil {
			return nil, err
		}
		result.Payment = original
		e.metrics.DuplicateNotifications.Inc()
		e.log.Info("duplicate payment notification ignored",
			zap.String("external_transaction_id", n.ExternalTransactionID),
			zap.Int64("client_id", client.ID.Int64()),
		)
		return result, nil
	}

	e.metrics.PaymentsIngested.WithLabelValues(string(n.Method)).Inc()
	if result.BankedCredit.IsPositive() {
		e.metrics.OverpaymentsCreated.Inc()
	}
	e.log.Info("payment allocated",
		zap.String("external_transaction_id", n.ExternalTransactionID),
		zap.Int64("client_id", client.ID.Int64()),
		zap.String("amount", n.Amount.String()),
		zap.Int("invoices_funded", len(result.Allocations)),
		zap.String("banked_credit", result.BankedCredit.String()),
	)
	return result, nil
}

func (e *Engine) applySlice(ctx context.Context, tx *gorm.DB, payment *paymentdomain.Payment, slice Slice, now time.Time) (*paymentdomain.Allocation, error) {
	if err := payment.RecordAllocation(slice.Amount); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationInvariant, err)
	}
	if err := slice.Invoice.ApplyFunds(slice.Amount, now); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocationInvariant, err)
	}

	position, err := e.payments.CountAllocations(ctx, tx, payment.ID)
	if err != nil {
		return nil, fmt.Errorf("count allocations: %w", err)
	}
	allocation := &paymentdomain.Allocation{
		ID:        e.genID.Generate(),
		PaymentID: payment.ID,
		InvoiceID: slice.Invoice.ID,
		Amount:    slice.Amount,
		Position:  int(position),
	}
	if err := e.payments.InsertAllocation(ctx, tx, allocation); err != nil {
		return nil, fmt.Errorf("insert allocation: %w", err)
	}
	if err := e.invoices.Save(ctx, tx, slice.Invoice); err != nil {
		return nil, fmt.Errorf("save invoice: %w", err)
	}
	return allocation, nil
}

func (e *Engine) bankRemainder(ctx context.Context, tx *gorm.DB, client *clientdomain.Client, payment *paymentdomain.Payment, remainder decimal.Decimal) (decimal.Decimal, error) {
	sourceID := payment.ID
	credit, err := overpaymentdomain.NewOverpayment(e.genID.Generate(), client.ID, &sourceID, remainder)
	if err != nil {
		return decimal.Zero, err
	}
	credit.OrgID = client.OrgID
	if err := e.credits.Insert(ctx, tx, credit); err != nil {
		return decimal.Zero, fmt.Errorf("bank overpayment: %w", err)
	}
	return remainder, nil
}
