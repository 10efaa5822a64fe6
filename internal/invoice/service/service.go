package service

import (
	"context"
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	clientrepo "github.com/takahq/takaops/internal/client/repository"
	"github.com/takahq/takaops/internal/clock"
	"github.com/takahq/takaops/internal/config"
	"github.com/takahq/takaops/internal/invoice/domain"
	"github.com/takahq/takaops/internal/invoice/repository"
	"github.com/takahq/takaops/internal/notify"
	overpaymentrepo "github.com/takahq/takaops/internal/overpayment/repository"
	paymentrepo "github.com/takahq/takaops/internal/payment/repository"
	"github.com/takahq/takaops/internal/reconcile"
)

type Service interface {
	// Create raises an invoice for one billing period and settles it
	// from money the client already paid in.
	Create(ctx context.Context, req CreateInvoiceRequest) (*reconcile.FundResult, error)

	Get(ctx context.Context, id snowflake.ID) (*domain.Invoice, error)
	ListByClient(ctx context.Context, clientID snowflake.ID, limit, offset int) ([]*domain.Invoice, error)

	Overview(ctx context.Context, clientID snowflake.ID) (*BillingOverview, error)
	Statement(ctx context.Context, clientID snowflake.ID) (*Statement, error)
}

type CreateInvoiceRequest struct {
	ClientID    snowflake.ID `json:"client_id,string" binding:"required"`
	PeriodStart time.Time    `json:"period_start" binding:"required"`

	// Amount overrides the client's monthly rate when set.
	Amount *decimal.Decimal `json:"amount,omitempty"`

	// PeriodEnd and DueDate override the dates normally derived from
	// the period start and grace days.
	PeriodEnd *time.Time `json:"period_end,omitempty"`
	DueDate   *time.Time `json:"due_date,omitempty"`
}

// BillingOverview is the client's position at a glance.
type BillingOverview struct {
	ClientID         snowflake.ID    `json:"client_id,string"`
	TotalBilled      decimal.Decimal `json:"total_billed"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`
	CreditBalance    decimal.Decimal `json:"credit_balance"`
	OverdueInvoices  int             `json:"overdue_invoices"`
}

// Statement lists the client's billing activity newest first.
type Statement struct {
	ClientID snowflake.ID     `json:"client_id,string"`
	Entries  []StatementEntry `json:"entries"`
}

type StatementEntry struct {
	Date        time.Time       `json:"date"`
	Kind        string          `json:"kind"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	Clients    clientrepo.Repository
	Invoices   repository.Repository
	Payments   paymentrepo.Repository
	Credits    overpaymentrepo.Repository
	Engine     *reconcile.Engine
	Dispatcher notify.Dispatcher
}

type service struct {
	log        *zap.Logger
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	clients    clientrepo.Repository
	invoices   repository.Repository
	payments   paymentrepo.Repository
	credits    overpaymentrepo.Repository
	engine     *reconcile.Engine
	dispatcher notify.Dispatcher
}

func NewService(p Params) Service {
	return &service{
		log:        p.Log.Named("invoice.service"),
		clock:      p.Clock,
		billing:    p.Billing,
		clients:    p.Clients,
		invoices:   p.Invoices,
		payments:   p.Payments,
		credits:    p.Credits,
		engine:     p.Engine,
		dispatcher: p.Dispatcher,
	}
}

func (s *service) Create(ctx context.Context, req CreateInvoiceRequest) (*reconcile.FundResult, error) {
	client, err := s.clients.FindByID(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}

	total := client.MonthlyRate
	if req.Amount != nil {
		total = *req.Amount
	}
	if total.IsNegative() {
		return nil, domain.ErrInvalidAmount
	}

	graceDays := client.GraceDays(s.billing.Current().DefaultGracePeriodDays)
	var opts []reconcile.InvoiceOption
	if req.PeriodEnd != nil {
		opts = append(opts, reconcile.WithPeriodEnd(*req.PeriodEnd))
	}
	if req.DueDate != nil {
		opts = append(opts, reconcile.WithDueDate(*req.DueDate))
	}
	result, err := s.engine.CreateAndFundInvoice(ctx, client, req.PeriodStart, total, graceDays, opts...)
	if err != nil {
		return nil, err
	}
	if result.Duplicate {
		return result, domain.ErrDuplicateInvoice
	}

	if client.Email != "" {
		if err := s.dispatcher.InvoiceIssued(ctx, client.Email, client.Name, result.Invoice); err != nil {
			s.log.Warn("invoice email failed",
				zap.String("invoice_number", result.Invoice.InvoiceNumber), zap.Error(err))
		} else if err := s.invoices.MarkEmailSent(ctx, result.Invoice.ID, s.clock.Now()); err != nil {
			s.log.Warn("mark email sent failed", zap.Error(err))
		}

		applied := result.PaymentsApplied.Add(result.CreditApplied)
		if applied.IsPositive() {
			if err := s.dispatcher.OverpaymentApplied(ctx, client.Email, client.Name, result.Invoice, applied); err != nil {
				s.log.Warn("overpayment applied email failed",
					zap.String("invoice_number", result.Invoice.InvoiceNumber), zap.Error(err))
			}
		}
	}
	return result, nil
}

func (s *service) Get(ctx context.Context, id snowflake.ID) (*domain.Invoice, error) {
	return s.invoices.FindByID(ctx, id)
}

func (s *service) ListByClient(ctx context.Context, clientID snowflake.ID, limit, offset int) ([]*domain.Invoice, error) {
	return s.invoices.ListByClient(ctx, clientID, limit, offset)
}

func (s *service) Overview(ctx context.Context, clientID snowflake.ID) (*BillingOverview, error) {
	if _, err := s.clients.FindByID(ctx, clientID); err != nil {
		return nil, err
	}

	invoices, err := s.invoices.ListByClient(ctx, clientID, 200, 0)
	if err != nil {
		return nil, err
	}
	creditBalance, err := s.credits.AvailableBalance(ctx, clientID)
	if err != nil {
		return nil, err
	}

	overview := &BillingOverview{
		ClientID:         clientID,
		TotalBilled:      decimal.Zero,
		TotalPaid:        decimal.Zero,
		TotalOutstanding: decimal.Zero,
		CreditBalance:    creditBalance,
	}
	for _, inv := range invoices {
		overview.TotalBilled = overview.TotalBilled.Add(inv.TotalAmount)
		overview.TotalPaid = overview.TotalPaid.Add(inv.AmountPaid)
		overview.TotalOutstanding = overview.TotalOutstanding.Add(inv.RemainingBalance)
		if inv.DueStatus == domain.DueOverdue {
			overview.OverdueInvoices++
		}
	}
	return overview, nil
}

func (s *service) Statement(ctx context.Context, clientID snowflake.ID) (*Statement, error) {
	if _, err := s.clients.FindByID(ctx, clientID); err != nil {
		return nil, err
	}

	invoices, err := s.invoices.ListByClient(ctx, clientID, 200, 0)
	if err != nil {
		return nil, err
	}
	payments, err := s.payments.ListByClient(ctx, clientID, 200, 0)
	if err != nil {
		return nil, err
	}
	credits, err := s.credits.ListByClient(ctx, clientID, 200, 0)
	if err != nil {
		return nil, err
	}

	entries := make([]StatementEntry, 0, len(invoices)+len(payments)+len(credits))
	for _, inv := range invoices {
		entries = append(entries, StatementEntry{
			Date:        inv.IssuedDate,
			Kind:        "invoice",
			Reference:   inv.InvoiceNumber,
			Description: "Waste collection " + inv.PeriodStart.Format("January 2006"),
			Amount:      inv.TotalAmount.Neg(),
		})
	}
	for _, p := range payments {
		entries = append(entries, StatementEntry{
			Date:        p.ReceivedAt,
			Kind:        "payment",
			Reference:   p.ExternalTransactionID,
			Description: "Payment via " + string(p.Method),
			Amount:      p.Amount,
		})
	}
	for _, credit := range credits {
		entries = append(entries, StatementEntry{
			Date:        credit.CreatedAt,
			Kind:        "credit",
			Reference:   credit.ID.String(),
			Description: "Overpayment banked as credit",
			Amount:      credit.Amount,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Date.After(entries[j].Date)
	})
	return &Statement{ClientID: clientID, Entries: entries}, nil
}
