package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	clientrepo "github.com/takahq/takaops/internal/client/repository"
	"github.com/takahq/takaops/internal/clock"
	"github.com/takahq/takaops/internal/notify"
	"github.com/takahq/takaops/internal/observability/metrics"
	"github.com/takahq/takaops/internal/payment/domain"
	"github.com/takahq/takaops/internal/payment/repository"
	"github.com/takahq/takaops/internal/reconcile"
)

// Service is the entry point for money arriving on a client account.
type Service interface {
	// IngestNotification processes a provider payment notification.
	// Anything left after allocation is banked as overpayment credit.
	IngestNotification(ctx context.Context, n domain.Notification) (*reconcile.PaymentResult, error)

	// RecordManual records a payment captured by staff (cash, bank
	// slip). The remainder stays on the payment for later invoices.
	RecordManual(ctx context.Context, req ManualPaymentRequest) (*reconcile.PaymentResult, error)

	History(ctx context.Context, clientID snowflake.ID, limit, offset int) ([]*domain.Payment, error)
	Allocations(ctx context.Context, paymentID snowflake.ID) ([]*domain.Allocation, error)
	Get(ctx context.Context, id snowflake.ID) (*domain.Payment, error)
}

type ManualPaymentRequest struct {
	ClientID              snowflake.ID    `json:"client_id,string" binding:"required"`
	Amount                decimal.Decimal `json:"amount" binding:"required"`
	Method                string          `json:"method"`
	ExternalTransactionID string          `json:"external_transaction_id"`
	PayerName             string          `json:"payer_name"`
	ReceivedAt            *time.Time      `json:"received_at"`
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Clients    clientrepo.Repository
	Payments   repository.Repository
	Engine     *reconcile.Engine
	Dispatcher notify.Dispatcher
	Metrics    *metrics.Metrics
}

type service struct {
	log        *zap.Logger
	clock      clock.Clock
	clients    clientrepo.Repository
	payments   repository.Repository
	engine     *reconcile.Engine
	dispatcher notify.Dispatcher
	metrics    *metrics.Metrics
}

func NewService(p Params) Service {
	return &service{
		log:        p.Log.Named("payment.service"),
		clock:      p.Clock,
		clients:    p.Clients,
		payments:   p.Payments,
		engine:     p.Engine,
		dispatcher: p.Dispatcher,
		metrics:    p.Metrics,
	}
}

func (s *service) IngestNotification(ctx context.Context, n domain.Notification) (*reconcile.PaymentResult, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}

	client, err := s.clients.FindByAccountNumber(ctx, n.AccountNumber)
	if err != nil {
		s.metrics.UnknownAccounts.Inc()
		s.log.Warn("payment notification for unknown account",
			zap.String("account_number", n.AccountNumber),
			zap.String("external_transaction_id", n.ExternalTransactionID),
		)
		return nil, err
	}

	result, err := s.engine.IngestPayment(ctx, client, n, true)
	if err != nil {
		return nil, err
	}
	if result.Duplicate {
		return result, domain.ErrDuplicateTransaction
	}

	// Notifications ride outside the transaction; a mail failure never
	// unwinds an allocation.
	s.dispatchAfterPayment(ctx, client.Email, client.Name, result)
	return result, nil
}

func (s *service) RecordManual(ctx context.Context, req ManualPaymentRequest) (*reconcile.PaymentResult, error) {
	client, err := s.clients.FindByID(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}

	externalID := strings.TrimSpace(req.ExternalTransactionID)
	if externalID == "" {
		externalID = "MANUAL-" + strings.ToUpper(uuid.NewString()[:13])
	}
	receivedAt := s.clock.Now()
	if req.ReceivedAt != nil {
		receivedAt = *req.ReceivedAt
	}
	method := domain.MethodCash
	if req.Method != "" {
		method = domain.Method(strings.ToLower(req.Method))
	}

	n := domain.Notification{
		AccountNumber:         client.AccountNumber,
		Amount:                req.Amount,
		ExternalTransactionID: externalID,
		Method:                method,
		PayerName:             req.PayerName,
		ReceivedAt:            receivedAt,
	}
	if err := n.Validate(); err != nil {
		return nil, err
	}

	result, err := s.engine.IngestPayment(ctx, client, n, false)
	if err != nil {
		return nil, err
	}
	if result.Duplicate {
		return result, domain.ErrDuplicateTransaction
	}

	s.dispatchAfterPayment(ctx, client.Email, client.Name, result)
	return result, nil
}

func (s *service) dispatchAfterPayment(ctx context.Context, email, name string, result *reconcile.PaymentResult) {
	if email == "" {
		return
	}
	for _, inv := range result.SettledInvoices {
		if err := s.dispatcher.InvoiceSettled(ctx, email, name, inv); err != nil {
			s.log.Warn("invoice settled notification failed",
				zap.String("invoice_number", inv.InvoiceNumber), zap.Error(err))
		}
	}
	if result.BankedCredit.IsPositive() {
		if err := s.dispatcher.CreditBanked(ctx, email, name, result.BankedCredit); err != nil {
			s.log.Warn("credit banked notification failed", zap.Error(err))
		}
	}
}

func (s *service) History(ctx context.Context, clientID snowflake.ID, limit, offset int) ([]*domain.Payment, error) {
	return s.payments.ListByClient(ctx, clientID, limit, offset)
}

func (s *service) Allocations(ctx context.Context, paymentID snowflake.ID) ([]*domain.Allocation, error) {
	if _, err := s.payments.FindByID(ctx, paymentID); err != nil {
		return nil, err
	}
	return s.payments.ListAllocations(ctx, paymentID)
}

func (s *service) Get(ctx context.Context, id snowflake.ID) (*domain.Payment, error) {
	return s.payments.FindByID(ctx, id)
}
