package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	clientdomain "github.com/takahq/takaops/internal/client/domain"
	clientrepo "github.com/takahq/takaops/internal/client/repository"
	"github.com/takahq/takaops/internal/clock"
	"github.com/takahq/takaops/internal/config"
	"github.com/takahq/takaops/internal/invoice/domain"
	invoicerepo "github.com/takahq/takaops/internal/invoice/repository"
	"github.com/takahq/takaops/internal/notify"
	"github.com/takahq/takaops/internal/observability/metrics"
	overpaymentdomain "github.com/takahq/takaops/internal/overpayment/domain"
	overpaymentrepo "github.com/takahq/takaops/internal/overpayment/repository"
	paymentdomain "github.com/takahq/takaops/internal/payment/domain"
	paymentrepo "github.com/takahq/takaops/internal/payment/repository"
	"github.com/takahq/takaops/internal/reconcile"
)

type recordingDispatcher struct {
	notify.NoopDispatcher

	issued         int
	appliedInvoice *domain.Invoice
	appliedAmount  decimal.Decimal
}

func (d *recordingDispatcher) InvoiceIssued(context.Context, string, string, *domain.Invoice) error {
	d.issued++
	return nil
}

func (d *recordingDispatcher) OverpaymentApplied(_ context.Context, _, _ string, inv *domain.Invoice, amount decimal.Decimal) error {
	d.appliedInvoice = inv
	d.appliedAmount = amount
	return nil
}

type invoiceFixture struct {
	svc        Service
	engine     *reconcile.Engine
	db         *gorm.DB
	node       *snowflake.Node
	clock      *clock.FakeClock
	dispatcher *recordingDispatcher
}

func newInvoiceFixture(t *testing.T) *invoiceFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, gdb.AutoMigrate(
		&clientdomain.Client{},
		&domain.Invoice{},
		&paymentdomain.Payment{},
		&paymentdomain.Allocation{},
		&overpaymentdomain.Overpayment{},
		&overpaymentdomain.Application{},
	))

	node, err := snowflake.NewNode(4)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))

	clients := clientrepo.NewRepository(clientrepo.Params{DB: gdb})
	invoices := invoicerepo.NewRepository(invoicerepo.Params{DB: gdb})
	payments := paymentrepo.NewRepository(paymentrepo.Params{DB: gdb})
	credits := overpaymentrepo.NewRepository(overpaymentrepo.Params{DB: gdb})
	m := metrics.New(prometheus.NewRegistry())

	engine := reconcile.NewEngine(reconcile.Params{
		DB:       gdb,
		Log:      zap.NewNop(),
		GenID:    node,
		Clock:    fc,
		Clients:  clients,
		Invoices: invoices,
		Payments: payments,
		Credits:  credits,
		Metrics:  m,
	})

	holder := config.NewBillingConfigHolder()
	dispatcher := &recordingDispatcher{}
	svc := NewService(Params{
		Log:        zap.NewNop(),
		Clock:      fc,
		Billing:    holder,
		Clients:    clients,
		Invoices:   invoices,
		Payments:   payments,
		Credits:    credits,
		Engine:     engine,
		Dispatcher: dispatcher,
	})

	return &invoiceFixture{svc: svc, engine: engine, db: gdb, node: node, clock: fc, dispatcher: dispatcher}
}

func (f *invoiceFixture) seedClient(t *testing.T, account string, rate string) *clientdomain.Client {
	t.Helper()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	client := &clientdomain.Client{
		ID:               f.node.Generate(),
		Name:             "Karen Grove School",
		Email:            "accounts@karengrove.example",
		AccountNumber:    account,
		ClientType:       clientdomain.TypeCommercial,
		MonthlyRate:      decimal.RequireFromString(rate),
		ServiceStartDate: &start,
		IsActive:         true,
	}
	require.NoError(t, f.db.Create(client).Error)
	return client
}

func TestCreateUsesMonthlyRateAndDefaultGrace(t *testing.T) {
	f := newInvoiceFixture(t)
	client := f.seedClient(t, "COM000501", "4000")

	result, err := f.svc.Create(context.Background(), CreateInvoiceRequest{
		ClientID:    client.ID,
		PeriodStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	inv := result.Invoice
	assert.True(t, inv.TotalAmount.Equal(decimal.RequireFromString("4000")))
	assert.True(t, inv.DueDate.Equal(time.Date(2024, 4, 5, 0, 0, 0, 0, time.UTC)))
	assert.Contains(t, inv.InvoiceNumber, "INV-202403-")
}

func TestCreateDuplicatePeriodSurfacesSentinel(t *testing.T) {
	f := newInvoiceFixture(t)
	client := f.seedClient(t, "COM000502", "4000")

	req := CreateInvoiceRequest{
		ClientID:    client.ID,
		PeriodStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	_, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)

	result, err := f.svc.Create(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrDuplicateInvoice)
	require.NotNil(t, result)
	assert.True(t, result.Duplicate)
}

func TestCreateWithAmountOverride(t *testing.T) {
	f := newInvoiceFixture(t)
	client := f.seedClient(t, "COM000503", "4000")

	override := decimal.RequireFromString("750.50")
	result, err := f.svc.Create(context.Background(), CreateInvoiceRequest{
		ClientID:    client.ID,
		PeriodStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		Amount:      &override,
	})
	require.NoError(t, err)
	assert.True(t, result.Invoice.TotalAmount.Equal(override))
}

func TestCreateWithExplicitDates(t *testing.T) {
	f := newInvoiceFixture(t)
	client := f.seedClient(t, "COM000508", "4000")

	periodEnd := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	dueDate := time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)
	result, err := f.svc.Create(context.Background(), CreateInvoiceRequest{
		ClientID:    client.ID,
		PeriodStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   &periodEnd,
		DueDate:     &dueDate,
	})
	require.NoError(t, err)

	inv := result.Invoice
	assert.True(t, inv.PeriodEnd.Equal(periodEnd))
	assert.True(t, inv.DueDate.Equal(dueDate))

	// Due status follows the explicit dates: March 10 is before the
	// shortened period end, so the invoice is still upcoming.
	assert.Equal(t, domain.DueUpcoming, inv.DueStatus)

	persisted, err := f.svc.Get(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.True(t, persisted.DueDate.Equal(dueDate))
}

func TestOverviewAggregates(t *testing.T) {
	f := newInvoiceFixture(t)
	client := f.seedClient(t, "COM000504", "4000")

	_, err := f.svc.Create(context.Background(), CreateInvoiceRequest{
		ClientID:    client.ID,
		PeriodStart: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	// 5000 pays off February's 4000 and banks 1000 of credit.
	_, err = f.engine.IngestPayment(context.Background(), client, paymentdomain.Notification{
		AccountNumber:         client.AccountNumber,
		Amount:                decimal.RequireFromString("5000"),
		ExternalTransactionID: "SBC1KQX300",
		Method:                paymentdomain.MethodMpesa,
		ReceivedAt:            f.clock.Now(),
	}, true)
	require.NoError(t, err)

	_, err = f.svc.Create(context.Background(), CreateInvoiceRequest{
		ClientID:    client.ID,
		PeriodStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	overview, err := f.svc.Overview(context.Background(), client.ID)
	require.NoError(t, err)

	assert.True(t, overview.TotalBilled.Equal(decimal.RequireFromString("8000")))
	// 4000 from the payment, 1000 of applied credit.
	assert.True(t, overview.TotalPaid.Equal(decimal.RequireFromString("5000")))
	assert.True(t, overview.TotalOutstanding.Equal(decimal.RequireFromString("3000")))
	assert.True(t, overview.CreditBalance.IsZero())
}

func TestStatementInterleavesActivity(t *testing.T) {
	f := newInvoiceFixture(t)
	client := f.seedClient(t, "COM000505", "4000")

	_, err := f.svc.Create(context.Background(), CreateInvoiceRequest{
		ClientID:    client.ID,
		PeriodStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	_, err = f.engine.IngestPayment(context.Background(), client, paymentdomain.Notification{
		AccountNumber:         client.AccountNumber,
		Amount:                decimal.RequireFromString("4500"),
		ExternalTransactionID: "SBC1KQX301",
		Method:                paymentdomain.MethodMpesa,
		ReceivedAt:            f.clock.Now(),
	}, true)
	require.NoError(t, err)

	statement, err := f.svc.Statement(context.Background(), client.ID)
	require.NoError(t, err)

	kinds := map[string]int{}
	for _, entry := range statement.Entries {
		kinds[entry.Kind]++
	}
	assert.Equal(t, 1, kinds["invoice"])
	assert.Equal(t, 1, kinds["payment"])
	assert.Equal(t, 1, kinds["credit"])
}

func TestCreateNotifiesWhenCreditFundsInvoice(t *testing.T) {
	f := newInvoiceFixture(t)
	client := f.seedClient(t, "COM000506", "4000")

	// Bank 1500 of credit with nothing outstanding.
	_, err := f.engine.IngestPayment(context.Background(), client, paymentdomain.Notification{
		AccountNumber:         client.AccountNumber,
		Amount:                decimal.RequireFromString("1500"),
		ExternalTransactionID: "SBC1KQX302",
		Method:                paymentdomain.MethodMpesa,
		ReceivedAt:            f.clock.Now(),
	}, true)
	require.NoError(t, err)

	result, err := f.svc.Create(context.Background(), CreateInvoiceRequest{
		ClientID:    client.ID,
		PeriodStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.dispatcher.issued)
	require.NotNil(t, f.dispatcher.appliedInvoice)
	assert.Equal(t, result.Invoice.ID, f.dispatcher.appliedInvoice.ID)
	assert.True(t, f.dispatcher.appliedAmount.Equal(decimal.RequireFromString("1500")))
}

func TestCreateSkipsAppliedNoticeWhenNothingFunded(t *testing.T) {
	f := newInvoiceFixture(t)
	client := f.seedClient(t, "COM000507", "4000")

	_, err := f.svc.Create(context.Background(), CreateInvoiceRequest{
		ClientID:    client.ID,
		PeriodStart: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, 1, f.dispatcher.issued)
	assert.Nil(t, f.dispatcher.appliedInvoice)
}

func TestOverviewUnknownClient(t *testing.T) {
	f := newInvoiceFixture(t)

	_, err := f.svc.Overview(context.Background(), snowflake.ID(999))
	assert.ErrorIs(t, err, clientdomain.ErrClientNotFound)
}
