package billingrun

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
	invoicedomain "github.com/takahq/takaops/internal/invoice/domain"
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
	appliedInvoice *invoicedomain.Invoice
	appliedAmount  decimal.Decimal
}

func (d *recordingDispatcher) InvoiceIssued(context.Context, string, string, *invoicedomain.Invoice) error {
	d.issued++
	return nil
}

func (d *recordingDispatcher) OverpaymentApplied(_ context.Context, _, _ string, inv *invoicedomain.Invoice, amount decimal.Decimal) error {
	d.appliedInvoice = inv
	d.appliedAmount = amount
	return nil
}

type runnerFixture struct {
	runner     *Runner
	engine     *reconcile.Engine
	db         *gorm.DB
	clock      *clock.FakeClock
	node       *snowflake.Node
	invoices   invoicerepo.Repository
	dispatcher *recordingDispatcher
}

func newRunnerFixture(t *testing.T) *runnerFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, gdb.AutoMigrate(
		&clientdomain.Client{},
		&invoicedomain.Invoice{},
		&paymentdomain.Payment{},
		&paymentdomain.Allocation{},
		&overpaymentdomain.Overpayment{},
		&overpaymentdomain.Application{},
	))

	node, err := snowflake.NewNode(2)
	require.NoError(t, err)
	fc := clock.NewFakeClock(time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC))

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
	cfg := config.DefaultBillingConfig()
	cfg.DefaultGracePeriodDays = 5
	holder.Override(cfg)

	dispatcher := &recordingDispatcher{}
	runner, err := New(Params{
		DB:         gdb,
		Log:        zap.NewNop(),
		Clock:      fc,
		Billing:    holder,
		Clients:    clients,
		Invoices:   invoices,
		Engine:     engine,
		Dispatcher: dispatcher,
		Metrics:    m,
	})
	require.NoError(t, err)

	return &runnerFixture{
		runner:     runner,
		engine:     engine,
		db:         gdb,
		clock:      fc,
		node:       node,
		invoices:   invoices,
		dispatcher: dispatcher,
	}
}

func (f *runnerFixture) seedClient(t *testing.T, account string, rate string, serviceStart time.Time) *clientdomain.Client {
	t.Helper()
	client := &clientdomain.Client{
		ID:               f.node.Generate(),
		Name:             "Green Estate",
		Email:            "billing@greenestate.example",
		AccountNumber:    account,
		ClientType:       clientdomain.TypeResidential,
		MonthlyRate:      decimal.RequireFromString(rate),
		ServiceStartDate: &serviceStart,
		IsActive:         true,
	}
	require.NoError(t, f.db.Create(client).Error)
	return client
}

func (f *runnerFixture) invoiceCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&invoicedomain.Invoice{}).Count(&n).Error)
	return n
}

func TestGenerateInvoicesJobBillsCurrentPeriod(t *testing.T) {
	f := newRunnerFixture(t)
	client := f.seedClient(t, "RES000201", "1500", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, f.runner.GenerateInvoicesJob(context.Background()))

	invoices, err := f.invoices.ListByClient(context.Background(), client.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, invoices, 1)

	inv := invoices[0]
	assert.True(t, inv.PeriodStart.Equal(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)))
	assert.True(t, inv.PeriodEnd.Equal(time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC)))
	assert.True(t, inv.DueDate.Equal(time.Date(2024, 4, 5, 0, 0, 0, 0, time.UTC)))
	assert.True(t, inv.TotalAmount.Equal(decimal.RequireFromString("1500")))
	assert.Equal(t, invoicedomain.StatusUnpaid, inv.PaymentStatus)
}

func TestGenerateInvoicesJobIsIdempotent(t *testing.T) {
	f := newRunnerFixture(t)
	f.seedClient(t, "RES000202", "1500", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, f.runner.GenerateInvoicesJob(context.Background()))
	require.NoError(t, f.runner.GenerateInvoicesJob(context.Background()))

	assert.EqualValues(t, 1, f.invoiceCount(t))
}

func TestGenerateInvoicesJobSkipsFutureServiceStart(t *testing.T) {
	f := newRunnerFixture(t)
	f.seedClient(t, "RES000203", "1500", time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, f.runner.GenerateInvoicesJob(context.Background()))

	assert.EqualValues(t, 0, f.invoiceCount(t))
}

func TestGenerateInvoicesJobBillsStartMonth(t *testing.T) {
	// A client whose service starts this month gets invoiced on the
	// first run of the month, not a month later.
	f := newRunnerFixture(t)
	f.seedClient(t, "RES000204", "1500", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, f.runner.GenerateInvoicesJob(context.Background()))

	assert.EqualValues(t, 1, f.invoiceCount(t))
}

func TestGenerateInvoicesJobSkipsInactiveAndUnconfiguredClients(t *testing.T) {
	f := newRunnerFixture(t)
	inactive := f.seedClient(t, "RES000205", "1500", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, f.db.Model(inactive).Update("is_active", false).Error)

	noStart := f.seedClient(t, "RES000206", "1500", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, f.db.Model(noStart).Update("service_start_date", nil).Error)

	require.NoError(t, f.runner.GenerateInvoicesJob(context.Background()))

	assert.EqualValues(t, 0, f.invoiceCount(t))
}

func TestGenerateInvoicesJobNotifiesAppliedCredit(t *testing.T) {
	f := newRunnerFixture(t)
	client := f.seedClient(t, "RES000206", "1500", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	// Credit banked before the first invoice exists.
	_, err := f.engine.IngestPayment(context.Background(), client, paymentdomain.Notification{
		AccountNumber:         client.AccountNumber,
		Amount:                decimal.RequireFromString("500"),
		ExternalTransactionID: "SBC1KQX200",
		Method:                paymentdomain.MethodMpesa,
		ReceivedAt:            f.clock.Now(),
	}, true)
	require.NoError(t, err)

	require.NoError(t, f.runner.GenerateInvoicesJob(context.Background()))

	assert.Equal(t, 1, f.dispatcher.issued)
	require.NotNil(t, f.dispatcher.appliedInvoice)
	assert.True(t, f.dispatcher.appliedAmount.Equal(decimal.RequireFromString("500")))
	assert.Equal(t, invoicedomain.StatusPartiallyPaid, f.dispatcher.appliedInvoice.PaymentStatus)
}

func TestDueStatusSweepTransitions(t *testing.T) {
	f := newRunnerFixture(t)
	f.clock.Set(time.Date(2024, 1, 2, 6, 0, 0, 0, time.UTC))
	client := f.seedClient(t, "RES000207", "1500", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, f.runner.GenerateInvoicesJob(context.Background()))
	invoices, err := f.invoices.ListByClient(context.Background(), client.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, invoices, 1)
	require.Equal(t, invoicedomain.DueUpcoming, invoices[0].DueStatus)
	invoiceID := invoices[0].ID

	// Period end reached: upcoming -> due.
	f.clock.Set(time.Date(2024, 2, 1, 6, 0, 0, 0, time.UTC))
	require.NoError(t, f.runner.DueStatusSweepJob(context.Background()))
	inv, err := f.invoices.FindByID(context.Background(), invoiceID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.Due, inv.DueStatus)

	// Grace period exhausted: due -> overdue.
	f.clock.Set(time.Date(2024, 2, 6, 6, 0, 0, 0, time.UTC))
	require.NoError(t, f.runner.DueStatusSweepJob(context.Background()))
	inv, err = f.invoices.FindByID(context.Background(), invoiceID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.DueOverdue, inv.DueStatus)

	// Sweep never touches money.
	assert.True(t, inv.RemainingBalance.Equal(decimal.RequireFromString("1500")))
	assert.Equal(t, invoicedomain.StatusUnpaid, inv.PaymentStatus)
}

func TestRunOnceJoinsJobFailures(t *testing.T) {
	f := newRunnerFixture(t)
	f.seedClient(t, "RES000208", "1500", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	require.NoError(t, f.runner.RunOnce(context.Background()))
	assert.EqualValues(t, 1, f.invoiceCount(t))
}
