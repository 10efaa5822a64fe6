package billingrun

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
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
	"github.com/takahq/takaops/internal/ratelimit"
	"github.com/takahq/takaops/internal/reconcile"
)

const runLockKey = "billingrun:leader"

var ErrInvalidConfig = errors.New("billingrun: missing dependency")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Billing    *config.BillingConfigHolder
	Clients    clientrepo.Repository
	Invoices   invoicerepo.Repository
	Engine     *reconcile.Engine
	Dispatcher notify.Dispatcher
	Metrics    *metrics.Metrics
	Locker     *ratelimit.Locker `optional:"true"`
}

// Runner drives the periodic billing jobs: monthly invoice generation
// and the due status sweep.
type Runner struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	billing    *config.BillingConfigHolder
	clients    clientrepo.Repository
	invoices   invoicerepo.Repository
	engine     *reconcile.Engine
	dispatcher notify.Dispatcher
	metrics    *metrics.Metrics
	locker     *ratelimit.Locker
}

func New(p Params) (*Runner, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Billing == nil ||
		p.Clients == nil || p.Invoices == nil || p.Engine == nil ||
		p.Dispatcher == nil || p.Metrics == nil {
		return nil, ErrInvalidConfig
	}
	return &Runner{
		db:         p.DB,
		log:        p.Log.Named("billingrun"),
		clock:      p.Clock,
		billing:    p.Billing,
		clients:    p.Clients,
		invoices:   p.Invoices,
		engine:     p.Engine,
		dispatcher: p.Dispatcher,
		metrics:    p.Metrics,
		locker:     p.Locker,
	}, nil
}

// RunOnce executes one tick of every enabled job. Job failures are
// joined, not short-circuited; one broken client never stalls the rest.
func (r *Runner) RunOnce(ctx context.Context) error {
	cfg := r.billing.Current()

	var err error
	if cfg.GenerateEnabled {
		err = errors.Join(err, r.runJob(ctx, "generate_invoices", r.GenerateInvoicesJob))
	}
	err = errors.Join(err, r.runJob(ctx, "due_status_sweep", r.DueStatusSweepJob))
	return err
}

func (r *Runner) runJob(parent context.Context, name string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, 5*time.Minute)
	defer cancel()

	start := r.clock.Now()
	err := fn(ctx)
	if err != nil {
		r.metrics.BillingRuns.WithLabelValues(name, "error").Inc()
		r.log.Warn("job finished with errors",
			zap.String("job", name),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
		return fmt.Errorf("%s: %w", name, err)
	}
	r.metrics.BillingRuns.WithLabelValues(name, "ok").Inc()
	r.log.Info("job finished",
		zap.String("job", name),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// GenerateInvoicesJob raises the current service month's invoice for
// every billable client. Reruns are no-ops thanks to the per-period
// uniqueness guard.
func (r *Runner) GenerateInvoicesJob(ctx context.Context) error {
	clients, err := r.clients.ListActiveBillable(ctx)
	if err != nil {
		return fmt.Errorf("list billable clients: %w", err)
	}

	var errs error
	generated := 0
	for _, client := range clients {
		created, err := r.processClient(ctx, client)
		if err != nil {
			errs = errors.Join(errs, fmt.Errorf("client %d: %w", client.ID.Int64(), err))
			continue
		}
		if created {
			generated++
		}
	}

	r.log.Info("invoice generation pass complete",
		zap.Int("clients", len(clients)),
		zap.Int("generated", generated),
	)
	return errs
}

func (r *Runner) processClient(ctx context.Context, client *clientdomain.Client) (bool, error) {
	if !client.Billable() {
		return false, nil
	}

	now := r.clock.Now()
	start := invoicedomain.Midnight(*client.ServiceStartDate)
	months := monthsSince(start, now)
	if months < 0 {
		// Service has not started yet.
		return false, nil
	}

	cfg := r.billing.Current()
	periodStart := start.AddDate(0, months, 0)
	graceDays := client.GraceDays(cfg.DefaultGracePeriodDays)

	result, err := r.engine.CreateAndFundInvoice(ctx, client, periodStart, client.MonthlyRate, graceDays)
	if err != nil {
		return false, err
	}
	if result.Duplicate {
		return false, nil
	}

	if client.Email != "" {
		if err := r.dispatcher.InvoiceIssued(ctx, client.Email, client.Name, result.Invoice); err != nil {
			r.log.Warn("invoice email failed",
				zap.String("invoice_number", result.Invoice.InvoiceNumber),
				zap.Error(err),
			)
		} else if err := r.invoices.MarkEmailSent(ctx, result.Invoice.ID, now); err != nil {
			r.log.Warn("mark email sent failed", zap.Error(err))
		}

		applied := result.PaymentsApplied.Add(result.CreditApplied)
		if applied.IsPositive() {
			if err := r.dispatcher.OverpaymentApplied(ctx, client.Email, client.Name, result.Invoice, applied); err != nil {
				r.log.Warn("overpayment applied email failed",
					zap.String("invoice_number", result.Invoice.InvoiceNumber),
					zap.Error(err),
				)
			}
		}
	}
	return true, nil
}

// DueStatusSweepJob moves invoices along upcoming -> due -> overdue as
// the calendar advances. It only ever touches the due status column.
func (r *Runner) DueStatusSweepJob(ctx context.Context) error {
	now := r.clock.Now()
	cfg := r.billing.Current()

	stale, err := r.invoices.ListDueStatusStale(ctx, now, cfg.SweepBatchSize)
	if err != nil {
		return fmt.Errorf("list stale invoices: %w", err)
	}

	var errs error
	transitioned := 0
	for _, inv := range stale {
		previous := inv.DueStatus
		inv.Recalculate(now)
		if inv.DueStatus == previous {
			continue
		}
		if err := r.invoices.UpdateDueStatus(ctx, inv.ID, inv.DueStatus); err != nil {
			errs = errors.Join(errs, fmt.Errorf("invoice %d: %w", inv.ID.Int64(), err))
			continue
		}
		transitioned++
		if inv.DueStatus == invoicedomain.DueOverdue {
			r.notifyOverdue(ctx, inv)
		}
	}

	if transitioned > 0 {
		r.log.Info("due status sweep complete",
			zap.Int("checked", len(stale)),
			zap.Int("transitioned", transitioned),
		)
	}
	return errs
}

func (r *Runner) notifyOverdue(ctx context.Context, inv *invoicedomain.Invoice) {
	client, err := r.clients.FindByID(ctx, inv.ClientID)
	if err != nil || client.Email == "" {
		return
	}
	if err := r.dispatcher.InvoiceOverdue(ctx, client.Email, client.Name, inv); err != nil {
		r.log.Warn("overdue email failed",
			zap.String("invoice_number", inv.InvoiceNumber),
			zap.Error(err),
		)
	}
}

// RunForever ticks RunOnce at the configured interval until ctx ends.
// With redis configured, replicas elect a leader per tick.
func (r *Runner) RunForever(ctx context.Context) {
	interval := r.billing.Current().RunInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r.runLeader(ctx, interval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) runLeader(ctx context.Context, ttl time.Duration) {
	if r.locker != nil {
		token, ok, err := r.locker.TryLock(ctx, runLockKey, ttl)
		if err != nil {
			r.log.Warn("leader lock failed, running anyway", zap.Error(err))
		} else if !ok {
			r.log.Debug("another replica holds the billing run lock")
			return
		} else {
			defer func() {
				if err := r.locker.Release(ctx, runLockKey, token); err != nil {
					r.log.Warn("leader lock release failed", zap.Error(err))
				}
			}()
		}
	}

	if err := r.RunOnce(ctx); err != nil {
		r.log.Warn("billing run failed", zap.Error(err))
	}
}

// monthsSince counts whole calendar months from start to now, ignoring
// the day of month, matching how service anniversaries are billed.
func monthsSince(start, now time.Time) int {
	start = invoicedomain.Midnight(start)
	now = invoicedomain.Midnight(now)
	return (now.Year()-start.Year())*12 + int(now.Month()) - int(start.Month())
}
