package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/fx"
)

// Module provides the billing metrics set backed by the default registry.
var Module = fx.Module("metrics",
	fx.Provide(NewDefault),
)

// Metrics holds the counters the billing engine reports.
type Metrics struct {
	PaymentsIngested       *prometheus.CounterVec
	DuplicateNotifications prometheus.Counter
	UnknownAccounts        prometheus.Counter
	InvoicesGenerated      prometheus.Counter
	DuplicateInvoices      prometheus.Counter
	OverpaymentsCreated    prometheus.Counter
	CreditApplied          prometheus.Counter
	AllocationFailures     prometheus.Counter
	BillingRuns            *prometheus.CounterVec
}

func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer)
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PaymentsIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "takaops",
			Subsystem: "billing",
			Name:      "payments_ingested_total",
			Help:      "Payments accepted for allocation, by method.",
		}, []string{"method"}),
		DuplicateNotifications: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "takaops",
			Subsystem: "billing",
			Name:      "duplicate_notifications_total",
			Help:      "Payment notifications discarded as replays.",
		}),
		UnknownAccounts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "takaops",
			Subsystem: "billing",
			Name:      "unknown_accounts_total",
			Help:      "Payment notifications referencing no known account.",
		}),
		InvoicesGenerated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "takaops",
			Subsystem: "billing",
			Name:      "invoices_generated_total",
			Help:      "Invoices created by the monthly generator.",
		}),
		DuplicateInvoices: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "takaops",
			Subsystem: "billing",
			Name:      "duplicate_invoices_total",
			Help:      "Invoice creations skipped because the period already exists.",
		}),
		OverpaymentsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "takaops",
			Subsystem: "billing",
			Name:      "overpayments_created_total",
			Help:      "Overpayment credits banked from payment remainders.",
		}),
		CreditApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "takaops",
			Subsystem: "billing",
			Name:      "credit_applications_total",
			Help:      "Overpayment credit applications to invoices.",
		}),
		AllocationFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "takaops",
			Subsystem: "billing",
			Name:      "allocation_failures_total",
			Help:      "Allocation attempts aborted by an invariant violation.",
		}),
		BillingRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "takaops",
			Subsystem: "billing",
			Name:      "runs_total",
			Help:      "Billing run outcomes.",
		}, []string{"job", "status"}),
	}
}
