package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/takahq/takaops/internal/billingrun"
	clientservice "github.com/takahq/takaops/internal/client/service"
	"github.com/takahq/takaops/internal/config"
	invoiceservice "github.com/takahq/takaops/internal/invoice/service"
	overpaymentrepo "github.com/takahq/takaops/internal/overpayment/repository"
	paymentservice "github.com/takahq/takaops/internal/payment/service"
	"github.com/takahq/takaops/internal/payment/webhook"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

// Server wires the HTTP surface to the billing services.
type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	clientSvc   clientservice.Service
	invoiceSvc  invoiceservice.Service
	paymentSvc  paymentservice.Service
	credits     overpaymentrepo.Repository
	mpesa       *webhook.Handler
	billingRuns *billingrun.Runner
}

type ServerParams struct {
	fx.In

	Gin         *gin.Engine
	Cfg         config.Config
	Log         *zap.Logger
	ClientSvc   clientservice.Service
	InvoiceSvc  invoiceservice.Service
	PaymentSvc  paymentservice.Service
	Credits     overpaymentrepo.Repository
	Mpesa       *webhook.Handler
	BillingRuns *billingrun.Runner
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("http"),
		clientSvc:   p.ClientSvc,
		invoiceSvc:  p.InvoiceSvc,
		paymentSvc:  p.PaymentSvc,
		credits:     p.Credits,
		mpesa:       p.Mpesa,
		billingRuns: p.BillingRuns,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	hooks := s.engine.Group("/webhooks/mpesa")
	{
		hooks.POST("/validation", s.mpesa.Validation)
		hooks.POST("/confirmation", s.mpesa.Confirmation)
	}

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/clients", s.createClient)
		v1.GET("/clients", s.listClients)
		v1.GET("/clients/:id", s.getClient)
		v1.GET("/clients/:id/invoices", s.listClientInvoices)
		v1.GET("/clients/:id/payments", s.listClientPayments)
		v1.GET("/clients/:id/overpayments", s.listClientOverpayments)
		v1.GET("/clients/:id/overview", s.clientOverview)
		v1.GET("/clients/:id/statement", s.clientStatement)

		v1.POST("/invoices", s.createInvoice)
		v1.GET("/invoices/:id", s.getInvoice)

		v1.POST("/payments", s.recordManualPayment)
		v1.GET("/payments/:id", s.getPayment)
		v1.GET("/payments/:id/allocations", s.listPaymentAllocations)

		v1.POST("/billing/run", s.triggerBillingRun)
	}
}

func run(lc fx.Lifecycle, cfg config.Config, log *zap.Logger, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
