package payment

import (
	"go.uber.org/fx"

	"github.com/takahq/takaops/internal/payment/repository"
	"github.com/takahq/takaops/internal/payment/service"
	"github.com/takahq/takaops/internal/payment/webhook"
)

var Module = fx.Module("payment",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
	fx.Provide(webhook.NewHandler),
)
