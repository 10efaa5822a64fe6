package invoice

import (
	"go.uber.org/fx"

	"github.com/takahq/takaops/internal/invoice/repository"
	"github.com/takahq/takaops/internal/invoice/service"
)

var Module = fx.Module("invoice",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
