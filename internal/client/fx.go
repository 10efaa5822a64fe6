package client

import (
	"go.uber.org/fx"

	"github.com/takahq/takaops/internal/client/repository"
	"github.com/takahq/takaops/internal/client/service"
)

var Module = fx.Module("client",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
