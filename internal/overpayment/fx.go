package overpayment

import (
	"go.uber.org/fx"

	"github.com/takahq/takaops/internal/overpayment/repository"
)

var Module = fx.Module("overpayment",
	fx.Provide(repository.NewRepository),
)
