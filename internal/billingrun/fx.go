package billingrun

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("billingrun",
	fx.Provide(New),
	fx.Invoke(StartRunner),
)

func StartRunner(lc fx.Lifecycle, runner *Runner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go runner.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})
			return nil
		},
	})
}
