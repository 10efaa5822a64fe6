package notify

import (
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/takahq/takaops/internal/config"
)

var Module = fx.Module("notify",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config, log *zap.Logger) Dispatcher {
	if !cfg.NotificationsEnabled || cfg.SMTPHost == "" {
		log.Named("notify").Info("email notifications disabled")
		return NoopDispatcher{}
	}
	return NewEmailDispatcher(SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	}, log)
}
