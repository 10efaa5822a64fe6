package log

import (
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/takahq/takaops/internal/config"
)

// Module provides the application logger.
var Module = fx.Module("log",
	fx.Provide(NewLogger),
)

// NewLogger builds the root zap logger. Production uses JSON at info,
// everything else gets the development console encoder at debug.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if cfg.IsProduction() {
		zcfg = zap.NewProductionConfig()
		zcfg.EncoderConfig.TimeKey = "ts"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}

	logger, err := zcfg.Build(
		zap.Fields(
			zap.String("service", cfg.AppName),
			zap.String("version", cfg.AppVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	zap.ReplaceGlobals(logger)
	return logger, nil
}
