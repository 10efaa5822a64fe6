package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/takahq/takaops/internal/config"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		// Versioned migrations are written for postgres. Other dialects
		// (sqlite in tests) build their schema with AutoMigrate.
		if cfg.DBType != "postgres" && cfg.DBType != "" {
			return nil
		}
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
