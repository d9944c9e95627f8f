package migration

import (
	"github.com/deinte/peppolsub/internal/config"
	dispatchdomain "github.com/deinte/peppolsub/internal/dispatch/domain"
	identitydomain "github.com/deinte/peppolsub/internal/identity/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// The versioned migrations target PostgreSQL. Other dialects
			// (SQLite in tests, MySQL deployments) derive the schema from
			// the models directly.
			return conn.AutoMigrate(
				&dispatchdomain.InvoiceDispatch{},
				&dispatchdomain.ActivityLog{},
				&identitydomain.RecipientIdentity{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
