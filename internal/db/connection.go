package db

import (
	"fmt"

	"github.com/deckflow/backend/internal/config"
	"github.com/deckflow/backend/internal/logger"
	"github.com/deckflow/backend/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Connect opens the configured database.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "sqlite":
		dialector = sqlite.Open(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Error),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if cfg.Driver == "sqlite" {
		// sqlite allows one writer; serialize through a single connection.
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	logger.Info("Database connected", map[string]interface{}{"driver": cfg.Driver})
	return conn, nil
}

// activeKeyIndex keeps at most one non-terminal analysis per user and job key.
const activeKeyIndex = `CREATE UNIQUE INDEX IF NOT EXISTS idx_analyses_active_user_job_key
ON analyses (user_id, job_key) WHERE status IN ('pending', 'processing', 'context_ready')`

// AutoMigrate runs database migrations
func AutoMigrate(conn *gorm.DB) error {
	for _, model := range []interface{}{
		&models.Document{},
		&models.Analysis{},
		&models.WorkflowStepLog{},
	} {
		if err := conn.AutoMigrate(model); err != nil {
			return fmt.Errorf("migrate %T: %w", model, err)
		}
		logger.Debug("Table migrated", map[string]interface{}{"model": fmt.Sprintf("%T", model)})
	}

	// Job keys used to be global; the per-user index replaces that one.
	if err := conn.Exec("DROP INDEX IF EXISTS idx_analyses_active_job_key").Error; err != nil {
		return fmt.Errorf("drop global job key index: %w", err)
	}
	if err := conn.Exec(activeKeyIndex).Error; err != nil {
		return fmt.Errorf("create active job key index: %w", err)
	}

	logger.Info("All database migrations completed successfully", nil)
	return nil
}

// Ping checks that the database is reachable.
func Ping(conn *gorm.DB) error {
	sqlDB, err := conn.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}
