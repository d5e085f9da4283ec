package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/socialstore/internal/config"
	"github.com/MarcoPoloResearchLab/socialstore/storage"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Options selects the driver and connection string.
type Options struct {
	Driver string
	DSN    string
}

// Open establishes a gorm connection for the configured driver. Schema changes are left to Migrate.
func Open(options Options, logger *zap.Logger) (*gorm.DB, error) {
	dsn := strings.TrimSpace(options.DSN)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	var dialector gorm.Dialector
	switch options.Driver {
	case config.DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case config.DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", options.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	if options.Driver != config.DriverPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if logger != nil {
		logger.Info("database opened", zap.String("driver", db.Name()))
	}
	return db, nil
}

// Migrate creates or updates the adapter tables and applies pending data migrations.
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	if err := storage.AutoMigrate(db); err != nil {
		return err
	}
	if err := db.AutoMigrate(&migrationRecord{}); err != nil {
		return err
	}
	return applyMigrations(db, logger)
}

// Close releases the pooled connections behind db.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
