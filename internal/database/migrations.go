package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/socialstore/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeExtraData   = "2026-03-01_normalize_social_auth_extra_data"
	migrationNormalizePartialData = "2026-03-01_normalize_partial_data"
)

// Rows written by older tooling may hold NULL, an empty string or a JSON null.
var emptyJSONMarkers = []string{"", "null"}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeExtraData, apply: normalizeExtraData},
		{name: migrationNormalizePartialData, apply: normalizePartialData},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

func normalizeExtraData(db *gorm.DB) error {
	return db.Model(&storage.UserSocialAuth{}).
		Where("extra_data IS NULL OR TRIM(extra_data) IN ?", emptyJSONMarkers).
		Update("extra_data", storage.JSONData{}).Error
}

func normalizePartialData(db *gorm.DB) error {
	return db.Model(&storage.Partial{}).
		Where("data IS NULL OR TRIM(data) IN ?", emptyJSONMarkers).
		Update("data", storage.JSONData{}).Error
}
