package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeSyncStatus = "2026-09-14_normalize_sync_status"

	eventRecordsTable = "event_records"
)

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
		{name: migrationNormalizeSyncStatus, apply: normalizeSyncStatus},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeSyncStatus rewrites offline and error rows to pending; neither was ever acknowledged.
// Databases without the device record table (the relay) are left alone.
func normalizeSyncStatus(db *gorm.DB) error {
	if !db.Migrator().HasTable(eventRecordsTable) {
		return nil
	}
	return db.Table(eventRecordsTable).
		Where("sync_status IN ?", []string{"offline", "error"}).
		Update("sync_status", "pending").Error
}
