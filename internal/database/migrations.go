package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillVersionCounters = "2026-08-12_backfill_version_counters"

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
		{name: migrationBackfillVersionCounters, apply: backfillVersionCounters},
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

// backfillVersionCounters seeds a counter row for any workspace that has
// change rows but predates the workspace_versions table.
func backfillVersionCounters(db *gorm.DB) error {
	return db.Exec(
		"INSERT INTO workspace_versions (workspace_id, current_version) " +
			"SELECT workspace_id, MAX(version) FROM workspace_changes " +
			"WHERE workspace_id NOT IN (SELECT workspace_id FROM workspace_versions) " +
			"GROUP BY workspace_id;",
	).Error
}
