package changelog

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("changelog: database handle is required")
	noOpLogger         = zap.NewNop()
)

// StoreConfig configures the durable change log store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store persists the per-workspace change log and version counter. One store
// serves every workspace; callers scope each operation by workspace id.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore validates the configuration and returns a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Load reads the full change log and version counter for one workspace in
// ascending version order. A workspace with no history yields an empty log
// and version 0.
func (s *Store) Load(ctx context.Context, workspaceID WorkspaceID) ([]ChangeRecord, int64, error) {
	var records []ChangeRecord
	if err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID.String()).
		Order("version ASC").
		Find(&records).Error; err != nil {
		s.logger.Error("change log load failed",
			zap.String("workspace_id", workspaceID.String()), zap.Error(err))
		return nil, 0, err
	}

	var counter VersionCounter
	err := s.db.WithContext(ctx).
		Where("workspace_id = ?", workspaceID.String()).
		Take(&counter).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		counter.CurrentVersion = 0
	} else if err != nil {
		s.logger.Error("version counter load failed",
			zap.String("workspace_id", workspaceID.String()), zap.Error(err))
		return nil, 0, err
	}

	version := counter.CurrentVersion
	if last := len(records); last > 0 && records[last-1].Version > version {
		version = records[last-1].Version
	}
	return records, version, nil
}

// Append writes an accepted batch and the advanced version counter in one
// transaction. Records must already carry their server-assigned versions;
// version is the counter value after the batch.
func (s *Store) Append(ctx context.Context, workspaceID WorkspaceID, records []ChangeRecord, version int64) error {
	if len(records) == 0 {
		return nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&records).Error; err != nil {
			return err
		}
		counter := VersionCounter{WorkspaceID: workspaceID.String(), CurrentVersion: version}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "workspace_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"current_version"}),
		}).Create(&counter).Error
	})
	if err != nil {
		s.logger.Error("change log append failed",
			zap.String("workspace_id", workspaceID.String()),
			zap.Int("batch_size", len(records)),
			zap.Error(err))
		return err
	}
	return nil
}
