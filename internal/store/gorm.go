package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/bengillihan/texttomp3/internal/model"
)

// GormStore implements Store on top of a Postgres database.
type GormStore struct {
	db *gorm.DB
}

// Open connects to Postgres and migrates the conversion tables.
func Open(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(
		&model.Conversion{},
		&model.ConversionMetrics{},
		&model.ConversionLog{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return &GormStore{db: db}, nil
}

// NewGormStore wraps an existing gorm connection.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// CreateConversion inserts a new conversion record
func (s *GormStore) CreateConversion(ctx context.Context, c *model.Conversion) error {
	return s.db.WithContext(ctx).Create(c).Error
}

// GetConversion retrieves a conversion by its internal ID
func (s *GormStore) GetConversion(ctx context.Context, id uint) (*model.Conversion, error) {
	var c model.Conversion
	err := s.db.WithContext(ctx).First(&c, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversion: %w", err)
	}
	return &c, nil
}

// GetConversionByUUID retrieves a conversion by its external identifier
func (s *GormStore) GetConversionByUUID(ctx context.Context, uuid string) (*model.Conversion, error) {
	var c model.Conversion
	err := s.db.WithContext(ctx).Where(&model.Conversion{UUID: uuid}).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversion: %w", err)
	}
	return &c, nil
}

// UpdateConversion saves the full conversion record
func (s *GormStore) UpdateConversion(ctx context.Context, c *model.Conversion) error {
	return s.db.WithContext(ctx).Save(c).Error
}

// DeleteConversion removes a conversion and its diagnostic state
func (s *GormStore) DeleteConversion(ctx context.Context, id uint) error {
	if err := s.ClearLogsAndMetrics(ctx, id); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Delete(&model.Conversion{}, id).Error
}

// UpdateProgress raises the stored progress; lower values are ignored.
func (s *GormStore) UpdateProgress(ctx context.Context, id uint, progress float64) error {
	return s.db.WithContext(ctx).Model(&model.Conversion{}).
		Where("id = ? AND progress < ?", id, progress).
		Update("progress", progress).Error
}

// AppendLog inserts a diagnostic log entry
func (s *GormStore) AppendLog(ctx context.Context, entry *model.ConversionLog) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

// RecentLogs returns the latest log entries for a conversion
func (s *GormStore) RecentLogs(ctx context.Context, id uint, limit int) ([]model.ConversionLog, error) {
	var logs []model.ConversionLog
	err := s.db.WithContext(ctx).
		Where(&model.ConversionLog{ConversionID: id}).
		Order("created_at DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

// WriteMetrics upserts the single metrics row for a conversion
func (s *GormStore) WriteMetrics(ctx context.Context, m *model.ConversionMetrics) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "conversion_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"chunking_seconds", "api_seconds", "combine_seconds",
			"total_seconds", "chunk_count", "word_count",
		}),
	}).Create(m).Error
}

// ListByOwner returns all conversions for an owner, newest first
func (s *GormStore) ListByOwner(ctx context.Context, ownerID string) ([]model.Conversion, error) {
	var conversions []model.Conversion
	err := s.db.WithContext(ctx).
		Where(&model.Conversion{OwnerID: ownerID}).
		Order("created_at DESC").
		Find(&conversions).Error
	return conversions, err
}

// ListCompletedByOwner returns completed conversions for an owner, newest first
func (s *GormStore) ListCompletedByOwner(ctx context.Context, ownerID string) ([]model.Conversion, error) {
	var conversions []model.Conversion
	err := s.db.WithContext(ctx).
		Where(&model.Conversion{OwnerID: ownerID, Status: model.StatusCompleted}).
		Order("created_at DESC").
		Find(&conversions).Error
	return conversions, err
}

// ListStale returns processing conversions not updated since cutoff
func (s *GormStore) ListStale(ctx context.Context, cutoff time.Time) ([]model.Conversion, error) {
	var conversions []model.Conversion
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", model.StatusProcessing, cutoff).
		Find(&conversions).Error
	return conversions, err
}

// ClearLogsAndMetrics removes all diagnostic state for a conversion
func (s *GormStore) ClearLogsAndMetrics(ctx context.Context, id uint) error {
	if err := s.db.WithContext(ctx).
		Where(&model.ConversionLog{ConversionID: id}).
		Delete(&model.ConversionLog{}).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where(&model.ConversionMetrics{ConversionID: id}).
		Delete(&model.ConversionMetrics{}).Error
}
