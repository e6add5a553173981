// Package store persists conversions, their logs and their metrics.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/bengillihan/texttomp3/internal/model"
)

// ErrNotFound indicates the requested conversion does not exist.
var ErrNotFound = errors.New("conversion not found")

// Store is the persistence collaborator consumed by the service and the
// background worker. Implementations must serialize individual record
// reads and writes.
type Store interface {
	CreateConversion(ctx context.Context, c *model.Conversion) error
	GetConversion(ctx context.Context, id uint) (*model.Conversion, error)
	GetConversionByUUID(ctx context.Context, uuid string) (*model.Conversion, error)
	UpdateConversion(ctx context.Context, c *model.Conversion) error

	// DeleteConversion removes a conversion along with its logs and metrics.
	DeleteConversion(ctx context.Context, id uint) error

	// UpdateProgress raises the stored progress to the given value.
	// A value at or below the current progress is ignored, so progress
	// never moves backwards under out-of-order chunk completions.
	UpdateProgress(ctx context.Context, id uint, progress float64) error

	AppendLog(ctx context.Context, entry *model.ConversionLog) error
	RecentLogs(ctx context.Context, id uint, limit int) ([]model.ConversionLog, error)

	// WriteMetrics upserts the single metrics row for a conversion.
	WriteMetrics(ctx context.Context, m *model.ConversionMetrics) error

	ListByOwner(ctx context.Context, ownerID string) ([]model.Conversion, error)
	ListCompletedByOwner(ctx context.Context, ownerID string) ([]model.Conversion, error)

	// ListStale returns processing conversions not updated since cutoff.
	ListStale(ctx context.Context, cutoff time.Time) ([]model.Conversion, error)

	// ClearLogsAndMetrics removes diagnostic state ahead of a force reset.
	ClearLogsAndMetrics(ctx context.Context, id uint) error
}
