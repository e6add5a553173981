package model

import "time"

// ConversionStatus represents the lifecycle state of a conversion.
type ConversionStatus string

// Conversion statuses
const (
	StatusPending    ConversionStatus = "pending"
	StatusProcessing ConversionStatus = "processing"
	StatusCompleted  ConversionStatus = "completed"
	StatusFailed     ConversionStatus = "failed"
	StatusCancelled  ConversionStatus = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s ConversionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsCancellable reports whether a cancellation request can still take effect.
func (s ConversionStatus) IsCancellable() bool {
	return s == StatusPending || s == StatusProcessing
}

// Conversion is one text-to-speech request and its lifecycle state.
// The numeric ID is internal; the UUID is the externally shareable token.
type Conversion struct {
	ID        uint             `json:"-" gorm:"primaryKey"`
	UUID      string           `json:"id" gorm:"uniqueIndex;size:36;not null"`
	OwnerID   string           `json:"ownerId" gorm:"index;size:64;not null"`
	Title     string           `json:"title" gorm:"size:256;not null"`
	Text      string           `json:"-" gorm:"type:text;not null"`
	Voice     string           `json:"voice" gorm:"size:32"`
	Status    ConversionStatus `json:"status" gorm:"size:20;index;default:pending"`
	Progress  float64          `json:"progress" gorm:"default:0"`
	FilePath  *string          `json:"-" gorm:"size:512"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt" gorm:"index"`
}

// ConversionMetrics holds timing and size measurements for a conversion.
// Exactly one row per conversion; the worker upserts it in place.
type ConversionMetrics struct {
	ID              uint      `json:"-" gorm:"primaryKey"`
	ConversionID    uint      `json:"-" gorm:"uniqueIndex;not null"`
	ChunkingSeconds float64   `json:"chunkingSeconds"`
	APISeconds      float64   `json:"apiSeconds"`
	CombineSeconds  float64   `json:"combineSeconds"`
	TotalSeconds    float64   `json:"totalSeconds"`
	ChunkCount      int       `json:"chunkCount"`
	WordCount       int       `json:"wordCount"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Log entry kinds
const (
	LogKindInfo    = "info"
	LogKindWarning = "warning"
	LogKindError   = "error"
)

// ConversionLog is an append-only diagnostic event attached to a conversion.
type ConversionLog struct {
	ID           uint      `json:"-" gorm:"primaryKey"`
	ConversionID uint      `json:"-" gorm:"index;not null"`
	Kind         string    `json:"kind" gorm:"size:20;not null"`
	Message      string    `json:"message" gorm:"type:text;not null"`
	ChunkIndex   *int      `json:"chunkIndex,omitempty"`
	StatusCode   *int      `json:"statusCode,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
