package model

import "time"

// ConversionCreateRequest is the body of POST /api/conversions.
type ConversionCreateRequest struct {
	Title string `json:"title" validate:"required,max=256"`
	Text  string `json:"text" validate:"required,max=100000"`
	Voice string `json:"voice" validate:"omitempty,oneof=alloy echo fable onyx nova shimmer"`
}

// ConversionCreateResponse acknowledges an accepted conversion.
type ConversionCreateResponse struct {
	ID        string           `json:"id"`
	Status    ConversionStatus `json:"status"`
	CreatedAt time.Time        `json:"createdAt"`
}

// ConversionProgressResponse is the polled status contract.
// Status is reported as a string because the repair path surfaces the
// transient "regenerating" value, which is not a stored status.
type ConversionProgressResponse struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Progress   float64         `json:"progress"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	Message    string          `json:"message,omitempty"`
	RecentLogs []ConversionLog `json:"recentLogs,omitempty"`
}

// ConversionCancelResponse reports the outcome of a cancel request.
type ConversionCancelResponse struct {
	Success bool             `json:"success"`
	ID      string           `json:"id"`
	Status  ConversionStatus `json:"status"`
}

// CleanupResponse reports how many stored artifacts were removed.
type CleanupResponse struct {
	Deleted int `json:"deleted"`
}
