package model

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage represents a progress update for a conversion
type WSProgressMessage struct {
	Type     string           `json:"type"`
	ID       string           `json:"id"`
	Progress float64          `json:"progress"`
	Status   ConversionStatus `json:"status"`
}

// WSCompleteMessage announces that the audio file is ready for download
type WSCompleteMessage struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	DownloadURL string `json:"downloadUrl"`
}

// WSErrorMessage represents a conversion error
type WSErrorMessage struct {
	Type  string  `json:"type"`
	ID    string  `json:"id"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
