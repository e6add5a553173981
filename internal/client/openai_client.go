package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bengillihan/texttomp3/internal/config"
	"github.com/bengillihan/texttomp3/internal/logger"
)

// SpeechSynthesizer defines the interface for speech synthesis operations
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, voice string) ([]byte, error)
	IsConfigured() bool
}

// APIError is a non-2xx response from the synthesis API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("speech API error (status %d): %s", e.StatusCode, e.Body)
}

// OpenAIClient implements SpeechSynthesizer for the OpenAI speech API
type OpenAIClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

type speechRequest struct {
	Model string `json:"model"`
	Voice string `json:"voice"`
	Input string `json:"input"`
}

// NewOpenAIClient creates a new OpenAI speech API client
func NewOpenAIClient(cfg *config.OpenAIConfig) *OpenAIClient {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenAIClient{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
	}
}

// Synthesize converts one chunk of text into an audio blob. A non-2xx
// response is returned as *APIError so callers can log the status code.
func (c *OpenAIClient) Synthesize(ctx context.Context, text, voice string) ([]byte, error) {
	bodyBytes, err := json.Marshal(speechRequest{
		Model: c.model,
		Voice: voice,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/audio/speech", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	logger.Debugf("[Speech API] -> POST %s (%d chars)", req.URL.String(), len(text))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	return normalizePayload(resp.Header.Get("Content-Type"), respBody)
}

// IsConfigured returns true if the client has valid configuration
func (c *OpenAIClient) IsConfigured() bool {
	return c.apiKey != ""
}

// jsonAudioEnvelope covers the JSON response shapes the API has been
// observed to return when it does not stream raw audio bytes.
type jsonAudioEnvelope struct {
	Content string `json:"content"`
	Audio   string `json:"audio"`
	Data    string `json:"data"`
}

// normalizePayload reduces whatever payload shape the remote call
// returned to a plain audio byte blob: raw bytes pass through, JSON
// envelopes have their base64 content decoded.
func normalizePayload(contentType string, body []byte) ([]byte, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}
	if !strings.HasPrefix(contentType, "application/json") {
		return body, nil
	}

	var envelope jsonAudioEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("failed to unmarshal audio envelope: %w", err)
	}

	encoded := envelope.Content
	if encoded == "" {
		encoded = envelope.Audio
	}
	if encoded == "" {
		encoded = envelope.Data
	}
	if encoded == "" {
		return nil, fmt.Errorf("audio envelope has no content field")
	}

	decoded, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode audio content: %w", err)
	}
	if len(decoded) == 0 {
		return nil, fmt.Errorf("empty audio payload")
	}
	return decoded, nil
}
