package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/bengillihan/texttomp3/internal/cancel"
	"github.com/bengillihan/texttomp3/internal/middleware"
	"github.com/bengillihan/texttomp3/internal/model"
	"github.com/bengillihan/texttomp3/internal/service"
	"github.com/bengillihan/texttomp3/internal/store"
)

type noopEnqueuer struct{}

func (noopEnqueuer) EnqueueConversion(context.Context, uint) error { return nil }

func newTestApp(t *testing.T) (*fiber.App, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	svc := service.NewConversionService(
		st, noopEnqueuer{}, cancel.NewRegistry(),
		t.TempDir(), "alloy", 50, 0,
	)
	h := NewConversionHandler(svc, validator.New())

	app := fiber.New()
	api := app.Group("/api", middleware.UserIdentity())
	conversions := api.Group("/conversions")
	conversions.Post("/", h.Create)
	conversions.Get("/", h.List)
	conversions.Get("/:id/progress", h.Progress)
	conversions.Get("/:id/download", h.Download)
	conversions.Post("/:id/cancel", h.Cancel)
	conversions.Post("/:id/reset", h.Reset)
	api.Post("/cleanup", h.Cleanup)

	return app, st
}

func doJSON(t *testing.T, app *fiber.App, method, path, user string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("X-User-Id", user)
	}

	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}

	var parsed map[string]interface{}
	data, _ := io.ReadAll(resp.Body)
	if len(data) > 0 {
		_ = json.Unmarshal(data, &parsed)
	}
	return resp, parsed
}

func TestCreateRequiresIdentity(t *testing.T) {
	app, _ := newTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/api/conversions", "", map[string]string{
		"title": "Book",
		"text":  "Hello world.",
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	errDetail := body["error"].(map[string]interface{})
	if errDetail["code"] != "UNAUTHORIZED" {
		t.Errorf("expected UNAUTHORIZED code, got %v", errDetail["code"])
	}
}

func TestCreateConversion(t *testing.T) {
	app, _ := newTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/api/conversions", "user-1", map[string]string{
		"title": "Book",
		"text":  "Hello world.",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if body["id"] == "" || body["id"] == nil {
		t.Error("expected a conversion id")
	}
	if body["status"] != "pending" {
		t.Errorf("expected pending status, got %v", body["status"])
	}
}

func TestCreateValidation(t *testing.T) {
	app, _ := newTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/api/conversions", "user-1", map[string]string{
		"title": "Book",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing text, got %d", resp.StatusCode)
	}
	errDetail := body["error"].(map[string]interface{})
	if errDetail["code"] != "VALIDATION_ERROR" {
		t.Errorf("expected VALIDATION_ERROR code, got %v", errDetail["code"])
	}

	resp, _ = doJSON(t, app, http.MethodPost, "/api/conversions", "user-1", map[string]string{
		"title": "Book",
		"text":  "Hello.",
		"voice": "not-a-voice",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown voice, got %d", resp.StatusCode)
	}
}

func TestProgressNotFound(t *testing.T) {
	app, _ := newTestApp(t)

	resp, _ := doJSON(t, app, http.MethodGet, "/api/conversions/no-such-id/progress", "user-1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestProgressForbidden(t *testing.T) {
	app, _ := newTestApp(t)

	_, created := doJSON(t, app, http.MethodPost, "/api/conversions", "user-1", map[string]string{
		"title": "Book",
		"text":  "Hello world.",
	})
	id := created["id"].(string)

	resp, _ := doJSON(t, app, http.MethodGet, "/api/conversions/"+id+"/progress", "user-2", nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestProgressPending(t *testing.T) {
	app, _ := newTestApp(t)

	_, created := doJSON(t, app, http.MethodPost, "/api/conversions", "user-1", map[string]string{
		"title": "Book",
		"text":  "Hello world.",
	})
	id := created["id"].(string)

	resp, body := doJSON(t, app, http.MethodGet, "/api/conversions/"+id+"/progress", "user-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != "pending" {
		t.Errorf("expected pending, got %v", body["status"])
	}
	if body["progress"].(float64) != 0 {
		t.Errorf("expected zero progress, got %v", body["progress"])
	}
}

func TestCancelFlow(t *testing.T) {
	app, _ := newTestApp(t)

	_, created := doJSON(t, app, http.MethodPost, "/api/conversions", "user-1", map[string]string{
		"title": "Book",
		"text":  "Hello world.",
	})
	id := created["id"].(string)

	resp, body := doJSON(t, app, http.MethodPost, "/api/conversions/"+id+"/cancel", "user-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["success"] != true {
		t.Errorf("expected success, got %v", body["success"])
	}
	if body["status"] != "cancelled" {
		t.Errorf("expected cancelled, got %v", body["status"])
	}

	// A finished conversion cannot be cancelled again
	resp, _ = doJSON(t, app, http.MethodPost, "/api/conversions/"+id+"/cancel", "user-1", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on repeat cancel, got %d", resp.StatusCode)
	}
}

func TestDownloadNotReady(t *testing.T) {
	app, _ := newTestApp(t)

	_, created := doJSON(t, app, http.MethodPost, "/api/conversions", "user-1", map[string]string{
		"title": "Book",
		"text":  "Hello world.",
	})
	id := created["id"].(string)

	resp, _ := doJSON(t, app, http.MethodGet, "/api/conversions/"+id+"/download", "user-1", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for incomplete conversion, got %d", resp.StatusCode)
	}
}

func TestDownloadRegenerating(t *testing.T) {
	app, st := newTestApp(t)

	// Completed record whose artifact is gone from disk
	c := &model.Conversion{
		UUID:    "regen-1",
		OwnerID: "user-1",
		Title:   "Book",
		Text:    "Hello world.",
		Voice:   "alloy",
		Status:  model.StatusCompleted,
	}
	if err := st.CreateConversion(context.Background(), c); err != nil {
		t.Fatalf("seed conversion: %v", err)
	}

	resp, body := doJSON(t, app, http.MethodGet, "/api/conversions/regen-1/download", "user-1", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 while regenerating, got %d", resp.StatusCode)
	}
	if body["status"] != "regenerating" {
		t.Errorf("expected regenerating status, got %v", body["status"])
	}
}

func TestListConversions(t *testing.T) {
	app, _ := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/conversions", nil)
	req.Header.Set("X-User-Id", "user-1")
	resp, err := app.Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	var list []map[string]interface{}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("expected a JSON array, got %s", data)
	}
	if len(list) != 0 {
		t.Errorf("expected empty list, got %d items", len(list))
	}

	doJSON(t, app, http.MethodPost, "/api/conversions", "user-1", map[string]string{
		"title": "Book",
		"text":  "Hello world.",
	})

	resp, err = app.Test(getRequest("/api/conversions", "user-1"), -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	data, _ = io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("expected a JSON array, got %s", data)
	}
	if len(list) != 1 {
		t.Errorf("expected one conversion, got %d", len(list))
	}
}

func getRequest(path, user string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Header.Set("X-User-Id", user)
	return req
}

func TestCleanup(t *testing.T) {
	app, _ := newTestApp(t)

	resp, body := doJSON(t, app, http.MethodPost, "/api/cleanup", "user-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["deleted"].(float64) != 0 {
		t.Errorf("expected zero deletions, got %v", body["deleted"])
	}
}
