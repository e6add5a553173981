package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bengillihan/texttomp3/internal/cancel"
	"github.com/bengillihan/texttomp3/internal/config"
	"github.com/bengillihan/texttomp3/internal/model"
	"github.com/bengillihan/texttomp3/internal/store"
	ws "github.com/bengillihan/texttomp3/internal/websocket"
)

type fakeSynth struct {
	mu         sync.Mutex
	calls      int
	configured bool
	fn         func(text, voice string) ([]byte, error)
}

func (f *fakeSynth) Synthesize(_ context.Context, text, voice string) ([]byte, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(text, voice)
}

func (f *fakeSynth) IsConfigured() bool { return f.configured }

func (f *fakeSynth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func conversionTask(t *testing.T, id uint) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(map[string]uint{"conversionId": id})
	require.NoError(t, err)
	return asynq.NewTask("conversion:process", payload)
}

func newTestWorker(t *testing.T, synth *fakeSynth, convert config.ConvertConfig) (*ConversionWorker, *store.MemoryStore, *cancel.Registry, string) {
	t.Helper()
	st := store.NewMemoryStore()
	registry := cancel.NewRegistry()
	hub := ws.NewHub()
	go hub.Run()
	storage := t.TempDir()
	w := NewConversionWorker(st, synth, registry, hub, storage, convert)
	return w, st, registry, storage
}

func seedConversion(t *testing.T, st *store.MemoryStore, text string, status model.ConversionStatus) *model.Conversion {
	t.Helper()
	c := &model.Conversion{
		UUID:    "11111111-2222-3333-4444-555555555555",
		OwnerID: "user-1",
		Title:   "Test",
		Text:    text,
		Voice:   "alloy",
		Status:  status,
	}
	require.NoError(t, st.CreateConversion(context.Background(), c))
	return c
}

func TestProcessTaskSuccess(t *testing.T) {
	synth := &fakeSynth{
		configured: true,
		fn: func(text, _ string) ([]byte, error) {
			return []byte(text + "|"), nil
		},
	}
	convert := config.ConvertConfig{
		MaxChunkChars: 25,
		MaxConcurrent: 2,
		MaxRetries:    1,
		RetryBackoff:  time.Millisecond,
	}
	w, st, _, storage := newTestWorker(t, synth, convert)
	c := seedConversion(t, st, "First sentence here. Second sentence here.", model.StatusPending)

	require.NoError(t, w.ProcessTask(context.Background(), conversionTask(t, c.ID)))

	got, err := st.GetConversion(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.Equal(t, float64(100), got.Progress)
	require.NotNil(t, got.FilePath)

	data, err := os.ReadFile(*got.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "First sentence here.|Second sentence here.|", string(data))

	metrics, ok := st.GetMetrics(context.Background(), c.ID)
	require.True(t, ok)
	assert.Equal(t, 2, metrics.ChunkCount)
	assert.Equal(t, 6, metrics.WordCount)

	_, statErr := os.Stat(filepath.Join(storage, "tmp", c.UUID))
	assert.True(t, os.IsNotExist(statErr), "scratch directory must be removed")
	assert.Equal(t, 2, synth.callCount())
}

func TestProcessTaskRetryExhaustion(t *testing.T) {
	apiErr := &testAPIError{}
	synth := &fakeSynth{
		configured: true,
		fn: func(string, string) ([]byte, error) {
			return nil, apiErr
		},
	}
	convert := config.ConvertConfig{
		MaxChunkChars: 4000,
		MaxConcurrent: 2,
		MaxRetries:    3,
		RetryBackoff:  time.Second,
	}
	w, st, _, storage := newTestWorker(t, synth, convert)

	var delays []time.Duration
	w.sleep = func(d time.Duration) { delays = append(delays, d) }

	c := seedConversion(t, st, "Short text that fails.", model.StatusPending)

	err := w.ProcessTask(context.Background(), conversionTask(t, c.ID))
	require.Error(t, err)

	got, getErr := st.GetConversion(context.Background(), c.ID)
	require.NoError(t, getErr)
	assert.Equal(t, model.StatusFailed, got.Status)

	// 4 attempts with doubling backoff between them
	assert.Equal(t, 4, synth.callCount())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, delays)

	_, statErr := os.Stat(filepath.Join(storage, c.UUID+".mp3"))
	assert.True(t, os.IsNotExist(statErr), "no artifact must be written for a failed conversion")
	_, statErr = os.Stat(filepath.Join(storage, "tmp", c.UUID))
	assert.True(t, os.IsNotExist(statErr), "scratch directory must be removed")
}

type testAPIError struct{}

func (e *testAPIError) Error() string { return "synthesis unavailable" }

func TestProcessTaskCancelledBeforeStart(t *testing.T) {
	synth := &fakeSynth{configured: true, fn: func(string, string) ([]byte, error) {
		return []byte("x"), nil
	}}
	w, st, registry, _ := newTestWorker(t, synth, config.ConvertConfig{MaxChunkChars: 4000, MaxConcurrent: 1})
	c := seedConversion(t, st, "Hello there.", model.StatusPending)

	registry.Request(c.ID)
	require.NoError(t, w.ProcessTask(context.Background(), conversionTask(t, c.ID)))

	assert.Equal(t, 0, synth.callCount())
	got, err := st.GetConversion(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)

	// The marker must not leak into a later resubmission
	assert.False(t, registry.IsRequested(c.ID))
}

func TestProcessTaskSkipsNonPending(t *testing.T) {
	synth := &fakeSynth{configured: true, fn: func(string, string) ([]byte, error) {
		return []byte("x"), nil
	}}
	w, st, _, _ := newTestWorker(t, synth, config.ConvertConfig{MaxChunkChars: 4000, MaxConcurrent: 1})

	for _, status := range []model.ConversionStatus{
		model.StatusProcessing, model.StatusCompleted, model.StatusFailed, model.StatusCancelled,
	} {
		c := &model.Conversion{
			UUID:    "uuid-" + string(status),
			OwnerID: "user-1",
			Title:   "Test",
			Text:    "Hello there.",
			Voice:   "alloy",
			Status:  status,
		}
		require.NoError(t, st.CreateConversion(context.Background(), c))

		require.NoError(t, w.ProcessTask(context.Background(), conversionTask(t, c.ID)))

		got, err := st.GetConversion(context.Background(), c.ID)
		require.NoError(t, err)
		assert.Equal(t, status, got.Status, "status %s must be untouched", status)
	}
	assert.Equal(t, 0, synth.callCount())
}

func TestProcessTaskMissingAPIKey(t *testing.T) {
	synth := &fakeSynth{configured: false, fn: func(string, string) ([]byte, error) {
		return []byte("x"), nil
	}}
	w, st, _, _ := newTestWorker(t, synth, config.ConvertConfig{MaxChunkChars: 4000, MaxConcurrent: 1})
	c := seedConversion(t, st, "Hello there.", model.StatusPending)

	require.NoError(t, w.ProcessTask(context.Background(), conversionTask(t, c.ID)))

	got, err := st.GetConversion(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, 0, synth.callCount())

	logs, err := st.RecentLogs(context.Background(), c.ID, 5)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, model.LogKindError, logs[0].Kind)
}

func TestProcessTasksRunIndependently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	synth := &fakeSynth{configured: true, fn: func(string, string) ([]byte, error) {
		started <- struct{}{}
		<-release
		return []byte("x"), nil
	}}
	w, st, _, _ := newTestWorker(t, synth, config.ConvertConfig{MaxChunkChars: 4000, MaxConcurrent: 1})

	var ids []uint
	for i := 0; i < 2; i++ {
		c := &model.Conversion{
			UUID:    fmt.Sprintf("job-%d", i),
			OwnerID: "user-1",
			Title:   "Test",
			Text:    "Hello there.",
			Voice:   "alloy",
			Status:  model.StatusPending,
		}
		require.NoError(t, st.CreateConversion(context.Background(), c))
		ids = append(ids, c.ID)
	}

	done := make(chan error, 2)
	for _, id := range ids {
		task := conversionTask(t, id)
		go func() {
			done <- w.ProcessTask(context.Background(), task)
		}()
	}

	// Both jobs must reach their synthesis call while the other is
	// still blocked; anything serializing jobs would stall here.
	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(5 * time.Second):
			t.Fatal("second job did not start while the first was in flight")
		}
	}
	close(release)
	for i := 0; i < 2; i++ {
		require.NoError(t, <-done)
	}

	for _, id := range ids {
		got, err := st.GetConversion(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, got.Status)
	}
}

func TestProcessTaskCancelDuringSynthesis(t *testing.T) {
	synth := &fakeSynth{configured: true}
	w, st, registry, storage := newTestWorker(t, synth, config.ConvertConfig{MaxChunkChars: 4000, MaxConcurrent: 1})
	c := seedConversion(t, st, "Hello there.", model.StatusPending)

	// The cancel lands after the record was moved to processing, so the
	// worker itself must restore the cancelled status on exit.
	synth.fn = func(string, string) ([]byte, error) {
		registry.Request(c.ID)
		return []byte("x"), nil
	}

	require.NoError(t, w.ProcessTask(context.Background(), conversionTask(t, c.ID)))

	got, err := st.GetConversion(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status, "record must not be left in processing")

	_, statErr := os.Stat(filepath.Join(storage, c.UUID+".mp3"))
	assert.True(t, os.IsNotExist(statErr), "cancelled conversion must not produce an artifact")
	_, statErr = os.Stat(filepath.Join(storage, "tmp", c.UUID))
	assert.True(t, os.IsNotExist(statErr), "scratch directory must be removed")
	assert.False(t, registry.IsRequested(c.ID))
}

func TestProcessTaskUnknownConversion(t *testing.T) {
	synth := &fakeSynth{configured: true, fn: func(string, string) ([]byte, error) {
		return []byte("x"), nil
	}}
	w, _, _, _ := newTestWorker(t, synth, config.ConvertConfig{MaxChunkChars: 4000, MaxConcurrent: 1})

	// Unknown IDs are dropped, not retried
	require.NoError(t, w.ProcessTask(context.Background(), conversionTask(t, 999)))
	assert.Equal(t, 0, synth.callCount())
}
