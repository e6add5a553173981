package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/bengillihan/texttomp3/internal/cancel"
	"github.com/bengillihan/texttomp3/internal/client"
	"github.com/bengillihan/texttomp3/internal/config"
	"github.com/bengillihan/texttomp3/internal/logger"
	"github.com/bengillihan/texttomp3/internal/model"
	"github.com/bengillihan/texttomp3/internal/store"
	"github.com/bengillihan/texttomp3/internal/textsplit"
	ws "github.com/bengillihan/texttomp3/internal/websocket"
)

// assemblyReserve is the progress share held back for combining; chunk
// fetches advance progress up to 100 minus this reserve.
const assemblyReserve = 5.0

// ConversionWorker processes conversion tasks: it splits the text,
// fans out synthesis calls, assembles the audio and writes the
// terminal job state.
type ConversionWorker struct {
	store       store.Store
	synth       client.SpeechSynthesizer
	registry    *cancel.Registry
	hub         *ws.Hub
	storagePath string
	convert     config.ConvertConfig

	// sleep is replaceable in tests to observe backoff delays.
	sleep func(time.Duration)
}

// NewConversionWorker creates a new conversion worker
func NewConversionWorker(
	st store.Store,
	synth client.SpeechSynthesizer,
	registry *cancel.Registry,
	hub *ws.Hub,
	storagePath string,
	convert config.ConvertConfig,
) *ConversionWorker {
	return &ConversionWorker{
		store:       st,
		synth:       synth,
		registry:    registry,
		hub:         hub,
		storagePath: storagePath,
		convert:     convert,
		sleep:       time.Sleep,
	}
}

// ProcessTask handles one conversion task end to end. Every failure path
// inside the pipeline is contained here: the job record always reaches a
// terminal status, and callers observe failures only through it.
func (w *ConversionWorker) ProcessTask(ctx context.Context, t *asynq.Task) (err error) {
	var payload struct {
		ConversionID uint `json:"conversionId"`
	}
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %w", err)
	}
	id := payload.ConversionID

	// The marker must not outlive this run: a resubmission with the
	// same ID starts from a clean slate.
	defer w.registry.Clear(id)

	// Last-resort safety net so a crashed pipeline never leaves a
	// conversion stuck in processing.
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Conversion %d panicked: %v\n%s", id, r, debug.Stack())
			w.failJob(context.Background(), id, fmt.Sprintf("Unexpected error: %v", r))
			err = fmt.Errorf("conversion %d panicked: %v", id, r)
		}
	}()

	job, err := w.store.GetConversion(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Errorf("Conversion %d not found, dropping task", id)
			return nil
		}
		return err
	}

	// Guard against re-delivery: only pending jobs are picked up.
	// Cancellation before start also lands here, since the cancel
	// request already persisted the cancelled status.
	if job.Status != model.StatusPending {
		logger.Infof("Conversion %d is %s, skipping", id, job.Status)
		return nil
	}

	// Checkpoint: before chunking starts.
	if w.registry.IsRequested(id) {
		logger.Infof("Conversion %d was cancelled before processing", id)
		return nil
	}

	if !w.synth.IsConfigured() {
		w.failJob(ctx, id, "Speech API key is missing")
		return nil
	}

	logger.Infof("Starting conversion %d (%s)", id, job.UUID)
	startedAt := time.Now()

	job.Status = model.StatusProcessing
	job.Progress = 0
	if err := w.store.UpdateConversion(ctx, job); err != nil {
		return fmt.Errorf("failed to mark conversion processing: %w", err)
	}
	w.hub.BroadcastProgress(job.UUID, 0, model.StatusProcessing)

	chunkingStart := time.Now()
	chunks, err := textsplit.Split(job.Text, w.convert.MaxChunkChars)
	if err != nil {
		w.failJob(ctx, id, fmt.Sprintf("Text validation failed: %v", err))
		return nil
	}

	metrics := &model.ConversionMetrics{
		ConversionID:    id,
		ChunkingSeconds: time.Since(chunkingStart).Seconds(),
		ChunkCount:      len(chunks),
		WordCount:       len(strings.Fields(job.Text)),
	}
	if err := w.store.WriteMetrics(ctx, metrics); err != nil {
		logger.Errorf("Failed to write metrics for conversion %d: %v", id, err)
	}

	// Checkpoint: after chunking completes.
	if w.registry.IsRequested(id) {
		logger.Infof("Conversion %d was cancelled after chunking", id)
		w.markCancelled(ctx, id)
		return nil
	}

	scratchDir := filepath.Join(w.storagePath, "tmp", job.UUID)
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		w.failJob(ctx, id, fmt.Sprintf("Failed to create scratch directory: %v", err))
		return nil
	}

	apiStart := time.Now()
	if err := w.fetchAllChunks(ctx, job, chunks, scratchDir); err != nil {
		w.failJob(ctx, id, fmt.Sprintf("Speech synthesis failed: %v", err))
		os.RemoveAll(scratchDir)
		return err
	}
	metrics.APISeconds = time.Since(apiStart).Seconds()
	if err := w.store.WriteMetrics(ctx, metrics); err != nil {
		logger.Errorf("Failed to write metrics for conversion %d: %v", id, err)
	}

	// Checkpoint: before final assembly.
	if w.registry.IsRequested(id) {
		logger.Infof("Conversion %d was cancelled during synthesis", id)
		os.RemoveAll(scratchDir)
		w.markCancelled(ctx, id)
		return nil
	}

	combineStart := time.Now()
	outputPath := filepath.Join(w.storagePath, job.UUID+".mp3")
	if err := CombineChunks(scratchDir, len(chunks), outputPath); err != nil {
		w.failJob(ctx, id, fmt.Sprintf("Audio assembly failed: %v", err))
		os.RemoveAll(scratchDir)
		return err
	}
	os.RemoveAll(scratchDir)

	metrics.CombineSeconds = time.Since(combineStart).Seconds()
	metrics.TotalSeconds = time.Since(startedAt).Seconds()
	if err := w.store.WriteMetrics(ctx, metrics); err != nil {
		logger.Errorf("Failed to write metrics for conversion %d: %v", id, err)
	}

	job, err = w.store.GetConversion(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to reload conversion: %w", err)
	}
	job.Status = model.StatusCompleted
	job.Progress = 100
	job.FilePath = &outputPath
	if err := w.store.UpdateConversion(ctx, job); err != nil {
		return fmt.Errorf("failed to finalize conversion: %w", err)
	}

	w.appendLog(ctx, id, model.LogKindInfo, fmt.Sprintf("Conversion completed with %d chunks", len(chunks)), nil, nil)
	w.hub.BroadcastComplete(job.UUID, "/api/conversions/"+job.UUID+"/download")
	logger.Infof("Conversion %d completed in %.2fs", id, metrics.TotalSeconds)
	return nil
}

// fetchAllChunks runs synthesis over every chunk with bounded
// concurrency, writing each result into the scratch directory under its
// index-keyed name and advancing progress as chunks complete.
func (w *ConversionWorker) fetchAllChunks(ctx context.Context, job *model.Conversion, chunks []string, scratchDir string) error {
	total := len(chunks)
	var completed atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	limit := w.convert.MaxConcurrent
	if limit <= 0 {
		limit = 1
	}
	g.SetLimit(limit)

	for i, chunkText := range chunks {
		i, chunkText := i, chunkText
		g.Go(func() error {
			// Stop dispatching new work once cancellation is seen;
			// in-flight calls are left to finish on their own.
			if w.registry.IsRequested(job.ID) {
				return nil
			}
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}

			data, err := w.synthesizeChunk(gctx, job, i, chunkText)
			if err != nil {
				return err
			}

			if w.registry.IsRequested(job.ID) {
				return nil
			}

			path := filepath.Join(scratchDir, ChunkFileName(i))
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return fmt.Errorf("failed to write chunk %d: %w", i, err)
			}

			done := completed.Add(1)
			progress := math.Min(100-assemblyReserve, float64(done)/float64(total)*(100-assemblyReserve))
			if err := w.store.UpdateProgress(gctx, job.ID, progress); err != nil {
				logger.Errorf("Failed to update progress for conversion %d: %v", job.ID, err)
			}
			status := 200
			w.appendLog(gctx, job.ID, model.LogKindInfo,
				fmt.Sprintf("Successfully processed chunk %d/%d", i+1, total), &i, &status)
			w.hub.BroadcastProgress(job.UUID, progress, model.StatusProcessing)
			return nil
		})
	}

	return g.Wait()
}

// synthesizeChunk performs one chunk's remote call with bounded retries
// and exponential backoff. Each failed attempt is logged as a warning;
// exhausting all attempts is logged as an error and fatal for the job.
func (w *ConversionWorker) synthesizeChunk(ctx context.Context, job *model.Conversion, index int, text string) ([]byte, error) {
	attempts := w.convert.MaxRetries + 1
	delay := w.convert.RetryBackoff
	if delay <= 0 {
		delay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}
			w.sleep(delay)
			delay *= 2
		}

		data, err := w.synth.Synthesize(ctx, text, job.Voice)
		if err == nil {
			return data, nil
		}
		lastErr = err

		var statusCode *int
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			statusCode = &apiErr.StatusCode
		}
		w.appendLog(ctx, job.ID, model.LogKindWarning,
			fmt.Sprintf("Chunk %d attempt %d/%d failed: %v", index, attempt, attempts, err), &index, statusCode)
		logger.Warnf("Conversion %d chunk %d attempt %d/%d failed: %v", job.ID, index, attempt, attempts, err)
	}

	w.appendLog(ctx, job.ID, model.LogKindError,
		fmt.Sprintf("Chunk %d failed after %d attempts: %v", index, attempts, lastErr), &index, nil)
	return nil, fmt.Errorf("chunk %d failed after %d attempts: %w", index, attempts, lastErr)
}

// markCancelled restores the cancelled status when a cancel request
// raced with the processing transition and was overwritten by it. The
// record must not sit in processing until the staleness sweep requeues
// a job the user already cancelled.
func (w *ConversionWorker) markCancelled(ctx context.Context, id uint) {
	job, err := w.store.GetConversion(ctx, id)
	if err != nil {
		logger.Errorf("Failed to load conversion %d after cancellation: %v", id, err)
		return
	}
	if job.Status != model.StatusProcessing {
		return
	}
	job.Status = model.StatusCancelled
	if err := w.store.UpdateConversion(ctx, job); err != nil {
		logger.Errorf("Failed to mark conversion %d as cancelled: %v", id, err)
	}
}

func (w *ConversionWorker) failJob(ctx context.Context, id uint, message string) {
	job, err := w.store.GetConversion(ctx, id)
	if err != nil {
		logger.Errorf("Failed to load conversion %d for failure: %v", id, err)
		return
	}
	job.Status = model.StatusFailed
	if err := w.store.UpdateConversion(ctx, job); err != nil {
		logger.Errorf("Failed to mark conversion %d as failed: %v", id, err)
	}
	w.appendLog(ctx, id, model.LogKindError, message, nil, nil)
	w.hub.BroadcastError(job.UUID, "CONVERSION_FAILED", message)
	logger.Errorf("Conversion %d failed: %s", id, message)
}

func (w *ConversionWorker) appendLog(ctx context.Context, id uint, kind, message string, chunkIndex, statusCode *int) {
	entry := &model.ConversionLog{
		ConversionID: id,
		Kind:         kind,
		Message:      message,
		ChunkIndex:   chunkIndex,
		StatusCode:   statusCode,
	}
	if err := w.store.AppendLog(ctx, entry); err != nil {
		logger.Errorf("Failed to append log for conversion %d: %v", id, err)
	}
}
