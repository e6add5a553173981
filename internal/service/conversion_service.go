package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/bengillihan/texttomp3/internal/cancel"
	"github.com/bengillihan/texttomp3/internal/logger"
	"github.com/bengillihan/texttomp3/internal/model"
	"github.com/bengillihan/texttomp3/internal/store"
)

// TaskTypeConversion is the asynq task type for conversion processing.
const TaskTypeConversion = "conversion:process"

// StatusRegenerating is the transient status reported while a completed
// conversion's missing artifact is being rebuilt. It is never stored.
const StatusRegenerating = "regenerating"

// Service-level errors mapped to HTTP statuses by the handler.
var (
	ErrForbidden      = errors.New("conversion belongs to another user")
	ErrNotCancellable = errors.New("conversion already finished")
	ErrNotReady       = errors.New("conversion is not completed yet")
	ErrRegenerating   = errors.New("audio file is being regenerated")
)

// NewConversionTask builds the asynq task for a conversion.
func NewConversionTask(conversionID uint) (*asynq.Task, error) {
	payload, err := json.Marshal(map[string]uint{"conversionId": conversionID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeConversion, payload), nil
}

// TaskEnqueuer hands conversion work to the background queue.
type TaskEnqueuer interface {
	EnqueueConversion(ctx context.Context, conversionID uint) error
}

// AsynqEnqueuer enqueues conversion tasks on Redis via asynq.
type AsynqEnqueuer struct {
	client *asynq.Client
}

// NewAsynqEnqueuer creates a new asynq-backed enqueuer
func NewAsynqEnqueuer(client *asynq.Client) *AsynqEnqueuer {
	return &AsynqEnqueuer{client: client}
}

// EnqueueConversion submits a conversion task to the queue. Retries are
// disabled at the queue level; the worker does its own per-chunk retries
// and always leaves the record in a terminal state.
func (e *AsynqEnqueuer) EnqueueConversion(ctx context.Context, conversionID uint) error {
	task, err := NewConversionTask(conversionID)
	if err != nil {
		return err
	}
	_, err = e.client.EnqueueContext(ctx, task, asynq.Queue("conversions"), asynq.MaxRetry(0))
	return err
}

// ConversionService owns the conversion lifecycle: submission, status,
// cancellation, download, cleanup and stale-job recovery.
type ConversionService struct {
	store        store.Store
	enqueuer     TaskEnqueuer
	registry     *cancel.Registry
	storagePath  string
	defaultVoice string
	keepLatest   int
	staleAfter   time.Duration
}

// NewConversionService creates a new conversion service
func NewConversionService(
	st store.Store,
	enqueuer TaskEnqueuer,
	registry *cancel.Registry,
	storagePath, defaultVoice string,
	keepLatest int,
	staleAfter time.Duration,
) *ConversionService {
	return &ConversionService{
		store:        st,
		enqueuer:     enqueuer,
		registry:     registry,
		storagePath:  storagePath,
		defaultVoice: defaultVoice,
		keepLatest:   keepLatest,
		staleAfter:   staleAfter,
	}
}

// Submit records a new conversion and hands it to the background queue.
// Text that is present but blank still produces a record: it fails
// immediately with a validation log, so the caller can inspect why.
func (s *ConversionService) Submit(ctx context.Context, ownerID string, req *model.ConversionCreateRequest) (*model.Conversion, error) {
	voice := req.Voice
	if voice == "" {
		voice = s.defaultVoice
	}

	conversion := &model.Conversion{
		UUID:    uuid.NewString(),
		OwnerID: ownerID,
		Title:   req.Title,
		Text:    req.Text,
		Voice:   voice,
		Status:  model.StatusPending,
	}
	if err := s.store.CreateConversion(ctx, conversion); err != nil {
		return nil, fmt.Errorf("failed to create conversion: %w", err)
	}

	if strings.TrimSpace(req.Text) == "" {
		conversion.Status = model.StatusFailed
		if err := s.store.UpdateConversion(ctx, conversion); err != nil {
			return nil, err
		}
		s.appendLog(ctx, conversion.ID, model.LogKindError, "Text contains no speakable content")
		logger.Warnf("Conversion %s rejected: blank text", conversion.UUID)
		return conversion, nil
	}

	if err := s.enqueuer.EnqueueConversion(ctx, conversion.ID); err != nil {
		conversion.Status = model.StatusFailed
		_ = s.store.UpdateConversion(ctx, conversion)
		s.appendLog(ctx, conversion.ID, model.LogKindError, "Failed to queue conversion")
		return nil, fmt.Errorf("failed to enqueue conversion: %w", err)
	}

	logger.Infof("Conversion %s queued for user %s", conversion.UUID, ownerID)
	return conversion, nil
}

// Status reports the current progress of a conversion. A completed
// conversion whose audio file has gone missing is silently resubmitted
// and reported as regenerating.
func (s *ConversionService) Status(ctx context.Context, ownerID, id string) (*model.ConversionProgressResponse, error) {
	conversion, err := s.getOwned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	resp := &model.ConversionProgressResponse{
		ID:        conversion.UUID,
		Status:    string(conversion.Status),
		Progress:  conversion.Progress,
		UpdatedAt: conversion.UpdatedAt,
	}

	if conversion.Status == model.StatusCompleted && !s.artifactExists(conversion) {
		if err := s.repair(ctx, conversion); err != nil {
			return nil, err
		}
		resp.Status = StatusRegenerating
		resp.Progress = 0
		resp.Message = "Audio file was missing and is being regenerated"
	}

	if logs, err := s.store.RecentLogs(ctx, conversion.ID, 5); err == nil {
		resp.RecentLogs = logs
	}

	if resp.Status == string(model.StatusFailed) {
		for _, entry := range resp.RecentLogs {
			if entry.Kind == model.LogKindError {
				resp.Message = entry.Message
				break
			}
		}
	}

	return resp, nil
}

// Download resolves the artifact path and a user-facing file name for a
// completed conversion. A missing artifact triggers regeneration.
func (s *ConversionService) Download(ctx context.Context, ownerID, id string) (path, filename string, err error) {
	conversion, err := s.getOwned(ctx, ownerID, id)
	if err != nil {
		return "", "", err
	}
	if conversion.Status != model.StatusCompleted {
		return "", "", ErrNotReady
	}
	if !s.artifactExists(conversion) {
		if err := s.repair(ctx, conversion); err != nil {
			return "", "", err
		}
		return "", "", ErrRegenerating
	}
	return s.artifactPath(conversion), downloadFileName(conversion.Title), nil
}

// Cancel requests cancellation of an in-flight conversion. The record
// is marked cancelled immediately; the worker observes the request at
// its next checkpoint and stops producing output.
func (s *ConversionService) Cancel(ctx context.Context, ownerID, id string) (*model.ConversionCancelResponse, error) {
	conversion, err := s.getOwned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if !conversion.Status.IsCancellable() {
		return nil, ErrNotCancellable
	}

	s.registry.Request(conversion.ID)
	conversion.Status = model.StatusCancelled
	if err := s.store.UpdateConversion(ctx, conversion); err != nil {
		return nil, err
	}
	s.appendLog(ctx, conversion.ID, model.LogKindInfo, "Cancellation requested by user")
	logger.Infof("Conversion %s cancelled", conversion.UUID)

	return &model.ConversionCancelResponse{
		Success: true,
		ID:      conversion.UUID,
		Status:  model.StatusCancelled,
	}, nil
}

// List returns all of an owner's conversions, newest first.
func (s *ConversionService) List(ctx context.Context, ownerID string) ([]model.Conversion, error) {
	return s.store.ListByOwner(ctx, ownerID)
}

// Reset forces a conversion back through the pipeline from scratch:
// diagnostic state and any existing artifact are discarded first.
func (s *ConversionService) Reset(ctx context.Context, ownerID, id string) (*model.Conversion, error) {
	conversion, err := s.getOwned(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}

	if err := s.store.ClearLogsAndMetrics(ctx, conversion.ID); err != nil {
		return nil, err
	}
	s.removeArtifact(conversion)

	conversion.Status = model.StatusPending
	conversion.Progress = 0
	conversion.FilePath = nil
	if err := s.store.UpdateConversion(ctx, conversion); err != nil {
		return nil, err
	}
	if err := s.enqueuer.EnqueueConversion(ctx, conversion.ID); err != nil {
		return nil, fmt.Errorf("failed to enqueue conversion: %w", err)
	}

	logger.Infof("Conversion %s reset and requeued", conversion.UUID)
	return conversion, nil
}

// Cleanup deletes an owner's oldest completed conversions, keeping only
// the most recent ones along with their audio files.
func (s *ConversionService) Cleanup(ctx context.Context, ownerID string) (int, error) {
	completed, err := s.store.ListCompletedByOwner(ctx, ownerID)
	if err != nil {
		return 0, err
	}
	if len(completed) <= s.keepLatest {
		return 0, nil
	}

	deleted := 0
	for _, conversion := range completed[s.keepLatest:] {
		conversion := conversion
		s.removeArtifact(&conversion)
		if err := s.store.DeleteConversion(ctx, conversion.ID); err != nil {
			logger.Errorf("Failed to delete conversion %s: %v", conversion.UUID, err)
			continue
		}
		deleted++
	}

	logger.Infof("Cleanup removed %d conversions for user %s", deleted, ownerID)
	return deleted, nil
}

// RequeueStale resubmits processing conversions whose last update is
// older than the staleness window. Crashed workers leave jobs in this
// state; requeueing lets the pending-only guard pick them up again.
func (s *ConversionService) RequeueStale(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.staleAfter)
	stale, err := s.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, conversion := range stale {
		conversion := conversion
		conversion.Status = model.StatusPending
		conversion.Progress = 0
		if err := s.store.UpdateConversion(ctx, &conversion); err != nil {
			logger.Errorf("Failed to reset stale conversion %s: %v", conversion.UUID, err)
			continue
		}
		if err := s.enqueuer.EnqueueConversion(ctx, conversion.ID); err != nil {
			logger.Errorf("Failed to requeue stale conversion %s: %v", conversion.UUID, err)
			continue
		}
		s.appendLog(ctx, conversion.ID, model.LogKindWarning, "Conversion went stale and was requeued")
		requeued++
	}

	if requeued > 0 {
		logger.Warnf("Requeued %d stale conversions", requeued)
	}
	return requeued, nil
}

// MonitorStale periodically sweeps for stale conversions until the
// context is cancelled.
func (s *ConversionService) MonitorStale(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RequeueStale(ctx); err != nil {
				logger.Errorf("Stale sweep failed: %v", err)
			}
		}
	}
}

func (s *ConversionService) getOwned(ctx context.Context, ownerID, id string) (*model.Conversion, error) {
	conversion, err := s.store.GetConversionByUUID(ctx, id)
	if err != nil {
		return nil, err
	}
	if conversion.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return conversion, nil
}

// repair pushes a completed conversion with a missing artifact back
// through the pipeline.
func (s *ConversionService) repair(ctx context.Context, conversion *model.Conversion) error {
	logger.Warnf("Artifact missing for conversion %s, regenerating", conversion.UUID)
	s.appendLog(ctx, conversion.ID, model.LogKindWarning, "Audio file missing, regenerating")

	conversion.Status = model.StatusPending
	conversion.Progress = 0
	conversion.FilePath = nil
	if err := s.store.UpdateConversion(ctx, conversion); err != nil {
		return err
	}
	return s.enqueuer.EnqueueConversion(ctx, conversion.ID)
}

func (s *ConversionService) artifactPath(c *model.Conversion) string {
	if c.FilePath != nil && *c.FilePath != "" {
		return *c.FilePath
	}
	return filepath.Join(s.storagePath, c.UUID+".mp3")
}

func (s *ConversionService) artifactExists(c *model.Conversion) bool {
	info, err := os.Stat(s.artifactPath(c))
	return err == nil && !info.IsDir()
}

func (s *ConversionService) removeArtifact(c *model.Conversion) {
	if err := os.Remove(s.artifactPath(c)); err != nil && !os.IsNotExist(err) {
		logger.Errorf("Failed to remove artifact for conversion %s: %v", c.UUID, err)
	}
}

func (s *ConversionService) appendLog(ctx context.Context, id uint, kind, message string) {
	entry := &model.ConversionLog{ConversionID: id, Kind: kind, Message: message}
	if err := s.store.AppendLog(ctx, entry); err != nil {
		logger.Errorf("Failed to append log for conversion %d: %v", id, err)
	}
}

// downloadFileName derives a safe attachment name from the title.
func downloadFileName(title string) string {
	var b strings.Builder
	for _, r := range title {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		name = "speech"
	}
	return name + ".mp3"
}
