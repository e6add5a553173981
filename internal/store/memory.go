package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bengillihan/texttomp3/internal/model"
)

// MemoryStore is an in-process Store used when no database is configured
// and throughout the test suite. It mirrors the timestamp stamping the
// database performs so lifecycle behavior matches the real store.
type MemoryStore struct {
	mu          sync.Mutex
	nextID      uint
	nextLogID   uint
	conversions map[uint]model.Conversion
	logs        map[uint][]model.ConversionLog
	metrics     map[uint]model.ConversionMetrics
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nextID:      1,
		nextLogID:   1,
		conversions: make(map[uint]model.Conversion),
		logs:        make(map[uint][]model.ConversionLog),
		metrics:     make(map[uint]model.ConversionMetrics),
	}
}

func copyConversion(c model.Conversion) model.Conversion {
	if c.FilePath != nil {
		path := *c.FilePath
		c.FilePath = &path
	}
	return c
}

// CreateConversion inserts a new conversion record
func (s *MemoryStore) CreateConversion(_ context.Context, c *model.Conversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.nextID
	s.nextID++
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.conversions[c.ID] = copyConversion(*c)
	return nil
}

// GetConversion retrieves a conversion by its internal ID
func (s *MemoryStore) GetConversion(_ context.Context, id uint) (*model.Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyConversion(c)
	return &out, nil
}

// GetConversionByUUID retrieves a conversion by its external identifier
func (s *MemoryStore) GetConversionByUUID(_ context.Context, uuid string) (*model.Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conversions {
		if c.UUID == uuid {
			out := copyConversion(c)
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateConversion saves the full conversion record
func (s *MemoryStore) UpdateConversion(_ context.Context, c *model.Conversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversions[c.ID]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = time.Now()
	s.conversions[c.ID] = copyConversion(*c)
	return nil
}

// DeleteConversion removes a conversion and its diagnostic state
func (s *MemoryStore) DeleteConversion(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conversions, id)
	delete(s.logs, id)
	delete(s.metrics, id)
	return nil
}

// UpdateProgress raises the stored progress; lower values are ignored.
func (s *MemoryStore) UpdateProgress(_ context.Context, id uint, progress float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversions[id]
	if !ok {
		return ErrNotFound
	}
	if progress > c.Progress {
		c.Progress = progress
		c.UpdatedAt = time.Now()
		s.conversions[id] = c
	}
	return nil
}

// AppendLog inserts a diagnostic log entry
func (s *MemoryStore) AppendLog(_ context.Context, entry *model.ConversionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = s.nextLogID
	s.nextLogID++
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.logs[entry.ConversionID] = append(s.logs[entry.ConversionID], *entry)
	return nil
}

// RecentLogs returns the latest log entries for a conversion
func (s *MemoryStore) RecentLogs(_ context.Context, id uint, limit int) ([]model.ConversionLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.logs[id]
	out := make([]model.ConversionLog, len(entries))
	copy(out, entries)
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// WriteMetrics upserts the single metrics row for a conversion
func (s *MemoryStore) WriteMetrics(_ context.Context, m *model.ConversionMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.metrics[m.ConversionID]; ok {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
	} else {
		m.ID = uint(len(s.metrics) + 1)
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
	}
	s.metrics[m.ConversionID] = *m
	return nil
}

// GetMetrics returns the metrics row for a conversion, if any.
func (s *MemoryStore) GetMetrics(_ context.Context, id uint) (*model.ConversionMetrics, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[id]
	if !ok {
		return nil, false
	}
	return &m, true
}

// ListByOwner returns all conversions for an owner, newest first
func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]model.Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Conversion
	for _, c := range s.conversions {
		if c.OwnerID == ownerID {
			out = append(out, copyConversion(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ListCompletedByOwner returns completed conversions for an owner, newest first
func (s *MemoryStore) ListCompletedByOwner(ctx context.Context, ownerID string) ([]model.Conversion, error) {
	all, err := s.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	var out []model.Conversion
	for _, c := range all {
		if c.Status == model.StatusCompleted {
			out = append(out, c)
		}
	}
	return out, nil
}

// ListStale returns processing conversions not updated since cutoff
func (s *MemoryStore) ListStale(_ context.Context, cutoff time.Time) ([]model.Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Conversion
	for _, c := range s.conversions {
		if c.Status == model.StatusProcessing && c.UpdatedAt.Before(cutoff) {
			out = append(out, copyConversion(c))
		}
	}
	return out, nil
}

// ClearLogsAndMetrics removes all diagnostic state for a conversion
func (s *MemoryStore) ClearLogsAndMetrics(_ context.Context, id uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, id)
	delete(s.metrics, id)
	return nil
}
