package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"gigverify/internal/verification/models"
	"gigverify/pkg/platform/sentinel"
)

// InMemory is an append-only audit ledger held in process memory.
//
// Entries are kept in append order and never modified. Timestamps are
// clamped so that append order and timestamp order agree even if the clock
// steps backwards. With a positive MaxEntries the oldest entries are dropped
// once the bound is exceeded; queries that reach into the dropped range are
// reported as truncated.
type InMemory struct {
	mu         sync.RWMutex
	entries    []*models.AuditLogEntry
	byKey      map[string]*models.AuditLogEntry
	dropped    int64
	droppedTo  time.Time
	maxEntries int
	last       time.Time
	now        func() time.Time
	newID      func() string
}

type Option func(*InMemory)

// WithMaxEntries bounds retention. Zero or negative keeps everything.
func WithMaxEntries(n int) Option {
	return func(s *InMemory) { s.maxEntries = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *InMemory) { s.now = now }
}

func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{
		byKey: make(map[string]*models.AuditLogEntry),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append records entry and returns the stored copy with ID and Timestamp set.
// A zero Timestamp is filled from the clock. If the idempotency key was
// already recorded the earlier entry is returned with sentinel.ErrDuplicate
// and nothing is written.
func (s *InMemory) Append(_ context.Context, entry *models.AuditLogEntry) (*models.AuditLogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.IdempotencyKey != "" {
		if existing, ok := s.byKey[entry.IdempotencyKey]; ok {
			return existing.Clone(), sentinel.ErrDuplicate
		}
	}

	stored := entry.Clone()
	if stored.ID == "" {
		stored.ID = s.newID()
	}
	if stored.Timestamp.IsZero() {
		stored.Timestamp = s.now()
	}
	stored.Timestamp = stored.Timestamp.UTC()
	if stored.Timestamp.Before(s.last) {
		stored.Timestamp = s.last
	}
	s.last = stored.Timestamp

	s.entries = append(s.entries, stored)
	if stored.IdempotencyKey != "" {
		s.byKey[stored.IdempotencyKey] = stored
	}
	s.evict()
	return stored.Clone(), nil
}

// evict drops the oldest entries beyond maxEntries. Caller holds the lock.
func (s *InMemory) evict() {
	if s.maxEntries <= 0 || len(s.entries) <= s.maxEntries {
		return
	}
	n := len(s.entries) - s.maxEntries
	for _, e := range s.entries[:n] {
		if e.IdempotencyKey != "" {
			delete(s.byKey, e.IdempotencyKey)
		}
	}
	kept := make([]*models.AuditLogEntry, s.maxEntries)
	copy(kept, s.entries[n:])
	s.droppedTo = s.entries[n-1].Timestamp
	s.entries = kept
	s.dropped += int64(n)
}

// Query returns the retained entries matching filter, newest first.
func (s *InMemory) Query(_ context.Context, filter models.AuditFilter) (*models.AuditPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	page := &models.AuditPage{Entries: []*models.AuditLogEntry{}}
	for i := len(s.entries) - 1; i >= 0; i-- {
		if filter.Matches(s.entries[i]) {
			page.Entries = append(page.Entries, s.entries[i].Clone())
		}
	}
	page.Truncated = s.truncated(filter)
	return page, nil
}

func (s *InMemory) truncated(filter models.AuditFilter) bool {
	if s.dropped == 0 {
		return false
	}
	if filter.StartDate == nil {
		return true
	}
	// Retained entries may share the newest dropped timestamp, so compare
	// against the dropped range rather than the oldest retained entry.
	return !filter.StartDate.After(s.droppedTo)
}

func (s *InMemory) FindByIdempotencyKey(_ context.Context, key string) (*models.AuditLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byKey[key]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return e.Clone(), nil
}

func (s *InMemory) Retention(_ context.Context) (*models.Retention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := &models.Retention{
		MaxEntries: s.maxEntries,
		Retained:   len(s.entries),
		Dropped:    s.dropped,
	}
	if len(s.entries) > 0 {
		oldest := s.entries[0].Timestamp
		r.OldestRetainedAt = &oldest
	}
	return r, nil
}
