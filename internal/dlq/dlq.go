// Package dlq quarantines deliveries that exhausted all retries. Entries keep
// the full delivery snapshot plus diagnostic context so operators can inspect
// and replay them.
package dlq

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blockrelay/blockrelay/internal/delivery"
	"github.com/blockrelay/blockrelay/internal/logging"
	"github.com/blockrelay/blockrelay/internal/metrics"
)

// Entry is one quarantined delivery.
type Entry struct {
	ID        string            `json:"id"`
	Delivery  delivery.Delivery `json:"delivery"`
	Reason    string            `json:"reason"`
	LastError string            `json:"last_error,omitempty"`
	FailedAt  time.Time         `json:"failed_at"`
	Retryable bool              `json:"retryable"`
}

// Stats summarizes the quarantine.
type Stats struct {
	TotalEntries     int        `json:"total_entries"`
	RetryableEntries int        `json:"retryable_entries"`
	OldestFailedAt   *time.Time `json:"oldest_failed_at,omitempty"`
}

// Store persists dead-letter entries. The in-memory store never fails; the
// Postgres store can, which the Queue treats as a degraded outcome, not a
// crash.
type Store interface {
	Insert(ctx context.Context, e Entry) error
	Get(ctx context.Context, id string) (Entry, bool, error)
	Remove(ctx context.Context, id string) error
	List(ctx context.Context, limit int) ([]Entry, error)
}

// Queue is the dead letter queue.
type Queue struct {
	store  Store
	logger *logging.Logger
}

// New creates a Queue on the given store. A nil store gets an in-memory one.
func New(store Store, logger *logging.Logger) *Queue {
	if store == nil {
		store = NewMemoryStore()
	}
	if logger == nil {
		logger = logging.New("blockrelay-dlq")
	}
	return &Queue{store: store, logger: logger}
}

// AddFailedDelivery quarantines a delivery that exhausted its retries and
// returns the entry id. Persistence failures are logged, never propagated:
// the caller already gave up retrying, and losing the quarantine record is
// degraded, not fatal.
func (q *Queue) AddFailedDelivery(ctx context.Context, d *delivery.Delivery, reason, lastError string) string {
	snapshot := *d
	snapshot.Status = delivery.StatusDeadLettered
	entry := Entry{
		ID:        uuid.New().String(),
		Delivery:  snapshot,
		Reason:    reason,
		LastError: lastError,
		FailedAt:  time.Now().UTC(),
		Retryable: true,
	}
	if err := q.store.Insert(ctx, entry); err != nil {
		q.logger.WithContext(ctx).WithDelivery(d.ID).WithWebhook(d.WebhookID).
			WithError(err).Error("dead letter insert failed, delivery record lost")
		return ""
	}
	metrics.RecordDLQ()
	q.logger.WithContext(ctx).WithDelivery(d.ID).WithWebhook(d.WebhookID).WithFields(map[string]any{
		"entry_id": entry.ID,
		"reason":   reason,
	}).Warn("delivery dead-lettered")
	return entry.ID
}

// RetryDelivery returns a copy of the quarantined delivery prepared for
// re-enqueue: attempts reset to zero and a fresh delivery id, so the replay
// counts as a new delivery. The entry is removed. It does not re-enqueue.
func (q *Queue) RetryDelivery(ctx context.Context, entryID string) (*delivery.Delivery, bool) {
	entry, ok, err := q.store.Get(ctx, entryID)
	if err != nil {
		q.logger.WithContext(ctx).WithField("entry_id", entryID).WithError(err).Error("dead letter lookup failed")
		return nil, false
	}
	if !ok || !entry.Retryable {
		return nil, false
	}

	d := entry.Delivery
	d.ID = uuid.New().String()
	d.Attempts = 0
	d.Status = delivery.StatusPending

	if err := q.store.Remove(ctx, entryID); err != nil {
		q.logger.WithContext(ctx).WithField("entry_id", entryID).WithError(err).Error("dead letter remove failed")
	}
	return &d, true
}

// Entries lists quarantined deliveries, newest first.
func (q *Queue) Entries(ctx context.Context, limit int) []Entry {
	entries, err := q.store.List(ctx, limit)
	if err != nil {
		q.logger.WithContext(ctx).WithError(err).Error("dead letter list failed")
		return nil
	}
	return entries
}

// GetStats summarizes the quarantine.
func (q *Queue) GetStats(ctx context.Context) Stats {
	entries, err := q.store.List(ctx, 0)
	if err != nil {
		q.logger.WithContext(ctx).WithError(err).Error("dead letter stats failed")
		return Stats{}
	}
	st := Stats{TotalEntries: len(entries)}
	for _, e := range entries {
		if e.Retryable {
			st.RetryableEntries++
		}
		if st.OldestFailedAt == nil || e.FailedAt.Before(*st.OldestFailedAt) {
			failedAt := e.FailedAt
			st.OldestFailedAt = &failedAt
		}
	}
	return st
}

// MemoryStore is the default in-process store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Insert(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.ID] = e
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok, nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
