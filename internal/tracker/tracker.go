// Package tracker keeps per-webhook delivery accounting: a bounded window of
// recent attempt records plus exact lifetime counters that survive eviction.
package tracker

import (
	"math"
	"sync"
	"time"

	"github.com/blockrelay/blockrelay/internal/delivery"
)

// DefaultWindow is how many records are retained per webhook.
const DefaultWindow = 1000

// Record is an immutable snapshot of one delivery attempt.
type Record struct {
	DeliveryID     string    `json:"delivery_id"`
	Timestamp      time.Time `json:"timestamp"`
	Success        bool      `json:"success"`
	ResponseTimeMS int64     `json:"response_time_ms"`
	Error          string    `json:"error,omitempty"`
}

// Stats are aggregate counts for one webhook. Counts accumulate independently
// of the retained window, so they stay exact after old records are evicted.
type Stats struct {
	TotalDeliveries       int64 `json:"total_deliveries"`
	SuccessfulDeliveries  int64 `json:"successful_deliveries"`
	FailedDeliveries      int64 `json:"failed_deliveries"`
	AverageResponseTimeMS int64 `json:"average_response_time_ms"`
}

type history struct {
	records         []Record
	total           int64
	successful      int64
	failed          int64
	responseTimeSum int64
}

// Tracker records delivery outcomes per webhook.
type Tracker struct {
	mu       sync.RWMutex
	window   int
	webhooks map[string]*history
}

// New creates a Tracker with the given retention window per webhook.
// window <= 0 falls back to DefaultWindow.
func New(window int) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{
		window:   window,
		webhooks: make(map[string]*history),
	}
}

// Track appends a record for the attempt and updates the lifetime counters.
func (t *Tracker) Track(d *delivery.Delivery, res delivery.Result) {
	rec := Record{
		DeliveryID:     d.ID,
		Timestamp:      time.Now().UTC(),
		Success:        res.Success,
		ResponseTimeMS: res.ResponseTimeMS,
		Error:          res.Error,
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.webhooks[d.WebhookID]
	if h == nil {
		h = &history{}
		t.webhooks[d.WebhookID] = h
	}

	h.total++
	if res.Success {
		h.successful++
	} else {
		h.failed++
	}
	h.responseTimeSum += res.ResponseTimeMS

	if len(h.records) == t.window {
		copy(h.records, h.records[1:])
		h.records = h.records[:t.window-1]
	}
	h.records = append(h.records, rec)
}

// Stats returns aggregate counts for a webhook. Unknown webhooks get zeroed
// stats, never an error.
func (t *Tracker) Stats(webhookID string) Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h := t.webhooks[webhookID]
	if h == nil {
		return Stats{}
	}
	s := Stats{
		TotalDeliveries:      h.total,
		SuccessfulDeliveries: h.successful,
		FailedDeliveries:     h.failed,
	}
	if h.total > 0 {
		s.AverageResponseTimeMS = int64(math.Round(float64(h.responseTimeSum) / float64(h.total)))
	}
	return s
}

// Recent returns at most limit records for a webhook, oldest first. The last
// element is the most recently tracked record. limit <= 0 returns the whole
// retained window.
func (t *Tracker) Recent(webhookID string, limit int) []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h := t.webhooks[webhookID]
	if h == nil {
		return nil
	}
	n := len(h.records)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, n)
	copy(out, h.records[len(h.records)-n:])
	return out
}

// Clear drops one webhook's history and counters. Clearing an unknown webhook
// is a no-op.
func (t *Tracker) Clear(webhookID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.webhooks, webhookID)
}

// ClearAll drops all webhooks' histories and counters.
func (t *Tracker) ClearAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.webhooks = make(map[string]*history)
}
