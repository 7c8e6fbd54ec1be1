// Package queue owns pending and in-flight deliveries. A bounded worker pool
// pulls ready work, failed attempts are re-scheduled with capped exponential
// backoff, and a delivery that exhausts its attempt ceiling is handed to the
// exhaustion callback exactly once.
package queue

import (
	"container/heap"
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/blockrelay/blockrelay/internal/delivery"
	"github.com/blockrelay/blockrelay/internal/logging"
	"github.com/blockrelay/blockrelay/internal/metrics"
)

const (
	defaultMaxConcurrent = 16
	defaultBaseDelay     = time.Second
	defaultBackoffCap    = time.Minute
	// idleWait bounds the dispatcher's sleep when nothing is scheduled.
	idleWait = time.Hour
)

// Handler processes one delivery attempt. A nil return completes the
// delivery; an error makes the queue retry or give up.
type Handler func(ctx context.Context, d *delivery.Delivery) error

// ExhaustedFunc is invoked once when a delivery fails with no attempts left.
type ExhaustedFunc func(d *delivery.Delivery, lastErr error)

// Options tune the queue.
type Options struct {
	MaxConcurrent int           // worker pool ceiling, default 16
	BaseDelay     time.Duration // backoff base when the delivery has none
	BackoffCap    time.Duration // upper bound for one retry delay
	JitterPercent float64       // +/- fraction applied to each delay
	OnExhausted   ExhaustedFunc
	Logger        *logging.Logger
}

// scheduled is a delivery waiting out its backoff.
type scheduled struct {
	d  *delivery.Delivery
	at time.Time
}

type retryHeap []scheduled

func (h retryHeap) Len() int            { return len(h) }
func (h retryHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h retryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x any)         { *h = append(*h, x.(scheduled)) }
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Queue schedules webhook deliveries.
type Queue struct {
	opts   Options
	logger *logging.Logger

	mu         sync.Mutex
	ready      []*delivery.Delivery
	retries    retryHeap
	processing int
	running    bool
	handler    Handler

	wake    chan struct{}
	stop    chan struct{}
	done    chan struct{}
	workers sync.WaitGroup
}

// New creates a stopped queue.
func New(opts Options) *Queue {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = defaultBackoffCap
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.New("blockrelay-queue")
	}
	return &Queue{
		opts:   opts,
		logger: logger,
		wake:   make(chan struct{}, 1),
	}
}

// OnExhausted sets the callback invoked when a delivery fails its final
// attempt. The processor wires itself in here after construction.
func (q *Queue) OnExhausted(fn ExhaustedFunc) {
	q.mu.Lock()
	q.opts.OnExhausted = fn
	q.mu.Unlock()
}

// Enqueue adds a delivery as pending. Safe to call whether or not the queue
// is processing; work enqueued while stopped is dispatched after the next
// StartProcessing.
func (q *Queue) Enqueue(d *delivery.Delivery) {
	q.mu.Lock()
	d.Status = delivery.StatusPending
	if d.EnqueuedAt.IsZero() {
		d.EnqueuedAt = time.Now().UTC()
	}
	q.ready = append(q.ready, d)
	depth := len(q.ready) + len(q.retries)
	q.mu.Unlock()

	metrics.UpdateQueueDepth(float64(depth))
	q.signal()
}

// StartProcessing begins dispatching deliveries to the handler. Starting an
// already-running queue logs a warning and no-ops.
func (q *Queue) StartProcessing(handler Handler) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		q.logger.Plain().Warn("queue already processing, ignoring start")
		return
	}
	q.running = true
	q.handler = handler
	q.stop = make(chan struct{})
	q.done = make(chan struct{})
	q.mu.Unlock()

	go q.dispatch()
}

// StopProcessing stops dispatching new deliveries immediately and waits for
// in-flight attempts to finish naturally. Pending and scheduled deliveries
// stay queued for the next start.
func (q *Queue) StopProcessing() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	close(q.stop)
	done := q.done
	q.mu.Unlock()

	<-done
	q.workers.Wait()
}

// Size returns the count of pending plus scheduled-retry deliveries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.retries)
}

// ProcessingCount returns the number of deliveries currently being dispatched.
func (q *Queue) ProcessingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// dispatch is the single scheduling loop: it promotes due retries, hands
// ready deliveries to workers while slots are free, and otherwise sleeps
// until the next retry deadline or a wake signal.
func (q *Queue) dispatch() {
	defer close(q.done)

	for {
		select {
		case <-q.stop:
			return
		default:
		}

		q.mu.Lock()
		now := time.Now()
		for len(q.retries) > 0 && !q.retries[0].at.After(now) {
			item := heap.Pop(&q.retries).(scheduled)
			q.ready = append(q.ready, item.d)
		}

		var next *delivery.Delivery
		if len(q.ready) > 0 && q.processing < q.opts.MaxConcurrent {
			next = q.ready[0]
			q.ready = q.ready[1:]
			q.processing++
			next.Status = delivery.StatusDelivering
			next.Attempts++
		}
		wait := idleWait
		if next == nil && len(q.retries) > 0 {
			if until := time.Until(q.retries[0].at); until < wait {
				wait = until
			}
		}
		depth := len(q.ready) + len(q.retries)
		inflight := q.processing
		q.mu.Unlock()

		metrics.UpdateQueueDepth(float64(depth))
		metrics.UpdateInflight(float64(inflight))

		if next != nil {
			q.workers.Add(1)
			go q.run(next)
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-q.stop:
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// run executes one attempt on a worker goroutine.
func (q *Queue) run(d *delivery.Delivery) {
	defer q.workers.Done()

	err := q.handler(context.Background(), d)

	q.mu.Lock()
	q.processing--
	if err == nil {
		d.Status = delivery.StatusCompleted
		q.mu.Unlock()
		q.signal()
		return
	}

	if d.Attempts < d.MaxAttempts {
		d.Status = delivery.StatusPending
		// Capture log fields before the push; once the retry is on the heap
		// the dispatcher owns the delivery and may mutate it.
		attempt := d.Attempts
		deliveryID, webhookID := d.ID, d.WebhookID
		delay := q.retryDelay(d)
		heap.Push(&q.retries, scheduled{d: d, at: time.Now().Add(delay)})
		q.mu.Unlock()

		q.logger.Plain().WithDelivery(deliveryID).WithWebhook(webhookID).WithFields(map[string]any{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Info("delivery scheduled for retry")
		q.signal()
		return
	}

	d.Status = delivery.StatusDeadLettered
	exhausted := q.opts.OnExhausted
	q.mu.Unlock()

	if exhausted != nil {
		exhausted(d, err)
	}
	q.signal()
}

func (q *Queue) retryDelay(d *delivery.Delivery) time.Duration {
	base := d.RetryBaseDelay
	if base <= 0 {
		base = q.opts.BaseDelay
	}
	return Backoff(d.Attempts, base, q.opts.BackoffCap, q.opts.JitterPercent)
}

// Backoff computes the delay before the retry following the given attempt:
// base * 2^(attempt-1), capped at ceiling, with +/- jitterPct applied.
func Backoff(attempt int, base, ceiling time.Duration, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= ceiling {
			delay = ceiling
			break
		}
	}
	if delay > ceiling {
		delay = ceiling
	}
	if jitterPct > 0 {
		j := 1 + (rand.Float64()*2-1)*jitterPct
		if j < 0.1 {
			j = 0.1
		}
		delay = time.Duration(float64(delay) * j)
	}
	return delay
}
