// Package processor orchestrates the delivery pipeline: it owns the queue's
// handler (resolve config, validate, send, track), aggregates run-level
// statistics, and quarantines deliveries that exhaust their retries.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/blockrelay/blockrelay/internal/delivery"
	"github.com/blockrelay/blockrelay/internal/dlq"
	"github.com/blockrelay/blockrelay/internal/logging"
	"github.com/blockrelay/blockrelay/internal/queue"
	"github.com/blockrelay/blockrelay/internal/sender"
	"github.com/blockrelay/blockrelay/internal/tracker"
	"github.com/blockrelay/blockrelay/internal/tracing"
)

// ErrWebhookNotFound is returned by ConfigProviders when a webhook id has no
// configuration. The attempt is retried like any other failure: a transient
// store outage looks identical, and a genuinely missing config will exhaust
// its retries and dead-letter, which is the correct terminal outcome.
var ErrWebhookNotFound = errors.New("webhook configuration not found")

// ConfigProvider resolves webhook configurations per delivery. Backed by the
// relational store in production; tests substitute a fake.
type ConfigProvider interface {
	WebhookConfig(ctx context.Context, webhookID string) (*delivery.WebhookConfig, error)
}

// ConfigProviderFunc adapts a function to the ConfigProvider interface.
type ConfigProviderFunc func(ctx context.Context, webhookID string) (*delivery.WebhookConfig, error)

func (f ConfigProviderFunc) WebhookConfig(ctx context.Context, webhookID string) (*delivery.WebhookConfig, error) {
	return f(ctx, webhookID)
}

// Dispatcher performs one delivery attempt. *sender.Sender satisfies it.
type Dispatcher interface {
	Send(ctx context.Context, d *delivery.Delivery, cfg *delivery.WebhookConfig) (delivery.Result, error)
}

// Stats is a snapshot of the processor's counters. The first four are
// monotonic for the processor's lifetime; the queue figures are live.
type Stats struct {
	Running              bool  `json:"is_running"`
	TotalProcessed       int64 `json:"total_processed"`
	SuccessfulDeliveries int64 `json:"successful_deliveries"`
	FailedDeliveries     int64 `json:"failed_deliveries"`
	CurrentQueueSize     int   `json:"current_queue_size"`
	ProcessingCount      int   `json:"processing_count"`
}

// Processor drives the delivery queue.
type Processor struct {
	queue    *queue.Queue
	sender   Dispatcher
	tracker  *tracker.Tracker
	dlq      *dlq.Queue
	provider ConfigProvider
	logger   *logging.Logger

	running        atomic.Bool
	totalProcessed atomic.Int64
	successful     atomic.Int64
	failed         atomic.Int64
}

// New wires a processor. The dead letter queue may be nil; exhausted
// deliveries are then lost with an error log (accepted degraded mode).
func New(q *queue.Queue, snd Dispatcher, trk *tracker.Tracker, dq *dlq.Queue, provider ConfigProvider, logger *logging.Logger) *Processor {
	if logger == nil {
		logger = logging.New("blockrelay-processor")
	}
	p := &Processor{
		queue:    q,
		sender:   snd,
		tracker:  trk,
		dlq:      dq,
		provider: provider,
		logger:   logger,
	}
	q.OnExhausted(p.HandleMaxRetriesExceeded)
	return p
}

// Start wires the delivery handler into the queue and begins processing.
// Starting a running processor logs a warning and no-ops.
func (p *Processor) Start() {
	if !p.running.CompareAndSwap(false, true) {
		p.logger.Plain().Warn("processor already running, ignoring start")
		return
	}
	p.queue.StartProcessing(p.processDelivery)
	p.logger.Plain().Info("processor started")
}

// Stop halts dispatch and waits for in-flight deliveries to finish.
// Stopping a stopped processor is a no-op.
func (p *Processor) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		p.logger.Plain().Warn("processor not running, ignoring stop")
		return
	}
	p.queue.StopProcessing()
	p.logger.Plain().Info("processor stopped")
}

// Running reports whether the processor is dispatching.
func (p *Processor) Running() bool {
	return p.running.Load()
}

// Enqueue is the ingestion point for newly produced deliveries.
func (p *Processor) Enqueue(d *delivery.Delivery) {
	p.queue.Enqueue(d)
}

// GetStats returns the processor counters plus live queue figures.
func (p *Processor) GetStats() Stats {
	return Stats{
		Running:              p.running.Load(),
		TotalProcessed:       p.totalProcessed.Load(),
		SuccessfulDeliveries: p.successful.Load(),
		FailedDeliveries:     p.failed.Load(),
		CurrentQueueSize:     p.queue.Size(),
		ProcessingCount:      p.queue.ProcessingCount(),
	}
}

// processDelivery is the queue handler: one invocation per attempt. Every
// attempt is tracked exactly once, success or failure; only config and
// transport errors are returned so the queue can decide retry vs give-up.
func (p *Processor) processDelivery(ctx context.Context, d *delivery.Delivery) error {
	ctx = tracing.ExtractTraceFromNSQ(ctx, d.TraceHeaders)
	ctx, span := tracing.StartSpan(ctx, "processor.delivery",
		attribute.String("delivery_id", d.ID),
		attribute.String("webhook_id", d.WebhookID),
		attribute.Int("attempt", d.Attempts),
	)
	defer span.End()

	p.totalProcessed.Add(1)

	cfg, err := p.provider.WebhookConfig(ctx, d.WebhookID)
	if err != nil {
		return p.fail(ctx, d, delivery.Result{Error: err.Error()},
			fmt.Errorf("resolving configuration for webhook %s: %w", d.WebhookID, err))
	}
	if cfg == nil {
		err := fmt.Errorf("%w: %s", ErrWebhookNotFound, d.WebhookID)
		return p.fail(ctx, d, delivery.Result{Error: err.Error()}, err)
	}
	if v := sender.ValidateConfig(cfg); !v.Valid {
		err := fmt.Errorf("invalid configuration for webhook %s: %v", d.WebhookID, v.Errors)
		return p.fail(ctx, d, delivery.Result{Error: err.Error()}, err)
	}

	res, err := p.sender.Send(ctx, d, cfg)
	if err != nil {
		// Programmer error from the sender; still one tracked attempt.
		return p.fail(ctx, d, delivery.Result{Error: err.Error()}, err)
	}
	if !res.Success {
		return p.fail(ctx, d, res, fmt.Errorf("delivery failed: %s", res.Error))
	}

	p.track(ctx, d, res)
	p.successful.Add(1)
	p.logger.WithContext(ctx).WithDelivery(d.ID).WithWebhook(d.WebhookID).WithFields(map[string]any{
		"status_code":      res.StatusCode,
		"response_time_ms": res.ResponseTimeMS,
	}).Debug("delivery succeeded")
	return nil
}

// fail records one failed attempt and re-raises so the queue can retry.
func (p *Processor) fail(ctx context.Context, d *delivery.Delivery, res delivery.Result, err error) error {
	res.Success = false
	p.track(ctx, d, res)
	p.failed.Add(1)
	tracing.SetSpanError(ctx, err)
	p.logger.WithContext(ctx).WithDelivery(d.ID).WithWebhook(d.WebhookID).WithFields(map[string]any{
		"attempt":      d.Attempts,
		"max_attempts": d.MaxAttempts,
	}).WithError(err).Warn("delivery attempt failed")
	return err
}

// track records the attempt; tracking failures must never fail the delivery.
func (p *Processor) track(ctx context.Context, d *delivery.Delivery, res delivery.Result) {
	if p.tracker == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.WithContext(ctx).WithDelivery(d.ID).
				WithField("panic", r).Error("tracking delivery record failed")
		}
	}()
	p.tracker.Track(d, res)
}

// HandleMaxRetriesExceeded quarantines a delivery whose retries are spent.
// With no dead letter queue configured the delivery is permanently lost,
// which is logged as an error rather than crashing.
func (p *Processor) HandleMaxRetriesExceeded(d *delivery.Delivery, lastErr error) {
	lastError := ""
	if lastErr != nil {
		lastError = lastErr.Error()
	}
	if p.dlq == nil {
		p.logger.Plain().WithDelivery(d.ID).WithWebhook(d.WebhookID).WithFields(map[string]any{
			"attempts":   d.Attempts,
			"last_error": lastError,
		}).Error("no dead letter queue configured, delivery permanently lost")
		return
	}
	p.dlq.AddFailedDelivery(context.Background(), d, "max retries exceeded", lastError)
	p.logger.Plain().WithDelivery(d.ID).WithWebhook(d.WebhookID).WithFields(map[string]any{
		"attempts":     d.Attempts,
		"max_attempts": d.MaxAttempts,
		"last_error":   lastError,
	}).Warn("delivery moved to dead letter queue")
}

// RetryFromDeadLetter re-enqueues a quarantined delivery. Returns false,
// without error, when no dead letter queue is configured or the entry is
// unknown.
func (p *Processor) RetryFromDeadLetter(ctx context.Context, entryID string) bool {
	if p.dlq == nil {
		p.logger.WithContext(ctx).WithField("entry_id", entryID).Warn("no dead letter queue configured")
		return false
	}
	d, ok := p.dlq.RetryDelivery(ctx, entryID)
	if !ok {
		return false
	}
	p.queue.Enqueue(d)
	p.logger.WithContext(ctx).WithDelivery(d.ID).WithWebhook(d.WebhookID).
		WithField("entry_id", entryID).Info("dead-lettered delivery re-enqueued")
	return true
}
