// Package ingest fans decoded chain events out to subscribed webhooks: match
// active configurations, render the payload per config format, mint
// deliveries, and hand them to the delivery queue.
package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/blockrelay/blockrelay/internal/delivery"
	"github.com/blockrelay/blockrelay/internal/logging"
	"github.com/blockrelay/blockrelay/internal/metrics"
	"github.com/blockrelay/blockrelay/internal/tracing"
)

// ConfigSource lists active webhook configurations whose subscriptions could
// match an event. Backed by the relational store in production.
type ConfigSource interface {
	ActiveConfigs(ctx context.Context, contractAddress, eventName string) ([]*delivery.WebhookConfig, error)
}

// Enqueuer accepts minted deliveries. *processor.Processor satisfies it.
type Enqueuer interface {
	Enqueue(d *delivery.Delivery)
}

// Service turns chain events into webhook deliveries.
type Service struct {
	source          ConfigSource
	sink            Enqueuer
	defaultAttempts int
	logger          *logging.Logger
}

// New creates a fan-out service. defaultAttempts is used when a webhook
// config carries no retry ceiling of its own.
func New(source ConfigSource, sink Enqueuer, defaultAttempts int, logger *logging.Logger) *Service {
	if defaultAttempts <= 0 {
		defaultAttempts = 5
	}
	if logger == nil {
		logger = logging.New("blockrelay-ingest")
	}
	return &Service{
		source:          source,
		sink:            sink,
		defaultAttempts: defaultAttempts,
		logger:          logger,
	}
}

// HandleEvent enqueues one delivery per matching subscription and returns the
// number minted. A render failure for one webhook skips that webhook only.
func (s *Service) HandleEvent(ctx context.Context, ev delivery.ChainEvent) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "ingest.event",
		attribute.String("contract_address", ev.ContractAddress),
		attribute.String("event_name", ev.EventName),
		attribute.Int64("block_number", int64(ev.BlockNumber)),
	)
	defer span.End()

	metrics.RecordEventIngested(ev.EventName)

	configs, err := s.source.ActiveConfigs(ctx, ev.ContractAddress, ev.EventName)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return 0, fmt.Errorf("listing webhook configs: %w", err)
	}

	minted := 0
	for _, cfg := range configs {
		if !cfg.Active {
			continue
		}
		for _, sub := range cfg.Subscriptions {
			if !sub.Matches(ev) {
				continue
			}
			d, err := s.mint(ctx, cfg, sub, ev)
			if err != nil {
				s.logger.WithContext(ctx).WithWebhook(cfg.ID).WithEvent(ev.EventName).
					WithError(err).Error("payload render failed, skipping webhook")
				continue
			}
			s.sink.Enqueue(d)
			minted++
			// One delivery per webhook per event, even if several of its
			// subscriptions match.
			break
		}
	}

	tracing.AddSpanEvent(ctx, "ingest.fanout", attribute.Int("deliveries", minted))
	return minted, nil
}

func (s *Service) mint(ctx context.Context, cfg *delivery.WebhookConfig, sub delivery.Subscription, ev delivery.ChainEvent) (*delivery.Delivery, error) {
	id := uuid.New().String()
	payload, err := delivery.RenderPayload(cfg.Format, id, ev)
	if err != nil {
		return nil, err
	}
	maxAttempts := cfg.RetryAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.defaultAttempts
	}
	return &delivery.Delivery{
		ID:             id,
		SubscriptionID: sub.ID,
		WebhookID:      cfg.ID,
		Event:          ev,
		Payload:        payload,
		MaxAttempts:    maxAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		Status:         delivery.StatusPending,
		TraceHeaders:   tracing.PropagateTraceToNSQ(ctx),
	}, nil
}
