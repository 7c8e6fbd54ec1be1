// Package store resolves webhook configurations from Postgres. The relay
// treats configs as read-only; registration CRUD lives outside this service.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blockrelay/blockrelay/internal/delivery"
)

// WebhookStore reads webhook configurations and subscriptions.
//
// Expected schema:
//
//	CREATE TABLE blockrelay.webhooks (
//	    id               uuid PRIMARY KEY,
//	    url              text NOT NULL,
//	    format           text NOT NULL DEFAULT 'generic',
//	    headers          jsonb NOT NULL DEFAULT '{}',
//	    secret           text NOT NULL DEFAULT '',
//	    timeout_ms       int  NOT NULL DEFAULT 15000,
//	    retry_attempts   int  NOT NULL DEFAULT 5,
//	    retry_base_delay_ms int NOT NULL DEFAULT 1000,
//	    active           boolean NOT NULL DEFAULT true
//	);
//	CREATE TABLE blockrelay.subscriptions (
//	    id               uuid PRIMARY KEY,
//	    webhook_id       uuid NOT NULL REFERENCES blockrelay.webhooks(id),
//	    contract_address text NOT NULL,
//	    event_name       text NOT NULL,
//	    filter           jsonb NOT NULL DEFAULT '{}'
//	);
type WebhookStore struct {
	pool *pgxpool.Pool
}

// New creates a store on the given pool.
func New(pool *pgxpool.Pool) *WebhookStore {
	return &WebhookStore{pool: pool}
}

// WebhookConfig resolves one webhook configuration with its subscriptions.
// Returns (nil, nil) when the webhook does not exist, matching the
// processor's not-found contract.
func (s *WebhookStore) WebhookConfig(ctx context.Context, webhookID string) (*delivery.WebhookConfig, error) {
	cfg, err := s.scanWebhook(ctx, s.pool.QueryRow(ctx, `
		SELECT id, url, format, headers, secret, timeout_ms, retry_attempts, retry_base_delay_ms, active
		FROM blockrelay.webhooks WHERE id = $1`, webhookID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadSubscriptions(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ActiveConfigs lists active webhooks holding at least one subscription for
// the given contract address and event name. Filters are evaluated in
// process by Subscription.Matches, not in SQL.
func (s *WebhookStore) ActiveConfigs(ctx context.Context, contractAddress, eventName string) ([]*delivery.WebhookConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT w.id, w.url, w.format, w.headers, w.secret, w.timeout_ms,
		       w.retry_attempts, w.retry_base_delay_ms, w.active
		FROM blockrelay.webhooks w
		JOIN blockrelay.subscriptions sub ON sub.webhook_id = w.id
		WHERE w.active AND lower(sub.contract_address) = lower($1) AND sub.event_name = $2`,
		contractAddress, eventName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*delivery.WebhookConfig
	for rows.Next() {
		cfg, err := s.scanWebhook(ctx, rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, cfg := range configs {
		if err := s.loadSubscriptions(ctx, cfg); err != nil {
			return nil, err
		}
	}
	return configs, nil
}

func (s *WebhookStore) scanWebhook(_ context.Context, row pgx.Row) (*delivery.WebhookConfig, error) {
	var (
		cfg         delivery.WebhookConfig
		headers     []byte
		timeoutMS   int
		baseDelayMS int
	)
	err := row.Scan(&cfg.ID, &cfg.URL, &cfg.Format, &headers, &cfg.Secret,
		&timeoutMS, &cfg.RetryAttempts, &baseDelayMS, &cfg.Active)
	if err != nil {
		return nil, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &cfg.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers for webhook %s: %w", cfg.ID, err)
		}
	}
	cfg.Timeout = time.Duration(timeoutMS) * time.Millisecond
	cfg.RetryBaseDelay = time.Duration(baseDelayMS) * time.Millisecond
	return &cfg, nil
}

func (s *WebhookStore) loadSubscriptions(ctx context.Context, cfg *delivery.WebhookConfig) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, contract_address, event_name, filter
		FROM blockrelay.subscriptions WHERE webhook_id = $1`, cfg.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return err
		}
		cfg.Subscriptions = append(cfg.Subscriptions, sub)
	}
	return rows.Err()
}

func scanSubscription(row pgx.Row) (delivery.Subscription, error) {
	var (
		sub    delivery.Subscription
		filter []byte
	)
	if err := row.Scan(&sub.ID, &sub.ContractAddress, &sub.EventName, &filter); err != nil {
		return delivery.Subscription{}, err
	}
	if len(filter) > 0 {
		if err := json.Unmarshal(filter, &sub.Filter); err != nil {
			return delivery.Subscription{}, fmt.Errorf("unmarshal filter for subscription %s: %w", sub.ID, err)
		}
	}
	return sub, nil
}
