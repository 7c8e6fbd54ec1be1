package delivery

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a delivery inside the relay.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDelivering   Status = "delivering"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// ChainEvent is one decoded blockchain log that triggered a delivery.
type ChainEvent struct {
	ContractAddress string         `json:"contract_address"`
	EventName       string         `json:"event_name"`
	BlockNumber     uint64         `json:"block_number"`
	TxHash          string         `json:"tx_hash"`
	LogIndex        uint32         `json:"log_index"`
	Args            map[string]any `json:"args,omitempty"`
	BlockTimestamp  time.Time      `json:"block_timestamp"`
}

// Delivery is one unit of work: one event destined for one webhook.
// Attempts and Status are mutated only by the queue and the processor;
// everything else is fixed at enqueue time.
type Delivery struct {
	ID             string            `json:"id"`
	SubscriptionID string            `json:"subscription_id"`
	WebhookID      string            `json:"webhook_id"`
	Event          ChainEvent        `json:"event"`
	Payload        json.RawMessage   `json:"payload"`
	Attempts       int               `json:"attempt"`
	MaxAttempts    int               `json:"max_attempts"`
	RetryBaseDelay time.Duration     `json:"retry_base_delay"`
	Status         Status            `json:"status"`
	EnqueuedAt     time.Time         `json:"enqueued_at"`
	TraceHeaders   map[string]string `json:"trace_headers,omitempty"` // OTel trace propagation headers
}

// Result is the outcome of a single send attempt. Ephemeral: always paired
// with its delivery when tracked, never persisted on its own.
type Result struct {
	Success        bool   `json:"success"`
	StatusCode     int    `json:"status_code,omitempty"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	Error          string `json:"error,omitempty"`
}
