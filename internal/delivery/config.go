package delivery

import (
	"fmt"
	"strings"
	"time"
)

// WebhookConfig is a subscriber's delivery target plus its delivery policy.
// Owned by the configuration store; the relay treats it as read-only and
// fetches it per delivery through a ConfigProvider.
type WebhookConfig struct {
	ID             string            `json:"id"`
	URL            string            `json:"url"`
	Format         PayloadFormat     `json:"format"`
	Headers        map[string]string `json:"headers,omitempty"`
	Secret         string            `json:"secret,omitempty"` // HMAC-SHA256 key, empty disables signing
	Timeout        time.Duration     `json:"timeout"`
	RetryAttempts  int               `json:"retry_attempts"`
	RetryBaseDelay time.Duration     `json:"retry_base_delay"`
	Active         bool              `json:"active"`
	Subscriptions  []Subscription    `json:"subscriptions,omitempty"`
}

// Subscription selects which chain events a webhook wants to receive.
type Subscription struct {
	ID              string         `json:"id"`
	ContractAddress string         `json:"contract_address"`
	EventName       string         `json:"event_name"`
	Filter          map[string]any `json:"filter,omitempty"`
}

// Matches reports whether the subscription selects the given event. Contract
// addresses compare case-insensitively (mixed-case checksummed addresses and
// lowercased addresses refer to the same contract). Filter entries must all
// match the event's decoded args by stringified equality.
func (s Subscription) Matches(ev ChainEvent) bool {
	if !strings.EqualFold(s.ContractAddress, ev.ContractAddress) {
		return false
	}
	if s.EventName != ev.EventName {
		return false
	}
	for key, want := range s.Filter {
		got, ok := ev.Args[key]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}
