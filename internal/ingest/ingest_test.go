package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/blockrelay/blockrelay/internal/delivery"
)

type fakeSource struct {
	configs []*delivery.WebhookConfig
	err     error
}

func (f *fakeSource) ActiveConfigs(ctx context.Context, contract, eventName string) ([]*delivery.WebhookConfig, error) {
	return f.configs, f.err
}

type captureSink struct {
	deliveries []*delivery.Delivery
}

func (c *captureSink) Enqueue(d *delivery.Delivery) {
	c.deliveries = append(c.deliveries, d)
}

func transferEvent() delivery.ChainEvent {
	return delivery.ChainEvent{
		ContractAddress: "0xToken",
		EventName:       "Transfer",
		BlockNumber:     100,
		TxHash:          "0xabc",
		Args:            map[string]any{"to": "0x2222"},
	}
}

func webhookFor(id string, subs ...delivery.Subscription) *delivery.WebhookConfig {
	return &delivery.WebhookConfig{
		ID:             id,
		URL:            "https://example.com/" + id,
		RetryAttempts:  3,
		RetryBaseDelay: time.Second,
		Timeout:        5 * time.Second,
		Active:         true,
		Subscriptions:  subs,
	}
}

func TestHandleEvent_FanOut(t *testing.T) {
	sub := delivery.Subscription{ID: "sub-1", ContractAddress: "0xtoken", EventName: "Transfer"}
	otherSub := delivery.Subscription{ID: "sub-2", ContractAddress: "0xother", EventName: "Transfer"}

	source := &fakeSource{configs: []*delivery.WebhookConfig{
		webhookFor("wh-1", sub),
		webhookFor("wh-2", sub),
		webhookFor("wh-3", otherSub), // does not match
	}}
	sink := &captureSink{}
	svc := New(source, sink, 5, nil)

	minted, err := svc.HandleEvent(context.Background(), transferEvent())
	if err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if minted != 2 {
		t.Errorf("HandleEvent() minted = %d, want 2", minted)
	}
	if len(sink.deliveries) != 2 {
		t.Fatalf("enqueued %d deliveries, want 2", len(sink.deliveries))
	}

	d := sink.deliveries[0]
	if d.WebhookID != "wh-1" || d.SubscriptionID != "sub-1" {
		t.Errorf("delivery binding = %s/%s, want wh-1/sub-1", d.WebhookID, d.SubscriptionID)
	}
	if d.ID == "" {
		t.Error("delivery id not set")
	}
	if d.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want config's 3", d.MaxAttempts)
	}
	if d.Status != delivery.StatusPending {
		t.Errorf("Status = %s, want %s", d.Status, delivery.StatusPending)
	}
	if sink.deliveries[0].ID == sink.deliveries[1].ID {
		t.Error("two deliveries share an id")
	}

	var payload struct {
		DeliveryID string `json:"delivery_id"`
		Type       string `json:"type"`
	}
	if err := json.Unmarshal(d.Payload, &payload); err != nil {
		t.Fatalf("payload not valid JSON: %v", err)
	}
	if payload.DeliveryID != d.ID {
		t.Errorf("payload delivery_id = %s, want %s", payload.DeliveryID, d.ID)
	}
	if payload.Type != "chain.event" {
		t.Errorf("payload type = %s, want chain.event", payload.Type)
	}
}

func TestHandleEvent_OneDeliveryPerWebhook(t *testing.T) {
	// Two subscriptions on the same webhook both match; only one delivery.
	subA := delivery.Subscription{ID: "sub-a", ContractAddress: "0xToken", EventName: "Transfer"}
	subB := delivery.Subscription{ID: "sub-b", ContractAddress: "0xTOKEN", EventName: "Transfer"}

	sink := &captureSink{}
	svc := New(&fakeSource{configs: []*delivery.WebhookConfig{webhookFor("wh-1", subA, subB)}}, sink, 5, nil)

	minted, err := svc.HandleEvent(context.Background(), transferEvent())
	if err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if minted != 1 || len(sink.deliveries) != 1 {
		t.Errorf("minted = %d (%d enqueued), want exactly 1", minted, len(sink.deliveries))
	}
	if got := sink.deliveries[0].SubscriptionID; got != "sub-a" {
		t.Errorf("SubscriptionID = %s, want the first matching sub-a", got)
	}
}

func TestHandleEvent_SkipsInactive(t *testing.T) {
	sub := delivery.Subscription{ID: "sub-1", ContractAddress: "0xToken", EventName: "Transfer"}
	inactive := webhookFor("wh-1", sub)
	inactive.Active = false

	sink := &captureSink{}
	svc := New(&fakeSource{configs: []*delivery.WebhookConfig{inactive}}, sink, 5, nil)

	minted, err := svc.HandleEvent(context.Background(), transferEvent())
	if err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if minted != 0 || len(sink.deliveries) != 0 {
		t.Errorf("minted = %d, want 0 for inactive webhook", minted)
	}
}

func TestHandleEvent_DefaultMaxAttempts(t *testing.T) {
	sub := delivery.Subscription{ID: "sub-1", ContractAddress: "0xToken", EventName: "Transfer"}
	cfg := webhookFor("wh-1", sub)
	cfg.RetryAttempts = 0

	sink := &captureSink{}
	svc := New(&fakeSource{configs: []*delivery.WebhookConfig{cfg}}, sink, 7, nil)

	if _, err := svc.HandleEvent(context.Background(), transferEvent()); err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if got := sink.deliveries[0].MaxAttempts; got != 7 {
		t.Errorf("MaxAttempts = %d, want the service default 7", got)
	}
}

func TestHandleEvent_RenderFailureSkipsWebhookOnly(t *testing.T) {
	sub := delivery.Subscription{ID: "sub-1", ContractAddress: "0xToken", EventName: "Transfer"}
	broken := webhookFor("wh-broken", sub)
	broken.Format = "unsupported"

	sink := &captureSink{}
	svc := New(&fakeSource{configs: []*delivery.WebhookConfig{broken, webhookFor("wh-ok", sub)}}, sink, 5, nil)

	minted, err := svc.HandleEvent(context.Background(), transferEvent())
	if err != nil {
		t.Fatalf("HandleEvent() error = %v", err)
	}
	if minted != 1 {
		t.Errorf("minted = %d, want 1 (broken webhook skipped)", minted)
	}
	if len(sink.deliveries) != 1 || sink.deliveries[0].WebhookID != "wh-ok" {
		t.Errorf("enqueued = %+v, want only wh-ok", sink.deliveries)
	}
}

func TestHandleEvent_SourceError(t *testing.T) {
	svc := New(&fakeSource{err: errors.New("db down")}, &captureSink{}, 5, nil)

	if _, err := svc.HandleEvent(context.Background(), transferEvent()); err == nil {
		t.Error("HandleEvent() error = nil, want error when the config source fails")
	}
}
