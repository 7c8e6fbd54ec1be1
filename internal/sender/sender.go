// Package sender performs single webhook delivery attempts. It is stateless:
// one call, one outbound POST, one structured result. Ordinary HTTP failures
// (4xx/5xx, timeouts, refused connections) come back as failed Results, not
// Go errors; errors are reserved for caller mistakes.
package sender

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/blockrelay/blockrelay/internal/delivery"
	"github.com/blockrelay/blockrelay/internal/metrics"
	"github.com/blockrelay/blockrelay/internal/tracing"

	"go.opentelemetry.io/otel/attribute"
)

const defaultTimeout = 15 * time.Second

// Doer is the transport the sender posts through. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sender dispatches webhook deliveries over HTTP.
type Sender struct {
	client    Doer
	sigHeader string
	tsHeader  string
}

// Option configures a Sender.
type Option func(*Sender)

// WithClient replaces the HTTP transport, typically with a test double.
func WithClient(c Doer) Option {
	return func(s *Sender) { s.client = c }
}

// WithSignatureHeaders overrides the signature and timestamp header names.
func WithSignatureHeaders(sig, ts string) Option {
	return func(s *Sender) {
		if sig != "" {
			s.sigHeader = sig
		}
		if ts != "" {
			s.tsHeader = ts
		}
	}
}

// New creates a Sender. The default transport carries no global timeout;
// every call is bounded per-config via context instead.
func New(opts ...Option) *Sender {
	s := &Sender{
		client:    &http.Client{},
		sigHeader: "X-BlockRelay-Signature",
		tsHeader:  "X-BlockRelay-Timestamp",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send performs exactly one delivery attempt and returns the outcome.
// The returned error is non-nil only for programmer errors (nil arguments);
// transport and HTTP failures are reported through the Result.
func (s *Sender) Send(ctx context.Context, d *delivery.Delivery, cfg *delivery.WebhookConfig) (delivery.Result, error) {
	if d == nil {
		return delivery.Result{}, errors.New("sender: nil delivery")
	}
	if cfg == nil {
		return delivery.Result{}, fmt.Errorf("sender: no configuration for delivery %s", d.ID)
	}

	ctx, span := tracing.StartSpan(ctx, "sender.send",
		attribute.String("delivery_id", d.ID),
		attribute.String("webhook_id", cfg.ID),
		attribute.String("webhook_url", cfg.URL),
	)
	defer span.End()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := []byte(d.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.URL, bytes.NewReader(body))
	if err != nil {
		return delivery.Result{Success: false, Error: fmt.Sprintf("invalid request: %v", err)}, nil
	}

	req.Header.Set("Content-Type", "application/json")
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	req.Header.Set(s.tsHeader, ts)
	if cfg.Secret != "" {
		// Sign the exact body bytes; receivers verify against what arrived
		// on the wire, never a re-serialization.
		req.Header.Set(s.sigHeader, "sha256="+SignPayload(cfg.Secret, body))
	}
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	start := time.Now()
	resp, doErr := s.client.Do(req)
	elapsed := time.Since(start)

	res := delivery.Result{ResponseTimeMS: elapsed.Milliseconds()}
	if doErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			res.Error = "timeout"
		} else {
			res.Error = doErr.Error()
		}
		tracing.SetSpanError(ctx, doErr)
		metrics.RecordDelivery("failed", cfg.ID, elapsed)
		metrics.RecordRetry(ClassifyReason(doErr, 0))
		return res, nil
	}
	_ = resp.Body.Close()

	res.StatusCode = resp.StatusCode
	span.SetAttributes(
		attribute.Int("http.status_code", resp.StatusCode),
		attribute.Int64("http.latency_ms", elapsed.Milliseconds()),
	)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		res.Success = true
		metrics.RecordDelivery("delivered", cfg.ID, elapsed)
		return res, nil
	}

	res.Error = fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode)
	metrics.RecordDelivery("failed", cfg.ID, elapsed)
	metrics.RecordRetry(ClassifyReason(nil, resp.StatusCode))
	return res, nil
}

// SignPayload computes the hex HMAC-SHA256 of the payload bytes.
func SignPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Validation is the outcome of a configuration check.
type Validation struct {
	Valid  bool
	Errors []string
}

// ValidateConfig checks a webhook configuration before dispatch.
func ValidateConfig(cfg *delivery.WebhookConfig) Validation {
	var errs []string
	if cfg == nil {
		return Validation{Errors: []string{"configuration is nil"}}
	}
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Sprintf("url %q is not a valid http(s) URL", cfg.URL))
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, "timeout must be greater than zero")
	}
	if cfg.RetryAttempts < 0 {
		errs = append(errs, "retry attempts must not be negative")
	}
	for k := range cfg.Headers {
		if strings.TrimSpace(k) == "" {
			errs = append(errs, "header keys must be non-empty")
			break
		}
	}
	return Validation{Valid: len(errs) == 0, Errors: errs}
}

// ClassifyReason buckets a delivery failure for metrics.
func ClassifyReason(doErr error, status int) string {
	if doErr != nil {
		errLower := strings.ToLower(doErr.Error())
		if strings.Contains(errLower, "timeout") || strings.Contains(errLower, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errLower, "connection refused") {
			return "connection_refused"
		}
		if strings.Contains(errLower, "no such host") || strings.Contains(errLower, "dns") {
			return "dns_error"
		}
		return "network"
	}
	if status >= 500 {
		return "http_5xx"
	}
	if status == 429 {
		return "http_429"
	}
	if status >= 400 {
		return "http_4xx"
	}
	return "other"
}
