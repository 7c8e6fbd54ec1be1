package main

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blockrelay/blockrelay/internal/config"
)

var (
	cfg      config.Config
	reqCount = 0
)

func main() {
	cfg = config.FromEnv()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", handleHook)

	srv := &http.Server{
		Addr:         cfg.FakeReceiver.Port,
		Handler:      mux,
		ReadTimeout:  cfg.FakeReceiver.ReadTimeout,
		WriteTimeout: cfg.FakeReceiver.WriteTimeout,
		IdleTimeout:  cfg.FakeReceiver.IdleTimeout,
	}
	log.Printf("fake-receiver listening on %s", srv.Addr)
	log.Fatal(srv.ListenAndServe())
}

func handleHook(w http.ResponseWriter, r *http.Request) {
	reqCount++
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	if cfg.FakeReceiver.EndpointSecret != "" {
		leeway := time.Duration(cfg.FakeReceiver.SigningLeewaySeconds) * time.Second
		ok, msg := verifySignature(cfg.FakeReceiver.EndpointSecret, b,
			r.Header.Get(cfg.Relay.TimestampHeader), r.Header.Get(cfg.Relay.SignatureHeader), leeway)
		if !ok {
			log.Printf("fake-receiver failed to verify signature: %s", msg)
			http.Error(w, "invalid signature: "+msg, http.StatusUnauthorized)
			return
		}
	}

	// Simulate flakiness: first N requests -> 500
	if reqCount <= cfg.FakeReceiver.FailFirstN {
		log.Printf("FAILING (%d/%d) %s headers=%d body=%s", reqCount, cfg.FakeReceiver.FailFirstN, r.URL.Path, len(r.Header), truncate(string(b), 160))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-receiver OK %s  headers=%d body=%q", r.URL.Path, len(r.Header), truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`ok`))
}

// verifySignature checks the relay's HMAC scheme: sha256=<hex HMAC over the
// exact body bytes>, with a separate timestamp header bounded by leeway.
func verifySignature(secret string, body []byte, ts, sigHeaderVal string, leeway time.Duration) (bool, string) {
	if ts == "" || sigHeaderVal == "" {
		return false, "missing headers"
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false, "invalid timestamp"
	}
	// reject if timestamp is too old/new
	now := time.Now().Unix()
	if abs64(now-unix) > int64(leeway.Seconds()) {
		return false, "timestamp too far from now (outside leeway)"
	}
	got := strings.TrimPrefix(sigHeaderVal, "sha256=")
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(got), []byte(want)) {
		return false, "sig mismatch"
	}
	return true, ""
}

// abs64 returns the absolute value of an int64
func abs64(x int64) int64 {
	if x < 0 {
		return -x
	}
	return x
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
