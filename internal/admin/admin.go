// Package admin exposes the relay's operational surface: run statistics,
// per-webhook delivery history, and dead-letter inspection/replay.
package admin

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/blockrelay/blockrelay/internal/auth"
	"github.com/blockrelay/blockrelay/internal/dlq"
	"github.com/blockrelay/blockrelay/internal/health"
	"github.com/blockrelay/blockrelay/internal/logging"
	"github.com/blockrelay/blockrelay/internal/processor"
	"github.com/blockrelay/blockrelay/internal/tracker"
)

// Server bundles the handlers for the admin mux.
type Server struct {
	processor *processor.Processor
	tracker   *tracker.Tracker
	dlq       *dlq.Queue
	logger    *logging.Logger
}

// NewMux builds the admin HTTP mux. /healthz and /metrics are always open;
// the /v1 surface goes through the JWT middleware when a validator is set.
func NewMux(p *processor.Processor, trk *tracker.Tracker, dq *dlq.Queue, pool *pgxpool.Pool, reg *prometheus.Registry, validator *auth.JWTValidator, logger *logging.Logger) *http.ServeMux {
	if logger == nil {
		logger = logging.New("blockrelay-admin")
	}
	s := &Server{processor: p, tracker: trk, dlq: dq, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", health.HTTPHandler(pool, p.Running))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	v1 := http.NewServeMux()
	v1.HandleFunc("/v1/stats", s.handleStats)
	v1.HandleFunc("/v1/dlq", s.handleDLQ)
	v1.HandleFunc("/v1/dlq/", s.handleDLQEntry)
	v1.HandleFunc("/v1/webhooks/", s.handleWebhook)
	mux.Handle("/v1/", auth.Middleware(validator, v1))

	return mux
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"processor":   s.processor.GetStats(),
		"dead_letter": s.dlq.GetStats(r.Context()),
	})
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	entries := s.dlq.Entries(r.Context(), limit)
	if entries == nil {
		entries = []dlq.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

// handleDLQEntry serves POST /v1/dlq/{id}/retry.
func (s *Server) handleDLQEntry(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/dlq/")
	entryID, action, ok := strings.Cut(rest, "/")
	if !ok || action != "retry" || entryID == "" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.processor.RetryFromDeadLetter(r.Context(), entryID) {
		http.Error(w, "entry not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": true, "entry_id": entryID})
}

// handleWebhook serves GET /v1/webhooks/{id}/stats and
// GET /v1/webhooks/{id}/deliveries.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/webhooks/")
	webhookID, resource, ok := strings.Cut(rest, "/")
	if !ok || webhookID == "" {
		http.NotFound(w, r)
		return
	}
	switch resource {
	case "stats":
		writeJSON(w, http.StatusOK, s.tracker.Stats(webhookID))
	case "deliveries":
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		records := s.tracker.Recent(webhookID, limit)
		if records == nil {
			records = []tracker.Record{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"deliveries": records})
	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
