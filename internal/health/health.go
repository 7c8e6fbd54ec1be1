package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Status struct {
	OK         bool   `json:"ok"`
	Message    string `json:"message,omitempty"`
	Database   bool   `json:"database,omitempty"`
	Processing bool   `json:"processing"`
}

// RunningFunc reports whether the delivery processor is dispatching.
type RunningFunc func() bool

// HTTPHandler returns an HTTP handler that reports the health of the relay:
// database reachability (skipped when no pool is configured) and whether the
// processor is running.
func HTTPHandler(pool *pgxpool.Pool, running RunningFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Database: pool != nil}

		if pool != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := pool.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "db ping failed"
				st.Database = false
			}
		}
		if running != nil {
			st.Processing = running()
			if !st.Processing {
				st.OK = false
				if st.Message == "ok" {
					st.Message = "processor stopped"
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
