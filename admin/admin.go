// Package admin exposes the introspection HTTP API of one rank: live
// transactions, lock caches, imported sessions, durable prepare votes,
// journal state and cluster membership, plus a kill switch for stuck
// masters. Everything reads through the rank's executor-safe snapshots, so
// the API never touches engine state directly.
package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/settfs/sett/cfg"
	"github.com/settfs/sett/cluster"
	"github.com/settfs/sett/journal"
	"github.com/settfs/sett/rank"
	"github.com/settfs/sett/telemetry"
)

// Handlers serves the admin API for one rank engine.
type Handlers struct {
	rank *rank.Rank
	log  *journal.Log
	reg  *cluster.Registry
	ring *cluster.Ring
}

func NewHandlers(r *rank.Rank, jlog *journal.Log, reg *cluster.Registry, ring *cluster.Ring) *Handlers {
	return &Handlers{rank: r, log: jlog, reg: reg, ring: ring}
}

// Serve starts the admin server on the configured address. The returned
// server is already listening; the caller shuts it down.
func Serve(h *Handlers) *http.Server {
	mux := http.NewServeMux()
	RegisterRoutes(mux, h)

	if cfg.Config.Prometheus.Enabled {
		mux.Handle("/metrics", telemetry.GetMetricsHandler())
	}
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Config.Admin.BindAddress, cfg.Config.Admin.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()
	log.Info().Str("addr", srv.Addr).Msg("Admin API listening")
	return srv
}

// writeJSON writes a successful JSON response
func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes an error JSON response
func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

// parseTxnID accepts both the decimal and the hex form the logs print.
func parseTxnID(s string) (uint64, error) {
	if id, err := strconv.ParseUint(s, 10, 64); err == nil {
		return id, nil
	}
	id, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid transaction id %q", s)
	}
	return id, nil
}

// parseLimit parses the limit query parameter with defaults
func parseLimit(r *http.Request) (int, error) {
	limitStr := r.URL.Query().Get("limit")
	if limitStr == "" {
		return 256, nil
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil {
		return 0, fmt.Errorf("invalid limit parameter: %w", err)
	}
	if limit < 1 || limit > 1024 {
		return 0, fmt.Errorf("limit must be between 1 and 1024")
	}
	return limit, nil
}

// formatTimestamp converts nanoseconds to ISO 8601
func formatTimestamp(nanos int64) string {
	if nanos == 0 {
		return ""
	}
	return time.Unix(0, nanos).UTC().Format(time.RFC3339Nano)
}
