// Package statsapi exposes egress pool statistics over HTTP for operators
// and monitoring scrapers.
package statsapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ferritedb/egresspool/network"
)

// StatsHandler serves pool counters for one or more root pools.
type StatsHandler struct {
	pools []*network.ConnectionPool
}

// NewStatsHandler builds a handler over the given root pools.
func NewStatsHandler(pools ...*network.ConnectionPool) *StatsHandler {
	return &StatsHandler{pools: pools}
}

// RegisterRoutes mounts the stats endpoints on r.
func (h *StatsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/pools", func(r chi.Router) {
		r.Get("/", h.AllStats)
		r.Get("/{host}", h.HostStats)
	})
}

// HostStatsResponse is the per-host payload.
type HostStatsResponse struct {
	Host  string                     `json:"host"`
	Stats network.ConnectionStatsPer `json:"stats"`
	Open  int                        `json:"open"`
}

// AllStats renders the aggregated counters of every registered pool.
func (h *StatsHandler) AllStats(w http.ResponseWriter, r *http.Request) {
	stats := network.NewConnectionPoolStats()
	for _, pool := range h.pools {
		pool.AppendConnectionStats(stats)
	}
	writeJSON(w, http.StatusOK, stats)
}

// HostStats renders one host's counters, summed across pools.
func (h *StatsHandler) HostStats(w http.ResponseWriter, r *http.Request) {
	host := chi.URLParam(r, "host")

	stats := network.NewConnectionPoolStats()
	open := 0
	for _, pool := range h.pools {
		pool.AppendConnectionStats(stats)
		open += pool.GetNumConnectionsPerHost(host)
	}

	hostStats, ok := stats.Hosts[host]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown host: " + host})
		return
	}

	writeJSON(w, http.StatusOK, HostStatsResponse{
		Host:  host,
		Stats: hostStats,
		Open:  open,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
