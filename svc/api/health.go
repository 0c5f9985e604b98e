package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"pokebin/svc/util"
)

const probeTimeout = 500 * time.Millisecond

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Ready    bool   `json:"ready"`
	Degraded bool   `json:"degraded"`
	Database string `json:"database"`
	Cache    string `json:"cache"`
}

// Health is liveness only; it touches no dependency.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready needs the paste store. Redis only backs the blob cache and rate
// counters, so an outage there is reported as degraded while still ready.
func (s *Server) Ready(w http.ResponseWriter, r *http.Request) {
	resp := ReadyResponse{Database: probe(r.Context(), "database", s.store), Cache: "unavailable"}
	if s.rdb != nil {
		resp.Cache = probe(r.Context(), "cache", s.rdb)
	}
	resp.Ready = resp.Database == "up"
	resp.Degraded = !resp.Ready || resp.Cache == "down"
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeStatus(w, status, resp)
}

func probe(ctx context.Context, name string, p Pinger) string {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		util.Error().Err(err).Str("dependency", name).Msg("readiness probe failed")
		return "down"
	}
	return "up"
}

func writeStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
