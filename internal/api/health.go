package api

import (
	"net/http"
	"time"

	"github.com/bozzfozz/soulspot-sub007/internal/breaker"
	"github.com/bozzfozz/soulspot-sub007/internal/engine"
)

type healthResponse struct {
	Status         string                `json:"status"`
	Breaker        breaker.Snapshot      `json:"breaker"`
	Workers        []engine.WorkerHealth `json:"workers"`
	CountsByStatus map[string]int64      `json:"counts_by_status"`
	Subscribers    int                   `json:"subscribers"`
	At             time.Time             `json:"at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StoreError", err.Error())
		return
	}

	resp := healthResponse{
		Status:         "ok",
		Breaker:        s.br.Snapshot(),
		Workers:        s.heartbeats.Snapshot(),
		CountsByStatus: counts,
		Subscribers:    s.bus.SubscriberCount(),
		At:             time.Now().UTC(),
	}
	if s.br.IsOpen() {
		resp.Status = "degraded"
	}
	writeJSON(w, http.StatusOK, resp)
}
