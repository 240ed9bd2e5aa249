// Package api exposes the download orchestration HTTP surface.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bozzfozz/soulspot-sub007/internal/breaker"
	"github.com/bozzfozz/soulspot-sub007/internal/config"
	"github.com/bozzfozz/soulspot-sub007/internal/engine"
	"github.com/bozzfozz/soulspot-sub007/internal/events"
	"github.com/bozzfozz/soulspot-sub007/internal/slskd"
	"github.com/bozzfozz/soulspot-sub007/internal/storage"
)

// Stable machine-readable reason tags.
const (
	ReasonNotFound          = "NotFound"
	ReasonInvalidTransition = "InvalidTransition"
	ReasonQueueFull         = "QueueFull"
	ReasonConflict          = "Conflict"
	ReasonBadRequest        = "BadRequest"
)

// Server holds the API's collaborators.
type Server struct {
	logger     *slog.Logger
	store      *storage.Storage
	cfg        *config.Manager
	bus        *events.Bus
	client     slskd.Client
	br         *breaker.Breaker
	heartbeats *engine.Heartbeats
	router     *chi.Mux
}

func NewServer(logger *slog.Logger, store *storage.Storage, cfg *config.Manager, bus *events.Bus, client slskd.Client, br *breaker.Breaker, hb *engine.Heartbeats) *Server {
	s := &Server{
		logger:     logger,
		store:      store,
		cfg:        cfg,
		bus:        bus,
		client:     client,
		br:         br,
		heartbeats: hb,
		router:     chi.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// Router returns the configured handler, also used by tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)

	s.router.Route("/downloads", func(r chi.Router) {
		r.Post("/", s.handleEnqueue)
		r.Post("/album", s.handleEnqueueAlbum)
		r.Post("/batch", s.handleBatch)
		r.Patch("/reorder", s.handleReorder)
		r.Get("/", s.handleList)
		r.Get("/stream", s.handleStream)
		r.Get("/health", s.handleHealth)
		r.Get("/{id}", s.handleGet)
		r.Patch("/{id}", s.handleReprioritize)
		r.Delete("/{id}", s.handleCancel)
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type errorBody struct {
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, reason, msg string) {
	writeJSON(w, status, errorBody{Reason: reason, Message: msg})
}

// publish emits the row's current state on the event bus.
func (s *Server) publish(id string) {
	d, err := s.store.Get(id)
	if err != nil {
		return
	}
	s.bus.PublishChanged(events.DownloadChanged{
		ID:         d.ID,
		Status:     d.Status,
		Priority:   d.Priority,
		RetryCount: d.RetryCount,
		BytesDone:  d.BytesDone,
		BytesTotal: d.BytesTotal,
		ErrorCode:  d.LastErrorCode,
		UpdatedAt:  d.UpdatedAt,
	})
}
