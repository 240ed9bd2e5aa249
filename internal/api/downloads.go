package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bozzfozz/soulspot-sub007/internal/storage"
)

type enqueueRequest struct {
	TrackID        string     `json:"track_id"`
	Priority       int        `json:"priority"`
	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
}

type albumRequest struct {
	AlbumID string `json:"album_id"`
	Source  string `json:"source"`
}

// handleEnqueue creates a new download for a track. A non-terminal row
// for the same track is returned unchanged instead of duplicating.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "invalid JSON body")
		return
	}
	if req.TrackID == "" {
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "track_id is required")
		return
	}

	d, created, err := s.enqueueTrack(req.TrackID, req.Priority, req.ScheduledStart)
	if err != nil {
		s.writeEnqueueError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.publish(d.ID)
	}
	writeJSON(w, status, d)
}

// handleEnqueueAlbum expands an album into per-track downloads. Tracks
// already queued come back as their existing rows.
func (s *Server) handleEnqueueAlbum(w http.ResponseWriter, r *http.Request) {
	var req albumRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "invalid JSON body")
		return
	}
	if req.AlbumID == "" {
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "album_id is required")
		return
	}

	trackIDs, err := s.store.ListAlbumTracks(req.AlbumID, req.Source)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StoreError", err.Error())
		return
	}
	if len(trackIDs) == 0 {
		writeError(w, http.StatusNotFound, ReasonNotFound, "album has no known tracks")
		return
	}

	downloads := make([]*storage.Download, 0, len(trackIDs))
	for _, trackID := range trackIDs {
		d, created, err := s.enqueueTrack(trackID, 0, nil)
		if err != nil {
			s.writeEnqueueError(w, err)
			return
		}
		if created {
			s.publish(d.ID)
		}
		downloads = append(downloads, d)
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"downloads": downloads})
}

func (s *Server) enqueueTrack(trackID string, priority int, scheduledStart *time.Time) (*storage.Download, bool, error) {
	if _, err := s.store.GetTrack(trackID); err != nil {
		return nil, false, err
	}

	if existing, err := s.store.FindActiveByTrack(trackID); err != nil {
		return nil, false, err
	} else if existing != nil {
		return existing, false, nil
	}

	now := time.Now().UTC()
	d := &storage.Download{
		ID:         uuid.NewString(),
		TrackID:    trackID,
		Status:     storage.StatusWaiting,
		Priority:   priority,
		MaxRetries: s.cfg.MaxRetries(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if scheduledStart != nil && scheduledStart.After(now) {
		d.Status = storage.StatusScheduled
		t := scheduledStart.UTC()
		d.ScheduledStart = &t
	}

	if err := s.store.Create(d, s.cfg.MaxQueueSize()); err != nil {
		return nil, false, err
	}
	return d, true, nil
}

func (s *Server) writeEnqueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrQueueFull):
		writeError(w, http.StatusConflict, ReasonQueueFull, "download queue is full")
	case errors.Is(err, storage.ErrTrackNotFound):
		writeError(w, http.StatusNotFound, ReasonNotFound, "unknown track")
	default:
		writeError(w, http.StatusInternalServerError, "StoreError", err.Error())
	}
}

// handleCancel cancels a download. Repeat cancels are no-ops; the
// downstream cancel is best-effort only.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.store.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, ReasonNotFound, "unknown download")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StoreError", err.Error())
		return
	}

	s.cancelOne(r.Context(), d)
	w.WriteHeader(http.StatusNoContent)
}

// cancellableStatuses excludes FAILED: a failed row has nothing running
// to cancel, so cancel is a no-op on it rather than a transition.
var cancellableStatuses = []string{
	storage.StatusWaiting, storage.StatusPending, storage.StatusQueued,
	storage.StatusDownloading, storage.StatusScheduled,
}

// cancelOne marks a row CANCELLED in one conditional step and then
// tries to stop the downstream transfer. Terminal and FAILED rows are
// untouched.
func (s *Server) cancelOne(ctx context.Context, d *storage.Download) {
	ok, err := s.store.UpdateIf(d.ID, cancellableStatuses, map[string]interface{}{
		"status":       storage.StatusCancelled,
		"external_ref": "",
		"completed_at": time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("cancel update failed", "id", d.ID, "error", err)
		return
	}
	if !ok {
		return
	}

	if d.ExternalRef != "" {
		if err := s.client.Cancel(ctx, d.ExternalRef); err != nil {
			s.logger.Warn("downstream cancel failed", "id", d.ID, "ref", d.ExternalRef, "error", err)
		}
	}
	s.publish(d.ID)
}

type reprioritizeRequest struct {
	Priority *int `json:"priority"`
}

func (s *Server) handleReprioritize(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req reprioritizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Priority == nil {
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "priority is required")
		return
	}

	if _, err := s.store.Get(id); errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, ReasonNotFound, "unknown download")
		return
	}

	ok, err := s.store.UpdateIf(id, storage.NonTerminalStatuses, map[string]interface{}{
		"priority": *req.Priority,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StoreError", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, ReasonConflict, "download is terminal")
		return
	}

	s.publish(id)
	d, _ := s.store.Get(id)
	writeJSON(w, http.StatusOK, d)
}

type reorderRequest struct {
	Order []string `json:"order"`
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "invalid JSON body")
		return
	}

	updated, err := s.store.Reorder(req.Order)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StoreError", err.Error())
		return
	}
	for _, id := range req.Order {
		s.publish(id)
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated_count": updated})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	offset, _ := strconv.Atoi(q.Get("offset"))

	items, total, err := s.store.List(storage.ListOptions{
		Status: q.Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StoreError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"total": total,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, err := s.store.Get(id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, ReasonNotFound, "unknown download")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "StoreError", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}
