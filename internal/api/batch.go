package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/bozzfozz/soulspot-sub007/internal/storage"
)

type batchRequest struct {
	Action   string   `json:"action"`
	IDs      []string `json:"ids"`
	Priority *int     `json:"priority,omitempty"`
}

type batchError struct {
	ID      string `json:"id"`
	Reason  string `json:"reason"`
	Message string `json:"message,omitempty"`
}

type batchResponse struct {
	SuccessCount int          `json:"success_count"`
	FailedCount  int          `json:"failed_count"`
	Errors       []batchError `json:"errors"`
}

// handleBatch applies one action to many downloads. The response is
// always 200 with per-id outcomes; one bad id never aborts the rest.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "invalid JSON body")
		return
	}
	if len(req.IDs) == 0 {
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "ids is required")
		return
	}

	var apply func(d *storage.Download) *batchError
	switch req.Action {
	case "cancel":
		apply = func(d *storage.Download) *batchError { return s.batchCancel(r.Context(), d) }
	case "retry":
		apply = s.batchRetry
	case "set_priority":
		if req.Priority == nil {
			writeError(w, http.StatusBadRequest, ReasonBadRequest, "priority is required for set_priority")
			return
		}
		apply = func(d *storage.Download) *batchError { return s.batchSetPriority(d, *req.Priority) }
	case "pause":
		apply = s.batchPause
	case "resume":
		apply = s.batchResume
	default:
		writeError(w, http.StatusBadRequest, ReasonBadRequest, "unknown action "+req.Action)
		return
	}

	resp := batchResponse{Errors: []batchError{}}
	for _, id := range req.IDs {
		d, err := s.store.Get(id)
		if errors.Is(err, storage.ErrNotFound) {
			resp.FailedCount++
			resp.Errors = append(resp.Errors, batchError{ID: id, Reason: ReasonNotFound})
			continue
		}
		if err != nil {
			resp.FailedCount++
			resp.Errors = append(resp.Errors, batchError{ID: id, Reason: "StoreError", Message: err.Error()})
			continue
		}
		if be := apply(d); be != nil {
			resp.FailedCount++
			resp.Errors = append(resp.Errors, *be)
			continue
		}
		resp.SuccessCount++
	}
	writeJSON(w, http.StatusOK, resp)
}

// batchCancel mirrors DELETE semantics: already-cancelled and failed
// rows count as success, only COMPLETED refuses.
func (s *Server) batchCancel(ctx context.Context, d *storage.Download) *batchError {
	if d.Status == storage.StatusCompleted {
		return &batchError{ID: d.ID, Reason: ReasonInvalidTransition, Message: "download already completed"}
	}
	s.cancelOne(ctx, d)
	return nil
}

func (s *Server) batchRetry(d *storage.Download) *batchError {
	if d.Status == storage.StatusWaiting {
		// Already waiting for dispatch; retry is a no-op.
		return nil
	}
	if d.Status != storage.StatusFailed {
		return &batchError{ID: d.ID, Reason: ReasonInvalidTransition, Message: "only failed downloads can be retried"}
	}
	ok, err := s.store.UpdateIf(d.ID, []string{storage.StatusFailed}, map[string]interface{}{
		"status":                 storage.StatusWaiting,
		"retry_count":            0,
		"next_retry_at":          nil,
		"completed_at":           nil,
		"external_ref":           "",
		"last_error_code":        "",
		"last_error_message":     "",
		"candidate_peer":         "",
		"candidate_filename":     "",
		"candidate_size_bytes":   0,
		"candidate_bitrate_kbps": 0,
		"candidate_format":       "",
	})
	if err != nil {
		return &batchError{ID: d.ID, Reason: "StoreError", Message: err.Error()}
	}
	if !ok {
		return &batchError{ID: d.ID, Reason: ReasonConflict, Message: "download changed state"}
	}
	s.publish(d.ID)
	return nil
}

func (s *Server) batchSetPriority(d *storage.Download, priority int) *batchError {
	ok, err := s.store.UpdateIf(d.ID, storage.NonTerminalStatuses, map[string]interface{}{
		"priority": priority,
	})
	if err != nil {
		return &batchError{ID: d.ID, Reason: "StoreError", Message: err.Error()}
	}
	if !ok {
		return &batchError{ID: d.ID, Reason: ReasonInvalidTransition, Message: "download is terminal"}
	}
	s.publish(d.ID)
	return nil
}

// batchPause parks a pre-queue row behind the far-future sentinel so
// the dispatcher skips it. Rows already handed to the downloader keep
// going; cancel is the tool for those.
func (s *Server) batchPause(d *storage.Download) *batchError {
	ok, err := s.store.UpdateIf(d.ID, []string{storage.StatusWaiting, storage.StatusPending}, map[string]interface{}{
		"status":          storage.StatusScheduled,
		"scheduled_start": storage.PausedSentinel,
	})
	if err != nil {
		return &batchError{ID: d.ID, Reason: "StoreError", Message: err.Error()}
	}
	if !ok {
		return &batchError{ID: d.ID, Reason: ReasonInvalidTransition, Message: "only waiting or pending downloads can be paused"}
	}
	s.publish(d.ID)
	return nil
}

func (s *Server) batchResume(d *storage.Download) *batchError {
	if !d.Paused() {
		return &batchError{ID: d.ID, Reason: ReasonInvalidTransition, Message: "download is not paused"}
	}
	ok, err := s.store.UpdateIf(d.ID, []string{storage.StatusScheduled}, map[string]interface{}{
		"status":          storage.StatusWaiting,
		"scheduled_start": nil,
	})
	if err != nil {
		return &batchError{ID: d.ID, Reason: "StoreError", Message: err.Error()}
	}
	if !ok {
		return &batchError{ID: d.ID, Reason: ReasonConflict, Message: "download changed state"}
	}
	s.publish(d.ID)
	return nil
}
