package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bozzfozz/soulspot-sub007/internal/breaker"
	"github.com/bozzfozz/soulspot-sub007/internal/config"
	"github.com/bozzfozz/soulspot-sub007/internal/engine"
	"github.com/bozzfozz/soulspot-sub007/internal/events"
	"github.com/bozzfozz/soulspot-sub007/internal/slskd"
	"github.com/bozzfozz/soulspot-sub007/internal/storage"
)

// fakeClient is the minimal downloader stub the API needs: only Cancel
// is reachable from handlers.
type fakeClient struct {
	cancelled []string
}

func (f *fakeClient) Search(ctx context.Context, query string) ([]slskd.Hit, error) {
	return nil, nil
}
func (f *fakeClient) Enqueue(ctx context.Context, peer, filename string, priority int) (string, error) {
	return "", nil
}
func (f *fakeClient) Status(ctx context.Context, ref string) (*slskd.TransferStatus, error) {
	return nil, &slskd.Error{Kind: slskd.KindNotFound, Op: "status"}
}
func (f *fakeClient) Cancel(ctx context.Context, ref string) error {
	f.cancelled = append(f.cancelled, ref)
	return nil
}
func (f *fakeClient) Ping(ctx context.Context) error { return nil }

type apiRig struct {
	server *Server
	store  *storage.Storage
	cfg    *config.Manager
	bus    *events.Bus
	client *fakeClient
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.NewManager(store)
	bus := events.NewBus(log)
	client := &fakeClient{}
	br := breaker.New(breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Minute})

	return &apiRig{
		server: NewServer(log, store, cfg, bus, client, br, engine.NewHeartbeats()),
		store:  store,
		cfg:    cfg,
		bus:    bus,
		client: client,
	}
}

func (r *apiRig) addTrack(t *testing.T, id string) {
	t.Helper()
	if err := r.store.SaveTrack(&storage.Track{
		ID: id, Title: "Song", Artist: "Artist", Album: "Album", Source: "spotify",
	}); err != nil {
		t.Fatal(err)
	}
}

func (r *apiRig) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	r.server.Router().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func TestEnqueue_CreateAndIdempotent(t *testing.T) {
	r := newAPIRig(t)
	r.addTrack(t, "t1")

	w := r.do(t, http.MethodPost, "/downloads", map[string]interface{}{"track_id": "t1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body)
	}
	created := decode[storage.Download](t, w)
	if created.Status != storage.StatusWaiting {
		t.Errorf("expected WAITING, got %s", created.Status)
	}

	// Same track again: the existing row comes back with 200.
	w = r.do(t, http.MethodPost, "/downloads", map[string]interface{}{"track_id": "t1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for duplicate, got %d", w.Code)
	}
	dup := decode[storage.Download](t, w)
	if dup.ID != created.ID {
		t.Errorf("expected same row back, got %s vs %s", dup.ID, created.ID)
	}

	// A completed row no longer blocks a fresh enqueue.
	if _, err := r.store.UpdateIf(created.ID, []string{storage.StatusWaiting},
		map[string]interface{}{"status": storage.StatusCompleted}); err != nil {
		t.Fatal(err)
	}
	w = r.do(t, http.MethodPost, "/downloads", map[string]interface{}{"track_id": "t1"})
	if w.Code != http.StatusCreated {
		t.Errorf("expected 201 after completion, got %d", w.Code)
	}
}

func TestEnqueue_Validation(t *testing.T) {
	r := newAPIRig(t)

	w := r.do(t, http.MethodPost, "/downloads", map[string]interface{}{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing track_id: expected 400, got %d", w.Code)
	}

	w = r.do(t, http.MethodPost, "/downloads", map[string]interface{}{"track_id": "ghost"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown track: expected 404, got %d", w.Code)
	}
	if body := decode[errorBody](t, w); body.Reason != ReasonNotFound {
		t.Errorf("expected NotFound reason, got %s", body.Reason)
	}
}

func TestEnqueue_QueueFull(t *testing.T) {
	r := newAPIRig(t)
	if err := r.cfg.SetInt(config.KeyMaxQueueSize, 1); err != nil {
		t.Fatal(err)
	}
	r.addTrack(t, "t1")
	r.addTrack(t, "t2")

	if w := r.do(t, http.MethodPost, "/downloads", map[string]interface{}{"track_id": "t1"}); w.Code != http.StatusCreated {
		t.Fatal(w.Code)
	}
	w := r.do(t, http.MethodPost, "/downloads", map[string]interface{}{"track_id": "t2"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if body := decode[errorBody](t, w); body.Reason != ReasonQueueFull {
		t.Errorf("expected QueueFull reason, got %s", body.Reason)
	}
}

func TestEnqueue_FutureScheduledStart(t *testing.T) {
	r := newAPIRig(t)
	r.addTrack(t, "t1")
	start := time.Now().UTC().Add(time.Hour)

	w := r.do(t, http.MethodPost, "/downloads", map[string]interface{}{
		"track_id":        "t1",
		"scheduled_start": start.Format(time.RFC3339),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body)
	}
	d := decode[storage.Download](t, w)
	if d.Status != storage.StatusScheduled || d.ScheduledStart == nil {
		t.Errorf("expected SCHEDULED with start time, got %s %v", d.Status, d.ScheduledStart)
	}
}

func TestGetAndList(t *testing.T) {
	r := newAPIRig(t)
	r.addTrack(t, "t1")
	w := r.do(t, http.MethodPost, "/downloads", map[string]interface{}{"track_id": "t1"})
	created := decode[storage.Download](t, w)

	w = r.do(t, http.MethodGet, "/downloads/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get: expected 200, got %d", w.Code)
	}

	w = r.do(t, http.MethodGet, "/downloads/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get unknown: expected 404, got %d", w.Code)
	}

	w = r.do(t, http.MethodGet, "/downloads?status=WAITING", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	list := decode[struct {
		Items []storage.Download `json:"items"`
		Total int64              `json:"total"`
	}](t, w)
	if list.Total != 1 || len(list.Items) != 1 {
		t.Errorf("expected one WAITING row, got total=%d items=%d", list.Total, len(list.Items))
	}
}

func TestReprioritize(t *testing.T) {
	r := newAPIRig(t)
	r.addTrack(t, "t1")
	created := decode[storage.Download](t,
		r.do(t, http.MethodPost, "/downloads", map[string]interface{}{"track_id": "t1"}))

	w := r.do(t, http.MethodPatch, "/downloads/"+created.ID, map[string]interface{}{"priority": 7})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := decode[storage.Download](t, w); got.Priority != 7 {
		t.Errorf("expected priority 7, got %d", got.Priority)
	}

	// Terminal rows refuse.
	if _, err := r.store.UpdateIf(created.ID, []string{storage.StatusWaiting},
		map[string]interface{}{"status": storage.StatusCompleted}); err != nil {
		t.Fatal(err)
	}
	w = r.do(t, http.MethodPatch, "/downloads/"+created.ID, map[string]interface{}{"priority": 9})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on terminal row, got %d", w.Code)
	}
}

func TestCancel_IdempotentAndBestEffort(t *testing.T) {
	r := newAPIRig(t)
	r.addTrack(t, "t1")
	created := decode[storage.Download](t,
		r.do(t, http.MethodPost, "/downloads", map[string]interface{}{"track_id": "t1"}))
	if _, err := r.store.UpdateIf(created.ID, []string{storage.StatusWaiting},
		map[string]interface{}{"status": storage.StatusQueued, "external_ref": "alice|t-1"}); err != nil {
		t.Fatal(err)
	}

	w := r.do(t, http.MethodDelete, "/downloads/"+created.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	got, _ := r.store.Get(created.ID)
	if got.Status != storage.StatusCancelled {
		t.Errorf("expected CANCELLED, got %s", got.Status)
	}
	if got.ExternalRef != "" {
		t.Errorf("cancelled row must not keep a transfer ref, got %q", got.ExternalRef)
	}
	if len(r.client.cancelled) != 1 || r.client.cancelled[0] != "alice|t-1" {
		t.Errorf("expected downstream cancel of alice|t-1, got %v", r.client.cancelled)
	}

	// Repeat cancel: still 204, no second downstream call.
	w = r.do(t, http.MethodDelete, "/downloads/"+created.ID, nil)
	if w.Code != http.StatusNoContent {
		t.Errorf("repeat cancel: expected 204, got %d", w.Code)
	}
	if len(r.client.cancelled) != 1 {
		t.Errorf("repeat cancel must not call downstream again, got %v", r.client.cancelled)
	}

	if w := r.do(t, http.MethodDelete, "/downloads/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown id: expected 404, got %d", w.Code)
	}
}

func TestBatch_CancelMixed(t *testing.T) {
	r := newAPIRig(t)
	var ids []string
	for i, status := range []string{
		storage.StatusWaiting, storage.StatusFailed,
		storage.StatusCancelled, storage.StatusCompleted,
	} {
		trackID := fmt.Sprintf("t%d", i)
		r.addTrack(t, trackID)
		created := decode[storage.Download](t,
			r.do(t, http.MethodPost, "/downloads", map[string]interface{}{"track_id": trackID}))
		if status != storage.StatusWaiting {
			if _, err := r.store.UpdateIf(created.ID, []string{storage.StatusWaiting},
				map[string]interface{}{"status": status}); err != nil {
				t.Fatal(err)
			}
		}
		ids = append(ids, created.ID)
	}
	ids = append(ids, "ghost")

	w := r.do(t, http.MethodPost, "/downloads/batch", map[string]interface{}{
		"action": "cancel", "ids": ids,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("batch always answers 200, got %d", w.Code)
	}
	resp := decode[batchResponse](t, w)

	// WAITING, FAILED and already-CANCELLED cancel fine; COMPLETED and
	// the unknown id fail individually.
	if resp.SuccessCount != 3 || resp.FailedCount != 2 {
		t.Errorf("expected 3/2, got %d/%d (%v)", resp.SuccessCount, resp.FailedCount, resp.Errors)
	}
	reasons := map[string]string{}
	for _, e := range resp.Errors {
		reasons[e.ID] = e.Reason
	}
	if reasons[ids[3]] != ReasonInvalidTransition {
		t.Errorf("completed row: expected InvalidTransition, got %s", reasons[ids[3]])
	}
	if reasons["ghost"] != ReasonNotFound {
		t.Errorf("unknown id: expected NotFound, got %s", reasons["ghost"])
	}

	// Cancel is a real transition only for runnable rows; a FAILED row
	// reports ok but keeps its state.
	if got, _ := r.store.Get(ids[0]); got.Status != storage.StatusCancelled {
		t.Errorf("waiting row: expected CANCELLED, got %s", got.Status)
	}
	if got, _ := r.store.Get(ids[1]); got.Status != storage.StatusFailed {
		t.Errorf("failed row must stay FAILED, got %s", got.Status)
	}
}

func TestBatch_RetryResetsBudget(t *testing.T) {
	r := newAPIRig(t)
	r.addTrack(t, "t1")
	created := decode[storage.Download](t,
		r.do(t, http.MethodPost, "/downloads", map[string]interface{}{"track_id": "t1"}))
	if _, err := r.store.UpdateIf(created.ID, []string{storage.StatusWaiting}, map[string]interface{}{
		"status":          storage.StatusFailed,
		"retry_count":     3,
		"last_error_code": storage.CodeNoResults,
		"external_ref":    "alice|t-1",
	}); err != nil {
		t.Fatal(err)
	}

	w := r.do(t, http.MethodPost, "/downloads/batch", map[string]interface{}{
		"action": "retry", "ids": []string{created.ID},
	})
	resp := decode[batchResponse](t, w)
	if resp.SuccessCount != 1 {
		t.Fatalf("expected success, got %+v", resp)
	}

	got, _ := r.store.Get(created.ID)
	if got.Status != storage.StatusWaiting || got.RetryCount != 0 {
		t.Errorf("expected fresh WAITING row, got %s retries=%d", got.Status, got.RetryCount)
	}
	if got.ExternalRef != "" || got.LastErrorCode != "" {
		t.Errorf("stale failure state not cleared: %q %q", got.ExternalRef, got.LastErrorCode)
	}

	// Retrying an already-waiting row is a no-op that still reports ok.
	w = r.do(t, http.MethodPost, "/downloads/batch", map[string]interface{}{
		"action": "retry", "ids": []string{created.ID},
	})
	if resp := decode[batchResponse](t, w); resp.SuccessCount != 1 {
		t.Errorf("retry of WAITING row must be ok, got %+v", resp)
	}
}

func TestBatch_PauseResume(t *testing.T) {
	r := newAPIRig(t)
	r.addTrack(t, "t1")
	created := decode[storage.Download](t,
		r.do(t, http.MethodPost, "/downloads", map[string]interface{}{"track_id": "t1"}))

	w := r.do(t, http.MethodPost, "/downloads/batch", map[string]interface{}{
		"action": "pause", "ids": []string{created.ID},
	})
	if resp := decode[batchResponse](t, w); resp.SuccessCount != 1 {
		t.Fatalf("pause failed: %+v", resp)
	}
	got, _ := r.store.Get(created.ID)
	if !got.Paused() {
		t.Fatalf("expected paused sentinel, got %s %v", got.Status, got.ScheduledStart)
	}

	w = r.do(t, http.MethodPost, "/downloads/batch", map[string]interface{}{
		"action": "resume", "ids": []string{created.ID},
	})
	if resp := decode[batchResponse](t, w); resp.SuccessCount != 1 {
		t.Fatalf("resume failed: %+v", resp)
	}
	got, _ = r.store.Get(created.ID)
	if got.Status != storage.StatusWaiting || got.ScheduledStart != nil {
		t.Errorf("expected WAITING after resume, got %s %v", got.Status, got.ScheduledStart)
	}

	// Pause only applies before the transfer is handed off.
	if _, err := r.store.UpdateIf(created.ID, []string{storage.StatusWaiting},
		map[string]interface{}{"status": storage.StatusDownloading}); err != nil {
		t.Fatal(err)
	}
	w = r.do(t, http.MethodPost, "/downloads/batch", map[string]interface{}{
		"action": "pause", "ids": []string{created.ID},
	})
	if resp := decode[batchResponse](t, w); resp.FailedCount != 1 {
		t.Errorf("expected pause refusal for active transfer, got %+v", resp)
	}
}

func TestReorder(t *testing.T) {
	r := newAPIRig(t)
	var ids []string
	for i := 0; i < 3; i++ {
		trackID := fmt.Sprintf("t%d", i)
		r.addTrack(t, trackID)
		created := decode[storage.Download](t,
			r.do(t, http.MethodPost, "/downloads", map[string]interface{}{"track_id": trackID}))
		ids = append(ids, created.ID)
	}

	w := r.do(t, http.MethodPatch, "/downloads/reorder", map[string]interface{}{
		"order": []string{ids[2], ids[0]},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decode[map[string]int64](t, w); resp["updated_count"] == 0 {
		t.Error("expected rows moved")
	}

	items, _, err := r.store.List(storage.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{ids[2], ids[0], ids[1]}
	for i, id := range want {
		if items[i].ID != id {
			t.Fatalf("position %d: expected %s, got %s", i, id, items[i].ID)
		}
	}
}

func TestHealth(t *testing.T) {
	r := newAPIRig(t)
	r.addTrack(t, "t1")
	r.do(t, http.MethodPost, "/downloads", map[string]interface{}{"track_id": "t1"})

	w := r.do(t, http.MethodGet, "/downloads/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode[healthResponse](t, w)
	if resp.Status != "ok" {
		t.Errorf("expected ok, got %s", resp.Status)
	}
	if resp.Breaker.State != "CLOSED" {
		t.Errorf("expected CLOSED breaker, got %s", resp.Breaker.State)
	}
	if resp.CountsByStatus[storage.StatusWaiting] != 1 {
		t.Errorf("expected one WAITING in counts, got %+v", resp.CountsByStatus)
	}
}

func TestStream_DeliversEvents(t *testing.T) {
	r := newAPIRig(t)
	srv := httptest.NewServer(r.server.Router())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/downloads/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event-stream content type, got %s", ct)
	}

	// Wait for the subscriber to attach, then publish.
	deadline := time.Now().Add(2 * time.Second)
	for r.bus.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	r.bus.PublishChanged(events.DownloadChanged{ID: "d1", Status: storage.StatusWaiting})

	scanner := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	if eventLine != "event: "+events.NameDownloadChanged {
		t.Errorf("unexpected event line %q", eventLine)
	}
	var payload events.DownloadChanged
	if err := json.Unmarshal([]byte(strings.TrimPrefix(dataLine, "data: ")), &payload); err != nil {
		t.Fatalf("bad data line %q: %v", dataLine, err)
	}
	if payload.ID != "d1" {
		t.Errorf("expected payload d1, got %s", payload.ID)
	}
}
