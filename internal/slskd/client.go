// Package slskd wraps the slskd HTTP API behind the ExternalDownloader
// port used by the orchestration engine.
package slskd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Per-call deadlines.
const (
	SearchTimeout  = 10 * time.Second
	EnqueueTimeout = 10 * time.Second
	StatusTimeout  = 5 * time.Second
	CancelTimeout  = 5 * time.Second
	PingTimeout    = 2 * time.Second

	searchPollInterval = 500 * time.Millisecond
)

// Hit is a single search result file.
type Hit struct {
	Peer        string `json:"peer"`
	Filename    string `json:"filename"`
	SizeBytes   int64  `json:"size_bytes"`
	BitrateKbps int    `json:"bitrate_kbps"`
	Format      string `json:"format"`
}

// TransferState mirrors the downloader's transfer lifecycle.
type TransferState string

const (
	TransferQueued    TransferState = "queued"
	TransferActive    TransferState = "transferring"
	TransferCompleted TransferState = "completed"
	TransferCancelled TransferState = "cancelled"
	TransferErrored   TransferState = "errored"
)

// TransferStatus is a point-in-time view of one transfer.
type TransferStatus struct {
	State      TransferState
	BytesDone  int64
	BytesTotal int64
	LocalPath  string
	ErrorText  string
}

// Client is the ExternalDownloader port. The production implementation
// speaks the slskd HTTP API; tests supply fakes.
type Client interface {
	Search(ctx context.Context, query string) ([]Hit, error)
	Enqueue(ctx context.Context, peer, filename string, priority int) (string, error)
	Status(ctx context.Context, externalRef string) (*TransferStatus, error)
	Cancel(ctx context.Context, externalRef string) error
	Ping(ctx context.Context) error
}

// HTTPClient talks to a slskd instance.
type HTTPClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewHTTPClient builds a client for the given slskd base URL. maxRPS
// bounds the request rate against the instance.
func NewHTTPClient(logger *slog.Logger, baseURL, apiKey string, maxRPS int) *HTTPClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        16,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	}
	if maxRPS < 1 {
		maxRPS = 1
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Transport: transport,
			// Deadlines come from per-call contexts
			Timeout: 0,
		},
		limiter: rate.NewLimiter(rate.Limit(maxRPS), maxRPS),
		logger:  logger,
	}
}

// External refs encode peer and transfer id as "peer|id" so Status and
// Cancel can address the slskd per-user transfer endpoints.
func formatRef(peer, id string) string {
	return peer + "|" + id
}

func splitRef(ref string) (peer, id string, err error) {
	peer, id, ok := strings.Cut(ref, "|")
	if !ok || peer == "" || id == "" {
		return "", "", fmt.Errorf("malformed external ref %q", ref)
	}
	return peer, id, nil
}

type searchRequest struct {
	SearchText string `json:"searchText"`
}

type searchDescriptor struct {
	ID         string `json:"id"`
	IsComplete bool   `json:"isComplete"`
}

type searchFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
	BitRate  int    `json:"bitRate"`
}

type searchResponse struct {
	Username string       `json:"username"`
	Files    []searchFile `json:"files"`
}

// Search starts a slskd search and polls it until completion or the
// deadline, then flattens the per-peer responses into hits.
func (c *HTTPClient) Search(ctx context.Context, query string) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, SearchTimeout)
	defer cancel()

	var desc searchDescriptor
	err := c.do(ctx, "search", http.MethodPost, "/api/v0/searches",
		searchRequest{SearchText: query}, &desc)
	if err != nil {
		return nil, err
	}

	for !desc.IsComplete {
		select {
		case <-ctx.Done():
			// Deadline hit; collect whatever arrived so far.
			desc.IsComplete = true
		case <-time.After(searchPollInterval):
			if err := c.do(ctx, "search", http.MethodGet,
				"/api/v0/searches/"+url.PathEscape(desc.ID), nil, &desc); err != nil {
				return nil, err
			}
		}
	}

	// The collect call gets its own short deadline so a search that ran
	// out the clock can still return partial results.
	collectCtx, collectCancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer collectCancel()

	var responses []searchResponse
	err = c.do(collectCtx, "search", http.MethodGet,
		"/api/v0/searches/"+url.PathEscape(desc.ID)+"/responses", nil, &responses)
	if err != nil {
		return nil, err
	}

	var hits []Hit
	for _, resp := range responses {
		for _, f := range resp.Files {
			hits = append(hits, Hit{
				Peer:        resp.Username,
				Filename:    f.Filename,
				SizeBytes:   f.Size,
				BitrateKbps: f.BitRate,
				Format:      FormatOf(f.Filename),
			})
		}
	}
	return hits, nil
}

type enqueueFile struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

type transferEntry struct {
	ID               string `json:"id"`
	Filename         string `json:"filename"`
	State            string `json:"state"`
	BytesTransferred int64  `json:"bytesTransferred"`
	Size             int64  `json:"size"`
	LocalPath        string `json:"localPath"`
	Error            string `json:"error"`
}

// Enqueue asks slskd to start fetching one file from a peer and returns
// the external ref for the resulting transfer.
func (c *HTTPClient) Enqueue(ctx context.Context, peer, filename string, priority int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, EnqueueTimeout)
	defer cancel()

	endpoint := "/api/v0/transfers/downloads/" + url.PathEscape(peer)
	err := c.do(ctx, "enqueue", http.MethodPost, endpoint,
		[]enqueueFile{{Filename: filename}}, nil)
	if err != nil {
		return "", err
	}

	// slskd does not echo the transfer id back on enqueue; look it up.
	var transfers []transferEntry
	if err := c.do(ctx, "enqueue", http.MethodGet, endpoint, nil, &transfers); err != nil {
		return "", err
	}
	for _, t := range transfers {
		if t.Filename == filename {
			return formatRef(peer, t.ID), nil
		}
	}
	return "", newError(KindRejected, "enqueue", "transfer not visible after enqueue")
}

// Status fetches the current state of one transfer.
func (c *HTTPClient) Status(ctx context.Context, externalRef string) (*TransferStatus, error) {
	peer, id, err := splitRef(externalRef)
	if err != nil {
		return nil, newError(KindNotFound, "status", err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, StatusTimeout)
	defer cancel()

	var t transferEntry
	endpoint := "/api/v0/transfers/downloads/" + url.PathEscape(peer) + "/" + url.PathEscape(id)
	if err := c.do(ctx, "status", http.MethodGet, endpoint, nil, &t); err != nil {
		return nil, err
	}

	return &TransferStatus{
		State:      mapTransferState(t.State),
		BytesDone:  t.BytesTransferred,
		BytesTotal: t.Size,
		LocalPath:  t.LocalPath,
		ErrorText:  t.Error,
	}, nil
}

// Cancel asks slskd to abort a transfer. Cancelling an already-finished
// transfer returns nil.
func (c *HTTPClient) Cancel(ctx context.Context, externalRef string) error {
	peer, id, err := splitRef(externalRef)
	if err != nil {
		return newError(KindNotFound, "cancel", err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, CancelTimeout)
	defer cancel()

	endpoint := "/api/v0/transfers/downloads/" + url.PathEscape(peer) + "/" + url.PathEscape(id)
	err = c.do(ctx, "cancel", http.MethodDelete, endpoint, nil, nil)
	if err != nil && IsKind(err, KindNotFound) {
		return nil
	}
	return err
}

// Ping probes slskd liveness via the session endpoint. Used for breaker
// half-open tests.
func (c *HTTPClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, PingTimeout)
	defer cancel()
	return c.do(ctx, "ping", http.MethodGet, "/api/v0/session", nil, nil)
}

// mapTransferState folds slskd's compound states ("Completed, Errored")
// into the port's five states.
func mapTransferState(raw string) TransferState {
	s := strings.ToLower(raw)
	switch {
	case strings.Contains(s, "errored") || strings.Contains(s, "timedout"):
		return TransferErrored
	case strings.Contains(s, "cancelled") || strings.Contains(s, "aborted"):
		return TransferCancelled
	case strings.Contains(s, "succeeded") || strings.Contains(s, "completed"):
		return TransferCompleted
	case strings.Contains(s, "inprogress") || strings.Contains(s, "transferring"):
		return TransferActive
	default:
		return TransferQueued
	}
}

// FormatOf returns the lowercased audio format from a filename
// extension, e.g. "flac".
func FormatOf(filename string) string {
	ext := strings.ToLower(path.Ext(strings.ReplaceAll(filename, "\\", "/")))
	return strings.TrimPrefix(ext, ".")
}

func (c *HTTPClient) do(ctx context.Context, op, method, endpoint string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return classifyTransport(op, err)
	}

	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return newError(KindTransport, op, err.Error())
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return newError(KindTransport, op, err.Error())
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransport(op, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(op, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return newError(KindTransport, op, fmt.Sprintf("decode response: %v", err))
		}
	}
	return nil
}
