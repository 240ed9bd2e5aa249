// Package engine drives persisted download jobs through their state
// machine: dispatching searches, handing transfers to the downloader,
// reconciling progress and scheduling retries.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/bozzfozz/soulspot-sub007/internal/breaker"
	"github.com/bozzfozz/soulspot-sub007/internal/config"
	"github.com/bozzfozz/soulspot-sub007/internal/events"
	"github.com/bozzfozz/soulspot-sub007/internal/library"
	"github.com/bozzfozz/soulspot-sub007/internal/quality"
	"github.com/bozzfozz/soulspot-sub007/internal/slskd"
	"github.com/bozzfozz/soulspot-sub007/internal/storage"
)

// Worker names, as reported on /downloads/health.
const (
	WorkerDispatcher = "dispatcher"
	WorkerEnqueuer   = "enqueuer"
	WorkerStatusSync = "status_sync"
	WorkerRetry      = "retry_scheduler"
)

// statusBatchSize bounds how many active transfers one sync tick polls.
const statusBatchSize = 50

// maxErrorMessage caps persisted error text at 2 KiB.
const maxErrorMessage = 2048

// Engine owns the background workers. All coordination between them
// goes through the store's claim operations; the breaker is the only
// other shared state.
type Engine struct {
	logger   *slog.Logger
	store    *storage.Storage
	client   slskd.Client
	br       *breaker.Breaker
	cfg      *config.Manager
	bus      *events.Bus
	importer *library.Importer

	heartbeats *Heartbeats
	instance   string
}

func New(logger *slog.Logger, store *storage.Storage, client slskd.Client, br *breaker.Breaker, cfg *config.Manager, bus *events.Bus) *Engine {
	return &Engine{
		logger:     logger,
		store:      store,
		client:     client,
		br:         br,
		cfg:        cfg,
		bus:        bus,
		importer:   library.NewImporter(),
		heartbeats: NewHeartbeats(),
		instance:   uuid.New().String()[:8],
	}
}

// Heartbeats exposes the worker heartbeat registry for /health.
func (e *Engine) Heartbeats() *Heartbeats {
	return e.heartbeats
}

// Run starts all workers and blocks until the context ends. Stale
// claims left by a previous crash are reclaimed first so dispatch
// resumes immediately.
func (e *Engine) Run(ctx context.Context) error {
	now := time.Now().UTC()
	if n, err := e.store.ReclaimStale(now, e.cfg.LockTimeout()); err != nil {
		e.logger.Error("startup lock reclaim failed", "error", err)
	} else if n > 0 {
		e.logger.Info("reclaimed stale claims on startup", "count", n)
	}

	janitor := e.startJanitor()
	defer janitor.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.loop(ctx, WorkerDispatcher, e.cfg.DispatchInterval, e.tickDispatch)
	})
	g.Go(func() error {
		return e.loop(ctx, WorkerEnqueuer, e.cfg.DispatchInterval, e.tickEnqueue)
	})
	g.Go(func() error {
		return e.loop(ctx, WorkerStatusSync, e.cfg.SyncInterval, e.tickSync)
	})
	g.Go(func() error {
		return e.loop(ctx, WorkerRetry, e.cfg.RetryInterval, e.tickRetry)
	})
	g.Go(func() error {
		return e.bus.Run(ctx)
	})

	e.logger.Info("engine started")
	return g.Wait()
}

// loop runs one worker. The interval is re-read every iteration so
// setting changes apply without restart; a tick may request extra sleep
// (the status sync worker does after the breaker trips).
func (e *Engine) loop(ctx context.Context, name string, interval func() time.Duration, tick func(context.Context) time.Duration) error {
	for {
		e.heartbeats.Beat(name)
		extra := tick(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval() + extra):
		}
	}
}

func (e *Engine) workerID(name string) string {
	return name + "-" + e.instance
}

// profile assembles the active quality profile from live settings.
func (e *Engine) profile() quality.Profile {
	return quality.Profile{
		PreferredFormats: e.cfg.QualityFormats(),
		MinBitrateKbps:   e.cfg.QualityMinBitrate(),
		MaxBitrateKbps:   e.cfg.QualityMaxBitrate(),
		MinSizeMB:        e.cfg.QualityMinSizeMB(),
		MaxSizeMB:        e.cfg.QualityMaxSizeMB(),
		ExcludeKeywords:  e.cfg.QualityExcludeKeywords(),
		AllowLossy:       e.cfg.QualityAllowLossy(),
		PreferLossless:   e.cfg.QualityPreferLossless(),
	}
}

// backoffFor returns the wait before the attempt-th retry (1-indexed).
func (e *Engine) backoffFor(attempt int) time.Duration {
	schedule := e.cfg.RetryBackoff()
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}

// publishRow re-reads a row and publishes its current state.
func (e *Engine) publishRow(id string) {
	d, err := e.store.Get(id)
	if err != nil {
		return
	}
	e.bus.PublishChanged(events.DownloadChanged{
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

func truncateMessage(msg string) string {
	if len(msg) > maxErrorMessage {
		return msg[:maxErrorMessage]
	}
	return msg
}
