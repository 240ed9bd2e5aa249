package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bozzfozz/soulspot-sub007/internal/library"
	"github.com/bozzfozz/soulspot-sub007/internal/quality"
	"github.com/bozzfozz/soulspot-sub007/internal/storage"
)

// tickDispatch promotes one WAITING row to PENDING by searching the
// downloader and selecting a candidate.
func (e *Engine) tickDispatch(ctx context.Context) time.Duration {
	now := time.Now().UTC()
	lockTimeout := e.cfg.LockTimeout()
	e.br.Configure(e.cfg.BreakerFailureThreshold(), e.cfg.BreakerRecovery())

	if n, err := e.store.ReclaimStale(now, lockTimeout); err != nil {
		e.logger.Error("stale lock reclaim failed", "error", err)
		return 0
	} else if n > 0 {
		e.logger.Warn("reclaimed stale claims", "count", n)
	}

	active, err := e.store.CountActive(storage.ActiveStatuses)
	if err != nil {
		e.logger.Error("active count failed", "error", err)
		return 0
	}
	if active >= int64(e.cfg.MaxConcurrent()) {
		return 0
	}

	root := e.cfg.MusicRoot()
	if !library.EnoughSpace(root, e.cfg.MinFreeBytes()) {
		e.logger.Warn("low disk space, deferring dispatch", "root", root)
		return 0
	}

	worker := e.workerID(WorkerDispatcher)
	d, err := e.store.ClaimNext(worker, []string{storage.StatusWaiting}, now, lockTimeout)
	if err != nil {
		e.logger.Error("claim failed", "error", err)
		return 0
	}
	if d == nil {
		return 0
	}

	e.dispatchOne(ctx, d, worker, now)
	return 0
}

func (e *Engine) dispatchOne(ctx context.Context, d *storage.Download, worker string, now time.Time) {
	track, err := e.store.GetTrack(d.TrackID)
	if err != nil {
		e.logger.Error("track metadata missing", "id", d.ID, "track_id", d.TrackID)
		e.releaseJob(d.ID, worker, map[string]interface{}{
			"status":             storage.StatusFailed,
			"last_error_code":    storage.CodeInvalidFile,
			"last_error_message": "track metadata not found in library",
			"completed_at":       now,
		})
		return
	}

	query := strings.TrimSpace(track.Artist + " " + track.Title)
	hits, err := e.client.Search(ctx, query)
	if err != nil {
		// Downloader trouble; leave the row WAITING and let the breaker
		// and retry cadence sort it out.
		e.logger.Warn("search failed", "id", d.ID, "query", query, "error", err)
		e.releaseJob(d.ID, worker, nil)
		return
	}

	ranked := quality.Rank(hits, e.profile(), func(peer, filename string) bool {
		blocked, err := e.store.IsBlocked(peer, filename, now)
		return err == nil && blocked
	})

	perPeerCap := int64(e.cfg.MaxConcurrentPerPeer())
	var chosen *quality.Scored
	capped := false
	for i := range ranked {
		n, err := e.store.CountActiveForPeer(ranked[i].Hit.Peer)
		if err != nil {
			e.logger.Error("peer count failed", "error", err)
			e.releaseJob(d.ID, worker, nil)
			return
		}
		if n >= perPeerCap {
			capped = true
			continue
		}
		chosen = &ranked[i]
		break
	}

	if chosen == nil {
		if capped {
			// Acceptable candidates exist but every one sits behind a
			// peer at its concurrency cap. Defer to a later tick without
			// charging the retry budget.
			e.logger.Info("candidate peers at capacity, deferring", "id", d.ID)
			e.releaseJob(d.ID, worker, nil)
			return
		}
		e.noCandidate(d, worker, now, len(hits))
		e.publishRow(d.ID)
		return
	}

	hit := chosen.Hit
	e.logger.Info("candidate selected",
		"id", d.ID, "peer", hit.Peer, "file", hit.Filename, "score", chosen.Score)
	e.releaseJob(d.ID, worker, map[string]interface{}{
		"status":                 storage.StatusPending,
		"candidate_peer":         hit.Peer,
		"candidate_filename":     hit.Filename,
		"candidate_size_bytes":   hit.SizeBytes,
		"candidate_bitrate_kbps": hit.BitrateKbps,
		"candidate_format":       hit.Format,
	})
	e.publishRow(d.ID)
}

// noCandidate handles an empty or fully-filtered search result. The
// retry budget is charged here; while budget remains the row goes to
// FAILED with a backoff window for the retry scheduler to pick up.
func (e *Engine) noCandidate(d *storage.Download, worker string, now time.Time, totalHits int) {
	updates := map[string]interface{}{
		"status":             storage.StatusFailed,
		"last_error_code":    storage.CodeNoResults,
		"last_error_message": "no acceptable search results",
		"completed_at":       now,
	}
	if totalHits > 0 {
		updates["last_error_message"] = "all search results rejected by quality profile or blocklist"
	}

	attempt := d.RetryCount
	if attempt < d.MaxRetries {
		attempt++
		updates["retry_count"] = attempt
	}
	if attempt < d.MaxRetries {
		updates["next_retry_at"] = now.Add(e.backoffFor(attempt))
		e.logger.Info("no candidate, retry scheduled",
			"id", d.ID, "attempt", attempt, "max", d.MaxRetries)
	} else {
		// The last charge ends the budget; a backoff window here would
		// never be collected.
		updates["next_retry_at"] = nil
		e.logger.Warn("no candidate, retries exhausted", "id", d.ID)
	}
	e.releaseJob(d.ID, worker, updates)
}

// releaseJob releases a claim, logging instead of propagating: a failed
// release leaves the lock to expire via stale reclaim. A lost claim is
// the normal outcome of losing a race with an API cancel.
func (e *Engine) releaseJob(id, worker string, updates map[string]interface{}) {
	err := e.store.Release(id, worker, updates)
	if errors.Is(err, storage.ErrNotClaimed) {
		e.logger.Debug("claim lost before release", "id", id, "worker", worker)
		return
	}
	if err != nil {
		e.logger.Error("release failed", "id", id, "worker", worker, "error", err)
	}
}
