package engine

import (
	"context"
	"errors"
	"time"

	"github.com/bozzfozz/soulspot-sub007/internal/slskd"
	"github.com/bozzfozz/soulspot-sub007/internal/storage"
)

// tickEnqueue promotes one PENDING row to QUEUED by handing its
// candidate to the external downloader.
func (e *Engine) tickEnqueue(ctx context.Context) time.Duration {
	now := time.Now().UTC()
	lockTimeout := e.cfg.LockTimeout()

	worker := e.workerID(WorkerEnqueuer)
	d, err := e.store.ClaimNext(worker, []string{storage.StatusPending}, now, lockTimeout)
	if err != nil {
		e.logger.Error("claim failed", "error", err)
		return 0
	}
	if d == nil {
		return 0
	}

	if !d.HasCandidate() {
		// Dispatcher bug or manual row edit; send it back for selection.
		e.releaseJob(d.ID, worker, map[string]interface{}{"status": storage.StatusWaiting})
		return 0
	}

	// Another worker may have filled the caps since dispatch. The row
	// itself already counts as active, hence the strict comparison.
	active, err := e.store.CountActive(storage.ActiveStatuses)
	if err == nil && active > int64(e.cfg.MaxConcurrent()) {
		e.releaseJob(d.ID, worker, nil)
		return 0
	}
	peerActive, err := e.store.CountActiveForPeer(d.Candidate.Peer)
	if err == nil && peerActive > int64(e.cfg.MaxConcurrentPerPeer()) {
		e.releaseJob(d.ID, worker, nil)
		return 0
	}

	ref, err := e.client.Enqueue(ctx, d.Candidate.Peer, d.Candidate.Filename, d.Priority)
	if err != nil {
		e.enqueueFailed(d, worker, now, err)
		return 0
	}

	e.logger.Info("transfer queued", "id", d.ID, "peer", d.Candidate.Peer, "ref", ref)
	err = e.store.Release(d.ID, worker, map[string]interface{}{
		"status":       storage.StatusQueued,
		"external_ref": ref,
		"queued_at":    now,
	})
	if errors.Is(err, storage.ErrNotClaimed) {
		// The row was cancelled out from under us mid-enqueue; drop the
		// transfer we just created instead of orphaning it.
		e.logger.Warn("row cancelled during enqueue, dropping transfer", "id", d.ID, "ref", ref)
		if cerr := e.client.Cancel(ctx, ref); cerr != nil {
			e.logger.Warn("downstream cancel failed", "ref", ref, "error", cerr)
		}
		return 0
	}
	if err != nil {
		e.logger.Error("release failed", "id", d.ID, "worker", worker, "error", err)
		return 0
	}
	e.publishRow(d.ID)
	return 0
}

func (e *Engine) enqueueFailed(d *storage.Download, worker string, now time.Time, err error) {
	kind := slskd.KindOf(err)
	switch kind {
	case slskd.KindRejected, slskd.KindNotFound:
		// The peer (or file) is the problem; block this exact file and
		// bounce the row back so the dispatcher picks another candidate.
		code := storage.CodeTransferRejected
		if kind == slskd.KindNotFound {
			code = storage.CodeFileNotFound
		}
		if berr := e.store.IncrementFailure(d.Candidate.Peer, d.Candidate.Filename); berr != nil {
			e.logger.Error("blocklist update failed", "error", berr)
		}
		e.logger.Warn("enqueue rejected",
			"id", d.ID, "peer", d.Candidate.Peer, "code", code, "error", err)

		updates := map[string]interface{}{
			"last_error_code":    code,
			"last_error_message": truncateMessage(err.Error()),
		}
		if d.RetryCount < d.MaxRetries {
			updates["status"] = storage.StatusWaiting
			updates["retry_count"] = d.RetryCount + 1
			e.clearCandidate(updates)
		} else {
			updates["status"] = storage.StatusFailed
			updates["completed_at"] = now
			updates["next_retry_at"] = nil
		}
		e.releaseJob(d.ID, worker, updates)
		e.publishRow(d.ID)

	default:
		// Transport-class failure: stay PENDING, the breaker backs
		// callers off until the downloader recovers.
		e.logger.Warn("enqueue unavailable", "id", d.ID, "error", err)
		e.releaseJob(d.ID, worker, nil)
	}
}

func (e *Engine) clearCandidate(updates map[string]interface{}) {
	updates["candidate_peer"] = ""
	updates["candidate_filename"] = ""
	updates["candidate_size_bytes"] = 0
	updates["candidate_bitrate_kbps"] = 0
	updates["candidate_format"] = ""
}
