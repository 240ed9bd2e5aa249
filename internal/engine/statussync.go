package engine

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/bozzfozz/soulspot-sub007/internal/slskd"
	"github.com/bozzfozz/soulspot-sub007/internal/storage"
)

// tickSync reconciles QUEUED and DOWNLOADING rows against the external
// downloader. When the breaker trips mid-loop the tick aborts and asks
// for an extended sleep so the worker does not spin against an open
// breaker.
func (e *Engine) tickSync(ctx context.Context) time.Duration {
	if e.br.IsOpen() {
		return e.breakerSleep()
	}

	rows, err := e.store.ListByStatuses(
		[]string{storage.StatusQueued, storage.StatusDownloading}, statusBatchSize)
	if err != nil {
		e.logger.Error("active transfer fetch failed", "error", err)
		return 0
	}

	for i := range rows {
		if ctx.Err() != nil {
			return 0
		}
		row := &rows[i]

		st, err := e.client.Status(ctx, row.ExternalRef)
		if err != nil {
			if slskd.IsKind(err, slskd.KindNotFound) {
				// Downloader no longer knows this transfer.
				e.reconcileLost(row)
				continue
			}
			e.logger.Warn("status poll failed", "id", row.ID, "error", err)
			if e.br.IsOpen() {
				return e.breakerSleep()
			}
			continue
		}

		e.reconcile(row, st)
	}
	return 0
}

func (e *Engine) breakerSleep() time.Duration {
	recovery := e.cfg.BreakerRecovery()
	jitter := time.Duration(rand.Int63n(int64(recovery)/4 + 1))
	return recovery + jitter
}

// reconcile applies one transfer status to its row under a claim.
func (e *Engine) reconcile(row *storage.Download, st *slskd.TransferStatus) {
	now := time.Now().UTC()
	worker := e.workerID(WorkerStatusSync)

	ok, err := e.store.TryClaim(row.ID, worker, now, e.cfg.LockTimeout())
	if err != nil || !ok {
		return
	}

	// Re-read under the claim: an API cancel may have landed since the
	// bounded fetch.
	fresh, err := e.store.Get(row.ID)
	if err != nil || fresh.Status != row.Status {
		e.releaseJob(row.ID, worker, nil)
		return
	}

	switch st.State {
	case slskd.TransferCompleted:
		if st.BytesDone > 0 {
			e.completeTransfer(fresh, worker, st, now)
		} else {
			e.failTransfer(fresh, worker, now, storage.CodeInvalidFile,
				"downloader reported completion with zero bytes")
		}

	case slskd.TransferErrored:
		e.failTransfer(fresh, worker, now, classifyTransferError(st.ErrorText), st.ErrorText)

	case slskd.TransferCancelled:
		e.releaseJob(fresh.ID, worker, map[string]interface{}{
			"status":       storage.StatusCancelled,
			"external_ref": "",
			"completed_at": now,
		})
		e.publishRow(fresh.ID)

	case slskd.TransferActive:
		updates := map[string]interface{}{
			"bytes_done":  st.BytesDone,
			"bytes_total": st.BytesTotal,
		}
		changed := st.BytesDone != fresh.BytesDone || st.BytesTotal != fresh.BytesTotal
		if fresh.Status == storage.StatusQueued {
			updates["status"] = storage.StatusDownloading
			changed = true
			if fresh.StartedAt == nil {
				updates["started_at"] = now
			}
		}
		e.releaseJob(fresh.ID, worker, updates)
		if changed {
			e.publishRow(fresh.ID)
		}

	default: // still queued remotely
		if st.BytesTotal != fresh.BytesTotal {
			e.releaseJob(fresh.ID, worker, map[string]interface{}{
				"bytes_total": st.BytesTotal,
			})
			e.publishRow(fresh.ID)
		} else {
			e.releaseJob(fresh.ID, worker, nil)
		}
	}
}

// reconcileLost marks a row the downloader forgot about. Retryable: a
// fresh dispatch can start the transfer again.
func (e *Engine) reconcileLost(row *storage.Download) {
	now := time.Now().UTC()
	worker := e.workerID(WorkerStatusSync)
	ok, err := e.store.TryClaim(row.ID, worker, now, e.cfg.LockTimeout())
	if err != nil || !ok {
		return
	}
	fresh, err := e.store.Get(row.ID)
	if err != nil || fresh.Status != row.Status {
		e.releaseJob(row.ID, worker, nil)
		return
	}
	e.failTransfer(fresh, worker, now, storage.CodeLostByDownloader,
		"transfer unknown to downloader")
}

func (e *Engine) completeTransfer(d *storage.Download, worker string, st *slskd.TransferStatus, now time.Time) {
	target := st.LocalPath

	if e.cfg.AutoImport() && target != "" {
		track, err := e.store.GetTrack(d.TrackID)
		if err == nil {
			if imported, ierr := e.importer.Import(e.cfg.MusicRoot(), track, target); ierr == nil {
				target = imported
			} else {
				e.logger.Error("library import failed", "id", d.ID, "error", ierr)
			}
		}
	}

	e.logger.Info("download completed", "id", d.ID, "path", target, "bytes", st.BytesDone)
	e.releaseJob(d.ID, worker, map[string]interface{}{
		"status":       storage.StatusCompleted,
		"bytes_done":   st.BytesDone,
		"bytes_total":  st.BytesTotal,
		"target_path":  target,
		"completed_at": now,
	})
	e.publishRow(d.ID)
}

// failTransfer moves an active transfer to FAILED, charging the retry
// budget. Wait-class codes get a backoff window; alternative-candidate
// codes become due immediately and feed the blocklist.
func (e *Engine) failTransfer(d *storage.Download, worker string, now time.Time, code, msg string) {
	updates := map[string]interface{}{
		"status":             storage.StatusFailed,
		"last_error_code":    code,
		"last_error_message": truncateMessage(msg),
		"completed_at":       now,
	}

	if storage.RetryableCode(code) && d.RetryCount < d.MaxRetries {
		attempt := d.RetryCount + 1
		updates["retry_count"] = attempt
		if storage.AlternativeCode(code) || attempt >= d.MaxRetries {
			updates["next_retry_at"] = nil
		} else {
			updates["next_retry_at"] = now.Add(e.backoffFor(attempt))
		}
	} else {
		updates["next_retry_at"] = nil
	}

	if storage.AlternativeCode(code) && d.HasCandidate() {
		if err := e.store.IncrementFailure(d.Candidate.Peer, d.Candidate.Filename); err != nil {
			e.logger.Error("blocklist update failed", "error", err)
		}
	}

	e.logger.Warn("transfer failed", "id", d.ID, "code", code, "retries", d.RetryCount)
	e.releaseJob(d.ID, worker, updates)
	e.publishRow(d.ID)
}

// classifyTransferError maps the downloader's free-text error to the
// persisted taxonomy. Unknown strings are treated as retryable
// transfer failures.
func classifyTransferError(text string) string {
	s := strings.ToLower(text)
	switch {
	case strings.Contains(s, "reject"):
		return storage.CodeTransferRejected
	case strings.Contains(s, "banned") || strings.Contains(s, "blocked"):
		return storage.CodePeerBlockedUs
	case strings.Contains(s, "not found") || strings.Contains(s, "no such file") ||
		strings.Contains(s, "not shared"):
		return storage.CodeFileNotFound
	case strings.Contains(s, "timed out") || strings.Contains(s, "timeout"):
		return storage.CodeTimeout
	case strings.Contains(s, "connection") || strings.Contains(s, "network") ||
		strings.Contains(s, "refused"):
		return storage.CodeNetworkError
	default:
		return storage.CodeTransferFailed
	}
}
