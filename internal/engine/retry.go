package engine

import (
	"context"
	"time"

	"github.com/bozzfozz/soulspot-sub007/internal/storage"
)

// retryBatchSize bounds how many rows one scheduler tick reactivates.
const retryBatchSize = 25

// tickRetry reactivates FAILED rows whose backoff has elapsed and
// promotes SCHEDULED rows whose start time has arrived. Paused rows
// carry the far-future sentinel and are never promoted.
func (e *Engine) tickRetry(ctx context.Context) time.Duration {
	now := time.Now().UTC()

	due, err := e.store.ListDueScheduled(now, retryBatchSize)
	if err != nil {
		e.logger.Error("scheduled fetch failed", "error", err)
	}
	for _, d := range due {
		ok, err := e.store.UpdateIf(d.ID, []string{storage.StatusScheduled}, map[string]interface{}{
			"status":          storage.StatusWaiting,
			"scheduled_start": nil,
		})
		if err != nil {
			e.logger.Error("scheduled promotion failed", "id", d.ID, "error", err)
			continue
		}
		if ok {
			e.logger.Info("scheduled download activated", "id", d.ID)
			e.publishRow(d.ID)
		}
	}

	retries, err := e.store.ListDueRetries(now, retryBatchSize)
	if err != nil {
		e.logger.Error("retry fetch failed", "error", err)
		return 0
	}
	for _, d := range retries {
		// The failing worker already charged retry_count; this is pure
		// reactivation. The stale external ref and candidate are
		// cleared so the dispatch pipeline starts clean.
		updates := map[string]interface{}{
			"status":        storage.StatusWaiting,
			"external_ref":  "",
			"next_retry_at": nil,
			"completed_at":  nil,
		}
		e.clearCandidate(updates)

		ok, err := e.store.UpdateIf(d.ID, []string{storage.StatusFailed}, updates)
		if err != nil {
			e.logger.Error("retry reactivation failed", "id", d.ID, "error", err)
			continue
		}
		if ok {
			e.logger.Info("retrying download",
				"id", d.ID, "attempt", d.RetryCount, "code", d.LastErrorCode)
			e.publishRow(d.ID)
		}
	}
	return 0
}
