package storage

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	// ErrQueueFull is returned by Create when the non-terminal row count
	// has reached download.max_queue_size.
	ErrQueueFull = errors.New("download queue is full")

	// ErrNotClaimed is returned by Release when the caller does not hold
	// the row's lock.
	ErrNotClaimed = errors.New("download not claimed by this worker")

	// ErrNotFound is returned when no row matches the given id.
	ErrNotFound = errors.New("download not found")
)

// Create inserts a new download after checking the queue-size cap.
// The queue position is assigned at the tail. Cap check and insert run
// in one transaction so concurrent creates cannot overshoot.
func (s *Storage) Create(d *Download, maxQueueSize int) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		var active int64
		if err := tx.Model(&Download{}).
			Where("status IN ?", NonTerminalStatuses).
			Count(&active).Error; err != nil {
			return err
		}
		if maxQueueSize > 0 && active >= int64(maxQueueSize) {
			return ErrQueueFull
		}

		var maxPos int
		row := tx.Model(&Download{}).
			Where("status IN ?", NonTerminalStatuses).
			Select("IFNULL(MAX(queue_position), 0)").Row()
		if err := row.Scan(&maxPos); err != nil {
			return err
		}
		d.QueuePosition = maxPos + 1

		return tx.Create(d).Error
	})
}

// Get retrieves a download by id.
func (s *Storage) Get(id string) (*Download, error) {
	var d Download
	err := s.DB.First(&d, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ListOptions filters List.
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}

// List returns downloads in queue order plus the total count for paging.
func (s *Storage) List(opts ListOptions) ([]Download, int64, error) {
	q := s.DB.Model(&Download{})
	if opts.Status != "" {
		q = q.Where("status = ?", opts.Status)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var items []Download
	q = q.Order("queue_position asc, created_at asc")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}
	if opts.Offset > 0 {
		q = q.Offset(opts.Offset)
	}
	if err := q.Find(&items).Error; err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ListByStatuses returns up to limit rows in the given states, oldest
// update first. Used by the status sync worker's bounded fetch.
func (s *Storage) ListByStatuses(states []string, limit int) ([]Download, error) {
	var items []Download
	q := s.DB.Where("status IN ?", states).Order("updated_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&items).Error
	return items, err
}

// ListDueRetries returns FAILED rows whose backoff window has elapsed,
// whose retry budget remains, and whose error code is retryable.
func (s *Storage) ListDueRetries(now time.Time, limit int) ([]Download, error) {
	retryable := []string{
		CodeTimeout, CodeNetworkError, CodeRateLimited,
		CodeDownloaderUnavailable, CodeLostByDownloader,
		CodeTransferRejected, CodeTransferFailed, CodeNoResults,
	}
	var items []Download
	err := s.DB.
		Where("status = ?", StatusFailed).
		Where("retry_count < max_retries").
		Where("next_retry_at IS NULL OR next_retry_at <= ?", now).
		Where("last_error_code IN ?", retryable).
		Order("next_retry_at asc").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// ListDueScheduled returns SCHEDULED rows whose start time has arrived.
// Paused rows carry a far-future sentinel and never match.
func (s *Storage) ListDueScheduled(now time.Time, limit int) ([]Download, error) {
	var items []Download
	err := s.DB.
		Where("status = ?", StatusScheduled).
		Where("scheduled_start IS NOT NULL AND scheduled_start <= ?", now).
		Order("scheduled_start asc").
		Limit(limit).
		Find(&items).Error
	return items, err
}

// FindActiveByTrack returns the non-terminal row for a track, if any.
// Backs the idempotent enqueue guard.
func (s *Storage) FindActiveByTrack(trackID string) (*Download, error) {
	var d Download
	err := s.DB.
		Where("track_id = ? AND status IN ?", trackID, NonTerminalStatuses).
		Order("created_at asc").
		First(&d).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// ClaimNext atomically locks and returns the highest-priority unlocked
// row in the requested states. Rows whose lock is older than lockTimeout
// are considered abandoned and stealable. Returns nil when nothing is
// claimable. The UPDATE is a single statement, so two concurrent
// claimers can never lock the same row; a worker holds at most one
// claim at a time.
func (s *Storage) ClaimNext(workerID string, states []string, now time.Time, lockTimeout time.Duration) (*Download, error) {
	stale := now.Add(-lockTimeout)

	res := s.DB.Exec(`
		UPDATE downloads SET locked_by = ?, locked_at = ?
		WHERE id = (
			SELECT id FROM downloads
			WHERE status IN ?
			  AND (locked_by = '' OR locked_at < ?)
			ORDER BY priority DESC, queue_position ASC, created_at ASC
			LIMIT 1
		)
		AND (locked_by = '' OR locked_at < ?)`,
		workerID, now, states, stale, stale)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, nil
	}

	// Fetch the freshest lock first: a failed earlier release can leave
	// this worker's id on a stale row.
	var d Download
	if err := s.DB.Where("locked_by = ?", workerID).
		Order("locked_at desc").First(&d).Error; err != nil {
		return nil, fmt.Errorf("claimed row vanished: %w", err)
	}
	return &d, nil
}

// TryClaim locks one specific row if it is unlocked or its lock is
// stale. Reports whether the claim succeeded.
func (s *Storage) TryClaim(id, workerID string, now time.Time, lockTimeout time.Duration) (bool, error) {
	stale := now.Add(-lockTimeout)
	res := s.DB.Model(&Download{}).
		Where("id = ? AND (locked_by = '' OR locked_by = ? OR locked_at < ?)", id, workerID, stale).
		Updates(map[string]interface{}{
			"locked_by": workerID,
			"locked_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Release applies updates to a claimed row and clears the lock. Fails
// with ErrNotClaimed unless the caller holds the lock. A row that went
// terminal while claimed (an API cancel can land mid-claim) keeps its
// terminal state: only the lock is dropped and the claim counts as lost.
func (s *Storage) Release(id, workerID string, updates map[string]interface{}) error {
	patch := map[string]interface{}{
		"locked_by":  "",
		"locked_at":  nil,
		"updated_at": time.Now().UTC(),
	}
	for k, v := range updates {
		patch[k] = v
	}

	res := s.DB.Model(&Download{}).
		Where("id = ? AND locked_by = ? AND status NOT IN ?",
			id, workerID, []string{StatusCompleted, StatusCancelled}).
		Updates(patch)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// Drop the lock if we still hold it so a terminal row does not
		// sit locked until stale reclaim.
		s.DB.Model(&Download{}).
			Where("id = ? AND locked_by = ?", id, workerID).
			Updates(map[string]interface{}{"locked_by": "", "locked_at": nil})
		return ErrNotClaimed
	}
	return nil
}

// ReclaimStale clears locks older than lockTimeout and returns how many
// rows were reclaimed.
func (s *Storage) ReclaimStale(now time.Time, lockTimeout time.Duration) (int64, error) {
	stale := now.Add(-lockTimeout)
	res := s.DB.Model(&Download{}).
		Where("locked_by <> '' AND locked_at < ?", stale).
		Updates(map[string]interface{}{
			"locked_by": "",
			"locked_at": nil,
		})
	return res.RowsAffected, res.Error
}

// UpdateIf applies updates only while the row is in one of the expected
// states. Reports false on a state conflict without mutating. This is
// the conditional-update path used by API actions, which hold no claim.
func (s *Storage) UpdateIf(id string, expected []string, updates map[string]interface{}) (bool, error) {
	patch := map[string]interface{}{
		"updated_at": time.Now().UTC(),
	}
	for k, v := range updates {
		patch[k] = v
	}

	res := s.DB.Model(&Download{}).
		Where("id = ? AND status IN ?", id, expected).
		Updates(patch)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CountActive counts rows in the given states.
func (s *Storage) CountActive(states []string) (int64, error) {
	var n int64
	err := s.DB.Model(&Download{}).
		Where("status IN ?", states).
		Count(&n).Error
	return n, err
}

// CountActiveForPeer counts active rows whose candidate points at the
// given peer. Backs the per-peer concurrency cap.
func (s *Storage) CountActiveForPeer(peer string) (int64, error) {
	var n int64
	err := s.DB.Model(&Download{}).
		Where("status IN ? AND candidate_peer = ?", ActiveStatuses, peer).
		Count(&n).Error
	return n, err
}

// CountByStatus returns row counts grouped by status, for /health.
func (s *Storage) CountByStatus() (map[string]int64, error) {
	type bucket struct {
		Status string
		N      int64
	}
	var rows []bucket
	err := s.DB.Model(&Download{}).
		Select("status, COUNT(*) as n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// Reorder assigns queue positions in the order given; rows not listed
// keep their existing relative order after the listed ones. Terminal
// rows are ignored. Returns the number of rows updated.
func (s *Storage) Reorder(ids []string) (int64, error) {
	var updated int64
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		pos := 0
		listed := make(map[string]bool, len(ids))
		for _, id := range ids {
			listed[id] = true
			pos++
			res := tx.Model(&Download{}).
				Where("id = ? AND status IN ? AND queue_position <> ?", id, NonTerminalStatuses, pos).
				Update("queue_position", pos)
			if res.Error != nil {
				return res.Error
			}
			updated += res.RowsAffected
		}

		var rest []Download
		if err := tx.
			Where("status IN ?", NonTerminalStatuses).
			Order("queue_position asc, created_at asc").
			Find(&rest).Error; err != nil {
			return err
		}
		for _, d := range rest {
			if listed[d.ID] {
				continue
			}
			pos++
			if d.QueuePosition == pos {
				continue
			}
			res := tx.Model(&Download{}).
				Where("id = ?", d.ID).
				Update("queue_position", pos)
			if res.Error != nil {
				return res.Error
			}
			updated += res.RowsAffected
		}
		return nil
	})
	return updated, err
}

// PruneTerminal deletes COMPLETED, CANCELLED and exhausted FAILED rows
// finished before the cutoff. Used by the retention janitor; disabled
// unless a retention window is configured.
func (s *Storage) PruneTerminal(cutoff time.Time) (int64, error) {
	res := s.DB.
		Where("status IN ?", []string{StatusCompleted, StatusCancelled, StatusFailed}).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Delete(&Download{})
	return res.RowsAffected, res.Error
}
