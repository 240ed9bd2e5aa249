package storage

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func openTest(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newDownload(trackID string) *Download {
	now := time.Now().UTC()
	return &Download{
		ID:         uuid.NewString(),
		TrackID:    trackID,
		Status:     StatusWaiting,
		MaxRetries: 3,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestCreate_AssignsTailPosition(t *testing.T) {
	s := openTest(t)

	a := newDownload("t1")
	b := newDownload("t2")
	if err := s.Create(a, 100); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if err := s.Create(b, 100); err != nil {
		t.Fatalf("Create b: %v", err)
	}

	if a.QueuePosition != 1 || b.QueuePosition != 2 {
		t.Errorf("expected positions 1,2 got %d,%d", a.QueuePosition, b.QueuePosition)
	}
}

func TestCreate_QueueFull(t *testing.T) {
	s := openTest(t)

	if err := s.Create(newDownload("t1"), 2); err != nil {
		t.Fatal(err)
	}

	// FAILED is not terminal and still occupies a slot.
	failed := newDownload("t2")
	failed.Status = StatusFailed
	if err := s.Create(failed, 2); err != nil {
		t.Fatal(err)
	}

	if err := s.Create(newDownload("t3"), 2); err != ErrQueueFull {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	// Terminal rows free their slot.
	cancelled := &Download{ID: failed.ID}
	if err := s.DB.Model(cancelled).Update("status", StatusCancelled).Error; err != nil {
		t.Fatal(err)
	}
	if err := s.Create(newDownload("t3"), 2); err != nil {
		t.Errorf("expected insert after cancel, got %v", err)
	}
}

func TestClaimNext_OrderAndExclusivity(t *testing.T) {
	s := openTest(t)
	now := time.Now().UTC()

	low := newDownload("t-low")
	high := newDownload("t-high")
	high.Priority = 10
	if err := s.Create(low, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.Create(high, 0); err != nil {
		t.Fatal(err)
	}

	d, err := s.ClaimNext("w1", []string{StatusWaiting}, now, time.Minute)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if d == nil || d.ID != high.ID {
		t.Fatalf("expected high-priority row first, got %+v", d)
	}

	// Second worker gets the other row, never the claimed one.
	d2, err := s.ClaimNext("w2", []string{StatusWaiting}, now, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if d2 == nil || d2.ID != low.ID {
		t.Fatalf("expected low-priority row, got %+v", d2)
	}

	// Nothing left.
	d3, err := s.ClaimNext("w3", []string{StatusWaiting}, now, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if d3 != nil {
		t.Errorf("expected no claimable row, got %s", d3.ID)
	}
}

func TestClaimNext_Concurrent(t *testing.T) {
	s := openTest(t)
	now := time.Now().UTC()

	const rows = 8
	for i := 0; i < rows; i++ {
		if err := s.Create(newDownload(fmt.Sprintf("t%d", i)), 0); err != nil {
			t.Fatal(err)
		}
	}

	var mu sync.Mutex
	seen := make(map[string]string)
	var wg sync.WaitGroup
	for w := 0; w < rows*2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			worker := fmt.Sprintf("w%d", w)
			d, err := s.ClaimNext(worker, []string{StatusWaiting}, now, time.Minute)
			if err != nil || d == nil {
				return
			}
			mu.Lock()
			if prev, dup := seen[d.ID]; dup {
				t.Errorf("row %s claimed by both %s and %s", d.ID, prev, worker)
			}
			seen[d.ID] = worker
			mu.Unlock()
		}(w)
	}
	wg.Wait()

	if len(seen) != rows {
		t.Errorf("expected %d claims, got %d", rows, len(seen))
	}
}

func TestRelease_RequiresLock(t *testing.T) {
	s := openTest(t)
	now := time.Now().UTC()

	d := newDownload("t1")
	if err := s.Create(d, 0); err != nil {
		t.Fatal(err)
	}
	claimed, err := s.ClaimNext("w1", []string{StatusWaiting}, now, time.Minute)
	if err != nil || claimed == nil {
		t.Fatalf("claim: %v %v", claimed, err)
	}

	if err := s.Release(d.ID, "intruder", nil); err != ErrNotClaimed {
		t.Errorf("expected ErrNotClaimed for wrong worker, got %v", err)
	}

	if err := s.Release(d.ID, "w1", map[string]interface{}{"status": StatusPending}); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, _ := s.Get(d.ID)
	if got.Status != StatusPending || got.LockedBy != "" {
		t.Errorf("expected unlocked PENDING row, got %s locked_by=%q", got.Status, got.LockedBy)
	}
}

func TestRelease_DoesNotResurrectCancelledRow(t *testing.T) {
	s := openTest(t)
	now := time.Now().UTC()

	d := newDownload("t1")
	if err := s.Create(d, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNext("w1", []string{StatusWaiting}, now, time.Minute); err != nil {
		t.Fatal(err)
	}

	// An API cancel lands while the worker still holds the claim.
	ok, err := s.UpdateIf(d.ID, []string{StatusWaiting}, map[string]interface{}{
		"status":       StatusCancelled,
		"completed_at": now,
	})
	if err != nil || !ok {
		t.Fatalf("cancel update: %v %v", ok, err)
	}

	err = s.Release(d.ID, "w1", map[string]interface{}{
		"status":       StatusQueued,
		"external_ref": "alice|t-1",
	})
	if err != ErrNotClaimed {
		t.Fatalf("expected lost claim on terminal row, got %v", err)
	}

	got, _ := s.Get(d.ID)
	if got.Status != StatusCancelled {
		t.Errorf("terminal row resurrected to %s", got.Status)
	}
	if got.ExternalRef != "" {
		t.Errorf("release leaked updates onto a cancelled row: ref=%q", got.ExternalRef)
	}
	if got.LockedBy != "" {
		t.Errorf("lock should be dropped without mutation, got %q", got.LockedBy)
	}
}

func TestClaimNext_IgnoresLeftoverLockRow(t *testing.T) {
	s := openTest(t)
	now := time.Now().UTC()

	// A completed row still carrying this worker's id from a release
	// that failed to clear the lock.
	leftover := newDownload("t1")
	if err := s.Create(leftover, 0); err != nil {
		t.Fatal(err)
	}
	if err := s.DB.Model(&Download{}).Where("id = ?", leftover.ID).
		Updates(map[string]interface{}{
			"status":    StatusCompleted,
			"locked_by": "w1",
			"locked_at": now.Add(-time.Hour),
		}).Error; err != nil {
		t.Fatal(err)
	}

	fresh := newDownload("t2")
	if err := s.Create(fresh, 0); err != nil {
		t.Fatal(err)
	}

	got, err := s.ClaimNext("w1", []string{StatusWaiting}, now, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != fresh.ID {
		t.Fatalf("expected the freshly claimed row, got %+v", got)
	}
}

func TestClaimNext_StealsStaleLock(t *testing.T) {
	s := openTest(t)
	now := time.Now().UTC()

	d := newDownload("t1")
	if err := s.Create(d, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNext("dead", []string{StatusWaiting}, now.Add(-time.Hour), time.Minute); err != nil {
		t.Fatal(err)
	}

	got, err := s.ClaimNext("alive", []string{StatusWaiting}, now, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.LockedBy != "alive" {
		t.Fatalf("expected stale lock stolen, got %+v", got)
	}
}

func TestReclaimStale(t *testing.T) {
	s := openTest(t)
	now := time.Now().UTC()

	d := newDownload("t1")
	if err := s.Create(d, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNext("dead", []string{StatusWaiting}, now.Add(-time.Hour), time.Minute); err != nil {
		t.Fatal(err)
	}

	n, err := s.ReclaimStale(now, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 reclaimed, got %d", n)
	}
	got, _ := s.Get(d.ID)
	if got.LockedBy != "" {
		t.Errorf("expected lock cleared, got %q", got.LockedBy)
	}
}

func TestUpdateIf(t *testing.T) {
	s := openTest(t)

	d := newDownload("t1")
	if err := s.Create(d, 0); err != nil {
		t.Fatal(err)
	}

	ok, err := s.UpdateIf(d.ID, []string{StatusWaiting}, map[string]interface{}{"priority": 5})
	if err != nil || !ok {
		t.Fatalf("expected update, got ok=%v err=%v", ok, err)
	}

	ok, err = s.UpdateIf(d.ID, []string{StatusCompleted}, map[string]interface{}{"priority": 9})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("expected state mismatch to report false")
	}

	got, _ := s.Get(d.ID)
	if got.Priority != 5 {
		t.Errorf("expected priority 5, got %d", got.Priority)
	}
}

func TestFindActiveByTrack(t *testing.T) {
	s := openTest(t)

	d := newDownload("t1")
	if err := s.Create(d, 0); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindActiveByTrack("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.ID != d.ID {
		t.Fatalf("expected active row, got %+v", got)
	}

	if _, err := s.UpdateIf(d.ID, []string{StatusWaiting}, map[string]interface{}{"status": StatusCompleted}); err != nil {
		t.Fatal(err)
	}
	got, err = s.FindActiveByTrack("t1")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Errorf("completed row should not block re-enqueue, got %+v", got)
	}
}

func TestReorder(t *testing.T) {
	s := openTest(t)

	var all []*Download
	for i := 0; i < 4; i++ {
		d := newDownload(fmt.Sprintf("t%d", i))
		if err := s.Create(d, 0); err != nil {
			t.Fatal(err)
		}
		all = append(all, d)
	}

	// Move the last row to the front.
	if _, err := s.Reorder([]string{all[3].ID}); err != nil {
		t.Fatal(err)
	}

	items, _, err := s.List(ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{all[3].ID, all[0].ID, all[1].ID, all[2].ID}
	for i, id := range want {
		if items[i].ID != id {
			t.Fatalf("position %d: expected %s got %s", i, id, items[i].ID)
		}
	}

	// Reordering into the current order changes nothing.
	n, err := s.Reorder(want)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("no-op reorder touched %d rows", n)
	}
}

func TestListDueRetries(t *testing.T) {
	s := openTest(t)
	now := time.Now().UTC()

	due := newDownload("t-due")
	due.Status = StatusFailed
	due.RetryCount = 1
	due.LastErrorCode = CodeTimeout
	past := now.Add(-time.Minute)
	due.NextRetryAt = &past
	if err := s.Create(due, 0); err != nil {
		t.Fatal(err)
	}

	notYet := newDownload("t-later")
	notYet.Status = StatusFailed
	notYet.LastErrorCode = CodeTimeout
	future := now.Add(time.Hour)
	notYet.NextRetryAt = &future
	if err := s.Create(notYet, 0); err != nil {
		t.Fatal(err)
	}

	exhausted := newDownload("t-spent")
	exhausted.Status = StatusFailed
	exhausted.RetryCount = 3
	exhausted.LastErrorCode = CodeTimeout
	if err := s.Create(exhausted, 0); err != nil {
		t.Fatal(err)
	}

	permanent := newDownload("t-perm")
	permanent.Status = StatusFailed
	permanent.LastErrorCode = CodeInvalidFile
	if err := s.Create(permanent, 0); err != nil {
		t.Fatal(err)
	}

	items, err := s.ListDueRetries(now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != due.ID {
		t.Fatalf("expected only the due retryable row, got %d rows", len(items))
	}
}

func TestListDueScheduled_SkipsPausedSentinel(t *testing.T) {
	s := openTest(t)
	now := time.Now().UTC()

	due := newDownload("t-due")
	due.Status = StatusScheduled
	past := now.Add(-time.Minute)
	due.ScheduledStart = &past
	if err := s.Create(due, 0); err != nil {
		t.Fatal(err)
	}

	paused := newDownload("t-paused")
	paused.Status = StatusScheduled
	sentinel := PausedSentinel
	paused.ScheduledStart = &sentinel
	if err := s.Create(paused, 0); err != nil {
		t.Fatal(err)
	}

	items, err := s.ListDueScheduled(now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != due.ID {
		t.Fatalf("expected only the due row, got %d rows", len(items))
	}
}

func TestPruneTerminal(t *testing.T) {
	s := openTest(t)
	now := time.Now().UTC()
	old := now.Add(-48 * time.Hour)

	done := newDownload("t-done")
	done.Status = StatusCompleted
	done.CompletedAt = &old
	if err := s.Create(done, 0); err != nil {
		t.Fatal(err)
	}

	fresh := newDownload("t-fresh")
	fresh.Status = StatusCompleted
	fresh.CompletedAt = &now
	if err := s.Create(fresh, 0); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneTerminal(now.Add(-24 * time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	if _, err := s.Get(done.ID); err != ErrNotFound {
		t.Errorf("expected old row gone, got %v", err)
	}
	if _, err := s.Get(fresh.ID); err != nil {
		t.Errorf("fresh row should survive: %v", err)
	}
}
