// ABOUTME: Integration tests for the job repository: claim ordering, exclusivity,
// ABOUTME: retry ceiling, recovery race safety, cleanup scope. Real Postgres via testcontainers.
package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jordanlambrecht/timelapser-jobs/internal/jobs"
	"github.com/jordanlambrecht/timelapser-jobs/internal/store"
	"github.com/jordanlambrecht/timelapser-jobs/internal/testutil"
)

func mustCreate(t *testing.T, s *store.Store, kind jobs.Kind, subjectID int64, p jobs.Priority) *jobs.Job {
	t.Helper()
	j, err := s.Create(context.Background(), kind, subjectID, p, jobs.TypeSingle)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return j
}

// age rewrites a row's timestamps so tests can simulate the passage of time
// without sleeping.
func age(t *testing.T, s *store.Store, table string, id int64, column string, d time.Duration) {
	t.Helper()
	_, err := s.Pool().Exec(context.Background(),
		"UPDATE "+table+" SET "+column+" = now() - make_interval(secs => $1::float8) WHERE id = $2",
		d.Seconds(), id)
	if err != nil {
		t.Fatalf("age %s.%s: %v", table, column, err)
	}
}

func TestCreateStartsPending(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	j := mustCreate(t, s, jobs.KindOverlay, 7, jobs.PriorityMedium)
	if j.Status != jobs.StatusPending {
		t.Errorf("status = %s, want pending", j.Status)
	}
	if j.RetryCount != 0 {
		t.Errorf("retry_count = %d, want 0", j.RetryCount)
	}
	if j.StartedAt != nil || j.CompletedAt != nil {
		t.Error("fresh job must not carry started_at/completed_at")
	}
}

func TestClaimBatchPriorityThenFIFO(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// Insertion order: LOW, HIGH, MEDIUM. Claim order must be priority
	// first, creation order within a band.
	low := mustCreate(t, s, jobs.KindThumbnail, 1, jobs.PriorityLow)
	high := mustCreate(t, s, jobs.KindThumbnail, 2, jobs.PriorityHigh)
	med := mustCreate(t, s, jobs.KindThumbnail, 3, jobs.PriorityMedium)

	claimed, err := s.ClaimBatch(ctx, jobs.KindThumbnail, 3)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("claimed %d jobs, want 3", len(claimed))
	}
	wantOrder := []int64{high.ID, med.ID, low.ID}
	for i, want := range wantOrder {
		if claimed[i].ID != want {
			t.Errorf("claimed[%d].ID = %d, want %d", i, claimed[i].ID, want)
		}
		if claimed[i].Status != jobs.StatusProcessing {
			t.Errorf("claimed[%d].Status = %s, want processing", i, claimed[i].Status)
		}
		if claimed[i].StartedAt == nil {
			t.Errorf("claimed[%d] missing started_at", i)
		}
	}
}

func TestClaimBatchFIFOWithinBand(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	first := mustCreate(t, s, jobs.KindVideo, 1, jobs.PriorityMedium)
	age(t, s, "video_jobs", first.ID, "created_at", 2*time.Minute)
	mustCreate(t, s, jobs.KindVideo, 2, jobs.PriorityMedium)

	claimed, err := s.ClaimBatch(ctx, jobs.KindVideo, 1)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != first.ID {
		t.Fatalf("claimed %v, want oldest job %d", claimed, first.ID)
	}
}

func TestClaimBatchExclusive(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustCreate(t, s, jobs.KindOverlay, 42, jobs.PriorityHigh)

	// Two concurrent claimers, one pending row: exactly one wins.
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimBatch(ctx, jobs.KindOverlay, 1)
			if err != nil {
				t.Errorf("ClaimBatch: %v", err)
				return
			}
			mu.Lock()
			total += len(claimed)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if total != 1 {
		t.Errorf("concurrent claims returned %d jobs total, want exactly 1", total)
	}
}

func TestClaimIgnoresNonPending(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	j := mustCreate(t, s, jobs.KindOverlay, 1, jobs.PriorityHigh)
	if _, err := s.ClaimBatch(ctx, jobs.KindOverlay, 1); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if ok, _ := s.Complete(ctx, jobs.KindOverlay, j.ID); !ok {
		t.Fatal("Complete returned false")
	}

	claimed, err := s.ClaimBatch(ctx, jobs.KindOverlay, 10)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("claimed %d jobs, want 0 (no pending rows left)", len(claimed))
	}
}

func TestCompleteRequiresProcessing(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	j := mustCreate(t, s, jobs.KindVideo, 1, jobs.PriorityMedium)

	// Still pending: complete must refuse.
	ok, err := s.Complete(ctx, jobs.KindVideo, j.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if ok {
		t.Error("Complete succeeded on a pending job")
	}

	if _, err := s.ClaimBatch(ctx, jobs.KindVideo, 1); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	ok, err = s.Complete(ctx, jobs.KindVideo, j.ID)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !ok {
		t.Error("Complete failed on a processing job")
	}

	got, err := s.Get(ctx, jobs.KindVideo, j.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != jobs.StatusCompleted || got.CompletedAt == nil {
		t.Errorf("job = %+v, want completed with completed_at", got)
	}
}

func TestFailRecordsErrorMessage(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	j := mustCreate(t, s, jobs.KindOverlay, 1, jobs.PriorityMedium)
	if _, err := s.ClaimBatch(ctx, jobs.KindOverlay, 1); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	ok, err := s.Fail(ctx, jobs.KindOverlay, j.ID, "font file missing")
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if !ok {
		t.Fatal("Fail returned false")
	}

	got, _ := s.Get(ctx, jobs.KindOverlay, j.ID)
	if got.Status != jobs.StatusFailed || got.ErrorMessage != "font file missing" {
		t.Errorf("job = %+v, want failed with error message", got)
	}
}

func TestRetryCeilingAndReset(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	const maxRetries = 3

	j := mustCreate(t, s, jobs.KindThumbnail, 1, jobs.PriorityMedium)

	for attempt := 0; attempt < maxRetries; attempt++ {
		if _, err := s.ClaimBatch(ctx, jobs.KindThumbnail, 1); err != nil {
			t.Fatalf("ClaimBatch: %v", err)
		}
		if _, err := s.Fail(ctx, jobs.KindThumbnail, j.ID, "boom"); err != nil {
			t.Fatalf("Fail: %v", err)
		}
		ok, err := s.Retry(ctx, jobs.KindThumbnail, j.ID, maxRetries)
		if err != nil {
			t.Fatalf("Retry: %v", err)
		}
		if !ok {
			t.Fatalf("Retry attempt %d returned false", attempt)
		}
		got, _ := s.Get(ctx, jobs.KindThumbnail, j.ID)
		if got.Status != jobs.StatusPending {
			t.Fatalf("status after retry = %s, want pending", got.Status)
		}
		if got.RetryCount != attempt+1 {
			t.Fatalf("retry_count = %d, want %d", got.RetryCount, attempt+1)
		}
		if got.ErrorMessage != "" || got.StartedAt != nil || got.CompletedAt != nil {
			t.Fatal("retry must clear error_message, started_at, completed_at")
		}
	}

	// retry_count is now at the ceiling: further retries are no-ops.
	if _, err := s.ClaimBatch(ctx, jobs.KindThumbnail, 1); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if _, err := s.Fail(ctx, jobs.KindThumbnail, j.ID, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	ok, err := s.Retry(ctx, jobs.KindThumbnail, j.ID, maxRetries)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if ok {
		t.Error("Retry succeeded past the ceiling")
	}
	got, _ := s.Get(ctx, jobs.KindThumbnail, j.ID)
	if got.Status != jobs.StatusFailed {
		t.Errorf("status = %s, want failed (terminal)", got.Status)
	}
}

func TestFindRetryEligibleRespectsCooldownAndCeiling(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	delays := []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute}

	fresh := mustCreate(t, s, jobs.KindOverlay, 1, jobs.PriorityMedium)
	cooled := mustCreate(t, s, jobs.KindOverlay, 2, jobs.PriorityMedium)
	exhausted := mustCreate(t, s, jobs.KindOverlay, 3, jobs.PriorityMedium)

	if _, err := s.ClaimBatch(ctx, jobs.KindOverlay, 3); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	for _, j := range []*jobs.Job{fresh, cooled, exhausted} {
		if _, err := s.Fail(ctx, jobs.KindOverlay, j.ID, "boom"); err != nil {
			t.Fatalf("Fail: %v", err)
		}
	}

	// cooled failed 10 minutes ago with retry_count 0 (5m cooldown): due.
	age(t, s, "overlay_jobs", cooled.ID, "completed_at", 10*time.Minute)
	// exhausted is past the ceiling no matter how old.
	age(t, s, "overlay_jobs", exhausted.ID, "completed_at", 24*time.Hour)
	if _, err := s.Pool().Exec(ctx,
		"UPDATE overlay_jobs SET retry_count = 3 WHERE id = $1", exhausted.ID); err != nil {
		t.Fatalf("set retry_count: %v", err)
	}

	due, err := s.FindRetryEligible(ctx, jobs.KindOverlay, delays, 3)
	if err != nil {
		t.Fatalf("FindRetryEligible: %v", err)
	}
	if len(due) != 1 || due[0].ID != cooled.ID {
		t.Errorf("due = %v, want only job %d", ids(due), cooled.ID)
	}
}

func TestFindRetryEligibleUsesPerCountDelay(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	delays := []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute}

	j := mustCreate(t, s, jobs.KindVideo, 1, jobs.PriorityMedium)
	if _, err := s.ClaimBatch(ctx, jobs.KindVideo, 1); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if _, err := s.Fail(ctx, jobs.KindVideo, j.ID, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	// retry_count 1 requires the 15m cooldown; 10 minutes is not enough.
	if _, err := s.Pool().Exec(ctx,
		"UPDATE video_jobs SET retry_count = 1 WHERE id = $1", j.ID); err != nil {
		t.Fatalf("set retry_count: %v", err)
	}
	age(t, s, "video_jobs", j.ID, "completed_at", 10*time.Minute)

	due, err := s.FindRetryEligible(ctx, jobs.KindVideo, delays, 3)
	if err != nil {
		t.Fatalf("FindRetryEligible: %v", err)
	}
	if len(due) != 0 {
		t.Errorf("job due after 10m with retry_count=1, want 15m cooldown honored")
	}

	age(t, s, "video_jobs", j.ID, "completed_at", 16*time.Minute)
	due, err = s.FindRetryEligible(ctx, jobs.KindVideo, delays, 3)
	if err != nil {
		t.Fatalf("FindRetryEligible: %v", err)
	}
	if len(due) != 1 {
		t.Errorf("job not due after 16m with retry_count=1")
	}
}

func TestRecoverStuck(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	cutoff := time.Now().Add(-30 * time.Minute)

	stuck := mustCreate(t, s, jobs.KindOverlay, 1, jobs.PriorityMedium)
	healthy := mustCreate(t, s, jobs.KindOverlay, 2, jobs.PriorityMedium)
	if _, err := s.ClaimBatch(ctx, jobs.KindOverlay, 2); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	age(t, s, "overlay_jobs", stuck.ID, "updated_at", time.Hour)

	n, err := s.CountStuck(ctx, jobs.KindOverlay, cutoff)
	if err != nil {
		t.Fatalf("CountStuck: %v", err)
	}
	if n != 1 {
		t.Fatalf("CountStuck = %d, want 1", n)
	}

	recovered, err := s.RecoverStuck(ctx, jobs.KindOverlay, cutoff)
	if err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("RecoverStuck = %d, want 1", recovered)
	}

	got, _ := s.Get(ctx, jobs.KindOverlay, stuck.ID)
	if got.Status != jobs.StatusPending {
		t.Errorf("stuck job status = %s, want pending", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Error("recovered job must carry a diagnostic error_message")
	}
	if got.StartedAt != nil {
		t.Error("recovered job must clear started_at")
	}

	fresh, _ := s.Get(ctx, jobs.KindOverlay, healthy.ID)
	if fresh.Status != jobs.StatusProcessing {
		t.Errorf("healthy in-flight job status = %s, want processing untouched", fresh.Status)
	}
}

func TestRecoverStuckLeavesCompletedAlone(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()
	cutoff := time.Now().Add(-30 * time.Minute)

	j := mustCreate(t, s, jobs.KindVideo, 1, jobs.PriorityMedium)
	if _, err := s.ClaimBatch(ctx, jobs.KindVideo, 1); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	age(t, s, "video_jobs", j.ID, "updated_at", time.Hour)

	// The worker finishes between the find and the update steps of a sweep.
	// The conditional reset must not resurrect the row.
	if n, _ := s.CountStuck(ctx, jobs.KindVideo, cutoff); n != 1 {
		t.Fatalf("CountStuck = %d, want 1", n)
	}
	if ok, _ := s.Complete(ctx, jobs.KindVideo, j.ID); !ok {
		t.Fatal("Complete returned false")
	}

	recovered, err := s.RecoverStuck(ctx, jobs.KindVideo, cutoff)
	if err != nil {
		t.Fatalf("RecoverStuck: %v", err)
	}
	if recovered != 0 {
		t.Errorf("RecoverStuck = %d, want 0 (row completed mid-sweep)", recovered)
	}
	got, _ := s.Get(ctx, jobs.KindVideo, j.ID)
	if got.Status != jobs.StatusCompleted {
		t.Errorf("status = %s, want completed preserved", got.Status)
	}
}

func TestCleanupTerminalScope(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	pending := mustCreate(t, s, jobs.KindThumbnail, 1, jobs.PriorityMedium)
	processing := mustCreate(t, s, jobs.KindThumbnail, 2, jobs.PriorityMedium)
	done := mustCreate(t, s, jobs.KindThumbnail, 3, jobs.PriorityMedium)

	// Claim only the rows that should move on; the first stays pending.
	age(t, s, "thumbnail_jobs", pending.ID, "created_at", 72*time.Hour)
	if _, err := s.Pool().Exec(ctx,
		"UPDATE thumbnail_jobs SET status = 'processing', started_at = now(), updated_at = now() WHERE id = $1",
		processing.ID); err != nil {
		t.Fatalf("force processing: %v", err)
	}
	if _, err := s.Pool().Exec(ctx,
		"UPDATE thumbnail_jobs SET status = 'completed', started_at = now(), completed_at = now(), updated_at = now() WHERE id = $1",
		done.ID); err != nil {
		t.Fatalf("force completed: %v", err)
	}
	age(t, s, "thumbnail_jobs", processing.ID, "updated_at", 72*time.Hour)
	age(t, s, "thumbnail_jobs", done.ID, "completed_at", 72*time.Hour)

	n, err := s.CleanupTerminal(ctx, jobs.KindThumbnail, 24*time.Hour)
	if err != nil {
		t.Fatalf("CleanupTerminal: %v", err)
	}
	if n != 1 {
		t.Errorf("CleanupTerminal = %d, want 1 (only the old completed row)", n)
	}
	for _, id := range []int64{pending.ID, processing.ID} {
		got, err := s.Get(ctx, jobs.KindThumbnail, id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if got == nil {
			t.Errorf("non-terminal job %d was deleted", id)
		}
	}
}

func TestCancelPendingForSubject(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	a := mustCreate(t, s, jobs.KindOverlay, 42, jobs.PriorityMedium)
	b := mustCreate(t, s, jobs.KindOverlay, 42, jobs.PriorityLow)
	other := mustCreate(t, s, jobs.KindOverlay, 99, jobs.PriorityMedium)
	inflight := mustCreate(t, s, jobs.KindOverlay, 42, jobs.PriorityHigh)
	if _, err := s.ClaimBatch(ctx, jobs.KindOverlay, 1); err != nil { // claims the HIGH job
		t.Fatalf("ClaimBatch: %v", err)
	}

	n, err := s.CancelPendingForSubject(ctx, jobs.KindOverlay, 42)
	if err != nil {
		t.Fatalf("CancelPendingForSubject: %v", err)
	}
	if n != 2 {
		t.Errorf("cancelled %d, want 2", n)
	}
	for _, id := range []int64{a.ID, b.ID} {
		got, _ := s.Get(ctx, jobs.KindOverlay, id)
		if got.Status != jobs.StatusCancelled || got.CompletedAt == nil {
			t.Errorf("job %d = %+v, want cancelled with completed_at", id, got)
		}
	}
	if got, _ := s.Get(ctx, jobs.KindOverlay, other.ID); got.Status != jobs.StatusPending {
		t.Errorf("other subject's job status = %s, want pending", got.Status)
	}
	if got, _ := s.Get(ctx, jobs.KindOverlay, inflight.ID); got.Status != jobs.StatusProcessing {
		t.Errorf("in-flight job status = %s, want processing (cooperative cancellation only)", got.Status)
	}
}

func TestStatsCountsAndLatency(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustCreate(t, s, jobs.KindVideo, 1, jobs.PriorityMedium)
	done := mustCreate(t, s, jobs.KindVideo, 2, jobs.PriorityHigh)
	if _, err := s.ClaimBatch(ctx, jobs.KindVideo, 1); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if ok, _ := s.Complete(ctx, jobs.KindVideo, done.ID); !ok {
		t.Fatal("Complete returned false")
	}
	// Stretch the completed job's latency to a known value.
	age(t, s, "video_jobs", done.ID, "started_at", 90*time.Second)

	st, err := s.Stats(ctx, jobs.KindVideo, 24*time.Hour)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Pending != 1 || st.Completed != 1 {
		t.Errorf("stats = %+v, want pending=1 completed=1", st)
	}
	if st.AvgProcessingSeconds < 80 {
		t.Errorf("avg latency = %.1fs, want roughly 90s", st.AvgProcessingSeconds)
	}
}

func TestKindsAreIsolated(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustCreate(t, s, jobs.KindOverlay, 1, jobs.PriorityHigh)
	claimed, err := s.ClaimBatch(ctx, jobs.KindVideo, 10)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(claimed) != 0 {
		t.Errorf("video claim returned %d overlay jobs", len(claimed))
	}
}

func ids(js []jobs.Job) []int64 {
	out := make([]int64, len(js))
	for i, j := range js {
		out[i] = j.ID
	}
	return out
}
