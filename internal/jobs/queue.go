package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jordanlambrecht/timelapser-jobs/internal/notify"
)

// statsWindow is the rolling window Stats reports over.
const statsWindow = 24 * time.Hour

// Queue exposes domain operations for one job kind on top of the
// repository and retry policy. It owns no state beyond its wiring and is
// safe for concurrent use.
type Queue struct {
	repo     Repository
	kind     Kind
	policy   RetryPolicy
	notifier notify.Notifier
	log      *slog.Logger
}

// NewQueue wires a queue for kind. A nil notifier disables notifications;
// a nil logger uses slog.Default.
func NewQueue(repo Repository, kind Kind, policy RetryPolicy, notifier notify.Notifier, log *slog.Logger) *Queue {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		repo:     repo,
		kind:     kind,
		policy:   policy,
		notifier: notifier,
		log:      log.With("job_kind", kind),
	}
}

// Kind returns the job kind this queue serves.
func (q *Queue) Kind() Kind { return q.kind }

// Policy returns the queue's retry policy.
func (q *Queue) Policy() RetryPolicy { return q.policy }

// Enqueue inserts a PENDING job for subjectID at the given priority.
func (q *Queue) Enqueue(ctx context.Context, subjectID int64, priority Priority) (*Job, error) {
	job, err := q.repo.Create(ctx, q.kind, subjectID, priority, TypeSingle)
	if err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	q.log.Debug("job enqueued", "job_id", job.ID, "subject_id", subjectID, "priority", priority.String())
	return job, nil
}

// EnqueuePriority inserts a HIGH priority job, used for captures that must
// jump the queue (e.g. a manual trigger from the UI).
func (q *Queue) EnqueuePriority(ctx context.Context, subjectID int64) (*Job, error) {
	job, err := q.repo.Create(ctx, q.kind, subjectID, PriorityHigh, TypePriority)
	if err != nil {
		return nil, fmt.Errorf("enqueue priority: %w", err)
	}
	q.log.Debug("priority job enqueued", "job_id", job.ID, "subject_id", subjectID)
	return job, nil
}

// ClaimBatch claims up to n pending jobs for processing.
func (q *Queue) ClaimBatch(ctx context.Context, n int) ([]Job, error) {
	claimed, err := q.repo.ClaimBatch(ctx, q.kind, n)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	if len(claimed) > 0 {
		q.notifier.Notify(ctx, notify.Event{
			Type:    notify.EventJobStarted,
			JobKind: q.kind.String(),
			JobIDs:  jobIDs(claimed),
			Count:   len(claimed),
			At:      time.Now().UTC(),
		})
	}
	return claimed, nil
}

func jobIDs(js []Job) []int64 {
	out := make([]int64, len(js))
	for i, j := range js {
		out[i] = j.ID
	}
	return out
}

// MarkCompleted finishes a claimed job. Returns false when the row was no
// longer PROCESSING (lost race, recovery sweep got there first).
func (q *Queue) MarkCompleted(ctx context.Context, id int64) (bool, error) {
	ok, err := q.repo.Complete(ctx, q.kind, id)
	if err != nil {
		return false, fmt.Errorf("mark completed: %w", err)
	}
	if ok {
		q.notifier.Notify(ctx, notify.Event{
			Type:    notify.EventJobCompleted,
			JobKind: q.kind.String(),
			JobIDs:  []int64{id},
			Count:   1,
			At:      time.Now().UTC(),
		})
	}
	return ok, nil
}

// MarkFailed records a processing failure on a claimed job.
func (q *Queue) MarkFailed(ctx context.Context, id int64, errMsg string) (bool, error) {
	ok, err := q.repo.Fail(ctx, q.kind, id, errMsg)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	if ok {
		q.notifier.Notify(ctx, notify.Event{
			Type:    notify.EventJobFailed,
			JobKind: q.kind.String(),
			JobIDs:  []int64{id},
			Count:   1,
			Error:   errMsg,
			At:      time.Now().UTC(),
		})
	}
	return ok, nil
}

// ScheduleRetry re-queues a FAILED job as PENDING. The repository enforces
// the retry ceiling; a job already at MaxRetries stays FAILED and false is
// returned.
func (q *Queue) ScheduleRetry(ctx context.Context, id int64) (bool, error) {
	ok, err := q.repo.Retry(ctx, q.kind, id, q.policy.MaxRetries)
	if err != nil {
		return false, fmt.Errorf("schedule retry: %w", err)
	}
	if ok {
		q.log.Info("job re-queued for retry", "job_id", id)
	}
	return ok, nil
}

// DueForRetry lists FAILED jobs whose cooldown has elapsed and whose retry
// ceiling is not reached.
func (q *Queue) DueForRetry(ctx context.Context) ([]Job, error) {
	due, err := q.repo.FindRetryEligible(ctx, q.kind, q.policy.Delays, q.policy.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("due for retry: %w", err)
	}
	return due, nil
}

// PurgeOld deletes terminal rows older than age and returns the count.
func (q *Queue) PurgeOld(ctx context.Context, age time.Duration) (int64, error) {
	n, err := q.repo.CleanupTerminal(ctx, q.kind, age)
	if err != nil {
		return 0, fmt.Errorf("purge old: %w", err)
	}
	if n > 0 {
		q.log.Info("purged terminal jobs", "count", n, "older_than", age)
	}
	return n, nil
}

// CancelForSubject bulk-cancels this subject's PENDING jobs. In-flight
// jobs are not interrupted; cancellation is cooperative only.
func (q *Queue) CancelForSubject(ctx context.Context, subjectID int64) (int64, error) {
	n, err := q.repo.CancelPendingForSubject(ctx, q.kind, subjectID)
	if err != nil {
		return 0, fmt.Errorf("cancel for subject: %w", err)
	}
	if n > 0 {
		q.log.Info("cancelled pending jobs", "subject_id", subjectID, "count", n)
	}
	return n, nil
}

// Stats reports queue counts and latency over the last 24 hours. A
// repository failure yields zero-valued stats, never an error: statistics
// feed dashboards and must not take anything down with them.
func (q *Queue) Stats(ctx context.Context) Stats {
	st, err := q.repo.Stats(ctx, q.kind, statsWindow)
	if err != nil {
		q.log.Error("queue stats unavailable", "error", err)
		return Stats{Kind: q.kind, Window: statsWindow}
	}
	return st
}
