// Package jobs implements the background job engine for camera
// post-processing: priority-ordered queues for overlay, thumbnail, and
// video jobs, retry-with-backoff, stuck-job recovery, and per-kind worker
// loops. Persistence goes through the Repository interface; the actual
// rendering work is a caller-supplied Handler.
package jobs

import (
	"context"
	"fmt"
	"time"
)

// Kind identifies one of the three job queues. Each kind maps to its own
// table with an identical column contract.
type Kind string

const (
	KindOverlay   Kind = "overlay"
	KindThumbnail Kind = "thumbnail"
	KindVideo     Kind = "video"
)

// Kinds lists every job kind, in the order workers are started.
func Kinds() []Kind {
	return []Kind{KindOverlay, KindThumbnail, KindVideo}
}

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	switch k {
	case KindOverlay, KindThumbnail, KindVideo:
		return true
	}
	return false
}

func (k Kind) String() string { return string(k) }

// ParseKind converts a string (CLI flag, config) into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown job kind %q", s)
	}
	return k, nil
}

// Priority orders pending jobs within a queue. Stored as a smallint so that
// ORDER BY priority ASC yields high-priority jobs first.
type Priority int16

const (
	PriorityHigh   Priority = 1
	PriorityMedium Priority = 2
	PriorityLow    Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	}
	return fmt.Sprintf("priority(%d)", int16(p))
}

// ParsePriority converts a string (CLI flag) into a Priority.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "high":
		return PriorityHigh, nil
	case "medium":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// Status is the job state machine. Transitions are enforced by conditional
// updates in the repository: only PENDING jobs are claimed, only PROCESSING
// jobs complete or fail, only FAILED jobs retry, only PENDING jobs cancel.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is an end state eligible for cleanup.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Type is a processing-strategy hint carried on the row. Orthogonal to
// Status; the queue engine does not interpret it.
type Type string

const (
	TypeSingle   Type = "single"
	TypeBatch    Type = "batch"
	TypePriority Type = "priority"
)

// Job is one unit of deferred post-processing work tied to a subject entity
// (typically a captured image). The queue engine treats SubjectID as opaque.
type Job struct {
	ID           int64
	SubjectID    int64
	Priority     Priority
	Status       Status
	Type         Type
	RetryCount   int
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Stats summarizes a queue over a rolling window: row counts by status plus
// average processing latency of completed jobs.
type Stats struct {
	Kind                 Kind
	Window               time.Duration
	Pending              int64
	Processing           int64
	Completed            int64
	Failed               int64
	Cancelled            int64
	AvgProcessingSeconds float64
}

// Total returns the number of rows counted in the window.
func (s Stats) Total() int64 {
	return s.Pending + s.Processing + s.Completed + s.Failed + s.Cancelled
}

// Repository is the persistence boundary for job rows. One implementation
// serves all kinds; the kind argument selects the backing table. Claim
// exclusivity is enforced here, at the storage layer; callers must never
// assume single-writer access.
type Repository interface {
	// Create inserts a PENDING row and returns it.
	Create(ctx context.Context, kind Kind, subjectID int64, priority Priority, jobType Type) (*Job, error)

	// Get returns the row by id, or (nil, nil) when it does not exist.
	Get(ctx context.Context, kind Kind, id int64) (*Job, error)

	// ClaimBatch atomically moves up to limit PENDING rows to PROCESSING,
	// ordered by priority then created_at (FIFO within a priority band).
	// Two concurrent callers never receive the same row.
	ClaimBatch(ctx context.Context, kind Kind, limit int) ([]Job, error)

	// Complete moves a PROCESSING row to COMPLETED. Returns false when the
	// row was not PROCESSING (lost race or already handled).
	Complete(ctx context.Context, kind Kind, id int64) (bool, error)

	// Fail moves a PROCESSING row to FAILED with an error message.
	Fail(ctx context.Context, kind Kind, id int64, errMsg string) (bool, error)

	// Retry re-queues a FAILED row as PENDING with retry_count+1, clearing
	// error_message, started_at, and completed_at. Returns false when the
	// row is not FAILED or retry_count has reached maxRetries.
	Retry(ctx context.Context, kind Kind, id int64, maxRetries int) (bool, error)

	// FindRetryEligible returns FAILED rows whose cooldown, indexed by
	// retry_count into delays, has elapsed since completed_at. Rows at or
	// past maxRetries are never returned.
	FindRetryEligible(ctx context.Context, kind Kind, delays []time.Duration, maxRetries int) ([]Job, error)

	// CleanupTerminal deletes COMPLETED/FAILED/CANCELLED rows whose
	// completed_at is older than olderThan. PENDING and PROCESSING rows are
	// never deleted.
	CleanupTerminal(ctx context.Context, kind Kind, olderThan time.Duration) (int64, error)

	// CancelPendingForSubject bulk-cancels PENDING rows for a subject.
	CancelPendingForSubject(ctx context.Context, kind Kind, subjectID int64) (int64, error)

	// CountStuck counts PROCESSING rows not updated since cutoff.
	CountStuck(ctx context.Context, kind Kind, cutoff time.Time) (int64, error)

	// RecoverStuck resets PROCESSING rows not updated since cutoff back to
	// PENDING. The predicate re-checks status and cutoff so rows completed
	// between a CountStuck and this call are left alone.
	RecoverStuck(ctx context.Context, kind Kind, cutoff time.Time) (int64, error)

	// Stats returns counts by status and average processing latency over
	// the trailing window.
	Stats(ctx context.Context, kind Kind, window time.Duration) (Stats, error)
}
