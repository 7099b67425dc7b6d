package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/jordanlambrecht/timelapser-jobs/internal/jobs"
)

// recoveredMessage is written into error_message when a stuck-job sweep
// resets a row, so operators can tell a recovered row from a fresh one.
const recoveredMessage = "recovered from stuck processing"

// jobColumns is the shared column list; every kind's table has this exact
// shape. Keep in sync with scanJob.
const jobColumns = "id, subject_id, priority, status, job_type, retry_count, error_message, created_at, updated_at, started_at, completed_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*jobs.Job, error) {
	var (
		j      jobs.Job
		errMsg *string
	)
	err := row.Scan(
		&j.ID, &j.SubjectID, &j.Priority, &j.Status, &j.Type,
		&j.RetryCount, &errMsg, &j.CreatedAt, &j.UpdatedAt,
		&j.StartedAt, &j.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	return &j, nil
}

// Create inserts a PENDING job row and returns it.
func (s *Store) Create(ctx context.Context, kind jobs.Kind, subjectID int64, priority jobs.Priority, jobType jobs.Type) (*jobs.Job, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+table+` (subject_id, priority, status, job_type)
		 VALUES ($1, $2, $3, $4)
		 RETURNING `+jobColumns,
		subjectID, priority, jobs.StatusPending, jobType,
	)
	j, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("create %s job: %w", kind, err)
	}
	return j, nil
}

// Get returns a single job row, or (nil, nil) when it does not exist.
func (s *Store) Get(ctx context.Context, kind jobs.Kind, id int64) (*jobs.Job, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM `+table+` WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s job %d: %w", kind, id, err)
	}
	return j, nil
}

// ClaimBatch atomically claims up to limit PENDING rows, highest priority
// first and FIFO within a priority band, and moves them to PROCESSING.
// FOR UPDATE SKIP LOCKED inside a single statement guarantees two
// concurrent claimers never receive the same row; no application-level
// locking exists anywhere else.
func (s *Store) ClaimBatch(ctx context.Context, kind jobs.Kind, limit int) ([]jobs.Job, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`UPDATE `+table+` j
		 SET status = $1, started_at = now(), updated_at = now()
		 FROM (
		     SELECT id FROM `+table+`
		     WHERE status = $2
		     ORDER BY priority ASC, created_at ASC
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 ) c
		 WHERE j.id = c.id
		 RETURNING `+prefixColumns("j"),
		jobs.StatusProcessing, jobs.StatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim %s batch: %w", kind, err)
	}
	defer rows.Close()

	claimed, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim %s batch: %w", kind, err)
	}
	// UPDATE ... RETURNING does not guarantee row order; restore the claim
	// order so callers can rely on it.
	sortJobs(claimed)
	return claimed, nil
}

// Complete moves a PROCESSING row to COMPLETED. Returns false when the row
// was not in PROCESSING.
func (s *Store) Complete(ctx context.Context, kind jobs.Kind, id int64) (bool, error) {
	return s.finish(ctx, kind, id, jobs.StatusCompleted, nil)
}

// Fail moves a PROCESSING row to FAILED and records errMsg.
func (s *Store) Fail(ctx context.Context, kind jobs.Kind, id int64, errMsg string) (bool, error) {
	return s.finish(ctx, kind, id, jobs.StatusFailed, &errMsg)
}

func (s *Store) finish(ctx context.Context, kind jobs.Kind, id int64, to jobs.Status, errMsg *string) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+`
		 SET status = $1, error_message = $2, completed_at = now(), updated_at = now()
		 WHERE id = $3 AND status = $4`,
		to, errMsg, id, jobs.StatusProcessing,
	)
	if err != nil {
		return false, fmt.Errorf("%s %s job %d: %w", to, kind, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Retry re-queues a FAILED row as PENDING, incrementing retry_count and
// clearing error_message, started_at, and completed_at. The retry ceiling
// is enforced in the predicate so a concurrent retry never pushes
// retry_count past maxRetries.
func (s *Store) Retry(ctx context.Context, kind jobs.Kind, id int64, maxRetries int) (bool, error) {
	table, err := tableFor(kind)
	if err != nil {
		return false, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+`
		 SET status = $1, retry_count = retry_count + 1,
		     error_message = NULL, started_at = NULL, completed_at = NULL,
		     updated_at = now()
		 WHERE id = $2 AND status = $3 AND retry_count < $4`,
		jobs.StatusPending, id, jobs.StatusFailed, maxRetries,
	)
	if err != nil {
		return false, fmt.Errorf("retry %s job %d: %w", kind, id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// FindRetryEligible returns FAILED rows whose per-retry-count cooldown has
// elapsed since completed_at, ordered by priority then completed_at. Rows
// at or past maxRetries are excluded.
func (s *Store) FindRetryEligible(ctx context.Context, kind jobs.Kind, delays []time.Duration, maxRetries int) ([]jobs.Job, error) {
	table, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	q := psql.Select(jobColumns).
		From(table).
		Where(sq.Eq{"status": jobs.StatusFailed}).
		Where(sq.Lt{"retry_count": maxRetries}).
		Where(cooldownElapsed(delays)).
		OrderBy("priority ASC", "completed_at ASC")

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build retry-eligible query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("find retry-eligible %s jobs: %w", kind, err)
	}
	defer rows.Close()
	eligible, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("find retry-eligible %s jobs: %w", kind, err)
	}
	return eligible, nil
}

// cooldownElapsed builds the predicate
//
//	completed_at <= now() - make_interval(secs => CASE retry_count ... END)
//
// where the CASE maps retry_count to its cooldown and counts beyond the
// table fall back to the last entry. The WHEN indexes are loop counters,
// not external input.
func cooldownElapsed(delays []time.Duration) sq.Sqlizer {
	if len(delays) == 0 {
		return sq.Expr("completed_at <= now()")
	}
	var b strings.Builder
	args := make([]any, 0, len(delays)+1)
	b.WriteString("CASE retry_count ")
	for i, d := range delays {
		fmt.Fprintf(&b, "WHEN %d THEN ?::float8 ", i)
		args = append(args, d.Seconds())
	}
	b.WriteString("ELSE ?::float8 END")
	args = append(args, delays[len(delays)-1].Seconds())
	return sq.Expr("completed_at <= now() - make_interval(secs => "+b.String()+")", args...)
}

// CleanupTerminal deletes terminal rows whose completed_at is older than
// olderThan. The status predicate keeps PENDING and PROCESSING rows out of
// reach regardless of age; queued work is never silently discarded.
func (s *Store) CleanupTerminal(ctx context.Context, kind jobs.Kind, olderThan time.Duration) (int64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	q := psql.Delete(table).
		Where(sq.Eq{"status": []jobs.Status{jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled}}).
		Where(sq.Expr("completed_at < now() - make_interval(secs => ?::float8)", olderThan.Seconds()))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build cleanup query: %w", err)
	}
	tag, err := s.pool.Exec(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("cleanup %s jobs: %w", kind, err)
	}
	return tag.RowsAffected(), nil
}

// CancelPendingForSubject bulk-cancels PENDING rows for a subject. Used
// when the subject entity (e.g. the captured image) is deleted upstream.
// PROCESSING rows are left alone; an in-flight job finishes or is swept.
func (s *Store) CancelPendingForSubject(ctx context.Context, kind jobs.Kind, subjectID int64) (int64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+`
		 SET status = $1, completed_at = now(), updated_at = now()
		 WHERE subject_id = $2 AND status = $3`,
		jobs.StatusCancelled, subjectID, jobs.StatusPending,
	)
	if err != nil {
		return 0, fmt.Errorf("cancel pending %s jobs for subject %d: %w", kind, subjectID, err)
	}
	return tag.RowsAffected(), nil
}

// CountStuck counts PROCESSING rows whose updated_at is older than cutoff.
func (s *Store) CountStuck(ctx context.Context, kind jobs.Kind, cutoff time.Time) (int64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	var n int64
	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+table+` WHERE status = $1 AND updated_at < $2`,
		jobs.StatusProcessing, cutoff,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stuck %s jobs: %w", kind, err)
	}
	return n, nil
}

// RecoverStuck resets stuck PROCESSING rows back to PENDING. The predicate
// re-checks both status and cutoff inside the UPDATE, so a row a worker
// completed between a CountStuck and this call stays completed.
func (s *Store) RecoverStuck(ctx context.Context, kind jobs.Kind, cutoff time.Time) (int64, error) {
	table, err := tableFor(kind)
	if err != nil {
		return 0, err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+table+`
		 SET status = $1, error_message = $2, started_at = NULL, updated_at = now()
		 WHERE status = $3 AND updated_at < $4`,
		jobs.StatusPending, recoveredMessage, jobs.StatusProcessing, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("recover stuck %s jobs: %w", kind, err)
	}
	return tag.RowsAffected(), nil
}

// Stats returns row counts by status and the average processing latency of
// completed jobs, both over the trailing window.
func (s *Store) Stats(ctx context.Context, kind jobs.Kind, window time.Duration) (jobs.Stats, error) {
	table, err := tableFor(kind)
	if err != nil {
		return jobs.Stats{}, err
	}
	st := jobs.Stats{Kind: kind, Window: window}

	countQ := psql.Select("status", "count(*)").
		From(table).
		Where(sq.Expr("created_at >= now() - make_interval(secs => ?::float8)", window.Seconds())).
		GroupBy("status")
	sqlStr, args, err := countQ.ToSql()
	if err != nil {
		return jobs.Stats{}, fmt.Errorf("build stats query: %w", err)
	}
	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return jobs.Stats{}, fmt.Errorf("%s job stats: %w", kind, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			status jobs.Status
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return jobs.Stats{}, fmt.Errorf("%s job stats: %w", kind, err)
		}
		switch status {
		case jobs.StatusPending:
			st.Pending = n
		case jobs.StatusProcessing:
			st.Processing = n
		case jobs.StatusCompleted:
			st.Completed = n
		case jobs.StatusFailed:
			st.Failed = n
		case jobs.StatusCancelled:
			st.Cancelled = n
		}
	}
	if err := rows.Err(); err != nil {
		return jobs.Stats{}, fmt.Errorf("%s job stats: %w", kind, err)
	}

	latencyQ := psql.Select("coalesce(avg(extract(epoch FROM completed_at - started_at)), 0)").
		From(table).
		Where(sq.Eq{"status": jobs.StatusCompleted}).
		Where(sq.Expr("completed_at >= now() - make_interval(secs => ?::float8)", window.Seconds())).
		Where(sq.NotEq{"started_at": nil})
	sqlStr, args, err = latencyQ.ToSql()
	if err != nil {
		return jobs.Stats{}, fmt.Errorf("build latency query: %w", err)
	}
	if err := s.pool.QueryRow(ctx, sqlStr, args...).Scan(&st.AvgProcessingSeconds); err != nil {
		return jobs.Stats{}, fmt.Errorf("%s job latency: %w", kind, err)
	}
	return st, nil
}

func collectJobs(rows pgx.Rows) ([]jobs.Job, error) {
	var out []jobs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, rows.Err()
}

// sortJobs orders by priority then created_at then id, matching the claim
// ordering guarantee.
func sortJobs(js []jobs.Job) {
	sort.Slice(js, func(i, k int) bool {
		a, b := js[i], js[k]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

// prefixColumns qualifies jobColumns with a table alias for use in
// UPDATE ... RETURNING.
func prefixColumns(alias string) string {
	cols := strings.Split(jobColumns, ", ")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}
