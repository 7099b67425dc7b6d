package jobs

import "time"

// RetryPolicy maps a job's retry_count to the cooldown that must elapse
// after failure before the job may be re-queued, and caps total attempts.
// The zero value is not useful; use DefaultRetryPolicy or construct with
// explicit delays.
type RetryPolicy struct {
	// Delays is the cooldown table indexed by retry_count. Counts past the
	// end of the table use the last entry.
	Delays []time.Duration

	// MaxRetries is the ceiling on retry_count. A FAILED job whose
	// retry_count has reached it stays FAILED.
	MaxRetries int
}

// DefaultRetryPolicy returns the stock policy: 5m, 15m, 60m cooldowns and
// at most 3 retries.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Delays:     []time.Duration{5 * time.Minute, 15 * time.Minute, 60 * time.Minute},
		MaxRetries: 3,
	}
}

// Cooldown returns the required wait before a job failed retryCount times
// becomes eligible again.
func (p RetryPolicy) Cooldown(retryCount int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(p.Delays) {
		return p.Delays[len(p.Delays)-1]
	}
	return p.Delays[retryCount]
}

// Eligible reports whether a FAILED job may be re-queued at time now:
// retry_count below the ceiling and cooldown elapsed since completed_at.
func (p RetryPolicy) Eligible(job *Job, now time.Time) bool {
	if job == nil || job.Status != StatusFailed {
		return false
	}
	if job.RetryCount >= p.MaxRetries {
		return false
	}
	if job.CompletedAt == nil {
		// Failed rows always carry completed_at; treat a missing one as
		// immediately eligible rather than never eligible.
		return true
	}
	return now.Sub(*job.CompletedAt) >= p.Cooldown(job.RetryCount)
}
