package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jordanlambrecht/timelapser-jobs/internal/notify"
)

// RecoveryResult reports one sweep over one kind's table.
type RecoveryResult struct {
	Kind            Kind
	Found           int64
	Recovered       int64
	FailedToRecover int64
	Duration        time.Duration
	Cutoff          time.Time
	Success         bool
}

// RecoveryEngine resets jobs stuck in PROCESSING past a configured age back
// to PENDING. A job is stuck when its owning worker died mid-flight; the
// row keeps its PROCESSING status forever unless something sweeps it. The
// sweep is generic over job kinds: no kind-specific logic exists here.
//
// Sweep never returns an error and never panics into its caller. It runs
// during process startup before other subsystems are ready, so a storage
// outage degrades to a logged, unsuccessful result that the next scheduled
// sweep retries.
type RecoveryEngine struct {
	repo     Repository
	maxAge   time.Duration
	notifier notify.Notifier
	log      *slog.Logger
}

// NewRecoveryEngine creates an engine that considers PROCESSING rows stuck
// after maxAge without an update.
func NewRecoveryEngine(repo Repository, maxAge time.Duration, notifier notify.Notifier, log *slog.Logger) *RecoveryEngine {
	if notifier == nil {
		notifier = notify.NopNotifier{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &RecoveryEngine{repo: repo, maxAge: maxAge, notifier: notifier, log: log}
}

// Sweep recovers stuck jobs of one kind. When nothing is stuck it returns
// a zero-valued successful result without emitting notifications.
func (e *RecoveryEngine) Sweep(ctx context.Context, kind Kind) (res RecoveryResult) {
	start := time.Now()
	cutoff := start.Add(-e.maxAge)
	res = RecoveryResult{Kind: kind, Cutoff: cutoff}
	log := e.log.With("job_kind", kind)

	defer func() {
		if p := recover(); p != nil {
			log.Error("recovery sweep panicked", "panic", p)
			res = RecoveryResult{Kind: kind, Cutoff: cutoff, Duration: time.Since(start)}
		}
	}()

	found, err := e.repo.CountStuck(ctx, kind, cutoff)
	if err != nil {
		log.Error("recovery sweep failed", "stage", "count", "error", err)
		res.Duration = time.Since(start)
		return res
	}
	if found == 0 {
		res.Success = true
		res.Duration = time.Since(start)
		return res
	}
	res.Found = found

	log.Warn("stuck jobs found", "count", found, "cutoff", cutoff)
	e.notifier.Notify(ctx, notify.Event{
		Type:    notify.EventRecoveryStarted,
		JobKind: kind.String(),
		Count:   int(found),
		At:      time.Now().UTC(),
	})

	// The reset predicate re-checks status and cutoff, so rows a worker
	// finished after the count above are not resurrected. Recovered can
	// therefore come up short of Found; that gap is not an error.
	recovered, err := e.repo.RecoverStuck(ctx, kind, cutoff)
	if err != nil {
		log.Error("recovery sweep failed", "stage", "reset", "error", err)
		res.FailedToRecover = found
		res.Duration = time.Since(start)
		return res
	}
	res.Recovered = recovered
	res.FailedToRecover = found - recovered
	if res.FailedToRecover < 0 {
		res.FailedToRecover = 0
	}
	res.Success = true
	res.Duration = time.Since(start)

	log.Info("recovery sweep completed",
		"found", res.Found, "recovered", res.Recovered,
		"duration", res.Duration)
	e.notifier.Notify(ctx, notify.Event{
		Type:       notify.EventRecoveryCompleted,
		JobKind:    kind.String(),
		Count:      int(recovered),
		DurationMS: res.Duration.Milliseconds(),
		At:         time.Now().UTC(),
	})
	return res
}

// SweepAll sweeps every kind and returns the per-kind results.
func (e *RecoveryEngine) SweepAll(ctx context.Context) []RecoveryResult {
	results := make([]RecoveryResult, 0, len(Kinds()))
	for _, kind := range Kinds() {
		results = append(results, e.Sweep(ctx, kind))
	}
	return results
}

// Run sweeps all kinds on every interval tick until ctx is cancelled.
// Callers run the startup sweep themselves (SweepAll) before starting
// workers; Run only covers the steady state. Failed sweeps are retried on
// the next tick rather than escalated.
func (e *RecoveryEngine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Info("recovery scheduler stopping")
			return
		case <-ticker.C:
			for _, res := range e.SweepAll(ctx) {
				if !res.Success {
					e.log.Warn("recovery sweep unsuccessful, will retry next interval",
						"job_kind", res.Kind)
				}
			}
		}
	}
}

// String renders a result for CLI output.
func (r RecoveryResult) String() string {
	return fmt.Sprintf("%s: found=%d recovered=%d failed=%d duration=%s success=%t",
		r.Kind, r.Found, r.Recovered, r.FailedToRecover, r.Duration.Round(time.Millisecond), r.Success)
}
