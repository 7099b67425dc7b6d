// Package notify carries job lifecycle events to downstream consumers
// (real-time UI updates, dashboards). Delivery is fire-and-forget: a
// Notifier must never block its caller and never propagates failure, since
// queue and recovery correctness cannot depend on the event bus.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// EventType names a lifecycle notification.
type EventType string

const (
	EventRecoveryStarted   EventType = "recovery-started"
	EventRecoveryCompleted EventType = "recovery-completed"
	EventJobStarted        EventType = "job-started"
	EventJobCompleted      EventType = "job-completed"
	EventJobFailed         EventType = "job-failed"

	// Aggregated variants emitted by Aggregator when several same-type
	// job events land inside one window.
	EventJobsBatchCompleted EventType = "jobs-batch-completed"
	EventJobsBatchFailed    EventType = "jobs-batch-failed"
)

// Event is one lifecycle notification. Count and JobIDs are populated for
// batch and recovery events; DurationMS for recovery events.
type Event struct {
	Type       EventType `json:"type"`
	JobKind    string    `json:"job_kind"`
	Count      int       `json:"count,omitempty"`
	JobIDs     []int64   `json:"job_ids,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Notifier delivers events best-effort. Implementations must be safe for
// concurrent use and must return promptly regardless of transport health.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// LogNotifier writes events to structured logs. It is the fallback
// transport when no event bus is configured, and is handy in tests.
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a LogNotifier. A nil logger uses slog.Default.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Notify(ctx context.Context, ev Event) {
	attrs := []any{"type", ev.Type, "job_kind", ev.JobKind}
	if ev.Count > 0 {
		attrs = append(attrs, "count", ev.Count)
	}
	if len(ev.JobIDs) > 0 {
		attrs = append(attrs, "job_ids", ev.JobIDs)
	}
	if ev.DurationMS > 0 {
		attrs = append(attrs, "duration_ms", ev.DurationMS)
	}
	if ev.Error != "" {
		attrs = append(attrs, "error", ev.Error)
	}
	n.log.InfoContext(ctx, "job event", attrs...)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Event) {}
