package notify

import (
	"context"
	"sync"
	"time"
)

// Aggregator wraps a Notifier and coalesces bursts of per-job events.
// job-completed and job-failed events are buffered per (type, kind); when
// the window elapses, a buffer holding one event forwards it unchanged and
// a buffer holding several emits the jobs-batch-* variant with the merged
// ids. All other event types pass through immediately; recovery events are
// rare and time-sensitive.
type Aggregator struct {
	next   Notifier
	window time.Duration

	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	closed  bool

	closeOnce sync.Once
	stop      chan struct{}
	done      chan struct{}
}

type bucketKey struct {
	typ  EventType
	kind string
}

type bucket struct {
	since  time.Time // arrival of the first event, drives window expiry
	first  Event     // kept intact so a lone event is forwarded unchanged
	events int
	jobIDs []int64
}

// NewAggregator wraps next with a coalescing window. A window of zero or
// less disables buffering entirely; every event passes straight through.
func NewAggregator(next Notifier, window time.Duration) *Aggregator {
	a := &Aggregator{
		next:    next,
		window:  window,
		buckets: make(map[bucketKey]*bucket),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if window > 0 {
		go a.run()
	} else {
		close(a.done)
	}
	return a
}

func (a *Aggregator) Notify(ctx context.Context, ev Event) {
	if a.window <= 0 || (ev.Type != EventJobCompleted && ev.Type != EventJobFailed) {
		a.next.Notify(ctx, ev)
		return
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.next.Notify(ctx, ev)
		return
	}
	key := bucketKey{typ: ev.Type, kind: ev.JobKind}
	b, ok := a.buckets[key]
	if !ok {
		b = &bucket{since: time.Now(), first: ev}
		a.buckets[key] = b
	}
	b.events++
	b.jobIDs = append(b.jobIDs, ev.JobIDs...)
	a.mu.Unlock()
}

// Close flushes all buffered events and stops the flush goroutine.
func (a *Aggregator) Close() {
	a.closeOnce.Do(func() {
		close(a.stop)
		<-a.done
		a.mu.Lock()
		a.closed = true
		a.mu.Unlock()
		a.flush(time.Time{})
	})
}

func (a *Aggregator) run() {
	defer close(a.done)
	ticker := time.NewTicker(a.window / 2)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case now := <-ticker.C:
			a.flush(now.Add(-a.window))
		}
	}
}

// flush emits every bucket whose first event is older than deadline. A zero
// deadline flushes everything.
func (a *Aggregator) flush(deadline time.Time) {
	a.mu.Lock()
	var due []struct {
		key bucketKey
		b   *bucket
	}
	for key, b := range a.buckets {
		if deadline.IsZero() || b.since.Before(deadline) {
			due = append(due, struct {
				key bucketKey
				b   *bucket
			}{key, b})
			delete(a.buckets, key)
		}
	}
	a.mu.Unlock()

	ctx := context.Background()
	for _, d := range due {
		if d.b.events == 1 {
			// Nothing coalesced; the original event passes through with its
			// error text and timestamp intact.
			a.next.Notify(ctx, d.b.first)
			continue
		}
		ev := Event{
			Type:    d.key.typ,
			JobKind: d.key.kind,
			JobIDs:  d.b.jobIDs,
			Count:   len(d.b.jobIDs),
			At:      time.Now().UTC(),
		}
		switch d.key.typ {
		case EventJobCompleted:
			ev.Type = EventJobsBatchCompleted
		case EventJobFailed:
			ev.Type = EventJobsBatchFailed
		}
		a.next.Notify(ctx, ev)
	}
}
