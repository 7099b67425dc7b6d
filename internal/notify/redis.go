package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// publishTimeout bounds one PUBLISH round-trip so a dead Redis cannot
	// stall the delivery goroutine indefinitely.
	publishTimeout = 2 * time.Second

	// queueDepth is the pending-event buffer. Events beyond it are dropped
	// (drop-oldest would reorder; drop-newest keeps recovery events that
	// were enqueued first).
	queueDepth = 256
)

// RedisNotifier publishes events as JSON on a Redis pub/sub channel.
// Notify hands the event to a single background goroutine through a bounded
// buffer and returns immediately; when the buffer is full the event is
// dropped and counted, never blocking the caller.
type RedisNotifier struct {
	client  *redis.Client
	channel string
	log     *slog.Logger

	queue     chan Event
	closeOnce sync.Once
	done      chan struct{}

	mu      sync.Mutex
	dropped int64
}

// NewRedisNotifier connects a notifier to redisURL and starts its delivery
// goroutine. channel is the pub/sub channel name.
func NewRedisNotifier(redisURL, channel string, log *slog.Logger) (*RedisNotifier, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	n := &RedisNotifier{
		client:  redis.NewClient(opts),
		channel: channel,
		log:     log,
		queue:   make(chan Event, queueDepth),
		done:    make(chan struct{}),
	}
	go n.run()
	return n, nil
}

// Notify enqueues ev for delivery. Never blocks.
func (n *RedisNotifier) Notify(_ context.Context, ev Event) {
	select {
	case n.queue <- ev:
	default:
		n.mu.Lock()
		n.dropped++
		dropped := n.dropped
		n.mu.Unlock()
		n.log.Warn("event dropped, notify queue full",
			"type", ev.Type, "job_kind", ev.JobKind, "total_dropped", dropped)
	}
}

// Dropped returns how many events were discarded because the buffer was full.
func (n *RedisNotifier) Dropped() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dropped
}

// Close drains queued events, stops the delivery goroutine, and closes the
// Redis client.
func (n *RedisNotifier) Close() error {
	n.closeOnce.Do(func() {
		close(n.queue)
		<-n.done
	})
	return n.client.Close()
}

func (n *RedisNotifier) run() {
	defer close(n.done)
	for ev := range n.queue {
		n.publish(ev)
	}
}

func (n *RedisNotifier) publish(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		n.log.Error("marshal event", "type", ev.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		// Best-effort transport: log and move on. Subscribers that care
		// about completeness should reconcile from queue statistics.
		n.log.Warn("publish event", "type", ev.Type, "channel", n.channel, "error", err)
	}
}
