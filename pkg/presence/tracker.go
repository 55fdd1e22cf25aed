// Package presence turns per-connection lifecycle calls into per-user
// online/offline transitions.
package presence

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"

	"github.com/mahaj/mingle-realtime/pkg/metrics"
	"github.com/mahaj/mingle-realtime/pkg/model"
)

const shardCount = 64

// Notifier receives presence transitions. It is called while the user's
// shard lock is held, so it must not block and must not call back into the
// Tracker.
type Notifier func(ctx context.Context, ev model.PresenceChanged)

// Tracker serializes connection add/remove per user and emits exactly one
// event per 0 -> 1 and 1 -> 0 edge of the user's connection count.
type Tracker struct {
	counter Counter
	notify  Notifier
	logger  *slog.Logger
	metrics *metrics.Metrics
	shards  [shardCount]sync.Mutex
}

func NewTracker(counter Counter, notify Notifier, logger *slog.Logger, m *metrics.Metrics) *Tracker {
	return &Tracker{counter: counter, notify: notify, logger: logger, metrics: m}
}

func (t *Tracker) lock(userID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return &t.shards[h.Sum32()%shardCount]
}

// ConnectionAdded records a new live connection for userID and reports
// whether it brought the user online.
func (t *Tracker) ConnectionAdded(ctx context.Context, userID string) (bool, error) {
	mu := t.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	n, err := t.counter.Incr(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("connection added: %w", err)
	}
	if n != 1 {
		return false, nil
	}
	t.emit(ctx, userID, true)
	return true, nil
}

// ConnectionRemoved records a closed connection and reports whether it took
// the user offline. Removing a connection the counter does not know about is
// a no-op.
func (t *Tracker) ConnectionRemoved(ctx context.Context, userID string) (bool, error) {
	mu := t.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	remaining, ok, err := t.counter.Decr(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("connection removed: %w", err)
	}
	if !ok {
		t.logger.Warn("presence decrement without tracked connection", "user_id", userID)
		return false, nil
	}
	if remaining != 0 {
		return false, nil
	}
	t.emit(ctx, userID, false)
	return true, nil
}

func (t *Tracker) Online(ctx context.Context, userID string) (bool, error) {
	n, err := t.counter.Count(ctx, userID)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (t *Tracker) emit(ctx context.Context, userID string, online bool) {
	state := "offline"
	if online {
		state = "online"
		t.metrics.OnlineUsers.Inc()
	} else {
		t.metrics.OnlineUsers.Dec()
	}
	t.metrics.PresenceTransitions.WithLabelValues(state).Inc()
	t.logger.Info("presence changed", "user_id", userID, "state", state)

	if t.notify != nil {
		t.notify(ctx, model.PresenceChanged{UserID: userID, Online: online})
	}
}
