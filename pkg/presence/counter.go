package presence

import (
	"context"
	"sync"
)

// Counter stores live-connection counts per user.
type Counter interface {
	// Incr adds one connection and returns the new count.
	Incr(ctx context.Context, userID string) (int64, error)
	// Decr removes one connection and returns the remaining count. ok is
	// false when the user had no tracked connection; the count never goes
	// below zero.
	Decr(ctx context.Context, userID string) (remaining int64, ok bool, err error)
	Count(ctx context.Context, userID string) (int64, error)
}

// MemoryCounter keeps counts in process. A user with no connections has no entry.
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int64)}
}

func (c *MemoryCounter) Incr(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[userID]++
	return c.counts[userID], nil
}

func (c *MemoryCounter) Decr(_ context.Context, userID string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.counts[userID]
	if !ok {
		return 0, false, nil
	}
	if n <= 1 {
		delete(c.counts, userID)
		return 0, true, nil
	}
	c.counts[userID] = n - 1
	return n - 1, true, nil
}

func (c *MemoryCounter) Count(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[userID], nil
}
