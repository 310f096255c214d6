package cache

import (
	"context"
	"sync"
)

// RotationCounter hands out a monotonically increasing sequence per key. The
// returned value is the one before the increment, so a fresh key starts at 0.
type RotationCounter interface {
	Next(ctx context.Context, key string) (uint64, error)
	Close()
}

// LocalCounter keeps the sequences in process memory.
type LocalCounter struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func NewLocalCounter() *LocalCounter {
	return &LocalCounter{counters: make(map[string]uint64)}
}

func (c *LocalCounter) Next(_ context.Context, key string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.counters[key]
	c.counters[key] = v + 1
	return v, nil
}

func (c *LocalCounter) Close() {}
