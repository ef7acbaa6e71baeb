package ttl

import (
	"context"
	"sync"
)

// MemoryClock is the single-process fallback used when no Redis instance
// is configured — e.g. local development or any deployment without Redis.
// TTL state does not survive a restart.
type MemoryClock struct {
	mu       sync.Mutex
	deadline map[string]int64
}

// NewMemoryClock constructs an empty in-memory clock.
func NewMemoryClock() *MemoryClock {
	return &MemoryClock{deadline: map[string]int64{}}
}

func (c *MemoryClock) Touch(_ context.Context, key string, deadlineUnix int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline[key] = deadlineUnix
	return nil
}

func (c *MemoryClock) ExpiresAt(_ context.Context, key string) (int64, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.deadline[key]
	return d, ok, nil
}

func (c *MemoryClock) Expired(_ context.Context, now int64) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for k, d := range c.deadline {
		if d <= now {
			out = append(out, k)
		}
	}
	return out, nil
}

func (c *MemoryClock) Drop(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.deadline, key)
	return nil
}
