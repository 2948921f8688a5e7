package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	data      []byte
	expiresAt time.Time
}

// Memory is a process-local TTL cache. It is the default backing when no
// Redis address is configured.
type Memory struct {
	mu    sync.RWMutex
	items map[string]entry
	ttl   time.Duration
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{items: make(map[string]entry), ttl: ttl}
}

func (c *Memory) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.items[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, nil
	}
	return e.data, nil
}

func (c *Memory) Set(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry{data: value, expiresAt: time.Now().Add(c.ttl)}
	return nil
}

func (c *Memory) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
	return nil
}
