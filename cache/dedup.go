// Package cache provides the debounce/dedup window detectors use to drop
// repeated notifications for the same logical change, backed either by an
// in-process map (default, single-instance) or Redis (shared across
// replicas of the same detector).
package cache

import (
	"context"
	"sync"
	"time"
)

// Dedup reports whether key was seen within the last window, and resets the
// window on every call that returns false (i.e. every accepted/processed
// event), matching the "reset on processed event, not on every arriving
// event" rule.
type Dedup interface {
	// Seen returns true if key was marked within window and is still within
	// it; otherwise it marks key as seen now and returns false.
	Seen(ctx context.Context, key string, window time.Duration) (bool, error)
}

// MemoryDedup is the default single-process implementation.
type MemoryDedup struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func NewMemoryDedup() *MemoryDedup {
	return &MemoryDedup{seen: make(map[string]time.Time)}
}

func (m *MemoryDedup) Seen(_ context.Context, key string, window time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	last, ok := m.seen[key]
	if ok && now.Sub(last) < window {
		return true, nil
	}
	m.seen[key] = now
	return false, nil
}

// Forget drops key's window immediately. Only the tests call it.
func (m *MemoryDedup) Forget(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, key)
}
