package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	hits   []time.Time
	window time.Duration
}

// MemoryStore keeps hits in process memory. Limits are per instance.
// Keys whose window has passed are dropped on read or by Sweep.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (m *MemoryStore) Count(_ context.Context, key string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return 0, nil
	}
	n := 0
	for _, t := range e.hits {
		if !t.Before(since) {
			n++
		}
	}
	if n == 0 {
		delete(m.entries, key)
	}
	return n, nil
}

func (m *MemoryStore) Add(_ context.Context, key string, at time.Time, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		e = &memoryEntry{}
		m.entries[key] = e
	}
	e.window = window
	cutoff := at.Add(-window)
	kept := e.hits[:0]
	for _, t := range e.hits {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	e.hits = append(kept, at)
	return nil
}

// Sweep removes keys whose newest hit is older than their window and
// returns how many were removed.
func (m *MemoryStore) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, e := range m.entries {
		if len(e.hits) == 0 || e.hits[len(e.hits)-1].Before(now.Add(-e.window)) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports how many keys are tracked.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

var _ Store = (*MemoryStore)(nil)
