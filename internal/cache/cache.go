// Package cache holds short-lived copies of encoded provider results keyed
// by request signature.
package cache

import (
	"context"
	"sync"
	"time"
)

// Cache stores encoded results until their TTL runs out. An entry is never
// returned at or past its expiry.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Entry is one cached value
type Entry struct {
	Key       string
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// sweep expired entries once the map grows past this many keys
const sweepThreshold = 1024

// Memory is an in-process Cache. Its lock guards only the map.
type Memory struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemory creates an empty in-process cache. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{
		entries: make(map[string]Entry),
		now:     now,
	}
}

// Get returns a live entry's value
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.now().Before(e.ExpiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.Value, true, nil
}

// Set stores value for ttl. The latest write wins.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}

	now := m.now()
	stored := append([]byte(nil), value...)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = Entry{Key: key, Value: stored, CreatedAt: now, ExpiresAt: now.Add(ttl)}
	if len(m.entries) > sweepThreshold {
		for k, e := range m.entries {
			if !now.Before(e.ExpiresAt) {
				delete(m.entries, k)
			}
		}
	}
	return nil
}

// Len returns the number of stored entries, live or not yet swept
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
