package provider

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// memoryCache is a process-local cache backend. Entries expire lazily on
// access; there is no background sweeper because the actor goroutine is the
// only caller.
type memoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	clock   clockwork.Clock
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func newMemoryCache(clock clockwork.Clock) *memoryCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &memoryCache{entries: make(map[string]memoryEntry), clock: clock}
}

func (m *memoryCache) live(e memoryEntry) bool {
	return e.expiresAt.IsZero() || m.clock.Now().Before(e.expiresAt)
}

func (m *memoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !m.live(e) {
		delete(m.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *memoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	e := memoryEntry{value: stored}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	}
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *memoryCache) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return false, nil
	}
	delete(m.entries, key)
	return m.live(e), nil
}

func (m *memoryCache) Increment(_ context.Context, key string, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var current int64
	if e, ok := m.entries[key]; ok && m.live(e) {
		current, _ = strconv.ParseInt(string(e.value), 10, 64)
	}
	current += amount
	m.entries[key] = memoryEntry{value: []byte(strconv.FormatInt(current, 10))}
	return current, nil
}
