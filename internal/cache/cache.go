// Package cache implements the response cache consulted before the
// agent loop runs. It is advisory only — safe to lose at any time, and
// never holds entries representing failures.
package cache

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Cache is the response cache interface. Keys are normalized question
// text; values are final response text.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Put(ctx context.Context, key, value string)

	// Stop releases background resources (sweeper, connections).
	Stop()
}

// Normalize reduces a question to its cache key: lowercased, with
// whitespace runs collapsed to single spaces.
func Normalize(question string) string {
	return strings.Join(strings.Fields(strings.ToLower(question)), " ")
}

// entry is one cached response with its insertion time.
type entry struct {
	value    string
	inserted time.Time
}

// Memory is the in-process TTL cache. Expiry is checked lazily on read
// and a background sweep removes expired entries on a fixed interval;
// no capacity bound is enforced synchronously.
type Memory struct {
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.Mutex
	entries map[string]entry

	done chan struct{}
	wg   sync.WaitGroup
}

// NewMemory creates an in-process cache and starts its sweeper.
func NewMemory(ttl, sweepInterval time.Duration, logger *slog.Logger) *Memory {
	if logger == nil {
		logger = slog.Default()
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	m := &Memory{
		ttl:     ttl,
		logger:  logger,
		entries: make(map[string]entry),
		done:    make(chan struct{}),
	}

	m.wg.Add(1)
	go m.sweep(sweepInterval)

	return m
}

// Get returns the cached value for key, evicting it if expired.
func (m *Memory) Get(_ context.Context, key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	if time.Since(e.inserted) > m.ttl {
		delete(m.entries, key)
		return "", false
	}
	return e.value, true
}

// Put stores value under key with a fresh insertion time.
func (m *Memory) Put(_ context.Context, key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: value, inserted: time.Now()}
}

// Len returns the number of entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Stop halts the sweeper. Safe to call once.
func (m *Memory) Stop() {
	close(m.done)
	m.wg.Wait()
}

// sweep periodically removes expired entries.
func (m *Memory) sweep(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			var removed int
			for k, e := range m.entries {
				if time.Since(e.inserted) > m.ttl {
					delete(m.entries, k)
					removed++
				}
			}
			remaining := len(m.entries)
			m.mu.Unlock()

			if removed > 0 {
				m.logger.Debug("cache sweep",
					"removed", removed,
					"remaining", remaining,
				)
			}
		}
	}
}
