// Package ttlstore provides a generic in-memory, TTL-keyed map with
// background cleanup, factored out of the cache-with-expiry shape used
// throughout the aggregator (peer tokens, reserved queues).
package ttlstore

import (
	"sync"
	"time"
)

// Store is a thread-safe map of key to value, where each entry expires
// after its own TTL. Expired entries are pruned lazily on Get and
// periodically by a background goroutine.
type Store[V any] struct {
	mu      sync.Mutex
	entries map[string]entry[V]
	stopCh  chan struct{}
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// New creates a Store and starts its background cleanup goroutine, which
// wakes every cleanupInterval to purge expired entries.
func New[V any](cleanupInterval time.Duration) *Store[V] {
	s := &Store[V]{
		entries: make(map[string]entry[V]),
		stopCh:  make(chan struct{}),
	}
	go s.cleanup(cleanupInterval)
	return s
}

// Set stores value under key with the given TTL from now.
func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry[V]{value: value, expiresAt: time.Now().Add(ttl)}
}

// Get returns the stored value and true iff key is present and unexpired.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes key unconditionally. Returns true if it was present.
func (s *Store[V]) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok
}

// TTL returns the remaining time-to-live for key, or false if absent/expired.
func (s *Store[V]) TTL(key string) (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return 0, false
	}
	remaining := time.Until(e.expiresAt)
	if remaining <= 0 {
		delete(s.entries, key)
		return 0, false
	}
	return remaining, true
}

// Mutate atomically loads, transforms, and re-stores the value under key,
// preserving its current expiry. fn is not called if the key is absent or
// expired; ok reports whether it ran.
func (s *Store[V]) Mutate(key string, fn func(V) V) (ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, found := s.entries[key]
	if !found || time.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return false
	}
	e.value = fn(e.value)
	s.entries[key] = e
	return true
}

// Len returns the number of entries, including any not yet lazily pruned.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop halts the background cleanup goroutine.
func (s *Store[V]) Stop() {
	close(s.stopCh)
}

func (s *Store[V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for key, e := range s.entries {
				if now.After(e.expiresAt) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}
