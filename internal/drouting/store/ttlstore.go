// Package store provides a generic in-process cache with per-entry expiry.
package store

import (
	"sync"
	"sync/atomic"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e *entry[V]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// Stats reports cache counters.
type Stats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Evicted uint64 `json:"evicted"`
}

// TTLStore is a map whose entries expire. Expired entries are invisible to
// readers and removed by a background sweep. When MaxEntries is reached, Set
// sweeps and, if still full, drops the entry closest to expiry.
type TTLStore[K comparable, V any] struct {
	mu         sync.RWMutex
	items      map[K]*entry[V]
	ttl        time.Duration
	maxEntries int

	hits, misses, evicted atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	now      func() time.Time
}

// NewTTLStore creates a store whose entries live for ttl. A background sweep
// runs every sweepInterval; zero disables it. maxEntries <= 0 means unbounded.
func NewTTLStore[K comparable, V any](ttl, sweepInterval time.Duration, maxEntries int) *TTLStore[K, V] {
	s := &TTLStore[K, V]{
		items:      make(map[K]*entry[V]),
		ttl:        ttl,
		maxEntries: maxEntries,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
	if sweepInterval > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

// Get returns the value for key if present and not expired.
func (s *TTLStore[K, V]) Get(key K) (V, bool) {
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()

	if !ok || e.expired(s.now()) {
		s.misses.Add(1)
		var zero V
		return zero, false
	}
	s.hits.Add(1)
	return e.value, true
}

// Set stores value under key with the store's TTL.
func (s *TTLStore[K, V]) Set(key K, value V) {
	s.SetTTL(key, value, s.ttl)
}

// SetTTL stores value under key with an explicit TTL.
func (s *TTLStore[K, V]) SetTTL(key K, value V, ttl time.Duration) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[key]; !exists && s.maxEntries > 0 && len(s.items) >= s.maxEntries {
		s.sweepLocked(now)
		if len(s.items) >= s.maxEntries {
			s.evictOldestLocked()
		}
	}
	s.items[key] = &entry[V]{value: value, expiresAt: now.Add(ttl)}
}

// Delete removes key. Returns false if it was not present.
func (s *TTLStore[K, V]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.items[key]; !exists {
		return false
	}
	delete(s.items, key)
	return true
}

// Len returns the number of live entries.
func (s *TTLStore[K, V]) Len() int {
	now := s.now()
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.items {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Purge removes every entry.
func (s *TTLStore[K, V]) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[K]*entry[V])
}

// Stats returns the cache counters.
func (s *TTLStore[K, V]) Stats() Stats {
	return Stats{
		Entries: s.Len(),
		Hits:    s.hits.Load(),
		Misses:  s.misses.Load(),
		Evicted: s.evicted.Load(),
	}
}

// Close stops the background sweep.
func (s *TTLStore[K, V]) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *TTLStore[K, V]) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := s.now()
			s.mu.Lock()
			s.sweepLocked(now)
			s.mu.Unlock()
		case <-s.stopCh:
			return
		}
	}
}

func (s *TTLStore[K, V]) sweepLocked(now time.Time) {
	for k, e := range s.items {
		if e.expired(now) {
			delete(s.items, k)
			s.evicted.Add(1)
		}
	}
}

func (s *TTLStore[K, V]) evictOldestLocked() {
	var (
		oldest K
		at     time.Time
		found  bool
	)
	for k, e := range s.items {
		if !found || e.expiresAt.Before(at) {
			oldest, at, found = k, e.expiresAt, true
		}
	}
	if found {
		delete(s.items, oldest)
		s.evicted.Add(1)
	}
}
