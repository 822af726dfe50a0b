package ratelimit

import (
	"sort"
	"sync"
	"time"

	"github.com/cabibbz/koya-caller-sub002/internal/clock"
)

const (
	// DefaultStoreCapacity bounds the number of distinct keys held in
	// memory while operating without the distributed counter.
	DefaultStoreCapacity = 10_000

	cleanupInterval = time.Minute
)

type record struct {
	count   int
	resetAt time.Time
	window  time.Duration
}

// LocalStore is the in-process fixed-window counter used when the
// distributed counter is absent or unreachable. It is owned by a single
// Limiter, never shared across processes, and provides atomic
// increment-per-key under its own mutex.
type LocalStore struct {
	mu          sync.Mutex
	records     map[string]*record
	capacity    int
	clock       clock.Clock
	lastCleanup time.Time
}

// NewLocalStore creates a bounded store. A capacity of zero or less uses
// DefaultStoreCapacity.
func NewLocalStore(capacity int, clk clock.Clock) *LocalStore {
	if capacity <= 0 {
		capacity = DefaultStoreCapacity
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &LocalStore{
		records:  make(map[string]*record),
		capacity: capacity,
		clock:    clk,
	}
}

// Incr counts one request against key in the current window and returns
// the updated count plus the moment the window resets. An expired window
// restarts at count 1.
func (s *LocalStore) Incr(key string, window time.Duration) (count int, resetAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.maybeCleanup(now)

	rec, ok := s.records[key]
	if ok && now.Before(rec.resetAt) {
		rec.count++
		return rec.count, rec.resetAt
	}

	if !ok && len(s.records) >= s.capacity {
		s.evictOldest()
	}

	rec = &record{count: 1, resetAt: now.Add(window), window: window}
	s.records[key] = rec
	return rec.count, rec.resetAt
}

// Len reports the number of tracked keys.
func (s *LocalStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// evictOldest removes the entries with the oldest reset times in bulk,
// freeing roughly 10% headroom so a burst of new identifiers does not
// trigger an eviction per insert. Caller holds the mutex.
func (s *LocalStore) evictOldest() {
	headroom := s.capacity / 10
	if headroom < 1 {
		headroom = 1
	}
	target := len(s.records) - s.capacity + headroom

	type entry struct {
		key     string
		resetAt time.Time
	}
	entries := make([]entry, 0, len(s.records))
	for k, r := range s.records {
		entries = append(entries, entry{k, r.resetAt})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].resetAt.Before(entries[j].resetAt)
	})

	for i := 0; i < target && i < len(entries); i++ {
		delete(s.records, entries[i].key)
	}
}

// maybeCleanup drops records stale by more than one extra window. It runs
// lazily from Incr at most once per cleanupInterval instead of holding a
// dedicated timer goroutine. Caller holds the mutex.
func (s *LocalStore) maybeCleanup(now time.Time) {
	if now.Sub(s.lastCleanup) < cleanupInterval {
		return
	}
	s.lastCleanup = now

	for k, r := range s.records {
		if now.Sub(r.resetAt) >= r.window {
			delete(s.records, k)
		}
	}
}
