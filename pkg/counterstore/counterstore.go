// Package counterstore holds per-key request accounting: fixed-window
// counters with lazy expiry and a bounded per-key history of recent samples.
// Both the rate limiter and the anomaly detectors read from it, so the store
// is sharded by key hash to keep unrelated addresses off the same lock.
package counterstore

import (
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// DefaultShards is the shard count used when Config.Shards is zero.
const DefaultShards = 64

// DefaultMaxHistory bounds the per-key sample history.
const DefaultMaxHistory = 500

// Sample is one recorded request for a key, the raw material for anomaly
// detection and adaptive limit learning.
type Sample struct {
	Timestamp  time.Time
	Method     string
	Path       string
	StatusCode int
	UserAgent  string
}

// Counter is the state of one fixed window for one key.
type Counter struct {
	Count       int64
	WindowStart time.Time
}

// Config configures a Store.
type Config struct {
	Shards     int
	MaxHistory int
}

// Store is the sharded counter and history store. Safe for concurrent use.
type Store struct {
	shards     []*shard
	maxHistory int
}

type shard struct {
	mu       sync.Mutex
	counters map[string]*Counter
	history  map[string][]Sample
}

// New creates a Store. Zero-valued config fields take defaults.
func New(cfg Config) *Store {
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}
	s := &Store{
		shards:     make([]*shard, cfg.Shards),
		maxHistory: cfg.MaxHistory,
	}
	for i := range s.shards {
		s.shards[i] = &shard{
			counters: make(map[string]*Counter),
			history:  make(map[string][]Sample),
		}
	}
	return s
}

func (s *Store) shardFor(key string) *shard {
	h := murmur3.Sum32([]byte(key))
	return s.shards[h%uint32(len(s.shards))]
}

// Hit increments the counter for (key, window) and returns the state after
// the increment. Expiry is lazy: the first hit after the window elapses
// resets the count to exactly 1 and moves the window start to now.
func (s *Store) Hit(key string, window time.Duration, now time.Time) Counter {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[key]
	if !ok || now.Sub(c.WindowStart) >= window {
		c = &Counter{Count: 1, WindowStart: now}
		sh.counters[key] = c
		return *c
	}
	c.Count++
	return *c
}

// Peek returns the counter state without incrementing. An elapsed window
// reads as zero.
func (s *Store) Peek(key string, window time.Duration, now time.Time) Counter {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	c, ok := sh.counters[key]
	if !ok || now.Sub(c.WindowStart) >= window {
		return Counter{WindowStart: now}
	}
	return *c
}

// Record appends a sample to the key's history, dropping the oldest entries
// once the bound is reached.
func (s *Store) Record(key string, sample Sample) {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	h := append(sh.history[key], sample)
	if len(h) > s.maxHistory {
		h = h[len(h)-s.maxHistory:]
	}
	sh.history[key] = h
}

// Recent returns the key's samples at or after since, oldest first. The
// returned slice is a copy.
func (s *Store) Recent(key string, since time.Time) []Sample {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	h := sh.history[key]
	// History is appended in arrival order; find the first retained index.
	i := 0
	for i < len(h) && h[i].Timestamp.Before(since) {
		i++
	}
	if i == len(h) {
		return nil
	}
	out := make([]Sample, len(h)-i)
	copy(out, h[i:])
	return out
}

// Timestamps returns up to max of the key's most recent sample timestamps,
// oldest first. Used by adaptive limit learning.
func (s *Store) Timestamps(key string, max int) []time.Time {
	sh := s.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	h := sh.history[key]
	if len(h) > max {
		h = h[len(h)-max:]
	}
	out := make([]time.Time, len(h))
	for i := range h {
		out[i] = h[i].Timestamp
	}
	return out
}

// Sweep drops counters whose window start is older than maxAge and trims
// history older than maxAge. Returns the number of entries removed. Intended
// to run hourly; correctness does not depend on it.
func (s *Store) Sweep(now time.Time, maxAge time.Duration) int {
	cutoff := now.Add(-maxAge)
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, c := range sh.counters {
			if c.WindowStart.Before(cutoff) {
				delete(sh.counters, key)
				removed++
			}
		}
		for key, h := range sh.history {
			i := 0
			for i < len(h) && h[i].Timestamp.Before(cutoff) {
				i++
			}
			switch {
			case i == len(h):
				delete(sh.history, key)
				removed++
			case i > 0:
				sh.history[key] = append([]Sample(nil), h[i:]...)
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// Keys returns the number of live counter keys, for metrics.
func (s *Store) Keys() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		n += len(sh.counters)
		sh.mu.Unlock()
	}
	return n
}
