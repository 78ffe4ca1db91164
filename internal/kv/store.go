// Package kv is a small in-memory key/value store with optional
// per-key TTLs. Components use it to share transient state, nothing in
// it survives a restart.
package kv

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type entry struct {
	value     any
	expiresAt time.Time // zero means no expiry
}

// Store holds keyed values. Expired entries are evicted lazily on Get
// and in bulk by Sweep; Keys and Len never report them either way.
type Store struct {
	log zerolog.Logger

	mu      sync.Mutex
	entries map[string]entry
}

func NewStore(log zerolog.Logger) *Store {
	return &Store{
		log:     log.With().Str("component", "kv").Logger(),
		entries: make(map[string]entry),
	}
}

// Set stores value under key. A positive ttl bounds its lifetime;
// zero or negative keeps it until deleted.
func (s *Store) Set(key string, value any, ttl time.Duration) {
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
}

// SetNX stores value under key only when no live value is there, and
// reports whether it did. Callers use it as a cheap mutual-exclusion
// handoff between workers.
func (s *Store) SetNX(key string, value any, ttl time.Duration) bool {
	now := time.Now()
	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.entries[key]; ok && !cur.expired(now) {
		return false
	}
	s.entries[key] = e
	return true
}

// Get returns the live value for key. An expired entry is removed on
// the spot and reported as absent.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(time.Now()) {
		delete(s.entries, key)
		return nil, false
	}
	return e.value, true
}

// Delete removes key and reports whether it was present and live.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return false
	}
	delete(s.entries, key)
	return !e.expired(time.Now())
}

// Keys lists all live keys in no particular order.
func (s *Store) Keys() []string {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k, e := range s.entries {
		if !e.expired(now) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len counts live entries.
func (s *Store) Len() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Clear drops everything and returns how many entries were removed.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[string]entry)
	return n
}

// Sweep removes every expired entry and returns the count.
func (s *Store) Sweep() int {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}

// Run sweeps on a fixed cadence until ctx is done. Lazy eviction keeps
// reads correct without it; the sweep only caps memory held by keys
// nobody asks for again.
func (s *Store) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	s.log.Debug().Dur("every", every).Msg("sweep loop started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.log.Debug().Int("expired", n).Msg("swept expired entries")
			}
		}
	}
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}
