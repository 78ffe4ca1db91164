package kv

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore() *Store {
	return NewStore(zerolog.Nop())
}

func TestStoreSetGet(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	s.Set("greeting", "hello", 0)

	v, ok := s.Get("greeting")
	if !ok {
		t.Fatal("key missing")
	}
	if v.(string) != "hello" {
		t.Fatalf("value = %v, want hello", v)
	}
	if _, ok := s.Get("absent"); ok {
		t.Fatal("absent key reported present")
	}
}

func TestStoreTTLExpiry(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	s.Set("ephemeral", 1, 15*time.Millisecond)
	s.Set("durable", 2, 0)

	if _, ok := s.Get("ephemeral"); !ok {
		t.Fatal("entry expired before its TTL")
	}
	time.Sleep(30 * time.Millisecond)
	if _, ok := s.Get("ephemeral"); ok {
		t.Fatal("entry survived its TTL")
	}
	if _, ok := s.Get("durable"); !ok {
		t.Fatal("entry without TTL expired")
	}
}

func TestStoreSetNX(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	if !s.SetNX("lock", 1, 0) {
		t.Fatal("SetNX on a fresh key failed")
	}
	if s.SetNX("lock", 2, 0) {
		t.Fatal("SetNX overwrote a live key")
	}
	v, _ := s.Get("lock")
	if v.(int) != 1 {
		t.Fatalf("value = %v, want the first write", v)
	}

	s.Set("stale", 1, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if !s.SetNX("stale", 2, 0) {
		t.Fatal("SetNX refused an expired key")
	}
}

func TestStoreDelete(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	s.Set("k", "v", 0)
	if !s.Delete("k") {
		t.Fatal("Delete reported live key as absent")
	}
	if s.Delete("k") {
		t.Fatal("Delete reported removed key as present")
	}
	s.Set("gone", "v", time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	if s.Delete("gone") {
		t.Fatal("Delete reported expired key as live")
	}
}

func TestStoreKeysAndLenSkipExpired(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	s.Set("a", 1, 0)
	s.Set("b", 2, 0)
	s.Set("c", 3, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	keys := s.Keys()
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Fatalf("Keys = %v, want [a b]", keys)
	}
	if got := s.Len(); got != 2 {
		t.Fatalf("Len = %d, want 2", got)
	}
}

func TestStoreSweep(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	s.Set("live", 1, 0)
	s.Set("dead1", 2, time.Millisecond)
	s.Set("dead2", 3, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	if n := s.Sweep(); n != 2 {
		t.Fatalf("Sweep removed %d, want 2", n)
	}
	if n := s.Sweep(); n != 0 {
		t.Fatalf("second Sweep removed %d, want 0", n)
	}
	if _, ok := s.Get("live"); !ok {
		t.Fatal("Sweep removed a live entry")
	}
}

func TestStoreClear(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	s.Set("a", 1, 0)
	s.Set("b", 2, 0)
	if n := s.Clear(); n != 2 {
		t.Fatalf("Clear = %d, want 2", n)
	}
	if got := s.Len(); got != 0 {
		t.Fatalf("Len after Clear = %d, want 0", got)
	}
}

func TestStoreRunSweeps(t *testing.T) {
	t.Parallel()
	s := newTestStore()
	s.Set("dead", 1, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx, 10*time.Millisecond)
	}()

	deadline := time.After(time.Second)
	for {
		s.mu.Lock()
		_, present := s.entries["dead"]
		s.mu.Unlock()
		if !present {
			break
		}
		select {
		case <-deadline:
			t.Fatal("sweep loop never evicted the expired entry")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}
