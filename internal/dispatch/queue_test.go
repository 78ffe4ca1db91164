package dispatch

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/murphys7017/music-server/internal/domain"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()
	q := New()
	for _, id := range []string{"itm_a", "itm_b", "itm_c"} {
		q.Push(domain.WorkItem{ID: id, WorkType: "noop"})
	}
	if got := q.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}
	ctx := context.Background()
	for _, want := range []string{"itm_a", "itm_b", "itm_c"} {
		item, ok := q.Pop(ctx)
		if !ok {
			t.Fatal("Pop returned no item")
		}
		if item.ID != want {
			t.Fatalf("popped %s, want %s", item.ID, want)
		}
	}
	if !q.IsEmpty() {
		t.Fatal("queue not empty after draining")
	}
}

func TestQueuePushDefaults(t *testing.T) {
	t.Parallel()
	q := New()
	stored := q.Push(domain.WorkItem{WorkType: "library.scan"})
	if !strings.HasPrefix(stored.ID, "itm_") {
		t.Fatalf("ID = %q, want itm_ prefix", stored.ID)
	}
	if stored.Status != domain.StatusPending {
		t.Fatalf("Status = %q, want %q", stored.Status, domain.StatusPending)
	}
	if stored.CreatedAt.IsZero() {
		t.Fatal("CreatedAt not set")
	}
}

func TestQueuePopTimesOut(t *testing.T) {
	t.Parallel()
	q := New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, ok := q.Pop(ctx)
	if ok {
		t.Fatal("Pop returned an item from an empty queue")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("Pop returned after %v, want at least the deadline", elapsed)
	}
}

func TestQueuePopWakesOnPush(t *testing.T) {
	t.Parallel()
	q := New()
	go func() {
		time.Sleep(20 * time.Millisecond)
		q.Push(domain.WorkItem{ID: "itm_late", WorkType: "noop"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	item, ok := q.Pop(ctx)
	if !ok {
		t.Fatal("Pop timed out waiting for push")
	}
	if item.ID != "itm_late" {
		t.Fatalf("popped %s, want itm_late", item.ID)
	}
}

func TestQueuePopCancelled(t *testing.T) {
	t.Parallel()
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan bool, 1)
	go func() {
		_, ok := q.Pop(ctx)
		done <- ok
	}()
	cancel()
	select {
	case ok := <-done:
		if ok {
			t.Fatal("Pop returned an item after cancel")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not return after cancel")
	}
}

func TestQueueInFlightAccounting(t *testing.T) {
	t.Parallel()
	q := New()
	q.Push(domain.WorkItem{WorkType: "noop"})
	q.Push(domain.WorkItem{WorkType: "noop"})

	ctx := context.Background()
	q.Pop(ctx)
	q.Pop(ctx)
	if got := q.InFlight(); got != 2 {
		t.Fatalf("InFlight = %d, want 2", got)
	}
	q.Ack()
	if got := q.InFlight(); got != 1 {
		t.Fatalf("InFlight = %d, want 1", got)
	}
	q.Ack()
	q.Ack() // extra acks must not go negative
	if got := q.InFlight(); got != 0 {
		t.Fatalf("InFlight = %d, want 0", got)
	}
}

func TestQueueConcurrentProducersConsumers(t *testing.T) {
	t.Parallel()
	const producers, perProducer = 4, 50
	q := New()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(domain.WorkItem{WorkType: "noop"})
			}
		}()
	}

	seen := make(map[string]bool)
	var mu sync.Mutex
	var cg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for c := 0; c < 3; c++ {
		cg.Add(1)
		go func() {
			defer cg.Done()
			for {
				item, ok := q.Pop(ctx)
				if !ok {
					return
				}
				mu.Lock()
				if seen[item.ID] {
					mu.Unlock()
					t.Errorf("item %s delivered twice", item.ID)
					return
				}
				seen[item.ID] = true
				delivered := len(seen)
				mu.Unlock()
				q.Ack()
				if delivered == producers*perProducer {
					cancel()
					return
				}
			}
		}()
	}

	wg.Wait()
	cg.Wait()
	if len(seen) != producers*perProducer {
		t.Fatalf("delivered %d items, want %d", len(seen), producers*perProducer)
	}
}
