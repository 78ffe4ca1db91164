// Package dispatch provides the in-process hand-off point between the
// scheduler (producer) and the worker pool (consumers).
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/murphys7017/music-server/internal/domain"
)

// Queue is an unbounded FIFO of work items. Push never blocks; Pop
// blocks until an item arrives or the context ends. Each item is
// delivered to exactly one consumer and is gone from the queue the
// moment Pop returns it.
type Queue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []domain.WorkItem
	inFlight int
}

func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends item and returns the stored copy. Missing identity
// fields are filled in here so every queued item is fully formed: a
// fresh "itm_" id, a creation timestamp and pending status.
func (q *Queue) Push(item domain.WorkItem) domain.WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	if item.ID == "" {
		item.ID = "itm_" + uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.Status == "" {
		item.Status = domain.StatusPending
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return item
}

// Pop removes and returns the oldest item. It blocks until an item is
// available or ctx is done; the second return is false only in the
// latter case. Use a context deadline to bound the wait.
func (q *Queue) Pop(ctx context.Context) (domain.WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()
	for len(q.items) == 0 {
		if ctx.Err() != nil {
			return domain.WorkItem{}, false
		}
		q.cond.Wait()
	}
	item := q.items[0]
	q.items[0] = domain.WorkItem{}
	q.items = q.items[1:]
	q.inFlight++
	return item, true
}

// Ack marks one popped item as finished with, successful or not.
// Consumers must call it exactly once per Pop.
func (q *Queue) Ack() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight > 0 {
		q.inFlight--
	}
}

// Len reports how many items are waiting to be popped.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// InFlight reports how many popped items have not been acked yet.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.inFlight
}

func (q *Queue) IsEmpty() bool {
	return q.Len() == 0
}
