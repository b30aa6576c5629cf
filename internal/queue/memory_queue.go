package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"
)

// ErrQueueEmpty names the "no intent currently available" condition. The
// Dequeue methods in this package do not return it: they report an empty
// queue (or one whose every AvailableAt is still in the future) as
// (zero, false, nil).
var ErrQueueEmpty = errors.New("queue: empty")

// MemoryQueue is a process-local, heap-ordered ExecutorQueue: intents
// become dequeueable in AvailableAt order, so a retried intent with a
// backoff delay is skipped until its delay elapses. It satisfies both
// ExecutorQueue and dequeuer. Not durable — a crash between Enqueue and
// worker pickup loses the intent; PersistentQueue exists for that case.
type MemoryQueue struct {
	mu    sync.Mutex
	items intentHeap
}

// NewMemoryQueue returns an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{}
	heap.Init(&q.items)
	return q
}

// Enqueue adds intent to the queue. Never blocks.
func (q *MemoryQueue) Enqueue(_ context.Context, intent EnqueueIntent) error {
	if intent.AvailableAt.IsZero() {
		intent.AvailableAt = time.Now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	heap.Push(&q.items, intent)
	return nil
}

// Dequeue pops the earliest-available intent whose AvailableAt has
// elapsed. Returns (zero, false, nil) if nothing is ready yet.
func (q *MemoryQueue) Dequeue(_ context.Context) (EnqueueIntent, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() == 0 {
		return EnqueueIntent{}, false, nil
	}
	if q.items[0].AvailableAt.After(time.Now().UTC()) {
		return EnqueueIntent{}, false, nil
	}
	item := heap.Pop(&q.items).(EnqueueIntent)
	return item, true, nil
}

// Size returns the number of intents currently queued, ready or not.
func (q *MemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// intentHeap orders by AvailableAt ascending; container/heap.Interface.
type intentHeap []EnqueueIntent

func (h intentHeap) Len() int            { return len(h) }
func (h intentHeap) Less(i, j int) bool  { return h[i].AvailableAt.Before(h[j].AvailableAt) }
func (h intentHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *intentHeap) Push(x interface{}) { *h = append(*h, x.(EnqueueIntent)) }
func (h *intentHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
