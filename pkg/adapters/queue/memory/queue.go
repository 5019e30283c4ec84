package memory

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/taskherd/taskherd/pkg/domain"
)

const pollWindow = time.Second

// TaskQueue implements ports.TaskQueue in process memory on a binary
// heap. Ordering matches the Redis queue: ascending score, then enqueue
// time, then insertion order.
type TaskQueue struct {
	mu     sync.Mutex
	heap   itemHeap
	seq    int64
	signal chan struct{}
}

// NewTaskQueue creates an empty in-memory task queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		signal: make(chan struct{}, 1),
	}
}

// Push enqueues the item and wakes a blocked Pop.
func (q *TaskQueue) Push(ctx context.Context, item domain.QueueItem) error {
	q.mu.Lock()
	q.seq++
	heap.Push(&q.heap, &queuedItem{item: item, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Pop blocks up to the poll window for the lowest-scored item.
func (q *TaskQueue) Pop(ctx context.Context) (domain.QueueItem, bool, error) {
	deadline := time.NewTimer(pollWindow)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.heap.Len() > 0 {
			qi := heap.Pop(&q.heap).(*queuedItem)
			q.mu.Unlock()
			return qi.item, true, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-deadline.C:
			return domain.QueueItem{}, false, nil
		case <-ctx.Done():
			return domain.QueueItem{}, false, nil
		}
	}
}

// Remove drops a queued task, if present.
func (q *TaskQueue) Remove(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, qi := range q.heap {
		if qi.item.TaskID == taskID {
			heap.Remove(&q.heap, qi.index)
			return nil
		}
	}
	return nil
}

// Len reports the number of queued items.
func (q *TaskQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.heap.Len()), nil
}

// Clear empties the queue.
func (q *TaskQueue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = nil
	return nil
}

type queuedItem struct {
	item  domain.QueueItem
	seq   int64
	index int
}

type itemHeap []*queuedItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.item.Score() != b.item.Score() {
		return a.item.Score() < b.item.Score()
	}
	if !a.item.EnqueuedAt.Equal(b.item.EnqueuedAt) {
		return a.item.EnqueuedAt.Before(b.item.EnqueuedAt)
	}
	return a.seq < b.seq
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x any) {
	qi := x.(*queuedItem)
	qi.index = len(*h)
	*h = append(*h, qi)
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	qi := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return qi
}
