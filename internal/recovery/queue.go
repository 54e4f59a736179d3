package recovery

import (
	"container/heap"
	"context"
	"sync"
)

// taskHeap orders tasks by descending priority, FIFO within equal priority.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].RequestedAt.Before(h[j].RequestedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// boundedQueue is a capacity-limited priority queue with a blocking pop.
// The tokens channel counts queued items so workers park without spinning.
type boundedQueue struct {
	mu     sync.Mutex
	heap   taskHeap
	max    int
	tokens chan struct{}
}

func newBoundedQueue(max int) *boundedQueue {
	q := &boundedQueue{
		max:    max,
		tokens: make(chan struct{}, max),
	}
	heap.Init(&q.heap)
	return q
}

// push enqueues a task; false means the queue is at capacity.
func (q *boundedQueue) push(t *Task) bool {
	q.mu.Lock()
	if len(q.heap) >= q.max {
		q.mu.Unlock()
		return false
	}
	heap.Push(&q.heap, t)
	q.mu.Unlock()

	q.tokens <- struct{}{}
	return true
}

// pop blocks until a task is available or ctx is done.
func (q *boundedQueue) pop(ctx context.Context) (*Task, bool) {
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-q.tokens:
		}

		q.mu.Lock()
		if len(q.heap) == 0 {
			// Token raced a remove; keep waiting.
			q.mu.Unlock()
			continue
		}
		t := heap.Pop(&q.heap).(*Task)
		q.mu.Unlock()
		return t, true
	}
}

// remove drops a queued task (cancellation path). The stale token is left
// behind; pop tolerates it.
func (q *boundedQueue) remove(t *Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t.index < 0 || t.index >= len(q.heap) || q.heap[t.index] != t {
		return false
	}
	heap.Remove(&q.heap, t.index)
	return true
}

func (q *boundedQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
