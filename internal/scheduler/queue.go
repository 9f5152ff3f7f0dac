package scheduler

import (
	"container/heap"

	"github.com/cwygoda/fetcher/internal/domain"
)

// jobHeap orders waiting jobs by priority, then admission time, then
// admission sequence for jobs stamped within the same clock tick.
type jobHeap []*domain.Job

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Priority() != b.Priority() {
		return a.Priority() < b.Priority()
	}
	at, bt := a.SubmittedAt(), b.SubmittedAt()
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return a.Sequence() < b.Sequence()
}

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap) Push(x any) {
	*h = append(*h, x.(*domain.Job))
}

func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// waitQueue is the priority-ordered set of admitted jobs not yet dispatched.
// It is not safe for concurrent use; the scheduler guards it.
type waitQueue struct {
	h jobHeap
}

func newWaitQueue(hint int) *waitQueue {
	if hint < 0 {
		hint = 0
	}
	return &waitQueue{h: make(jobHeap, 0, hint)}
}

func (q *waitQueue) Len() int { return q.h.Len() }

func (q *waitQueue) Push(job *domain.Job) { heap.Push(&q.h, job) }

func (q *waitQueue) Pop() *domain.Job {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*domain.Job)
}

// Drain removes and returns every job in dequeue order.
func (q *waitQueue) Drain() []*domain.Job {
	out := make([]*domain.Job, 0, q.h.Len())
	for q.h.Len() > 0 {
		out = append(out, heap.Pop(&q.h).(*domain.Job))
	}
	return out
}
