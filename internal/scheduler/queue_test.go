package scheduler

import (
	"testing"
	"time"

	"github.com/cwygoda/fetcher/internal/domain"
)

func TestWaitQueue_Order(t *testing.T) {
	base := time.Now()
	mk := func(url string, p domain.Priority, at time.Duration, seq uint64) *domain.Job {
		job, _ := domain.NewJob(url, domain.WithPriority(p))
		job.MarkSubmitted(base.Add(at), seq)
		return job
	}

	q := newWaitQueue(4)
	q.Push(mk("https://example.com/low", domain.PriorityLow, 0, 1))
	q.Push(mk("https://example.com/late", domain.PriorityNormal, 2*time.Millisecond, 2))
	q.Push(mk("https://example.com/tie2", domain.PriorityNormal, time.Millisecond, 4))
	q.Push(mk("https://example.com/tie1", domain.PriorityNormal, time.Millisecond, 3))
	q.Push(mk("https://example.com/high", domain.PriorityHigh, 3*time.Millisecond, 5))

	want := []string{
		"https://example.com/high",
		"https://example.com/tie1",
		"https://example.com/tie2",
		"https://example.com/late",
		"https://example.com/low",
	}

	got := q.Drain()
	if len(got) != len(want) {
		t.Fatalf("Drain() len = %d, want %d", len(got), len(want))
	}
	for i, job := range got {
		if job.URL() != want[i] {
			t.Errorf("position %d = %s, want %s", i, job.URL(), want[i])
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() after Drain = %d, want 0", q.Len())
	}
	if q.Pop() != nil {
		t.Error("Pop() on empty queue should return nil")
	}
}
