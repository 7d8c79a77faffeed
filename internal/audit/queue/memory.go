package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// delayedHeap orders retrying jobs by NextRunAt.
type delayedHeap []*Job

func (h delayedHeap) Len() int           { return len(h) }
func (h delayedHeap) Less(i, j int) bool { return h[i].NextRunAt.Before(h[j].NextRunAt) }
func (h delayedHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)        { *h = append(*h, x.(*Job)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// MemoryQueue is an in-process Queue. Jobs do not survive a restart, so it is
// meant for single-replica deployments without Redis and for tests.
type MemoryQueue struct {
	mu        sync.Mutex
	waiting   []*Job
	delayed   delayedHeap
	active    map[string]*Job
	completed int64
	failed    int64
	closed    bool
	signal    chan struct{}
	done      chan struct{}
	now       func() time.Time
}

// NewMemoryQueue returns an empty in-process queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		active: make(map[string]*Job),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

func (q *MemoryQueue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, job *Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.waiting = append(q.waiting, job)
	q.mu.Unlock()
	q.notify()
	return nil
}

// promote moves due delayed jobs to the waiting list and returns the time of
// the next pending one. Callers hold q.mu.
func (q *MemoryQueue) promote(now time.Time) time.Time {
	for q.delayed.Len() > 0 {
		next := q.delayed[0]
		if next.NextRunAt.After(now) {
			return next.NextRunAt
		}
		heap.Pop(&q.delayed)
		q.waiting = append(q.waiting, next)
	}
	return time.Time{}
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		nextDue := q.promote(q.now())
		if len(q.waiting) > 0 {
			job := q.waiting[0]
			q.waiting[0] = nil
			q.waiting = q.waiting[1:]
			q.active[job.ID] = job
			more := len(q.waiting) > 0
			q.mu.Unlock()
			if more {
				q.notify()
			}
			return job, nil
		}
		q.mu.Unlock()

		var (
			wake  <-chan time.Time
			timer *time.Timer
		)
		if !nextDue.IsZero() {
			timer = time.NewTimer(time.Until(nextDue))
			wake = timer.C
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.done:
		case <-q.signal:
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (q *MemoryQueue) Complete(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, job.ID)
	q.completed++
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, job *Job) error {
	q.mu.Lock()
	delete(q.active, job.ID)
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	heap.Push(&q.delayed, job)
	q.mu.Unlock()
	q.notify()
	return nil
}

func (q *MemoryQueue) Fail(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, job.ID)
	q.failed++
	return nil
}

func (q *MemoryQueue) Counts(context.Context) (Counts, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Counts{
		Waiting:   int64(len(q.waiting)),
		Active:    int64(len(q.active)),
		Completed: q.completed,
		Failed:    q.failed,
		Delayed:   int64(q.delayed.Len()),
	}, nil
}

func (q *MemoryQueue) Empty(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.waiting = nil
	q.delayed = nil
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}
