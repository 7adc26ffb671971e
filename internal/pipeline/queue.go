package pipeline

import (
	"context"
	"sync"
)

// Queue is the bounded FIFO between the ingest boundary and the worker
// pool. Enqueue fails fast when full so the boundary can surface
// backpressure; Dequeue blocks until a job is available or the queue shuts
// down. Each job is delivered to exactly one worker.
type Queue struct {
	mu     sync.RWMutex
	jobs   chan *Job
	closed bool
}

// NewQueue creates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{jobs: make(chan *Job, capacity)}
}

// Enqueue admits a job or fails immediately with ErrQueueFull. It never
// blocks the producer and never drops an admitted job.
func (q *Queue) Enqueue(job *Job) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks until a job is available, the context is canceled, or the
// queue has been closed and drained.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case job, ok := <-q.jobs:
		if !ok {
			return nil, ErrQueueClosed
		}
		return job, nil
	}
}

// Close stops admission. Jobs already queued remain available to Dequeue
// until drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
}

// Depth returns the number of queued jobs.
func (q *Queue) Depth() int {
	return len(q.jobs)
}

// Capacity returns the configured queue capacity.
func (q *Queue) Capacity() int {
	return cap(q.jobs)
}
