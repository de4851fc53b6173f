package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue used by unit tests and single-node
// deployments without Redis. Backoff scheduling uses timers instead of a
// sorted set; the dead set is a bounded slice.
type MemoryQueue struct {
	config Config

	jobs chan *Job

	mu     sync.Mutex
	closed bool
	timers []*time.Timer
	dead   []*Job
}

func NewMemoryQueue(config Config) *MemoryQueue {
	return &MemoryQueue{
		config: config,
		jobs:   make(chan *Job, 256),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, name string, payload interface{}) error {
	job, err := newJob(name, payload, q.config.Attempts)
	if err != nil {
		return err
	}
	return q.push(job)
}

func (q *MemoryQueue) push(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueClosed
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Job, error) {
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

// Ack is a no-op: the in-memory queue keeps no in-flight state that could
// survive a process crash.
func (q *MemoryQueue) Ack(ctx context.Context, job *Job) error {
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, job *Job, cause error) error {
	job.Attempts++

	if job.Attempts >= job.MaxAttempts {
		q.mu.Lock()
		defer q.mu.Unlock()
		q.dead = append([]*Job{job}, q.dead...)
		if size := int(q.config.DeadSetSize); size > 0 && len(q.dead) > size {
			q.dead = q.dead[:size]
		}
		return nil
	}

	delay := backoffDelay(q.config.Backoff, job.Attempts)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.timers = append(q.timers, time.AfterFunc(delay, func() {
		_ = q.push(job)
	}))
	return nil
}

// DeadJobs returns the retained jobs that exhausted their retries, newest
// first.
func (q *MemoryQueue) DeadJobs() []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.dead))
	copy(out, q.dead)
	return out
}

// Len returns the number of ready jobs.
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for _, timer := range q.timers {
		timer.Stop()
	}
	close(q.jobs)
	return nil
}
