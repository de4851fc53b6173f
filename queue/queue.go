// Package queue provides the durable delivery job queue and its worker.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

var (
	// ErrQueueClosed is returned when trying to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// Job is one queued unit of work. Completed jobs are discarded; jobs that
// exhaust their attempts move to a bounded dead set for inspection.
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

//go:generate mockgen -destination=mocks/mock_queue.go -package=mocks github.com/gatehouse-io/gatehouse/queue Queue

// Queue is an at-least-once job queue. Enqueue is the producer surface; the
// remaining methods are consumed by the worker.
type Queue interface {
	// Enqueue appends a job carrying the JSON-encoded payload.
	Enqueue(ctx context.Context, name string, payload interface{}) error

	// Dequeue blocks until a job is ready or ctx is done. A dequeued job
	// stays tracked as in flight until Ack or Retry settles it.
	Dequeue(ctx context.Context) (*Job, error)

	// Ack settles a successfully processed job.
	Ack(ctx context.Context, job *Job) error

	// Retry reschedules a failed job with exponential backoff, or moves it
	// to the dead set once its attempts are exhausted. Either way the job
	// is no longer in flight.
	Retry(ctx context.Context, job *Job, cause error) error

	Close() error
}

// Config is the queue's retry policy and broker location.
type Config struct {
	RedisAddress string        `split_words:"true" default:"localhost:6379"`
	Name         string        `default:"deliveries"`
	Attempts     int           `default:"5"`
	Backoff      time.Duration `default:"5s"`
	DeadSetSize  int64         `split_words:"true" default:"10"`
}

func configProvider() (Config, error) {
	var config Config
	if err := envconfig.Process("queue", &config); err != nil {
		return Config{}, err
	}
	return config, nil
}

func newJob(name string, payload interface{}, maxAttempts int) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "queue: marshaling payload")
	}
	return &Job{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     body,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

// backoffDelay doubles the base delay per prior attempt.
func backoffDelay(base time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
	}
	return delay
}
