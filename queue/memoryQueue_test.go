package queue

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testQueueConfig() Config {
	return Config{
		Name:        "deliveries",
		Attempts:    3,
		Backoff:     10 * time.Millisecond,
		DeadSetSize: 2,
	}
}

func Test_MemoryQueue_EnqueueDequeue(t *testing.T) {
	q := NewMemoryQueue(testQueueConfig())
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "test-job", map[string]string{"key": "value"}))

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "test-job", job.Name)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, 3, job.MaxAttempts)
	assert.JSONEq(t, `{"key":"value"}`, string(job.Payload))
}

func Test_MemoryQueue_DequeueHonorsContext(t *testing.T) {
	q := NewMemoryQueue(testQueueConfig())
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func Test_MemoryQueue_RetryReschedulesWithBackoff(t *testing.T) {
	q := NewMemoryQueue(testQueueConfig())
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "test-job", nil))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, job, errors.New("transient")))

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	retried, err := q.Dequeue(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, retried.ID)
	assert.Equal(t, 1, retried.Attempts)
	assert.Empty(t, q.DeadJobs())
}

func Test_MemoryQueue_ExhaustedJobGoesDead(t *testing.T) {
	q := NewMemoryQueue(testQueueConfig())
	defer q.Close()
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "test-job", nil))
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)

	cause := errors.New("permanent")
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	for job.Attempts < job.MaxAttempts-1 {
		require.NoError(t, q.Retry(ctx, job, cause))
		job, err = q.Dequeue(waitCtx)
		require.NoError(t, err)
	}

	// the final failure moves the job to the dead set instead of rescheduling
	require.NoError(t, q.Retry(ctx, job, cause))
	assert.Equal(t, 0, q.Len())

	dead := q.DeadJobs()
	require.Len(t, dead, 1)
	assert.Equal(t, job.ID, dead[0].ID)
	assert.Equal(t, job.MaxAttempts, dead[0].Attempts)
}

func Test_MemoryQueue_DeadSetBounded(t *testing.T) {
	config := testQueueConfig()
	config.Attempts = 1
	q := NewMemoryQueue(config)
	defer q.Close()
	ctx := context.Background()

	var last *Job
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, "test-job", i))
		job, err := q.Dequeue(ctx)
		require.NoError(t, err)
		require.NoError(t, q.Retry(ctx, job, errors.New("nope")))
		last = job
	}

	dead := q.DeadJobs()
	require.Len(t, dead, int(config.DeadSetSize))
	assert.Equal(t, last.ID, dead[0].ID, "newest dead job first")
}

func Test_MemoryQueue_Close(t *testing.T) {
	q := NewMemoryQueue(testQueueConfig())
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	err := q.Enqueue(context.Background(), "test-job", nil)
	assert.ErrorIs(t, err, ErrQueueClosed)

	_, err = q.Dequeue(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func Test_BackoffDelay_Doubles(t *testing.T) {
	base := 5 * time.Second
	assert.Equal(t, 5*time.Second, backoffDelay(base, 1))
	assert.Equal(t, 10*time.Second, backoffDelay(base, 2))
	assert.Equal(t, 20*time.Second, backoffDelay(base, 3))
	assert.Equal(t, 40*time.Second, backoffDelay(base, 4))
}
