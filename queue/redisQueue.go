package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const dequeueBlock = time.Second

// RedisQueue is a durable at-least-once queue over Redis. Ready jobs live in
// a list, backoff-scheduled jobs in a sorted set scored by their due time,
// in-flight jobs in a processing list, and dead jobs in a trimmed list.
type RedisQueue struct {
	client *redis.Client
	config Config
	logger *zap.SugaredLogger

	recoverOnce sync.Once
}

func NewRedisQueue(client *redis.Client, config Config, logger *zap.SugaredLogger) *RedisQueue {
	return &RedisQueue{
		client: client,
		config: config,
		logger: logger,
	}
}

// redisClientProvider builds the Redis client shared by the queue and the
// event consumer.
func redisClientProvider(config Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: config.RedisAddress})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errors.Wrap(err, "queue: connecting to redis")
	}
	return client, nil
}

func (q *RedisQueue) readyKey() string {
	return fmt.Sprintf("gatehouse:jobs:%s:ready", q.config.Name)
}

func (q *RedisQueue) delayedKey() string {
	return fmt.Sprintf("gatehouse:jobs:%s:delayed", q.config.Name)
}

func (q *RedisQueue) processingKey() string {
	return fmt.Sprintf("gatehouse:jobs:%s:processing", q.config.Name)
}

func (q *RedisQueue) deadKey() string {
	return fmt.Sprintf("gatehouse:jobs:%s:dead", q.config.Name)
}

func (q *RedisQueue) Enqueue(ctx context.Context, name string, payload interface{}) error {
	job, err := newJob(name, payload, q.config.Attempts)
	if err != nil {
		return err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "queue: marshaling job")
	}
	if err := q.client.LPush(ctx, q.readyKey(), body).Err(); err != nil {
		return errors.Wrap(err, "queue: enqueue failed")
	}

	q.logger.With(zap.String("job", job.ID), zap.String("name", name)).Debug("job enqueued")
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	q.recoverOnce.Do(func() { q.recoverOrphans(ctx) })

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := q.promoteDue(ctx); err != nil {
			q.logger.With(zap.Error(err)).Warn("promoting delayed jobs failed")
		}

		// The job moves to the processing list rather than being popped, so
		// an in-flight job survives a crash and can be re-queued on the next
		// start. It leaves the processing list through Ack or Retry.
		result, err := q.client.BLMove(ctx, q.readyKey(), q.processingKey(), "RIGHT", "LEFT", dequeueBlock).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, errors.Wrap(err, "queue: dequeue failed")
		}

		var job Job
		if err := json.Unmarshal([]byte(result), &job); err != nil {
			q.logger.With(zap.Error(err)).Error("discarding undecodable job")
			q.client.LRem(ctx, q.processingKey(), 1, result)
			continue
		}
		return &job, nil
	}
}

// recoverOrphans re-queues jobs a previous run left on the processing list.
// They were in flight when that process died; re-running them keeps delivery
// at least once.
func (q *RedisQueue) recoverOrphans(ctx context.Context) {
	var recovered int
	for {
		_, err := q.client.LMove(ctx, q.processingKey(), q.readyKey(), "RIGHT", "LEFT").Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			q.logger.With(zap.Error(err)).Warn("recovering in-flight jobs failed")
			return
		}
		recovered++
	}
	if recovered > 0 {
		q.logger.With(zap.Int("jobs", recovered)).Info("re-queued jobs left in flight by a previous run")
	}
}

// Ack settles a completed job by dropping it from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, job *Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "queue: marshaling job")
	}
	err = q.client.LRem(ctx, q.processingKey(), 1, string(body)).Err()
	return errors.Wrap(err, "queue: acknowledging job")
}

// promoteDue moves delayed jobs whose due time has passed back onto the
// ready list. The ZRem result guards against double promotion when several
// workers race.
func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 64,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.readyKey(), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, job *Job, cause error) error {
	// The processing list holds the job as it was dequeued, before the
	// attempt counter moved.
	inflight, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "queue: marshaling job")
	}

	job.Attempts++
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "queue: marshaling job")
	}

	if job.Attempts >= job.MaxAttempts {
		q.logger.With(zap.Error(cause), zap.String("job", job.ID), zap.Int("attempts", job.Attempts)).
			Error("job exhausted retries, moving to dead set")
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 1, string(inflight))
		pipe.LPush(ctx, q.deadKey(), body)
		pipe.LTrim(ctx, q.deadKey(), 0, q.config.DeadSetSize-1)
		_, err := pipe.Exec(ctx)
		return errors.Wrap(err, "queue: recording dead job")
	}

	delay := backoffDelay(q.config.Backoff, job.Attempts)
	due := float64(time.Now().Add(delay).UnixMilli())
	q.logger.With(zap.Error(cause), zap.String("job", job.ID), zap.Int("attempts", job.Attempts), zap.Duration("delay", delay)).
		Warn("job failed, scheduling retry")

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, string(inflight))
	pipe.ZAdd(ctx, q.delayedKey(), redis.Z{Score: due, Member: body})
	_, err = pipe.Exec(ctx)
	return errors.Wrap(err, "queue: scheduling retry")
}

// DeadJobs returns the retained jobs that exhausted their retries, newest
// first.
func (q *RedisQueue) DeadJobs(ctx context.Context) ([]*Job, error) {
	members, err := q.client.LRange(ctx, q.deadKey(), 0, q.config.DeadSetSize-1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "queue: reading dead set")
	}

	jobs := make([]*Job, 0, len(members))
	for _, member := range members {
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Close is a no-op; the shared Redis client is closed by whoever owns it.
func (q *RedisQueue) Close() error {
	return nil
}

func redisQueueProvider(client *redis.Client, config Config, logger *zap.SugaredLogger) Queue {
	return NewRedisQueue(client, config, logger)
}

// Module wires the Redis-backed queue and the delivery worker.
var Module = fx.Options(
	fx.Provide(configProvider),
	fx.Provide(redisClientProvider),
	fx.Provide(redisQueueProvider),
	fx.Provide(workerConfigProvider),
	fx.Provide(NewWorker),
)
