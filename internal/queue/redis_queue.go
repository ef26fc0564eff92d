package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"referral-sync/internal/config"
)

// RedisQueue carries tier sync job ids from the API to workers. A dequeued job
// sits in an in-flight set until it is acked or its lease runs out.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	inflightKey   string
	visibilityTTL time.Duration
	dlqKey        string
}

// NewRedisQueue builds a queue over client using the names in cfg.
func NewRedisQueue(client *redis.Client, cfg config.Config) *RedisQueue {
	name := cfg.QueueName
	if name == "" {
		name = "sync"
	}
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = fmt.Sprintf("queue:%s:dlq", name)
	}
	return &RedisQueue{
		client:        client,
		readyKey:      fmt.Sprintf("queue:%s:ready", name),
		inflightKey:   fmt.Sprintf("queue:%s:inflight", name),
		visibilityTTL: visibility,
		dlqKey:        dlq,
	}
}

// VisibilityTimeout is the lease length granted by DequeueWithLease.
func (q *RedisQueue) VisibilityTimeout() time.Duration { return q.visibilityTTL }

// Enqueue appends a job id to the ready list.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	if err := q.client.RPush(ctx, q.readyKey, jobID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	return nil
}

// DequeueWithLease pops the oldest job and leases it for the visibility timeout.
// It returns "" when the queue is empty.
func (q *RedisQueue) DequeueWithLease(ctx context.Context) (string, error) {
	deadline := time.Now().Add(q.visibilityTTL).UnixMilli()
	res, err := dequeueScript.Run(ctx, q.client, []string{q.readyKey, q.inflightKey}, deadline).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAddXX(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.inflightKey, jobID).Err()
}

// ReclaimExpired removes leases whose deadline passed and returns their ids.
// The jobs are not re-queued: a half-run tier job already recorded partial
// progress, so the caller decides what happens to it.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	reclaimed := make([]string, 0, len(ids))
	for _, id := range ids {
		// ZREM guards against a worker that extended or acked in between.
		n, err := q.client.ZRem(ctx, q.inflightKey, id).Result()
		if err != nil {
			return reclaimed, err
		}
		if n == 1 {
			reclaimed = append(reclaimed, id)
		}
	}
	return reclaimed, nil
}

// DLQPush appends to the dead-letter queue for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the number of jobs waiting.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.readyKey).Result()
}

// InFlight returns the number of leased jobs.
func (q *RedisQueue) InFlight(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.inflightKey).Result()
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
