package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a durable Queue backed by Redis.
//
// Key layout under "<prefix>:":
//
//	jobs       hash   job id -> JSON
//	wait       list   runnable job ids (LPUSH in, BLMOVE out)
//	active     list   ids currently held by a worker
//	leases     zset   active job ids scored by lease expiry (unix ms)
//	delayed    zset   retrying job ids scored by NextRunAt (unix ms)
//	completed  string counter
//	failed     string counter
type RedisQueue struct {
	client     redis.UniversalClient
	prefix     string
	visibility time.Duration
	closed     atomic.Bool
	now        func() time.Time
}

// DefaultVisibilityTimeout is how long a dequeued job stays leased to its
// worker before ReclaimExpired may hand it to another one.
const DefaultVisibilityTimeout = 5 * time.Minute

// reclaimScript moves one id from active back to wait, only if it is still
// active.
var reclaimScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 1, ARGV[1]) == 1 then
	redis.call('LPUSH', KEYS[2], ARGV[1])
	return 1
end
return 0
`)

// NewRedisQueue creates a queue named name on client. The client is owned by
// the caller.
func NewRedisQueue(client redis.UniversalClient, name string) *RedisQueue {
	if name == "" {
		name = "audit"
	}
	return &RedisQueue{
		client:     client,
		prefix:     "queue:" + name,
		visibility: DefaultVisibilityTimeout,
		now:        time.Now,
	}
}

// SetVisibilityTimeout changes the lease length for jobs dequeued afterwards.
func (q *RedisQueue) SetVisibilityTimeout(d time.Duration) {
	if d > 0 {
		q.visibility = d
	}
}

func (q *RedisQueue) leaseUntil() float64 {
	return float64(q.now().Add(q.visibility).UnixMilli())
}

func (q *RedisQueue) key(k string) string { return q.prefix + ":" + k }

func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	if q.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.key("jobs"), job.ID, data)
	pipe.LPush(ctx, q.key("wait"), job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// promote moves due delayed jobs onto the wait list. ZREM decides ownership so
// concurrent promoters never push the same id twice.
func (q *RedisQueue) promote(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}
	for _, id := range due {
		removed, err := q.client.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return err
		}
		if removed == 1 {
			if err := q.client.LPush(ctx, q.key("wait"), id).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	if err := q.promote(ctx); err != nil {
		return nil, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	id, err := q.client.BLMove(ctx, q.key("wait"), q.key("active"), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}
	if err := q.client.ZAdd(ctx, q.key("leases"), redis.Z{Score: q.leaseUntil(), Member: id}).Err(); err != nil {
		return nil, fmt.Errorf("failed to lease job %s: %w", id, err)
	}

	data, err := q.client.HGet(ctx, q.key("jobs"), id).Bytes()
	if errors.Is(err, redis.Nil) {
		// Emptied while in flight.
		q.release(ctx, id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		q.release(ctx, id)
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &job, nil
}

func (q *RedisQueue) release(ctx context.Context, id string) {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, id)
	pipe.ZRem(ctx, q.key("leases"), id)
	_, _ = pipe.Exec(ctx)
}

func (q *RedisQueue) Complete(ctx context.Context, job *Job) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, job.ID)
	pipe.ZRem(ctx, q.key("leases"), job.ID)
	pipe.HDel(ctx, q.key("jobs"), job.ID)
	pipe.Incr(ctx, q.key("completed"))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Retry(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, job.ID)
	pipe.ZRem(ctx, q.key("leases"), job.ID)
	pipe.HSet(ctx, q.key("jobs"), job.ID, data)
	pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(job.NextRunAt.UnixMilli()), Member: job.ID})
	_, err = pipe.Exec(ctx)
	return err
}

// Fail drops the job body; the worker has already logged it with full context.
func (q *RedisQueue) Fail(ctx context.Context, job *Job) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.key("active"), 1, job.ID)
	pipe.ZRem(ctx, q.key("leases"), job.ID)
	pipe.HDel(ctx, q.key("jobs"), job.ID)
	pipe.Incr(ctx, q.key("failed"))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Counts(ctx context.Context) (Counts, error) {
	pipe := q.client.Pipeline()
	waiting := pipe.LLen(ctx, q.key("wait"))
	active := pipe.LLen(ctx, q.key("active"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	completed := pipe.Get(ctx, q.key("completed"))
	failed := pipe.Get(ctx, q.key("failed"))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counts{}, fmt.Errorf("failed to read queue counts: %w", err)
	}
	c := Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
	}
	c.Completed, _ = completed.Int64()
	c.Failed, _ = failed.Int64()
	return c, nil
}

func (q *RedisQueue) Empty(ctx context.Context) error {
	waiting, err := q.client.LRange(ctx, q.key("wait"), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list waiting jobs: %w", err)
	}
	delayed, err := q.client.ZRange(ctx, q.key("delayed"), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to list delayed jobs: %w", err)
	}
	ids := append(waiting, delayed...)

	pipe := q.client.TxPipeline()
	pipe.Del(ctx, q.key("wait"), q.key("delayed"))
	if len(ids) > 0 {
		pipe.HDel(ctx, q.key("jobs"), ids...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to empty queue: %w", err)
	}
	return nil
}

// ReclaimExpired moves active jobs whose lease has lapsed back to wait, so a
// job held by a crashed worker runs again while jobs other replicas are still
// processing stay put. Active ids without a lease (a worker died between
// dequeue and lease) are given one and reclaimed on a later pass.
func (q *RedisQueue) ReclaimExpired(ctx context.Context) (int, error) {
	expired, err := q.client.ZRangeByScore(ctx, q.key("leases"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list expired leases: %w", err)
	}
	n := 0
	for _, id := range expired {
		// ZREM decides which reclaimer owns the id.
		removed, err := q.client.ZRem(ctx, q.key("leases"), id).Result()
		if err != nil {
			return n, err
		}
		if removed != 1 {
			continue
		}
		moved, err := reclaimScript.Run(ctx, q.client, []string{q.key("active"), q.key("wait")}, id).Int()
		if err != nil {
			return n, fmt.Errorf("failed to reclaim job %s: %w", id, err)
		}
		n += moved
	}

	active, err := q.client.LRange(ctx, q.key("active"), 0, -1).Result()
	if err != nil {
		return n, fmt.Errorf("failed to list active jobs: %w", err)
	}
	if len(active) > 0 {
		members := make([]redis.Z, len(active))
		until := q.leaseUntil()
		for i, id := range active {
			members[i] = redis.Z{Score: until, Member: id}
		}
		if err := q.client.ZAddNX(ctx, q.key("leases"), members...).Err(); err != nil {
			return n, fmt.Errorf("failed to lease orphaned jobs: %w", err)
		}
	}
	return n, nil
}

// Close stops further operations. The Redis client stays open.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
