package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// ErrStalled marks a task that lost its worker more often than its policy
// allows.
var ErrStalled = errors.New("task stalled")

// StallCounter counts lost leases per task.
type StallCounter interface {
	Incr(ctx context.Context, queue, key string, ttl time.Duration) (int64, error)
	Count(ctx context.Context, queue, key string) (int64, error)
	Reset(ctx context.Context, queue, key string) error
}

// RedisStallCounter keeps counters under stall:<queue>:<key>.
type RedisStallCounter struct {
	rdb redis.UniversalClient
}

func NewRedisStallCounter(rdb redis.UniversalClient) *RedisStallCounter {
	return &RedisStallCounter{rdb: rdb}
}

func stallKey(queue, key string) string {
	return "stall:" + queue + ":" + key
}

func (c *RedisStallCounter) Incr(ctx context.Context, queue, key string, ttl time.Duration) (int64, error) {
	k := stallKey(queue, key)
	var incr *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, k)
		p.Expire(ctx, k, ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisStallCounter) Count(ctx context.Context, queue, key string) (int64, error) {
	n, err := c.rdb.Get(ctx, stallKey(queue, key)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (c *RedisStallCounter) Reset(ctx context.Context, queue, key string) error {
	return c.rdb.Del(ctx, stallKey(queue, key)).Err()
}

var stallNamespace = uuid.MustParse("5d0c8b9e-3f4a-4e21-9b7d-2c6a1f0e8d53")

// StallKey identifies a task across redeliveries. Lease recovery hands the
// retry hook only the task type and payload, so the key is derived from
// those.
func StallKey(t *asynq.Task) string {
	data := make([]byte, 0, len(t.Type())+1+len(t.Payload()))
	data = append(data, t.Type()...)
	data = append(data, 0)
	data = append(data, t.Payload()...)
	return uuid.NewSHA1(stallNamespace, data).String()
}

func (p Policy) stallTTL() time.Duration {
	return p.MaxRuntime*time.Duration(p.MaxStalled+1) + p.RetryDelay(p.MaxRetry())
}

// RecordStall counts one lost lease for t and returns the new total.
func RecordStall(ctx context.Context, counter StallCounter, policy Policy, t *asynq.Task) (int64, error) {
	n, err := counter.Incr(ctx, policy.Queue, StallKey(t), policy.stallTTL())
	if err != nil {
		return 0, err
	}
	slog.Warn("task stalled", "queue", policy.Queue, "type", t.Type(), "stalls", n, "max_stalled", policy.MaxStalled)
	return n, nil
}

// StallGuard checks a delivery against its stall count before running it:
// a task that lost its worker more than policy.MaxStalled times is archived
// without running. A successful run clears the count.
func StallGuard(policy Policy, counter StallCounter) asynq.MiddlewareFunc {
	return func(next asynq.Handler) asynq.Handler {
		return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
			key := StallKey(t)
			n, err := counter.Count(ctx, policy.Queue, key)
			if err != nil {
				slog.Warn("stall counter unavailable", "queue", policy.Queue, "error", err)
			}
			if n > int64(policy.MaxStalled) {
				return fmt.Errorf("%w: lost its worker %d times: %w", ErrStalled, n, asynq.SkipRetry)
			}

			if err := next.ProcessTask(ctx, t); err != nil {
				return err
			}
			if n > 0 {
				bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if rerr := counter.Reset(bg, policy.Queue, key); rerr != nil {
					slog.Debug("stall counter reset failed", "queue", policy.Queue, "error", rerr)
				}
			}
			return nil
		})
	}
}
