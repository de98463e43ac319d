package application

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"thirdcoast.systems/sceneindex/internal/config"
)

// Redis bundles the plain go-redis client used for barriers, counters and
// caches with the connection options the queue backend consumes.
type Redis struct {
	Client  *redis.Client
	ConnOpt asynq.RedisConnOpt
}

// Close releases the plain client. asynq owns its own connections.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}

// OpenRedisWithRetry parses REDIS_URL for both clients and waits until the
// server answers PING, using the same backoff as the database opener.
func OpenRedisWithRetry(ctx context.Context, conf config.Config) (*Redis, error) {
	connOpt, err := asynq.ParseRedisURI(conf.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url for queue: %w", err)
	}
	opts, err := redis.ParseURL(conf.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	retries := conf.DatabaseRetries
	if retries <= 0 {
		retries = 1
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		if lastErr = client.Ping(ctx).Err(); lastErr == nil {
			slog.Info("Connected to redis", "addr", opts.Addr, "db", opts.DB)
			return &Redis{Client: client, ConnOpt: connOpt}, nil
		}
		backoff := backoffFor(i)
		slog.Warn("redis ping failed, retrying", "addr", opts.Addr, "error", lastErr, "backoff", backoff)
		if !sleepCtx(ctx, backoff) {
			_ = client.Close()
			return nil, ctx.Err()
		}
	}
	_ = client.Close()
	return nil, fmt.Errorf("failed to ping redis after %d attempts: %w", retries, lastErr)
}
