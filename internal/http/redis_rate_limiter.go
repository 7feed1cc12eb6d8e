package httpx

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix  = "gateway:ratelimit:"
	redisCallBudget = 250 * time.Millisecond
)

// redisRateLimiter counts requests in redis so the limit holds across
// gateway replicas. Redis failures fail open: the limiter protects
// capacity, not correctness.
type redisRateLimiter struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisRateLimiter connects to redis and returns a shared-state limiter.
func NewRedisRateLimiter(addr, password string, db int, logger *slog.Logger) (RateLimiter, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &redisRateLimiter{client: client, logger: logger}, nil
}

func (rl *redisRateLimiter) Allow(key string, limit int, window time.Duration) rateDecision {
	if limit <= 0 {
		return rateDecision{allowed: true}
	}
	if window <= 0 {
		window = time.Minute
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisCallBudget)
	defer cancel()

	bucket := redisKeyPrefix + key
	count, err := rl.client.Incr(ctx, bucket).Result()
	if err != nil {
		rl.warn("incr", err)
		return rateDecision{allowed: true}
	}
	// First hit in the window owns setting the expiry.
	if count == 1 {
		if err := rl.client.Expire(ctx, bucket, window).Err(); err != nil {
			rl.warn("expire", err)
		}
	}

	ttl, err := rl.client.TTL(ctx, bucket).Result()
	if err != nil || ttl <= 0 {
		ttl = window
	}
	return rateDecision{
		allowed:   int(count) <= limit,
		count:     int(count),
		windowEnd: time.Now().Add(ttl),
	}
}

func (rl *redisRateLimiter) Close() {
	if rl.client != nil {
		_ = rl.client.Close()
	}
}

func (rl *redisRateLimiter) warn(op string, err error) {
	if rl.logger != nil {
		rl.logger.Error("redis rate limiter error", "op", op, "error", err)
	}
}
