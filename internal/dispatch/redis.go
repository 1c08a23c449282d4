// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	xglog "github.com/ManuGH/snipey/internal/log"
	"github.com/ManuGH/snipey/internal/metrics"
)

// BackendRedis names the redis sorted-set queue.
const BackendRedis = "redis"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
}

// DialRedis connects and pings the server.
func DialRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// claimScript removes a due member and its payload in one step. It
// returns 0 when another worker removed the member first and 1 when the
// member had no payload.
var claimScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
local payload = redis.call('HGET', KEYS[2], ARGV[1])
if not payload then
	return 1
end
redis.call('HDEL', KEYS[2], ARGV[1])
return payload
`)

// RedisQueue keeps deferred tasks in a sorted set scored by due time in
// epoch ms. Payloads live in a companion hash keyed by task id, so
// resubmitting a task moves its entry instead of duplicating it.
// Workers take due tasks with Claim; ZREM decides ownership so competing
// workers never receive the same task twice, and the payload is removed
// with the member.
type RedisQueue struct {
	client   *redis.Client
	key      string
	payloads string
	now      func() time.Time
	logger   zerolog.Logger
}

// NewRedisQueue creates a queue on key.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "snipey:tasks"
	}
	return &RedisQueue{
		client:   client,
		key:      key,
		payloads: key + ":payload",
		now:      time.Now,
		logger:   xglog.WithComponent("dispatch.redis"),
	}
}

// Submit adds or reschedules t.
func (q *RedisQueue) Submit(ctx context.Context, t Task) (Handle, error) {
	t, err := prepare(t)
	if err != nil {
		return "", err
	}
	payload, err := encode(t)
	if err != nil {
		return "", err
	}
	score := float64(t.DueAt(q.now()).UnixMilli())

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.payloads, t.ID, payload)
	pipe.ZAdd(ctx, q.key, redis.Z{Score: score, Member: t.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		metrics.IncDispatch(BackendRedis, "unavailable")
		return "", unavailable(BackendRedis, err)
	}
	metrics.IncDispatch(BackendRedis, "submitted")
	return newHandle(BackendRedis, t.ID), nil
}

// Claim removes and returns up to limit tasks due at now.
func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, unavailable(BackendRedis, err)
	}

	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		res, err := claimScript.Run(ctx, q.client, []string{q.key, q.payloads}, id).Result()
		if err != nil {
			return out, unavailable(BackendRedis, err)
		}
		payload, ok := res.(string)
		if !ok {
			// 0: another worker won.
			if n, _ := res.(int64); n == 1 {
				q.logger.Warn().Str(xglog.FieldTaskID, id).Msg("claimed task has no payload")
			}
			continue
		}

		t, err := decode([]byte(payload))
		if err != nil {
			q.logger.Warn().Err(err).Str(xglog.FieldTaskID, id).Msg("dropping undecodable task")
			continue
		}
		metrics.DispatchFiredTotal.WithLabelValues(BackendRedis).Inc()
		metrics.DispatchLateness.WithLabelValues(BackendRedis).Observe(now.Sub(t.DueAt(now)).Seconds())
		out = append(out, t)
	}
	return out, nil
}

// Consume polls for due tasks every interval and hands them to h until
// ctx is cancelled.
func (q *RedisQueue) Consume(ctx context.Context, interval time.Duration, h Handler) error {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		tasks, err := q.Claim(ctx, q.now(), 100)
		if err != nil && ctx.Err() == nil {
			q.logger.Warn().Err(err).Str(xglog.FieldEvent, "dispatch.claim_failed").Msg("claim failed")
		}
		for _, t := range tasks {
			if err := h(context.WithoutCancel(ctx), t); err != nil {
				q.logger.Error().Err(err).
					Str(xglog.FieldEvent, "dispatch.handler_failed").
					Str(xglog.FieldTaskID, t.ID).
					Msg("task handler failed")
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Len returns the number of waiting tasks.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
