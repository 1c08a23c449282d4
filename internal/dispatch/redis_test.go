// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupMiniRedis creates a queue against a miniredis server.
func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisQueue(client, "test:tasks")
}

func TestRedisQueueSubmitAndClaim(t *testing.T) {
	_, q := setupMiniRedis(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	_, err := q.Submit(ctx, Task{SnipeID: 1, Type: TaskTypeSnipeRSVP, UserID: "U1", TriggerAt: now.Add(time.Minute)})
	require.NoError(t, err)
	h, err := q.Submit(ctx, Task{SnipeID: 2, Type: TaskTypeSnipeRSVP, UserID: "U2", Immediate: true})
	require.NoError(t, err)
	assert.Equal(t, Handle("redis:"+TaskID(2)), h)

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	due, err := q.Claim(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "U2", due[0].UserID)

	due, err = q.Claim(ctx, now.Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "U1", due[0].UserID)

	n, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisQueueResubmitMovesEntry(t *testing.T) {
	mr, q := setupMiniRedis(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	task := Task{SnipeID: 5, Type: TaskTypeSnipeRSVP, UserID: "U1", TriggerAt: now.Add(time.Hour)}
	_, err := q.Submit(ctx, task)
	require.NoError(t, err)
	task.TriggerAt = now.Add(time.Minute)
	_, err = q.Submit(ctx, task)
	require.NoError(t, err)

	members, err := mr.ZMembers("test:tasks")
	require.NoError(t, err)
	assert.Len(t, members, 1)

	score, err := mr.ZScore("test:tasks", TaskID(5))
	require.NoError(t, err)
	assert.Equal(t, float64(now.Add(time.Minute).UnixMilli()), score)
}

func TestRedisQueueUnavailable(t *testing.T) {
	mr, q := setupMiniRedis(t)
	mr.Close()

	_, err := q.Submit(context.Background(), Task{Type: TaskTypeSnipeRSVP, UserID: "U1", Immediate: true})
	assert.ErrorIs(t, err, ErrDispatchUnavailable)
}

func TestRedisQueueConsume(t *testing.T) {
	_, q := setupMiniRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := q.Submit(ctx, Task{Type: TaskTypeSnipeRSVP, UserID: "U1", Immediate: true})
	require.NoError(t, err)

	got := make(chan Task, 1)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, 5*time.Millisecond, func(_ context.Context, task Task) error {
			got <- task
			return nil
		})
	}()

	select {
	case task := <-got:
		assert.Equal(t, "U1", task.UserID)
	case <-time.After(2 * time.Second):
		t.Fatal("task not consumed")
	}
	cancel()
	assert.NoError(t, <-done)
}

func TestRedisQueueClaimRemovesPayload(t *testing.T) {
	mr, q := setupMiniRedis(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	for i := int64(1); i <= 3; i++ {
		_, err := q.Submit(ctx, Task{SnipeID: i, Type: TaskTypeSnipeRSVP, UserID: "U1", Immediate: true})
		require.NoError(t, err)
	}
	fields, err := mr.HKeys("test:tasks:payload")
	require.NoError(t, err)
	assert.Len(t, fields, 3)

	due, err := q.Claim(ctx, now, 10)
	require.NoError(t, err)
	assert.Len(t, due, 3)
	assert.False(t, mr.Exists("test:tasks:payload"), "payload hash is emptied by claims")
	assert.False(t, mr.Exists("test:tasks"))
}

func TestRedisQueueClaimSkipsMissingPayload(t *testing.T) {
	mr, q := setupMiniRedis(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }

	_, err := q.Submit(ctx, Task{SnipeID: 1, Type: TaskTypeSnipeRSVP, UserID: "U1", Immediate: true})
	require.NoError(t, err)
	_, err = q.Submit(ctx, Task{SnipeID: 2, Type: TaskTypeSnipeRSVP, UserID: "U2", Immediate: true})
	require.NoError(t, err)
	mr.HDel("test:tasks:payload", TaskID(1))

	due, err := q.Claim(ctx, now.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "U2", due[0].UserID)
	assert.False(t, mr.Exists("test:tasks"))
}
