package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis starts an in-process Redis and returns a client for it
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestRedisQueue_EnqueueDequeue(t *testing.T) {
	mr, client := setupTestRedis(t)
	config := DefaultConfig("usage")
	q := NewRedisQueueWithClient(client, config)
	defer q.Close()

	ctx := context.Background()

	evt := testEvent("req-1")
	evt.Stats = map[string]any{"total_cost": 0.0024, "total_tokens": 120}
	require.NoError(t, q.Enqueue(ctx, evt))

	assert.True(t, mr.Exists("queue:usage"))
	length, err := q.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, length)

	items, err := q.Dequeue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	// Numbers survive as json.Number, not float64.
	assert.Equal(t, json.Number("0.0024"), items[0].Stats["total_cost"])
	assert.Equal(t, json.Number("120"), items[0].Stats["total_tokens"])
	assert.Equal(t, "req-1", items[0].Metadata["request_id"])
}

func TestRedisQueue_MultipleBatch(t *testing.T) {
	_, client := setupTestRedis(t)
	q := NewRedisQueueWithClient(client, DefaultConfig("usage"))
	defer q.Close()

	ctx := context.Background()
	for i := 0; i < 7; i++ {
		require.NoError(t, q.Enqueue(ctx, testEvent(fmt.Sprintf("req-%d", i))))
	}

	items, err := q.DequeueWithTimeout(ctx, 5, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, "req-0", items[0].Metadata["request_id"])
	assert.Equal(t, "req-4", items[4].Metadata["request_id"])

	items, err = q.DequeueWithTimeout(ctx, 5, time.Second)
	require.NoError(t, err)
	assert.Len(t, items, 2)
}

func TestRedisQueue_DequeueWithTimeoutEmpty(t *testing.T) {
	_, client := setupTestRedis(t)
	q := NewRedisQueueWithClient(client, DefaultConfig("usage"))
	defer q.Close()

	items, err := q.DequeueWithTimeout(context.Background(), 5, time.Second)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestRedisQueue_DropsUndecodablePayload(t *testing.T) {
	mr, client := setupTestRedis(t)
	q := NewRedisQueueWithClient(client, DefaultConfig("usage"))
	defer q.Close()

	ctx := context.Background()
	_, err := mr.RPush("queue:usage", "{not json")
	require.NoError(t, err)
	require.NoError(t, q.Enqueue(ctx, testEvent("ok")))

	items, err := q.DequeueWithTimeout(ctx, 10, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ok", items[0].Metadata["request_id"])
}

func TestRedisQueue_Closed(t *testing.T) {
	_, client := setupTestRedis(t)
	q := NewRedisQueueWithClient(client, DefaultConfig("usage"))
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Enqueue(context.Background(), testEvent("x")), ErrQueueClosed)
	_, err := q.Dequeue(context.Background(), 1)
	assert.ErrorIs(t, err, ErrQueueClosed)

	// Shared client is still usable.
	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestRedisDeadLetterQueue_AddListGetRemove(t *testing.T) {
	mr, client := setupTestRedis(t)
	dlq := NewRedisDeadLetterQueueWithClient(client, DefaultConfig("usage"))
	defer dlq.Close()

	ctx := context.Background()

	first := testEvent("a")
	first.Stats = map[string]any{"total_cost": json.Number("0.10")}
	require.NoError(t, dlq.Add(ctx, first, 4, ErrMaxRetriesExceeded))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, dlq.Add(ctx, testEvent("b"), 1, errors.New("constraint")))

	assert.True(t, mr.Exists("dlq:usage"))

	items, err := dlq.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "a", items[0].Event.Metadata["request_id"], "oldest first")
	assert.Equal(t, 4, items[0].Attempts)
	assert.Equal(t, json.Number("0.10"), items[0].Event.Stats["total_cost"])
	assert.Equal(t, "constraint", items[1].Error)

	got, err := dlq.Get(ctx, items[1].ID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Event.Metadata["request_id"])

	require.NoError(t, dlq.Remove(ctx, items[0].ID))
	assert.ErrorIs(t, dlq.Remove(ctx, items[0].ID), ErrItemNotFound)
	_, err = dlq.Get(ctx, items[0].ID)
	assert.ErrorIs(t, err, ErrItemNotFound)

	items, err = dlq.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRedisDeadLetterQueue_SkipsMalformed(t *testing.T) {
	mr, client := setupTestRedis(t)
	dlq := NewRedisDeadLetterQueueWithClient(client, DefaultConfig("usage"))
	defer dlq.Close()

	mr.HSet("dlq:usage", "broken", "{")
	require.NoError(t, dlq.Add(context.Background(), testEvent("a"), 1, ErrMaxRetriesExceeded))

	items, err := dlq.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestRedisQueue_Persistence(t *testing.T) {
	mr, client := setupTestRedis(t)
	config := DefaultConfig("usage")
	ctx := context.Background()

	q1 := NewRedisQueueWithClient(client, config)
	for i := 0; i < 3; i++ {
		require.NoError(t, q1.Enqueue(ctx, testEvent(fmt.Sprintf("req-%d", i))))
	}
	require.NoError(t, q1.Close())

	// A new client against the same server sees the pending events.
	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer other.Close()
	q2 := NewRedisQueueWithClient(other, config)
	defer q2.Close()

	length, err := q2.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, length)
}

func TestNewRedisQueue_ConnectionFailure(t *testing.T) {
	config := DefaultConfig("usage")
	config.RedisAddr = "127.0.0.1:1" // nothing listens here

	_, err := NewRedisQueue(config)
	assert.Error(t, err)
}

// TestRedisQueue_RealServer runs against REDIS_TEST_ADDR when set
func TestRedisQueue_RealServer(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set, skipping Redis integration test")
	}

	config := DefaultConfig(fmt.Sprintf("usage-test-%d", time.Now().UnixNano()))
	config.UseRedis = true
	config.RedisAddr = addr
	config.RedisDB = 15 // Use separate DB for tests

	q, err := NewRedisQueue(config)
	require.NoError(t, err)
	defer q.Close()

	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, testEvent("real")))

	items, err := q.DequeueWithTimeout(ctx, 1, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "real", items[0].Metadata["request_id"])
}
