package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"usage_sink/internal/models"
	"usage_sink/internal/utils"
)

// NewRedisClient connects to the Redis server in config and verifies it
// with a PING.
func NewRedisClient(config *Config) (*redis.Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.RedisAddr,
		Password: config.RedisPassword,
		DB:       config.RedisDB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}

// RedisQueue implements Queue using a Redis list
type RedisQueue struct {
	client     *redis.Client
	ownsClient bool
	config     *Config
	qKey       string
	closed     atomic.Bool
	logger     *utils.Logger
}

// NewRedisQueue creates a new Redis-backed queue with its own client
func NewRedisQueue(config *Config) (*RedisQueue, error) {
	client, err := NewRedisClient(config)
	if err != nil {
		return nil, err
	}
	q := NewRedisQueueWithClient(client, config)
	q.ownsClient = true
	return q, nil
}

// NewRedisQueueWithClient creates a queue on a shared client. Close leaves
// the client open.
func NewRedisQueueWithClient(client *redis.Client, config *Config) *RedisQueue {
	return &RedisQueue{
		client: client,
		config: config,
		qKey:   config.QueueKey(),
		logger: utils.NewLogger("redis-queue").With("queue", config.QueueName),
	}
}

// Enqueue adds an event to the queue
func (q *RedisQueue) Enqueue(ctx context.Context, evt *models.UsageEvent) error {
	if evt == nil {
		return ErrNilEvent
	}
	if q.closed.Load() {
		return ErrQueueClosed
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := q.client.RPush(ctx, q.qKey, data).Err(); err != nil {
		return fmt.Errorf("failed to push to Redis: %w", err)
	}

	return nil
}

// Dequeue retrieves events from the queue
func (q *RedisQueue) Dequeue(ctx context.Context, maxItems int) ([]*models.UsageEvent, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	// Block until at least one event is available
	result, err := q.client.BLPop(ctx, 0, q.qKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	// result[0] is the key, result[1] is the value
	return q.collect(ctx, result[1], maxItems), nil
}

// DequeueWithTimeout retrieves events with a timeout
func (q *RedisQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]*models.UsageEvent, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	// Block until an event is available or timeout
	result, err := q.client.BLPop(ctx, timeout, q.qKey).Result()
	if errors.Is(err, redis.Nil) {
		return []*models.UsageEvent{}, nil // Timeout, no events
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from Redis: %w", err)
	}

	return q.collect(ctx, result[1], maxItems), nil
}

// collect decodes the first payload and pops more without blocking.
// Undecodable payloads are logged and dropped.
func (q *RedisQueue) collect(ctx context.Context, first string, maxItems int) []*models.UsageEvent {
	items := make([]*models.UsageEvent, 0, maxItems)
	items = q.appendDecoded(items, first)

	for popped := 1; popped < maxItems; popped++ {
		result, err := q.client.LPop(ctx, q.qKey).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			q.logger.Warn("LPOP failed, returning partial batch", "error", err)
			break // Return what we have so far
		}
		items = q.appendDecoded(items, result)
	}

	return items
}

func (q *RedisQueue) appendDecoded(items []*models.UsageEvent, payload string) []*models.UsageEvent {
	evt, err := models.DecodeUsageEvent([]byte(payload))
	if err != nil {
		q.logger.Error("Dropping undecodable queue payload", "error", err, "bytes", len(payload))
		return items
	}
	return append(items, evt)
}

// Length returns the current queue length
func (q *RedisQueue) Length(ctx context.Context) (int, error) {
	length, err := q.client.LLen(ctx, q.qKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get queue length: %w", err)
	}
	return int(length), nil
}

// Close shuts down the queue. Pending events stay in Redis.
func (q *RedisQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}

// RedisDeadLetterQueue implements DeadLetterQueue using a Redis hash
type RedisDeadLetterQueue struct {
	client     *redis.Client
	ownsClient bool
	dlKey      string
	closed     atomic.Bool
}

// NewRedisDeadLetterQueue creates a new Redis-backed dead letter queue
func NewRedisDeadLetterQueue(config *Config) (*RedisDeadLetterQueue, error) {
	client, err := NewRedisClient(config)
	if err != nil {
		return nil, err
	}
	q := NewRedisDeadLetterQueueWithClient(client, config)
	q.ownsClient = true
	return q, nil
}

// NewRedisDeadLetterQueueWithClient creates a dead letter queue on a shared client
func NewRedisDeadLetterQueueWithClient(client *redis.Client, config *Config) *RedisDeadLetterQueue {
	return &RedisDeadLetterQueue{
		client: client,
		dlKey:  config.DeadLetterKey(),
	}
}

// Add adds a failed event to the dead letter queue
func (q *RedisDeadLetterQueue) Add(ctx context.Context, evt *models.UsageEvent, attempts int, err error) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	dlItem := newDeadLetterItem(evt, attempts, err, time.Now())

	data, marshalErr := json.Marshal(dlItem)
	if marshalErr != nil {
		return fmt.Errorf("failed to marshal dead letter item: %w", marshalErr)
	}

	if err := q.client.HSet(ctx, q.dlKey, dlItem.ID, data).Err(); err != nil {
		return fmt.Errorf("failed to add to dead letter queue: %w", err)
	}

	return nil
}

// List retrieves items from the dead letter queue, oldest first
func (q *RedisDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	// Get all items from the hash
	results, err := q.client.HGetAll(ctx, q.dlKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letter items: %w", err)
	}

	items := make([]DeadLetterItem, 0, len(results))
	for _, data := range results {
		dlItem, err := decodeDeadLetter(data)
		if err != nil {
			continue // Skip malformed items
		}
		items = append(items, *dlItem)
	}

	sort.Slice(items, func(i, j int) bool {
		if items[i].Timestamp.Equal(items[j].Timestamp) {
			return items[i].ID < items[j].ID
		}
		return items[i].Timestamp.Before(items[j].Timestamp)
	})

	if maxItems > 0 && len(items) > maxItems {
		items = items[:maxItems]
	}
	return items, nil
}

// Get returns the entry with id
func (q *RedisDeadLetterQueue) Get(ctx context.Context, id string) (*DeadLetterItem, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}

	data, err := q.client.HGet(ctx, q.dlKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letter item: %w", err)
	}

	return decodeDeadLetter(data)
}

// Remove removes an item from the dead letter queue
func (q *RedisDeadLetterQueue) Remove(ctx context.Context, id string) error {
	if q.closed.Load() {
		return ErrQueueClosed
	}

	removed, err := q.client.HDel(ctx, q.dlKey, id).Result()
	if err != nil {
		return fmt.Errorf("failed to remove from dead letter queue: %w", err)
	}
	if removed == 0 {
		return ErrItemNotFound
	}
	return nil
}

// Close shuts down the dead letter queue
func (q *RedisDeadLetterQueue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	if q.ownsClient {
		return q.client.Close()
	}
	return nil
}

// decodeDeadLetter keeps event numbers as json.Number, like the queue does.
func decodeDeadLetter(data string) (*DeadLetterItem, error) {
	var raw struct {
		DeadLetterItem
		Event json.RawMessage `json:"event"`
	}
	if err := json.Unmarshal([]byte(data), &raw); err != nil {
		return nil, err
	}

	item := raw.DeadLetterItem
	item.Event = nil
	if len(raw.Event) > 0 && string(raw.Event) != "null" {
		evt, err := models.DecodeUsageEvent(raw.Event)
		if err != nil {
			return nil, err
		}
		item.Event = evt
	}
	return &item, nil
}
