package queue

import (
	"context"
	"time"

	"usage_sink/internal/models"
)

// Package queue buffers usage events between the request path and the sink
// with two backends:
//
// 1. Memory Queue (in-memory, channel-based):
//    - No persistence, events lost on restart
//    - Zero external dependencies
//    - Good for single-process deployments and tests
//
// 2. Redis Queue (Redis List-based):
//    - Persistent across restarts
//    - Supports several ingest workers on one list
//
// Flow:
//
//	producer ──Enqueue──▶ queue:<name> ──Dequeue──▶ ingest worker ──▶ Sink.Record
//	                                                      │
//	                                                      │ (non-retryable / retries exhausted)
//	                                                      ▼
//	                                                  dlq:<name>

// Queue defines the interface for usage event queuing
type Queue interface {
	// Enqueue adds an event to the queue
	Enqueue(ctx context.Context, evt *models.UsageEvent) error

	// Dequeue retrieves events from the queue (up to maxItems)
	// Blocks until at least one event is available or context is cancelled
	Dequeue(ctx context.Context, maxItems int) ([]*models.UsageEvent, error)

	// DequeueWithTimeout retrieves events with a timeout
	// Returns events if available before timeout, empty slice otherwise
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]*models.UsageEvent, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close stops accepting events. Events already queued can still be dequeued
	// from the memory backend until it is empty.
	Close() error
}

// DeadLetterQueue defines the interface for events the worker gave up on
type DeadLetterQueue interface {
	// Add stores a failed event with the error that stopped it
	Add(ctx context.Context, evt *models.UsageEvent, attempts int, err error) error

	// List returns up to maxItems entries, oldest first (all when maxItems <= 0)
	List(ctx context.Context, maxItems int) ([]DeadLetterItem, error)

	// Get returns a single entry
	Get(ctx context.Context, id string) (*DeadLetterItem, error)

	// Remove deletes an entry
	Remove(ctx context.Context, id string) error

	// Close shuts down the dead letter queue
	Close() error
}

// DeadLetterItem represents an event in the dead letter queue
type DeadLetterItem struct {
	ID        string             `json:"id"`
	Event     *models.UsageEvent `json:"event"`
	Error     string             `json:"error"`
	Timestamp time.Time          `json:"timestamp"`
	Attempts  int                `json:"attempts"`
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of events to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait for the first event of a batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts for retryable failures
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// UseRedis indicates whether to use Redis or in-memory queue
	UseRedis bool

	// RedisAddr is the Redis server address (if UseRedis is true)
	RedisAddr string

	// RedisPassword is the Redis password (if UseRedis is true)
	RedisPassword string

	// RedisDB is the Redis database number (if UseRedis is true)
	RedisDB int

	// QueueName is the name/key for the queue
	QueueName string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(queueName string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		UseRedis:     false,
		QueueName:    queueName,
	}
}

// QueueKey is the Redis list holding pending events
func (c *Config) QueueKey() string {
	return "queue:" + c.QueueName
}

// DeadLetterKey is the Redis hash holding dead letters
func (c *Config) DeadLetterKey() string {
	return "dlq:" + c.QueueName
}
