package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"usage_sink/internal/models"
)

// MemoryQueue implements Queue using a buffered channel
type MemoryQueue struct {
	items  chan *models.UsageEvent
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	config *Config
}

// NewMemoryQueue creates a new in-memory queue
func NewMemoryQueue(config *Config) *MemoryQueue {
	if config == nil {
		config = DefaultConfig("memory")
	}

	return &MemoryQueue{
		items:  make(chan *models.UsageEvent, config.BatchSize*10), // Buffer for 10 batches
		done:   make(chan struct{}),
		config: config,
	}
}

// Enqueue adds an event to the queue
func (q *MemoryQueue) Enqueue(ctx context.Context, evt *models.UsageEvent) error {
	if evt == nil {
		return ErrNilEvent
	}

	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.items <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue retrieves events from the queue
func (q *MemoryQueue) Dequeue(ctx context.Context, maxItems int) ([]*models.UsageEvent, error) {
	// Block until we get at least one event
	var first *models.UsageEvent
	select {
	case first = <-q.items:
	case <-q.done:
		return q.drainOne(maxItems)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return q.fill(first, maxItems), nil
}

// DequeueWithTimeout retrieves events with a timeout
func (q *MemoryQueue) DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]*models.UsageEvent, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Try to get first event with timeout
	var first *models.UsageEvent
	select {
	case first = <-q.items:
	case <-q.done:
		return q.drainOne(maxItems)
	case <-timer.C:
		return []*models.UsageEvent{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return q.fill(first, maxItems), nil
}

// drainOne hands out what is left after Close and reports ErrQueueClosed
// once the buffer is empty.
func (q *MemoryQueue) drainOne(maxItems int) ([]*models.UsageEvent, error) {
	select {
	case first := <-q.items:
		return q.fill(first, maxItems), nil
	default:
		return nil, ErrQueueClosed
	}
}

// fill adds more events without blocking
func (q *MemoryQueue) fill(first *models.UsageEvent, maxItems int) []*models.UsageEvent {
	items := []*models.UsageEvent{first}
	for len(items) < maxItems {
		select {
		case evt := <-q.items:
			items = append(items, evt)
		default:
			return items
		}
	}
	return items
}

// Length returns the number of buffered events
func (q *MemoryQueue) Length(ctx context.Context) (int, error) {
	return len(q.items), nil
}

// Close stops accepting events
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}

	q.closed = true
	close(q.done)
	return nil
}

// MemoryDeadLetterQueue implements DeadLetterQueue using in-memory storage
type MemoryDeadLetterQueue struct {
	items  []DeadLetterItem
	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

// NewMemoryDeadLetterQueue creates a new in-memory dead letter queue
func NewMemoryDeadLetterQueue() *MemoryDeadLetterQueue {
	return &MemoryDeadLetterQueue{
		items: make([]DeadLetterItem, 0),
		now:   time.Now,
	}
}

// Add adds a failed event to the dead letter queue
func (q *MemoryDeadLetterQueue) Add(ctx context.Context, evt *models.UsageEvent, attempts int, err error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	q.items = append(q.items, newDeadLetterItem(evt, attempts, err, q.now()))
	return nil
}

// List retrieves items from the dead letter queue in insertion order
func (q *MemoryDeadLetterQueue) List(ctx context.Context, maxItems int) ([]DeadLetterItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	if maxItems <= 0 || maxItems > len(q.items) {
		maxItems = len(q.items)
	}

	result := make([]DeadLetterItem, maxItems)
	copy(result, q.items[:maxItems])
	return result, nil
}

// Get returns the entry with id
func (q *MemoryDeadLetterQueue) Get(ctx context.Context, id string) (*DeadLetterItem, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	for i := range q.items {
		if q.items[i].ID == id {
			item := q.items[i]
			return &item, nil
		}
	}
	return nil, ErrItemNotFound
}

// Remove removes an item from the dead letter queue
func (q *MemoryDeadLetterQueue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	for i, item := range q.items {
		if item.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return nil
		}
	}

	return ErrItemNotFound
}

// Close shuts down the dead letter queue
func (q *MemoryDeadLetterQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.items = nil
	return nil
}

func newDeadLetterItem(evt *models.UsageEvent, attempts int, err error, now time.Time) DeadLetterItem {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return DeadLetterItem{
		ID:        uuid.NewString(),
		Event:     evt,
		Error:     msg,
		Timestamp: now.UTC(),
		Attempts:  attempts,
	}
}
