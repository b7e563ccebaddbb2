package queue

import "errors"

var (
	// ErrQueueClosed is returned when operating on a closed queue
	ErrQueueClosed = errors.New("queue is closed")

	// ErrItemNotFound is returned when a dead letter is not found
	ErrItemNotFound = errors.New("item not found")

	// ErrMaxRetriesExceeded is recorded when a retryable failure outlives its retries
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrNilEvent is returned when enqueuing a nil event
	ErrNilEvent = errors.New("usage event is nil")
)
