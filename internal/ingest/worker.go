package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"usage_sink/internal/metrics"
	"usage_sink/internal/models"
	"usage_sink/internal/queue"
	"usage_sink/internal/utils"
)

// Recorder is what the worker feeds events into; *usage.Sink implements it.
type Recorder interface {
	Record(ctx context.Context, stats, metadata map[string]any) (string, error)
}

// pinnedRecorder is implemented by recorders that can repeat a report under
// the request id a previous attempt returned (*usage.Sink does).
type pinnedRecorder interface {
	RecordWithRequestID(ctx context.Context, requestID string, stats, metadata map[string]any) (string, error)
}

// retryable is implemented by errors that know whether a repeat may succeed
// (storage.PersistenceError).
type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether any error in err's chain asks to be retried.
func IsRetryable(err error) bool {
	var r retryable
	return errors.As(err, &r) && r.Retryable()
}

// Worker drains the usage queue into a Recorder
type Worker struct {
	queue    queue.Queue
	dlq      queue.DeadLetterQueue
	recorder Recorder
	config   *queue.Config
	metrics  metrics.Metrics
	logger   *utils.Logger

	// DrainTimeout bounds how long Stop keeps processing buffered events
	DrainTimeout time.Duration

	startOnce   sync.Once
	stopOnce    sync.Once
	started     atomic.Bool
	stopChan    chan struct{}
	stoppedChan chan struct{}
}

// NewWorker creates a new ingest worker
func NewWorker(q queue.Queue, dlq queue.DeadLetterQueue, recorder Recorder, config *queue.Config, m metrics.Metrics) *Worker {
	if config == nil {
		config = queue.DefaultConfig("usage")
	}
	if m == nil {
		m = metrics.NewNoopMetrics()
	}

	return &Worker{
		queue:        q,
		dlq:          dlq,
		recorder:     recorder,
		config:       config,
		metrics:      m,
		logger:       utils.NewLogger("ingest-worker").With("queue", config.QueueName),
		DrainTimeout: 10 * time.Second,
		stopChan:     make(chan struct{}),
		stoppedChan:  make(chan struct{}),
	}
}

// Start starts the worker goroutine
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.started.Store(true)
		go w.run(ctx)
	})
}

// Stop stops taking new batches, processes what is still buffered (up to
// DrainTimeout) and waits for the worker goroutine to exit. Stop is safe to
// call more than once, and returns at once for a worker never started.
func (w *Worker) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	if w.started.Load() {
		<-w.stoppedChan
	}
	return nil
}

// Enqueue wraps one usage report into an event and queues it
func (w *Worker) Enqueue(ctx context.Context, stats, metadata map[string]any) error {
	return w.queue.Enqueue(ctx, &models.UsageEvent{
		Stats:      stats,
		Metadata:   metadata,
		EnqueuedAt: time.Now().UTC(),
	})
}

// run is the main worker loop
func (w *Worker) run(ctx context.Context) {
	defer close(w.stoppedChan)

	for {
		select {
		case <-w.stopChan:
			w.logger.Info("Ingest worker stopping")
			w.drain(ctx)
			return
		case <-ctx.Done():
			w.logger.Info("Ingest worker context cancelled")
			return
		default:
			if err := w.processBatch(ctx); errors.Is(err, queue.ErrQueueClosed) {
				w.logger.Info("Queue closed, ingest worker exiting")
				return
			}
		}
	}
}

// drain processes events left in the queue after Stop
func (w *Worker) drain(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, w.DrainTimeout)
	defer cancel()

	for ctx.Err() == nil {
		items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, 10*time.Millisecond)
		if err != nil || len(items) == 0 {
			return
		}
		w.processItems(ctx, items)
	}
}

// processBatch pulls one batch and records every event in it
func (w *Worker) processBatch(ctx context.Context) error {
	// Dequeue events with timeout
	items, err := w.queue.DequeueWithTimeout(ctx, w.config.BatchSize, w.config.BatchTimeout)
	if err != nil {
		if errors.Is(err, queue.ErrQueueClosed) || ctx.Err() != nil {
			return err
		}
		w.logger.Error("Failed to dequeue usage events", "error", err)
		sleepCtx(ctx, time.Second) // Back off on error
		return err
	}

	if len(items) == 0 {
		return nil
	}

	w.logger.Debug("Processing usage batch", "count", len(items))
	w.processItems(ctx, items)
	return nil
}

func (w *Worker) processItems(ctx context.Context, items []*models.UsageEvent) {
	for _, evt := range items {
		if err := w.processEvent(ctx, evt); err != nil {
			w.logger.Error("Failed to process usage event", "error", err)
		}
	}
}

// processEvent records one event, retrying retryable failures with
// exponential backoff. Events that cannot be recorded go to the dead letter
// queue.
func (w *Worker) processEvent(ctx context.Context, evt *models.UsageEvent) error {
	var (
		lastErr   error
		attempts  int
		requestID string // pinned after the first attempt resolves one
	)

	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			backoff := w.config.RetryBackoff * time.Duration(1<<uint(attempt-1))
			w.logger.Debug("Retrying usage event", "attempt", attempt, "backoff", backoff)
			if err := sleepCtx(ctx, backoff); err != nil {
				lastErr = err
				break
			}
		}

		attempts++
		id, err := w.record(ctx, evt, requestID)
		if id != "" {
			requestID = id
		}
		if err == nil {
			w.logger.Debug("Usage event recorded", "request_id", requestID, "attempts", attempts)
			return nil
		}

		lastErr = err
		if !IsRetryable(err) {
			w.logger.Warn("Usage event rejected", "error", err)
			break
		}
		w.logger.Warn("Failed to record usage event", "attempt", attempt, "error", err)
	}

	if IsRetryable(lastErr) {
		lastErr = fmt.Errorf("%w: %w", queue.ErrMaxRetriesExceeded, lastErr)
	}

	w.deadLetter(ctx, evt, attempts, lastErr)
	return lastErr
}

// record sends one attempt to the recorder, reusing requestID when the
// recorder supports pinning it.
func (w *Worker) record(ctx context.Context, evt *models.UsageEvent, requestID string) (string, error) {
	if p, ok := w.recorder.(pinnedRecorder); ok && requestID != "" {
		return p.RecordWithRequestID(ctx, requestID, evt.Stats, evt.Metadata)
	}
	return w.recorder.Record(ctx, evt.Stats, evt.Metadata)
}

func (w *Worker) deadLetter(ctx context.Context, evt *models.UsageEvent, attempts int, cause error) {
	if w.dlq == nil {
		w.logger.Error("Dropping usage event, no dead letter queue configured", "error", cause)
		return
	}

	// The event must reach the DLQ even when ctx is what failed.
	dlqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := w.dlq.Add(dlqCtx, evt, attempts, cause); err != nil {
		w.logger.Error("Failed to add to dead letter queue", "error", err)
		return
	}

	w.metrics.IncDeadLetter(w.config.QueueName)
	w.logger.Warn("Usage event moved to DLQ", "attempts", attempts, "error", cause)
}

// GetQueueLength returns the current queue length
func (w *Worker) GetQueueLength(ctx context.Context) (int, error) {
	return w.queue.Length(ctx)
}

// ListDeadLetters returns up to maxItems dead letters, oldest first
func (w *Worker) ListDeadLetters(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error) {
	if w.dlq == nil {
		return nil, fmt.Errorf("dead letter queue not configured")
	}
	return w.dlq.List(ctx, maxItems)
}

// RetryDeadLetter moves a dead letter back onto the queue
func (w *Worker) RetryDeadLetter(ctx context.Context, id string) error {
	if w.dlq == nil {
		return fmt.Errorf("dead letter queue not configured")
	}

	item, err := w.dlq.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get dead letter item: %w", err)
	}

	// Re-enqueue the event
	if err := w.queue.Enqueue(ctx, item.Event); err != nil {
		return fmt.Errorf("failed to re-enqueue item: %w", err)
	}

	// Remove from DLQ
	if err := w.dlq.Remove(ctx, id); err != nil {
		return fmt.Errorf("failed to remove from DLQ: %w", err)
	}

	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
