package ingest

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"usage_sink/internal/metrics"
	"usage_sink/internal/models"
	"usage_sink/internal/queue"
	"usage_sink/internal/storage"
	"usage_sink/internal/usage"
)

// scriptedRecorder fails the first failures calls with err, then succeeds.
type scriptedRecorder struct {
	mu       sync.Mutex
	err      error
	failures int
	calls    int
	recorded []map[string]any
}

func (r *scriptedRecorder) Record(_ context.Context, stats, metadata map[string]any) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return "", r.err
	}
	r.recorded = append(r.recorded, metadata)
	return fmt.Sprint(metadata["request_id"]), nil
}

func (r *scriptedRecorder) snapshot() (calls int, recorded int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls, len(r.recorded)
}

func eventFor(requestID string) *models.UsageEvent {
	return &models.UsageEvent{
		Stats:    map[string]any{"total_tokens": 1},
		Metadata: map[string]any{"request_id": requestID},
	}
}

func retryableErr() error {
	return &storage.PersistenceError{Backend: "test", Op: "put", Kind: storage.KindConnectivity, Err: errors.New("connection reset")}
}

func fatalErr() error {
	return &storage.PersistenceError{Backend: "test", Op: "put", Kind: storage.KindConstraint, Err: errors.New("check violated")}
}

func testConfig() *queue.Config {
	config := queue.DefaultConfig("usage-test")
	config.BatchSize = 10
	config.BatchTimeout = 20 * time.Millisecond
	config.MaxRetries = 3
	config.RetryBackoff = time.Millisecond
	return config
}

func newTestWorker(rec Recorder, m metrics.Metrics) (*Worker, *queue.MemoryQueue, *queue.MemoryDeadLetterQueue) {
	config := testConfig()
	q := queue.NewMemoryQueue(config)
	dlq := queue.NewMemoryDeadLetterQueue()
	return NewWorker(q, dlq, rec, config, m), q, dlq
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(retryableErr()))
	assert.False(t, IsRetryable(fatalErr()))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))

	// Wrapped by the sink.
	wrapped := &usage.SinkError{Stage: usage.StagePersist, RequestID: "r", Err: retryableErr()}
	assert.True(t, IsRetryable(wrapped))
}

func TestWorker_ProcessEventRetriesThenSucceeds(t *testing.T) {
	rec := &scriptedRecorder{err: retryableErr(), failures: 2}
	w, _, dlq := newTestWorker(rec, nil)

	err := w.processEvent(context.Background(), eventFor("req-1"))
	require.NoError(t, err)

	calls, recorded := rec.snapshot()
	assert.Equal(t, 3, calls)
	assert.Equal(t, 1, recorded)

	items, err := dlq.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestWorker_ProcessEventExhaustsRetries(t *testing.T) {
	m := metrics.NewPrometheus()
	rec := &scriptedRecorder{err: retryableErr(), failures: 100}
	w, _, dlq := newTestWorker(rec, m)

	err := w.processEvent(context.Background(), eventFor("req-2"))
	require.Error(t, err)
	assert.ErrorIs(t, err, queue.ErrMaxRetriesExceeded)

	calls, _ := rec.snapshot()
	assert.Equal(t, 4, calls, "one attempt plus MaxRetries")

	items, err := dlq.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 4, items[0].Attempts)
	assert.Equal(t, "req-2", items[0].Event.Metadata["request_id"])
	assert.Contains(t, items[0].Error, "max retries exceeded")

	out, err := testutil.GatherAndCount(m.Registry(), "usage_sink_ingest_dead_letters_total")
	require.NoError(t, err)
	assert.Equal(t, 1, out)
}

func TestWorker_ProcessEventNonRetryableGoesStraightToDLQ(t *testing.T) {
	rec := &scriptedRecorder{err: fatalErr(), failures: 100}
	w, _, dlq := newTestWorker(rec, nil)

	err := w.processEvent(context.Background(), eventFor("req-3"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, queue.ErrMaxRetriesExceeded)

	calls, _ := rec.snapshot()
	assert.Equal(t, 1, calls)

	items, err := dlq.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)
}

func TestWorker_RunProcessesQueue(t *testing.T) {
	rec := &scriptedRecorder{}
	w, _, _ := newTestWorker(rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	for i := 0; i < 25; i++ {
		require.NoError(t, w.Enqueue(ctx, map[string]any{"total_tokens": i}, map[string]any{"request_id": fmt.Sprintf("r-%d", i)}))
	}

	assert.Eventually(t, func() bool {
		_, recorded := rec.snapshot()
		return recorded == 25
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, w.Stop())
}

func TestWorker_StopDrainsBufferedEvents(t *testing.T) {
	rec := &scriptedRecorder{}
	w, q, _ := newTestWorker(rec, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Enqueue(ctx, nil, map[string]any{"request_id": fmt.Sprintf("d-%d", i)}))
	}

	// Closing the queue first leaves the buffered events for the drain.
	require.NoError(t, q.Close())
	w.Start(ctx)
	require.NoError(t, w.Stop())

	_, recorded := rec.snapshot()
	assert.Equal(t, 5, recorded)
}

func TestWorker_RetryDeadLetter(t *testing.T) {
	rec := &scriptedRecorder{err: fatalErr(), failures: 1}
	w, q, _ := newTestWorker(rec, nil)
	ctx := context.Background()

	require.Error(t, w.processEvent(ctx, eventFor("req-9")))

	items, err := w.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, w.RetryDeadLetter(ctx, items[0].ID))

	items, err = w.ListDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, items)

	length, err := w.GetQueueLength(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, length)

	batch, err := q.Dequeue(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, w.processEvent(ctx, batch[0]))

	_, recorded := rec.snapshot()
	assert.Equal(t, 1, recorded)

	assert.ErrorIs(t, w.RetryDeadLetter(ctx, "missing"), queue.ErrItemNotFound)
}

func TestWorker_WithoutDLQ(t *testing.T) {
	rec := &scriptedRecorder{err: fatalErr(), failures: 1}
	w := NewWorker(queue.NewMemoryQueue(nil), nil, rec, testConfig(), nil)

	assert.Error(t, w.processEvent(context.Background(), eventFor("x")))
	_, err := w.ListDeadLetters(context.Background(), 1)
	assert.Error(t, err)
}

func TestWorker_StopIsIdempotent(t *testing.T) {
	w, _, _ := newTestWorker(&scriptedRecorder{}, nil)

	// Never started: returns without waiting.
	require.NoError(t, w.Stop())
	require.NoError(t, w.Stop())

	started, _, _ := newTestWorker(&scriptedRecorder{}, nil)
	started.Start(context.Background())
	require.NoError(t, started.Stop())
	require.NoError(t, started.Stop())
}

// TestWorker_AmbiguousCommitWritesOneRequest retries an event without a
// request_id whose first write committed but reported a connection error.
func TestWorker_AmbiguousCommitWritesOneRequest(t *testing.T) {
	cfg := storage.DefaultDBConfig()
	cfg.Dialect = storage.DialectSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "usage.db")

	db, err := storage.NewDB(cfg)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.EnsureSchema(context.Background()))

	relational := storage.NewRelationalGateway(db)
	var (
		mu    sync.Mutex
		calls int
		ids   []string
	)
	gateway := usage.GatewayFunc(func(ctx context.Context, rec *models.Record) error {
		if err := relational.Write(ctx, rec); err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		calls++
		ids = append(ids, rec.Request.RequestID)
		if calls == 1 {
			return &storage.PersistenceError{Backend: "sqlite", Op: "commit", Kind: storage.KindConnectivity, Err: errors.New("connection reset")}
		}
		return nil
	})

	sink := usage.NewSink(gateway, usage.WithBackendName("sqlite"))
	w, _, dlq := newTestWorker(sink, nil)

	metadata := map[string]any{"user_id": "alice"}
	evt := &models.UsageEvent{Stats: map[string]any{"total_tokens": 5}, Metadata: metadata}
	require.NoError(t, w.processEvent(context.Background(), evt))

	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1], "retry reuses the first request id")

	var n int
	require.NoError(t, db.Conn().Get(&n, "SELECT COUNT(*) FROM requests"))
	assert.Equal(t, 1, n)

	_, hasID := metadata["request_id"]
	assert.False(t, hasID, "event metadata is not modified")

	items, err := dlq.List(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, items)
}

// TestWorker_EndToEndSQLite runs queue, worker, sink and the SQLite gateway together.
func TestWorker_EndToEndSQLite(t *testing.T) {
	cfg := storage.DefaultDBConfig()
	cfg.Dialect = storage.DialectSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "usage.db")

	db, err := storage.NewDB(cfg)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.EnsureSchema(context.Background()))

	sink := usage.NewSink(storage.NewRelationalGateway(db), usage.WithBackendName("sqlite"))
	w, _, dlq := newTestWorker(sink, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)

	require.NoError(t, w.Enqueue(ctx,
		map[string]any{"openai": map[string]any{"total_tokens": 50}, "anthropic": map[string]any{"total_tokens": 70}},
		map[string]any{"request_id": "e2e-1", "user_id": "alice"}))
	// Mixed payload: rejected, lands in the DLQ.
	require.NoError(t, w.Enqueue(ctx,
		map[string]any{"total_tokens": 1, "openai": map[string]any{}},
		map[string]any{"request_id": "e2e-2"}))

	assert.Eventually(t, func() bool {
		items, _ := dlq.List(ctx, 0)
		var n int
		_ = db.Conn().Get(&n, "SELECT COUNT(*) FROM requests")
		return len(items) == 1 && n == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, w.Stop())

	var total int64
	require.NoError(t, db.Conn().Get(&total, "SELECT total_tokens FROM requests WHERE request_id = 'e2e-1'"))
	assert.Equal(t, int64(120), total)
}
