package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"usage_sink/internal/config"
	"usage_sink/internal/ingest"
	"usage_sink/internal/metrics"
	"usage_sink/internal/queue"
	"usage_sink/internal/storage"
	"usage_sink/internal/usage"
	"usage_sink/internal/utils"
)

// HealthChecker is implemented by every persistence gateway
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Sink    *usage.Sink
	Worker  *ingest.Worker
	Health  HealthChecker
	Metrics metrics.Metrics

	// closers run in order on Shutdown, after the worker has drained
	closers []func() error
}

// NewRouter builds the gateway selected by cfg.Backend, the sink and the
// ingest worker, and returns a mux serving them.
func NewRouter(cfg *config.Config) (*http.ServeMux, *Dependencies, error) {
	deps, err := NewDependencies(context.Background(), cfg)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	registerRoutes(mux, deps)
	return mux, deps, nil
}

// NewDependencies wires storage, sink, queue and worker from cfg.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	deps := &Dependencies{}
	logger := utils.NewLogger("httpapi")

	promMetrics := metrics.NewPrometheus()
	deps.Metrics = promMetrics

	// Initialize persistence gateway
	var gateway usage.Gateway
	switch cfg.Backend {
	case config.BackendPostgres, config.BackendSQLite:
		db, err := storage.NewDB(dbConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		deps.closers = append(deps.closers, db.Close)

		if cfg.Database.AutoMigrate {
			if err := db.EnsureSchema(ctx); err != nil {
				deps.close()
				return nil, fmt.Errorf("failed to create schema: %w", err)
			}
			logger.Info("Database schema ensured", "dialect", db.Dialect())
		}

		relational := storage.NewRelationalGateway(db)
		gateway, deps.Health = relational, relational

	case config.BackendDynamoDB:
		dynamoCfg := storage.DynamoConfig{
			Table:           cfg.DynamoDB.Table,
			Region:          cfg.DynamoDB.Region,
			Endpoint:        cfg.DynamoDB.Endpoint,
			AccessKeyID:     cfg.DynamoDB.AccessKeyID,
			SecretAccessKey: cfg.DynamoDB.SecretAccessKey,
		}
		client, err := storage.NewDynamoClient(ctx, dynamoCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize DynamoDB client: %w", err)
		}
		dynamo, err := storage.NewDynamoGateway(client, dynamoCfg)
		if err != nil {
			return nil, err
		}

		if cfg.DynamoDB.CreateTable {
			if err := dynamo.EnsureTable(ctx); err != nil {
				return nil, fmt.Errorf("failed to create DynamoDB table: %w", err)
			}
			logger.Info("DynamoDB table ensured", "table", cfg.DynamoDB.Table)
		}

		gateway, deps.Health = dynamo, dynamo

	default:
		return nil, fmt.Errorf("unsupported backend %q", cfg.Backend)
	}

	deps.Sink = usage.NewSink(gateway,
		usage.WithBackendName(cfg.Backend),
		usage.WithMetrics(promMetrics),
	)

	// Initialize queue infrastructure
	queueCfg := queueConfig(cfg)
	var (
		usageQueue queue.Queue
		usageDLQ   queue.DeadLetterQueue
	)
	if queueCfg.UseRedis {
		client, err := queue.NewRedisClient(queueCfg)
		if err != nil {
			deps.close()
			return nil, fmt.Errorf("failed to initialize Redis: %w", err)
		}
		usageQueue = queue.NewRedisQueueWithClient(client, queueCfg)
		usageDLQ = queue.NewRedisDeadLetterQueueWithClient(client, queueCfg)
		deps.closers = append([]func() error{usageQueue.Close, usageDLQ.Close, client.Close}, deps.closers...)
	} else {
		usageQueue = queue.NewMemoryQueue(queueCfg)
		usageDLQ = queue.NewMemoryDeadLetterQueue()
		deps.closers = append([]func() error{usageQueue.Close, usageDLQ.Close}, deps.closers...)
	}

	deps.Worker = ingest.NewWorker(usageQueue, usageDLQ, deps.Sink, queueCfg, promMetrics)
	deps.Worker.Start(context.Background())

	return deps, nil
}

func dbConfig(cfg *config.Config) storage.DBConfig {
	dbCfg := storage.DefaultDBConfig()
	dbCfg.MaxOpenConns = cfg.Database.MaxOpenConns
	dbCfg.MaxIdleConns = cfg.Database.MaxIdleConns
	dbCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	dbCfg.ConnMaxIdleTime = cfg.Database.ConnMaxIdleTime

	if cfg.Backend == config.BackendSQLite {
		dbCfg.Dialect = storage.DialectSQLite
		dbCfg.SQLitePath = cfg.Database.SQLitePath
		return dbCfg
	}

	dbCfg.Dialect = storage.DialectPostgres
	dbCfg.DSN = cfg.Database.URL
	dbCfg.Host = cfg.Database.Host
	dbCfg.Port = cfg.Database.Port
	dbCfg.Database = cfg.Database.Name
	dbCfg.User = cfg.Database.User
	dbCfg.Password = cfg.Database.Password
	dbCfg.SSLMode = cfg.Database.SSLMode
	return dbCfg
}

func queueConfig(cfg *config.Config) *queue.Config {
	queueCfg := queue.DefaultConfig(cfg.Queue.Name)
	queueCfg.UseRedis = cfg.Queue.UseRedis
	queueCfg.BatchSize = cfg.Queue.BatchSize
	queueCfg.BatchTimeout = cfg.Queue.BatchTimeout
	queueCfg.MaxRetries = cfg.Queue.MaxRetries
	queueCfg.RetryBackoff = cfg.Queue.RetryBackoff
	queueCfg.RedisAddr = cfg.Queue.RedisAddress
	queueCfg.RedisPassword = cfg.Queue.RedisPassword
	queueCfg.RedisDB = cfg.Queue.RedisDB
	return queueCfg
}

// Shutdown drains the ingest worker, then releases queues and connections.
func (d *Dependencies) Shutdown(ctx context.Context) error {
	var errs []error
	if d.Worker != nil {
		done := make(chan error, 1)
		go func() { done <- d.Worker.Stop() }()
		select {
		case err := <-done:
			errs = append(errs, err)
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("worker drain: %w", ctx.Err()))
		}
	}
	errs = append(errs, d.close())
	return errors.Join(errs...)
}

func (d *Dependencies) close() error {
	var errs []error
	for _, c := range d.closers {
		errs = append(errs, c())
	}
	d.closers = nil
	return errors.Join(errs...)
}

func registerRoutes(mux *http.ServeMux, deps *Dependencies) {
	// Usage ingestion
	mux.HandleFunc("/v1/usage", deps.handleUsage)

	// Health check endpoint - probes the persistence backend
	mux.HandleFunc("/health", deps.handleHealth)

	// Metrics endpoint
	mux.Handle("/metrics", deps.Metrics.HTTPHandler())

	// Dead letter inspection and replay
	mux.HandleFunc("/admin/queue", deps.handleQueueStats)
	mux.HandleFunc("/admin/dead-letters", deps.handleDeadLetters)
	mux.HandleFunc("/admin/dead-letters/retry", deps.handleRetryDeadLetter)
}
