package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver
	_ "modernc.org/sqlite"
)

// Dialect selects the relational engine behind a DB
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DB wraps the database connection and provides health checks
type DB struct {
	conn    *sqlx.DB
	dialect Dialect
}

// DBConfig holds database configuration
type DBConfig struct {
	Dialect Dialect

	// DSN, when set, is used verbatim and the connection fields are ignored
	DSN string

	// Connection settings (postgres)
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string

	// SQLitePath is the database file (sqlite)
	SQLitePath string

	// Pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// Query timeouts
	QueryTimeout time.Duration
}

// DefaultDBConfig returns default database configuration
func DefaultDBConfig() DBConfig {
	return DBConfig{
		Dialect:  DialectPostgres,
		Host:     "localhost",
		Port:     5432,
		Database: "postgres",
		User:     "postgres",
		Password: "",
		SSLMode:  "disable",

		SQLitePath: "usage.db",

		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,

		QueryTimeout: 5 * time.Second,
	}
}

// DataSourceName returns the driver connection string for cfg.
func (cfg DBConfig) DataSourceName() (string, error) {
	if cfg.DSN != "" {
		return cfg.DSN, nil
	}

	switch cfg.Dialect {
	case DialectPostgres, "":
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.User, cfg.Password),
			Host:   fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Path:   "/" + cfg.Database,
		}
		if cfg.Password == "" {
			u.User = url.User(cfg.User)
		}
		q := url.Values{}
		q.Set("sslmode", cfg.SSLMode)
		u.RawQuery = q.Encode()
		return u.String(), nil
	case DialectSQLite:
		if cfg.SQLitePath == "" {
			return "", fmt.Errorf("sqlite path cannot be empty")
		}
		return sqliteDSN(cfg.SQLitePath), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedDialect, cfg.Dialect)
	}
}

// sqliteDSN enables foreign keys (needed for cascades) and a busy timeout
// on every connection the pool opens.
func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return "file:" + strings.TrimPrefix(path, "file:") + sep +
		"_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// NewDB opens and verifies a connection pool for cfg.Dialect.
func NewDB(cfg DBConfig) (*DB, error) {
	if cfg.Dialect == "" {
		cfg.Dialect = DialectPostgres
	}

	dsn, err := cfg.DataSourceName()
	if err != nil {
		return nil, err
	}

	var conn *sqlx.DB
	switch cfg.Dialect {
	case DialectPostgres:
		conn, err = sqlx.Connect("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
	case DialectSQLite:
		raw, err := sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite database: %w", err)
		}
		// sqlx picks '?' bindvars from the driver name
		conn = sqlx.NewDb(raw, "sqlite3")
		if err := conn.Ping(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		// One writer at a time; SQLite serializes writes anyway and this
		// keeps concurrent transactions from failing with SQLITE_BUSY.
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDialect, cfg.Dialect)
	}

	// Configure connection pool
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	conn.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	return &DB{conn: conn, dialect: cfg.Dialect}, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// Dialect returns the engine this DB talks to
func (db *DB) Dialect() Dialect {
	return db.dialect
}

// Ping checks if the database is reachable
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Health returns the health status of the database
func (db *DB) Health(ctx context.Context) error {
	// Check connection
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	// Check if we can execute a simple query
	var result int
	err := db.conn.GetContext(ctx, &result, "SELECT 1")
	if err != nil {
		return fmt.Errorf("health check query failed: %w", err)
	}

	return nil
}

// DBStats mirrors sql.DBStats for logging and health output
type DBStats struct {
	MaxOpenConnections int
	OpenConnections    int
	InUse              int
	Idle               int
	WaitCount          int64
	WaitDuration       time.Duration
	MaxIdleClosed      int64
	MaxLifetimeClosed  int64
}

// GetStats returns current pool statistics
func (db *DB) GetStats() DBStats {
	stats := db.conn.Stats()

	return DBStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
		MaxIdleClosed:      stats.MaxIdleClosed,
		MaxLifetimeClosed:  stats.MaxLifetimeClosed,
	}
}

// BeginTx starts a new transaction
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sqlx.Tx, error) {
	return db.conn.BeginTxx(ctx, opts)
}

// Conn returns the underlying sqlx connection
// Use this for custom queries not covered by the gateway
func (db *DB) Conn() *sqlx.DB {
	return db.conn
}
