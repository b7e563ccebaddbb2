package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrUnsupportedDialect is returned for an unknown relational dialect
	ErrUnsupportedDialect = errors.New("unsupported database dialect")

	// ErrMissingTable is returned when no DynamoDB table name is configured
	ErrMissingTable = errors.New("dynamodb table name is required")

	// ErrTableNotActive is returned by Health while the table is being created or updated
	ErrTableNotActive = errors.New("dynamodb table is not active")
)

// ErrorKind classifies a persistence failure for retry decisions.
type ErrorKind string

const (
	KindConnectivity ErrorKind = "connectivity"
	KindConstraint   ErrorKind = "constraint"
	KindConflict     ErrorKind = "conflict"
	KindUnknown      ErrorKind = "unknown"
)

// PersistenceError is returned by every gateway Write. The store's own
// error stays reachable through Unwrap.
type PersistenceError struct {
	Backend string
	Op      string
	Kind    ErrorKind
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Backend, e.Op, e.Kind, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Retryable reports whether repeating the whole write may succeed.
func (e *PersistenceError) Retryable() bool {
	return e.Kind == KindConnectivity || e.Kind == KindConflict
}

// IsRetryable reports whether err is a retryable PersistenceError.
func IsRetryable(err error) bool {
	var perr *PersistenceError
	return errors.As(err, &perr) && perr.Retryable()
}

func newPersistenceError(backend, op string, err error) *PersistenceError {
	return &PersistenceError{Backend: backend, Op: op, Kind: classify(err), Err: err}
}

func classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, context.DeadlineExceeded):
		return KindConnectivity
	case errors.Is(err, context.Canceled):
		return KindUnknown
	case errors.Is(err, driver.ErrBadConn):
		return KindConnectivity
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifyPostgres(pqErr)
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return classifySQLite(sqliteErr.Code())
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return classifyDynamo(apiErr.ErrorCode())
	}

	var sendErr *smithyhttp.RequestSendError
	if errors.As(err, &sendErr) {
		return KindConnectivity
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnectivity
	}

	return KindUnknown
}

func classifyPostgres(err *pq.Error) ErrorKind {
	switch err.Code.Class() {
	case "23": // integrity_constraint_violation
		return KindConstraint
	case "40": // serialization_failure, deadlock_detected
		return KindConflict
	case "08", "53", "57": // connection, insufficient resources, operator intervention
		return KindConnectivity
	}
	return KindUnknown
}

func classifySQLite(code int) ErrorKind {
	switch code & 0xff {
	case sqlite3.SQLITE_CONSTRAINT:
		return KindConstraint
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return KindConflict
	case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
		return KindConnectivity
	}
	return KindUnknown
}

func classifyDynamo(code string) ErrorKind {
	switch code {
	case "ConditionalCheckFailedException", "ValidationException", "ResourceNotFoundException",
		"ItemCollectionSizeLimitExceededException":
		return KindConstraint
	case "TransactionConflictException", "ProvisionedThroughputExceededException",
		"ThrottlingException", "RequestLimitExceeded":
		return KindConflict
	}
	if strings.HasPrefix(code, "InternalServer") || strings.HasPrefix(code, "ServiceUnavailable") {
		return KindConnectivity
	}
	return KindUnknown
}
