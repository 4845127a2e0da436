// Package postgres implements the repository interfaces on PostgreSQL
// using sqlx. Reads go to the read pool, writes to the write pool; both
// may point at the same database.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	"github.com/sony/gobreaker"

	"github.com/taskmesh/taskmesh/pkg/observability"
	"github.com/taskmesh/taskmesh/pkg/repository/types"
)

// BaseRepositoryConfig tunes query behavior shared by all repositories
type BaseRepositoryConfig struct {
	QueryTimeout time.Duration
	MaxRetries   int
}

// DefaultBaseRepositoryConfig returns the production defaults
func DefaultBaseRepositoryConfig() BaseRepositoryConfig {
	return BaseRepositoryConfig{
		QueryTimeout: 30 * time.Second,
		MaxRetries:   3,
	}
}

// BaseRepository carries the shared plumbing: pools, observability, a
// circuit breaker, and retry policy for transient failures.
type BaseRepository struct {
	writeDB *sqlx.DB
	readDB  *sqlx.DB
	logger  observability.Logger
	tracer  observability.StartSpanFunc
	metrics observability.MetricsClient
	breaker *gobreaker.CircuitBreaker
	config  BaseRepositoryConfig
}

// NewBaseRepository wires the shared repository plumbing
func NewBaseRepository(
	name string,
	writeDB, readDB *sqlx.DB,
	logger observability.Logger,
	tracer observability.StartSpanFunc,
	metrics observability.MetricsClient,
	config BaseRepositoryConfig,
) *BaseRepository {
	if readDB == nil {
		readDB = writeDB
	}
	if tracer == nil {
		tracer = observability.NoopStartSpan
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	return &BaseRepository{
		writeDB: writeDB,
		readDB:  readDB,
		logger:  logger,
		tracer:  tracer,
		metrics: metrics,
		breaker: breaker,
		config:  config,
	}
}

// ExecuteWithRetry runs fn under the circuit breaker, retrying transient
// failures with exponential backoff. Non-retryable errors return
// immediately.
func (r *BaseRepository) ExecuteWithRetry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	timer := r.metrics.StartTimer("repository_query_duration", map[string]string{"operation": operation})
	defer timer()

	_, err := r.breaker.Execute(func() (interface{}, error) {
		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(r.config.MaxRetries)), ctx)
		return nil, backoff.Retry(func() error {
			qctx, cancel := context.WithTimeout(ctx, r.config.QueryTimeout)
			defer cancel()

			err := fn(qctx)
			if err == nil {
				return nil
			}
			if isRetryableError(err) {
				return err
			}
			return backoff.Permanent(err)
		}, policy)
	})
	if err != nil {
		r.metrics.IncrementCounterWithLabels("repository_errors", 1, map[string]string{
			"operation":  operation,
			"error_type": classifyError(err),
		})
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return types.ErrTransient.WithCause(err)
		}
	}
	return err
}

// InTx runs fn inside a transaction on the write pool, rolling back on
// error or panic.
func (r *BaseRepository) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := r.writeDB.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classifyAndWrap(err, "failed to begin transaction")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classifyAndWrap(err, "failed to commit transaction")
	}
	return nil
}

// isRetryableError reports whether a storage error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if err == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"53300", // too_many_connections
			"57P03": // cannot_connect_now
			return true
		}
		return false
	}
	// Driver-level failures (connection reset, bad conn) surface as plain
	// errors; treat them as retryable.
	return errors.Is(err, sql.ErrConnDone)
}

// classifyError maps an error to a metric label
func classifyError(err error) string {
	switch {
	case err == nil:
		return "none"
	case types.IsNotFound(err):
		return "not_found"
	case types.IsConflict(err):
		return "conflict"
	case errors.Is(err, types.ErrAlreadyExists):
		return "duplicate"
	case errors.Is(err, types.ErrConstraintViolation):
		return "integrity"
	case isRetryableError(err):
		return "transient"
	default:
		return "internal"
	}
}

// classifyAndWrap converts driver errors into the repository taxonomy
func classifyAndWrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return types.ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505": // unique_violation
			return types.ErrAlreadyExists.WithCause(err)
		case "23503", "23502", "23514": // fk, not-null, check
			return types.ErrConstraintViolation.WithCause(err)
		}
	}
	if isRetryableError(err) {
		return types.ErrTransient.WithCause(err)
	}
	return errors.Wrap(err, msg)
}
