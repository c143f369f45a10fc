// Package engine owns the database connection and the transactional
// envelope compiled procedures run in. It supports sqlite for local and
// test use and mysql for serving; the execution layer above is
// dialect-neutral.
package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects the DDL flavor
type Dialect string

const (
	DialectSQLite Dialect = "sqlite3"
	DialectMySQL  Dialect = "mysql"
)

// Engine wraps an open database handle with transactional helpers
type Engine struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects using the named driver. The driver name doubles as the
// dialect.
func Open(driver, dsn string) (*Engine, error) {
	d := Dialect(driver)
	if d != DialectSQLite && d != DialectMySQL {
		return nil, fmt.Errorf("unsupported driver '%s'", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}
	if d == DialectMySQL {
		db.SetMaxOpenConns(50)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
	}
	return &Engine{db: db, dialect: d}, nil
}

// Wrap adopts an already open handle, for tests that manage their own DB
func Wrap(db *sql.DB, dialect Dialect) *Engine {
	return &Engine{db: db, dialect: dialect}
}

// DB exposes the underlying handle
func (e *Engine) DB() *sql.DB {
	return e.db
}

// Dialect returns the active SQL dialect
func (e *Engine) Dialect() Dialect {
	return e.dialect
}

// Close closes the underlying handle
func (e *Engine) Close() error {
	return e.db.Close()
}

// Ping verifies connectivity
func (e *Engine) Ping(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// WithTransaction runs fn inside a transaction. The transaction rolls
// back if fn returns an error or panics, and commits otherwise.
func (e *Engine) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed: %w (rollback error: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// WithRetry runs fn in a transaction, retrying on deadlock or lock wait
// timeout with exponential backoff. Other errors return immediately.
func (e *Engine) WithRetry(ctx context.Context, fn func(tx *sql.Tx) error, maxRetries int) error {
	if maxRetries < 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err := e.WithTransaction(ctx, fn)
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt < maxRetries-1 {
			backoff := time.Millisecond * time.Duration(100*(1<<uint(attempt)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("transaction failed after %d retries: %w", maxRetries, lastErr)
}

// isRetryable matches mysql deadlock (1213) and lock wait timeout (1205)
// by message, plus sqlite's busy error.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadlock") ||
		strings.Contains(msg, "lock wait timeout") ||
		strings.Contains(msg, "database is locked")
}

// IsContextTimeout reports whether an error came from the invocation
// deadline rather than the work itself.
func IsContextTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
