// internal/storage/db.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // driver: pgx
	_ "modernc.org/sqlite"             // driver: sqlite
)

// Dialect names the SQL flavour behind a DB.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// ErrNilDB is returned by helpers that receive an unopened handle.
var ErrNilDB = errors.New("storage: DB is nil")

// DB is a thin wrapper around *sql.DB so we can hang helpers off it.
type DB struct {
	SQL     *sql.DB
	Dialect Dialect
}

// Querier is satisfied by both *sql.DB and *sql.Tx, so stores can run inside
// or outside a transaction with the same code.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Connect opens a database connection, tunes the pool, applies driver-specific
// pragmas (for SQLite), and verifies connectivity with PingContext.
//
// driver accepts the usual aliases: sqlite|sqlite3 and postgres|pg|pgx.
func Connect(ctx context.Context, driver, dsn string) (*DB, error) {
	if strings.TrimSpace(driver) == "" {
		return nil, errors.New("storage: driver is required")
	}
	dialect, drvName, err := resolveDriver(driver)
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		dsn = defaultDSN(dialect)
	}

	db, err := sql.Open(drvName, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	tunePool(dialect, db)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}

	if dialect == DialectSQLite {
		if err := applySQLitePragmas(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
	}

	return &DB{SQL: db, Dialect: dialect}, nil
}

// Close closes the underlying *sql.DB (safe to call multiple times).
func (d *DB) Close() error {
	if d == nil || d.SQL == nil {
		return nil
	}
	return d.SQL.Close()
}

// Ping checks connectivity using PingContext on the underlying DB.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.SQL == nil {
		return ErrNilDB
	}
	return d.SQL.PingContext(ctx)
}

// ForUpdate returns the row-locking suffix for SELECTs inside a transaction.
// SQLite serialises writers on its own and has no FOR UPDATE.
func (d *DB) ForUpdate() string {
	if d != nil && d.Dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

// WithTx starts a transaction, runs fn, and commits if fn returns nil.
// If fn returns an error, the transaction is rolled back and that error is returned.
// If commit fails, the commit error is returned.
//
// Typical usage:
//
//	err := storage.WithTx(ctx, db, nil, func(tx *sql.Tx) error {
//	    // use tx.ExecContext / tx.QueryContext ...
//	    return nil
//	})
func WithTx(ctx context.Context, d *DB, opts *sql.TxOptions, fn func(*sql.Tx) error) (err error) {
	if d == nil || d.SQL == nil {
		return ErrNilDB
	}
	tx, err := d.SQL.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		if e := tx.Commit(); e != nil {
			err = fmt.Errorf("storage: commit: %w", e)
		}
	}()
	err = fn(tx)
	return
}

// Millis converts t to the unix-millisecond integers stored in every table.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis is the inverse of Millis; 0 maps to the zero time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// tunePool sets conservative defaults per dialect.
func tunePool(dialect Dialect, db *sql.DB) {
	maxOpen := 20
	maxIdle := 10
	connLife := 45 * time.Minute
	idleLife := 15 * time.Minute

	if dialect == DialectSQLite {
		// SQLite (single writer): keep the pool tiny to avoid busy errors.
		maxOpen = 1
		maxIdle = 1
		connLife = 0
		idleLife = 0
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(connLife)
	db.SetConnMaxIdleTime(idleLife)
}

// applySQLitePragmas applies WAL and other reliability-focused pragmas.
func applySQLitePragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = WAL;",
		"PRAGMA synchronous = NORMAL;",
		"PRAGMA busy_timeout = 5000;",
		"PRAGMA temp_store = MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("storage: sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

// resolveDriver maps common aliases to a dialect and the registered database/sql driver name.
func resolveDriver(d string) (Dialect, string, error) {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, "sqlite", nil
	case "postgres", "postgresql", "pg", "pgsql", "pgx":
		return DialectPostgres, "pgx", nil
	default:
		return "", "", fmt.Errorf("storage: unsupported driver %q (expected postgres|sqlite)", d)
	}
}

func defaultDSN(dialect Dialect) string {
	if dialect == DialectPostgres {
		return "postgres://localhost:5432/mindengage_lti?sslmode=disable"
	}
	return "file:mindengage-lti.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)"
}
