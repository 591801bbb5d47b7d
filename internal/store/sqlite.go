package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/hyperengineering/cadence/migrations/local"
	_ "modernc.org/sqlite"
)

// Store is the on-device record database. It embeds a Conn bound to the whole
// database; WithTx hands out a Conn bound to a transaction.
type Store struct {
	Conn
	db     *sql.DB
	path   string
	logger *slog.Logger
}

type options struct {
	version int64
	logger  *slog.Logger
}

// Option configures Open.
type Option func(*options)

// WithSchemaVersion migrates only up to version instead of the latest.
func WithSchemaVersion(version int64) Option {
	return func(o *options) { o.version = version }
}

// WithLogger sets the logger used for migration progress.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// Open opens (creating if needed) the store at path and applies pending
// migrations. Any failure is returned as *OpenError and leaves nothing open.
// Use ":memory:" for a private in-memory store.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	o := options{version: local.Latest, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	fail := func(err error) (*Store, error) {
		return nil, &OpenError{Path: path, Version: o.version, Err: err}
	}

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fail(fmt.Errorf("create database directory: %w", err))
			}
		}
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return fail(fmt.Errorf("open database: %w", err))
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fail(fmt.Errorf("ping database: %w", err))
	}

	if err := runMigrations(ctx, db, o.version, o.logger); err != nil {
		db.Close()
		return fail(err)
	}

	return &Store{Conn: Conn{q: db}, db: db, path: path, logger: o.logger}, nil
}

// dsn builds a modernc.org/sqlite DSN that applies the pragmas on every
// pooled connection and starts write transactions immediately.
func dsn(path string) string {
	const params = "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	if path == ":memory:" {
		return "file::memory:?_pragma=busy_timeout(5000)&_txlock=immediate"
	}
	return "file:" + path + "?" + params
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying database for migrations tooling and tests.
func (s *Store) DB() *sql.DB { return s.db }

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int64, error) {
	return schemaVersion(ctx, s.db)
}

// WithTx runs fn inside a transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*Conn) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(&Conn{q: tx}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("rollback failed", "component", "store", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
