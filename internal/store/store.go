// Package store implements the Persistent Store: a transactional row store
// over six logical tables (state, map, mailmap, device, device_user,
// cache), described in spec.md §3 and §6.
//
// Each inbound request obtains its own Store handle (spec.md §5); handles
// are safe for concurrent use by multiple requests, since all cross-request
// ordering is delegated to the underlying database's transaction isolation.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

// Store is a handle onto the Persistent Store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (and, if needed, migrates) the Persistent Store at dsn. dsn is
// a modernc.org/sqlite data source name; use ":memory:" for tests.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dsn, err)
	}

	// WAL mode lets concurrent requests (e.g. a PING alongside a SYNC on the
	// same device) read and write without blocking each other's handle.
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: wal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: foreign_keys: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the underlying database handle. Called on request
// completion, per spec.md §5.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error or panic. SaveState and SetDeviceRWStatus run their
// statements through it, so a cancelled request aborts the transaction with
// no half-state exposed; the other store methods execute their statements
// directly on the handle, outside any explicit transaction.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit tx: %w", err)
	}
	return nil
}
