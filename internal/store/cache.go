package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/airsync/syncstate/internal/syncerr"
)

// GetCache returns the raw cache blob for (device, user). ok is false when
// no row exists, in which case callers construct the zero-value schema
// (spec.md §3: "Absent row → zero-value cache").
func (s *Store) GetCache(ctx context.Context, device, user string) (data []byte, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT cache_data FROM cache WHERE cache_devid = ? AND cache_user = ?`, device, user)
	err = row.Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, syncerr.Wrap(syncerr.Storage, "get cache", err)
	}
	return data, true, nil
}

// SaveCache upserts the cache blob for (device, user). Per spec.md §4.4,
// the decision between INSERT and UPDATE is made with a COUNT(*) probe
// rather than an ON CONFLICT clause, matching the source's two-step upsert
// idiom.
func (s *Store) SaveCache(ctx context.Context, device, user string, data []byte) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache WHERE cache_devid = ? AND cache_user = ?`, device, user).Scan(&n); err != nil {
		return syncerr.Wrap(syncerr.Storage, "save cache: count", err)
	}

	var err error
	if n == 0 {
		_, err = s.db.ExecContext(ctx, `INSERT INTO cache (cache_devid, cache_user, cache_data) VALUES (?, ?, ?)`, device, user, data)
	} else {
		_, err = s.db.ExecContext(ctx, `UPDATE cache SET cache_data = ? WHERE cache_devid = ? AND cache_user = ?`, data, device, user)
	}
	if err != nil {
		return syncerr.Wrap(syncerr.Storage, "save cache: write", err)
	}
	return nil
}

// DeleteCache deletes cache rows matching the non-empty arguments: either,
// both, or neither of device/user may be supplied.
func (s *Store) DeleteCache(ctx context.Context, device, user string) error {
	query := `DELETE FROM cache WHERE 1=1`
	var args []interface{}
	if device != "" {
		query += ` AND cache_devid = ?`
		args = append(args, device)
	}
	if user != "" {
		query += ` AND cache_user = ?`
		args = append(args, user)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete cache", err)
	}
	return nil
}
