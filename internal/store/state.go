package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/airsync/syncstate/internal/syncerr"
)

// StateRecord is a raw row of the state table. The store package treats
// SyncData/SyncPending as opaque bytes; internal/snapshot owns their
// structure.
type StateRecord struct {
	SyncKey       string
	SyncData      []byte
	DeviceID      string
	FolderID      string
	User          string
	SyncMod       int64
	SyncPending   []byte
	SyncTimestamp int64
}

// SaveState persists rec with replace semantics keyed by sync_key: the
// canonical sequence is DELETE WHERE sync_key = ?; INSERT …, executed in one
// transaction, so a prior failed or retried attempt with the same sync_key
// is overwritten cleanly (spec.md §4.2). This makes Save(s); Save(s)
// idempotent.
func (s *Store) SaveState(ctx context.Context, rec StateRecord) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM state WHERE sync_key = ?`, rec.SyncKey); err != nil {
			return fmt.Errorf("delete prior state row: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO state (sync_key, sync_data, sync_devid, sync_folderid, sync_user, sync_mod, sync_pending, sync_timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.SyncKey, rec.SyncData, rec.DeviceID, rec.FolderID, rec.User, rec.SyncMod, rec.SyncPending, rec.SyncTimestamp)
		if err != nil {
			return fmt.Errorf("insert state row: %w", err)
		}
		return nil
	})
	if err != nil {
		return syncerr.Wrap(syncerr.Storage, "save state", err)
	}
	return nil
}

// LoadState looks up the state row for syncKey, optionally restricted to a
// specific folder (collection) id. ok is false when no row matches; callers
// translate that into StateGone (spec.md §4.2: "On miss, fails with
// StateGone").
func (s *Store) LoadState(ctx context.Context, syncKey, folderID string) (rec StateRecord, ok bool, err error) {
	query := `SELECT sync_key, sync_data, sync_devid, sync_folderid, sync_user, sync_mod, sync_pending, sync_timestamp
	          FROM state WHERE sync_key = ?`
	args := []interface{}{syncKey}
	if folderID != "" {
		query += ` AND sync_folderid = ?`
		args = append(args, folderID)
	}

	row := s.db.QueryRowContext(ctx, query, args...)
	err = row.Scan(&rec.SyncKey, &rec.SyncData, &rec.DeviceID, &rec.FolderID, &rec.User, &rec.SyncMod, &rec.SyncPending, &rec.SyncTimestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return StateRecord{}, false, nil
	}
	if err != nil {
		return StateRecord{}, false, syncerr.Wrap(syncerr.Storage, "load state", err)
	}
	return rec, true, nil
}

// ListState returns every state row for (device, folder, user), used by GC
// and by UpdateServerIdInState to find every generation of a series.
func (s *Store) ListState(ctx context.Context, device, folder, user string) ([]StateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_key, sync_data, sync_devid, sync_folderid, sync_user, sync_mod, sync_pending, sync_timestamp
		FROM state WHERE sync_devid = ? AND sync_folderid = ? AND sync_user = ?`,
		device, folder, user)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Storage, "list state", err)
	}
	defer rows.Close()

	var out []StateRecord
	for rows.Next() {
		var rec StateRecord
		if err := rows.Scan(&rec.SyncKey, &rec.SyncData, &rec.DeviceID, &rec.FolderID, &rec.User, &rec.SyncMod, &rec.SyncPending, &rec.SyncTimestamp); err != nil {
			return nil, syncerr.Wrap(syncerr.Storage, "scan state row", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListStateSeriesForDevice returns every state row belonging to device
// (across all folders/users), used by the State Manager's collision check
// (statemanager.Manager.GetNewSyncKey) to detect whether a freshly generated
// series is already in use on another folder, and by GC's per-user sweep.
func (s *Store) ListStateSeriesForDevice(ctx context.Context, device string) ([]StateRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sync_key, sync_data, sync_devid, sync_folderid, sync_user, sync_mod, sync_pending, sync_timestamp
		FROM state WHERE sync_devid = ?`, device)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Storage, "list state for device", err)
	}
	defer rows.Close()

	var out []StateRecord
	for rows.Next() {
		var rec StateRecord
		if err := rows.Scan(&rec.SyncKey, &rec.SyncData, &rec.DeviceID, &rec.FolderID, &rec.User, &rec.SyncMod, &rec.SyncPending, &rec.SyncTimestamp); err != nil {
			return nil, syncerr.Wrap(syncerr.Storage, "scan state row", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateSyncStamp performs a stamp-only refresh guarded by the old stamp in
// the WHERE clause, so two concurrent callers racing to refresh the same
// row produce exactly one success (spec.md §8 property 9). ok is false when
// the row's stamp had already moved (another caller won, or the row is
// gone).
func (s *Store) UpdateSyncStamp(ctx context.Context, syncKey string, oldMod, newMod int64, timestamp int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE state SET sync_mod = ?, sync_timestamp = ? WHERE sync_key = ? AND sync_mod = ?`,
		newMod, timestamp, syncKey, oldMod)
	if err != nil {
		return false, syncerr.Wrap(syncerr.Storage, "update sync stamp", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, syncerr.Wrap(syncerr.Storage, "update sync stamp rows affected", err)
	}
	return n == 1, nil
}

// ReplaceStateData overwrites just the sync_data blob of an existing row,
// used by UpdateServerIdInState after the caller has deserialized, mutated,
// and re-serialized the embedded snapshot.
func (s *Store) ReplaceStateData(ctx context.Context, syncKey string, data []byte) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE state SET sync_data = ? WHERE sync_key = ?`, data, syncKey); err != nil {
		return syncerr.Wrap(syncerr.Storage, "replace state data", err)
	}
	return nil
}

// DeleteStateByKey deletes the single row for an exact sync_key.
func (s *Store) DeleteStateByKey(ctx context.Context, syncKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE sync_key = ?`, syncKey); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete state by key", err)
	}
	return nil
}

// DeleteState deletes all state rows for (device, user[, folder]). folder
// may be empty to match any folder, matching RemoveState's {device,user}
// and {device,user,id} modes.
func (s *Store) DeleteState(ctx context.Context, device, user, folder string) error {
	query := `DELETE FROM state WHERE sync_devid = ? AND sync_user = ?`
	args := []interface{}{device, user}
	if folder != "" {
		query += ` AND sync_folderid = ?`
		args = append(args, folder)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete state", err)
	}
	return nil
}

// DeleteStateForDevice deletes all state rows for a device regardless of
// user, used by the {device} and {device} (escalated from {device,user})
// forms of RemoveState.
func (s *Store) DeleteStateForDevice(ctx context.Context, device string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE sync_devid = ?`, device); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete state for device", err)
	}
	return nil
}

// DeleteStateForUser deletes all state rows for a user regardless of
// device, used by the {user} form of RemoveState.
func (s *Store) DeleteStateForUser(ctx context.Context, user string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE sync_user = ?`, user); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete state for user", err)
	}
	return nil
}

// LastSyncTimestamp returns the most recent sync_timestamp recorded across
// every state row for (device, user). ok is false when the device/user pair
// has no state rows at all.
func (s *Store) LastSyncTimestamp(ctx context.Context, device, user string) (ts int64, ok bool, err error) {
	var max sql.NullInt64
	row := s.db.QueryRowContext(ctx, `
		SELECT MAX(sync_timestamp) FROM state WHERE sync_devid = ? AND sync_user = ?`, device, user)
	if err := row.Scan(&max); err != nil {
		return 0, false, syncerr.Wrap(syncerr.Storage, "last sync timestamp", err)
	}
	if !max.Valid {
		return 0, false, nil
	}
	return max.Int64, true, nil
}
