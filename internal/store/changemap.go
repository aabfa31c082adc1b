package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/airsync/syncstate/internal/syncerr"
)

// MapRecord is a row of the generic change map: one append-only entry per
// client-originated change, for non-email classes (spec.md §3, §4.3).
type MapRecord struct {
	UID      string
	ModTime  int64
	SyncKey  string
	Device   string
	User     string
	Folder   string
	ClientID string
	Deleted  bool
}

// MailMapRecord is a row of the email-specific change map: flag columns are
// nullable, only the one matching the incoming change is set.
type MailMapRecord struct {
	UID      string
	SyncKey  string
	Device   string
	User     string
	Folder   string
	Read     *bool
	Flagged  *bool
	Deleted  *bool
	Changed  *bool
	Category *string
	Draft    *bool
}

// InsertMap appends one row to the generic change map.
func (s *Store) InsertMap(ctx context.Context, rec MapRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO map (message_uid, sync_modtime, sync_key, sync_devid, sync_folderid, sync_user, sync_clientid, sync_deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UID, rec.ModTime, rec.SyncKey, rec.Device, rec.Folder, rec.User, nullableString(rec.ClientID), boolToInt(rec.Deleted))
	if err != nil {
		return syncerr.Wrap(syncerr.Storage, "insert map row", err)
	}
	return nil
}

// InsertMailMap appends one row to the email change map.
func (s *Store) InsertMailMap(ctx context.Context, rec MailMapRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mailmap (message_uid, sync_key, sync_devid, sync_folderid, sync_user, sync_read, sync_flagged, sync_deleted, sync_changed, sync_category, sync_draft)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.UID, rec.SyncKey, rec.Device, rec.Folder, rec.User,
		nullableBool(rec.Read), nullableBool(rec.Flagged), nullableBool(rec.Deleted), nullableBool(rec.Changed),
		nullableStringPtr(rec.Category), nullableBool(rec.Draft))
	if err != nil {
		return syncerr.Wrap(syncerr.Storage, "insert mailmap row", err)
	}
	return nil
}

// FindMapByClientID returns the uid previously recorded for an Add tagged
// with clientID within (device, user, folder), if any. Backs
// IsDuplicatePIMAddition (spec.md §4.3, §8 property 6).
func (s *Store) FindMapByClientID(ctx context.Context, device, user, folder, clientID string) (uid string, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_uid FROM map
		WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ? AND sync_clientid = ?
		ORDER BY sync_modtime DESC LIMIT 1`,
		device, user, folder, clientID)
	err = row.Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, syncerr.Wrap(syncerr.Storage, "find map by clientid", err)
	}
	return uid, true, nil
}

// ExistsMapForUIDAndKey reports whether uid already has a map row under
// syncKey, for (device, user, folder). Backs IsDuplicateChange.
func (s *Store) ExistsMapForUIDAndKey(ctx context.Context, device, user, folder, uid, syncKey string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM map
		WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ? AND message_uid = ? AND sync_key = ?`,
		device, user, folder, uid, syncKey).Scan(&n)
	if err != nil {
		return false, syncerr.Wrap(syncerr.Storage, "exists map for uid and key", err)
	}
	return n > 0, nil
}

// ListMapForKeys returns every map row for (device, user, folder) whose
// sync_key is one of keys (typically the current and immediately preceding
// generation), for loop suppression.
func (s *Store) ListMapForKeys(ctx context.Context, device, user, folder string, keys []string) ([]MapRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := []interface{}{device, user, folder}
	for _, k := range keys {
		args = append(args, k)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_uid, sync_modtime, sync_key, sync_devid, sync_folderid, sync_user, sync_clientid, sync_deleted
		FROM map WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ? AND sync_key IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Storage, "list map for keys", err)
	}
	defer rows.Close()

	var out []MapRecord
	for rows.Next() {
		var rec MapRecord
		var clientID sql.NullString
		var deleted int
		if err := rows.Scan(&rec.UID, &rec.ModTime, &rec.SyncKey, &rec.Device, &rec.Folder, &rec.User, &clientID, &deleted); err != nil {
			return nil, syncerr.Wrap(syncerr.Storage, "scan map row", err)
		}
		rec.ClientID = clientID.String
		rec.Deleted = deleted != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListMailMapForKeys is the mailmap analogue of ListMapForKeys.
func (s *Store) ListMailMapForKeys(ctx context.Context, device, user, folder string, keys []string) ([]MailMapRecord, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := []interface{}{device, user, folder}
	for _, k := range keys {
		args = append(args, k)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_uid, sync_key, sync_devid, sync_folderid, sync_user, sync_read, sync_flagged, sync_deleted, sync_changed, sync_category, sync_draft
		FROM mailmap WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ? AND sync_key IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Storage, "list mailmap for keys", err)
	}
	defer rows.Close()

	var out []MailMapRecord
	for rows.Next() {
		var rec MailMapRecord
		var read, flagged, deleted, changed, draft sql.NullBool
		var category sql.NullString
		if err := rows.Scan(&rec.UID, &rec.SyncKey, &rec.Device, &rec.Folder, &rec.User, &read, &flagged, &deleted, &changed, &category, &draft); err != nil {
			return nil, syncerr.Wrap(syncerr.Storage, "scan mailmap row", err)
		}
		rec.Read = nullBoolPtr(read)
		rec.Flagged = nullBoolPtr(flagged)
		rec.Deleted = nullBoolPtr(deleted)
		rec.Changed = nullBoolPtr(changed)
		rec.Draft = nullBoolPtr(draft)
		if category.Valid {
			c := category.String
			rec.Category = &c
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// HasAnyMap is a cheap existence probe for (device, user, folder), backing
// HasPIMChanges's non-email fast path.
func (s *Store) HasAnyMap(ctx context.Context, device, user, folder string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM map WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ? LIMIT 1`,
		device, user, folder).Scan(&n)
	if err != nil {
		return false, syncerr.Wrap(syncerr.Storage, "has any map", err)
	}
	return n > 0, nil
}

// ListMapKeysForDeviceUser returns the distinct (folder, sync_key) pairs
// present in map for (device, user); used by GC to find stale generations.
func (s *Store) ListMapKeysForDeviceUser(ctx context.Context, device, user string) ([]FolderKey, error) {
	return listDistinctKeys(ctx, s.db, "map", device, user)
}

// ListMailMapKeysForDeviceUser is the mailmap analogue.
func (s *Store) ListMailMapKeysForDeviceUser(ctx context.Context, device, user string) ([]FolderKey, error) {
	return listDistinctKeys(ctx, s.db, "mailmap", device, user)
}

// FolderKey pairs a folder id with a sync key string, for GC bookkeeping.
type FolderKey struct {
	Folder  string
	SyncKey string
}

func listDistinctKeys(ctx context.Context, db *sql.DB, table, device, user string) ([]FolderKey, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT sync_folderid, sync_key FROM `+table+` WHERE sync_devid = ? AND sync_user = ?`, device, user)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Storage, "list distinct keys from "+table, err)
	}
	defer rows.Close()

	var out []FolderKey
	for rows.Next() {
		var fk FolderKey
		if err := rows.Scan(&fk.Folder, &fk.SyncKey); err != nil {
			return nil, syncerr.Wrap(syncerr.Storage, "scan distinct key from "+table, err)
		}
		out = append(out, fk)
	}
	return out, rows.Err()
}

// DeleteMapBySyncKey deletes every map row with the given sync_key, for a
// given folder (GC deletes generation-by-generation, per folder).
func (s *Store) DeleteMapBySyncKey(ctx context.Context, device, user, folder, syncKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM map WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ? AND sync_key = ?`, device, user, folder, syncKey); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete map by sync key", err)
	}
	return nil
}

// DeleteMailMapBySyncKey is the mailmap analogue.
func (s *Store) DeleteMailMapBySyncKey(ctx context.Context, device, user, folder, syncKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mailmap WHERE sync_devid = ? AND sync_user = ? AND sync_folderid = ? AND sync_key = ?`, device, user, folder, syncKey); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete mailmap by sync key", err)
	}
	return nil
}

// DeleteMapBySyncKeyOnly deletes every map row with the given sync_key, with
// no device/user/folder scoping. A sync key is unique to a single series on
// a single device/folder by construction, so this is safe for RemoveState's
// bare {synckey} mode, which has no other context to scope by (spec.md
// §4.5).
func (s *Store) DeleteMapBySyncKeyOnly(ctx context.Context, syncKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM map WHERE sync_key = ?`, syncKey); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete map by sync key only", err)
	}
	return nil
}

// DeleteMailMapBySyncKeyOnly is the mailmap analogue of
// DeleteMapBySyncKeyOnly.
func (s *Store) DeleteMailMapBySyncKeyOnly(ctx context.Context, syncKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mailmap WHERE sync_key = ?`, syncKey); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete mailmap by sync key only", err)
	}
	return nil
}

// DeleteMap deletes all map rows for (device, user[, folder]).
func (s *Store) DeleteMap(ctx context.Context, device, user, folder string) error {
	query := `DELETE FROM map WHERE sync_devid = ? AND sync_user = ?`
	args := []interface{}{device, user}
	if folder != "" {
		query += ` AND sync_folderid = ?`
		args = append(args, folder)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete map", err)
	}
	return nil
}

// DeleteMailMap is the mailmap analogue of DeleteMap.
func (s *Store) DeleteMailMap(ctx context.Context, device, user, folder string) error {
	query := `DELETE FROM mailmap WHERE sync_devid = ? AND sync_user = ?`
	args := []interface{}{device, user}
	if folder != "" {
		query += ` AND sync_folderid = ?`
		args = append(args, folder)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete mailmap", err)
	}
	return nil
}

// DeleteMapForDevice / DeleteMailMapForDevice delete all rows for a device
// regardless of user ({device} form of RemoveState).
func (s *Store) DeleteMapForDevice(ctx context.Context, device string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM map WHERE sync_devid = ?`, device); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete map for device", err)
	}
	return nil
}

func (s *Store) DeleteMailMapForDevice(ctx context.Context, device string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mailmap WHERE sync_devid = ?`, device); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete mailmap for device", err)
	}
	return nil
}

// DeleteMapForUser / DeleteMailMapForUser delete all rows for a user
// regardless of device ({user} form of RemoveState).
func (s *Store) DeleteMapForUser(ctx context.Context, user string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM map WHERE sync_user = ?`, user); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete map for user", err)
	}
	return nil
}

func (s *Store) DeleteMailMapForUser(ctx context.Context, user string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM mailmap WHERE sync_user = ?`, user); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete mailmap for user", err)
	}
	return nil
}

func nullableString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBool(v *bool) interface{} {
	if v == nil {
		return nil
	}
	return boolToInt(*v)
}

func nullBoolPtr(v sql.NullBool) *bool {
	if !v.Valid {
		return nil
	}
	b := v.Bool
	return &b
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
