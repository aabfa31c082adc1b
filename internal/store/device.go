package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/airsync/syncstate/internal/syncerr"
)

// Remote-wipe lifecycle states (spec.md §3).
const (
	RWStatusNA      = "NA"
	RWStatusOK      = "OK"
	RWStatusPending = "PENDING"
	RWStatusWiped   = "WIPED"
)

// DeviceRecord is a row of the device table.
type DeviceRecord struct {
	DeviceID   string
	Type       string
	UserAgent  string
	RWStatus   string
	Supported  []byte
	Properties []byte
}

// DeviceUserRecord is a row of the device_user table.
type DeviceUserRecord struct {
	DeviceID  string
	User      string
	PolicyKey int64
}

// DeviceWithUser joins a device row with one of its device_user rows, the
// shape ListDevices returns.
type DeviceWithUser struct {
	Device    DeviceRecord
	User      string
	PolicyKey int64
}

// GetDevice returns the device row for id. ok is false when unknown.
func (s *Store) GetDevice(ctx context.Context, id string) (rec DeviceRecord, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT device_id, device_type, device_agent, device_rwstatus, device_supported, device_properties
		FROM device WHERE device_id = ?`, id)
	err = row.Scan(&rec.DeviceID, &rec.Type, &rec.UserAgent, &rec.RWStatus, &rec.Supported, &rec.Properties)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceRecord{}, false, nil
	}
	if err != nil {
		return DeviceRecord{}, false, syncerr.Wrap(syncerr.Storage, "get device", err)
	}
	return rec, true, nil
}

// DeviceExists returns the number of device rows with this id: 0 means
// unknown, >=1 means known. id is a primary key so the count is 0 or 1, but
// the signature matches spec.md §4.5's "count" contract.
func (s *Store) DeviceExists(ctx context.Context, id string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM device WHERE device_id = ?`, id).Scan(&n); err != nil {
		return 0, syncerr.Wrap(syncerr.Storage, "device exists", err)
	}
	return n, nil
}

// SetDevice inserts rec if absent; otherwise updates user_agent and
// properties unconditionally, and supported only when rec.Supported is
// nonempty — supported is immutable once set (spec.md §4.5).
func (s *Store) SetDevice(ctx context.Context, rec DeviceRecord) error {
	existing, ok, err := s.GetDevice(ctx, rec.DeviceID)
	if err != nil {
		return err
	}
	if !ok {
		if rec.RWStatus == "" {
			rec.RWStatus = RWStatusNA
		}
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO device (device_id, device_type, device_agent, device_rwstatus, device_supported, device_properties)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rec.DeviceID, rec.Type, rec.UserAgent, rec.RWStatus, rec.Supported, rec.Properties)
		if err != nil {
			return syncerr.Wrap(syncerr.Storage, "insert device", err)
		}
		return nil
	}

	supported := existing.Supported
	if len(rec.Supported) > 0 && len(existing.Supported) == 0 {
		supported = rec.Supported
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE device SET device_agent = ?, device_properties = ?, device_supported = ?, device_type = ?
		WHERE device_id = ?`,
		rec.UserAgent, rec.Properties, supported, coalesce(rec.Type, existing.Type), rec.DeviceID); err != nil {
		return syncerr.Wrap(syncerr.Storage, "update device", err)
	}
	return nil
}

func coalesce(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}

// SetDeviceRWStatus updates the device's remote-wipe status. If the new
// status is PENDING, every policy key for this device is zeroed so the next
// request from any user on the device is forced through Provision (spec.md
// §4.5, §8 scenario S5).
func (s *Store) SetDeviceRWStatus(ctx context.Context, device, status string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE device SET device_rwstatus = ? WHERE device_id = ?`, status, device); err != nil {
			return fmt.Errorf("update rwstatus: %w", err)
		}
		if status == RWStatusPending {
			if _, err := tx.ExecContext(ctx, `UPDATE device_user SET device_policykey = 0 WHERE device_id = ?`, device); err != nil {
				return fmt.Errorf("zero policy keys: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return syncerr.Wrap(syncerr.Storage, "set device rwstatus", err)
	}
	return nil
}

// GetDeviceUser returns the device_user row for (device, user).
func (s *Store) GetDeviceUser(ctx context.Context, device, user string) (rec DeviceUserRecord, ok bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT device_id, device_user, device_policykey FROM device_user WHERE device_id = ? AND device_user = ?`, device, user)
	err = row.Scan(&rec.DeviceID, &rec.User, &rec.PolicyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceUserRecord{}, false, nil
	}
	if err != nil {
		return DeviceUserRecord{}, false, syncerr.Wrap(syncerr.Storage, "get device_user", err)
	}
	return rec, true, nil
}

// EnsureDeviceUser inserts a (device, user) pairing with policykey 0 if
// absent; a no-op if it already exists.
func (s *Store) EnsureDeviceUser(ctx context.Context, device, user string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_user (device_id, device_user, device_policykey)
		SELECT ?, ?, 0 WHERE NOT EXISTS (SELECT 1 FROM device_user WHERE device_id = ? AND device_user = ?)`,
		device, user, device, user)
	if err != nil {
		return syncerr.Wrap(syncerr.Storage, "ensure device_user", err)
	}
	return nil
}

// SetPolicyKey updates the policy key for (device, user), inserting the
// pairing first if it doesn't exist yet.
func (s *Store) SetPolicyKey(ctx context.Context, device, user string, key int64) error {
	if err := s.EnsureDeviceUser(ctx, device, user); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE device_user SET device_policykey = ? WHERE device_id = ? AND device_user = ?`, key, device, user); err != nil {
		return syncerr.Wrap(syncerr.Storage, "set policy key", err)
	}
	return nil
}

// ResetAllPolicyKeys zeroes every device_user.policykey, forcing a global
// reprovision.
func (s *Store) ResetAllPolicyKeys(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE device_user SET device_policykey = 0`); err != nil {
		return syncerr.Wrap(syncerr.Storage, "reset all policy keys", err)
	}
	return nil
}

// allowedListFilterFields is the closed set of device fields ListDevices may
// filter on, per spec.md §4.5.
var allowedListFilterFields = map[string]string{
	"type":       "device_type",
	"user_agent": "device_agent",
	"rwstatus":   "device_rwstatus",
}

// ListDevices returns device+device_user rows matching an optional user and
// optional LIKE filters on the allowed field set. Unknown filter keys are
// ignored rather than erroring, since they come from an operator-facing
// listing command, not a protocol request.
func (s *Store) ListDevices(ctx context.Context, user string, filters map[string]string) ([]DeviceWithUser, error) {
	query := `
		SELECT d.device_id, d.device_type, d.device_agent, d.device_rwstatus, d.device_supported, d.device_properties,
		       du.device_user, du.device_policykey
		FROM device d JOIN device_user du ON du.device_id = d.device_id WHERE 1=1`
	var args []interface{}
	if user != "" {
		query += ` AND du.device_user = ?`
		args = append(args, user)
	}
	for key, val := range filters {
		col, ok := allowedListFilterFields[key]
		if !ok || val == "" {
			continue
		}
		query += fmt.Sprintf(` AND %s LIKE ?`, col)
		args = append(args, val)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Storage, "list devices", err)
	}
	defer rows.Close()

	var out []DeviceWithUser
	for rows.Next() {
		var dw DeviceWithUser
		if err := rows.Scan(&dw.Device.DeviceID, &dw.Device.Type, &dw.Device.UserAgent, &dw.Device.RWStatus,
			&dw.Device.Supported, &dw.Device.Properties, &dw.User, &dw.PolicyKey); err != nil {
			return nil, syncerr.Wrap(syncerr.Storage, "scan device row", err)
		}
		out = append(out, dw)
	}
	return out, rows.Err()
}

// DeleteDevice removes a device row outright.
func (s *Store) DeleteDevice(ctx context.Context, device string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device WHERE device_id = ?`, device); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete device", err)
	}
	return nil
}

// DeleteDeviceUser removes the (device, user) pairing, used by the
// {device,user} form of RemoveState.
func (s *Store) DeleteDeviceUser(ctx context.Context, device, user string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_user WHERE device_id = ? AND device_user = ?`, device, user); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete device_user", err)
	}
	return nil
}

// DeleteDeviceUserForDevice removes every device_user row for a device.
func (s *Store) DeleteDeviceUserForDevice(ctx context.Context, device string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_user WHERE device_id = ?`, device); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete device_user for device", err)
	}
	return nil
}

// DeleteDeviceUserForUser removes every device_user row for a user.
func (s *Store) DeleteDeviceUserForUser(ctx context.Context, user string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM device_user WHERE device_user = ?`, user); err != nil {
		return syncerr.Wrap(syncerr.Storage, "delete device_user for user", err)
	}
	return nil
}

// CountDeviceUsersForDevice reports how many device_user rows remain for a
// device, used to detect orphaned devices after a user-restricted deletion.
func (s *Store) CountDeviceUsersForDevice(ctx context.Context, device string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM device_user WHERE device_id = ?`, device).Scan(&n); err != nil {
		return 0, syncerr.Wrap(syncerr.Storage, "count device_user for device", err)
	}
	return n, nil
}

// ListOrphanDeviceIDs returns every device id with no remaining device_user
// rows, for post-{user}-removal cleanup (spec.md §4.5, §8 property 8).
func (s *Store) ListOrphanDeviceIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.device_id FROM device d
		LEFT JOIN device_user du ON du.device_id = d.device_id
		WHERE du.device_id IS NULL`)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Storage, "list orphan devices", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, syncerr.Wrap(syncerr.Storage, "scan orphan device id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// DeviceUserPair is a distinct (device, user) pairing, used to enumerate
// GC sweep targets.
type DeviceUserPair struct {
	Device string
	User   string
}

// ListDeviceUserPairs returns every distinct (device, user) pairing known
// to device_user, for the periodic GC sweep to iterate over.
func (s *Store) ListDeviceUserPairs(ctx context.Context) ([]DeviceUserPair, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT device_id, device_user FROM device_user`)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Storage, "list device/user pairs", err)
	}
	defer rows.Close()

	var out []DeviceUserPair
	for rows.Next() {
		var p DeviceUserPair
		if err := rows.Scan(&p.Device, &p.User); err != nil {
			return nil, syncerr.Wrap(syncerr.Storage, "scan device/user pair", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// DevicesForUser lists distinct device ids a user has ever touched, used by
// the {user} RemoveState mode to know which devices to orphan-check.
func (s *Store) DevicesForUser(ctx context.Context, user string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT device_id FROM device_user WHERE device_user = ?`, user)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.Storage, "devices for user", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, syncerr.Wrap(syncerr.Storage, "scan device id", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
