// Package devices implements the Device Registry (spec.md §4.5): per-device
// metadata, per-(device,user) policy keys, and the remote-wipe lifecycle
// that ties into policy-key resets.
package devices

import (
	"context"
	"strings"
	"sync"

	"github.com/airsync/syncstate/internal/config"
	"github.com/airsync/syncstate/internal/store"
	"github.com/airsync/syncstate/internal/syncerr"
)

// Manager is a handle onto the Device Registry for a single in-flight
// request, scoped to one "current device" the way the State Manager façade
// scopes one "current state" (spec.md §3 Ownership).
type Manager struct {
	db            *store.Store
	currentDevice string
	capabilities  config.CapabilityTable
	mu            sync.Mutex
	lastLoaded    store.DeviceRecord
	lastLoadedOK  bool
}

// New returns a device registry manager scoped to currentDevice — the
// device this request authenticated as. SetPolicyKey rejects calls for any
// other device id. capabilities seeds DeviceRecord.Supported for devices
// that arrive with no supported-classes string of their own.
func New(db *store.Store, currentDevice string, capabilities config.CapabilityTable) *Manager {
	return &Manager{db: db, currentDevice: currentDevice, capabilities: capabilities}
}

// LoadOptions configures LoadDevice.
type LoadOptions struct {
	// Force bypasses the manager's last-loaded-device cache. Needed because
	// long-running requests can have rwstatus mutated out-of-band (spec.md
	// §4.5).
	Force bool
}

// LoadDevice returns the device record for id, consulting (and populating)
// the manager's single-entry cache unless opts.Force is set.
func (m *Manager) LoadDevice(ctx context.Context, id string, opts LoadOptions) (store.DeviceRecord, bool, error) {
	m.mu.Lock()
	if !opts.Force && m.lastLoadedOK && m.lastLoaded.DeviceID == id {
		rec := m.lastLoaded
		m.mu.Unlock()
		return rec, true, nil
	}
	m.mu.Unlock()

	rec, ok, err := m.db.GetDevice(ctx, id)
	if err != nil {
		return store.DeviceRecord{}, false, err
	}
	if ok {
		m.mu.Lock()
		m.lastLoaded, m.lastLoadedOK = rec, true
		m.mu.Unlock()
	}
	return rec, ok, nil
}

// SetDevice upserts a device record. dirty hints that the caller knows the
// record changed (e.g. a new user-agent string arrived on this request) so
// the manager's cache is invalidated rather than left stale. A record that
// arrives with no Supported string of its own is seeded from the manager's
// capability table, keyed by device type (spec.md §4.5's DeviceRecord never
// specifies how Supported is first populated).
func (m *Manager) SetDevice(ctx context.Context, rec store.DeviceRecord, dirty bool) error {
	if len(rec.Supported) == 0 && rec.Type != "" {
		if classes := m.capabilities.ClassesFor(rec.Type); len(classes) > 0 {
			rec.Supported = []byte(strings.Join(classes, ","))
		}
	}
	if err := m.db.SetDevice(ctx, rec); err != nil {
		return err
	}
	if dirty {
		m.mu.Lock()
		m.lastLoadedOK = false
		m.mu.Unlock()
	}
	return nil
}

// DeviceExists reports how many device rows match id; 0 means unknown.
func (m *Manager) DeviceExists(ctx context.Context, id string) (int, error) {
	return m.db.DeviceExists(ctx, id)
}

// SetPolicyKey updates the per-(device,user) policy key. Only the manager's
// own currentDevice may be targeted — a request is never allowed to touch
// another device's provisioning state.
func (m *Manager) SetPolicyKey(ctx context.Context, device, user string, key int64) error {
	if device != m.currentDevice {
		return syncerr.New(syncerr.InvariantViolation, "SetPolicyKey called for a device other than the current request's device")
	}
	return m.db.SetPolicyKey(ctx, device, user, key)
}

// ResetAllPolicyKeys zeroes every device_user.policykey, forcing a global
// reprovision.
func (m *Manager) ResetAllPolicyKeys(ctx context.Context) error {
	return m.db.ResetAllPolicyKeys(ctx)
}

// SetDeviceRWStatus updates the device's remote-wipe status, zeroing policy
// keys for the device when the new status is PENDING (spec.md §4.5, §8 S5).
// store.Store.SetDeviceRWStatus already implements the zeroing; this method
// additionally invalidates the manager's device cache since rwstatus is
// part of the cached record.
func (m *Manager) SetDeviceRWStatus(ctx context.Context, device, status string) error {
	if err := m.db.SetDeviceRWStatus(ctx, device, status); err != nil {
		return err
	}
	m.mu.Lock()
	if m.lastLoadedOK && m.lastLoaded.DeviceID == device {
		m.lastLoadedOK = false
	}
	m.mu.Unlock()
	return nil
}

// ListDevices returns device+device_user rows matching an optional user and
// per-field filter.
func (m *Manager) ListDevices(ctx context.Context, user string, filters map[string]string) ([]store.DeviceWithUser, error) {
	return m.db.ListDevices(ctx, user, filters)
}

// GetLastSyncTimestamp returns the most recent sync_timestamp across every
// state series for (device, user). ok is false when the pair has never
// synced (spec.md §4.5).
func (m *Manager) GetLastSyncTimestamp(ctx context.Context, device, user string) (int64, bool, error) {
	return m.db.LastSyncTimestamp(ctx, device, user)
}

// RemoveOptions selects one mode of RemoveState's cross product (spec.md
// §4.5). Exactly the combination of non-empty fields below determines the
// mode; see RemoveState for the full table.
type RemoveOptions struct {
	Device  string
	User    string
	Folder  string // collection id, only meaningful alongside Device+User
	SyncKey string
}

// RemoveState deletes state across the cross product of RemoveOptions
// (spec.md §4.5):
//
//	{device, user}      state/map/mailmap for device+user; device_user row; cache
//	{device, user, id}  same, restricted to collection id
//	{device}            state/map/mailmap/device_user/device/cache for device
//	{user}              state/map/mailmap/device_user for user; orphan devices
//	{synckey}           state/map/mailmap rows with this sync key only
//
// Special case: a {device,user} call escalates to the {device} form when
// the device's rwstatus is not NA/OK, so a device mid-wipe is never left
// behind still armed (spec.md §8 property 7).
func (m *Manager) RemoveState(ctx context.Context, opts RemoveOptions) error {
	switch {
	case opts.SyncKey != "":
		return m.removeBySyncKey(ctx, opts.SyncKey)
	case opts.Device != "" && opts.User != "":
		return m.removeByDeviceUser(ctx, opts.Device, opts.User, opts.Folder)
	case opts.Device != "":
		return m.removeByDevice(ctx, opts.Device)
	case opts.User != "":
		return m.removeByUser(ctx, opts.User)
	default:
		return syncerr.New(syncerr.InvariantViolation, "RemoveState called with no selector")
	}
}

func (m *Manager) removeBySyncKey(ctx context.Context, syncKey string) error {
	if err := m.db.DeleteStateByKey(ctx, syncKey); err != nil {
		return err
	}
	if err := m.db.DeleteMapBySyncKeyOnly(ctx, syncKey); err != nil {
		return err
	}
	return m.db.DeleteMailMapBySyncKeyOnly(ctx, syncKey)
}

func (m *Manager) removeByDeviceUser(ctx context.Context, device, user, folder string) error {
	rec, ok, err := m.db.GetDevice(ctx, device)
	if err != nil {
		return err
	}
	if ok && rec.RWStatus != "" && rec.RWStatus != store.RWStatusNA && rec.RWStatus != store.RWStatusOK {
		return m.removeByDevice(ctx, device)
	}

	if err := m.db.DeleteState(ctx, device, user, folder); err != nil {
		return err
	}
	if err := m.db.DeleteMap(ctx, device, user, folder); err != nil {
		return err
	}
	if err := m.db.DeleteMailMap(ctx, device, user, folder); err != nil {
		return err
	}
	if folder == "" {
		if err := m.db.DeleteDeviceUser(ctx, device, user); err != nil {
			return err
		}
		if err := m.db.DeleteCache(ctx, device, user); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) removeByDevice(ctx context.Context, device string) error {
	if err := m.db.DeleteStateForDevice(ctx, device); err != nil {
		return err
	}
	if err := m.db.DeleteMapForDevice(ctx, device); err != nil {
		return err
	}
	if err := m.db.DeleteMailMapForDevice(ctx, device); err != nil {
		return err
	}
	if err := m.db.DeleteDeviceUserForDevice(ctx, device); err != nil {
		return err
	}
	if err := m.db.DeleteCache(ctx, device, ""); err != nil {
		return err
	}
	if err := m.db.DeleteDevice(ctx, device); err != nil {
		return err
	}
	return nil
}

func (m *Manager) removeByUser(ctx context.Context, user string) error {
	devicesBefore, err := m.db.DevicesForUser(ctx, user)
	if err != nil {
		return err
	}

	if err := m.db.DeleteStateForUser(ctx, user); err != nil {
		return err
	}
	if err := m.db.DeleteMapForUser(ctx, user); err != nil {
		return err
	}
	if err := m.db.DeleteMailMapForUser(ctx, user); err != nil {
		return err
	}
	if err := m.db.DeleteDeviceUserForUser(ctx, user); err != nil {
		return err
	}

	for _, device := range devicesBefore {
		count, err := m.db.CountDeviceUsersForDevice(ctx, device)
		if err != nil {
			return err
		}
		if count == 0 {
			if err := m.db.DeleteDevice(ctx, device); err != nil {
				return err
			}
		}
	}
	return nil
}
