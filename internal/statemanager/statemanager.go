// Package statemanager is the State Manager façade (spec.md §4.2, §6): the
// single entry point protocol handlers call to load, mutate, and persist
// sync state. One Manager is created per inbound request and exclusively
// owns the in-memory "current state" for that request's duration — never
// shared across concurrent requests on the same device (spec.md §3
// Ownership).
package statemanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"

	"github.com/airsync/syncstate/internal/backend"
	"github.com/airsync/syncstate/internal/changemap"
	"github.com/airsync/syncstate/internal/gc"
	"github.com/airsync/syncstate/internal/snapshot"
	"github.com/airsync/syncstate/internal/store"
	"github.com/airsync/syncstate/internal/synccache"
	"github.com/airsync/syncstate/internal/synckey"
	"github.com/airsync/syncstate/internal/syncerr"
)

// RequestType distinguishes the two protocol request shapes the core cares
// about: hierarchy sync (FOLDERSYNC) vs. collection sync (SYNC).
type RequestType int

const (
	FolderSyncRequest RequestType = iota
	SyncRequest
)

// Origin distinguishes who originated a change passed to UpdateState.
type Origin int

const (
	OriginPIM    Origin = iota // client-originated
	OriginServer               // server→client change being dispatched
)

// StampIdleThreshold is the minimum stamp gap (spec.md §4.2) before
// UpdateSyncStamp performs a stamp-only refresh on an otherwise idle
// collection.
const StampIdleThreshold = 30000

// Manager is the per-request State Manager façade.
type Manager struct {
	db      *store.Store
	cache   *synccache.Manager
	gc      *gc.Collector
	backend backend.Driver

	device string
	user   string

	// Current request context, populated by Load and consumed by the rest
	// of the façade's methods. loaded is false until Load succeeds.
	loaded        bool
	requestType   RequestType
	folderID      string
	class         snapshot.Class
	key           synckey.Key
	folders       snapshot.Folders
	collection    snapshot.Collection
	pending       snapshot.Pending
	lastSyncStamp int64
	thisSyncStamp int64
}

// New returns a Manager scoped to one request for (device, user).
func New(db *store.Store, cache *synccache.Manager, collector *gc.Collector, drv backend.Driver, device, user string) *Manager {
	return &Manager{db: db, cache: cache, gc: collector, backend: drv, device: device, user: user}
}

func (m *Manager) changeMap() *changemap.Map {
	return changemap.New(m.db, m.device, m.user, m.folderID)
}

// Load looks up the state row for syncKey (scoped to collectionID when
// reqType is SyncRequest and collectionID is set) and restores it into the
// manager. On miss it returns StateGone, signaling the caller to answer
// protocol status KEY_MISMATCH (spec.md §4.2).
func (m *Manager) Load(ctx context.Context, syncKey string, reqType RequestType, collectionID string, class snapshot.Class) error {
	key, err := synckey.Parse(syncKey)
	if err != nil {
		return err
	}

	folderID := collectionID
	if reqType == FolderSyncRequest {
		folderID = snapshot.FolderSentinel
	}

	rec, ok, err := m.db.LoadState(ctx, syncKey, folderID)
	if err != nil {
		return err
	}
	if !ok {
		return syncerr.New(syncerr.StateGone, "no state for sync key "+syncKey)
	}

	pending, err := snapshot.DecodePending(rec.SyncPending)
	if err != nil {
		return syncerr.Wrap(syncerr.Storage, "decode pending", err)
	}

	m.requestType = reqType
	m.folderID = folderID
	m.class = class
	m.key = key
	m.lastSyncStamp = rec.SyncMod
	m.thisSyncStamp = rec.SyncMod
	m.pending = pending
	m.loaded = true

	switch {
	case reqType == FolderSyncRequest:
		folders, err := snapshot.DecodeFolders(rec.SyncData)
		if err != nil {
			return syncerr.Wrap(syncerr.Storage, "decode folders", err)
		}
		m.folders = folders
	case len(rec.SyncData) == 0:
		// Empty sync_data on a SYNC request: synthesize an empty collection of
		// the correct class rather than making callers special-case nil
		// (spec.md §4.2, the one source behavior this must match bit-for-bit).
		m.collection = snapshot.Empty(class)
	default:
		collection, err := snapshot.DecodeCollection(rec.SyncData)
		if err != nil {
			return syncerr.Wrap(syncerr.Storage, "decode collection", err)
		}
		m.collection = collection
	}

	if m.gc != nil {
		if err := m.gc.OpportunisticForSeries(ctx, m.device, m.folderID, m.user, m.key); err != nil {
			return err
		}
	}
	return nil
}

// Save persists the current in-memory state atomically, replacing any
// existing row for this sync key (spec.md §4.2). For generation 1 of a
// series, sync_mod is always persisted as 0, exposing the full backlog to
// the client on its first cycle regardless of this_sync_stamp.
func (m *Manager) Save(ctx context.Context, now int64) error {
	if !m.loaded {
		return syncerr.New(syncerr.InvariantViolation, "Save called before Load")
	}

	var data []byte
	var err error
	if m.requestType == FolderSyncRequest {
		data, err = snapshot.EncodeFolders(m.folders)
	} else {
		data, err = snapshot.EncodeCollection(m.collection)
	}
	if err != nil {
		return syncerr.Wrap(syncerr.Storage, "encode state", err)
	}

	pendingBlob, err := snapshot.EncodePending(m.pending)
	if err != nil {
		return syncerr.Wrap(syncerr.Storage, "encode pending", err)
	}

	mod := m.thisSyncStamp
	if synckey.Counter(m.key) == 1 {
		mod = 0
	}

	rec := store.StateRecord{
		SyncKey:       m.key.String(),
		SyncData:      data,
		DeviceID:      m.device,
		FolderID:      m.folderID,
		User:          m.user,
		SyncMod:       mod,
		SyncPending:   pendingBlob,
		SyncTimestamp: now,
	}
	if err := m.db.SaveState(ctx, rec); err != nil {
		return err
	}

	if m.gc != nil {
		if err := m.gc.OpportunisticForSeries(ctx, m.device, m.folderID, m.user, m.key); err != nil {
			return err
		}
	}
	return nil
}

// UpdateSyncStamp performs a stamp-only refresh when the gap between
// this_sync_stamp and last_sync_stamp has grown large enough and nothing
// else changed, preventing ever-widening stamp gaps on idle collections
// (spec.md §4.2). ok is false when another concurrent caller already won
// the race.
func (m *Manager) UpdateSyncStamp(ctx context.Context, now int64, changed bool) (bool, error) {
	if !m.loaded {
		return false, syncerr.New(syncerr.InvariantViolation, "UpdateSyncStamp called before Load")
	}
	if changed || m.thisSyncStamp-m.lastSyncStamp < StampIdleThreshold {
		return false, nil
	}
	ok, err := m.db.UpdateSyncStamp(ctx, m.key.String(), m.lastSyncStamp, m.thisSyncStamp, now)
	if err != nil {
		return false, err
	}
	if ok {
		m.lastSyncStamp = m.thisSyncStamp
	}
	return ok, nil
}

// UpdateServerIdInState rewrites the embedded server-id in every state row
// of the current (device, user, folderUID) series after a folder rename
// that retains its client-facing UID (spec.md §4.2).
func (m *Manager) UpdateServerIdInState(ctx context.Context, folderUID, newServerID string) error {
	rows, err := m.db.ListState(ctx, m.device, folderUID, m.user)
	if err != nil {
		return err
	}
	for _, rec := range rows {
		folders, err := snapshot.DecodeFolders(rec.SyncData)
		if err != nil {
			// Not every row in this folder is necessarily a hierarchy snapshot;
			// skip rows this doesn't apply to rather than failing the whole op.
			continue
		}
		if i := folders.IndexByID(folderUID); i >= 0 {
			folders.Entries[i].ServerID = newServerID
		}
		data, err := snapshot.EncodeFolders(folders)
		if err != nil {
			return syncerr.Wrap(syncerr.Storage, "re-encode folders", err)
		}
		if err := m.db.ReplaceStateData(ctx, rec.SyncKey, data); err != nil {
			return err
		}
	}
	return nil
}

// ResetDeviceState deletes all state/map/mailmap rows for (device, user,
// collectionID) and clears the corresponding cache entry — the whole
// hierarchy cache when collectionID is the foldersync sentinel, otherwise
// just that collection (spec.md §4.2). The emptied cache is always
// persisted afterward.
func (m *Manager) ResetDeviceState(ctx context.Context, collectionID string) error {
	if err := m.db.DeleteState(ctx, m.device, m.user, collectionID); err != nil {
		return err
	}
	if err := m.db.DeleteMap(ctx, m.device, m.user, collectionID); err != nil {
		return err
	}
	if err := m.db.DeleteMailMap(ctx, m.device, m.user, collectionID); err != nil {
		return err
	}

	c, err := m.cache.Get(ctx, m.device, m.user)
	if err != nil {
		return err
	}
	if collectionID == snapshot.FolderSentinel {
		c.Hierarchy = "0"
		c.Folders = map[string]synccache.FolderFingerprint{}
	} else {
		delete(c.Collections, collectionID)
		delete(c.ConfirmedSyncKeys, collectionID)
		delete(c.SyncKeyCounter, collectionID)
	}
	return m.cache.Save(ctx, m.device, m.user, c)
}

// GetNewSyncKey mints a fresh series for a collection, retrying on
// collision against any other series the same device already uses on a
// different folder (spec.md §4.1).
func (m *Manager) GetNewSyncKey(ctx context.Context, folderID string) (synckey.Key, error) {
	for attempts := 0; attempts < 8; attempts++ {
		candidate := synckey.New()
		collides, err := m.checkCollision(ctx, candidate.GUID, folderID)
		if err != nil {
			return synckey.Key{}, err
		}
		if !collides {
			return candidate, nil
		}
	}
	return synckey.Key{}, syncerr.New(syncerr.InvariantViolation, "could not mint a collision-free sync key")
}

func (m *Manager) checkCollision(ctx context.Context, guid, currentFolder string) (bool, error) {
	rows, err := m.db.ListStateSeriesForDevice(ctx, m.device)
	if err != nil {
		return false, err
	}
	for _, rec := range rows {
		if rec.FolderID == currentFolder {
			continue
		}
		key, err := synckey.Parse(rec.SyncKey)
		if err != nil {
			continue
		}
		if key.GUID == guid {
			return true, nil
		}
	}
	return false, nil
}

// SetNewSyncKey adopts key as the manager's current sync key. The key is
// stored as given; advancing the generation (synckey.Next) is the caller's
// job.
func (m *Manager) SetNewSyncKey(key synckey.Key) {
	m.key = key
}

// GetLatestSynckeyForCollection resolves the most recent sync key for a
// collection directly from the store, for callers (e.g. UpdateState on
// MOVEITEMS) that have no sync key loaded yet (spec.md §4.2).
func (m *Manager) GetLatestSynckeyForCollection(ctx context.Context, folderID string) (synckey.Key, bool, error) {
	rows, err := m.db.ListState(ctx, m.device, folderID, m.user)
	if err != nil {
		return synckey.Key{}, false, err
	}
	var best synckey.Key
	found := false
	for _, rec := range rows {
		key, err := synckey.Parse(rec.SyncKey)
		if err != nil {
			continue
		}
		if !found || key.N > best.N {
			best, found = key, true
		}
	}
	return best, found, nil
}

// Disconnect marks the start of a long-poll wait for (device, user): it
// records HeartbeatStarted in the sync cache and saves it. It does not close
// or release the store handle; the manager keeps using the same handle
// afterward.
func (m *Manager) Disconnect(ctx context.Context, now int64) error {
	c, err := m.cache.Get(ctx, m.device, m.user)
	if err != nil {
		return err
	}
	c = synccache.StartHeartbeat(c, now)
	return m.cache.Save(ctx, m.device, m.user, c)
}

// Connect marks the long-poll as having ended normally; the handler calls
// this once a response was actually delivered to the client, distinguishing
// a clean end from a disconnect (spec.md §4.4).
func (m *Manager) Connect(ctx context.Context, now int64) error {
	c, err := m.cache.Get(ctx, m.device, m.user)
	if err != nil {
		return err
	}
	c = synccache.EndHeartbeatNormal(c, now)
	return m.cache.Save(ctx, m.device, m.user, c)
}

// WasDisconnected reports whether the last heartbeat for (device, user)
// ended without a normal close, meaning the caller must treat folder and
// collection lists as potentially stale and reload (spec.md §4.4).
func (m *Manager) WasDisconnected(ctx context.Context) (bool, error) {
	c, err := m.cache.Get(ctx, m.device, m.user)
	if err != nil {
		return false, err
	}
	return synccache.Disconnected(c), nil
}

// IsDuplicatePIMAddition returns the server uid previously assigned to an
// Add tagged with clientID, if an earlier UpdateState(CHANGE,
// change={clientid=...}) already completed (spec.md §8 property 6).
func (m *Manager) IsDuplicatePIMAddition(ctx context.Context, clientID string) (string, bool, error) {
	return m.changeMap().IsDuplicateAddition(ctx, clientID)
}

// IsDuplicatePIMChange reports whether uid already has a map row under the
// manager's current sync key.
func (m *Manager) IsDuplicatePIMChange(ctx context.Context, uid string) (bool, error) {
	return m.changeMap().IsDuplicateChange(ctx, uid, m.key.String())
}

// UpdateState applies one change to the manager's in-memory state and, for
// PIM-originated changes, records it in the change map (spec.md §4.2).
func (m *Manager) UpdateState(ctx context.Context, origin Origin, change snapshot.Change, modTime int64) error {
	if !m.loaded {
		return syncerr.New(syncerr.InvariantViolation, "UpdateState called before Load")
	}
	if origin == OriginPIM {
		return m.updatePIM(ctx, change, modTime)
	}
	return m.updateServer(ctx, change)
}

func (m *Manager) updatePIM(ctx context.Context, change snapshot.Change, modTime int64) error {
	if m.requestType == FolderSyncRequest {
		m.folders.Remove(folderEntryID(change))
		if change.Type != snapshot.ChangeDelete {
			m.folders.Upsert(snapshot.FolderEntry{ID: folderEntryID(change)})
		}
		return nil
	}

	syncKey := m.key
	if syncKey.IsBootstrap() {
		latest, ok, err := m.GetLatestSynckeyForCollection(ctx, m.folderID)
		if err != nil {
			return err
		}
		if ok {
			syncKey = latest
		}
	}

	cm := m.changeMap()
	if m.class == snapshot.ClassEmail {
		effectiveType := change.Type
		if effectiveType == snapshot.ChangeChange && change.Flags != nil {
			effectiveType = snapshot.ChangeFlags
		}
		switch effectiveType {
		case snapshot.ChangeDelete:
			return cm.RecordMailDelete(ctx, change.UID, syncKey.String())
		default:
			next := snapshot.EmailFlags{}
			if change.Flags != nil {
				next = *change.Flags
			}
			prev := snapshot.EmailFlags{}
			if m.collection.Email != nil {
				prev = m.collection.Email.UIDs[change.UID]
			}
			aspect, boolVal, categoryVal := diffMailAspect(prev, next)
			if aspect == changemap.AspectCategory {
				categoryVal = categoryDigest(categoryVal)
			}
			return cm.RecordMailAspect(ctx, change.UID, syncKey.String(), aspect, boolVal, categoryVal)
		}
	}

	if change.Type == snapshot.ChangeDelete {
		return cm.RecordDelete(ctx, change.UID, syncKey.String(), modTime)
	}
	return cm.RecordAdd(ctx, change.UID, syncKey.String(), change.ClientID, modTime)
}

// updateServer applies a server→client change being dispatched. On
// FOLDERSYNC this additionally refreshes the in-memory folder snapshot: the
// stale entry is always removed, and (unless this is itself a delete) a
// fresh stat is pulled from the backend content driver before the entry is
// re-added (spec.md §4.2, §6).
func (m *Manager) updateServer(ctx context.Context, change snapshot.Change) error {
	if m.requestType == FolderSyncRequest {
		id := folderEntryID(change)
		m.folders.Remove(id)
		if change.Type != snapshot.ChangeDelete {
			entry := snapshot.FolderEntry{ID: id}
			if m.backend != nil {
				stat, ok, err := m.backend.GetFolder(ctx, id)
				if err != nil {
					return syncerr.Wrap(syncerr.Storage, "refresh folder stat", err)
				}
				if ok {
					entry.ServerID = stat.ServerID
					entry.Parent = stat.Parent
					entry.DisplayName = stat.DisplayName
					entry.Type = stat.Type
				}
			}
			m.folders.Upsert(entry)
		}
	}
	m.pending.Remove(change.UID)
	return nil
}

func folderEntryID(change snapshot.Change) string { return change.UID }

// diffMailAspect picks the single mailmap column an incoming email change
// affects, by comparing it against the last-known flag state for this uid
// (spec.md §3: mailmap rows are single-column, not a full flag bundle).
// Category wins ties since it is the rarest and most specific signal; a
// change that alters nothing the manager already knows about still needs a
// row, so it falls back to the generic "changed" column.
func diffMailAspect(prev, next snapshot.EmailFlags) (changemap.MailAspect, bool, string) {
	switch {
	case prev.Category != next.Category:
		return changemap.AspectCategory, false, next.Category
	case prev.Read != next.Read:
		return changemap.AspectRead, next.Read, ""
	case prev.Flagged != next.Flagged:
		return changemap.AspectFlagged, next.Flagged, ""
	case prev.Draft != next.Draft:
		return changemap.AspectDraft, next.Draft, ""
	default:
		return changemap.AspectChanged, true, ""
	}
}

// categoryDigest stores a stable digest of the concatenated category
// strings rather than the raw list, matching the source's on-disk category
// representation (spec.md §4.2).
func categoryDigest(category string) string {
	if category == "" {
		return ""
	}
	parts := append([]string(nil), splitCategories(category)...)
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(joinCategories(parts)))
	return hex.EncodeToString(sum[:])
}

func splitCategories(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func joinCategories(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// Folders returns the manager's in-memory folder snapshot (FolderSyncRequest
// only), for the caller to render a response from.
func (m *Manager) Folders() snapshot.Folders { return m.folders }

// SetFolders replaces the manager's in-memory folder snapshot.
func (m *Manager) SetFolders(f snapshot.Folders) { m.folders = f }

// Collection returns the manager's in-memory collection snapshot.
func (m *Manager) Collection() snapshot.Collection { return m.collection }

// SetCollection replaces the manager's in-memory collection snapshot.
func (m *Manager) SetCollection(c snapshot.Collection) { m.collection = c }

// Pending returns the manager's in-memory pending-changes list.
func (m *Manager) Pending() snapshot.Pending { return m.pending }

// SetPending replaces the manager's in-memory pending-changes list.
func (m *Manager) SetPending(p snapshot.Pending) { m.pending = p }

// SetThisSyncStamp records the modification stamp this cycle will persist
// on Save.
func (m *Manager) SetThisSyncStamp(stamp int64) { m.thisSyncStamp = stamp }

// Key returns the manager's current sync key.
func (m *Manager) Key() synckey.Key { return m.key }
