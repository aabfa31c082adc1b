// Package synccache implements the Sync Cache (spec.md §4.4): the
// per-(device,user) resumable context long-poll (heartbeat) requests
// consult, plus the heartbeat state machine that tells the next request
// whether its view of folders/collections might be stale.
package synccache

import (
	"context"
	"encoding/gob"
	"strconv"

	"github.com/airsync/syncstate/internal/store"
	"github.com/airsync/syncstate/internal/syncerr"
)

const codecVersion byte = 1

// HeartbeatState is the per-device-user long-poll connection state.
type HeartbeatState string

const (
	Idle                 HeartbeatState = "IDLE"
	HeartbeatStarted     HeartbeatState = "HEARTBEAT_STARTED"
	HeartbeatEndedNormal HeartbeatState = "HEARTBEAT_ENDED_NORMAL"
)

// FolderFingerprint is the {class, parent, display, type} tuple the cache
// keeps per server_id, used to detect folder-list drift between heartbeats.
type FolderFingerprint struct {
	Class       string
	Parent      string
	DisplayName string
	Type        string
}

// CollectionOptions is the opaque per-collection option block a client
// negotiated (window size, filter type, conflict policy, ...); the core
// does not interpret its contents.
type CollectionOptions struct {
	WindowSize int
	FilterType string
	Class      string
}

// Cache is the full resumable long-poll context for one (device, user).
type Cache struct {
	ConfirmedSyncKeys map[string]string // folder_id -> synckey
	LastHBStarted     int64
	LastSyncEndNormal int64
	Timestamp         string // forced to string form before persistence, per spec.md §4.4
	WaitMinutes       int
	HBIntervalSeconds int
	Folders           map[string]FolderFingerprint
	Hierarchy         string // synckey string, or "0"
	Collections       map[string]CollectionOptions
	PingHeartbeat     bool
	SyncKeyCounter    map[string]int // server_id -> generation
	Heartbeat         HeartbeatState
}

// Empty returns the zero-value cache schema returned for an absent row.
func Empty() Cache {
	return Cache{
		ConfirmedSyncKeys: map[string]string{},
		Folders:           map[string]FolderFingerprint{},
		Collections:       map[string]CollectionOptions{},
		SyncKeyCounter:    map[string]int{},
		Hierarchy:         "0",
		Heartbeat:         Idle,
	}
}

func init() {
	gob.Register(Cache{})
}

// Manager is a handle onto the Sync Cache, backed by a Store.
type Manager struct {
	db *store.Store
}

// New returns a cache manager backed by db.
func New(db *store.Store) *Manager {
	return &Manager{db: db}
}

// Get returns the cache for (device, user), or the zero-value schema if no
// row exists yet.
func (m *Manager) Get(ctx context.Context, device, user string) (Cache, error) {
	blob, ok, err := m.db.GetCache(ctx, device, user)
	if err != nil {
		return Cache{}, err
	}
	if !ok || len(blob) == 0 {
		return Empty(), nil
	}
	return decode(blob)
}

// Save upserts cache for (device, user). The Timestamp field must already
// be in string form; Save does not convert it (spec.md §4.4 assigns that
// responsibility to the caller, ahead of persistence).
func (m *Manager) Save(ctx context.Context, device, user string, cache Cache) error {
	blob, err := encode(cache)
	if err != nil {
		return syncerr.Wrap(syncerr.Storage, "encode cache", err)
	}
	return m.db.SaveCache(ctx, device, user, blob)
}

// Delete removes cache rows matching the non-empty arguments.
func (m *Manager) Delete(ctx context.Context, device, user string) error {
	return m.db.DeleteCache(ctx, device, user)
}

// StartHeartbeat transitions a cache from Idle to HeartbeatStarted, stamping
// the start time. Loading, mutating, and saving the cache is the caller's
// responsibility; StartHeartbeat only applies the transition to the value
// in hand.
func StartHeartbeat(cache Cache, startedAt int64) Cache {
	cache.Heartbeat = HeartbeatStarted
	cache.LastHBStarted = startedAt
	cache.PingHeartbeat = true
	return cache
}

// EndHeartbeatNormal transitions HeartbeatStarted -> HeartbeatEndedNormal ->
// Idle: the response was delivered to the client. Per spec.md §4.4 this
// collapses straight back to Idle since EndedNormal is a transient marker,
// not a resting state the next request observes.
func EndHeartbeatNormal(cache Cache, endedAt int64) Cache {
	cache.Heartbeat = Idle
	cache.LastSyncEndNormal = endedAt
	cache.PingHeartbeat = false
	return cache
}

// Disconnected reports whether cache is mid-heartbeat with no normal end
// recorded: the HeartbeatStarted -> Idle transition without EndedNormal
// that marks a client disconnect (spec.md §4.4). The next request must
// treat folder/collection lists as potentially stale.
func Disconnected(cache Cache) bool {
	return cache.Heartbeat == HeartbeatStarted
}

// ResetAfterDisconnect clears the heartbeat marker and returns the cache to
// Idle, to be called once the next request has reloaded folder/collection
// state from scratch.
func ResetAfterDisconnect(cache Cache) Cache {
	cache.Heartbeat = Idle
	cache.PingHeartbeat = false
	return cache
}

// TimestampString formats a unix timestamp the way Save expects it: a
// decimal string, matching the source schema's string-typed timestamp
// field.
func TimestampString(unix int64) string {
	return strconv.FormatInt(unix, 10)
}

// AwaitHeartbeat brackets one long-poll wait around l: it marks the cache
// HeartbeatStarted, blocks on l.Wait, then marks HeartbeatEndedNormal once
// the wait returns without error (spec.md §4.4). A wait that errors (client
// disconnect, context cancellation) leaves the cache in HeartbeatStarted,
// so the next request's Disconnected check correctly reports the drop.
func (m *Manager) AwaitHeartbeat(ctx context.Context, device, user string, l *Listener, now int64) error {
	cache, err := m.Get(ctx, device, user)
	if err != nil {
		return err
	}
	cache = StartHeartbeat(cache, now)
	if err := m.Save(ctx, device, user, cache); err != nil {
		return err
	}

	waitErr := l.Wait(ctx)
	if waitErr != nil {
		return waitErr
	}

	cache, err = m.Get(ctx, device, user)
	if err != nil {
		return err
	}
	cache = EndHeartbeatNormal(cache, now)
	return m.Save(ctx, device, user, cache)
}
