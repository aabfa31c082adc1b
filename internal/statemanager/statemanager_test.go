package statemanager

import (
	"context"
	"testing"

	"github.com/airsync/syncstate/internal/backend"
	"github.com/airsync/syncstate/internal/gc"
	"github.com/airsync/syncstate/internal/snapshot"
	"github.com/airsync/syncstate/internal/store"
	"github.com/airsync/syncstate/internal/synccache"
	"github.com/airsync/syncstate/internal/synckey"
	"github.com/airsync/syncstate/internal/syncerr"
)

func newTestManager(t *testing.T) (*store.Store, *Manager) {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	cache := synccache.New(db)
	collector := gc.New(db, nil)
	return db, New(db, cache, collector, backend.NewFake(), "dev1", "alice")
}

func TestLoadMissingKeyReturnsStateGone(t *testing.T) {
	_, m := newTestManager(t)
	err := m.Load(context.Background(), "{G}1", SyncRequest, "folder1", snapshot.ClassEmail)
	if !syncerr.Is(err, syncerr.StateGone) {
		t.Fatalf("expected StateGone, got %v", err)
	}
}

func TestSaveGeneration1ForcesSyncModZero(t *testing.T) {
	db, m := newTestManager(t)
	ctx := context.Background()

	key := synckey.Key{GUID: "G", N: 1}
	if err := db.SaveState(ctx, store.StateRecord{SyncKey: key.String(), DeviceID: "dev1", FolderID: "folder1", User: "alice"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := m.Load(ctx, key.String(), SyncRequest, "folder1", snapshot.ClassEmail); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetThisSyncStamp(99999)

	if err := m.Save(ctx, 1700000000); err != nil {
		t.Fatalf("save: %v", err)
	}

	rec, ok, err := db.LoadState(ctx, key.String(), "folder1")
	if err != nil || !ok {
		t.Fatalf("reload: ok=%v err=%v", ok, err)
	}
	if rec.SyncMod != 0 {
		t.Errorf("sync_mod = %d, want 0 for generation 1", rec.SyncMod)
	}
}

func TestSaveIsIdempotent(t *testing.T) {
	db, m := newTestManager(t)
	ctx := context.Background()

	key := synckey.Key{GUID: "G", N: 2}
	if err := db.SaveState(ctx, store.StateRecord{SyncKey: key.String(), DeviceID: "dev1", FolderID: "folder1", User: "alice", SyncMod: 10}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := m.Load(ctx, key.String(), SyncRequest, "folder1", snapshot.ClassEmail); err != nil {
		t.Fatalf("load: %v", err)
	}
	m.SetThisSyncStamp(10)

	if err := m.Save(ctx, 1700000000); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if err := m.Save(ctx, 1700000001); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	rows, err := db.ListState(ctx, "dev1", "folder1", "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want exactly 1 (idempotent save)", len(rows))
	}
}

func TestLoadEmptySyncDataSynthesizesEmptyCollection(t *testing.T) {
	db, m := newTestManager(t)
	ctx := context.Background()

	key := synckey.Key{GUID: "G", N: 1}
	if err := db.SaveState(ctx, store.StateRecord{SyncKey: key.String(), DeviceID: "dev1", FolderID: "folder1", User: "alice"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := m.Load(ctx, key.String(), SyncRequest, "folder1", snapshot.ClassContacts); err != nil {
		t.Fatalf("load: %v", err)
	}

	c := m.Collection()
	if c.Class != snapshot.ClassContacts || c.Generic == nil {
		t.Fatalf("collection = %+v, want synthesized empty contacts collection", c)
	}
	if len(c.Generic.Items) != 0 {
		t.Errorf("expected empty items map, got %v", c.Generic.Items)
	}
}

func TestUpdateSyncStampRespectsThreshold(t *testing.T) {
	db, m := newTestManager(t)
	ctx := context.Background()

	key := synckey.Key{GUID: "G", N: 2}
	if err := db.SaveState(ctx, store.StateRecord{SyncKey: key.String(), DeviceID: "dev1", FolderID: "folder1", User: "alice", SyncMod: 1000}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := m.Load(ctx, key.String(), SyncRequest, "folder1", snapshot.ClassEmail); err != nil {
		t.Fatalf("load: %v", err)
	}

	m.SetThisSyncStamp(1010) // gap too small
	ok, err := m.UpdateSyncStamp(ctx, 1700000000, false)
	if err != nil {
		t.Fatalf("update sync stamp: %v", err)
	}
	if ok {
		t.Fatalf("expected no-op below threshold")
	}

	m.SetThisSyncStamp(1000 + StampIdleThreshold)
	ok, err = m.UpdateSyncStamp(ctx, 1700000001, false)
	if err != nil {
		t.Fatalf("update sync stamp: %v", err)
	}
	if !ok {
		t.Fatalf("expected stamp-only refresh once threshold is crossed")
	}
}

func TestUpdatePIMAddRecordsMapRow(t *testing.T) {
	db, m := newTestManager(t)
	ctx := context.Background()

	key := synckey.Key{GUID: "G", N: 1}
	if err := db.SaveState(ctx, store.StateRecord{SyncKey: key.String(), DeviceID: "dev1", FolderID: "folder1", User: "alice"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := m.Load(ctx, key.String(), SyncRequest, "folder1", snapshot.ClassContacts); err != nil {
		t.Fatalf("load: %v", err)
	}

	change := snapshot.Change{UID: "uid-1", Type: snapshot.ChangeAdd, ClientID: "client-A"}
	if err := m.UpdateState(ctx, OriginPIM, change, 42); err != nil {
		t.Fatalf("update state: %v", err)
	}

	uid, ok, err := m.IsDuplicatePIMAddition(ctx, "client-A")
	if err != nil || !ok || uid != "uid-1" {
		t.Fatalf("uid=%q ok=%v err=%v", uid, ok, err)
	}
}

func TestUpdatePIMEmailFlagsRecordsMailmapRow(t *testing.T) {
	db, m := newTestManager(t)
	ctx := context.Background()

	key := synckey.Key{GUID: "G", N: 1}
	if err := db.SaveState(ctx, store.StateRecord{SyncKey: key.String(), DeviceID: "dev1", FolderID: "folder1", User: "alice"}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := m.Load(ctx, key.String(), SyncRequest, "folder1", snapshot.ClassEmail); err != nil {
		t.Fatalf("load: %v", err)
	}

	change := snapshot.Change{UID: "uid-1", Type: snapshot.ChangeChange, Flags: &snapshot.EmailFlags{Read: true}}
	if err := m.UpdateState(ctx, OriginPIM, change, 42); err != nil {
		t.Fatalf("update state: %v", err)
	}

	rows, err := db.ListMailMapForKeys(ctx, "dev1", "alice", "folder1", []string{key.String()})
	if err != nil || len(rows) != 1 || rows[0].UID != "uid-1" || rows[0].Read == nil || !*rows[0].Read {
		t.Fatalf("mailmap rows=%+v err=%v, want one uid-1 row with sync_read=true", rows, err)
	}
}

func TestDisconnectThenConnectClearsHeartbeat(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	if err := m.Disconnect(ctx, 1000); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	disconnected, err := m.WasDisconnected(ctx)
	if err != nil || !disconnected {
		t.Fatalf("disconnected=%v err=%v, want true", disconnected, err)
	}

	if err := m.Connect(ctx, 1005); err != nil {
		t.Fatalf("connect: %v", err)
	}
	disconnected, err = m.WasDisconnected(ctx)
	if err != nil || disconnected {
		t.Fatalf("disconnected=%v err=%v, want false after normal end", disconnected, err)
	}
}

func TestResetDeviceStateClearsHierarchyCache(t *testing.T) {
	db, m := newTestManager(t)
	ctx := context.Background()

	cache := synccache.New(db)
	c := synccache.Empty()
	c.Hierarchy = "{H}3"
	if err := cache.Save(ctx, "dev1", "alice", c); err != nil {
		t.Fatalf("seed cache: %v", err)
	}
	if err := db.SaveState(ctx, store.StateRecord{SyncKey: "{H}3", DeviceID: "dev1", FolderID: snapshot.FolderSentinel, User: "alice"}); err != nil {
		t.Fatalf("seed state: %v", err)
	}

	if err := m.ResetDeviceState(ctx, snapshot.FolderSentinel); err != nil {
		t.Fatalf("reset: %v", err)
	}

	_, ok, err := db.LoadState(ctx, "{H}3", snapshot.FolderSentinel)
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	if ok {
		t.Fatalf("expected hierarchy state row removed")
	}

	got, err := cache.Get(ctx, "dev1", "alice")
	if err != nil {
		t.Fatalf("get cache: %v", err)
	}
	if got.Hierarchy != "0" {
		t.Fatalf("hierarchy = %q, want reset to 0", got.Hierarchy)
	}
}

func TestGetNewSyncKeyAvoidsCollisionWithOtherFolder(t *testing.T) {
	db, m := newTestManager(t)
	ctx := context.Background()

	existing := synckey.Key{GUID: "existing-guid", N: 1}
	if err := db.SaveState(ctx, store.StateRecord{SyncKey: existing.String(), DeviceID: "dev1", FolderID: "other-folder", User: "alice"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	key, err := m.GetNewSyncKey(ctx, "folder1")
	if err != nil {
		t.Fatalf("get new sync key: %v", err)
	}
	if key.GUID == existing.GUID {
		t.Fatalf("new key collided with existing series on another folder")
	}
}
