package gc

import (
	"context"
	"testing"

	"github.com/airsync/syncstate/internal/store"
	"github.com/airsync/syncstate/internal/synckey"
)

func newTestCollector(t *testing.T) (*store.Store, *Collector) {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db, New(db, nil)
}

func TestOpportunisticDeletesStateOlderThanNMinus1(t *testing.T) {
	db, c := newTestCollector(t)
	ctx := context.Background()

	for n := 1; n <= 5; n++ {
		key := synckey.Key{GUID: "G", N: n}
		if err := db.SaveState(ctx, store.StateRecord{SyncKey: key.String(), DeviceID: "dev1", FolderID: "f1", User: "alice"}); err != nil {
			t.Fatalf("seed state %d: %v", n, err)
		}
	}
	// Unparsable residue from a stale series format.
	if err := db.SaveState(ctx, store.StateRecord{SyncKey: "garbage", DeviceID: "dev1", FolderID: "f1", User: "alice"}); err != nil {
		t.Fatalf("seed garbage: %v", err)
	}

	current := synckey.Key{GUID: "G", N: 5}
	if err := c.OpportunisticForSeries(ctx, "dev1", "f1", "alice", current); err != nil {
		t.Fatalf("gc: %v", err)
	}

	rows, err := db.ListState(ctx, "dev1", "f1", "alice")
	if err != nil {
		t.Fatalf("list state: %v", err)
	}
	gens := map[int]bool{}
	for _, r := range rows {
		k, err := synckey.Parse(r.SyncKey)
		if err != nil {
			t.Errorf("unexpected surviving unparsable row: %q", r.SyncKey)
			continue
		}
		gens[k.N] = true
	}
	if len(gens) != 2 || !gens[4] || !gens[5] {
		t.Errorf("surviving generations = %v, want {4,5}", gens)
	}
}

func TestOpportunisticDeletesMapOlderThanN(t *testing.T) {
	db, c := newTestCollector(t)
	ctx := context.Background()

	for n := 1; n <= 3; n++ {
		key := synckey.Key{GUID: "G", N: n}
		if err := db.InsertMap(ctx, store.MapRecord{
			UID: "uid-1", SyncKey: key.String(), Device: "dev1", User: "alice", Folder: "f1",
		}); err != nil {
			t.Fatalf("seed map %d: %v", n, err)
		}
	}

	current := synckey.Key{GUID: "G", N: 3}
	if err := c.OpportunisticForSeries(ctx, "dev1", "f1", "alice", current); err != nil {
		t.Fatalf("gc: %v", err)
	}

	keys, err := db.ListMapKeysForDeviceUser(ctx, "dev1", "alice")
	if err != nil {
		t.Fatalf("list map keys: %v", err)
	}
	if len(keys) != 1 || keys[0].SyncKey != "{G}3" {
		t.Errorf("surviving map keys = %v, want only {G}3", keys)
	}
}

func TestSweepDeviceUserAcrossFolders(t *testing.T) {
	db, c := newTestCollector(t)
	ctx := context.Background()

	for _, folder := range []string{"f1", "f2"} {
		for n := 1; n <= 4; n++ {
			key := synckey.Key{GUID: "G-" + folder, N: n}
			if err := db.SaveState(ctx, store.StateRecord{SyncKey: key.String(), DeviceID: "dev1", FolderID: folder, User: "alice"}); err != nil {
				t.Fatalf("seed state: %v", err)
			}
		}
		if err := db.InsertMap(ctx, store.MapRecord{UID: "u", SyncKey: (synckey.Key{GUID: "G-" + folder, N: 1}).String(), Device: "dev1", User: "alice", Folder: folder}); err != nil {
			t.Fatalf("seed map: %v", err)
		}
	}

	if err := c.SweepDeviceUser(ctx, "dev1", "alice"); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	for _, folder := range []string{"f1", "f2"} {
		rows, err := db.ListState(ctx, "dev1", folder, "alice")
		if err != nil {
			t.Fatalf("list state: %v", err)
		}
		if len(rows) != 2 {
			t.Errorf("folder %s: surviving rows = %d, want 2 (generations 3,4)", folder, len(rows))
		}
	}
}
