package synccache

import (
	"context"
	"testing"

	"github.com/airsync/syncstate/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db)
}

func TestGetReturnsEmptyWhenAbsent(t *testing.T) {
	m := newTestManager(t)
	c, err := m.Get(context.Background(), "dev1", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Hierarchy != "0" || c.Heartbeat != Idle {
		t.Errorf("unexpected zero-value cache: %+v", c)
	}
}

func TestSaveThenGetRoundTrips(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	c := Empty()
	c.ConfirmedSyncKeys["folder1"] = "{G}3"
	c.Hierarchy = "{H}2"
	c.Folders["srv1"] = FolderFingerprint{Class: "email", DisplayName: "Inbox"}
	c.Timestamp = TimestampString(1700000000)

	if err := m.Save(ctx, "dev1", "alice", c); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := m.Get(ctx, "dev1", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ConfirmedSyncKeys["folder1"] != "{G}3" {
		t.Errorf("confirmed synckeys = %v", got.ConfirmedSyncKeys)
	}
	if got.Folders["srv1"].DisplayName != "Inbox" {
		t.Errorf("folders = %v", got.Folders)
	}
	if got.Timestamp != "1700000000" {
		t.Errorf("timestamp = %q", got.Timestamp)
	}
}

func TestSaveOverwritesExistingRow(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	c := Empty()
	c.Hierarchy = "{H}1"
	if err := m.Save(ctx, "dev1", "alice", c); err != nil {
		t.Fatalf("save: %v", err)
	}
	c.Hierarchy = "{H}2"
	if err := m.Save(ctx, "dev1", "alice", c); err != nil {
		t.Fatalf("save again: %v", err)
	}

	got, err := m.Get(ctx, "dev1", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Hierarchy != "{H}2" {
		t.Errorf("hierarchy = %q, want {H}2", got.Hierarchy)
	}
}

func TestDeleteRemovesRow(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	if err := m.Save(ctx, "dev1", "alice", Empty()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := m.Delete(ctx, "dev1", "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	c, err := m.Get(ctx, "dev1", "alice")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Hierarchy != "0" {
		t.Errorf("expected zero-value cache after delete, got %+v", c)
	}
}

func TestHeartbeatLifecycle(t *testing.T) {
	c := Empty()
	if c.Heartbeat != Idle {
		t.Fatalf("initial state = %v, want Idle", c.Heartbeat)
	}

	c = StartHeartbeat(c, 1000)
	if c.Heartbeat != HeartbeatStarted {
		t.Fatalf("after start = %v, want HeartbeatStarted", c.Heartbeat)
	}
	if Disconnected(c) != true {
		t.Fatalf("mid-heartbeat cache should read as disconnected until EndedNormal")
	}

	c = EndHeartbeatNormal(c, 1005)
	if c.Heartbeat != Idle {
		t.Fatalf("after normal end = %v, want Idle", c.Heartbeat)
	}
	if Disconnected(c) {
		t.Fatalf("cache should not read as disconnected after a normal end")
	}
}

func TestDisconnectDetectionAndReset(t *testing.T) {
	c := StartHeartbeat(Empty(), 1000)
	if !Disconnected(c) {
		t.Fatalf("expected disconnected before EndedNormal")
	}
	c = ResetAfterDisconnect(c)
	if c.Heartbeat != Idle || Disconnected(c) {
		t.Fatalf("expected reset to Idle, got %+v", c)
	}
}
