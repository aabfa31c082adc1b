package store

import (
	"context"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:", nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSetDeviceInsertsWhenAbsent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.SetDevice(ctx, DeviceRecord{
		DeviceID:  "dev1",
		Type:      "iPhone",
		UserAgent: "Apple-iPhone/1903.74",
		Supported: []byte("subject,body"),
	})
	if err != nil {
		t.Fatalf("set device: %v", err)
	}

	rec, ok, err := s.GetDevice(ctx, "dev1")
	if err != nil || !ok {
		t.Fatalf("get device: ok=%v err=%v", ok, err)
	}
	if rec.RWStatus != RWStatusNA {
		t.Errorf("rwstatus = %q, want %q", rec.RWStatus, RWStatusNA)
	}
	if string(rec.Supported) != "subject,body" {
		t.Errorf("supported = %q", rec.Supported)
	}
}

func TestSetDeviceSupportedIsImmutableOnceSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetDevice(ctx, DeviceRecord{DeviceID: "dev1", Supported: []byte("subject")}); err != nil {
		t.Fatalf("initial set: %v", err)
	}
	if err := s.SetDevice(ctx, DeviceRecord{DeviceID: "dev1", UserAgent: "new-agent", Supported: []byte("body")}); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec, ok, err := s.GetDevice(ctx, "dev1")
	if err != nil || !ok {
		t.Fatalf("get device: ok=%v err=%v", ok, err)
	}
	if string(rec.Supported) != "subject" {
		t.Errorf("supported changed to %q, want it to stay %q", rec.Supported, "subject")
	}
	if rec.UserAgent != "new-agent" {
		t.Errorf("user agent = %q, want updated", rec.UserAgent)
	}
}

func TestSetDeviceUpdatesSupportedWhenInitiallyEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetDevice(ctx, DeviceRecord{DeviceID: "dev1"}); err != nil {
		t.Fatalf("initial set: %v", err)
	}
	if err := s.SetDevice(ctx, DeviceRecord{DeviceID: "dev1", Supported: []byte("subject")}); err != nil {
		t.Fatalf("update: %v", err)
	}

	rec, _, err := s.GetDevice(ctx, "dev1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if string(rec.Supported) != "subject" {
		t.Errorf("supported = %q, want %q", rec.Supported, "subject")
	}
}

func TestSetPolicyKeyCreatesPairing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetPolicyKey(ctx, "dev1", "alice", 42); err != nil {
		t.Fatalf("set policy key: %v", err)
	}
	rec, ok, err := s.GetDeviceUser(ctx, "dev1", "alice")
	if err != nil || !ok {
		t.Fatalf("get device_user: ok=%v err=%v", ok, err)
	}
	if rec.PolicyKey != 42 {
		t.Errorf("policy key = %d, want 42", rec.PolicyKey)
	}
}

func TestResetAllPolicyKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetPolicyKey(ctx, "dev1", "alice", 42); err != nil {
		t.Fatalf("set policy key: %v", err)
	}
	if err := s.SetPolicyKey(ctx, "dev2", "bob", 7); err != nil {
		t.Fatalf("set policy key: %v", err)
	}
	if err := s.ResetAllPolicyKeys(ctx); err != nil {
		t.Fatalf("reset all: %v", err)
	}

	for _, dev := range []struct{ device, user string }{{"dev1", "alice"}, {"dev2", "bob"}} {
		rec, ok, err := s.GetDeviceUser(ctx, dev.device, dev.user)
		if err != nil || !ok {
			t.Fatalf("get device_user: ok=%v err=%v", ok, err)
		}
		if rec.PolicyKey != 0 {
			t.Errorf("%s/%s policy key = %d, want 0", dev.device, dev.user, rec.PolicyKey)
		}
	}
}

func TestSetDeviceRWStatusPendingZeroesPolicyKeys(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetDevice(ctx, DeviceRecord{DeviceID: "dev1"}); err != nil {
		t.Fatalf("set device: %v", err)
	}
	if err := s.SetPolicyKey(ctx, "dev1", "alice", 99); err != nil {
		t.Fatalf("set policy key: %v", err)
	}

	if err := s.SetDeviceRWStatus(ctx, "dev1", RWStatusPending); err != nil {
		t.Fatalf("set rwstatus: %v", err)
	}

	rec, ok, err := s.GetDevice(ctx, "dev1")
	if err != nil || !ok {
		t.Fatalf("get device: ok=%v err=%v", ok, err)
	}
	if rec.RWStatus != RWStatusPending {
		t.Errorf("rwstatus = %q, want %q", rec.RWStatus, RWStatusPending)
	}

	du, ok, err := s.GetDeviceUser(ctx, "dev1", "alice")
	if err != nil || !ok {
		t.Fatalf("get device_user: ok=%v err=%v", ok, err)
	}
	if du.PolicyKey != 0 {
		t.Errorf("policy key = %d, want zeroed by PENDING transition", du.PolicyKey)
	}
}

func TestListDevicesFiltersByUserAndField(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetDevice(ctx, DeviceRecord{DeviceID: "dev1", Type: "iPhone"}); err != nil {
		t.Fatalf("set device: %v", err)
	}
	if err := s.SetDevice(ctx, DeviceRecord{DeviceID: "dev2", Type: "Android"}); err != nil {
		t.Fatalf("set device: %v", err)
	}
	if err := s.SetPolicyKey(ctx, "dev1", "alice", 1); err != nil {
		t.Fatalf("set policy key: %v", err)
	}
	if err := s.SetPolicyKey(ctx, "dev2", "alice", 1); err != nil {
		t.Fatalf("set policy key: %v", err)
	}

	all, err := s.ListDevices(ctx, "alice", nil)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("len(all) = %d, want 2", len(all))
	}

	iphones, err := s.ListDevices(ctx, "alice", map[string]string{"type": "iPhone"})
	if err != nil {
		t.Fatalf("list devices filtered: %v", err)
	}
	if len(iphones) != 1 || iphones[0].Device.DeviceID != "dev1" {
		t.Fatalf("iphones = %+v, want just dev1", iphones)
	}
}

func TestDeleteDeviceUserLeavesOrphanDetectable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetDevice(ctx, DeviceRecord{DeviceID: "dev1"}); err != nil {
		t.Fatalf("set device: %v", err)
	}
	if err := s.SetPolicyKey(ctx, "dev1", "alice", 1); err != nil {
		t.Fatalf("set policy key: %v", err)
	}

	orphans, err := s.ListOrphanDeviceIDs(ctx)
	if err != nil {
		t.Fatalf("list orphans: %v", err)
	}
	if len(orphans) != 0 {
		t.Fatalf("orphans before cleanup = %v, want none", orphans)
	}

	if err := s.DeleteDeviceUser(ctx, "dev1", "alice"); err != nil {
		t.Fatalf("delete device_user: %v", err)
	}

	count, err := s.CountDeviceUsersForDevice(ctx, "dev1")
	if err != nil {
		t.Fatalf("count device_user: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}

	orphans, err = s.ListOrphanDeviceIDs(ctx)
	if err != nil {
		t.Fatalf("list orphans: %v", err)
	}
	if len(orphans) != 1 || orphans[0] != "dev1" {
		t.Fatalf("orphans = %v, want [dev1]", orphans)
	}
}

func TestDevicesForUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetPolicyKey(ctx, "dev1", "alice", 1); err != nil {
		t.Fatalf("set policy key: %v", err)
	}
	if err := s.SetPolicyKey(ctx, "dev2", "alice", 1); err != nil {
		t.Fatalf("set policy key: %v", err)
	}
	if err := s.SetPolicyKey(ctx, "dev1", "bob", 1); err != nil {
		t.Fatalf("set policy key: %v", err)
	}

	devices, err := s.DevicesForUser(ctx, "alice")
	if err != nil {
		t.Fatalf("devices for user: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("devices = %v, want 2 entries", devices)
	}
}
