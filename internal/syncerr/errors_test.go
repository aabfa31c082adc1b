package syncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(StateGone, "no row for sync key")
	if !Is(err, StateGone) {
		t.Fatal("expected Is(err, StateGone) to be true")
	}
	if Is(err, ProtocolError) {
		t.Fatal("expected Is(err, ProtocolError) to be false")
	}
}

func TestIsUnwrapsThroughFmtErrorf(t *testing.T) {
	cause := New(DeviceNotFound, "device xyz")
	wrapped := fmt.Errorf("loading device: %w", cause)
	if !Is(wrapped, DeviceNotFound) {
		t.Fatal("expected Is to see through fmt.Errorf wrapping")
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(Storage, "save state", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to find the wrapped cause")
	}
	if err.Error() == "" {
		t.Fatal("expected non-empty error message")
	}
}
