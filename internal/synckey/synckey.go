// Package synckey implements the opaque sync-key token: the continuation
// token clients present on every sync cycle, of the form "{GUID}N".
package synckey

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"regexp"
	"strconv"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/airsync/syncstate/internal/syncerr"
)

var pattern = regexp.MustCompile(`^\{([0-9A-Za-z-]+)\}([0-9]+)$`)

// Key is a parsed sync key: a series GUID and a generation counter.
type Key struct {
	GUID string
	N    int
}

// Bootstrap is the zero-generation key the protocol uses before any state
// exists: N=0 means "no state yet".
func Bootstrap(guid string) Key { return Key{GUID: guid, N: 0} }

// String renders the key back to wire form, "{GUID}N".
func (k Key) String() string {
	return fmt.Sprintf("{%s}%d", k.GUID, k.N)
}

// IsBootstrap reports whether this is generation 0.
func (k Key) IsBootstrap() bool { return k.N == 0 }

// SameSeries reports whether two keys share a GUID.
func (k Key) SameSeries(other Key) bool { return k.GUID == other.GUID }

// Previous returns the key one generation behind this one. Valid to call
// even when N == 0; callers must check IsBootstrap first if that matters.
func (k Key) Previous() Key {
	return Key{GUID: k.GUID, N: k.N - 1}
}

// Parse parses a wire-form sync key. Parse failure is a protocol error:
// the caller must return PROTOERR and not attempt further state operations.
func Parse(s string) (Key, error) {
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return Key{}, syncerr.New(syncerr.ProtocolError, fmt.Sprintf("malformed sync key %q", s))
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return Key{}, syncerr.Wrap(syncerr.ProtocolError, fmt.Sprintf("malformed generation in sync key %q", s), err)
	}
	return Key{GUID: m[1], N: n}, nil
}

// New generates a fresh series: {G}1, where G is a newly generated GUID.
// The caller is responsible for checking the new series for collisions and
// regenerating on collision (statemanager.Manager.GetNewSyncKey does this),
// since collision detection requires the device's state rows on its other
// folders, which this package cannot see.
func New() Key {
	return Key{GUID: newGUID(), N: 1}
}

// Next advances a key to the next generation within the same series.
func Next(k Key) Key {
	return Key{GUID: k.GUID, N: k.N + 1}
}

// Counter returns the generation number of a key.
func Counter(k Key) int { return k.N }

// Series returns the GUID of a key's series.
func Series(k Key) string { return k.GUID }

// newGUID generates a globally-unique series identifier. It salts the raw
// UUID through HKDF keyed on fresh random bytes so that two devices racing
// to mint a series in the same instant cannot land on related-looking
// identifiers even if their underlying uuid.New() source were ever shared
// (e.g. a misconfigured deterministic RNG in a test harness).
func newGUID() string {
	base := uuid.New()

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		// crypto/rand failing is catastrophic for the whole process; the
		// base UUID is still globally unique on its own, so fall back to it.
		return base.String()
	}

	h := hkdf.New(sha256.New, base[:], salt, []byte("synckey-series"))
	out := make([]byte, 16)
	if _, err := h.Read(out); err != nil {
		return base.String()
	}

	derived, err := uuid.FromBytes(out)
	if err != nil {
		return base.String()
	}
	return derived.String()
}
