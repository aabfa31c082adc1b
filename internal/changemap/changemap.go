// Package changemap implements the Change Map (spec.md §4.3): duplicate
// detection for client-originated adds/changes, and loop suppression for
// server→client export — the mechanism that stops a device from being
// re-told about a change it just made itself.
package changemap

import (
	"context"

	"github.com/airsync/syncstate/internal/snapshot"
	"github.com/airsync/syncstate/internal/store"
	"github.com/airsync/syncstate/internal/synckey"
)

// Map is a handle onto the change map for one (device, user, folder)
// context, backed by a Store.
type Map struct {
	db     *store.Store
	device string
	user   string
	folder string
}

// New returns a change map handle scoped to a single sync context.
func New(db *store.Store, device, user, folder string) *Map {
	return &Map{db: db, device: device, user: user, folder: folder}
}

// IsDuplicateAddition returns the server UID previously assigned to a
// message the client tagged with clientID, if any — enabling the server to
// answer an Add retry idempotently after a dropped response (spec.md §4.3,
// §8 property 6).
func (m *Map) IsDuplicateAddition(ctx context.Context, clientID string) (uid string, ok bool, err error) {
	if clientID == "" {
		return "", false, nil
	}
	return m.db.FindMapByClientID(ctx, m.device, m.user, m.folder, clientID)
}

// IsDuplicateChange reports whether uid already has a map row under
// syncKey: the client already saw its own change applied in this
// generation.
func (m *Map) IsDuplicateChange(ctx context.Context, uid, syncKey string) (bool, error) {
	return m.db.ExistsMapForUIDAndKey(ctx, m.device, m.user, m.folder, uid, syncKey)
}

// HasPIMChanges is a cheap existence probe to skip loop suppression when the
// map is empty for this context. For class EMAIL it returns true
// unconditionally: the cost of consulting mailmap always pays off on email,
// since flag-only changes are common and routinely self-inflicted.
func (m *Map) HasPIMChanges(ctx context.Context, class snapshot.Class) (bool, error) {
	if class == snapshot.ClassEmail {
		return true, nil
	}
	return m.db.HasAnyMap(ctx, m.device, m.user, m.folder)
}

// relevantKeys returns the current and immediately-preceding generation of
// current's series, as wire-form strings. Loop suppression consults both
// generations because a candidate change may have been recorded by the
// client's prior sync cycle, one generation back (spec.md §4.3).
func relevantKeys(current synckey.Key) []string {
	keys := []string{current.String()}
	if !current.IsBootstrap() {
		keys = append(keys, current.Previous().String())
	}
	return keys
}

// PIMChangeTimestamps computes, for each candidate uid, the max sync_modtime
// of any map row matching this context whose sync_key is the current
// generation or the one immediately preceding it. DELETE candidates
// additionally require a deleted=true row. Callers drop any candidate whose
// server-side modtime is <= this timestamp: the client already has that
// state (spec.md §4.3).
func (m *Map) PIMChangeTimestamps(ctx context.Context, currentKey synckey.Key, changes []snapshot.Change) (map[string]int64, error) {
	rows, err := m.db.ListMapForKeys(ctx, m.device, m.user, m.folder, relevantKeys(currentKey))
	if err != nil {
		return nil, err
	}

	out := make(map[string]int64, len(changes))
	wanted := make(map[string]snapshot.ChangeType, len(changes))
	for _, c := range changes {
		wanted[c.UID] = c.Type
	}

	for _, row := range rows {
		ct, ok := wanted[row.UID]
		if !ok {
			continue
		}
		if ct == snapshot.ChangeDelete && !row.Deleted {
			continue
		}
		if row.ModTime > out[row.UID] {
			out[row.UID] = row.ModTime
		}
	}
	return out, nil
}

// MailMapAgreement is the per-kind agreement result for one candidate email
// change: true means the recorded mailmap row already reflects this aspect
// of the change, so the caller should drop it from the export.
type MailMapAgreement struct {
	Flags  bool
	Delete bool
	Change bool
	Draft  bool
}

// MailMapChanges computes, per uid, whether the recorded mailmap row agrees
// with each candidate email change (spec.md §4.3): e.g. sync_read ==
// change.Flags.Read. Callers drop matching aspects from the export.
func (m *Map) MailMapChanges(ctx context.Context, currentKey synckey.Key, changes []snapshot.Change) (map[string]MailMapAgreement, error) {
	rows, err := m.db.ListMailMapForKeys(ctx, m.device, m.user, m.folder, relevantKeys(currentKey))
	if err != nil {
		return nil, err
	}

	byUID := make(map[string]store.MailMapRecord, len(rows))
	for _, row := range rows {
		// Later generation in relevantKeys (Previous) loses to the current
		// generation's row when both exist, since relevantKeys is ordered
		// [current, previous] and the store has no ordering guarantee across
		// the IN() clause.
		if existing, ok := byUID[row.UID]; !ok || row.SyncKey == currentKey.String() || existing.SyncKey != currentKey.String() {
			byUID[row.UID] = row
		}
	}

	out := make(map[string]MailMapAgreement, len(changes))
	for _, c := range changes {
		row, ok := byUID[c.UID]
		if !ok {
			continue
		}
		var agree MailMapAgreement
		if row.Deleted != nil {
			agree.Delete = *row.Deleted && c.Type == snapshot.ChangeDelete
		}
		if c.Flags != nil {
			if row.Read != nil {
				agree.Flags = agree.Flags || *row.Read == c.Flags.Read
			}
			if row.Flagged != nil {
				agree.Flags = agree.Flags || *row.Flagged == c.Flags.Flagged
			}
			if row.Category != nil {
				agree.Flags = agree.Flags || *row.Category == c.Flags.Category
			}
			if row.Draft != nil {
				agree.Draft = *row.Draft == c.Flags.Draft
			}
		}
		if row.Changed != nil {
			agree.Change = *row.Changed && (c.Type == snapshot.ChangeChange)
		}
		out[c.UID] = agree
	}
	return out, nil
}

// RecordAdd appends a map row for a client-originated (or server-assigned,
// client-tagged) addition.
func (m *Map) RecordAdd(ctx context.Context, uid, syncKey, clientID string, modTime int64) error {
	return m.db.InsertMap(ctx, store.MapRecord{
		UID: uid, ModTime: modTime, SyncKey: syncKey,
		Device: m.device, User: m.user, Folder: m.folder, ClientID: clientID,
	})
}

// RecordDelete appends a map row marking uid deleted under syncKey.
func (m *Map) RecordDelete(ctx context.Context, uid, syncKey string, modTime int64) error {
	return m.db.InsertMap(ctx, store.MapRecord{
		UID: uid, ModTime: modTime, SyncKey: syncKey,
		Device: m.device, User: m.user, Folder: m.folder, Deleted: true,
	})
}

// MailAspect identifies the single mailmap column a client-originated email
// change affects (spec.md §3: "each nullable, only the column matching the
// incoming change is set").
type MailAspect int

const (
	AspectRead MailAspect = iota
	AspectFlagged
	AspectCategory
	AspectDraft
	AspectChanged
)

// RecordMailAspect appends a mailmap row with exactly one column populated:
// the bool columns take boolValue, the category column takes categoryValue,
// selected by aspect.
func (m *Map) RecordMailAspect(ctx context.Context, uid, syncKey string, aspect MailAspect, boolValue bool, categoryValue string) error {
	rec := store.MailMapRecord{UID: uid, SyncKey: syncKey, Device: m.device, User: m.user, Folder: m.folder}
	switch aspect {
	case AspectRead:
		rec.Read = &boolValue
	case AspectFlagged:
		rec.Flagged = &boolValue
	case AspectDraft:
		rec.Draft = &boolValue
	case AspectChanged:
		rec.Changed = &boolValue
	case AspectCategory:
		rec.Category = &categoryValue
	}
	return m.db.InsertMailMap(ctx, rec)
}

// RecordMailDelete appends a mailmap row marking uid deleted under syncKey.
func (m *Map) RecordMailDelete(ctx context.Context, uid, syncKey string) error {
	deleted := true
	return m.db.InsertMailMap(ctx, store.MailMapRecord{
		UID: uid, SyncKey: syncKey, Device: m.device, User: m.user, Folder: m.folder,
		Deleted: &deleted,
	})
}
