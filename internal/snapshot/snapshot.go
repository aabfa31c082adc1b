// Package snapshot defines the folder-hierarchy and per-collection snapshot
// types embedded in a StateRecord's sync_data blob, plus the pending-changes
// list embedded in sync_pending.
//
// The source system stores these as native object graphs; here they are
// owned Go values with a versioned binary encoding (see codec.go) so a
// future format change does not require a flag day.
package snapshot

// Class identifies the kind of collection a snapshot belongs to. The core
// never interprets item content beyond what's needed for loop suppression
// and server-id rename; the backend content driver owns everything else.
type Class string

const (
	ClassEmail    Class = "email"
	ClassContacts Class = "contacts"
	ClassCalendar Class = "calendar"
	ClassTasks    Class = "tasks"
)

// FolderSentinel is the folder_id used for hierarchy (FolderSync) state
// rows, as opposed to a real collection id.
const FolderSentinel = "foldersync"

// FolderEntry is one row of the folder-hierarchy snapshot.
type FolderEntry struct {
	ID          string
	ServerID    string
	Parent      string
	DisplayName string
	Type        string
}

// Folders is the folder-hierarchy snapshot: the full set of collections the
// device has been told about, keyed in encounter order (order matters for
// stable FolderSync responses).
type Folders struct {
	Entries []FolderEntry
}

// IndexByID returns the position of the entry with the given id, or -1.
func (f *Folders) IndexByID(id string) int {
	for i, e := range f.Entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

// Remove deletes the entry with the given id, if present.
func (f *Folders) Remove(id string) {
	if i := f.IndexByID(id); i >= 0 {
		f.Entries = append(f.Entries[:i], f.Entries[i+1:]...)
	}
}

// Upsert replaces the entry with the same id, or appends it.
func (f *Folders) Upsert(e FolderEntry) {
	if i := f.IndexByID(e.ID); i >= 0 {
		f.Entries[i] = e
		return
	}
	f.Entries = append(f.Entries, e)
}

// EmailFlags is the per-UID flag state tracked for an email collection.
type EmailFlags struct {
	Read     bool
	Flagged  bool
	Draft    bool
	Category string
}

// EmailCollection is the last-known IMAP UID set plus flags for a mail
// folder.
type EmailCollection struct {
	UIDs map[string]EmailFlags
}

// ItemStat is the last-known stat tuple for a non-email item (contacts,
// calendar, tasks): just enough to detect "changed since".
type ItemStat struct {
	ModTime int64
	Hash    string
}

// GenericCollection is the last-known per-item stat tuple set for a
// non-email collection.
type GenericCollection struct {
	Items map[string]ItemStat
}

// Collection is the tagged union of collection snapshot variants. Exactly
// one of Email/Generic is non-nil, selected by Class.
type Collection struct {
	Class   Class
	Email   *EmailCollection
	Generic *GenericCollection
}

// Empty returns a zero-value collection snapshot of the given class, used
// when sync_data is empty on a SYNC request (the only behavior the
// implementation must match bit-for-bit with the source: an empty snapshot
// of the correct class, not a nil snapshot the caller must special-case).
func Empty(class Class) Collection {
	if class == ClassEmail {
		return Collection{Class: class, Email: &EmailCollection{UIDs: map[string]EmailFlags{}}}
	}
	return Collection{Class: class, Generic: &GenericCollection{Items: map[string]ItemStat{}}}
}

// ChangeType enumerates the kinds of change a pending or map entry records.
type ChangeType string

const (
	ChangeAdd    ChangeType = "ADD"
	ChangeChange ChangeType = "CHANGE"
	ChangeDelete ChangeType = "DELETE"
	ChangeFlags  ChangeType = "FLAGS"
)

// Change is one server→client or client→server change, as tracked in the
// pending-changes list and (for server→client) matched against it on
// dispatch.
type Change struct {
	UID      string
	Type     ChangeType
	Flags    *EmailFlags // set only when Type == FLAGS/CHANGE for email
	ClientID string      // client-assigned dedup token, Add only
}

// Pending is the list of server→client changes deferred across multiple
// responses because the client's window size was exceeded.
type Pending struct {
	Changes []Change
}

// IndexByUID returns the position of the change for uid, or -1.
func (p *Pending) IndexByUID(uid string) int {
	for i, c := range p.Changes {
		if c.UID == uid {
			return i
		}
	}
	return -1
}

// Remove deletes the change for uid, if present.
func (p *Pending) Remove(uid string) {
	if i := p.IndexByUID(uid); i >= 0 {
		p.Changes = append(p.Changes[:i], p.Changes[i+1:]...)
	}
}

// MoreAvailable reports whether there are still undelivered changes.
func (p *Pending) MoreAvailable() bool {
	return len(p.Changes) > 0
}
