// Package backend declares the content-driver dependency the core calls
// into when refreshing folder stats during server→client update (spec.md
// §4.2, §6): plain reads against whatever actually holds mailbox/PIM
// content (IMAP, CardDAV, a device-management API, ...). The core never
// implements this itself.
package backend

import "context"

// FolderStat is the plain record GetFolder/StatFolder return: enough to
// detect whether a folder's metadata drifted since the last snapshot.
type FolderStat struct {
	ID          string
	Parent      string
	DisplayName string
	ServerID    string
	Type        string
}

// Driver is the externally provided content source the core calls into
// during FOLDERSYNC refresh. Implementations talk to the real backend
// (IMAP, CardDAV, whatever the deployment backs collections with); the core
// only ever reads.
type Driver interface {
	// GetFolder returns the current stat for a server-side folder id.
	GetFolder(ctx context.Context, serverID string) (FolderStat, bool, error)
	// StatFolder returns the stat for a folder identified by its full
	// client-facing tuple, used when the server id alone is ambiguous.
	StatFolder(ctx context.Context, id, parent, displayName, serverID, typ string) (FolderStat, error)
}
