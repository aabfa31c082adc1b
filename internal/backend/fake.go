package backend

import "context"

// Fake is a deterministic in-memory Driver, for tests that exercise
// statemanager's FOLDERSYNC refresh path without a real mailbox backend.
type Fake struct {
	byServerID map[string]FolderStat
}

// NewFake returns an empty Fake. Use Set to seed folder stats.
func NewFake() *Fake {
	return &Fake{byServerID: map[string]FolderStat{}}
}

// Set registers the stat a subsequent GetFolder/StatFolder call should
// return for stat.ServerID.
func (f *Fake) Set(stat FolderStat) {
	f.byServerID[stat.ServerID] = stat
}

func (f *Fake) GetFolder(ctx context.Context, serverID string) (FolderStat, bool, error) {
	stat, ok := f.byServerID[serverID]
	return stat, ok, nil
}

func (f *Fake) StatFolder(ctx context.Context, id, parent, displayName, serverID, typ string) (FolderStat, error) {
	if stat, ok := f.byServerID[serverID]; ok {
		return stat, nil
	}
	return FolderStat{ID: id, Parent: parent, DisplayName: displayName, ServerID: serverID, Type: typ}, nil
}
