// Package gc implements Garbage Collection (spec.md §4.6): retiring stale
// generations of state, map, and mailmap rows. It runs two ways — called
// opportunistically by the State Manager at load/save time for a single
// (device, folder, user) context, and swept periodically across the whole
// store by a cron job (see Sweeper).
package gc

import (
	"context"
	"log/slog"

	"github.com/airsync/syncstate/internal/store"
	"github.com/airsync/syncstate/internal/synckey"
)

// Collector runs GC against a Store.
type Collector struct {
	db     *store.Store
	logger *slog.Logger
}

// New returns a Collector backed by db.
func New(db *store.Store, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{db: db, logger: logger.With("component", "gc")}
}

// OpportunisticForSeries runs invariant 1 & 2 (spec.md §8) for one
// (device, folder, user) context against the current key {G,N}: state rows
// with parsable key {G,M}, M < N-1, or unparsable keys are deleted; map and
// mailmap rows with parsable key {G,M}, M < N, are deleted. It's called
// opportunistically from Load/Save, so it only ever touches the one series
// the caller is already working with.
func (c *Collector) OpportunisticForSeries(ctx context.Context, device, folder, user string, current synckey.Key) error {
	states, err := c.db.ListState(ctx, device, folder, user)
	if err != nil {
		return err
	}
	for _, rec := range states {
		key, err := synckey.Parse(rec.SyncKey)
		stale := err != nil
		if err == nil && key.SameSeries(current) && key.N < current.N-1 {
			stale = true
		}
		if stale {
			if delErr := c.db.DeleteStateByKey(ctx, rec.SyncKey); delErr != nil {
				return delErr
			}
			c.logger.Debug("gc: deleted stale state row", "sync_key", rec.SyncKey, "device", device, "folder", folder, "user", user)
		}
	}

	mapKeys, err := c.db.ListMapKeysForDeviceUser(ctx, device, user)
	if err != nil {
		return err
	}
	for _, fk := range mapKeys {
		if fk.Folder != folder {
			continue
		}
		key, err := synckey.Parse(fk.SyncKey)
		if err != nil || !key.SameSeries(current) || key.N >= current.N {
			continue
		}
		if delErr := c.db.DeleteMapBySyncKey(ctx, device, user, folder, fk.SyncKey); delErr != nil {
			return delErr
		}
	}

	mailKeys, err := c.db.ListMailMapKeysForDeviceUser(ctx, device, user)
	if err != nil {
		return err
	}
	for _, fk := range mailKeys {
		if fk.Folder != folder {
			continue
		}
		key, err := synckey.Parse(fk.SyncKey)
		if err != nil || !key.SameSeries(current) || key.N >= current.N {
			continue
		}
		if delErr := c.db.DeleteMailMapBySyncKey(ctx, device, user, folder, fk.SyncKey); delErr != nil {
			return delErr
		}
	}
	return nil
}

// SweepDeviceUser runs GC across every (folder, series) pair a given
// (device, user) has touched, inferring each folder's current generation
// from the highest-N state row on that folder. Used by the periodic
// Sweeper to catch series that no request has opportunistically visited in
// a while.
func (c *Collector) SweepDeviceUser(ctx context.Context, device, user string) error {
	keys, err := c.db.ListMapKeysForDeviceUser(ctx, device, user)
	if err != nil {
		return err
	}
	folders := map[string]struct{}{}
	for _, fk := range keys {
		folders[fk.Folder] = struct{}{}
	}

	states, err := c.db.ListStateSeriesForDevice(ctx, device)
	if err != nil {
		return err
	}
	for _, rec := range states {
		if rec.User == user {
			folders[rec.FolderID] = struct{}{}
		}
	}

	for folder := range folders {
		rows, err := c.db.ListState(ctx, device, folder, user)
		if err != nil {
			return err
		}
		current, ok := latestKey(rows)
		if !ok {
			continue
		}
		if err := c.OpportunisticForSeries(ctx, device, folder, user, current); err != nil {
			return err
		}
	}
	return nil
}

func latestKey(rows []store.StateRecord) (synckey.Key, bool) {
	var best synckey.Key
	found := false
	for _, rec := range rows {
		key, err := synckey.Parse(rec.SyncKey)
		if err != nil {
			continue
		}
		if !found || key.N > best.N {
			best, found = key, true
		}
	}
	return best, found
}
