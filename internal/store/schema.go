package store

// schema defines the six logical tables of the Persistent Store. Column
// names are part of the on-disk contract (spec.md §6) and must not change
// without a migration.
const schema = `
CREATE TABLE IF NOT EXISTS state (
	sync_key        TEXT PRIMARY KEY,
	sync_data       BLOB,
	sync_devid      TEXT NOT NULL,
	sync_folderid   TEXT NOT NULL,
	sync_user       TEXT NOT NULL,
	sync_mod        INTEGER NOT NULL DEFAULT 0,
	sync_pending    BLOB,
	sync_timestamp  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_state_device_folder_user ON state(sync_devid, sync_folderid, sync_user);

CREATE TABLE IF NOT EXISTS map (
	message_uid     TEXT NOT NULL,
	sync_modtime    INTEGER NOT NULL DEFAULT 0,
	sync_key        TEXT NOT NULL,
	sync_devid      TEXT NOT NULL,
	sync_folderid   TEXT NOT NULL,
	sync_user       TEXT NOT NULL,
	sync_clientid   TEXT,
	sync_deleted    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_map_device_user_folder ON map(sync_devid, sync_user, sync_folderid);
CREATE INDEX IF NOT EXISTS idx_map_clientid ON map(sync_clientid);

CREATE TABLE IF NOT EXISTS mailmap (
	message_uid     TEXT NOT NULL,
	sync_key        TEXT NOT NULL,
	sync_devid      TEXT NOT NULL,
	sync_folderid   TEXT NOT NULL,
	sync_user       TEXT NOT NULL,
	sync_read       INTEGER,
	sync_flagged    INTEGER,
	sync_deleted    INTEGER,
	sync_changed    INTEGER,
	sync_category   TEXT,
	sync_draft      INTEGER
);
CREATE INDEX IF NOT EXISTS idx_mailmap_device_user_folder ON mailmap(sync_devid, sync_user, sync_folderid);

CREATE TABLE IF NOT EXISTS device (
	device_id          TEXT PRIMARY KEY,
	device_type        TEXT,
	device_agent       TEXT,
	device_rwstatus    TEXT NOT NULL DEFAULT 'NA',
	device_supported   BLOB,
	device_properties  BLOB
);

CREATE TABLE IF NOT EXISTS device_user (
	device_id       TEXT NOT NULL,
	device_user     TEXT NOT NULL,
	device_policykey INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (device_id, device_user)
);

CREATE TABLE IF NOT EXISTS cache (
	cache_devid  TEXT NOT NULL,
	cache_user   TEXT NOT NULL,
	cache_data   BLOB,
	PRIMARY KEY (cache_devid, cache_user)
);
`
