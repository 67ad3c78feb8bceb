package sqlite

import "database/sql"

// schema contains the SQL statements to set up the database schema.
// These run on startup to ensure tables exist. A device database uses the
// snapshot, queue, cursor and key tables; a relay database only uses
// update_records and actors.
const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
    group_id TEXT PRIMARY KEY,
    data BLOB NOT NULL,
    version_tag TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS incremental_updates (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    group_id TEXT NOT NULL,
    data BLOB NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS offline_queue (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    group_id TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    actor_id TEXT NOT NULL,
    update_data TEXT NOT NULL,
    version TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS sync_cursors (
    group_id TEXT PRIMARY KEY,
    last_sync_timestamp INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS group_keys (
    group_id TEXT NOT NULL,
    version INTEGER NOT NULL,
    key BLOB NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (group_id, version)
);

CREATE TABLE IF NOT EXISTS update_records (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    group_id TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    actor_id TEXT NOT NULL,
    update_data TEXT NOT NULL,
    version TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS actors (
    id TEXT PRIMARY KEY,
    secret_hash TEXT NOT NULL,
    created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_incremental_updates_group_id ON incremental_updates(group_id, seq);
CREATE INDEX IF NOT EXISTS idx_update_records_group_ts ON update_records(group_id, timestamp);
`

// runMigrations executes the schema setup.
func runMigrations(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}
