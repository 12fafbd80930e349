package metrics

import (
	"database/sql"

	"codeberg.org/mutker/radioguard/internal/errors"
)

// SchemaVersion is bumped whenever createSchemaSQL changes shape. Databases
// at any other version are backed up and rebuilt.
const SchemaVersion = 1

const (
	createSchemaSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS snapshots (
	       id             INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp      INTEGER NOT NULL CHECK (typeof(timestamp) = 'integer'),
	       temperature    REAL NOT NULL,
	       tier           TEXT NOT NULL CHECK (tier IN ('NORMAL', 'POWER_REDUCED', 'RADIO_DISABLED', 'SHUTDOWN')),
	       cpu_frequency  INTEGER NOT NULL CHECK (typeof(cpu_frequency) = 'integer'),
	       radio_disabled INTEGER NOT NULL CHECK (radio_disabled IN (0, 1)),
	       low_power_mode INTEGER NOT NULL CHECK (low_power_mode IN (0, 1))
	   );
	   CREATE INDEX IF NOT EXISTS idx_snapshots_timestamp ON snapshots (timestamp);`

	recordVersionSQL = `
    INSERT INTO schema_versions (version, applied_at)
    VALUES (?, datetime('now'))`

	schemaVersionSQL = `
    SELECT version
    FROM schema_versions
    ORDER BY version DESC
    LIMIT 1`

	versionTableSQL = `
    SELECT EXISTS (
        SELECT 1 FROM sqlite_master
        WHERE type = 'table' AND name = 'schema_versions'
    )`

	insertSnapshotSQL = `
    INSERT INTO snapshots (
        timestamp, temperature, tier, cpu_frequency,
        radio_disabled, low_power_mode
    ) VALUES (?, ?, ?, ?, ?, ?)`

	recentSnapshotsSQL = `
    SELECT timestamp, temperature, tier, cpu_frequency, radio_disabled, low_power_mode
    FROM snapshots
    ORDER BY id DESC
    LIMIT ?`

	pruneSnapshotsSQL = `DELETE FROM snapshots WHERE timestamp < ?`
)

// managedTables are dropped, in order, when the schema is rebuilt.
var managedTables = []string{"snapshots", "schema_versions"}

// schemaVersion reports the newest recorded version, or 0 for a database
// that has never been initialized.
func schemaVersion(db *sql.DB) (int, error) {
	var exists bool
	if err := db.QueryRow(versionTableSQL).Scan(&exists); err != nil {
		return 0, failure(ErrSchemaValidationFailed, "check_version_table", "schema_versions", err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err := db.QueryRow(schemaVersionSQL).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, failure(ErrSchemaValidationFailed, "get_version", "schema_versions", err)
	}

	return version, nil
}
