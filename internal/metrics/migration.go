package metrics

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"codeberg.org/mutker/radioguard/internal/errors"
	"codeberg.org/mutker/radioguard/internal/logger"
)

const (
	backupPrefix     = "thermal_v"
	backupTimeLayout = "20060102T150405.000Z"
)

// phaseFailure is attached to storage setup errors.
type phaseFailure struct {
	Phase  string
	Target string
	Error  string
}

func failure(code errors.ErrorCode, phase, target string, err error) error {
	return errors.New().WithData(code, phaseFailure{Phase: phase, Target: target, Error: err.Error()})
}

// prepareSchema brings db to SchemaVersion. A database written by another
// version is copied into cfg.BackupDir first and then rebuilt empty.
func prepareSchema(db *sql.DB, cfg Config, log logger.Logger) error {
	version, err := schemaVersion(db)
	if err != nil {
		return err
	}

	switch version {
	case SchemaVersion:
		log.Debug().Int("version", version).Msg("Snapshot schema is current")
		return nil
	case 0:
		return rebuildSchema(db, log)
	}

	log.Warn().
		Int("found", version).
		Int("expected", SchemaVersion).
		Msg("Snapshot schema version mismatch, rebuilding")

	if _, err := backupDatabase(db, cfg.BackupDir, version, log); err != nil {
		return errors.New().Wrap(ErrSchemaMigrationFailed, err)
	}
	if err := pruneBackups(cfg.BackupDir, cfg.MaxBackups, log); err != nil {
		log.Warn().Err(err).Msg("Failed to prune old snapshot backups")
	}

	return rebuildSchema(db, log)
}

// rebuildSchema drops every managed table and recreates the current schema
// in one transaction.
func rebuildSchema(db *sql.DB, log logger.Logger) (err error) {
	tx, err := db.Begin()
	if err != nil {
		return failure(ErrSchemaInitFailed, "begin", "", err)
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			log.Debug().Err(rbErr).Msg("Failed to roll back schema rebuild")
		}
	}()

	for _, table := range managedTables {
		if _, err = tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
			return failure(ErrSchemaMigrationFailed, "drop_table", table, err)
		}
	}
	if _, err = tx.Exec(createSchemaSQL); err != nil {
		return failure(ErrSchemaInitFailed, "create_tables", "", err)
	}
	if _, err = tx.Exec(recordVersionSQL, SchemaVersion); err != nil {
		return failure(ErrSchemaInitFailed, "record_version", "schema_versions", err)
	}
	if err = tx.Commit(); err != nil {
		return failure(ErrSchemaInitFailed, "commit", "", err)
	}

	log.Info().Int("version", SchemaVersion).Msg("Snapshot schema created")

	return nil
}

func backupDatabase(db *sql.DB, backupDir string, version int, log logger.Logger) (string, error) {
	if err := os.MkdirAll(backupDir, defaultDirPerm); err != nil {
		return "", failure(ErrSchemaInitFailed, "create_backup_dir", backupDir, err)
	}

	stamp := time.Now().UTC().Format(backupTimeLayout)
	backupPath := filepath.Join(backupDir, fmt.Sprintf("%s%d_%s.db", backupPrefix, version, stamp))

	// VACUUM INTO must run outside a transaction.
	if _, err := db.Exec("VACUUM INTO ?", backupPath); err != nil {
		return "", failure(ErrSchemaInitFailed, "create_backup", backupPath, err)
	}

	log.Info().
		Str("path", backupPath).
		Int("version", version).
		Msg("Snapshot database backed up")

	return backupPath, nil
}

// pruneBackups keeps the keep newest backups in dir. keep <= 0 keeps all.
func pruneBackups(dir string, keep int, log logger.Logger) error {
	if keep <= 0 {
		return nil
	}

	backups, err := filepath.Glob(filepath.Join(dir, backupPrefix+"*.db"))
	if err != nil {
		return err
	}
	if len(backups) <= keep {
		return nil
	}

	sort.Slice(backups, func(i, j int) bool {
		return backupStamp(backups[i]) > backupStamp(backups[j])
	})

	for _, path := range backups[keep:] {
		if err := os.Remove(path); err != nil {
			return err
		}
		log.Debug().Str("path", path).Msg("Removed old snapshot backup")
	}

	return nil
}

// backupStamp returns the timestamp part of a backup file name. The layout
// sorts lexically in time order regardless of the version prefix.
func backupStamp(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), ".db")
	if i := strings.LastIndexByte(name, '_'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// pruneSnapshots deletes snapshots older than retention. retention <= 0
// keeps everything.
func pruneSnapshots(db *sql.DB, retention time.Duration, now time.Time) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}

	res, err := db.Exec(pruneSnapshotsSQL, now.Add(-retention).UnixMilli())
	if err != nil {
		return 0, errors.New().Wrap(ErrStorageAccess, err)
	}

	return res.RowsAffected()
}
