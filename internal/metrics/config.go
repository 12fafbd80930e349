package metrics

import (
	"time"

	"codeberg.org/mutker/radioguard/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm   = 0o755
	defaultDBPath    = "/var/lib/radioguard/thermal.db"
	defaultBackupDir = "/var/lib/radioguard/backups"
)

type Config struct {
	DBPath       string
	BackupDir    string
	BatchSize    int
	BatchTimeout time.Duration
	// Retention drops snapshots older than this; zero keeps them forever.
	Retention time.Duration
	// MaxBackups caps the schema mismatch backups kept in BackupDir.
	MaxBackups int
	Enabled    bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath,
		BackupDir:    defaultBackupDir,
		BatchSize:    30,
		BatchTimeout: time.Minute,
		Retention:    30 * 24 * time.Hour,
		MaxBackups:   5,
		Enabled:      false, // Disabled by default
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate storage settings if metrics is enabled
	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, errors.FieldError{
			Field: "metrics.batch", Value: c.BatchSize, Reason: "batch settings must not be negative",
		})
	}
	if c.Retention < 0 || c.MaxBackups < 0 {
		return errFactory.WithData(ErrInvalidConfig, errors.FieldError{
			Field: "metrics.retention", Value: c.Retention, Reason: "retention settings must not be negative",
		})
	}

	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
