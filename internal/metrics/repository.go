package metrics

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/radioguard/internal/errors"
	"codeberg.org/mutker/radioguard/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

// WAL keeps readers from blocking the flusher; incremental auto_vacuum lets
// retention pruning give space back.
const dsnOptions = "?_journal=WAL&_auto_vacuum=2"

type repository struct {
	db   *sql.DB
	log  logger.Logger
	cfg  Config
	now  func() time.Time
	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	mu      sync.Mutex
	pending []*Snapshot
}

// NewRepository opens or creates the snapshot database at cfg.DBPath and
// starts the batch flusher when cfg.BatchTimeout is set.
func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	if cfg.DBPath == "" {
		return nil, errors.New().New(ErrInvalidDBPath)
	}
	if log == nil {
		log = logger.Nop()
	}
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(filepath.Dir(cfg.DBPath), "backups")
	}

	db, err := openDatabase(cfg, log)
	if err != nil {
		return nil, err
	}

	r := &repository{
		db:      db,
		log:     log,
		cfg:     cfg,
		now:     time.Now,
		stop:    make(chan struct{}),
		pending: make([]*Snapshot, 0, cfg.BatchSize),
	}
	r.prune()

	if cfg.BatchSize > 0 && cfg.BatchTimeout > 0 {
		r.wg.Add(1)
		go r.flushEvery(cfg.BatchTimeout)
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Dur("retention", cfg.Retention).
		Msg("Snapshot repository initialized")

	return r, nil
}

func openDatabase(cfg Config, log logger.Logger) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, failure(ErrStorageInit, "create_directory", cfg.DBPath, err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath+dsnOptions)
	if err != nil {
		return nil, failure(ErrStorageInit, "open_database", cfg.DBPath, err)
	}

	if err := prepareSchema(db, cfg, log); err != nil {
		_ = db.Close()
		return nil, errors.New().Wrap(ErrStorageInit, err)
	}

	return db, nil
}

// Record queues snapshot and writes the queue once it reaches BatchSize.
func (r *repository) Record(snapshot *Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pending = append(r.pending, snapshot)
	if len(r.pending) < r.cfg.BatchSize {
		return nil
	}

	return r.flushLocked()
}

// Recent flushes pending snapshots and returns up to limit of them, newest first.
func (r *repository) Recent(ctx context.Context, limit int) ([]Snapshot, error) {
	if err := r.flush(); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, recentSnapshotsSQL, limit)
	if err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, errors.New().Wrap(ErrStorageAccess, err)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.New().Wrap(ErrStorageAccess, err)
	}

	return snapshots, nil
}

func scanSnapshot(rows *sql.Rows) (Snapshot, error) {
	var (
		s                  Snapshot
		ts                 int64
		radioOff, lowPower int
	)
	if err := rows.Scan(&ts, &s.Temperature, &s.Tier, &s.CPUFrequency, &radioOff, &lowPower); err != nil {
		return Snapshot{}, err
	}

	s.Timestamp = time.UnixMilli(ts)
	s.RadioDisabled = radioOff == 1
	s.LowPowerMode = lowPower == 1

	return s, nil
}

// Close stops the flusher, writes whatever is still queued and checkpoints
// the WAL. Only the first call does any work.
func (r *repository) Close() error {
	var err error
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()

		if ferr := r.flush(); ferr != nil {
			r.log.Warn().Err(ferr).Msg("Dropping unflushed snapshots")
		}
		err = r.closeDatabase()
	})

	return err
}

func (r *repository) closeDatabase() error {
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		_ = r.db.Close()
		return failure(ErrStorageClose, "checkpoint_wal", r.cfg.DBPath, err)
	}
	if err := r.db.Close(); err != nil {
		return failure(ErrStorageClose, "close_database", r.cfg.DBPath, err)
	}

	r.log.Info().Msg("Snapshot repository closed")

	return nil
}

func (r *repository) flushEvery(interval time.Duration) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if err := r.flush(); err != nil {
				r.log.Warn().Err(err).Msg("Periodic snapshot flush failed")
			}
			r.prune()
		}
	}
}

func (r *repository) prune() {
	removed, err := pruneSnapshots(r.db, r.cfg.Retention, r.now())
	switch {
	case err != nil:
		r.log.Warn().Err(err).Msg("Failed to prune old snapshots")
	case removed > 0:
		r.log.Debug().Int64("removed", removed).Msg("Pruned old snapshots")
	}
}

func (r *repository) flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.flushLocked()
}

// flushLocked writes the queue in one transaction. The queue is emptied
// whether or not the write succeeds so one bad row cannot wedge it.
func (r *repository) flushLocked() error {
	if len(r.pending) == 0 {
		return nil
	}

	batch := r.pending
	r.pending = r.pending[:0]

	if err := r.writeBatch(batch); err != nil {
		r.log.Warn().Err(err).Int("records", len(batch)).Msg("Discarding snapshot batch")
		return errors.New().Wrap(ErrTransactionFailed, err)
	}

	r.log.Debug().Int("records", len(batch)).Msg("Flushed snapshots")

	return nil
}

func (r *repository) writeBatch(batch []*Snapshot) (err error) {
	tx, err := r.db.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.Prepare(insertSnapshotSQL)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range batch {
		if _, err = stmt.Exec(
			s.Timestamp.UnixMilli(),
			s.Temperature,
			s.Tier,
			int64(s.CPUFrequency),
			boolToInt(s.RadioDisabled),
			boolToInt(s.LowPowerMode),
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}
