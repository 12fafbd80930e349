// Package metrics stores thermal snapshots in sqlite so the last known state
// survives restarts and can be inspected after an emergency shutdown.
package metrics

import (
	"context"

	"codeberg.org/mutker/radioguard/internal/errors"
	"codeberg.org/mutker/radioguard/internal/logger"
)

// tiers mirrors the CHECK constraint on snapshots.tier.
var tiers = map[string]bool{
	"NORMAL":         true,
	"POWER_REDUCED":  true,
	"RADIO_DISABLED": true,
	"SHUTDOWN":       true,
}

type collector struct {
	repo Repository
}

type noopCollector struct{}

// NewService returns a sqlite backed collector, or a no-op one when cfg is
// disabled.
func NewService(cfg Config, log logger.Logger) (Collector, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}
	if log == nil {
		log = logger.Nop()
	}

	if !cfg.Enabled {
		log.Debug().Msg("Snapshot collection disabled")
		return Noop(), nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return &collector{repo: repo}, nil
}

// Noop returns a collector that discards everything.
func Noop() Collector {
	return noopCollector{}
}

// Record validates snapshot and queues it for the next batch write.
func (c *collector) Record(ctx context.Context, snapshot *Snapshot) error {
	errFactory := errors.New()

	if snapshot == nil {
		return errFactory.WithMessage(ErrInvalidSnapshot, "snapshot is nil")
	}
	if !tiers[snapshot.Tier] {
		return errFactory.WithData(ErrInvalidSnapshot, errors.FieldError{
			Field: "tier", Value: snapshot.Tier, Reason: "unknown tier",
		})
	}
	if err := ctx.Err(); err != nil {
		return errFactory.Wrap(ErrOperationTimeout, err)
	}

	if err := c.repo.Record(snapshot); err != nil {
		return errFactory.Wrap(ErrRecordFailed, err)
	}

	return nil
}

// Latest returns the newest stored snapshot, or nil when there is none.
func (c *collector) Latest(ctx context.Context) (*Snapshot, error) {
	snapshots, err := c.repo.Recent(ctx, 1)
	if err != nil || len(snapshots) == 0 {
		return nil, err
	}

	return &snapshots[0], nil
}

func (c *collector) Close() error {
	return c.repo.Close()
}

func (noopCollector) Record(context.Context, *Snapshot) error { return nil }

func (noopCollector) Latest(context.Context) (*Snapshot, error) { return nil, nil }

func (noopCollector) Close() error { return nil }
