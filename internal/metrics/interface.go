package metrics

import (
	"context"
	"time"
)

// Collector receives one snapshot per completed thermal evaluation.
type Collector interface {
	Record(ctx context.Context, snapshot *Snapshot) error
	// Latest returns the most recently stored snapshot, or nil when there
	// is none.
	Latest(ctx context.Context) (*Snapshot, error)
	Close() error
}

// Repository defines the interface for snapshot storage
type Repository interface {
	Record(snapshot *Snapshot) error
	Recent(ctx context.Context, limit int) ([]Snapshot, error)
	Close() error
}

// Snapshot is the thermal state after one evaluation.
type Snapshot struct {
	Timestamp     time.Time
	Temperature   float64
	Tier          string
	CPUFrequency  int
	RadioDisabled bool
	LowPowerMode  bool
}
