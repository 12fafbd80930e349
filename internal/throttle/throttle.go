// Package throttle maps device temperature to a CPU frequency ceiling.
package throttle

import (
	"sync"

	"codeberg.org/mutker/radioguard/internal/errors"
	"codeberg.org/mutker/radioguard/internal/logger"
)

const (
	// Unspecified asks Apply to read the live sensor instead. Any
	// temperature below -99 °C is treated the same way.
	Unspecified = -100.0

	// MinStep is the smallest frequency change, in MHz, worth applying.
	MinStep = 10

	sentinelBelow = -99.0
)

const ErrInvalidConfig = errors.ErrorCode("throttle_invalid_config")

// FreqLimits bounds the chosen frequency in MHz.
type FreqLimits struct {
	MinMHz int
	MaxMHz int
}

// Sensor supplies the live temperature for Unspecified requests.
type Sensor interface {
	Temperature() (float64, error)
}

// Setter applies a frequency ceiling to the hardware.
type Setter interface {
	SetMaxFrequency(mhz int) error
}

type Config struct {
	MinTemp float64
	MaxTemp float64
	Limits  FreqLimits
}

// DefaultConfig scales 240 MHz at 70 °C down to 80 MHz at 90 °C.
func DefaultConfig() Config {
	return Config{
		MinTemp: 70,
		MaxTemp: 90,
		Limits:  FreqLimits{MinMHz: 80, MaxMHz: 240},
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	switch {
	case c.Limits.MinMHz <= 0:
		return errFactory.WithData(ErrInvalidConfig, errors.FieldError{
			Field: "min_freq", Value: c.Limits.MinMHz, Reason: "must be positive",
		})
	case c.Limits.MinMHz >= c.Limits.MaxMHz:
		return errFactory.WithData(ErrInvalidConfig, errors.FieldError{
			Field: "max_freq", Value: c.Limits.MaxMHz, Reason: "must be above min_freq",
		})
	case c.MinTemp >= c.MaxTemp:
		return errFactory.WithData(ErrInvalidConfig, errors.FieldError{
			Field: "max_temp", Value: c.MaxTemp, Reason: "must be above min_temp",
		})
	}

	return nil
}

// Compute scales temp linearly between minTemp (full speed) and maxTemp
// (minimum speed), clamps to lim and keeps prev when the change is smaller
// than MinStep.
func Compute(temp, minTemp, maxTemp float64, prev int, lim FreqLimits) int {
	scale := 1.0 - (temp-minTemp)/(maxTemp-minTemp)
	candidate := int(float64(lim.MinMHz) + scale*float64(lim.MaxMHz-lim.MinMHz))
	candidate = clamp(candidate, lim.MinMHz, lim.MaxMHz)

	if abs(candidate-prev) < MinStep {
		return prev
	}

	return candidate
}

// Throttle remembers the last applied frequency between calls.
type Throttle struct {
	cfg    Config
	sensor Sensor
	setter Setter
	log    logger.Logger

	mu      sync.Mutex
	current int
}

// New starts at the maximum frequency. sensor and setter may be nil.
func New(cfg Config, sensor Sensor, setter Setter, log logger.Logger) (*Throttle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Throttle{
		cfg:     cfg,
		sensor:  sensor,
		setter:  setter,
		log:     log,
		current: cfg.Limits.MaxMHz,
	}, nil
}

// Apply picks the frequency for temp, pushes it to the hardware when it
// changed and returns it. Hardware failures are logged, never returned.
func (t *Throttle) Apply(temp float64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if temp < sentinelBelow {
		if t.sensor == nil {
			return t.current
		}
		live, err := t.sensor.Temperature()
		if err != nil {
			t.log.Warn().Err(err).Msg("Throttle could not read temperature")
			return t.current
		}
		temp = live
	}

	next := Compute(temp, t.cfg.MinTemp, t.cfg.MaxTemp, t.current, t.cfg.Limits)
	if next == t.current {
		return t.current
	}

	if t.setter != nil {
		if err := t.setter.SetMaxFrequency(next); err != nil {
			t.log.Warn().Err(err).Int("mhz", next).Msg("Failed to set CPU frequency")
		}
	}

	t.log.Debug().
		Float64("temperature", temp).
		Int("from_mhz", t.current).
		Int("to_mhz", next).
		Msg("CPU frequency changed")
	t.current = next

	return t.current
}

// Current returns the last chosen frequency.
func (t *Throttle) Current() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

func (t *Throttle) Limits() FreqLimits {
	return t.cfg.Limits
}

func clamp(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
