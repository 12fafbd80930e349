// Package sensor provides temperature sources for the thermal monitor.
package sensor

import (
	"io"

	"codeberg.org/mutker/radioguard/internal/errors"
	"codeberg.org/mutker/radioguard/internal/logger"
)

const (
	ErrInvalidConfig = errors.ErrorCode("sensor_invalid_config")
	ErrReadFailed    = errors.ErrorCode("sensor_read_failed")
	ErrParseFailed   = errors.ErrorCode("sensor_parse_failed")
	ErrInitFailed    = errors.ErrorCode("sensor_init_failed")
)

// Source reads the current device temperature in °C.
type Source interface {
	Temperature() (float64, error)
}

// Kinds accepted by Config.Kind.
const (
	KindThermalZone = "thermal_zone"
	KindNVML        = "nvml"
	KindTrace       = "trace"
	KindStatic      = "static"
)

type Config struct {
	Kind string
	// Zone is the sysfs thermal zone directory.
	Zone        string
	DeviceIndex int
	TracePath   string
	Celsius     float64
}

func DefaultConfig() Config {
	return Config{
		Kind: KindThermalZone,
		Zone: defaultZone,
	}
}

func (c Config) Validate() error {
	fail := func(field string, value any, reason string) error {
		return errors.New().WithData(ErrInvalidConfig, errors.FieldError{Field: field, Value: value, Reason: reason})
	}

	switch c.Kind {
	case KindThermalZone:
		if c.Zone == "" {
			return fail("sensor.zone", c.Zone, "must not be empty")
		}
	case KindNVML:
		if c.DeviceIndex < 0 {
			return fail("sensor.device_index", c.DeviceIndex, "must not be negative")
		}
	case KindTrace:
		if c.TracePath == "" {
			return fail("sensor.trace_path", c.TracePath, "must not be empty")
		}
	case KindStatic:
	default:
		return fail("sensor.kind", c.Kind, "must be one of thermal_zone, nvml, trace, static")
	}

	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// Open builds the source selected by cfg. The returned closer releases any
// library handles the source holds.
func Open(cfg Config, log logger.Logger) (Source, io.Closer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if log == nil {
		log = logger.Nop()
	}

	switch cfg.Kind {
	case KindNVML:
		s, err := NewNVML(cfg.DeviceIndex, log)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case KindTrace:
		s, err := LoadTrace(cfg.TracePath)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", cfg.TracePath).Int("samples", s.Len()).Msg("Replaying temperature trace")
		return s, nopCloser{}, nil
	case KindStatic:
		return Static(cfg.Celsius), nopCloser{}, nil
	default:
		return NewThermalZone(cfg.Zone), nopCloser{}, nil
	}
}

// Static always reports the same temperature.
type Static float64

func (s Static) Temperature() (float64, error) {
	return float64(s), nil
}
