package thermal

import "codeberg.org/mutker/radioguard/internal/errors"

const (
	ErrInvalidThresholds = errors.ErrorCode("thermal_invalid_thresholds")
	ErrInvalidConfig     = errors.ErrorCode("thermal_invalid_config")
	ErrSensorRead        = errors.ErrorCode("thermal_sensor_read_failed")
	// ErrEmergencyShutdown is returned once the shutdown threshold has been
	// reached. The process is expected to end.
	ErrEmergencyShutdown = errors.ErrEmergency
)
