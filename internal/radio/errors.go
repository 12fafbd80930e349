package radio

import "codeberg.org/mutker/radioguard/internal/errors"

const (
	ErrInvalidConfig     = errors.ErrorCode("radio_invalid_config")
	ErrTxPowerOutOfRange = errors.ErrorCode("radio_tx_power_out_of_range")
	ErrDriverFailed      = errors.ErrorCode("radio_driver_failed")
	// ErrSettleUnavailable means the settle timer for a power mode change
	// could not be scheduled. Readiness stays false until RecoverReadiness.
	ErrSettleUnavailable = errors.ErrorCode("radio_settle_unavailable")
)

// Validate checks timing and transmit power bounds.
func (c Config) Validate() error {
	errFactory := errors.New()

	fail := func(field string, value any, reason string) error {
		return errFactory.WithData(ErrInvalidConfig, errors.FieldError{Field: field, Value: value, Reason: reason})
	}

	switch {
	case c.ReconnectInterval <= 0:
		return fail("reconnect_interval", c.ReconnectInterval, "must be positive")
	case c.WakeDuration <= 0:
		return fail("wake_duration", c.WakeDuration, "must be positive")
	case c.SettleDelay < 0:
		return fail("settle_delay", c.SettleDelay, "must not be negative")
	case c.PollInterval <= 0:
		return fail("poll_interval", c.PollInterval, "must be positive")
	case c.ConnectAttempts <= 0:
		return fail("connect_attempts", c.ConnectAttempts, "must be positive")
	case c.ConnectRetryDelay < 0:
		return fail("connect_retry_delay", c.ConnectRetryDelay, "must not be negative")
	case c.TxPowerFull < MinTxPower || c.TxPowerFull > MaxTxPower:
		return fail("tx_power_full", c.TxPowerFull, "must be within 0..20 dBm")
	case c.TxPowerLow < MinTxPower || c.TxPowerLow > MaxTxPower:
		return fail("tx_power_low", c.TxPowerLow, "must be within 0..20 dBm")
	}

	return nil
}
