package thermal

import "codeberg.org/mutker/radioguard/internal/errors"

// Tier is the monitor's mitigation level. Tiers are ordered; each one
// includes the mitigations of the tiers below it.
type Tier uint8

const (
	Normal Tier = iota
	PowerReduced
	RadioDisabled
	Shutdown
)

func (t Tier) String() string {
	switch t {
	case Normal:
		return "NORMAL"
	case PowerReduced:
		return "POWER_REDUCED"
	case RadioDisabled:
		return "RADIO_DISABLED"
	case Shutdown:
		return "SHUTDOWN"
	default:
		return "UNKNOWN"
	}
}

func (t Tier) lowPower() bool {
	return t >= PowerReduced
}

func (t Tier) radioOff() bool {
	return t >= RadioDisabled
}

func tierFor(radioOff, lowPower bool) Tier {
	switch {
	case radioOff:
		return RadioDisabled
	case lowPower:
		return PowerReduced
	default:
		return Normal
	}
}

// Thresholds is the escalation ladder in °C. Restore thresholds sit below
// their escalation counterparts so the tier cannot chatter at a boundary.
type Thresholds struct {
	Shutdown     float64
	DisableRadio float64
	ReducePower  float64
	RestorePower float64
	RestoreRadio float64
}

// DefaultThresholds returns 100/95/90 °C escalation with 85/90 °C restore.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Shutdown:     100,
		DisableRadio: 95,
		ReducePower:  90,
		RestorePower: 85,
		RestoreRadio: 90,
	}
}

// Validate enforces the ladder ordering and both hysteresis bands.
func (t Thresholds) Validate() error {
	fail := func(field string, value float64, reason string) error {
		return errors.New().WithData(ErrInvalidThresholds, errors.FieldError{Field: field, Value: value, Reason: reason})
	}

	switch {
	case t.Shutdown <= t.DisableRadio:
		return fail("shutdown", t.Shutdown, "must be above disable_radio")
	case t.DisableRadio <= t.ReducePower:
		return fail("disable_radio", t.DisableRadio, "must be above reduce_power")
	case t.RestorePower >= t.ReducePower:
		return fail("restore_power", t.RestorePower, "must be below reduce_power")
	case t.RestoreRadio >= t.DisableRadio:
		return fail("restore_radio", t.RestoreRadio, "must be below disable_radio")
	case t.RestorePower >= t.RestoreRadio:
		return fail("restore_power", t.RestorePower, "must be below restore_radio")
	}

	return nil
}
