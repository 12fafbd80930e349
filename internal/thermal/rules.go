package thermal

// mitigation is one of the two radio measures a tier can carry.
type mitigation uint8

const (
	radioStopped mitigation = iota
	powerReduced
)

// rule is one row of the transition table.
type rule struct {
	name       string
	mitigation mitigation
	threshold  func(Thresholds) float64
	command    func(RadioController) error
	// event is a format string taking the temperature.
	event string
}

func (r rule) active(radioOff, lowPower bool) bool {
	if r.mitigation == radioStopped {
		return radioOff
	}
	return lowPower
}

func (r rule) set(radioOff, lowPower, on bool) (bool, bool) {
	if r.mitigation == radioStopped {
		return on, lowPower
	}
	return radioOff, on
}

// Escalation rules fire at or above their threshold, in this order: the
// radio is stopped before its power is reduced.
var escalation = []rule{
	{
		name:       "disable_radio",
		mitigation: radioStopped,
		threshold:  func(t Thresholds) float64 { return t.DisableRadio },
		command:    func(r RadioController) error { r.Stop(); return nil },
		event:      "Radio disabled due to high temperature (%.1f °C)",
	},
	{
		name:       "reduce_power",
		mitigation: powerReduced,
		threshold:  func(t Thresholds) float64 { return t.ReducePower },
		command:    RadioController.SetLowPowerMode,
		event:      "Radio power reduced due to high temperature (%.1f °C)",
	},
}

// Restoration rules fire at or below their threshold after the throttle has
// run: power is restored before the radio resumes. Valid thresholds make
// restore_power imply restore_radio, so a cycle never ends with the radio
// stopped at full power.
var restoration = []rule{
	{
		name:       "restore_power",
		mitigation: powerReduced,
		threshold:  func(t Thresholds) float64 { return t.RestorePower },
		command:    RadioController.SetFullPowerMode,
		event:      "Radio power restored due to lower temperature (%.1f °C)",
	},
	{
		name:       "restore_radio",
		mitigation: radioStopped,
		threshold:  func(t Thresholds) float64 { return t.RestoreRadio },
		command:    func(r RadioController) error { r.Resume(); return nil },
		event:      "Radio restored due to lower temperature (%.1f °C)",
	},
}
