package radio

// DisconnectedRSSI is reported by SignalStrength when there is no link.
const DisconnectedRSSI = -127

const (
	Excellent SignalLevel = iota
	Good
	Fair
	Poor
	VeryPoor
	NoSignal
)

func (l SignalLevel) String() string {
	switch l {
	case Excellent:
		return "EXCELLENT"
	case Good:
		return "GOOD"
	case Fair:
		return "FAIR"
	case Poor:
		return "POOR"
	case VeryPoor:
		return "VERY_POOR"
	case NoSignal:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// ClassifySignal maps an RSSI reading in dBm to a signal level.
func ClassifySignal(dBm int) SignalLevel {
	switch {
	case dBm >= -50:
		return Excellent
	case dBm >= -60:
		return Good
	case dBm >= -70:
		return Fair
	case dBm >= -80:
		return Poor
	case dBm > DisconnectedRSSI:
		return VeryPoor
	default:
		return NoSignal
	}
}
