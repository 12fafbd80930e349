package config

// LogLevel represents valid logging levels
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// IsValid returns whether the log level is valid
func (l LogLevel) IsValid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		return true
	default:
		return false
	}
}

// String implements the Stringer interface
func (l LogLevel) String() string {
	return string(l)
}

// RadioDriver selects the radio hardware backend.
type RadioDriver string

const (
	// RadioDriverSim is an in-memory radio for hosts without a managed
	// wireless interface.
	RadioDriverSim RadioDriver = "sim"
	// RadioDriverNmcli drives a NetworkManager managed interface.
	RadioDriverNmcli RadioDriver = "nmcli"
	// RadioDriverNone runs the monitor without a radio.
	RadioDriverNone RadioDriver = "none"
)

func (d RadioDriver) IsValid() bool {
	switch d {
	case RadioDriverSim, RadioDriverNmcli, RadioDriverNone:
		return true
	default:
		return false
	}
}
