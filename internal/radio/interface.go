package radio

import "time"

// Driver is the radio hardware. Implementations must be safe for use from
// the controller while it holds its lock and from read-only views.
type Driver interface {
	// Enable powers the radio hardware on or off.
	Enable(on bool) error
	// Join starts an association with the configured network and returns
	// without waiting for it to complete.
	Join() error
	Connected() bool
	Disconnect() error
	SetPowerSave(on bool) error
	// SetMaxTxPower caps transmit power in dBm.
	SetMaxTxPower(dBm int) error
	// SetSleep allows or forbids modem sleep between beacons.
	SetSleep(on bool) error
	Sleeping() bool
	// RSSI returns the received signal strength of the current link in dBm.
	RSSI() int
}

// Domain types
type (
	PowerMode    uint8
	Connectivity uint8
	SignalLevel  uint8
)

const (
	PowerFull PowerMode = iota
	PowerLow
)

func (m PowerMode) String() string {
	switch m {
	case PowerFull:
		return "FULL"
	case PowerLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// Connectivity is derived from intent and the driver's link status.
const (
	Disconnected Connectivity = iota
	Connecting
	Connected
)

func (c Connectivity) String() string {
	switch c {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// State is a point-in-time copy of the controller's fields.
type State struct {
	Active               bool
	ShouldBeConnected    bool
	AlwaysOn             bool
	AutoSleep            bool
	Ready                bool
	PowerMode            PowerMode
	Connectivity         Connectivity
	TxPower              int
	LastReconnectAttempt uint32
	SleepTimerStartedAt  uint32
}

const (
	MinTxPower = 0
	MaxTxPower = 20

	// reconnectGrace is the minimum spacing between a switch to full power
	// and the next watchdog reconnect.
	reconnectGrace = 5 * time.Second
	// relinkDelay separates the teardown and rejoin of a watchdog reconnect.
	relinkDelay = 100 * time.Millisecond
)

// Config holds the controller's timing and power profile. It is fixed for
// the controller's lifetime.
type Config struct {
	// ReconnectInterval is the minimum spacing between watchdog reconnects.
	ReconnectInterval time.Duration
	// WakeDuration is the idle window before automatic low power.
	WakeDuration time.Duration
	// SettleDelay is how long the hardware needs after a power mode change.
	SettleDelay  time.Duration
	PollInterval time.Duration

	ConnectAttempts   int
	ConnectRetryDelay time.Duration

	TxPowerFull int
	TxPowerLow  int
}

// DefaultConfig returns the stock timing and transmit power profile.
func DefaultConfig() Config {
	return Config{
		ReconnectInterval: 60 * time.Second,
		WakeDuration:      30 * time.Second,
		SettleDelay:       200 * time.Millisecond,
		PollInterval:      10 * time.Millisecond,
		ConnectAttempts:   30,
		ConnectRetryDelay: 200 * time.Millisecond,
		TxPowerFull:       20,
		TxPowerLow:        8,
	}
}
