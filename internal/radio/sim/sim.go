// Package sim provides a simulated radio driver. The daemon uses it on hosts
// without a managed wireless interface, and the controller tests use it to
// observe every hardware call.
package sim

import (
	"sync"
	"time"

	"codeberg.org/mutker/radioguard/internal/clock"
	"codeberg.org/mutker/radioguard/internal/radio"
)

// Options shapes the simulated access point.
type Options struct {
	// JoinDelay is how long an association takes once Join is called.
	JoinDelay time.Duration
	// Unreachable makes every association hang forever.
	Unreachable bool
	RSSI        int
}

// Calls counts hardware operations by kind.
type Calls struct {
	Enable       int
	Disable      int
	Join         int
	Disconnect   int
	PowerSaveOn  int
	PowerSaveOff int
	TxPower      []int
}

// Driver is a radio.Driver backed by in-memory state.
type Driver struct {
	mu          sync.Mutex
	clock       clock.Clock
	opts        Options
	enabled     bool
	joining     bool
	joinStarted uint32
	linked      bool
	powerSave   bool
	sleeping    bool
	txPower     int
	calls       Calls
	failures    map[string]error
}

// New returns a simulated driver whose join timing follows clk.
func New(clk clock.Clock, opts Options) *Driver {
	if opts.RSSI == 0 {
		opts.RSSI = -55
	}
	return &Driver{clock: clk, opts: opts, failures: make(map[string]error)}
}

// Fail makes every later call of op ("enable", "join", "disconnect",
// "powersave", "txpower", "sleep") return err. A nil err clears it.
func (d *Driver) Fail(op string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err == nil {
		delete(d.failures, op)
		return
	}
	d.failures[op] = err
}

// SetReachable toggles whether associations can complete.
func (d *Driver) SetReachable(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.Unreachable = !ok
}

// DropLink simulates the access point going away.
func (d *Driver) DropLink() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.linked = false
	d.joining = false
}

func (d *Driver) SetRSSI(dBm int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.RSSI = dBm
}

func (d *Driver) Enable(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failures["enable"]; err != nil {
		return err
	}
	if on {
		d.calls.Enable++
	} else {
		d.calls.Disable++
		d.linked = false
		d.joining = false
	}
	d.enabled = on

	return nil
}

func (d *Driver) Join() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failures["join"]; err != nil {
		return err
	}
	d.calls.Join++
	if !d.enabled {
		return nil
	}
	d.joining = true
	d.joinStarted = d.clock.Millis()

	return nil
}

func (d *Driver) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.linked {
		return true
	}
	if !d.enabled || !d.joining || d.opts.Unreachable {
		return false
	}
	if clock.Since(d.clock.Millis(), d.joinStarted) >= clock.Ms(d.opts.JoinDelay) {
		d.linked = true
		d.joining = false
	}

	return d.linked
}

func (d *Driver) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failures["disconnect"]; err != nil {
		return err
	}
	d.calls.Disconnect++
	d.linked = false
	d.joining = false

	return nil
}

func (d *Driver) SetPowerSave(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failures["powersave"]; err != nil {
		return err
	}
	if on {
		d.calls.PowerSaveOn++
	} else {
		d.calls.PowerSaveOff++
	}
	d.powerSave = on

	return nil
}

func (d *Driver) SetMaxTxPower(dBm int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failures["txpower"]; err != nil {
		return err
	}
	d.calls.TxPower = append(d.calls.TxPower, dBm)
	d.txPower = dBm

	return nil
}

func (d *Driver) SetSleep(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failures["sleep"]; err != nil {
		return err
	}
	d.sleeping = on

	return nil
}

func (d *Driver) Sleeping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sleeping
}

func (d *Driver) RSSI() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.linked {
		return radio.DisconnectedRSSI
	}
	return d.opts.RSSI
}

// Enabled reports whether the simulated hardware is powered.
func (d *Driver) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *Driver) PowerSave() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.powerSave
}

func (d *Driver) TxPower() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.txPower
}

// Calls returns a copy of the call counters.
func (d *Driver) Calls() Calls {
	d.mu.Lock()
	defer d.mu.Unlock()

	calls := d.calls
	calls.TxPower = append([]int(nil), d.calls.TxPower...)

	return calls
}

var _ radio.Driver = (*Driver)(nil)
