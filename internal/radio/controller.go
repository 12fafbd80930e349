package radio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/radioguard/internal/clock"
	"codeberg.org/mutker/radioguard/internal/diag"
	"codeberg.org/mutker/radioguard/internal/errors"
	"codeberg.org/mutker/radioguard/internal/logger"
)

// Controller owns the radio's power, connectivity and override state.
//
// Every exported method takes mu for its whole read-modify-write. The only
// field touched without mu is ready, which the settle timer stores and
// Tick loads.
type Controller struct {
	cfg    Config
	driver Driver
	clock  clock.Clock
	diag   diag.Recorder
	log    logger.Logger

	mu                   sync.Mutex
	active               bool
	shouldBeConnected    bool
	powerMode            PowerMode
	alwaysOn             bool
	autoSleep            bool
	txPower              int
	lastReconnectAttempt uint32
	sleepTimerStartedAt  uint32
	settle               clock.Timer
	closed               bool
	fault                error

	ready atomic.Bool
}

// guard is proof that the controller's mutex is held. Only lock mints one,
// so helpers taking a guard can never be reached without the lock and never
// acquire it themselves.
type guard struct {
	c *Controller
}

func (c *Controller) lock() guard {
	c.mu.Lock()
	return guard{c: c}
}

func (g guard) unlock() {
	g.c.mu.Unlock()
}

// New builds a controller for driver. The radio stays untouched until
// Initialize is called.
func New(cfg Config, driver Driver, clk clock.Clock, rec diag.Recorder, log logger.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rec == nil {
		rec = diag.Nop{}
	}
	if log == nil {
		log = logger.Nop()
	}

	c := &Controller{
		cfg:       cfg,
		driver:    driver,
		clock:     clk,
		diag:      rec,
		log:       log,
		autoSleep: true,
		powerMode: PowerFull,
	}
	c.ready.Store(true)

	return c, nil
}

// Initialize powers the radio on, optionally joins the network (blocking for
// up to ConnectAttempts*ConnectRetryDelay), applies the requested power
// profile and restarts the watchdog and idle timers.
func (c *Controller) Initialize(connect, lowPower bool) {
	g := c.lock()
	defer g.unlock()

	mode := PowerFull
	if lowPower {
		mode = PowerLow
	}
	g.initialize(connect, mode)
}

func (g guard) initialize(connect bool, mode PowerMode) {
	c := g.c

	c.log.Info().Bool("connect", connect).Str("power_mode", mode.String()).Msg("Initializing radio")

	if err := c.driver.Enable(true); err != nil {
		c.driverFault("enable", err)
	}
	c.active = true
	c.shouldBeConnected = connect

	if connect {
		g.join()
	}

	if c.settle != nil {
		c.settle.Stop()
		c.settle = nil
	}
	g.applyProfile(mode)
	c.powerMode = mode
	c.ready.Store(true)

	now := c.clock.Millis()
	c.lastReconnectAttempt = now
	c.sleepTimerStartedAt = now
}

// Connect records the intent to be connected and blocks on a bounded join
// attempt. A failed attempt keeps the intent so the watchdog retries.
func (c *Controller) Connect() bool {
	g := c.lock()
	defer g.unlock()

	if !c.active {
		if err := c.driver.Enable(true); err != nil {
			c.driverFault("enable", err)
		}
		c.active = true
	}

	return g.join()
}

func (g guard) join() bool {
	c := g.c
	c.shouldBeConnected = true

	if c.driver.Connected() {
		return true
	}

	if err := c.driver.Join(); err != nil {
		c.driverFault("join", err)
		return false
	}

	for attempt := 0; attempt < c.cfg.ConnectAttempts && !c.driver.Connected(); attempt++ {
		c.clock.Sleep(c.cfg.ConnectRetryDelay)
	}

	if !c.driver.Connected() {
		c.record("Radio connection failed after %d attempts", c.cfg.ConnectAttempts)
		return false
	}

	c.log.Info().Int("rssi", c.driver.RSSI()).Msg("Radio connected")

	return true
}

// Disconnect tears the link down and clears the intent to be connected.
// It is ignored while always-on is set.
func (c *Controller) Disconnect() {
	g := c.lock()
	defer g.unlock()

	if c.alwaysOn {
		c.record("Disconnect ignored: always-on override active")
		return
	}

	g.disconnect()
}

func (g guard) disconnect() {
	c := g.c

	if err := c.driver.Disconnect(); err != nil {
		c.driverFault("disconnect", err)
	}
	c.shouldBeConnected = false
	c.log.Info().Msg("Radio disconnected")
}

// Stop disconnects and powers the radio hardware off. Resume brings it back.
// It is ignored while always-on is set.
func (c *Controller) Stop() {
	g := c.lock()
	defer g.unlock()

	if c.alwaysOn {
		c.record("Stop ignored: always-on override active")
		return
	}

	g.disconnect()
	if err := c.driver.Enable(false); err != nil {
		c.driverFault("disable", err)
	}
	c.active = false
	c.log.Info().Msg("Radio stopped")
}

// Resume re-initializes a stopped controller, keeping its power mode. It is
// a no-op while the controller is active.
func (c *Controller) Resume() {
	g := c.lock()
	defer g.unlock()

	if c.active {
		c.log.Debug().Msg("Resume skipped: radio already active")
		return
	}

	g.initialize(true, c.powerMode)
}

// SetFullPowerMode switches to the full power profile, waiting for any
// transition in flight to settle first.
func (c *Controller) SetFullPowerMode() error {
	g := c.lock()
	defer g.unlock()

	return g.transition(PowerFull)
}

// SetLowPowerMode switches to the low power profile, waiting for any
// transition in flight to settle first. It is ignored while always-on is set.
func (c *Controller) SetLowPowerMode() error {
	g := c.lock()
	defer g.unlock()

	if c.alwaysOn {
		c.record("Low power request ignored: always-on override active")
		return nil
	}

	return g.transition(PowerLow)
}

func (g guard) transition(mode PowerMode) error {
	c := g.c

	if c.powerMode == mode {
		return nil
	}
	if c.fault != nil {
		return c.fault
	}

	for !c.ready.Load() {
		c.clock.Sleep(c.cfg.PollInterval)
	}

	c.ready.Store(false)
	g.applyProfile(mode)
	c.powerMode = mode

	if mode == PowerFull {
		now := c.clock.Millis()
		c.sleepTimerStartedAt = now
		g.deferReconnect(now)
	}

	c.log.Debug().Str("power_mode", mode.String()).Msg("Radio power mode changed")

	return g.scheduleSettle()
}

// deferReconnect pushes the watchdog baseline forward so no reconnect fires
// within reconnectGrace of now.
func (g guard) deferReconnect(now uint32) {
	c := g.c

	interval := clock.Ms(c.cfg.ReconnectInterval)
	grace := clock.Ms(reconnectGrace)
	if interval <= grace {
		return
	}

	if clock.Since(now, c.lastReconnectAttempt)+grace > interval {
		c.lastReconnectAttempt = now - (interval - grace)
	}
}

func (g guard) scheduleSettle() error {
	c := g.c

	if c.closed {
		c.fault = errors.New().WithMessage(ErrSettleUnavailable,
			fmt.Sprintf("radio settle timer unavailable, %s mode applied but readiness not restored", c.powerMode))
		c.record("Power mode %s applied without settle timer; readiness stays false", c.powerMode)
		return c.fault
	}

	c.settle = c.clock.AfterFunc(c.cfg.SettleDelay, func() {
		c.ready.Store(true)
	})

	return nil
}

func (g guard) applyProfile(mode PowerMode) {
	c := g.c

	powerSave, tx, sleep := false, c.cfg.TxPowerFull, false
	if mode == PowerLow {
		powerSave, tx, sleep = true, c.cfg.TxPowerLow, true
	}

	if err := c.driver.SetPowerSave(powerSave); err != nil {
		c.driverFault("set power save", err)
	}
	if err := c.driver.SetMaxTxPower(tx); err != nil {
		c.driverFault("set tx power", err)
	} else {
		c.txPower = tx
	}
	if err := c.driver.SetSleep(sleep); err != nil {
		c.driverFault("set sleep", err)
	}
}

// RecoverReadiness waits out one settle delay synchronously and marks the
// controller ready again, clearing a settle fault.
func (c *Controller) RecoverReadiness() {
	g := c.lock()
	defer g.unlock()

	if c.ready.Load() && c.fault == nil {
		return
	}

	c.clock.Sleep(c.cfg.SettleDelay)
	c.ready.Store(true)
	c.fault = nil
	c.record("Radio readiness recovered synchronously")
}

// SetTransmitPower caps transmit power. Values outside 0..20 dBm are
// rejected and recorded without touching the radio.
func (c *Controller) SetTransmitPower(dBm int) error {
	if dBm < MinTxPower || dBm > MaxTxPower {
		c.record("Rejected transmit power %d dBm (allowed %d..%d)", dBm, MinTxPower, MaxTxPower)
		return errors.New().WithData(ErrTxPowerOutOfRange, dBm)
	}

	g := c.lock()
	defer g.unlock()

	if err := c.driver.SetMaxTxPower(dBm); err != nil {
		c.driverFault("set tx power", err)
		return errors.New().Wrap(ErrDriverFailed, err)
	}
	c.txPower = dBm

	return nil
}

// KeepAwake forces full power and restarts the idle window.
func (c *Controller) KeepAwake() error {
	g := c.lock()
	defer g.unlock()

	return g.wake()
}

// HoldAwake forces full power and disables automatic power-down until
// ReleaseAutoSleep.
func (c *Controller) HoldAwake() error {
	g := c.lock()
	defer g.unlock()

	c.autoSleep = false

	return g.wake()
}

func (g guard) wake() error {
	c := g.c

	err := g.transition(PowerFull)
	c.sleepTimerStartedAt = c.clock.Millis()

	return err
}

// ReleaseAutoSleep re-enables idle-based automatic power-down. It does not
// change the current power mode.
func (c *Controller) ReleaseAutoSleep() {
	g := c.lock()
	defer g.unlock()

	c.autoSleep = true
}

// SetAlwaysOn enables or clears the operator override. Enabling forces the
// radio on, connected and at full power with auto-sleep off. Clearing only
// drops the flag; callers re-drive the state they want.
func (c *Controller) SetAlwaysOn(on bool) error {
	g := c.lock()
	defer g.unlock()

	if !on {
		c.alwaysOn = false
		c.record("Always-on override cleared")
		return nil
	}

	c.alwaysOn = true
	c.autoSleep = false
	c.record("Always-on override set")

	if !c.active {
		g.initialize(true, PowerFull)
		return nil
	}

	err := g.wake()
	g.join()

	return err
}

// Tick is the periodic foreground driver. Call it at least every few
// seconds. It runs the reconnect watchdog and the idle power-down.
func (c *Controller) Tick() {
	g := c.lock()
	snap := g.state()
	g.unlock()

	if !snap.ShouldBeConnected {
		return
	}

	now := c.clock.Millis()
	if clock.Since(now, snap.LastReconnectAttempt) > clock.Ms(c.cfg.ReconnectInterval) {
		g := c.lock()
		if c.shouldBeConnected {
			c.lastReconnectAttempt = now
			g.reconnect()
		}
		g.unlock()
	}

	if snap.AlwaysOn {
		return
	}

	// ready is read without the lock so a settling transition never stalls the loop.
	if !snap.AutoSleep || snap.PowerMode == PowerLow || !c.ready.Load() {
		return
	}

	g = c.lock()
	defer g.unlock()

	if err := g.idleSleep(); err != nil {
		c.log.Warn().Err(err).Msg("Idle power-down failed")
	}
}

// idleSleep drops to low power once the wake window has run out. Every veto
// is re-read under the lock since HoldAwake or KeepAwake may have landed
// after Tick took its snapshot.
func (g guard) idleSleep() error {
	c := g.c
	now := c.clock.Millis()

	if c.alwaysOn || !c.autoSleep || c.powerMode == PowerLow {
		return nil
	}
	if clock.Since(now, c.sleepTimerStartedAt) <= clock.Ms(c.cfg.WakeDuration) {
		return nil
	}

	c.log.Debug().Msg("Radio idle, entering low power")

	return g.transition(PowerLow)
}

func (g guard) reconnect() {
	c := g.c

	if c.driver.Connected() {
		return
	}

	c.record("Radio link lost, attempting to reconnect")

	if !c.active {
		if err := c.driver.Enable(true); err != nil {
			c.driverFault("enable", err)
		}
		c.active = true
	}

	if err := c.driver.Disconnect(); err != nil {
		c.driverFault("disconnect", err)
	}
	c.clock.Sleep(relinkDelay)

	if err := c.driver.Join(); err != nil {
		c.driverFault("join", err)
	}
}

// SignalStrength returns the link RSSI in dBm, or DisconnectedRSSI.
func (c *Controller) SignalStrength() int {
	g := c.lock()
	defer g.unlock()

	if !c.active || !c.driver.Connected() {
		return DisconnectedRSSI
	}

	return c.driver.RSSI()
}

// Close cancels a pending settle timer. Later power mode changes still reach
// the hardware but cannot schedule a settle and report ErrSettleUnavailable.
func (c *Controller) Close() {
	g := c.lock()
	defer g.unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.settle != nil && c.settle.Stop() {
		// The hardware keeps settling on its own; nothing is left to track it.
		c.ready.Store(true)
	}
	c.settle = nil
}

func (g guard) state() State {
	c := g.c

	return State{
		Active:               c.active,
		ShouldBeConnected:    c.shouldBeConnected,
		AlwaysOn:             c.alwaysOn,
		AutoSleep:            c.autoSleep,
		Ready:                c.ready.Load(),
		PowerMode:            c.powerMode,
		Connectivity:         g.connectivity(),
		TxPower:              c.txPower,
		LastReconnectAttempt: c.lastReconnectAttempt,
		SleepTimerStartedAt:  c.sleepTimerStartedAt,
	}
}

func (g guard) connectivity() Connectivity {
	c := g.c

	switch {
	case c.active && c.driver.Connected():
		return Connected
	case c.shouldBeConnected:
		return Connecting
	default:
		return Disconnected
	}
}

// State returns a snapshot of the controller.
func (c *Controller) State() State {
	g := c.lock()
	defer g.unlock()

	return g.state()
}

func (c *Controller) Connectivity() Connectivity {
	g := c.lock()
	defer g.unlock()

	return g.connectivity()
}

func (c *Controller) PowerMode() PowerMode {
	g := c.lock()
	defer g.unlock()

	return c.powerMode
}

func (c *Controller) AlwaysOn() bool {
	g := c.lock()
	defer g.unlock()

	return c.alwaysOn
}

func (c *Controller) AutoSleep() bool {
	g := c.lock()
	defer g.unlock()

	return c.autoSleep
}

// Active reports whether the radio hardware is powered.
func (c *Controller) Active() bool {
	g := c.lock()
	defer g.unlock()

	return c.active
}

// Ready reports whether the last power mode change has settled.
func (c *Controller) Ready() bool {
	return c.ready.Load()
}

// Fault returns the outstanding settle fault, if any.
func (c *Controller) Fault() error {
	g := c.lock()
	defer g.unlock()

	return c.fault
}

// record reports an event to the diagnostic sink, which owns its logging.
func (c *Controller) record(format string, args ...any) {
	c.diag.Record(fmt.Sprintf(format, args...))
}

func (c *Controller) driverFault(op string, err error) {
	c.log.Warn().Err(err).Str("op", op).Msg("Radio driver call failed")
	c.diag.Record(fmt.Sprintf("Radio driver %s failed: %v", op, err))
}
