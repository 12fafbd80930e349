package radio_test

import (
	stderrors "errors"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/radioguard/internal/clock"
	"codeberg.org/mutker/radioguard/internal/errors"
	"codeberg.org/mutker/radioguard/internal/logger"
	"codeberg.org/mutker/radioguard/internal/radio"
	"codeberg.org/mutker/radioguard/internal/radio/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (m *memRecorder) Record(msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
}

func (m *memRecorder) contains(substr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.msgs {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}

type fixture struct {
	ctl    *radio.Controller
	driver *sim.Driver
	clock  *clock.Fake
	rec    *memRecorder
}

func newFixture(t *testing.T, opts sim.Options) *fixture {
	t.Helper()

	clk := clock.NewFake(0)
	drv := sim.New(clk, opts)
	rec := &memRecorder{}

	ctl, err := radio.New(radio.DefaultConfig(), drv, clk, rec, logger.Nop())
	require.NoError(t, err)

	return &fixture{ctl: ctl, driver: drv, clock: clk, rec: rec}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := radio.DefaultConfig()
	cfg.TxPowerLow = 21

	_, err := radio.New(cfg, nil, clock.NewFake(0), nil, nil)
	require.Error(t, err)
	assert.Equal(t, radio.ErrInvalidConfig, errors.CodeOf(err))
}

func TestInitializeConnects(t *testing.T) {
	f := newFixture(t, sim.Options{JoinDelay: 400 * time.Millisecond})

	f.ctl.Initialize(true, false)

	st := f.ctl.State()
	assert.True(t, st.Active)
	assert.True(t, st.ShouldBeConnected)
	assert.True(t, st.Ready)
	assert.Equal(t, radio.PowerFull, st.PowerMode)
	assert.Equal(t, radio.Connected, st.Connectivity)
	assert.Equal(t, 20, st.TxPower)
	// Two retry delays were spent waiting for the association.
	assert.Equal(t, uint32(400), f.clock.Millis())
	assert.Equal(t, uint32(400), st.LastReconnectAttempt)
	assert.Equal(t, uint32(400), st.SleepTimerStartedAt)
}

func TestInitializeLowPowerWithoutConnecting(t *testing.T) {
	f := newFixture(t, sim.Options{})

	f.ctl.Initialize(false, true)

	st := f.ctl.State()
	assert.Equal(t, radio.PowerLow, st.PowerMode)
	assert.Equal(t, radio.Disconnected, st.Connectivity)
	assert.True(t, f.driver.PowerSave())
	assert.Equal(t, 8, f.driver.TxPower())
	assert.Equal(t, 0, f.driver.Calls().Join)
}

func TestConnectFailureKeepsIntent(t *testing.T) {
	f := newFixture(t, sim.Options{Unreachable: true})
	f.ctl.Initialize(false, false)

	ok := f.ctl.Connect()

	assert.False(t, ok)
	assert.Equal(t, radio.Connecting, f.ctl.Connectivity())
	assert.True(t, f.ctl.State().ShouldBeConnected)
	// Bounded: 30 attempts of 200ms.
	assert.Equal(t, uint32(6000), f.clock.Millis())
	assert.True(t, f.rec.contains("connection failed"))
}

func TestWatchdogReconnectsAfterInterval(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(true, false)
	require.NoError(t, f.ctl.HoldAwake())
	joins := f.driver.Calls().Join

	f.driver.DropLink()

	f.clock.Advance(60 * time.Second)
	f.ctl.Tick()
	assert.Equal(t, joins, f.driver.Calls().Join, "interval not yet exceeded")

	f.clock.Advance(time.Millisecond)
	f.ctl.Tick()
	assert.Equal(t, joins+1, f.driver.Calls().Join)
	assert.True(t, f.rec.contains("reconnect"))

	f.driver.DropLink()
	f.ctl.Tick()
	assert.Equal(t, joins+1, f.driver.Calls().Join, "reconnect is rate limited")
}

func TestWatchdogIdleWhenNotIntendingToConnect(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(true, false)
	f.ctl.Disconnect()
	joins := f.driver.Calls().Join

	f.clock.Advance(5 * time.Minute)
	f.ctl.Tick()

	assert.Equal(t, joins, f.driver.Calls().Join)
	assert.Equal(t, radio.PowerFull, f.ctl.PowerMode(), "tick returns before idle logic")
}

func TestTickEntersLowPowerWhenIdle(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(true, false)

	f.clock.Advance(30 * time.Second)
	f.ctl.Tick()
	assert.Equal(t, radio.PowerFull, f.ctl.PowerMode())

	f.clock.Advance(time.Millisecond)
	f.ctl.Tick()
	assert.Equal(t, radio.PowerLow, f.ctl.PowerMode())
	assert.False(t, f.ctl.Ready())
}

func TestKeepAwakeRestartsIdleWindow(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(true, false)

	f.clock.Advance(20 * time.Second)
	require.NoError(t, f.ctl.KeepAwake())

	f.clock.Advance(20 * time.Second)
	f.ctl.Tick()
	assert.Equal(t, radio.PowerFull, f.ctl.PowerMode())

	f.clock.Advance(11 * time.Second)
	f.ctl.Tick()
	assert.Equal(t, radio.PowerLow, f.ctl.PowerMode())
}

func TestHoldAwakeUntilReleased(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(true, true)

	require.NoError(t, f.ctl.HoldAwake())
	assert.Equal(t, radio.PowerFull, f.ctl.PowerMode())

	f.clock.Advance(45 * time.Second)
	f.ctl.Tick()
	assert.Equal(t, radio.PowerFull, f.ctl.PowerMode())

	f.ctl.ReleaseAutoSleep()
	f.ctl.Tick()
	assert.Equal(t, radio.PowerLow, f.ctl.PowerMode())
}

// hookClock runs next, once, at the start of the following Millis call.
type hookClock struct {
	*clock.Fake

	mu   sync.Mutex
	next func()
}

func (h *hookClock) Millis() uint32 {
	h.mu.Lock()
	f := h.next
	h.next = nil
	h.mu.Unlock()

	if f != nil {
		f()
	}

	return h.Fake.Millis()
}

func (h *hookClock) onNextMillis(f func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.next = f
}

func TestAwakeRequestDuringTickWins(t *testing.T) {
	tests := []struct {
		name      string
		wake      func(*radio.Controller) error
		autoSleep bool
	}{
		{name: "hold awake", wake: (*radio.Controller).HoldAwake, autoSleep: false},
		{name: "keep awake", wake: (*radio.Controller).KeepAwake, autoSleep: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := clock.NewFake(0)
			clk := &hookClock{Fake: fake}

			ctl, err := radio.New(radio.DefaultConfig(), sim.New(fake, sim.Options{}), clk, nil, logger.Nop())
			require.NoError(t, err)
			ctl.Initialize(true, false)

			fake.Advance(31 * time.Second)

			// Tick reads the clock after releasing its state snapshot.
			clk.onNextMillis(func() { require.NoError(t, tt.wake(ctl)) })
			ctl.Tick()

			st := ctl.State()
			assert.Equal(t, radio.PowerFull, st.PowerMode)
			assert.Equal(t, tt.autoSleep, st.AutoSleep)
		})
	}
}

func TestTickAcrossClockWrap(t *testing.T) {
	start := uint32(math.MaxUint32 - 10_000)
	clk := clock.NewFake(start)
	drv := sim.New(clk, sim.Options{})

	ctl, err := radio.New(radio.DefaultConfig(), drv, clk, nil, logger.Nop())
	require.NoError(t, err)
	ctl.Initialize(true, false)
	joins := drv.Calls().Join

	clk.Advance(30 * time.Second)
	ctl.Tick()
	assert.Equal(t, radio.PowerFull, ctl.PowerMode())
	assert.Less(t, clk.Millis(), start, "clock has wrapped")

	clk.Advance(time.Millisecond)
	ctl.Tick()
	assert.Equal(t, radio.PowerLow, ctl.PowerMode())

	drv.DropLink()

	clk.Advance(29_999 * time.Millisecond)
	ctl.Tick()
	assert.Equal(t, joins, drv.Calls().Join, "interval not yet exceeded")

	clk.Advance(time.Millisecond)
	ctl.Tick()
	assert.Equal(t, joins+1, drv.Calls().Join)
}

func TestPowerModeIdempotent(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(false, false)
	before := f.driver.Calls()

	require.NoError(t, f.ctl.SetFullPowerMode())

	assert.Equal(t, before, f.driver.Calls())
	assert.True(t, f.ctl.Ready())
}

func TestReadinessClearedUntilSettled(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(false, false)

	require.NoError(t, f.ctl.SetLowPowerMode())
	assert.False(t, f.ctl.Ready())
	assert.Equal(t, radio.PowerLow, f.ctl.PowerMode())

	f.clock.Advance(199 * time.Millisecond)
	assert.False(t, f.ctl.Ready())

	f.clock.Advance(time.Millisecond)
	assert.True(t, f.ctl.Ready())
}

func TestSecondTransitionWaitsForSettle(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(false, false)

	require.NoError(t, f.ctl.SetLowPowerMode())
	start := f.clock.Millis()

	// The fake clock only moves while the blocked call polls.
	require.NoError(t, f.ctl.SetFullPowerMode())

	assert.GreaterOrEqual(t, clock.Since(f.clock.Millis(), start), uint32(200))
	assert.Equal(t, radio.PowerFull, f.ctl.PowerMode())
	assert.False(t, f.ctl.Ready())
}

func TestConcurrentTransitionsRunOnce(t *testing.T) {
	cfg := radio.DefaultConfig()
	cfg.SettleDelay = 50 * time.Millisecond
	cfg.PollInterval = time.Millisecond

	clk := clock.Real()
	drv := sim.New(clk, sim.Options{})
	ctl, err := radio.New(cfg, drv, clk, nil, logger.Nop())
	require.NoError(t, err)

	ctl.Initialize(false, false)
	require.NoError(t, ctl.SetLowPowerMode())
	require.False(t, ctl.Ready())
	offBefore := drv.Calls().PowerSaveOff

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, ctl.SetFullPowerMode())
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			ctl.Tick()
		}
	}()
	wg.Wait()

	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, offBefore+1, drv.Calls().PowerSaveOff, "exactly one transition to full power")
	assert.Equal(t, radio.PowerFull, ctl.PowerMode())

	assert.Eventually(t, ctl.Ready, time.Second, 5*time.Millisecond)
}

func TestFullPowerDefersImminentReconnect(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(true, false)
	f.ctl.ReleaseAutoSleep()

	f.clock.Advance(50 * time.Second)
	require.NoError(t, f.ctl.SetLowPowerMode())
	f.clock.Advance(200 * time.Millisecond)
	f.clock.Advance(6800 * time.Millisecond)

	require.NoError(t, f.ctl.SetFullPowerMode())
	assert.Equal(t, uint32(2000), f.ctl.State().LastReconnectAttempt)

	f.driver.DropLink()
	joins := f.driver.Calls().Join

	f.clock.Advance(4999 * time.Millisecond)
	f.ctl.Tick()
	assert.Equal(t, joins, f.driver.Calls().Join)

	f.clock.Advance(2 * time.Millisecond)
	f.ctl.Tick()
	assert.Equal(t, joins+1, f.driver.Calls().Join)
}

func TestFullPowerLeavesDistantReconnectAlone(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(true, true)

	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.ctl.SetFullPowerMode())

	assert.Equal(t, uint32(0), f.ctl.State().LastReconnectAttempt)
	assert.Equal(t, uint32(10000), f.ctl.State().SleepTimerStartedAt)
}

func TestAlwaysOnVetoesDisconnectAndStop(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(true, false)
	require.NoError(t, f.ctl.SetAlwaysOn(true))
	before := f.ctl.State()
	calls := f.driver.Calls()

	f.ctl.Disconnect()
	f.ctl.Stop()
	require.NoError(t, f.ctl.SetLowPowerMode())

	assert.Equal(t, before, f.ctl.State())
	assert.Equal(t, calls, f.driver.Calls())
	assert.True(t, f.driver.Enabled())
	assert.True(t, f.rec.contains("Stop ignored"))
	assert.True(t, f.rec.contains("Disconnect ignored"))
}

func TestAlwaysOnForcesFullPowerAndConnection(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(false, true)

	require.NoError(t, f.ctl.SetAlwaysOn(true))

	st := f.ctl.State()
	assert.True(t, st.AlwaysOn)
	assert.False(t, st.AutoSleep)
	assert.Equal(t, radio.PowerFull, st.PowerMode)
	assert.Equal(t, radio.Connected, st.Connectivity)

	f.clock.Advance(time.Minute)
	f.ctl.Tick()
	assert.Equal(t, radio.PowerFull, f.ctl.PowerMode())
}

func TestAlwaysOnRestartsStoppedRadio(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(true, false)
	f.ctl.Stop()
	require.False(t, f.driver.Enabled())

	require.NoError(t, f.ctl.SetAlwaysOn(true))

	assert.True(t, f.driver.Enabled())
	assert.Equal(t, radio.Connected, f.ctl.Connectivity())
}

func TestClearingAlwaysOnKeepsState(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(true, false)
	require.NoError(t, f.ctl.SetAlwaysOn(true))

	require.NoError(t, f.ctl.SetAlwaysOn(false))

	st := f.ctl.State()
	assert.False(t, st.AlwaysOn)
	assert.False(t, st.AutoSleep, "auto-sleep is not re-enabled implicitly")
	assert.Equal(t, radio.Connected, st.Connectivity)

	f.ctl.Disconnect()
	assert.Equal(t, radio.Disconnected, f.ctl.Connectivity())
}

func TestStopAndResume(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(true, false)
	require.NoError(t, f.ctl.SetLowPowerMode())
	f.clock.Advance(time.Second)

	f.ctl.Stop()
	assert.False(t, f.driver.Enabled())
	assert.Equal(t, radio.Disconnected, f.ctl.Connectivity())
	assert.Equal(t, radio.DisconnectedRSSI, f.ctl.SignalStrength())

	f.ctl.Resume()
	assert.True(t, f.driver.Enabled())
	assert.Equal(t, radio.Connected, f.ctl.Connectivity())
	assert.Equal(t, radio.PowerLow, f.ctl.PowerMode(), "resume keeps the power mode")
}

func TestResumeIsNoopWhenActive(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(true, false)
	calls := f.driver.Calls()

	f.ctl.Resume()

	assert.Equal(t, calls, f.driver.Calls())
}

func TestSetTransmitPower(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(false, false)

	for _, dBm := range []int{-1, 21, 100} {
		err := f.ctl.SetTransmitPower(dBm)
		require.Error(t, err)
		assert.Equal(t, radio.ErrTxPowerOutOfRange, errors.CodeOf(err))
	}
	assert.Equal(t, 20, f.driver.TxPower())
	assert.True(t, f.rec.contains("Rejected transmit power 21 dBm"))

	require.NoError(t, f.ctl.SetTransmitPower(0))
	assert.Equal(t, 0, f.driver.TxPower())
	require.NoError(t, f.ctl.SetTransmitPower(20))
	assert.Equal(t, 20, f.ctl.State().TxPower)
}

func TestSetTransmitPowerDriverFailure(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(false, false)
	f.driver.Fail("txpower", stderrors.New("firmware busy"))

	err := f.ctl.SetTransmitPower(10)

	require.Error(t, err)
	assert.Equal(t, radio.ErrDriverFailed, errors.CodeOf(err))
	assert.Equal(t, 20, f.ctl.State().TxPower)
}

func TestSettleUnavailableIsReported(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(false, false)
	f.ctl.Close()

	err := f.ctl.SetLowPowerMode()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, radio.ErrSettleUnavailable))
	assert.Equal(t, radio.PowerLow, f.ctl.PowerMode(), "hardware change stands")
	assert.False(t, f.ctl.Ready())
	assert.Error(t, f.ctl.Fault())
	assert.True(t, f.rec.contains("without settle timer"))

	calls := f.driver.Calls()
	err = f.ctl.SetFullPowerMode()
	require.Error(t, err)
	assert.Equal(t, radio.PowerLow, f.ctl.PowerMode(), "further transitions refused")
	assert.Equal(t, calls, f.driver.Calls())

	f.ctl.RecoverReadiness()
	assert.True(t, f.ctl.Ready())
	assert.NoError(t, f.ctl.Fault())
}

func TestCloseReleasesPendingSettle(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.ctl.Initialize(false, false)
	require.NoError(t, f.ctl.SetLowPowerMode())
	require.Equal(t, 1, f.clock.Pending())

	f.ctl.Close()

	assert.Equal(t, 0, f.clock.Pending())
	assert.True(t, f.ctl.Ready())
}

func TestDriverFailuresAreAbsorbed(t *testing.T) {
	f := newFixture(t, sim.Options{})
	f.driver.Fail("powersave", stderrors.New("unsupported"))

	assert.NotPanics(t, func() { f.ctl.Initialize(true, true) })
	assert.Equal(t, radio.PowerLow, f.ctl.PowerMode())
	assert.True(t, f.rec.contains("set power save failed"))
}

func TestSignalStrength(t *testing.T) {
	f := newFixture(t, sim.Options{RSSI: -45})
	assert.Equal(t, radio.DisconnectedRSSI, f.ctl.SignalStrength())

	f.ctl.Initialize(true, false)
	assert.Equal(t, -45, f.ctl.SignalStrength())
	assert.Equal(t, radio.Excellent, radio.ClassifySignal(f.ctl.SignalStrength()))

	f.driver.DropLink()
	assert.Equal(t, radio.NoSignal, radio.ClassifySignal(f.ctl.SignalStrength()))
}
