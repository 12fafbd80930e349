package thermal_test

import (
	"context"
	stderrors "errors"
	"math/rand"
	"testing"
	"time"

	"codeberg.org/mutker/radioguard/internal/clock"
	"codeberg.org/mutker/radioguard/internal/errors"
	"codeberg.org/mutker/radioguard/internal/metrics"
	"codeberg.org/mutker/radioguard/internal/radio"
	"codeberg.org/mutker/radioguard/internal/radio/sim"
	"codeberg.org/mutker/radioguard/internal/thermal"
	"codeberg.org/mutker/radioguard/internal/throttle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queueSensor struct {
	temps []float64
	reads int
	err   error
}

func (s *queueSensor) Temperature() (float64, error) {
	if s.err != nil {
		return 0, s.err
	}
	t := s.temps[s.reads%len(s.temps)]
	s.reads++
	return t, nil
}

type fakeRadio struct {
	calls        []string
	lowPowerErrs []error
	recovered    int
}

func (r *fakeRadio) Stop()   { r.calls = append(r.calls, "stop") }
func (r *fakeRadio) Resume() { r.calls = append(r.calls, "resume") }

func (r *fakeRadio) SetLowPowerMode() error {
	r.calls = append(r.calls, "low")
	if len(r.lowPowerErrs) > 0 {
		err := r.lowPowerErrs[0]
		r.lowPowerErrs = r.lowPowerErrs[1:]
		return err
	}
	return nil
}

func (r *fakeRadio) SetFullPowerMode() error {
	r.calls = append(r.calls, "full")
	return nil
}

func (r *fakeRadio) RecoverReadiness() { r.recovered++ }

type fakeSleeper struct {
	wake []time.Duration
}

func (s *fakeSleeper) DeepSleep(wakeAfter time.Duration) error {
	s.wake = append(s.wake, wakeAfter)
	return nil
}

type fakeCollector struct {
	snapshots []metrics.Snapshot
}

func (c *fakeCollector) Record(_ context.Context, s *metrics.Snapshot) error {
	c.snapshots = append(c.snapshots, *s)
	return nil
}

func (c *fakeCollector) Latest(context.Context) (*metrics.Snapshot, error) { return nil, nil }
func (c *fakeCollector) Close() error                                       { return nil }

type fixture struct {
	monitor   *thermal.Monitor
	sensor    *queueSensor
	radio     *fakeRadio
	sleeper   *fakeSleeper
	collector *fakeCollector
}

func newFixture(t *testing.T, cfg thermal.Config, temps ...float64) *fixture {
	t.Helper()

	f := &fixture{
		sensor:    &queueSensor{temps: temps},
		radio:     &fakeRadio{},
		sleeper:   &fakeSleeper{},
		collector: &fakeCollector{},
	}

	th, err := throttle.New(throttle.DefaultConfig(), nil, nil, nil)
	require.NoError(t, err)

	f.monitor, err = thermal.New(cfg, thermal.Deps{
		Sensor:    f.sensor,
		Radio:     f.radio,
		Throttle:  th,
		Sleeper:   f.sleeper,
		Collector: f.collector,
	})
	require.NoError(t, err)

	return f
}

func TestEscalationToEmergency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, thermal.DefaultConfig(), 70, 91, 96, 101)

	r, err := f.monitor.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, thermal.Normal, r.Tier)
	assert.Equal(t, 240, r.CPUFrequency)
	assert.Empty(t, f.radio.calls)

	r, err = f.monitor.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, thermal.PowerReduced, r.Tier)
	assert.True(t, f.monitor.LowPowerMode())
	assert.False(t, f.monitor.RadioDisabled())
	assert.Equal(t, []string{"low"}, f.radio.calls)

	r, err = f.monitor.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, thermal.RadioDisabled, r.Tier)
	assert.True(t, f.monitor.RadioDisabled())
	assert.Equal(t, []string{"low", "stop"}, f.radio.calls)
	assert.Equal(t, 80, f.monitor.CPUFrequency())

	r, err = f.monitor.Evaluate(ctx)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, thermal.ErrEmergencyShutdown))
	assert.Equal(t, thermal.Shutdown, r.Tier)
	assert.True(t, f.monitor.ShutdownTriggered())
	assert.Equal(t, []time.Duration{30 * time.Minute}, f.sleeper.wake)

	reads, calls, snapshots := f.sensor.reads, len(f.radio.calls), len(f.collector.snapshots)
	for i := 0; i < 3; i++ {
		_, err = f.monitor.Evaluate(ctx)
		assert.True(t, errors.HasCode(err, thermal.ErrEmergencyShutdown))
	}
	assert.Equal(t, reads, f.sensor.reads, "sensor is not read after shutdown")
	assert.Len(t, f.radio.calls, calls)
	assert.Len(t, f.collector.snapshots, snapshots)
	assert.Len(t, f.sleeper.wake, 1)
	assert.Equal(t, thermal.Shutdown, f.monitor.Tier())
}

func TestRestorationWithHysteresis(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, thermal.DefaultConfig(), 96, 89, 84)

	_, err := f.monitor.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stop", "low"}, f.radio.calls, "radio stops before power is reduced")
	assert.Equal(t, thermal.RadioDisabled, f.monitor.Tier())

	_, err = f.monitor.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stop", "low", "resume"}, f.radio.calls)
	assert.False(t, f.monitor.RadioDisabled())
	assert.True(t, f.monitor.LowPowerMode(), "89 °C is above restore_power")

	_, err = f.monitor.Evaluate(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"stop", "low", "resume", "full"}, f.radio.calls)
	assert.Equal(t, thermal.Normal, f.monitor.Tier())
}

func TestFullRecoveryInOneCycle(t *testing.T) {
	f := newFixture(t, thermal.DefaultConfig(), 97, 60)

	_, err := f.monitor.Evaluate(context.Background())
	require.NoError(t, err)
	_, err = f.monitor.Evaluate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"stop", "low", "full", "resume"}, f.radio.calls, "power restored before the radio resumes")
	assert.Equal(t, thermal.Normal, f.monitor.Tier())
}

func TestHysteresisInvariant(t *testing.T) {
	th := thermal.DefaultThresholds()
	rng := rand.New(rand.NewSource(42))

	temps := make([]float64, 5000)
	temp := 80.0
	for i := range temps {
		temp += rng.Float64()*6 - 3
		if temp < 60 {
			temp = 60
		}
		if temp > 99.9 {
			temp = 99.9
		}
		temps[i] = temp
	}

	f := newFixture(t, thermal.DefaultConfig(), temps...)

	radioOff, lowPower := false, false
	for _, temp := range temps {
		_, err := f.monitor.Evaluate(context.Background())
		require.NoError(t, err)

		nowOff, nowLow := f.monitor.RadioDisabled(), f.monitor.LowPowerMode()
		if radioOff && temp > th.RestoreRadio {
			require.True(t, nowOff, "radio re-enabled at %.2f °C", temp)
		}
		if !radioOff && temp < th.DisableRadio {
			require.False(t, nowOff, "radio disabled at %.2f °C", temp)
		}
		if lowPower && temp > th.RestorePower {
			require.True(t, nowLow, "power restored at %.2f °C", temp)
		}
		if !lowPower && temp < th.ReducePower {
			require.False(t, nowLow, "power reduced at %.2f °C", temp)
		}
		radioOff, lowPower = nowOff, nowLow
	}
}

func TestNoRadioAttached(t *testing.T) {
	th, err := throttle.New(throttle.DefaultConfig(), nil, nil, nil)
	require.NoError(t, err)

	m, err := thermal.New(thermal.DefaultConfig(), thermal.Deps{
		Sensor:   &queueSensor{temps: []float64{92, 97}},
		Throttle: th,
	})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		r, err := m.Evaluate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, thermal.Normal, r.Tier)
	}
	assert.Equal(t, 80, m.CPUFrequency(), "throttle still runs")
}

func TestSensorFailureSkipsCycle(t *testing.T) {
	f := newFixture(t, thermal.DefaultConfig(), 91)
	_, err := f.monitor.Evaluate(context.Background())
	require.NoError(t, err)

	f.sensor.err = stderrors.New("i2c timeout")
	_, err = f.monitor.Evaluate(context.Background())

	require.Error(t, err)
	assert.Equal(t, thermal.ErrSensorRead, errors.CodeOf(err))
	assert.Equal(t, thermal.PowerReduced, f.monitor.Tier())
	assert.Len(t, f.collector.snapshots, 1)
}

func TestPollGatesEvaluation(t *testing.T) {
	cfg := thermal.DefaultConfig()
	cfg.RunEvery = 3
	f := newFixture(t, cfg, 70)

	var evaluated []int
	for i := 1; i <= 7; i++ {
		_, ran, err := f.monitor.Poll(context.Background())
		require.NoError(t, err)
		if ran {
			evaluated = append(evaluated, i)
		}
	}

	assert.Equal(t, []int{3, 6}, evaluated)
	assert.Equal(t, 2, f.sensor.reads)
}

func TestBeginEvaluatesImmediately(t *testing.T) {
	f := newFixture(t, thermal.DefaultConfig(), 92)

	r, err := f.monitor.Begin(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 92.0, r.Temperature)
	assert.Equal(t, r, f.monitor.Last())
}

func TestSettleFaultRecoveredAndRetried(t *testing.T) {
	f := newFixture(t, thermal.DefaultConfig(), 91)
	f.radio.lowPowerErrs = []error{errors.New().New(radio.ErrSettleUnavailable)}

	_, err := f.monitor.Evaluate(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, f.radio.recovered)
	assert.Equal(t, []string{"low", "low"}, f.radio.calls)
	assert.True(t, f.monitor.LowPowerMode())
}

func TestSnapshotsCollected(t *testing.T) {
	f := newFixture(t, thermal.DefaultConfig(), 70, 96)

	for i := 0; i < 2; i++ {
		_, err := f.monitor.Evaluate(context.Background())
		require.NoError(t, err)
	}

	require.Len(t, f.collector.snapshots, 2)
	last := f.collector.snapshots[1]
	assert.Equal(t, "RADIO_DISABLED", last.Tier)
	assert.Equal(t, 96.0, last.Temperature)
	assert.True(t, last.RadioDisabled)
	assert.True(t, last.LowPowerMode)
	assert.Equal(t, 80, last.CPUFrequency)
}

func TestDrivesRadioController(t *testing.T) {
	clk := clock.NewFake(0)
	drv := sim.New(clk, sim.Options{})
	ctl, err := radio.New(radio.DefaultConfig(), drv, clk, nil, nil)
	require.NoError(t, err)
	ctl.Initialize(true, false)

	th, err := throttle.New(throttle.DefaultConfig(), nil, nil, nil)
	require.NoError(t, err)
	m, err := thermal.New(thermal.DefaultConfig(), thermal.Deps{
		Sensor:   &queueSensor{temps: []float64{96, 89, 84}},
		Radio:    ctl,
		Throttle: th,
	})
	require.NoError(t, err)

	_, err = m.Evaluate(context.Background())
	require.NoError(t, err)
	assert.False(t, ctl.Active())
	assert.Equal(t, radio.PowerLow, ctl.PowerMode())

	_, err = m.Evaluate(context.Background())
	require.NoError(t, err)
	assert.True(t, ctl.Active())
	assert.Equal(t, radio.Connected, ctl.Connectivity())
	assert.Equal(t, radio.PowerLow, ctl.PowerMode())

	_, err = m.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, radio.PowerFull, ctl.PowerMode())
}

func TestAlwaysOnOverridesThermalRadioCommands(t *testing.T) {
	clk := clock.NewFake(0)
	drv := sim.New(clk, sim.Options{})
	ctl, err := radio.New(radio.DefaultConfig(), drv, clk, nil, nil)
	require.NoError(t, err)
	ctl.Initialize(true, false)
	require.NoError(t, ctl.SetAlwaysOn(true))

	th, err := throttle.New(throttle.DefaultConfig(), nil, nil, nil)
	require.NoError(t, err)
	m, err := thermal.New(thermal.DefaultConfig(), thermal.Deps{
		Sensor:   &queueSensor{temps: []float64{97}},
		Radio:    ctl,
		Throttle: th,
	})
	require.NoError(t, err)

	_, err = m.Evaluate(context.Background())
	require.NoError(t, err)

	assert.Equal(t, thermal.RadioDisabled, m.Tier(), "the monitor records the commands it issued")
	assert.True(t, ctl.Active())
	assert.Equal(t, radio.PowerFull, ctl.PowerMode())
	assert.Equal(t, 80, m.CPUFrequency(), "throttling is not vetoed")
}

func TestThresholdsValidate(t *testing.T) {
	require.NoError(t, thermal.DefaultThresholds().Validate())

	tests := []struct {
		name   string
		mutate func(*thermal.Thresholds)
	}{
		{"shutdown not above disable", func(t *thermal.Thresholds) { t.Shutdown = 95 }},
		{"disable not above reduce", func(t *thermal.Thresholds) { t.DisableRadio = 89 }},
		{"restore power at reduce", func(t *thermal.Thresholds) { t.RestorePower = 90 }},
		{"restore radio at disable", func(t *thermal.Thresholds) { t.RestoreRadio = 95 }},
		{"restore power above restore radio", func(t *thermal.Thresholds) { t.RestorePower, t.RestoreRadio = 88, 87 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := thermal.DefaultThresholds()
			tt.mutate(&th)

			err := th.Validate()
			require.Error(t, err)
			assert.Equal(t, thermal.ErrInvalidThresholds, errors.CodeOf(err))

			_, err = thermal.New(thermal.Config{Thresholds: th, RunEvery: 1, WakeAfter: time.Minute}, thermal.Deps{})
			assert.Error(t, err)
		})
	}
}

func TestNewRequiresSensorAndThrottle(t *testing.T) {
	_, err := thermal.New(thermal.DefaultConfig(), thermal.Deps{Sensor: &queueSensor{temps: []float64{70}}})

	require.Error(t, err)
	assert.Equal(t, thermal.ErrInvalidConfig, errors.CodeOf(err))
}
