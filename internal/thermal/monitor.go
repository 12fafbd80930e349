// Package thermal escalates radio and CPU mitigations as the device heats up
// and restores them, with hysteresis, as it cools down.
package thermal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"codeberg.org/mutker/radioguard/internal/diag"
	"codeberg.org/mutker/radioguard/internal/errors"
	"codeberg.org/mutker/radioguard/internal/logger"
	"codeberg.org/mutker/radioguard/internal/metrics"
	"codeberg.org/mutker/radioguard/internal/radio"
)

// Sensor reads the device temperature in °C.
type Sensor interface {
	Temperature() (float64, error)
}

// RadioController is the subset of the radio controller the monitor drives.
type RadioController interface {
	Stop()
	Resume()
	SetLowPowerMode() error
	SetFullPowerMode() error
	RecoverReadiness()
}

// Throttler picks the CPU frequency for a temperature.
type Throttler interface {
	Apply(temp float64) int
	Current() int
}

// Sleeper arms a wake-up timer and puts the device into deep sleep.
type Sleeper interface {
	DeepSleep(wakeAfter time.Duration) error
}

type Config struct {
	Thresholds Thresholds
	// RunEvery is the number of Poll calls per evaluation.
	RunEvery uint32
	// WakeAfter is the deep sleep duration after an emergency shutdown.
	WakeAfter time.Duration
}

func DefaultConfig() Config {
	return Config{
		Thresholds: DefaultThresholds(),
		RunEvery:   1000,
		WakeAfter:  30 * time.Minute,
	}
}

func (c Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}

	errFactory := errors.New()
	if c.RunEvery == 0 {
		return errFactory.WithData(ErrInvalidConfig, errors.FieldError{
			Field: "run_every", Value: c.RunEvery, Reason: "must be positive",
		})
	}
	if c.WakeAfter <= 0 {
		return errFactory.WithData(ErrInvalidConfig, errors.FieldError{
			Field: "wake_after", Value: c.WakeAfter, Reason: "must be positive",
		})
	}

	return nil
}

// Deps are the monitor's collaborators. Sensor and Throttle are required;
// a nil Radio skips every radio rule.
type Deps struct {
	Sensor    Sensor
	Radio     RadioController
	Throttle  Throttler
	Sleeper   Sleeper
	Recorder  diag.Recorder
	Collector metrics.Collector
	Logger    logger.Logger
	Now       func() time.Time
}

// Reading is the outcome of one evaluation.
type Reading struct {
	Time         time.Time
	Temperature  float64
	Tier         Tier
	CPUFrequency int
}

// Monitor owns the thermal state. Evaluate, Begin and Poll must be called
// from a single goroutine; the getters are safe from any goroutine.
type Monitor struct {
	cfg  Config
	deps Deps
	log  logger.Logger

	runCount uint32

	mu      sync.Mutex
	tier    Tier
	cpuFreq int
	last    Reading
}

func New(cfg Config, deps Deps) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Sensor == nil || deps.Throttle == nil {
		return nil, errors.New().WithMessage(ErrInvalidConfig, "thermal monitor needs a sensor and a throttle")
	}
	if deps.Recorder == nil {
		deps.Recorder = diag.Nop{}
	}
	if deps.Collector == nil {
		deps.Collector = metrics.Noop()
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	return &Monitor{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Logger,
		cpuFreq: deps.Throttle.Current(),
	}, nil
}

// Begin evaluates immediately, for use at startup.
func (m *Monitor) Begin(ctx context.Context) (Reading, error) {
	return m.Evaluate(ctx)
}

// Poll counts host loop iterations and evaluates on every RunEvery-th call.
// The boolean reports whether an evaluation ran.
func (m *Monitor) Poll(ctx context.Context) (Reading, bool, error) {
	m.runCount++
	if m.runCount < m.cfg.RunEvery {
		return Reading{}, false, nil
	}
	m.runCount = 0

	reading, err := m.Evaluate(ctx)

	return reading, true, err
}

// Evaluate reads the sensor and walks the transition table. Once the
// shutdown threshold has been reached every call returns
// ErrEmergencyShutdown without touching any state.
func (m *Monitor) Evaluate(ctx context.Context) (Reading, error) {
	errFactory := errors.New()

	if m.tier == Shutdown {
		return m.Last(), errFactory.New(ErrEmergencyShutdown)
	}

	temp, err := m.deps.Sensor.Temperature()
	if err != nil {
		m.log.Warn().Err(err).Msg("Temperature read failed, skipping evaluation")
		return Reading{}, errFactory.Wrap(ErrSensorRead, err)
	}

	th := m.cfg.Thresholds
	if temp >= th.Shutdown {
		return m.shutdown(ctx, temp)
	}

	radioOff, lowPower := m.tier.radioOff(), m.tier.lowPower()

	if m.deps.Radio != nil {
		for _, r := range escalation {
			if temp >= r.threshold(th) && !r.active(radioOff, lowPower) {
				m.apply(r, temp)
				radioOff, lowPower = r.set(radioOff, lowPower, true)
			}
		}
	}

	cpuFreq := m.deps.Throttle.Apply(temp)

	if m.deps.Radio != nil {
		for _, r := range restoration {
			if temp <= r.threshold(th) && r.active(radioOff, lowPower) {
				m.apply(r, temp)
				radioOff, lowPower = r.set(radioOff, lowPower, false)
			}
		}
	}

	reading := Reading{
		Time:         m.deps.Now(),
		Temperature:  temp,
		Tier:         tierFor(radioOff, lowPower),
		CPUFrequency: cpuFreq,
	}
	m.store(reading)
	m.collect(ctx, reading)

	m.log.Debug().
		Float64("temperature", temp).
		Str("tier", reading.Tier.String()).
		Int("cpu_mhz", cpuFreq).
		Msg("Thermal evaluation")

	return reading, nil
}

func (m *Monitor) shutdown(ctx context.Context, temp float64) (Reading, error) {
	reading := Reading{
		Time:         m.deps.Now(),
		Temperature:  temp,
		Tier:         Shutdown,
		CPUFrequency: m.cpuFreq,
	}
	m.store(reading)
	m.collect(ctx, reading)

	m.record(fmt.Sprintf("Emergency shutdown at %.1f °C, sleeping for %s", temp, m.cfg.WakeAfter))

	if m.deps.Sleeper != nil {
		if err := m.deps.Sleeper.DeepSleep(m.cfg.WakeAfter); err != nil {
			m.log.Error().Err(err).Msg("Failed to enter deep sleep")
		}
	}

	return reading, errors.New().WithMessage(ErrEmergencyShutdown,
		fmt.Sprintf("temperature %.1f °C reached shutdown threshold %.1f °C", temp, m.cfg.Thresholds.Shutdown))
}

func (m *Monitor) apply(r rule, temp float64) {
	if err := r.command(m.deps.Radio); err != nil {
		if errors.HasCode(err, radio.ErrSettleUnavailable) {
			m.log.Warn().Err(err).Msg("Radio readiness stuck, recovering synchronously")
			m.deps.Radio.RecoverReadiness()
			err = r.command(m.deps.Radio)
		}
		if err != nil {
			m.log.Warn().Err(err).Str("rule", r.name).Msg("Radio command failed")
			m.record(fmt.Sprintf("Radio command %s failed: %v", r.name, err))
		}
	}

	m.record(fmt.Sprintf(r.event, temp))
}

func (m *Monitor) store(reading Reading) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tier = reading.Tier
	m.cpuFreq = reading.CPUFrequency
	m.last = reading
}

func (m *Monitor) collect(ctx context.Context, reading Reading) {
	err := m.deps.Collector.Record(ctx, &metrics.Snapshot{
		Timestamp:     reading.Time,
		Temperature:   reading.Temperature,
		Tier:          reading.Tier.String(),
		CPUFrequency:  reading.CPUFrequency,
		RadioDisabled: reading.Tier.radioOff(),
		LowPowerMode:  reading.Tier.lowPower(),
	})
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to record thermal snapshot")
	}
}

func (m *Monitor) record(msg string) {
	m.deps.Recorder.Record(msg)
}

// Tier returns the current mitigation tier.
func (m *Monitor) Tier() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

func (m *Monitor) RadioDisabled() bool {
	return m.Tier().radioOff()
}

func (m *Monitor) LowPowerMode() bool {
	return m.Tier().lowPower()
}

func (m *Monitor) ShutdownTriggered() bool {
	return m.Tier() == Shutdown
}

// CPUFrequency returns the last frequency chosen by the throttle, in MHz.
func (m *Monitor) CPUFrequency() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpuFreq
}

// Last returns the most recent completed evaluation.
func (m *Monitor) Last() Reading {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}
