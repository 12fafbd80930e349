package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"codeberg.org/mutker/radioguard/internal/clock"
	"codeberg.org/mutker/radioguard/internal/config"
	"codeberg.org/mutker/radioguard/internal/diag"
	"codeberg.org/mutker/radioguard/internal/errors"
	"codeberg.org/mutker/radioguard/internal/logger"
	"codeberg.org/mutker/radioguard/internal/metrics"
	"codeberg.org/mutker/radioguard/internal/pid"
	"codeberg.org/mutker/radioguard/internal/platform"
	"codeberg.org/mutker/radioguard/internal/radio"
	"codeberg.org/mutker/radioguard/internal/radio/nmcli"
	"codeberg.org/mutker/radioguard/internal/radio/sim"
	"codeberg.org/mutker/radioguard/internal/sensor"
	"codeberg.org/mutker/radioguard/internal/thermal"
	"codeberg.org/mutker/radioguard/internal/throttle"
)

const (
	dataDirPerm    = 0o755
	startupTimeout = 5 * time.Second
)

var (
	cfg        *config.Config
	closers    []io.Closer
	cpuFreq    *platform.CPUFreq
	controller *radio.Controller
	collector  metrics.Collector
	monitor    *thermal.Monitor
)

func init() {
	var err error
	cfg, err = config.Load(os.Args[1:])
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LoggerOptions(logger.IsService()))
	logger.Debug().Str("file", cfg.ConfigFile).Msg("Config loaded")
}

func main() {
	if err := pid.Write(); err != nil {
		logger.Fatal().Err(err).Msg("failed to write PID file")
	}

	errFactory := errors.New()
	exitCode := 0
	if err := setup(); err != nil {
		logger.Error().Err(errFactory.Wrap(errors.ErrInitApp, err)).Msg("failed to initialize")
		exitCode = 1
	} else {
		ctx, cancel := context.WithCancel(context.Background())
		go handleSignals(cancel)

		if err := loop(ctx); err != nil {
			logger.Error().Err(errFactory.Wrap(errors.ErrMainLoop, err)).Msg("error in main loop")
			exitCode = 1
		}
		cancel()
	}

	cleanup()
	os.Exit(exitCode)
}

func setup() error {
	log := logger.Default()

	src, srcCloser, err := sensor.Open(cfg.SensorConfig(), log.With("sensor"))
	if err != nil {
		return err
	}
	closers = append(closers, srcCloser)

	recorder, err := newRecorder(log)
	if err != nil {
		return err
	}

	collector, err = metrics.NewService(cfg.MetricsConfig(), log.With("metrics"))
	if err != nil {
		return err
	}
	logLatestSnapshot()

	rc, err := newRadio(recorder, log.With("radio"))
	if err != nil {
		return err
	}

	th, err := newThrottle(src, log.With("throttle"))
	if err != nil {
		return err
	}

	var sleeper thermal.Sleeper = platform.LogSleeper{Log: log.With("platform")}
	if cfg.Platform.DeepSleep {
		sleeper = platform.NewRTCSleeper(cfg.PlatformConfig(), log.With("platform"))
	}

	monitor, err = thermal.New(cfg.ThermalConfig(), thermal.Deps{
		Sensor:    src,
		Radio:     rc,
		Throttle:  th,
		Sleeper:   sleeper,
		Recorder:  diag.Tagged(recorder, "thermal"),
		Collector: collector,
		Logger:    log.With("thermal"),
	})
	return err
}

// newRecorder fans diagnostic events out to the log and to the optional
// journal and redis sinks.
func newRecorder(log logger.Logger) (diag.Recorder, error) {
	sinks := []diag.Recorder{diag.NewLog(log.With("diag"))}

	if cfg.Journal.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Journal.Path), dataDirPerm); err != nil {
			return nil, errors.New().Wrap(errors.ErrInitFailed, err)
		}
		journal, err := diag.NewJournal(cfg.Journal.Path)
		if err != nil {
			return nil, errors.New().Wrap(errors.ErrInitFailed, err)
		}
		closers = append(closers, journal)
		sinks = append(sinks, journal)
		logger.Info().Str("path", cfg.Journal.Path).Str("boot_id", journal.BootID()).Msg("Diagnostic journal opened")
	}

	if cfg.Redis.Enabled {
		r := diag.NewRedis(cfg.RedisOptions(), log.With("redis"))
		closers = append(closers, r)
		sinks = append(sinks, r)
		logger.Info().Str("addr", cfg.Redis.Addr).Str("channel", cfg.Redis.Channel).Msg("Publishing diagnostics to redis")
	}

	return diag.NewMulti(sinks...), nil
}

func logLatestSnapshot() {
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()

	last, err := collector.Latest(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to read last thermal snapshot")
		return
	}
	if last == nil {
		return
	}

	logger.Info().
		Time("at", last.Timestamp).
		Float64("temperature", last.Temperature).
		Str("tier", last.Tier).
		Int("cpu_mhz", last.CPUFrequency).
		Msg("Last recorded thermal state")
}

// newRadio returns a nil interface when the radio is disabled so the monitor
// skips its radio rules.
func newRadio(recorder diag.Recorder, log logger.Logger) (thermal.RadioController, error) {
	clk := clock.Real()

	var driver radio.Driver
	switch cfg.Radio.Driver {
	case config.RadioDriverNone:
		logger.Info().Msg("Radio control disabled")
		return nil, nil
	case config.RadioDriverNmcli:
		driver = nmcli.New(nmcli.Options{
			Interface:  cfg.Radio.Interface,
			Connection: cfg.Radio.Connection,
			Timeout:    cfg.Radio.CommandTimeout,
		})
	default:
		driver = sim.New(clk, sim.Options{JoinDelay: 500 * time.Millisecond})
	}

	var err error
	controller, err = radio.New(cfg.RadioConfig(), driver, clk, diag.Tagged(recorder, "radio"), log)
	if err != nil {
		return nil, err
	}

	controller.Initialize(cfg.Radio.Connect, cfg.Radio.LowPower)
	if cfg.Radio.AlwaysOn {
		if err := controller.SetAlwaysOn(true); err != nil {
			return nil, err
		}
	}

	state := controller.State()
	logger.Info().
		Str("driver", string(cfg.Radio.Driver)).
		Str("power_mode", state.PowerMode.String()).
		Str("connectivity", state.Connectivity.String()).
		Bool("always_on", state.AlwaysOn).
		Msg("Radio initialized")

	return controller, nil
}

func newThrottle(src sensor.Source, log logger.Logger) (*throttle.Throttle, error) {
	if !cfg.Throttle.Enabled {
		logger.Info().Msg("CPU throttling disabled, frequencies are computed but not applied")
		return throttle.New(throttle.DefaultConfig(), src, nil, log)
	}

	cpuFreq = platform.NewCPUFreq(cfg.Platform.CPURoot, log)
	return throttle.New(cfg.ThrottleConfig(), src, cpuFreq, log)
}

func loop(ctx context.Context) error {
	if err := handleEvaluation(monitor.Begin(ctx)); err != nil {
		return err
	}

	ticker := time.NewTicker(cfg.Thermal.Interval)
	defer ticker.Stop()

	var radioTick <-chan time.Time
	if controller != nil {
		radioTicker := time.NewTicker(cfg.Radio.TickInterval)
		defer radioTicker.Stop()
		radioTick = radioTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-radioTick:
			controller.Tick()
			logRadioState()
		case <-ticker.C:
			reading, ran, pollErr := monitor.Poll(ctx)
			if !ran {
				continue
			}
			if err := handleEvaluation(reading, pollErr); err != nil {
				return err
			}
		}
	}
}

// handleEvaluation logs the outcome of an evaluation. Only an emergency
// shutdown ends the loop; a failed sensor read skips the cycle.
func handleEvaluation(reading thermal.Reading, err error) error {
	if err != nil {
		if errors.HasCode(err, thermal.ErrEmergencyShutdown) {
			return err
		}
		logger.Warn().Err(err).Msg("Thermal evaluation skipped")
		return nil
	}

	logger.Debug().
		Float64("temperature", reading.Temperature).
		Str("tier", reading.Tier.String()).
		Int("cpu_mhz", reading.CPUFrequency).
		Msg("")

	return nil
}

func logRadioState() {
	state := controller.State()
	rssi := controller.SignalStrength()

	logger.Debug().
		Bool("active", state.Active).
		Str("power_mode", state.PowerMode.String()).
		Str("connectivity", state.Connectivity.String()).
		Int("rssi", rssi).
		Str("signal", radio.ClassifySignal(rssi).String()).
		Bool("ready", state.Ready).
		Msg("")
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func cleanup() {
	if cpuFreq != nil {
		if err := cpuFreq.SetMaxFrequency(cfg.Throttle.MaxFreq); err != nil {
			logger.Error().Err(err).Msg("failed to restore CPU frequency")
		}
	}

	if controller != nil {
		controller.Close()
	}

	if collector != nil {
		if err := collector.Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close metrics collector")
		}
	}

	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.Error().Err(err).Msg("failed to close resource")
		}
	}

	if err := pid.Remove(); err != nil {
		logger.Error().Err(err).Msg("failed to remove PID file")
	}

	logger.Info().Msg("Exiting...")
	_ = logger.Close()
}
