// Package platform applies the monitor's decisions to Linux hosts through
// sysfs: CPU frequency ceilings and RTC-timed suspend.
package platform

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"codeberg.org/mutker/radioguard/internal/errors"
	"codeberg.org/mutker/radioguard/internal/logger"
)

const (
	ErrNoCPUFreq   = errors.ErrorCode("platform_no_cpufreq")
	ErrWriteFailed = errors.ErrorCode("platform_write_failed")

	defaultCPURoot    = "/sys/devices/system/cpu"
	defaultRTCDir     = "/sys/class/rtc/rtc0"
	defaultPowerState = "/sys/power/state"

	sysfsFilePerm = 0o644
)

type Config struct {
	CPURoot    string
	RTCDir     string
	PowerState string
	// DeepSleep enables real suspend. When false the emergency sleep is
	// only logged.
	DeepSleep bool
}

func DefaultConfig() Config {
	return Config{
		CPURoot:    defaultCPURoot,
		RTCDir:     defaultRTCDir,
		PowerState: defaultPowerState,
		DeepSleep:  true,
	}
}

func writeSysfs(path, value string) error {
	if err := os.WriteFile(path, []byte(value), sysfsFilePerm); err != nil {
		return errors.New().WithData(ErrWriteFailed, struct {
			Path  string
			Value string
			Error string
		}{
			Path:  path,
			Value: value,
			Error: err.Error(),
		})
	}

	return nil
}

// CPUFreq caps every CPU's scaling_max_freq.
type CPUFreq struct {
	root string
	log  logger.Logger
}

func NewCPUFreq(root string, log logger.Logger) *CPUFreq {
	if root == "" {
		root = defaultCPURoot
	}
	if log == nil {
		log = logger.Nop()
	}
	return &CPUFreq{root: root, log: log}
}

// SetMaxFrequency writes mhz (as kHz) to every CPU policy it finds.
func (c *CPUFreq) SetMaxFrequency(mhz int) error {
	paths, err := filepath.Glob(filepath.Join(c.root, "cpu[0-9]*", "cpufreq", "scaling_max_freq"))
	if err != nil {
		return errors.New().Wrap(ErrNoCPUFreq, err)
	}
	if len(paths) == 0 {
		return errors.New().WithMessage(ErrNoCPUFreq, "no cpufreq policies under "+c.root)
	}

	khz := strconv.Itoa(mhz * 1000)
	for _, path := range paths {
		if err := writeSysfs(path, khz); err != nil {
			return err
		}
	}

	c.log.Debug().Int("mhz", mhz).Int("cpus", len(paths)).Msg("CPU frequency ceiling applied")

	return nil
}

// RTCSleeper programs the RTC wake alarm and suspends to RAM.
type RTCSleeper struct {
	rtcDir     string
	powerState string
	now        func() time.Time
	log        logger.Logger
}

func NewRTCSleeper(cfg Config, log logger.Logger) *RTCSleeper {
	if cfg.RTCDir == "" {
		cfg.RTCDir = defaultRTCDir
	}
	if cfg.PowerState == "" {
		cfg.PowerState = defaultPowerState
	}
	if log == nil {
		log = logger.Nop()
	}
	return &RTCSleeper{rtcDir: cfg.RTCDir, powerState: cfg.PowerState, now: time.Now, log: log}
}

func (s *RTCSleeper) DeepSleep(wakeAfter time.Duration) error {
	alarm := filepath.Join(s.rtcDir, "wakealarm")

	// The kernel refuses a new alarm while one is armed.
	if err := writeSysfs(alarm, "0"); err != nil {
		return err
	}

	wakeAt := s.now().Add(wakeAfter).Unix()
	if err := writeSysfs(alarm, strconv.FormatInt(wakeAt, 10)); err != nil {
		return err
	}

	s.log.Warn().Int64("wake_at", wakeAt).Msg("Suspending to RAM")

	return writeSysfs(s.powerState, "mem")
}

// LogSleeper only logs the request. It stands in for RTCSleeper on hosts
// that must not suspend.
type LogSleeper struct {
	Log logger.Logger
}

func (s LogSleeper) DeepSleep(wakeAfter time.Duration) error {
	if s.Log != nil {
		s.Log.Warn().Dur("wake_after", wakeAfter).Msg("Deep sleep requested but disabled")
	}
	return nil
}
