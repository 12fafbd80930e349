// Package config loads the daemon configuration from defaults, a TOML or
// YAML file, RADIOGUARD_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/radioguard/internal/diag"
	"codeberg.org/mutker/radioguard/internal/errors"
	"codeberg.org/mutker/radioguard/internal/logger"
	"codeberg.org/mutker/radioguard/internal/metrics"
	"codeberg.org/mutker/radioguard/internal/platform"
	"codeberg.org/mutker/radioguard/internal/radio"
	"codeberg.org/mutker/radioguard/internal/sensor"
	"codeberg.org/mutker/radioguard/internal/thermal"
	"codeberg.org/mutker/radioguard/internal/throttle"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	envPrefix     = "RADIOGUARD"
	configEnvVar  = "RADIOGUARD_CONFIG"
	configName    = "radioguard"
	configDir     = "/etc"
	defaultDriver = RadioDriverSim

	DefaultLogLevel = "info"
)

type Config struct {
	Thermal  ThermalConfig  `mapstructure:"thermal"`
	Throttle ThrottleConfig `mapstructure:"throttle"`
	Radio    RadioConfig    `mapstructure:"radio"`
	Sensor   SensorConfig   `mapstructure:"sensor"`
	Platform PlatformConfig `mapstructure:"platform"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`

	// ConfigFile is the file the values were read from, if any.
	ConfigFile string `mapstructure:"-"`
}

type ThermalConfig struct {
	// Interval is the host loop period; the monitor evaluates every
	// RunEvery iterations.
	Interval     time.Duration `mapstructure:"interval"`
	RunEvery     uint32        `mapstructure:"run_every"`
	Shutdown     float64       `mapstructure:"shutdown"`
	DisableRadio float64       `mapstructure:"disable_radio"`
	ReducePower  float64       `mapstructure:"reduce_power"`
	RestorePower float64       `mapstructure:"restore_power"`
	RestoreRadio float64       `mapstructure:"restore_radio"`
	WakeAfter    time.Duration `mapstructure:"wake_after"`
}

type ThrottleConfig struct {
	Enabled bool    `mapstructure:"enabled"`
	MinTemp float64 `mapstructure:"min_temp"`
	MaxTemp float64 `mapstructure:"max_temp"`
	MinFreq int     `mapstructure:"min_freq"`
	MaxFreq int     `mapstructure:"max_freq"`
}

type RadioConfig struct {
	Driver     RadioDriver `mapstructure:"driver"`
	Interface  string      `mapstructure:"interface"`
	Connection string      `mapstructure:"connection"`
	// CommandTimeout bounds each nmcli or iw invocation.
	CommandTimeout time.Duration `mapstructure:"command_timeout"`

	TickInterval      time.Duration `mapstructure:"tick_interval"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	WakeDuration      time.Duration `mapstructure:"wake_duration"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	ConnectAttempts   int           `mapstructure:"connect_attempts"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
	TxPowerFull       int           `mapstructure:"tx_power_full"`
	TxPowerLow        int           `mapstructure:"tx_power_low"`

	AlwaysOn bool `mapstructure:"always_on"`
	Connect  bool `mapstructure:"connect"`
	LowPower bool `mapstructure:"low_power"`
}

type SensorConfig struct {
	Kind        string  `mapstructure:"kind"`
	Zone        string  `mapstructure:"zone"`
	DeviceIndex int     `mapstructure:"device_index"`
	Trace       string  `mapstructure:"trace"`
	Celsius     float64 `mapstructure:"celsius"`
}

type PlatformConfig struct {
	CPURoot    string `mapstructure:"cpu_root"`
	RTCDir     string `mapstructure:"rtc_dir"`
	PowerState string `mapstructure:"power_state"`
	DeepSleep  bool   `mapstructure:"deep_sleep"`
}

type MetricsConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	DBPath       string        `mapstructure:"db_path"`
	BackupDir    string        `mapstructure:"backup_dir"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	Retention    time.Duration `mapstructure:"retention"`
	MaxBackups   int           `mapstructure:"max_backups"`
}

type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
	Channel  string `mapstructure:"channel"`
	MaxLen   int64  `mapstructure:"max_len"`
	Buffer   int    `mapstructure:"buffer"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

func setDefaults(v *viper.Viper) {
	th := thermal.DefaultConfig()
	v.SetDefault("thermal.interval", time.Second)
	v.SetDefault("thermal.run_every", 1)
	v.SetDefault("thermal.shutdown", th.Thresholds.Shutdown)
	v.SetDefault("thermal.disable_radio", th.Thresholds.DisableRadio)
	v.SetDefault("thermal.reduce_power", th.Thresholds.ReducePower)
	v.SetDefault("thermal.restore_power", th.Thresholds.RestorePower)
	v.SetDefault("thermal.restore_radio", th.Thresholds.RestoreRadio)
	v.SetDefault("thermal.wake_after", th.WakeAfter)

	tc := throttle.DefaultConfig()
	v.SetDefault("throttle.enabled", true)
	v.SetDefault("throttle.min_temp", tc.MinTemp)
	v.SetDefault("throttle.max_temp", tc.MaxTemp)
	v.SetDefault("throttle.min_freq", tc.Limits.MinMHz)
	v.SetDefault("throttle.max_freq", tc.Limits.MaxMHz)

	rc := radio.DefaultConfig()
	v.SetDefault("radio.driver", string(defaultDriver))
	v.SetDefault("radio.interface", "wlan0")
	v.SetDefault("radio.connection", "")
	v.SetDefault("radio.command_timeout", 10*time.Second)
	v.SetDefault("radio.tick_interval", 2*time.Second)
	v.SetDefault("radio.reconnect_interval", rc.ReconnectInterval)
	v.SetDefault("radio.wake_duration", rc.WakeDuration)
	v.SetDefault("radio.settle_delay", rc.SettleDelay)
	v.SetDefault("radio.poll_interval", rc.PollInterval)
	v.SetDefault("radio.connect_attempts", rc.ConnectAttempts)
	v.SetDefault("radio.connect_retry_delay", rc.ConnectRetryDelay)
	v.SetDefault("radio.tx_power_full", rc.TxPowerFull)
	v.SetDefault("radio.tx_power_low", rc.TxPowerLow)
	v.SetDefault("radio.always_on", false)
	v.SetDefault("radio.connect", true)
	v.SetDefault("radio.low_power", false)

	sc := sensor.DefaultConfig()
	v.SetDefault("sensor.kind", sc.Kind)
	v.SetDefault("sensor.zone", sc.Zone)
	v.SetDefault("sensor.device_index", sc.DeviceIndex)
	v.SetDefault("sensor.trace", "")
	v.SetDefault("sensor.celsius", sc.Celsius)

	pc := platform.DefaultConfig()
	v.SetDefault("platform.cpu_root", pc.CPURoot)
	v.SetDefault("platform.rtc_dir", pc.RTCDir)
	v.SetDefault("platform.power_state", pc.PowerState)
	v.SetDefault("platform.deep_sleep", false)

	mc := metrics.DefaultConfig()
	v.SetDefault("metrics.enabled", mc.Enabled)
	v.SetDefault("metrics.db_path", mc.DBPath)
	v.SetDefault("metrics.backup_dir", mc.BackupDir)
	v.SetDefault("metrics.batch_size", mc.BatchSize)
	v.SetDefault("metrics.batch_timeout", mc.BatchTimeout)
	v.SetDefault("metrics.retention", mc.Retention)
	v.SetDefault("metrics.max_backups", mc.MaxBackups)

	v.SetDefault("journal.enabled", false)
	v.SetDefault("journal.path", "/var/lib/radioguard/journal.cbor")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "radioguard:events")
	v.SetDefault("redis.channel", "radioguard:events")
	v.SetDefault("redis.max_len", 1000)
	v.SetDefault("redis.buffer", 256)

	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(configName, pflag.ContinueOnError)
	fs.String("config", "", "Path to the configuration file")
	fs.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	fs.String("sensor", "", "Temperature source (thermal_zone, nvml, trace, static)")
	fs.String("trace", "", "Temperature trace file for the trace sensor")
	fs.String("radio-driver", "", "Radio backend (sim, nmcli, none)")
	fs.Bool("always-on", false, "Keep the radio at full power and connected")
	fs.Bool("metrics", false, "Record thermal snapshots to the metrics database")
	fs.Duration("interval", time.Second, "Host loop interval")

	return fs
}

var flagKeys = map[string]string{
	"log-level":    "log.level",
	"sensor":       "sensor.kind",
	"trace":        "sensor.trace",
	"radio-driver": "radio.driver",
	"always-on":    "radio.always_on",
	"metrics":      "metrics.enabled",
	"interval":     "thermal.interval",
}

// Load builds the configuration from args (without the program name).
func Load(args []string) (*Config, error) {
	errFactory := errors.New()

	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, errFactory.Wrap(errors.ErrBindFlags, err)
		}
	}

	path, _ := fs.GetString("config")
	if path == "" {
		path = os.Getenv(configEnvVar)
	}
	if err := readConfigFile(v, path); err != nil {
		return nil, err
	}

	cfg := &Config{ConfigFile: v.ConfigFileUsed()}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrReadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// readConfigFile reads an explicit path, or searches configDir when path is
// empty. Only the search tolerates a missing file.
func readConfigFile(v *viper.Viper, path string) error {
	errFactory := errors.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return errFactory.Wrap(errors.ErrReadConfig, err).WithMessage("Failed to read config file " + path)
		}
		return nil
	}

	v.SetConfigName(configName)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return errFactory.Wrap(errors.ErrReadConfig, err).WithMessage("Failed to read config file")
		}
	}

	return nil
}

// Validate checks the daemon level settings and every component config.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if !LogLevel(c.Log.Level).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, errors.FieldError{
			Field: "log.level", Value: c.Log.Level, Reason: "must be one of debug, info, warning, error",
		})
	}
	if c.Thermal.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, errors.FieldError{
			Field: "thermal.interval", Value: c.Thermal.Interval, Reason: "must be positive",
		})
	}
	if !c.Radio.Driver.IsValid() {
		return errFactory.WithData(errors.ErrInvalidConfig, errors.FieldError{
			Field: "radio.driver", Value: c.Radio.Driver, Reason: "must be one of sim, nmcli, none",
		})
	}
	if c.Radio.Driver != RadioDriverNone && c.Radio.TickInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, errors.FieldError{
			Field: "radio.tick_interval", Value: c.Radio.TickInterval, Reason: "must be positive",
		})
	}
	if c.Radio.Driver == RadioDriverNmcli && c.Radio.Interface == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, errors.FieldError{
			Field: "radio.interface", Value: c.Radio.Interface, Reason: "required by the nmcli driver",
		})
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, errors.FieldError{
			Field: "journal.path", Value: c.Journal.Path, Reason: "required when the journal is enabled",
		})
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, errors.FieldError{
			Field: "redis.addr", Value: c.Redis.Addr, Reason: "required when redis is enabled",
		})
	}

	validators := []func() error{
		c.ThermalConfig().Validate,
		c.RadioConfig().Validate,
		c.SensorConfig().Validate,
		c.MetricsConfig().Validate,
	}
	if c.Throttle.Enabled {
		validators = append(validators, c.ThrottleConfig().Validate)
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	return nil
}

func (c *Config) ThermalConfig() thermal.Config {
	return thermal.Config{
		Thresholds: thermal.Thresholds{
			Shutdown:     c.Thermal.Shutdown,
			DisableRadio: c.Thermal.DisableRadio,
			ReducePower:  c.Thermal.ReducePower,
			RestorePower: c.Thermal.RestorePower,
			RestoreRadio: c.Thermal.RestoreRadio,
		},
		RunEvery:  c.Thermal.RunEvery,
		WakeAfter: c.Thermal.WakeAfter,
	}
}

func (c *Config) ThrottleConfig() throttle.Config {
	return throttle.Config{
		MinTemp: c.Throttle.MinTemp,
		MaxTemp: c.Throttle.MaxTemp,
		Limits: throttle.FreqLimits{
			MinMHz: c.Throttle.MinFreq,
			MaxMHz: c.Throttle.MaxFreq,
		},
	}
}

func (c *Config) RadioConfig() radio.Config {
	return radio.Config{
		ReconnectInterval: c.Radio.ReconnectInterval,
		WakeDuration:      c.Radio.WakeDuration,
		SettleDelay:       c.Radio.SettleDelay,
		PollInterval:      c.Radio.PollInterval,
		ConnectAttempts:   c.Radio.ConnectAttempts,
		ConnectRetryDelay: c.Radio.ConnectRetryDelay,
		TxPowerFull:       c.Radio.TxPowerFull,
		TxPowerLow:        c.Radio.TxPowerLow,
	}
}

func (c *Config) SensorConfig() sensor.Config {
	return sensor.Config{
		Kind:        c.Sensor.Kind,
		Zone:        c.Sensor.Zone,
		DeviceIndex: c.Sensor.DeviceIndex,
		TracePath:   c.Sensor.Trace,
		Celsius:     c.Sensor.Celsius,
	}
}

func (c *Config) PlatformConfig() platform.Config {
	return platform.Config{
		CPURoot:    c.Platform.CPURoot,
		RTCDir:     c.Platform.RTCDir,
		PowerState: c.Platform.PowerState,
		DeepSleep:  c.Platform.DeepSleep,
	}
}

func (c *Config) MetricsConfig() metrics.Config {
	return metrics.Config{
		DBPath:       c.Metrics.DBPath,
		BackupDir:    c.Metrics.BackupDir,
		BatchSize:    c.Metrics.BatchSize,
		BatchTimeout: c.Metrics.BatchTimeout,
		Retention:    c.Metrics.Retention,
		MaxBackups:   c.Metrics.MaxBackups,
		Enabled:      c.Metrics.Enabled,
	}
}

func (c *Config) RedisOptions() diag.RedisOptions {
	return diag.RedisOptions{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
		Key:      c.Redis.Key,
		Channel:  c.Redis.Channel,
		MaxLen:   c.Redis.MaxLen,
		Buffer:   c.Redis.Buffer,
	}
}

func (c *Config) LoggerOptions(isService bool) logger.Options {
	return logger.Options{
		Level:      c.Log.Level,
		IsService:  isService,
		File:       c.Log.File,
		MaxSizeMB:  c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAgeDays: c.Log.MaxAgeDays,
	}
}
