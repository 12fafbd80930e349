package sensor

import (
	"sync"

	"codeberg.org/mutker/radioguard/internal/errors"
	"codeberg.org/mutker/radioguard/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const (
	ErrNVMLNotInitialized = errors.ErrorCode("sensor_nvml_not_initialized")
	ErrNVMLShutdown       = errors.ErrorCode("sensor_nvml_shutdown_failed")
	ErrDeviceNotFound     = errors.ErrorCode("sensor_device_not_found")
)

// temperatureDevice is the part of nvml.Device the sensor reads.
type temperatureDevice interface {
	GetName() (string, nvml.Return)
	GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return)
}

// nvmlLibrary abstracts NVML operations for testing
type nvmlLibrary interface {
	Initialize() error
	Shutdown() error
	GetDevice(index int) (temperatureDevice, error)
}

type nvmlWrapper struct {
	initialized bool
}

func (w *nvmlWrapper) Initialize() error {
	errFactory := errors.New()
	if w.initialized {
		return nil
	}

	ret := nvml.Init()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrInitFailed, newNVMLError(ret))
	}

	w.initialized = true

	return nil
}

func (w *nvmlWrapper) Shutdown() error {
	errFactory := errors.New()
	if !w.initialized {
		return nil
	}

	ret := nvml.Shutdown()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrNVMLShutdown, newNVMLError(ret))
	}

	w.initialized = false

	return nil
}

func (w *nvmlWrapper) GetDevice(index int) (temperatureDevice, error) {
	errFactory := errors.New()
	if !w.initialized {
		return nil, errFactory.New(ErrNVMLNotInitialized)
	}

	device, ret := nvml.DeviceGetHandleByIndex(index)
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceNotFound, newNVMLError(ret))
	}

	return device, nil
}

// NVML reads the die temperature of an NVIDIA GPU.
type NVML struct {
	lib    nvmlLibrary
	device temperatureDevice
	mu     sync.Mutex
}

// NewNVML initializes NVML and opens the device at index.
func NewNVML(index int, log logger.Logger) (*NVML, error) {
	return newNVML(&nvmlWrapper{}, index, log)
}

func newNVML(lib nvmlLibrary, index int, log logger.Logger) (*NVML, error) {
	if log == nil {
		log = logger.Nop()
	}
	if err := lib.Initialize(); err != nil {
		return nil, err
	}

	device, err := lib.GetDevice(index)
	if err != nil {
		if shutdownErr := lib.Shutdown(); shutdownErr != nil {
			log.Warn().Err(shutdownErr).Msg("Failed to shut down NVML")
		}
		return nil, err
	}

	if name, ret := device.GetName(); IsNVMLSuccess(ret) {
		log.Info().Msgf("Detected GPU: %v", name)
	} else {
		log.Warn().Msgf("Failed to get GPU name: %v", nvml.ErrorString(ret))
	}

	return &NVML{lib: lib, device: device}, nil
}

func (s *NVML) Temperature() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.device == nil {
		return 0, errors.New().New(ErrNVMLNotInitialized)
	}

	temp, ret := s.device.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return 0, errors.New().Wrap(ErrReadFailed, newNVMLError(ret))
	}

	return float64(temp), nil
}

// Close shuts NVML down. Later reads fail.
func (s *NVML) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.device = nil

	return s.lib.Shutdown()
}

// nvmlError represents an NVML-specific error
type nvmlError struct {
	ret nvml.Return
}

func (e nvmlError) Error() string {
	return nvml.ErrorString(e.ret)
}

// newNVMLError creates an error from an NVML return code
func newNVMLError(ret nvml.Return) error {
	if ret == nvml.SUCCESS {
		return nil
	}
	return &nvmlError{ret: ret}
}

// IsNVMLSuccess checks if a Return value indicates success
func IsNVMLSuccess(ret nvml.Return) bool {
	return ret == nvml.SUCCESS
}
