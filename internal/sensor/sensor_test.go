package sensor

import (
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/radioguard/internal/errors"
	"codeberg.org/mutker/radioguard/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestThermalZone(t *testing.T) {
	zone := filepath.Join(t.TempDir(), "thermal_zone0")
	writeFile(t, filepath.Join(zone, "temp"), "91250\n")

	temp, err := NewThermalZone(zone).Temperature()

	require.NoError(t, err)
	assert.InDelta(t, 91.25, temp, 1e-9)
}

func TestThermalZoneErrors(t *testing.T) {
	zone := filepath.Join(t.TempDir(), "thermal_zone0")

	_, err := NewThermalZone(zone).Temperature()
	assert.Equal(t, ErrReadFailed, errors.CodeOf(err))

	writeFile(t, filepath.Join(zone, "temp"), "hot\n")
	_, err = NewThermalZone(zone).Temperature()
	assert.Equal(t, ErrParseFailed, errors.CodeOf(err))
}

func TestTraceHoldsLastSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.yaml")
	writeFile(t, path, `
samples:
  - celsius: 70
    repeat: 2
  - celsius: 91
  - celsius: 96.5
`)

	tr, err := LoadTrace(path)
	require.NoError(t, err)
	assert.Equal(t, 4, tr.Len())

	var got []float64
	for i := 0; i < 6; i++ {
		temp, err := tr.Temperature()
		require.NoError(t, err)
		got = append(got, temp)
	}
	assert.Equal(t, []float64{70, 70, 91, 96.5, 96.5, 96.5}, got)
}

func TestTraceLoops(t *testing.T) {
	tr, err := NewTrace(TraceFile{Loop: true, Samples: []TraceSample{{Celsius: 80}, {Celsius: 85}}})
	require.NoError(t, err)

	var got []float64
	for i := 0; i < 5; i++ {
		temp, _ := tr.Temperature()
		got = append(got, temp)
	}
	assert.Equal(t, []float64{80, 85, 80, 85, 80}, got)
}

func TestTraceLargeRepeatIsNotExpanded(t *testing.T) {
	tr, err := NewTrace(TraceFile{Loop: true, Samples: []TraceSample{
		{Celsius: 60, Repeat: 1_000_000_000},
		{Celsius: 99},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1_000_000_001, tr.Len())
	assert.Len(t, tr.runs, 2)

	for i := 0; i < 3; i++ {
		temp, err := tr.Temperature()
		require.NoError(t, err)
		assert.Equal(t, 60.0, temp)
	}
}

func TestTraceRejectsEmptyAndMalformed(t *testing.T) {
	_, err := NewTrace(TraceFile{})
	assert.Equal(t, ErrParseFailed, errors.CodeOf(err))

	path := filepath.Join(t.TempDir(), "trace.yaml")
	writeFile(t, path, "samples: [celsius: {")
	_, err = LoadTrace(path)
	assert.Equal(t, ErrParseFailed, errors.CodeOf(err))
}

func TestOpen(t *testing.T) {
	src, closer, err := Open(Config{Kind: KindStatic, Celsius: 42}, nil)
	require.NoError(t, err)
	temp, err := src.Temperature()
	require.NoError(t, err)
	assert.Equal(t, 42.0, temp)
	assert.NoError(t, closer.Close())

	_, _, err = Open(Config{Kind: "thermocouple"}, nil)
	assert.Equal(t, ErrInvalidConfig, errors.CodeOf(err))

	_, _, err = Open(Config{Kind: KindTrace}, nil)
	assert.Equal(t, ErrInvalidConfig, errors.CodeOf(err))

	zone := filepath.Join(t.TempDir(), "thermal_zone3")
	writeFile(t, filepath.Join(zone, "temp"), "45000")
	src, _, err = Open(Config{Kind: KindThermalZone, Zone: zone}, nil)
	require.NoError(t, err)
	temp, err = src.Temperature()
	require.NoError(t, err)
	assert.Equal(t, 45.0, temp)
}

type fakeDevice struct {
	temp uint32
	ret  nvml.Return
}

func (d *fakeDevice) GetName() (string, nvml.Return) {
	return "Jetson iGPU", nvml.SUCCESS
}

func (d *fakeDevice) GetTemperature(nvml.TemperatureSensors) (uint32, nvml.Return) {
	return d.temp, d.ret
}

type fakeLibrary struct {
	device    *fakeDevice
	deviceErr error
	shutdowns int
}

func (l *fakeLibrary) Initialize() error { return nil }

func (l *fakeLibrary) Shutdown() error {
	l.shutdowns++
	return nil
}

func (l *fakeLibrary) GetDevice(int) (temperatureDevice, error) {
	if l.deviceErr != nil {
		return nil, l.deviceErr
	}
	return l.device, nil
}

func TestNVML(t *testing.T) {
	lib := &fakeLibrary{device: &fakeDevice{temp: 83, ret: nvml.SUCCESS}}

	s, err := newNVML(lib, 0, logger.Nop())
	require.NoError(t, err)

	temp, err := s.Temperature()
	require.NoError(t, err)
	assert.Equal(t, 83.0, temp)

	lib.device.ret = nvml.ERROR_GPU_IS_LOST
	_, err = s.Temperature()
	assert.Equal(t, ErrReadFailed, errors.CodeOf(err))

	require.NoError(t, s.Close())
	assert.Equal(t, 1, lib.shutdowns)
	_, err = s.Temperature()
	assert.Equal(t, ErrNVMLNotInitialized, errors.CodeOf(err))
}

func TestNVMLMissingDeviceShutsDown(t *testing.T) {
	lib := &fakeLibrary{deviceErr: errors.New().New(ErrDeviceNotFound)}

	_, err := newNVML(lib, 3, logger.Nop())

	assert.Equal(t, ErrDeviceNotFound, errors.CodeOf(err))
	assert.Equal(t, 1, lib.shutdowns)
}
