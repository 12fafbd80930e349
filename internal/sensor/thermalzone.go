package sensor

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"codeberg.org/mutker/radioguard/internal/errors"
)

const defaultZone = "/sys/class/thermal/thermal_zone0"

// ThermalZone reads a Linux thermal zone, which reports millidegrees.
type ThermalZone struct {
	path string
}

func NewThermalZone(zone string) *ThermalZone {
	return &ThermalZone{path: filepath.Join(zone, "temp")}
}

func (z *ThermalZone) Temperature() (float64, error) {
	errFactory := errors.New()

	raw, err := os.ReadFile(z.path)
	if err != nil {
		return 0, errFactory.Wrap(ErrReadFailed, err)
	}

	milli, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, errFactory.WithData(ErrParseFailed, struct {
			Path  string
			Value string
		}{
			Path:  z.path,
			Value: strings.TrimSpace(string(raw)),
		})
	}

	return float64(milli) / 1000, nil
}
