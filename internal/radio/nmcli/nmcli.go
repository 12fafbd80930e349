// Package nmcli drives a Linux wireless interface through NetworkManager's
// nmcli and the iw utility.
package nmcli

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/radioguard/internal/errors"
	"codeberg.org/mutker/radioguard/internal/radio"
)

const ErrCommandFailed = errors.ErrorCode("nmcli_command_failed")

const defaultTimeout = 5 * time.Second

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Options selects the interface and the NetworkManager connection profile.
// Credentials live in the profile, never here.
type Options struct {
	Interface  string
	Connection string
	Timeout    time.Duration
	Runner     Runner
}

// Driver is a radio.Driver for NetworkManager managed hosts.
type Driver struct {
	opts Options

	mu       sync.Mutex
	sleeping bool
}

func New(opts Options) *Driver {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Runner == nil {
		opts.Runner = execRunner{}
	}
	return &Driver{opts: opts}
}

func (d *Driver) run(name string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.Timeout)
	defer cancel()

	out, err := d.opts.Runner.Run(ctx, name, args...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		return out, errors.New().WithMessage(ErrCommandFailed,
			fmt.Sprintf("%s %s: %v: %s", name, strings.Join(args, " "), err, msg))
	}

	return out, nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

func (d *Driver) Enable(on bool) error {
	_, err := d.run("nmcli", "radio", "wifi", onOff(on))
	return err
}

// Join activates the connection profile without waiting for the association.
func (d *Driver) Join() error {
	_, err := d.run("nmcli", "--wait", "0", "connection", "up", "id", d.opts.Connection, "ifname", d.opts.Interface)
	return err
}

// Connected reports whether NetworkManager considers the device connected
// (GENERAL.STATE 100).
func (d *Driver) Connected() bool {
	out, err := d.run("nmcli", "-t", "-f", "GENERAL.STATE", "device", "show", d.opts.Interface)
	if err != nil {
		return false
	}

	_, state, ok := strings.Cut(strings.TrimSpace(string(out)), ":")
	if !ok {
		return false
	}

	return strings.HasPrefix(state, "100")
}

func (d *Driver) Disconnect() error {
	_, err := d.run("nmcli", "device", "disconnect", d.opts.Interface)
	return err
}

func (d *Driver) SetPowerSave(on bool) error {
	_, err := d.run("iw", "dev", d.opts.Interface, "set", "power_save", onOff(on))
	return err
}

// SetMaxTxPower limits transmit power; iw takes mBm.
func (d *Driver) SetMaxTxPower(dBm int) error {
	_, err := d.run("iw", "dev", d.opts.Interface, "set", "txpower", "limit", strconv.Itoa(dBm*100))
	return err
}

// SetSleep only tracks the request. Linux folds modem sleep into power save.
func (d *Driver) SetSleep(on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sleeping = on
	return nil
}

func (d *Driver) Sleeping() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sleeping
}

// RSSI parses the "signal:" line of iw's link report.
func (d *Driver) RSSI() int {
	out, err := d.run("iw", "dev", d.opts.Interface, "link")
	if err != nil {
		return radio.DisconnectedRSSI
	}

	return parseSignal(out)
}

func parseSignal(out []byte) int {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		value, ok := strings.CutPrefix(line, "signal:")
		if !ok {
			continue
		}
		fields := strings.Fields(value)
		if len(fields) == 0 {
			break
		}
		dBm, err := strconv.Atoi(fields[0])
		if err != nil {
			break
		}
		return dBm
	}

	return radio.DisconnectedRSSI
}

var _ radio.Driver = (*Driver)(nil)
