package droidfleet

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ConnectionKind is how a device is reached over adb.
type ConnectionKind string

const (
	KindWireless ConnectionKind = "wireless"
	KindUSB      ConnectionKind = "usb"
	KindEmulator ConnectionKind = "emulator"
)

var (
	ErrUnknownConnectionKind = errors.New("unknown connection kind")
	ErrMissingAddress        = errors.New("missing device address")
)

// DeviceSpec is the declared identity of a device, as loaded from config.
type DeviceSpec struct {
	Name        string
	Kind        ConnectionKind
	Host        string
	Port        int
	Serial      string
	Description string
	Enabled     bool
}

// Address resolves the adb serial used to reach the device. Wireless devices
// resolve to host:port, usb and emulator devices to their serial.
func (s DeviceSpec) Address() (string, error) {
	switch s.Kind {
	case KindWireless:
		host := strings.TrimSpace(s.Host)
		if host == "" || s.Port <= 0 {
			return "", errors.Wrapf(ErrMissingAddress, "device %s: wireless requires host and port", s.Name)
		}
		return fmt.Sprintf("%s:%d", host, s.Port), nil
	case KindUSB, KindEmulator:
		serial := strings.TrimSpace(s.Serial)
		if serial == "" {
			return "", errors.Wrapf(ErrMissingAddress, "device %s: %s requires serial", s.Name, s.Kind)
		}
		return serial, nil
	default:
		return "", errors.Wrapf(ErrUnknownConnectionKind, "device %s: %q", s.Name, string(s.Kind))
	}
}

// ConnectedDevice is a DeviceSpec that passed a live connectivity check.
type ConnectedDevice struct {
	Name        string
	Serial      string
	Kind        ConnectionKind
	Description string
}

// TaskResult is the outcome of one device's task.
type TaskResult struct {
	DeviceName     string
	Serial         string
	Kind           ConnectionKind
	Success        bool
	Output         string
	Error          string
	Duration       time.Duration
	Steps          int
	LogPath        string
	TrajectoryPath string
}
