// Package adb provides device transports that speak the adb vocabulary:
// list devices, connect and disconnect network devices.
package adb

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Backend names accepted by New.
const (
	BackendCLI  = "adb"
	BackendGadb = "gadb"
)

const devicesHeader = "List of devices attached"

// Transport mirrors droidfleet.DeviceTransport.
type Transport interface {
	Devices(ctx context.Context) (string, error)
	Connect(ctx context.Context, addr string) (string, error)
	Disconnect(ctx context.Context, addr string) (string, error)
}

// New returns the transport for backend; "" selects the adb executable.
func New(backend string) (Transport, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", BackendCLI:
		return NewCLI(""), nil
	case BackendGadb:
		g, err := NewDefaultGadb()
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return nil, errors.Errorf("unknown adb backend %q", backend)
	}
}

// renderDevices formats serial->state pairs the way `adb devices` prints them.
func renderDevices(serials []string, states map[string]string) string {
	var b strings.Builder
	b.WriteString(devicesHeader)
	b.WriteString("\n")
	for _, serial := range serials {
		b.WriteString(serial)
		b.WriteString("\t")
		b.WriteString(states[serial])
		b.WriteString("\n")
	}
	return b.String()
}
