package adb

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
)

// Gadb talks to the adb server over its socket protocol instead of forking
// the adb executable.
type Gadb struct {
	client gadb.Client
}

// NewGadb wraps an existing gadb client.
func NewGadb(client gadb.Client) *Gadb {
	return &Gadb{client: client}
}

// NewDefaultGadb connects to the local adb server.
func NewDefaultGadb() (*Gadb, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client")
	}
	return NewGadb(client), nil
}

// ListDevicesWithState returns device serials with their adb state names.
// gadb reports a usable device as "online"; it is mapped to "device".
func (g *Gadb) ListDevicesWithState(ctx context.Context) (map[string]string, error) {
	if g == nil {
		return nil, errors.New("gadb transport is nil")
	}
	devs, err := g.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	stateBySerial := make(map[string]string, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil {
			stateBySerial[serial] = string(gadb.StateUnknown)
			continue
		}
		stateBySerial[serial] = normalizeState(string(state))
	}
	return stateBySerial, nil
}

func (g *Gadb) Devices(ctx context.Context) (string, error) {
	states, err := g.ListDevicesWithState(ctx)
	if err != nil {
		return "", err
	}
	serials := make([]string, 0, len(states))
	for serial := range states {
		serials = append(serials, serial)
	}
	sort.Strings(serials)
	return renderDevices(serials, states), nil
}

func (g *Gadb) Connect(ctx context.Context, addr string) (string, error) {
	host, port, err := splitAddr(addr)
	if err != nil {
		return "", err
	}
	if err := g.client.Connect(host, port); err != nil {
		return "", errors.Wrapf(err, "adb connect %s", addr)
	}
	return "connected to " + addr, nil
}

func (g *Gadb) Disconnect(ctx context.Context, addr string) (string, error) {
	host, port, err := splitAddr(addr)
	if err != nil {
		return "", err
	}
	if err := g.client.Disconnect(host, port); err != nil {
		return "", errors.Wrapf(err, "adb disconnect %s", addr)
	}
	return "disconnected " + addr, nil
}

func normalizeState(state string) string {
	if state == string(gadb.StateOnline) {
		return "device"
	}
	return state
}

func splitAddr(addr string) (string, int, error) {
	host, portText, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "", 0, errors.Wrapf(err, "parse device address %q", addr)
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return "", 0, errors.Wrapf(err, "parse device port %q", portText)
	}
	return host, port, nil
}
