package droidfleet

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// adb device states read from the second column of `adb devices`.
const (
	StatusDevice  = "device"
	StatusOffline = "offline"
)

const (
	defaultMaxRetry       = 3
	defaultRetryDelay     = 2 * time.Second
	defaultReconnectPause = time.Second
)

// ErrDeviceUnavailable is the cause reported once a device exhausts its retries.
var ErrDeviceUnavailable = errors.New("device unavailable")

// DeviceTransport executes adb-style commands and returns their textual output.
type DeviceTransport interface {
	// Devices lists attached devices as a header line followed by
	// "serial<TAB>status" lines.
	Devices(ctx context.Context) (string, error)
	Connect(ctx context.Context, addr string) (string, error)
	Disconnect(ctx context.Context, addr string) (string, error)
}

// ConnectConfig controls retry behaviour of the DeviceManager.
type ConnectConfig struct {
	MaxRetry       int
	RetryDelay     time.Duration
	ReconnectPause time.Duration
}

func (c ConnectConfig) withDefaults() ConnectConfig {
	if c.MaxRetry <= 0 {
		c.MaxRetry = defaultMaxRetry
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.ReconnectPause < 0 {
		c.ReconnectPause = 0
	}
	return c
}

// DefaultConnectConfig returns 3 attempts, 2s apart, with a 1s pause between
// disconnect and reconnect.
func DefaultConnectConfig() ConnectConfig {
	return ConnectConfig{
		MaxRetry:       defaultMaxRetry,
		RetryDelay:     defaultRetryDelay,
		ReconnectPause: defaultReconnectPause,
	}
}

// ConnectionState tracks a device through the connection attempt.
type ConnectionState string

const (
	StateUnattempted ConnectionState = "unattempted"
	StateConnecting  ConnectionState = "connecting"
	StateVerifying   ConnectionState = "verifying"
	StateReady       ConnectionState = "ready"
	StateFailed      ConnectionState = "failed"
)

// ConnectionOutcome is the terminal state of one device's connection attempt.
type ConnectionOutcome struct {
	Name     string
	State    ConnectionState
	Attempts int
	Device   ConnectedDevice
	Err      error
}

// ConnectReport lists every outcome, sorted by device name.
type ConnectReport struct {
	Outcomes []ConnectionOutcome
}

// Ready returns the devices that reached StateReady.
func (r ConnectReport) Ready() []ConnectedDevice {
	ready := make([]ConnectedDevice, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		if o.State == StateReady {
			ready = append(ready, o.Device)
		}
	}
	return ready
}

// Failed returns the outcomes that ended in StateFailed.
func (r ConnectReport) Failed() []ConnectionOutcome {
	var failed []ConnectionOutcome
	for _, o := range r.Outcomes {
		if o.State == StateFailed {
			failed = append(failed, o)
		}
	}
	return failed
}

// DeviceManager brings configured devices to a verified ready state.
type DeviceManager struct {
	transport DeviceTransport
	cfg       ConnectConfig
	console   *Console
}

// NewDeviceManager builds a manager over transport. console may be nil.
func NewDeviceManager(transport DeviceTransport, cfg ConnectConfig, console *Console) (*DeviceManager, error) {
	if transport == nil {
		return nil, errors.New("device manager: transport is nil")
	}
	return &DeviceManager{
		transport: transport,
		cfg:       cfg.withDefaults(),
		console:   console,
	}, nil
}

// ConnectAll attempts every device concurrently. Individual failures are
// reported in the returned outcomes and never cancel other devices.
func (m *DeviceManager) ConnectAll(ctx context.Context, specs map[string]DeviceSpec) ConnectReport {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)

	m.console.ConnectStart(len(names))
	outcomes := make([]ConnectionOutcome, len(names))
	var group errgroup.Group
	for idx, name := range names {
		spec := specs[name]
		if strings.TrimSpace(spec.Name) == "" {
			spec.Name = name
		}
		outcomes[idx] = ConnectionOutcome{Name: spec.Name, State: StateUnattempted}
		group.Go(func() error {
			outcomes[idx] = m.connectDevice(ctx, spec)
			return nil
		})
	}
	_ = group.Wait()

	report := ConnectReport{Outcomes: outcomes}
	for _, o := range report.Failed() {
		m.console.DeviceConnectFailed(o.Name, o.Err)
		log.Error().Err(o.Err).Str("device", o.Name).Int("attempts", o.Attempts).Msg("device connection failed")
	}
	m.console.ConnectSummary(len(report.Ready()), len(names))
	return report
}

func (m *DeviceManager) connectDevice(ctx context.Context, spec DeviceSpec) ConnectionOutcome {
	outcome := ConnectionOutcome{Name: spec.Name, State: StateConnecting}
	logger := log.With().Str("device", spec.Name).Str("kind", string(spec.Kind)).Logger()
	m.console.DeviceConnecting(spec.Name, spec.Description)

	addr, err := spec.Address()
	if err != nil {
		outcome.State = StateFailed
		outcome.Err = err
		return outcome
	}

	maxAttempts := m.cfg.MaxRetry
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		outcome.Attempts = attempt
		outcome.State = StateConnecting
		if spec.Kind == KindWireless {
			m.ensureWireless(ctx, addr)
		}

		outcome.State = StateVerifying
		status, err := m.deviceStatus(ctx, addr)
		switch {
		case err != nil:
			lastErr = errors.Wrap(err, "query device status")
			m.console.DeviceRetry(spec.Name, "Error: "+err.Error(), attempt, maxAttempts)
		case status == StatusDevice:
			outcome.State = StateReady
			outcome.Device = ConnectedDevice{
				Name:        spec.Name,
				Serial:      addr,
				Kind:        spec.Kind,
				Description: spec.Description,
			}
			m.console.DeviceConnected(spec.Name, addr)
			logger.Info().Str("serial", addr).Int("attempt", attempt).Msg("device ready")
			return outcome
		case status == StatusOffline:
			lastErr = errors.Errorf("%s is offline", addr)
			m.console.DeviceRetry(spec.Name, "Device offline, attempting reconnection", attempt, maxAttempts)
			if spec.Kind == KindWireless {
				m.reconnectWireless(ctx, addr)
			}
		case status == "":
			lastErr = errors.Errorf("%s not found", addr)
			m.console.DeviceRetry(spec.Name, "Device not found", attempt, maxAttempts)
		default:
			lastErr = errors.Errorf("%s reported status %s", addr, status)
			m.console.DeviceRetry(spec.Name, "Device "+status, attempt, maxAttempts)
		}
		logger.Warn().
			Err(lastErr).
			Str("serial", addr).
			Int("attempt", attempt).
			Int("max_attempts", maxAttempts).
			Msg("device not ready")

		if attempt == maxAttempts {
			break
		}
		if err := sleepContext(ctx, m.cfg.RetryDelay); err != nil {
			lastErr = err
			break
		}
	}

	outcome.State = StateFailed
	outcome.Err = errors.Wrapf(ErrDeviceUnavailable, "%s after %d attempts: %v", spec.Name, outcome.Attempts, lastErr)
	return outcome
}

// ensureWireless issues a best-effort connect; the status check decides.
func (m *DeviceManager) ensureWireless(ctx context.Context, addr string) {
	if out, err := m.transport.Connect(ctx, addr); err != nil {
		log.Debug().Err(err).Str("serial", addr).Str("output", strings.TrimSpace(out)).Msg("adb connect failed")
	}
}

func (m *DeviceManager) reconnectWireless(ctx context.Context, addr string) {
	if out, err := m.transport.Disconnect(ctx, addr); err != nil {
		log.Debug().Err(err).Str("serial", addr).Str("output", strings.TrimSpace(out)).Msg("adb disconnect failed")
	}
	if err := sleepContext(ctx, m.cfg.ReconnectPause); err != nil {
		return
	}
	if out, err := m.transport.Connect(ctx, addr); err != nil {
		log.Debug().Err(err).Str("serial", addr).Str("output", strings.TrimSpace(out)).Msg("adb reconnect failed")
	}
}

func (m *DeviceManager) deviceStatus(ctx context.Context, addr string) (string, error) {
	out, err := m.transport.Devices(ctx)
	if err != nil {
		return "", err
	}
	return parseDeviceStatus(out, addr), nil
}

// parseDeviceStatus finds addr in `adb devices` output and returns its status
// column, or "" when the device is not listed.
func parseDeviceStatus(output, addr string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[0] == addr {
			return fields[1]
		}
	}
	return ""
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
