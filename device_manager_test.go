package droidfleet

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
)

// scriptedTransport answers `adb devices` from a per-address status script.
// The last status repeats once the script is exhausted.
type scriptedTransport struct {
	mu          sync.Mutex
	scripts     map[string][]string
	checks      map[string]int
	connects    map[string]int
	disconnects map[string]int
	devicesErr  error
}

func newScriptedTransport(scripts map[string][]string) *scriptedTransport {
	return &scriptedTransport{
		scripts:     scripts,
		checks:      make(map[string]int),
		connects:    make(map[string]int),
		disconnects: make(map[string]int),
	}
}

func (s *scriptedTransport) Devices(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.devicesErr != nil {
		return "", s.devicesErr
	}
	var b strings.Builder
	b.WriteString("List of devices attached\n")
	for addr, script := range s.scripts {
		idx := s.checks[addr]
		s.checks[addr]++
		if len(script) == 0 {
			continue
		}
		if idx >= len(script) {
			idx = len(script) - 1
		}
		if script[idx] == "" {
			continue
		}
		fmt.Fprintf(&b, "%s\t%s\n", addr, script[idx])
	}
	return b.String(), nil
}

func (s *scriptedTransport) Connect(ctx context.Context, addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects[addr]++
	return "connected to " + addr, nil
}

func (s *scriptedTransport) Disconnect(ctx context.Context, addr string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects[addr]++
	return "disconnected " + addr, nil
}

func (s *scriptedTransport) count(m map[string]int, addr string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return m[addr]
}

func fastConnectConfig(maxRetry int) ConnectConfig {
	return ConnectConfig{MaxRetry: maxRetry}
}

func TestConnectAllRetryBound(t *testing.T) {
	transport := newScriptedTransport(map[string][]string{
		"emulator-5554": {"unauthorized"},
	})
	mgr, err := NewDeviceManager(transport, fastConnectConfig(4), nil)
	if err != nil {
		t.Fatalf("NewDeviceManager: %v", err)
	}
	report := mgr.ConnectAll(context.Background(), map[string]DeviceSpec{
		"emu": {Kind: KindEmulator, Serial: "emulator-5554"},
	})

	if len(report.Ready()) != 0 {
		t.Fatalf("expected no ready devices, got %+v", report.Ready())
	}
	failed := report.Failed()
	if len(failed) != 1 {
		t.Fatalf("expected one failure, got %+v", failed)
	}
	if failed[0].Attempts != 4 {
		t.Fatalf("attempts = %d, want 4", failed[0].Attempts)
	}
	if got := transport.count(transport.checks, "emulator-5554"); got != 4 {
		t.Fatalf("status checks = %d, want 4", got)
	}
	if !errors.Is(failed[0].Err, ErrDeviceUnavailable) {
		t.Fatalf("error should wrap ErrDeviceUnavailable: %v", failed[0].Err)
	}
	if transport.count(transport.connects, "emulator-5554") != 0 {
		t.Fatal("emulator devices must not be connected over the network")
	}
}

func TestConnectAllNotFoundRetriesWithoutDisconnect(t *testing.T) {
	transport := newScriptedTransport(map[string][]string{
		"10.0.0.8:5555": {""},
	})
	mgr, _ := NewDeviceManager(transport, fastConnectConfig(3), nil)
	report := mgr.ConnectAll(context.Background(), map[string]DeviceSpec{
		"tablet": {Kind: KindWireless, Host: "10.0.0.8", Port: 5555},
	})
	if len(report.Failed()) != 1 {
		t.Fatalf("expected failure, got %+v", report.Outcomes)
	}
	if got := transport.count(transport.disconnects, "10.0.0.8:5555"); got != 0 {
		t.Fatalf("disconnects = %d, want 0", got)
	}
	// one best-effort connect before every status check
	if got := transport.count(transport.connects, "10.0.0.8:5555"); got != 3 {
		t.Fatalf("connects = %d, want 3", got)
	}
}

func TestConnectAllOfflineDeviceReconnects(t *testing.T) {
	transport := newScriptedTransport(map[string][]string{
		"192.168.1.20:5555": {"offline", "offline", "device"},
	})
	mgr, _ := NewDeviceManager(transport, fastConnectConfig(3), nil)
	report := mgr.ConnectAll(context.Background(), map[string]DeviceSpec{
		"B": {Kind: KindWireless, Host: "192.168.1.20", Port: 5555},
	})

	ready := report.Ready()
	if len(ready) != 1 || ready[0].Name != "B" || ready[0].Serial != "192.168.1.20:5555" {
		t.Fatalf("expected B ready, got %+v", report.Outcomes)
	}
	if got := transport.count(transport.disconnects, "192.168.1.20:5555"); got != 2 {
		t.Fatalf("disconnect+reconnect cycles = %d, want 2", got)
	}
	if report.Outcomes[0].Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", report.Outcomes[0].Attempts)
	}
}

func TestConnectAllUnknownKindIsNotRetried(t *testing.T) {
	transport := newScriptedTransport(map[string][]string{})
	mgr, _ := NewDeviceManager(transport, fastConnectConfig(3), nil)
	report := mgr.ConnectAll(context.Background(), map[string]DeviceSpec{
		"weird": {Kind: "bluetooth", Serial: "x"},
	})
	failed := report.Failed()
	if len(failed) != 1 {
		t.Fatalf("expected one failure, got %+v", report.Outcomes)
	}
	if failed[0].Attempts != 0 {
		t.Fatalf("attempts = %d, want 0", failed[0].Attempts)
	}
	if errors.Cause(failed[0].Err) != ErrUnknownConnectionKind {
		t.Fatalf("unexpected error: %v", failed[0].Err)
	}
}

func TestConnectAllIsolatesFailures(t *testing.T) {
	transport := newScriptedTransport(map[string][]string{
		"serial-a": {"device"},
		"serial-b": {"offline"},
		"serial-c": {"device"},
	})
	var out bytes.Buffer
	mgr, _ := NewDeviceManager(transport, fastConnectConfig(2), NewConsole(&out))
	report := mgr.ConnectAll(context.Background(), map[string]DeviceSpec{
		"a": {Kind: KindUSB, Serial: "serial-a"},
		"b": {Kind: KindUSB, Serial: "serial-b"},
		"c": {Kind: KindUSB, Serial: "serial-c"},
	})

	if len(report.Outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(report.Outcomes))
	}
	ready := report.Ready()
	if len(ready) != 2 || ready[0].Name != "a" || ready[1].Name != "c" {
		t.Fatalf("unexpected ready set: %+v", ready)
	}
	if transport.count(transport.disconnects, "serial-b") != 0 {
		t.Fatal("usb devices must not be disconnected")
	}
	if !strings.Contains(out.String(), "Successfully connected to 2/3 device(s)") {
		t.Fatalf("console summary missing:\n%s", out.String())
	}
}

func TestConnectAllRunsDevicesConcurrently(t *testing.T) {
	transport := newScriptedTransport(map[string][]string{
		"s1": {""},
		"s2": {""},
		"s3": {""},
	})
	mgr, _ := NewDeviceManager(transport, ConnectConfig{MaxRetry: 3, RetryDelay: 50 * time.Millisecond}, nil)
	start := time.Now()
	mgr.ConnectAll(context.Background(), map[string]DeviceSpec{
		"1": {Kind: KindUSB, Serial: "s1"},
		"2": {Kind: KindUSB, Serial: "s2"},
		"3": {Kind: KindUSB, Serial: "s3"},
	})
	// each device sleeps twice; serial execution would take ~300ms
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("connections did not run concurrently: %v", elapsed)
	}
}

func TestConnectAllTransportErrorIsRetried(t *testing.T) {
	transport := newScriptedTransport(map[string][]string{"s1": {"device"}})
	transport.devicesErr = errors.New("adb server not running")
	mgr, _ := NewDeviceManager(transport, fastConnectConfig(2), nil)
	report := mgr.ConnectAll(context.Background(), map[string]DeviceSpec{
		"one": {Kind: KindUSB, Serial: "s1"},
	})
	failed := report.Failed()
	if len(failed) != 1 || failed[0].Attempts != 2 {
		t.Fatalf("unexpected outcome: %+v", report.Outcomes)
	}
	if !strings.Contains(failed[0].Err.Error(), "adb server not running") {
		t.Fatalf("cause lost: %v", failed[0].Err)
	}
}

func TestParseDeviceStatus(t *testing.T) {
	out := "List of devices attached\nemulator-5554\tdevice\n192.168.1.2:5555\toffline\n\n"
	cases := map[string]string{
		"emulator-5554":    "device",
		"192.168.1.2:5555": "offline",
		"emulator-55":      "",
		"missing":          "",
	}
	for addr, want := range cases {
		if got := parseDeviceStatus(out, addr); got != want {
			t.Fatalf("parseDeviceStatus(%q) = %q, want %q", addr, got, want)
		}
	}
	if got := parseDeviceStatus("List of devices attached\n", "x"); got != "" {
		t.Fatalf("empty listing = %q", got)
	}
}

func TestNewDeviceManagerRequiresTransport(t *testing.T) {
	if _, err := NewDeviceManager(nil, ConnectConfig{}, nil); err == nil {
		t.Fatal("expected error")
	}
}
