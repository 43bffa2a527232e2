package droidfleet

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const bannerWidth = 60

// Console prints the human-readable run progress. Each call writes whole
// lines under a mutex; lines from different devices may interleave.
type Console struct {
	out io.Writer
	now func() time.Time

	mu        sync.Mutex
	startedAt time.Time
}

// NewConsole writes to out, or stdout when out is nil.
func NewConsole(out io.Writer) *Console {
	if out == nil {
		out = os.Stdout
	}
	return &Console{out: out, now: time.Now}
}

func (c *Console) println(lines ...string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, line := range lines {
		fmt.Fprintln(c.out, line)
	}
}

// Writer exposes the underlying stream for block output such as summaries.
func (c *Console) Writer() io.Writer {
	if c == nil {
		return io.Discard
	}
	return lockedWriter{c}
}

type lockedWriter struct{ c *Console }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.mu.Lock()
	defer w.c.mu.Unlock()
	return w.c.out.Write(p)
}

// Header prints the run banner and starts the console timer.
func (c *Console) Header(goal string, devices, concurrency int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.startedAt = c.now()
	c.mu.Unlock()
	c.println(
		"",
		"🚀 DroidFleet Multi-Device Automation",
		fmt.Sprintf("📱 Devices: %d | ⚙️ Concurrency: %d", devices, concurrency),
		fmt.Sprintf("🎯 Goal: %s", truncate(goal, 60)),
		strings.Repeat("=", bannerWidth),
		"",
	)
}

// DeviceStarted announces that a device's task has been admitted.
func (c *Console) DeviceStarted(dev ConnectedDevice, logPath string) {
	lines := []string{fmt.Sprintf("[%s] Started → %s", dev.Name, logPath)}
	detail := fmt.Sprintf("    serial=%s kind=%s", dev.Serial, dev.Kind)
	if dev.Description != "" {
		detail += " (" + dev.Description + ")"
	}
	c.println(append(lines, detail)...)
}

// DeviceDone prints the one-line outcome for a device.
func (c *Console) DeviceDone(device string, success bool, steps int, duration time.Duration, errText string) {
	if success {
		c.println(fmt.Sprintf("[%s] ✅ Done (%d steps, %.1fs)", device, steps, duration.Seconds()))
		return
	}
	msg := ""
	if errText != "" {
		msg = ": " + truncate(errText, 50)
	}
	c.println(fmt.Sprintf("[%s] ❌ Failed%s", device, msg))
}

// Summary prints the final one-line tally.
func (c *Console) Summary(success, total int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	elapsed := time.Duration(0)
	if !c.startedAt.IsZero() {
		elapsed = c.now().Sub(c.startedAt)
	}
	c.mu.Unlock()
	c.println(
		"",
		strings.Repeat("=", bannerWidth),
		fmt.Sprintf("📊 Summary: %d/%d successful | Total: %.1fs", success, total, elapsed.Seconds()),
		"",
	)
}

// ConnectStart announces the connection phase.
func (c *Console) ConnectStart(count int) {
	c.println(fmt.Sprintf("🔌 Connecting to %d device(s)...", count))
}

func (c *Console) DeviceConnecting(device, description string) {
	c.println(fmt.Sprintf("  📱 [%s] Connecting... (%s)", device, description))
}

func (c *Console) DeviceConnected(device, serial string) {
	c.println(fmt.Sprintf("  ✅ [%s] Connected (%s)", device, serial))
}

func (c *Console) DeviceRetry(device, reason string, attempt, maxAttempts int) {
	c.println(fmt.Sprintf("  ⚠️  [%s] %s, retrying (attempt %d/%d)...", device, reason, attempt, maxAttempts))
}

func (c *Console) DeviceConnectFailed(device string, err error) {
	c.println(fmt.Sprintf("  ❌ [%s] Connection failed: %v", device, err))
}

func (c *Console) ConnectSummary(connected, total int) {
	c.println(fmt.Sprintf("✅ Successfully connected to %d/%d device(s)", connected, total))
}

// Interrupted reports an aborted run.
func (c *Console) Interrupted() {
	c.println("", "⚠️  Interrupted by user")
}

// truncate cuts s to limit runes and appends "..." when it was longer.
func truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "..."
}
