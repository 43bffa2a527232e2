package droidfleet

import (
	"context"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

const hostProbeTimeout = 3 * time.Second

// HostID identifies the machine driving the devices so ledger rows from
// several lab hosts can share one database. It prefers a hardware or machine
// UUID and falls back to the hostname.
func HostID() string {
	for _, probe := range hostIDProbes(runtime.GOOS) {
		if id := probe(); id != "" {
			return id
		}
	}
	return ""
}

func hostIDProbes(goos string) []func() string {
	var probes []func() string
	switch goos {
	case "darwin":
		probes = append(probes, darwinHardwareUUID)
	case "linux":
		probes = append(probes,
			fileProbe("/etc/machine-id"),
			fileProbe("/sys/class/dmi/id/product_uuid"),
		)
	}
	return append(probes, func() string {
		name, _ := os.Hostname()
		return strings.TrimSpace(name)
	})
}

func darwinHardwareUUID() string {
	ctx, cancel := context.WithTimeout(context.Background(), hostProbeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "bash", "-c",
		"system_profiler SPHardwareDataType | awk '/Hardware UUID/ {print $3}'").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

func fileProbe(path string) func() string {
	return func() string {
		data, err := os.ReadFile(path)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(data))
	}
}
