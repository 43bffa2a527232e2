package main

import (
	"strings"

	"github.com/httprunner/droidfleet/internal/config"
	"github.com/httprunner/droidfleet/pkg/fleetconfig"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func configPath() string {
	return firstNonEmpty(rootConfig, config.String("DROIDFLEET_CONFIG", ""), fleetconfig.DefaultPath)
}

func loadFleetConfig() (*fleetconfig.File, error) {
	return fleetconfig.Load(configPath())
}

// splitCommand turns "python -m agent --fast" into argv.
func splitCommand(raw string) []string {
	return strings.Fields(strings.TrimSpace(raw))
}
