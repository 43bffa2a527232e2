package main

import (
	"context"
	"testing"

	"github.com/httprunner/droidfleet"
	"github.com/pkg/errors"
)

func TestExitCode(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"success", nil, 0},
		{"device failure", errDevicesFailed, 1},
		{"config error", errors.New("task 'x' not found"), 1},
		{"interrupted run", errors.Wrap(droidfleet.ErrInterrupted, "context canceled"), 130},
		{"interrupted connect", errors.Wrap(context.Canceled, "connect"), 130},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.want {
				t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
	if !isSilent(errDevicesFailed) {
		t.Fatal("device failures are reported by the summary")
	}
	if isSilent(errors.New("boom")) {
		t.Fatal("configuration errors must be logged")
	}
}

func TestSplitCommand(t *testing.T) {
	argv := splitCommand("  python -m droid_agent --fast ")
	if len(argv) != 4 || argv[0] != "python" || argv[3] != "--fast" {
		t.Fatalf("unexpected argv: %q", argv)
	}
	if len(splitCommand("   ")) != 0 {
		t.Fatal("blank command should be empty")
	}
}
