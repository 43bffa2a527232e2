package main

import (
	"context"

	"github.com/httprunner/droidfleet"
	"github.com/pkg/errors"
)

// Process exit codes.
const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

// errDevicesFailed marks a finished run in which at least one device failed.
// The summary already said so; main only needs the exit status.
var errDevicesFailed = errors.New("one or more devices failed")

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, droidfleet.ErrInterrupted), errors.Is(err, context.Canceled):
		return exitInterrupted
	default:
		return exitFailure
	}
}

func isSilent(err error) bool {
	return errors.Is(err, errDevicesFailed) || exitCode(err) == exitInterrupted
}
