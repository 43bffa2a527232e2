package droidfleet

import (
	"context"
	"time"
)

// RunReport is handed to every RunRecorder once a run has settled.
type RunReport struct {
	RunID       string
	HostID      string
	TaskName    string
	Goal        string
	Concurrency int
	StartedAt   time.Time
	Summary     RunSummary
}

// RunRecorder persists or publishes a finished run.
type RunRecorder interface {
	RecordRun(ctx context.Context, report RunReport) error
}

// RunRecorderFunc adapts a function to RunRecorder.
type RunRecorderFunc func(ctx context.Context, report RunReport) error

func (f RunRecorderFunc) RecordRun(ctx context.Context, report RunReport) error {
	return f(ctx, report)
}
