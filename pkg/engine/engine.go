// Package engine defines the boundary to the on-device automation engine:
// a factory builds an Engine for one device, Start returns a Run that streams
// progress events and finally yields a Result.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/httprunner/droidfleet/pkg/llm"
	"github.com/rs/zerolog"
)

// Options configures one engine instance bound to one device.
type Options struct {
	Goal          string
	DeviceSerial  string
	TrajectoryDir string
	MaxSteps      int
	Reasoning     bool
	Vision        bool
	Timeout       time.Duration
	LLM           llm.Config
	// Logger is the device-scoped log; engines may add their own lines.
	Logger zerolog.Logger
}

// Factory builds an engine for one device.
type Factory func(ctx context.Context, opts Options) (Engine, error)

// Engine starts a run of the configured goal.
type Engine interface {
	Start(ctx context.Context) (Run, error)
}

// Run is a handle on an in-flight task.
type Run interface {
	// Events is closed once the run has produced its last event.
	Events() <-chan Event
	// Wait blocks until the final result is available.
	Wait(ctx context.Context) (Result, error)
	// State exposes live run state; it may be nil.
	State() SharedState
}

// Result is the final outcome of a run.
type Result struct {
	Success bool
	Output  string
	Reason  string
	Steps   int
}

// SharedState is the mutable run state an engine exposes while running.
type SharedState interface {
	// Step returns the current step number and whether it is known yet.
	Step() (int, bool)
}

// StepCounter is a SharedState backed by an atomic counter.
type StepCounter struct {
	step  atomic.Int64
	known atomic.Bool
}

func (c *StepCounter) Step() (int, bool) {
	if c == nil || !c.known.Load() {
		return 0, false
	}
	return int(c.step.Load()), true
}

// Set raises the counter to n; lower values are ignored so the counter never
// goes backwards.
func (c *StepCounter) Set(n int) {
	for {
		cur := c.step.Load()
		if int64(n) <= cur && c.known.Load() {
			return
		}
		if c.step.CompareAndSwap(cur, int64(n)) {
			c.known.Store(true)
			return
		}
	}
}

// StreamRun is a channel-backed Run for engine implementations.
type StreamRun struct {
	events chan Event
	done   chan struct{}
	state  *StepCounter

	finishOnce sync.Once
	result     Result
	err        error
}

// NewStreamRun returns a run whose event channel has the given buffer.
func NewStreamRun(buffer int) *StreamRun {
	if buffer < 0 {
		buffer = 0
	}
	return &StreamRun{
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		state:  &StepCounter{},
	}
}

// Emit delivers ev to the consumer, blocking while the buffer is full.
func (r *StreamRun) Emit(ev Event) {
	if ev == nil {
		return
	}
	r.events <- ev
}

// Finish closes the event stream and publishes the final result. Only the
// first call has an effect.
func (r *StreamRun) Finish(res Result, err error) {
	r.finishOnce.Do(func() {
		r.result = res
		r.err = err
		close(r.events)
		close(r.done)
	})
}

// Counter exposes the writable step counter behind State.
func (r *StreamRun) Counter() *StepCounter {
	return r.state
}

func (r *StreamRun) Events() <-chan Event {
	return r.events
}

func (r *StreamRun) State() SharedState {
	return r.state
}

func (r *StreamRun) Wait(ctx context.Context) (Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-r.done:
		return r.result, r.err
	default:
	}
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		// a run that finished while ctx expired still reports its result
		select {
		case <-r.done:
			return r.result, r.err
		default:
		}
		return Result{}, ctx.Err()
	}
}
