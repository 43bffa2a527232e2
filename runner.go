package droidfleet

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/httprunner/droidfleet/pkg/engine"
	"github.com/httprunner/droidfleet/pkg/llm"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrInterrupted is returned by RunAll when the parent context is canceled
// before every task has settled.
var ErrInterrupted = errors.New("run interrupted")

const defaultTrajectoryDir = "trajectories"

// EngineSettings are the engine knobs shared by every device in a run.
type EngineSettings struct {
	MaxSteps  int
	Reasoning bool
	Vision    bool
	Timeout   time.Duration
}

// RunContext is everything one run needs. It is built once per invocation
// and shared read-only by every device task. InterruptGrace is how long RunAll
// keeps collecting in-flight results after an interrupt.
type RunContext struct {
	Devices        []ConnectedDevice
	Goal           string
	TaskName       string
	LLM            llm.Config
	Engine         engine.Factory
	Settings       EngineSettings
	Concurrency    int
	Logs           *DeviceLogger
	Console        *Console
	TrajectoryDir  string
	Recorders      []RunRecorder
	HostID         string
	InterruptGrace time.Duration
}

// MultiDeviceRunner runs one engine task per connected device behind an
// admission gate.
type MultiDeviceRunner struct {
	rc    RunContext
	gate  *admissionGate
	runID string
	now   func() time.Time
	// beforeWork runs after a slot is acquired; tests use it to observe the gate.
	beforeWork func(device string)
}

// NewMultiDeviceRunner validates rc and prepares a runner.
func NewMultiDeviceRunner(rc RunContext) (*MultiDeviceRunner, error) {
	if rc.Engine == nil {
		return nil, errors.New("engine factory is required")
	}
	if rc.Logs == nil {
		return nil, errors.New("device logger is required")
	}
	if rc.Concurrency < 1 {
		rc.Concurrency = 1
	}
	if rc.TrajectoryDir == "" {
		rc.TrajectoryDir = defaultTrajectoryDir
	}
	return &MultiDeviceRunner{
		rc:    rc,
		gate:  newAdmissionGate(rc.Concurrency),
		runID: uuid.NewString(),
		now:   time.Now,
	}, nil
}

// RunID identifies this run in the ledger and notifications.
func (r *MultiDeviceRunner) RunID() string {
	return r.runID
}

// RunAll launches every device task at once and returns one result per
// device in device order. Task failures never surface as an error here; the
// only error is ErrInterrupted, returned together with the results settled so
// far.
func (r *MultiDeviceRunner) RunAll(ctx context.Context) (summary *RunSummary, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	logs := r.rc.Logs
	defer func() {
		if cerr := logs.CloseAll(); cerr != nil {
			log.Warn().Err(cerr).Msg("close device logs failed")
		}
	}()

	logs.Start()
	startedAt := r.now()
	r.rc.Console.Header(r.rc.Goal, len(r.rc.Devices), r.rc.Concurrency)
	log.Info().
		Str("run_id", r.runID).
		Int("devices", len(r.rc.Devices)).
		Int("concurrency", r.rc.Concurrency).
		Msg("dispatching device tasks")

	slots := make([]*taskSlot, len(r.rc.Devices))
	for i, dev := range r.rc.Devices {
		slots[i] = newTaskSlot(dev)
	}

	// In-flight work is not canceled on interrupt; only the admission gate
	// and the top-level wait observe ctx.
	workCtx := context.WithoutCancel(ctx)
	sg := NewSafeGroup(ctx)
	for _, slot := range slots {
		slot := slot
		sg.GoRecover(slot.device.Name, func() {
			slot.settle(r.runTask(ctx, workCtx, slot))
		}, func(p *PanicError) {
			slot.settle(r.panicResult(slot, p))
		})
	}

	waitErr := sg.WaitOrInterrupt(r.rc.InterruptGrace)
	results := make([]TaskResult, len(slots))
	for i, slot := range slots {
		results[i] = slot.snapshot()
	}
	s := Summarize(results, r.rc.Concurrency, logs.Elapsed())
	summary = &s

	if waitErr != nil {
		r.rc.Console.Interrupted()
		log.Warn().Err(waitErr).Str("run_id", r.runID).Msg("run interrupted, abandoning in-flight tasks")
		return summary, errors.Wrap(ErrInterrupted, waitErr.Error())
	}

	r.rc.Console.Summary(s.SuccessCount, s.Total)
	r.record(workCtx, startedAt, s)
	return summary, nil
}

// runTask is the fault-isolation boundary for one device. Every failure is
// folded into the returned TaskResult.
func (r *MultiDeviceRunner) runTask(admitCtx, workCtx context.Context, slot *taskSlot) (result TaskResult) {
	dev := slot.device
	result = TaskResult{DeviceName: dev.Name, Serial: dev.Serial, Kind: dev.Kind}
	started := r.now()
	slot.track(result, started)

	if err := r.gate.Acquire(admitCtx); err != nil {
		result.Error = "interrupted"
		result.Duration = r.now().Sub(started)
		return result
	}
	defer r.gate.Release()
	if r.beforeWork != nil {
		r.beforeWork(dev.Name)
	}

	logger, err := r.rc.Logs.Logger(dev.Name)
	if err != nil {
		nop := zerolog.Nop()
		logger = &nop
		log.Error().Err(err).Str("device", dev.Name).Msg("open device log failed")
	}
	result.LogPath = r.rc.Logs.LogPath(dev.Name)
	r.rc.Console.DeviceStarted(dev, result.LogPath)

	result.TrajectoryPath = filepath.Join(r.rc.TrajectoryDir,
		fmt.Sprintf("%s_%s", dev.Name, started.Format(logTimestampLayout)))
	slot.track(result, started)

	logger.Info().
		Str("serial", dev.Serial).
		Str("kind", string(dev.Kind)).
		Msgf("starting task: %s", r.rc.Goal)

	res, steps, stage, err := r.execute(workCtx, dev, logger, result.TrajectoryPath)
	result.Steps = steps
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		logger.Error().Stack().Err(err).Str("stage", stage).Msg("task failed")
	} else {
		result.Success = res.Success
		result.Output = res.Output
		if result.Output == "" {
			result.Output = res.Reason
		}
		logger.Info().Bool("success", res.Success).Int("steps", steps).Msg("task finished")
	}
	result.Duration = r.now().Sub(started)
	r.rc.Console.DeviceDone(dev.Name, result.Success, result.Steps, result.Duration, result.Error)
	return result
}

func (r *MultiDeviceRunner) execute(ctx context.Context, dev ConnectedDevice, logger *zerolog.Logger, trajectory string) (engine.Result, int, string, error) {
	opts := engine.Options{
		Goal:          r.rc.Goal,
		DeviceSerial:  dev.Serial,
		TrajectoryDir: trajectory,
		MaxSteps:      r.rc.Settings.MaxSteps,
		Reasoning:     r.rc.Settings.Reasoning,
		Vision:        r.rc.Settings.Vision,
		Timeout:       r.rc.Settings.Timeout,
		LLM:           r.rc.LLM,
		Logger:        *logger,
	}
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	eng, err := r.rc.Engine(ctx, opts)
	if err != nil {
		return engine.Result{}, 0, "build engine", err
	}
	run, err := eng.Start(ctx)
	if err != nil {
		return engine.Result{}, 0, "start engine", err
	}
	interp := newEventInterpreter(logger, run.State(), opts.MaxSteps)
	res, err := interp.consume(ctx, run)
	steps := res.Steps
	if steps <= 0 {
		steps = interp.steps()
	}
	if err != nil {
		return res, steps, "await result", err
	}
	return res, steps, "", nil
}

// panicResult builds on whatever runTask had recorded before the panic.
func (r *MultiDeviceRunner) panicResult(slot *taskSlot, p *PanicError) TaskResult {
	dev := slot.device
	result, started := slot.progress()
	if started.IsZero() {
		result = TaskResult{DeviceName: dev.Name, Serial: dev.Serial, Kind: dev.Kind}
		started = r.now()
	}
	result.Success = false
	result.Error = fmt.Sprint(p.Value)
	if result.LogPath == "" {
		result.LogPath = r.rc.Logs.LogPath(dev.Name)
	}
	result.Duration = r.now().Sub(started)

	if logger, err := r.rc.Logs.Logger(dev.Name); err == nil {
		logger.Error().Str("panic", result.Error).Msgf("task panicked\n%s", p.Stack)
	}
	log.Error().Str("device", dev.Name).Interface("panic", p.Value).Msg("device task panicked")
	r.rc.Console.DeviceDone(dev.Name, false, result.Steps, result.Duration, result.Error)
	return result
}

func (r *MultiDeviceRunner) record(ctx context.Context, startedAt time.Time, s RunSummary) {
	if len(r.rc.Recorders) == 0 {
		return
	}
	report := RunReport{
		RunID:       r.runID,
		HostID:      r.rc.HostID,
		TaskName:    r.rc.TaskName,
		Goal:        r.rc.Goal,
		Concurrency: r.rc.Concurrency,
		StartedAt:   startedAt,
		Summary:     s,
	}
	for _, rec := range r.rc.Recorders {
		if rec == nil {
			continue
		}
		if err := rec.RecordRun(ctx, report); err != nil {
			log.Warn().Err(err).Str("run_id", r.runID).Msg("record run failed")
		}
	}
}

// taskSlot holds one device's result. A slot is written once by its task and
// read after the barrier, or read early when the run is interrupted.
type taskSlot struct {
	device  ConnectedDevice
	mu      sync.Mutex
	result  TaskResult
	settled bool

	// partial is the task's result so far, kept for panic recovery.
	partial TaskResult
	started time.Time
}

func newTaskSlot(dev ConnectedDevice) *taskSlot {
	return &taskSlot{
		device: dev,
		result: TaskResult{DeviceName: dev.Name, Serial: dev.Serial, Kind: dev.Kind, Error: "interrupted"},
	}
}

func (s *taskSlot) settle(res TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.settled {
		return
	}
	s.result = res
	s.settled = true
}

func (s *taskSlot) track(partial TaskResult, started time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partial = partial
	s.started = started
}

func (s *taskSlot) progress() (TaskResult, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.partial, s.started
}

func (s *taskSlot) snapshot() TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// admissionGate is a counting semaphore of fixed capacity.
type admissionGate struct {
	slots chan struct{}
	inUse atomic.Int64
	peak  atomic.Int64
}

func newAdmissionGate(capacity int) *admissionGate {
	if capacity < 1 {
		capacity = 1
	}
	return &admissionGate{slots: make(chan struct{}, capacity)}
}

// Acquire blocks until a slot is free or ctx is done. A canceled ctx never
// admits, even when a slot happens to be free.
func (g *admissionGate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case g.slots <- struct{}{}:
		n := g.inUse.Add(1)
		for {
			p := g.peak.Load()
			if n <= p || g.peak.CompareAndSwap(p, n) {
				break
			}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *admissionGate) Release() {
	g.inUse.Add(-1)
	<-g.slots
}

// InUse reports the number of slots currently held.
func (g *admissionGate) InUse() int {
	return int(g.inUse.Load())
}

// Peak reports the highest simultaneous occupancy seen.
func (g *admissionGate) Peak() int {
	return int(g.peak.Load())
}
