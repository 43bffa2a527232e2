package droidfleet

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/httprunner/droidfleet/pkg/engine"
	"github.com/pkg/errors"
)

// scriptEngine replays a fixed script onto a StreamRun.
type scriptEngine struct {
	script func(ctx context.Context, run *engine.StreamRun)
}

func (e scriptEngine) Start(ctx context.Context) (engine.Run, error) {
	run := engine.NewStreamRun(4)
	go e.script(ctx, run)
	return run, nil
}

func succeedWith(output string) engine.Factory {
	return func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		return scriptEngine{script: func(ctx context.Context, run *engine.StreamRun) {
			run.Emit(engine.ExecutionResult{Output: "ok"})
			run.Emit(engine.Finalize{Success: true, Reason: output})
			run.Finish(engine.Result{Success: true, Output: output}, nil)
		}}, nil
	}
}

// stepClock advances one second per reading.
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Second)
	return c.cur
}

func devicesNamed(names ...string) []ConnectedDevice {
	devs := make([]ConnectedDevice, 0, len(names))
	for _, n := range names {
		devs = append(devs, ConnectedDevice{Name: n, Serial: "serial-" + n, Kind: KindUSB})
	}
	return devs
}

func newTestRunner(t *testing.T, rc RunContext) (*MultiDeviceRunner, *bytes.Buffer) {
	t.Helper()
	logs, err := NewDeviceLogger(t.TempDir())
	if err != nil {
		t.Fatalf("NewDeviceLogger: %v", err)
	}
	var out bytes.Buffer
	rc.Logs = logs
	rc.Console = NewConsole(&out)
	if rc.TrajectoryDir == "" {
		rc.TrajectoryDir = t.TempDir()
	}
	runner, err := NewMultiDeviceRunner(rc)
	if err != nil {
		t.Fatalf("NewMultiDeviceRunner: %v", err)
	}
	clock := &stepClock{cur: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	runner.now = clock.now
	return runner, &out
}

func resultByName(t *testing.T, s *RunSummary, name string) TaskResult {
	t.Helper()
	for _, r := range s.Results {
		if r.DeviceName == name {
			return r
		}
	}
	t.Fatalf("no result for %s", name)
	return TaskResult{}
}

func TestRunAllAllSucceed(t *testing.T) {
	runner, out := newTestRunner(t, RunContext{
		Devices:     devicesNamed("A", "B", "C"),
		Goal:        "open settings",
		Engine:      succeedWith("done"),
		Concurrency: 2,
	})
	summary, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if summary.Total != 3 || summary.SuccessCount != 3 {
		t.Fatalf("expected 3/3, got %d/%d", summary.SuccessCount, summary.Total)
	}
	if summary.ModeLabel() != "parallel (concurrency=2)" {
		t.Fatalf("mode label = %q", summary.ModeLabel())
	}
	for _, r := range summary.Results {
		if r.Output != "done" || r.Duration <= 0 || r.LogPath == "" {
			t.Fatalf("unexpected result: %+v", r)
		}
		if !strings.Contains(r.TrajectoryPath, r.DeviceName+"_") {
			t.Fatalf("trajectory path %q lacks device name", r.TrajectoryPath)
		}
		if r.Steps != 1 {
			t.Fatalf("steps = %d, want 1", r.Steps)
		}
	}
	if !strings.Contains(out.String(), "Summary: 3/3 successful") {
		t.Fatalf("console summary missing:\n%s", out.String())
	}
}

func TestRunAllConcurrencyBound(t *testing.T) {
	for _, c := range []int{1, 2, 3} {
		var active, peak atomic.Int64
		factory := func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			return scriptEngine{script: func(ctx context.Context, run *engine.StreamRun) {
				time.Sleep(10 * time.Millisecond)
				active.Add(-1)
				run.Finish(engine.Result{Success: true, Output: "ok"}, nil)
			}}, nil
		}
		runner, _ := newTestRunner(t, RunContext{
			Devices:     devicesNamed("d1", "d2", "d3", "d4", "d5", "d6", "d7"),
			Engine:      factory,
			Concurrency: c,
		})
		summary, err := runner.RunAll(context.Background())
		if err != nil {
			t.Fatalf("RunAll: %v", err)
		}
		if summary.Total != 7 {
			t.Fatalf("expected 7 results, got %d", summary.Total)
		}
		if got := runner.gate.Peak(); got > c {
			t.Fatalf("gate peak %d exceeds bound %d", got, c)
		}
		if got := int(peak.Load()); got > c {
			t.Fatalf("engine concurrency %d exceeds bound %d", got, c)
		}
		if runner.gate.InUse() != 0 {
			t.Fatalf("gate still holds %d slots", runner.gate.InUse())
		}
	}
}

func TestRunAllSequentialMode(t *testing.T) {
	var mu sync.Mutex
	var trace []string
	mark := func(s string) {
		mu.Lock()
		trace = append(trace, s)
		mu.Unlock()
	}
	factory := func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		mark("start:" + opts.DeviceSerial)
		return scriptEngine{script: func(ctx context.Context, run *engine.StreamRun) {
			time.Sleep(5 * time.Millisecond)
			mark("end:" + opts.DeviceSerial)
			run.Finish(engine.Result{Success: true}, nil)
		}}, nil
	}
	runner, _ := newTestRunner(t, RunContext{
		Devices:     devicesNamed("one", "two"),
		Engine:      factory,
		Concurrency: 1,
	})
	summary, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if summary.ModeLabel() != "sequential" {
		t.Fatalf("mode label = %q", summary.ModeLabel())
	}
	if len(trace) != 4 {
		t.Fatalf("unexpected trace: %v", trace)
	}
	for i := 0; i < 4; i += 2 {
		first := strings.TrimPrefix(trace[i], "start:")
		if trace[i+1] != "end:"+first {
			t.Fatalf("tasks overlapped: %v", trace)
		}
	}
}

func TestRunAllIsolatesEngineFailure(t *testing.T) {
	factory := func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		if opts.DeviceSerial == "serial-C" {
			return nil, errors.New("model timeout")
		}
		return succeedWith("done")(ctx, opts)
	}
	runner, out := newTestRunner(t, RunContext{
		Devices:     devicesNamed("A", "B", "C"),
		Engine:      factory,
		Concurrency: 3,
	})
	summary, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	c := resultByName(t, summary, "C")
	if c.Success || c.Error != "model timeout" || c.Duration <= 0 {
		t.Fatalf("unexpected result for C: %+v", c)
	}
	for _, name := range []string{"A", "B"} {
		if r := resultByName(t, summary, name); !r.Success {
			t.Fatalf("%s should succeed: %+v", name, r)
		}
	}
	if summary.AllSucceeded() {
		t.Fatal("summary should report a failure")
	}
	if !strings.Contains(out.String(), "[C] ❌ Failed: model timeout") {
		t.Fatalf("console failure line missing:\n%s", out.String())
	}
}

func TestRunAllReturnsOneResultPerDeviceWhenAllFail(t *testing.T) {
	factory := func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		return scriptEngine{script: func(ctx context.Context, run *engine.StreamRun) {
			run.Finish(engine.Result{}, errors.New("backend unavailable"))
		}}, nil
	}
	runner, _ := newTestRunner(t, RunContext{
		Devices:     devicesNamed("a", "b", "c", "d"),
		Engine:      factory,
		Concurrency: 2,
	})
	summary, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if summary.Total != 4 || summary.SuccessCount != 0 {
		t.Fatalf("expected 0/4, got %d/%d", summary.SuccessCount, summary.Total)
	}
	for _, r := range summary.Results {
		if r.Error != "backend unavailable" {
			t.Fatalf("unexpected error for %s: %q", r.DeviceName, r.Error)
		}
	}
}

func TestRunAllRecoversPanics(t *testing.T) {
	factory := func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		if opts.DeviceSerial == "serial-boom" {
			panic("nil screen")
		}
		return succeedWith("done")(ctx, opts)
	}
	runner, _ := newTestRunner(t, RunContext{
		Devices:     devicesNamed("boom", "fine"),
		Engine:      factory,
		Concurrency: 1,
	})
	summary, err := runner.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	boom := resultByName(t, summary, "boom")
	if boom.Success || !strings.Contains(boom.Error, "nil screen") {
		t.Fatalf("unexpected panic result: %+v", boom)
	}
	if boom.Duration <= 0 {
		t.Fatalf("duration not set on panic result: %s", boom.Duration)
	}
	if boom.TrajectoryPath == "" || boom.LogPath == "" {
		t.Fatalf("panic result lost its paths: %+v", boom)
	}
	if fine := resultByName(t, summary, "fine"); !fine.Success {
		t.Fatalf("sibling affected by panic: %+v", fine)
	}
	if runner.gate.InUse() != 0 {
		t.Fatal("panicking task leaked its slot")
	}
}

func TestRunAllInterruptStopsAdmission(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	factory := func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		started <- struct{}{}
		return scriptEngine{script: func(ctx context.Context, run *engine.StreamRun) {
			<-release
			run.Finish(engine.Result{Success: true}, nil)
		}}, nil
	}
	runner, _ := newTestRunner(t, RunContext{
		Devices:     devicesNamed("first", "second"),
		Engine:      factory,
		Concurrency: 1,
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	summary, err := runner.RunAll(ctx)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if summary == nil || summary.Total != 2 || summary.SuccessCount != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	select {
	case <-started:
		t.Fatal("queued device was admitted after interruption")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRunAllCollectsInFlightResultsDuringGrace(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	factory := func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		started <- struct{}{}
		return scriptEngine{script: func(ctx context.Context, run *engine.StreamRun) {
			<-release
			run.Finish(engine.Result{Success: true, Output: "finished late"}, nil)
		}}, nil
	}
	runner, _ := newTestRunner(t, RunContext{
		Devices:        devicesNamed("first", "second"),
		Engine:         factory,
		Concurrency:    1,
		InterruptGrace: 5 * time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	summary, err := runner.RunAll(ctx)
	if !errors.Is(err, ErrInterrupted) {
		t.Fatalf("expected ErrInterrupted, got %v", err)
	}
	if first := resultByName(t, summary, "first"); !first.Success || first.Output != "finished late" {
		t.Fatalf("in-flight result not collected: %+v", first)
	}
	if second := resultByName(t, summary, "second"); second.Success || second.Error != "interrupted" {
		t.Fatalf("queued device should be interrupted: %+v", second)
	}
}

func TestSafeGroupGivesUpAfterGrace(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sg := NewSafeGroup(ctx)
	block := make(chan struct{})
	defer close(block)
	sg.GoRecover("stuck", func() { <-block }, nil)
	cancel()

	begin := time.Now()
	if err := sg.WaitOrInterrupt(30 * time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if waited := time.Since(begin); waited < 30*time.Millisecond {
		t.Fatalf("returned before the grace period: %s", waited)
	}
}

func TestRunAllCallsRecorders(t *testing.T) {
	var got []RunReport
	rec := RunRecorderFunc(func(ctx context.Context, report RunReport) error {
		got = append(got, report)
		return nil
	})
	failing := RunRecorderFunc(func(ctx context.Context, report RunReport) error {
		return errors.New("ledger locked")
	})
	runner, _ := newTestRunner(t, RunContext{
		Devices:     devicesNamed("x"),
		Goal:        "g",
		TaskName:    "demo",
		Engine:      succeedWith("done"),
		Concurrency: 1,
		Recorders:   []RunRecorder{failing, rec},
		HostID:      "host-1",
	})
	if _, err := runner.RunAll(context.Background()); err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("recorder calls = %d, want 1", len(got))
	}
	if got[0].RunID != runner.RunID() || got[0].TaskName != "demo" || got[0].HostID != "host-1" {
		t.Fatalf("unexpected report: %+v", got[0])
	}
	if got[0].Summary.Total != 1 {
		t.Fatalf("report summary total = %d", got[0].Summary.Total)
	}
}

func TestNewMultiDeviceRunnerValidates(t *testing.T) {
	if _, err := NewMultiDeviceRunner(RunContext{}); err == nil {
		t.Fatal("expected error without engine factory")
	}
	if _, err := NewMultiDeviceRunner(RunContext{Engine: succeedWith("x")}); err == nil {
		t.Fatal("expected error without device logger")
	}
}

func TestAdmissionGateRefusesCanceledContext(t *testing.T) {
	gate := newAdmissionGate(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := gate.Acquire(ctx); err == nil {
		t.Fatal("canceled context must not be admitted")
	}
	if err := gate.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer waitCancel()
	if err := gate.Acquire(waitCtx); err == nil {
		t.Fatal("full gate admitted a second holder")
	}
	gate.Release()
	if gate.InUse() != 0 {
		t.Fatalf("in use = %d", gate.InUse())
	}
}
