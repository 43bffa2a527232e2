// Package subprocess runs an external agent command as an engine. The command
// receives its parameters in the environment and reports progress as one
// JSON object per stdout line.
package subprocess

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/httprunner/droidfleet/pkg/engine"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const maxLineBytes = 4 << 20

// Line types understood on stdout. Anything else is ignored.
const (
	typeStep   = "step"
	typeResult = "result"
)

// wireEvent is the union of every stdout line shape.
type wireEvent struct {
	Type     string `json:"type"`
	Thoughts string `json:"thoughts"`
	Code     string `json:"code"`
	Output   string `json:"output"`
	Subgoal  string `json:"subgoal"`
	Thought  string `json:"thought"`
	Mode     string `json:"mode"`
	Step     int    `json:"step"`
	MaxSteps int    `json:"max_steps"`
	Success  bool   `json:"success"`
	Summary  string `json:"summary"`
	Reason   string `json:"reason"`
	Error    string `json:"error"`
	Steps    int    `json:"steps"`
}

func (w wireEvent) event() engine.Event {
	switch engine.EventKind(w.Type) {
	case engine.KindThinking:
		return engine.Thinking{Thoughts: w.Thoughts, Code: w.Code}
	case engine.KindExecutionStart:
		return engine.ExecutionStart{Code: w.Code}
	case engine.KindExecutionResult:
		return engine.ExecutionResult{Output: w.Output}
	case engine.KindPlan:
		return engine.Plan{Subgoal: w.Subgoal, Thought: w.Thought}
	case engine.KindStepOutcome:
		return engine.StepOutcome{
			Mode:     w.Mode,
			Step:     w.Step,
			MaxSteps: w.MaxSteps,
			Success:  w.Success,
			Summary:  w.Summary,
			Reason:   w.Reason,
			Error:    w.Error,
		}
	case engine.KindFinalize:
		return engine.Finalize{Success: w.Success, Reason: w.Reason}
	default:
		return nil
	}
}

// NewFactory returns a factory that runs argv for every device.
func NewFactory(argv []string) engine.Factory {
	return func(ctx context.Context, opts engine.Options) (engine.Engine, error) {
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			return nil, errors.New("engine command is empty")
		}
		if strings.TrimSpace(opts.DeviceSerial) == "" {
			return nil, errors.New("engine requires a device serial")
		}
		return &Engine{argv: append([]string(nil), argv...), opts: opts}, nil
	}
}

// Engine is one device's external agent process.
type Engine struct {
	argv []string
	opts engine.Options
}

// Start launches the process. The process is killed when ctx is done.
func (e *Engine) Start(ctx context.Context) (engine.Run, error) {
	cmd := exec.CommandContext(ctx, e.argv[0], e.argv[1:]...)
	cmd.Env = append(os.Environ(), Environment(e.opts)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "engine stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "engine stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start engine %s", e.argv[0])
	}

	logger := e.opts.Logger
	logger.Debug().Strs("argv", e.argv).Int("pid", cmd.Process.Pid).Msg("engine process started")

	run := engine.NewStreamRun(16)
	var stderrDone sync.WaitGroup
	stderrDone.Add(1)
	go func() {
		defer stderrDone.Done()
		forwardStderr(stderr, logger)
	}()
	go func() {
		res, gotResult, scanErr := pump(stdout, run, logger)
		stderrDone.Wait()
		waitErr := cmd.Wait()
		switch {
		case gotResult:
			if waitErr != nil {
				logger.Warn().Err(waitErr).Msg("engine exited abnormally after reporting a result")
			}
			run.Finish(res, nil)
		case waitErr != nil:
			run.Finish(engine.Result{}, errors.Wrap(waitErr, "engine exited without a result"))
		case scanErr != nil:
			run.Finish(engine.Result{}, errors.Wrap(scanErr, "read engine output"))
		default:
			run.Finish(engine.Result{}, errors.New("engine exited without a result"))
		}
	}()
	return run, nil
}

// pump decodes stdout lines into events until EOF. When a line cannot be
// scanned the rest of stdout is discarded so the process can still exit.
func pump(r io.Reader, run *engine.StreamRun, logger zerolog.Logger) (engine.Result, bool, error) {
	var (
		res       engine.Result
		gotResult bool
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var w wireEvent
		if err := json.Unmarshal([]byte(line), &w); err != nil {
			logger.Debug().Str("stream", "stdout").Msg(line)
			continue
		}
		switch w.Type {
		case typeStep:
			run.Counter().Set(w.Step)
		case typeResult:
			res = engine.Result{Success: w.Success, Output: w.Output, Reason: w.Reason, Steps: w.Steps}
			gotResult = true
		default:
			if w.Step > 0 {
				run.Counter().Set(w.Step)
			}
			run.Emit(w.event())
		}
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return res, gotResult, err
	}
	return res, gotResult, nil
}

func forwardStderr(r io.Reader, logger zerolog.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if line := strings.TrimRight(scanner.Text(), "\r"); line != "" {
			logger.Debug().Str("stream", "stderr").Msg(line)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Debug().Err(err).Str("stream", "stderr").Msg("stderr unreadable, discarding")
		_, _ = io.Copy(io.Discard, r)
	}
}

// Environment renders opts as the variables handed to the engine process.
func Environment(opts engine.Options) []string {
	env := []string{
		"DROIDFLEET_GOAL=" + opts.Goal,
		"DROIDFLEET_DEVICE_SERIAL=" + opts.DeviceSerial,
		"DROIDFLEET_TRAJECTORY_DIR=" + opts.TrajectoryDir,
		"DROIDFLEET_MAX_STEPS=" + strconv.Itoa(opts.MaxSteps),
		"DROIDFLEET_REASONING=" + strconv.FormatBool(opts.Reasoning),
		"DROIDFLEET_VISION=" + strconv.FormatBool(opts.Vision),
		"LLM_PROVIDER=" + opts.LLM.Provider,
		"LLM_API_BASE=" + opts.LLM.APIBase,
		"LLM_API_KEY=" + opts.LLM.APIKey,
		"LLM_MODEL=" + opts.LLM.Model,
		"LLM_COMPATIBLE_TRANSPORT=" + strconv.FormatBool(opts.LLM.CompatibleTransport),
	}
	if opts.Timeout > 0 {
		env = append(env, "DROIDFLEET_TIMEOUT="+opts.Timeout.String())
	}
	return env
}
