package droidfleet

import (
	"context"
	"fmt"
	"strings"

	"github.com/httprunner/droidfleet/pkg/engine"
	"github.com/rs/zerolog"
)

// Preview cutoffs, in runes.
const (
	thoughtPreviewLimit   = 200
	codePreviewLimit      = 150
	actionPreviewLimit    = 100
	outputPreviewLimit    = 150
	rationalePreviewLimit = 150
)

// failureMarkers flag execution output that should be logged as a warning.
var failureMarkers = []string{"Error", "Exception", "Traceback"}

type logLine struct {
	level zerolog.Level
	msg   string
}

type eventHandler func(in *eventInterpreter, ev engine.Event) []logLine

// eventHandlers maps each known event kind to its log template. Kinds that
// are absent are ignored.
var eventHandlers = map[engine.EventKind]eventHandler{
	engine.KindThinking:        handleThinking,
	engine.KindExecutionStart:  handleExecutionStart,
	engine.KindExecutionResult: handleExecutionResult,
	engine.KindPlan:            handlePlan,
	engine.KindStepOutcome:     handleStepOutcome,
	engine.KindFinalize:        handleFinalize,
}

// eventInterpreter turns one run's event stream into device log lines.
//
// The step shown on each line comes from the engine's shared state when it is
// known and from a local counter otherwise. The local counter advances after
// every result-bearing event, so the two sources can disagree when an engine
// only publishes its state part of the time.
type eventInterpreter struct {
	logger   *zerolog.Logger
	state    engine.SharedState
	maxSteps int
	lastStep int
}

func newEventInterpreter(logger *zerolog.Logger, state engine.SharedState, maxSteps int) *eventInterpreter {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &eventInterpreter{logger: logger, state: state, maxSteps: maxSteps}
}

// consume drains run's events, then waits for the final result.
func (in *eventInterpreter) consume(ctx context.Context, run engine.Run) (engine.Result, error) {
	if events := run.Events(); events != nil {
		for ev := range events {
			in.handle(ev)
		}
	}
	return run.Wait(ctx)
}

func (in *eventInterpreter) handle(ev engine.Event) {
	if ev == nil {
		return
	}
	handler, ok := eventHandlers[ev.Kind()]
	if !ok {
		return
	}
	for _, line := range handler(in, ev) {
		in.logger.WithLevel(line.level).Msg(line.msg)
	}
}

// step returns the current step number.
func (in *eventInterpreter) step() int {
	if in.state != nil {
		if n, ok := in.state.Step(); ok {
			in.lastStep = n
			return n
		}
	}
	return in.lastStep
}

// advance moves the local counter after a result-bearing event when the
// engine does not publish its own.
func (in *eventInterpreter) advance() {
	if in.state != nil {
		if _, ok := in.state.Step(); ok {
			return
		}
	}
	in.lastStep++
}

// steps is the best known number of executed steps.
func (in *eventInterpreter) steps() int {
	return in.step()
}

func handleThinking(in *eventInterpreter, ev engine.Event) []logLine {
	e, ok := ev.(engine.Thinking)
	if !ok {
		return nil
	}
	step := in.step()
	lines := []logLine{{zerolog.InfoLevel, fmt.Sprintf("[step %d] 💭 %s", step, truncate(e.Thoughts, thoughtPreviewLimit))}}
	if strings.TrimSpace(e.Code) != "" {
		lines = append(lines, logLine{zerolog.DebugLevel, fmt.Sprintf("[step %d] code: %s", step, truncate(e.Code, codePreviewLimit))})
	}
	return lines
}

func handleExecutionStart(in *eventInterpreter, ev engine.Event) []logLine {
	e, ok := ev.(engine.ExecutionStart)
	if !ok {
		return nil
	}
	return []logLine{{zerolog.InfoLevel, fmt.Sprintf("[step %d] ⚡ executing: %s", in.step(), truncate(e.Code, actionPreviewLimit))}}
}

func handleExecutionResult(in *eventInterpreter, ev engine.Event) []logLine {
	e, ok := ev.(engine.ExecutionResult)
	if !ok {
		return nil
	}
	level := zerolog.InfoLevel
	if hasFailureMarker(e.Output) {
		level = zerolog.WarnLevel
	}
	line := logLine{level, fmt.Sprintf("[step %d] 📤 result: %s", in.step(), truncate(e.Output, outputPreviewLimit))}
	in.advance()
	return []logLine{line}
}

func handlePlan(in *eventInterpreter, ev engine.Event) []logLine {
	e, ok := ev.(engine.Plan)
	if !ok {
		return nil
	}
	step := in.step()
	lines := []logLine{{zerolog.InfoLevel, fmt.Sprintf("[step %d] 📋 subgoal: %s", step, e.Subgoal)}}
	if strings.TrimSpace(e.Thought) != "" {
		lines = append(lines, logLine{zerolog.DebugLevel, fmt.Sprintf("[step %d] plan: %s", step, truncate(e.Thought, rationalePreviewLimit))})
	}
	return lines
}

func handleStepOutcome(in *eventInterpreter, ev engine.Event) []logLine {
	e, ok := ev.(engine.StepOutcome)
	if !ok {
		return nil
	}
	step := e.Step
	if step <= 0 {
		step = in.step()
	}
	maxSteps := e.MaxSteps
	if maxSteps <= 0 {
		maxSteps = in.maxSteps
	}
	text := e.Reason
	if e.Success && strings.TrimSpace(e.Summary) != "" {
		text = e.Summary
	} else if strings.TrimSpace(text) == "" {
		text = e.Summary
	}
	lines := []logLine{{zerolog.InfoLevel, fmt.Sprintf("step %d/%d %s: %s", step, maxSteps, outcomeGlyph(e.Success), text)}}
	if strings.TrimSpace(e.Error) != "" {
		lines = append(lines, logLine{zerolog.WarnLevel, fmt.Sprintf("step %d error: %s", step, e.Error)})
	}
	in.advance()
	return lines
}

func handleFinalize(in *eventInterpreter, ev engine.Event) []logLine {
	e, ok := ev.(engine.Finalize)
	if !ok {
		return nil
	}
	return []logLine{{zerolog.InfoLevel, fmt.Sprintf("🏁 %s %s", outcomeGlyph(e.Success), e.Reason)}}
}

func outcomeGlyph(success bool) string {
	if success {
		return "✅"
	}
	return "❌"
}

func hasFailureMarker(s string) bool {
	for _, marker := range failureMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
