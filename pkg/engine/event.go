package engine

// EventKind identifies the type of progress event emitted by a run.
type EventKind string

const (
	KindThinking        EventKind = "thinking"
	KindExecutionStart  EventKind = "execution_start"
	KindExecutionResult EventKind = "execution_result"
	KindPlan            EventKind = "plan"
	KindStepOutcome     EventKind = "step_outcome"
	KindFinalize        EventKind = "finalize"
)

// Event is a progress notification from a running task. Consumers must
// ignore kinds they do not recognise.
type Event interface {
	Kind() EventKind
}

// Thinking carries the agent's reasoning and the action it is about to take.
type Thinking struct {
	Thoughts string
	Code     string
}

// ExecutionStart is emitted before an action runs on the device.
type ExecutionStart struct {
	Code string
}

// ExecutionResult carries the raw output of the last action.
type ExecutionResult struct {
	Output string
}

// Plan is emitted when the planner picks the next subgoal.
type Plan struct {
	Subgoal string
	Thought string
}

// StepOutcome closes one step. Mode names the engine execution mode that
// produced it (codeact, executor, ...).
type StepOutcome struct {
	Mode     string
	Step     int
	MaxSteps int
	Success  bool
	Summary  string
	Reason   string
	Error    string
}

// Finalize is the last event of a run.
type Finalize struct {
	Success bool
	Reason  string
}

func (Thinking) Kind() EventKind        { return KindThinking }
func (ExecutionStart) Kind() EventKind  { return KindExecutionStart }
func (ExecutionResult) Kind() EventKind { return KindExecutionResult }
func (Plan) Kind() EventKind            { return KindPlan }
func (StepOutcome) Kind() EventKind     { return KindStepOutcome }
func (Finalize) Kind() EventKind        { return KindFinalize }
