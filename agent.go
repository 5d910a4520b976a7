package keel

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// Agent loop defaults.
const (
	defaultMaxIterations   = 15
	defaultThinkingTimeout = 60 * time.Second

	// Emergency stop thresholds on kernel event volume.
	emergencyEventsPerIteration = 100
	emergencyEventsCumulative   = 5000

	// Stagnation looks at this many trailing iterations.
	stagnationWindow = 3
)

// apologyContent is the fixed fallback when a run ends with nothing usable
// in its history.
const apologyContent = "I was unable to produce a useful answer for this request. Please try rephrasing or breaking it into smaller steps."

// StopReason classifies how a run ended.
type StopReason string

const (
	StopCompleted     StopReason = "completed"
	StopByPlanner     StopReason = "stopped_by_planner"
	StopStagnated     StopReason = "stagnated"
	StopEmergency     StopReason = "emergency_stop"
	StopMaxIterations StopReason = "max_iterations"
)

// RunResult is the outcome of one agent run.
type RunResult struct {
	Content    string          `json:"content"`
	Iterations int             `json:"iterations"`
	Reason     StopReason      `json:"reason"`
	History    []StepExecution `json:"history,omitempty"`
}

// DelegateFunc hands a task to another agent by name. Configured via
// WithDelegate; without one, delegate_to_agent actions fail as errors.
type DelegateFunc func(ctx context.Context, agentName, input string) (ActionResult, error)

// EventCounter is an optional emitter capability: reporting how many events
// it has published. The loop uses it for the emergency stop thresholds.
type EventCounter interface {
	EventCount() uint64
}

// countingEmitter wraps an emitter with an event counter when the emitter
// does not track one itself.
type countingEmitter struct {
	inner Emitter
	n     atomic.Uint64
}

func (c *countingEmitter) Emit(ctx context.Context, ev Event) {
	c.n.Add(1)
	c.inner.Emit(ctx, ev)
}

func (c *countingEmitter) EventCount() uint64 { return c.n.Load() }

// Agent runs the Think, Act, Observe loop against a planner and a tool
// registry. One Agent may serve many concurrent runs; per-run state lives on
// the stack of Run.
type Agent struct {
	name     string
	planner  Planner
	registry ToolRegistry
	pipeline *ToolPipeline
	planExec *PlanExecutor
	delegate DelegateFunc
	emitter  Emitter
	counter  EventCounter
	tracer   Tracer
	logger   *slog.Logger

	maxIterations   int
	thinkingTimeout time.Duration
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithMaxIterations caps loop iterations per run (default 15).
func WithMaxIterations(n int) AgentOption {
	return func(a *Agent) {
		if n > 0 {
			a.maxIterations = n
		}
	}
}

// WithThinkingTimeout bounds each planner Think call (default 60s).
func WithThinkingTimeout(d time.Duration) AgentOption {
	return func(a *Agent) {
		if d > 0 {
			a.thinkingTimeout = d
		}
	}
}

// WithAgentLogger sets the structured logger.
func WithAgentLogger(l *slog.Logger) AgentOption {
	return func(a *Agent) { a.logger = l }
}

// WithAgentTracer sets the tracer for run and phase spans.
func WithAgentTracer(t Tracer) AgentOption {
	return func(a *Agent) { a.tracer = t }
}

// WithAgentEmitter sets the lifecycle event emitter.
func WithAgentEmitter(e Emitter) AgentOption {
	return func(a *Agent) { a.emitter = e }
}

// WithPipeline replaces the default tool pipeline.
func WithPipeline(p *ToolPipeline) AgentOption {
	return func(a *Agent) { a.pipeline = p }
}

// WithDelegate enables delegate_to_agent actions.
func WithDelegate(fn DelegateFunc) AgentOption {
	return func(a *Agent) { a.delegate = fn }
}

// NewAgent creates an agent. The planner is required; the registry may be
// nil for planners that never act on tools.
func NewAgent(name string, planner Planner, registry ToolRegistry, opts ...AgentOption) (*Agent, error) {
	if planner == nil {
		return nil, errors.New("agent requires a planner")
	}
	a := &Agent{
		name:            name,
		planner:         planner,
		registry:        registry,
		emitter:         nopEmitter{},
		logger:          nopLogger,
		maxIterations:   defaultMaxIterations,
		thinkingTimeout: defaultThinkingTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}

	// Wrap the emitter with a counter before handing it to the pipeline so
	// tool lifecycle events count toward the emergency thresholds too.
	if counter, ok := a.emitter.(EventCounter); ok {
		a.counter = counter
	} else {
		wrapped := &countingEmitter{inner: a.emitter}
		a.emitter = wrapped
		a.counter = wrapped
	}

	if a.pipeline == nil {
		var exec ToolExecutor = registry
		if registry == nil {
			exec = noTools{}
		}
		a.pipeline = NewToolPipeline(exec,
			WithPipelineEmitter(a.emitter),
			WithPipelineTracer(a.tracer),
			WithPipelineLogger(a.logger))
	}
	a.planExec = NewPlanExecutor(a.pipeline, a.logger)
	return a, nil
}

// noTools is the executor used when no registry is configured.
type noTools struct{}

func (noTools) ExecuteCall(ctx context.Context, toolName string, input map[string]any) (any, error) {
	return nil, errors.New("no tool registry configured")
}

// Name returns the agent's identifier.
func (a *Agent) Name() string { return a.name }
