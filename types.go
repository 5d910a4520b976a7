package keel

import (
	"context"
	"encoding/json"
	"time"
)

// --- Event model ---

// Event is the unit of traffic through the queue, the bus, the event store
// and the dead-letter queue. Data is an opaque structured payload; Metadata
// carries the canonical routing keys (see the Meta* constants).
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`      // lowercase dotted namespace, e.g. "agent.tool.error"
	Timestamp int64          `json:"timestamp"` // ms since epoch
	Data      map[string]any `json:"data,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Canonical metadata keys.
const (
	MetaCorrelationID = "correlationId"
	MetaTenantID      = "tenantId"
	MetaAgentID       = "agentId"
	MetaWorkflowID    = "workflowId"
	MetaCompressed    = "compressed"
	MetaOriginalSize  = "originalSize"
)

// NewEvent builds an event of the given type with a fresh UUIDv7 id and the
// current timestamp.
func NewEvent(eventType string, data map[string]any) Event {
	return Event{
		ID:        NewID(),
		Type:      eventType,
		Timestamp: NowUnixMilli(),
		Data:      data,
	}
}

// WithMeta returns a copy of the event with the given metadata key set.
// The original event is not mutated.
func (e Event) WithMeta(key string, value any) Event {
	md := make(map[string]any, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		md[k] = v
	}
	md[key] = value
	e.Metadata = md
	return e
}

// MetaString returns a string metadata value, or "" if absent or not a string.
func (e Event) MetaString(key string) string {
	if v, ok := e.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// EncodedSize returns the byte length of the event's canonical JSON encoding.
// Used by the queue's size ladder (large/huge/max thresholds).
func (e Event) EncodedSize() int {
	b, err := json.Marshal(e)
	if err != nil {
		return 0
	}
	return len(b)
}

// TypeHead returns the first segment of the dotted event type
// ("agent.tool.error" -> "agent").
func (e Event) TypeHead() string {
	for i := 0; i < len(e.Type); i++ {
		if e.Type[i] == '.' {
			return e.Type[:i]
		}
	}
	return e.Type
}

// --- Agent actions (sealed tagged union) ---

// ActionType discriminates the AgentAction union.
type ActionType string

const (
	ActionToolCall         ActionType = "tool_call"
	ActionFinalAnswer      ActionType = "final_answer"
	ActionNeedMoreInfo     ActionType = "need_more_info"
	ActionDelegateToAgent  ActionType = "delegate_to_agent"
	ActionExecutePlan      ActionType = "execute_plan"
	ActionParallelTools    ActionType = "parallel_tools"
	ActionSequentialTools  ActionType = "sequential_tools"
	ActionConditionalTools ActionType = "conditional_tools"
	ActionMixedTools       ActionType = "mixed_tools"
	ActionDependencyTools  ActionType = "dependency_tools"
)

// MixedStrategy selects the execution strategy for mixed_tools actions.
type MixedStrategy string

const (
	StrategyParallel    MixedStrategy = "parallel"
	StrategySequential  MixedStrategy = "sequential"
	StrategyConditional MixedStrategy = "conditional"
	StrategyAdaptive    MixedStrategy = "adaptive"
)

// ToolRequest names one tool invocation inside a multi-tool action.
type ToolRequest struct {
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// Dependency is a directed edge From -> To meaning To depends on From.
type Dependency struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ConditionFunc decides whether a conditional tool runs, given the outcomes
// accumulated so far (input order, earlier tools first).
type ConditionFunc func(results []ToolOutcome) bool

// AgentAction is the planner's instruction for the Act phase. Type selects
// the variant; only that variant's fields are meaningful. Immutable once
// dispatched.
type AgentAction struct {
	Type ActionType `json:"type"`

	// tool_call
	ToolName string         `json:"toolName,omitempty"`
	Input    map[string]any `json:"input,omitempty"`

	// final_answer
	Content string `json:"content,omitempty"`

	// need_more_info
	Question string `json:"question,omitempty"`

	// delegate_to_agent (Input carries the delegated input)
	AgentName string `json:"agentName,omitempty"`

	// execute_plan
	PlanID string `json:"planId,omitempty"`

	// multi-tool variants
	Tools        []ToolRequest            `json:"tools,omitempty"`
	Concurrency  int                      `json:"concurrency,omitempty"`
	Timeout      time.Duration            `json:"timeout,omitempty"`
	FailFast     bool                     `json:"failFast,omitempty"`
	StopOnError  bool                     `json:"stopOnError,omitempty"`
	Conditions   map[string]ConditionFunc `json:"-"`
	Strategy     MixedStrategy            `json:"strategy,omitempty"`
	Dependencies []Dependency             `json:"dependencies,omitempty"`
	// MaxConcurrency bounds intra-phase parallelism for dependency_tools.
	MaxConcurrency int `json:"maxConcurrency,omitempty"`
}

// NormalizeAction fills in the Type tag for actions produced by planners that
// still signal the variant by shape (populated fields) rather than by tag.
// Already-tagged actions pass through unchanged.
func NormalizeAction(a AgentAction) AgentAction {
	if a.Type != "" {
		return a
	}
	switch {
	case a.ToolName != "":
		a.Type = ActionToolCall
	case a.Question != "":
		a.Type = ActionNeedMoreInfo
	case a.AgentName != "":
		a.Type = ActionDelegateToAgent
	case a.PlanID != "":
		a.Type = ActionExecutePlan
	case len(a.Dependencies) > 0:
		a.Type = ActionDependencyTools
	case a.Strategy != "":
		a.Type = ActionMixedTools
	case len(a.Tools) > 0:
		a.Type = ActionParallelTools
	default:
		a.Type = ActionFinalAnswer
	}
	return a
}

// --- Action results ---

// ResultType discriminates the ActionResult union.
type ResultType string

const (
	ResultToolResult  ResultType = "tool_result"
	ResultFinalAnswer ResultType = "final_answer"
	ResultError       ResultType = "error"
	ResultNeedsReplan ResultType = "needs_replan"
)

// ToolOutcome is one entry of the ordered per-tool result array returned by
// the pipeline. Exactly one of Result/Err is set, unless the tool was skipped
// by a conditional strategy, in which case neither is (Skipped marks it).
type ToolOutcome struct {
	ToolName string        `json:"toolName"`
	Result   any           `json:"result,omitempty"`
	Err      string        `json:"error,omitempty"`
	Skipped  bool          `json:"skipped,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// ActionResult is the Act phase's report to Observe.
type ActionResult struct {
	Type          ResultType     `json:"type"`
	Content       string         `json:"content,omitempty"`
	Error         string         `json:"error,omitempty"`
	Feedback      string         `json:"feedback,omitempty"`
	ReplanContext map[string]any `json:"replanContext,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	// ToolResults carries the ordered per-tool outcomes for multi-tool actions.
	ToolResults []ToolOutcome `json:"toolResults,omitempty"`
}

// IsSubstantial reports whether the result carries non-empty, non-error
// content worth surfacing to the caller.
func (r ActionResult) IsSubstantial() bool {
	return r.Type != ResultError && r.Content != ""
}

// --- Planner contract ---

// Thought is the Think phase's output: reasoning plus the next action.
type Thought struct {
	Reasoning  string      `json:"reasoning"`
	Action     AgentAction `json:"action"`
	Confidence float64     `json:"confidence,omitempty"`
}

// ResultAnalysis is the Observe phase's output.
type ResultAnalysis struct {
	IsComplete     bool           `json:"isComplete"`
	ShouldContinue bool           `json:"shouldContinue"`
	Feedback       string         `json:"feedback,omitempty"`
	ReplanContext  map[string]any `json:"replanContext,omitempty"`
}

// Planner converts context and history into the next action and interprets
// results. Implementations typically wrap an LLM adapter; keel treats them
// as external collaborators.
type Planner interface {
	Think(ctx context.Context, ec *ExecutionContext) (Thought, error)
	AnalyzeResult(ctx context.Context, result ActionResult, ec *ExecutionContext) (ResultAnalysis, error)
}

// PlanProvider is an optional planner capability: retrieving the plan for the
// current execution context. Check via type assertion.
type PlanProvider interface {
	PlanForContext(ctx context.Context, ec *ExecutionContext) (*Plan, error)
}

// ArgResolver is an optional planner capability: resolving a plan step's raw
// args against prior step outputs. A non-empty Missing forces a replan.
type ArgResolver interface {
	ResolveArgs(ctx context.Context, rawArgs map[string]any, steps []PlanStepResult, ec *ExecutionContext) (ResolvedArgs, error)
}

// ResolvedArgs is the arg-resolution contract's return value.
type ResolvedArgs struct {
	Args    map[string]any `json:"args"`
	Missing []string       `json:"missing,omitempty"`
}

// --- Plans ---

// Plan is an ordered list of tool steps produced by a planner.
type Plan struct {
	ID    string     `json:"id"`
	Steps []PlanStep `json:"steps"`
}

// PlanStep is one tool invocation inside a plan. Args may reference prior
// step outputs; references are resolved by an ArgResolver before dispatch.
type PlanStep struct {
	ID   string         `json:"id"`
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// PlanStepResult records the outcome of one executed plan step.
type PlanStepResult struct {
	StepID string `json:"stepId"`
	Tool   string `json:"tool"`
	Output any    `json:"output,omitempty"`
	Err    string `json:"error,omitempty"`
}

// --- Execution history ---

// StepStatus classifies a StepExecution.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
)

// StepExecution is appended to the run history once per iteration.
type StepExecution struct {
	StepID      string          `json:"stepId"`
	Iteration   int             `json:"iteration"`
	Thought     string          `json:"thought"`
	Action      AgentAction     `json:"action"`
	Status      StepStatus      `json:"status"`
	Result      *ActionResult   `json:"result,omitempty"`
	Observation *ResultAnalysis `json:"observation,omitempty"`
	Duration    time.Duration   `json:"duration"`
	ToolCalls   []ToolOutcome   `json:"toolCalls,omitempty"`
}

// PlannerMetadata identifies the run for the planner.
type PlannerMetadata struct {
	AgentName     string    `json:"agentName"`
	CorrelationID string    `json:"correlationId"`
	TenantID      string    `json:"tenantId,omitempty"`
	Thread        string    `json:"thread,omitempty"`
	StartTime     time.Time `json:"startTime"`
}

// ExecutionContext is rebuilt from history on every iteration and handed to
// the planner. Never shared between agents.
type ExecutionContext struct {
	Input           string          `json:"input"`
	History         []StepExecution `json:"history"`
	Iterations      int             `json:"iterations"`
	MaxIterations   int             `json:"maxIterations"`
	PlannerMetadata PlannerMetadata `json:"plannerMetadata"`
	AgentContext    map[string]any  `json:"agentContext,omitempty"`
	IsComplete      bool            `json:"isComplete"`
}

// --- Tool executor contract ---

// ToolExecutor executes a named tool. Implementations are external
// collaborators (MCP clients, HTTP tools, in-process functions).
type ToolExecutor interface {
	ExecuteCall(ctx context.Context, toolName string, input map[string]any) (any, error)
}

// ToolRegistry is a ToolExecutor that can also enumerate its tools. The agent
// core derives the planner's availableTools snapshot from it each iteration.
type ToolRegistry interface {
	ToolExecutor
	ToolNames() []string
}
