package keel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ToolPipeline dispatches planner actions to tools. Every call routes through
// the circuit breaker when one is configured, and emits lifecycle events
// (agent.action.start, agent.tool.completed, agent.tool.error) best-effort.
// Multi-tool strategies always return one outcome per input tool, in input
// order, except where the strategy's contract removes entries (sequential
// short-circuit) or marks skips (conditional).
type ToolPipeline struct {
	executor ToolExecutor
	breaker  *CircuitBreaker
	emitter  Emitter
	tracer   Tracer
	logger   *slog.Logger

	// defaultMaxConcurrency bounds dependency phases when the action does
	// not set one.
	defaultMaxConcurrency int
}

// PipelineOption configures a ToolPipeline.
type PipelineOption func(*ToolPipeline)

// WithPipelineBreaker guards every tool call with the breaker.
func WithPipelineBreaker(cb *CircuitBreaker) PipelineOption {
	return func(p *ToolPipeline) { p.breaker = cb }
}

// WithPipelineEmitter sets the lifecycle event emitter.
func WithPipelineEmitter(e Emitter) PipelineOption {
	return func(p *ToolPipeline) { p.emitter = e }
}

// WithPipelineTracer sets the tracer for tool spans.
func WithPipelineTracer(t Tracer) PipelineOption {
	return func(p *ToolPipeline) { p.tracer = t }
}

// WithPipelineLogger sets the structured logger.
func WithPipelineLogger(l *slog.Logger) PipelineOption {
	return func(p *ToolPipeline) { p.logger = l }
}

// WithPipelineMaxConcurrency sets the default intra-phase parallelism for
// dependency executions.
func WithPipelineMaxConcurrency(n int) PipelineOption {
	return func(p *ToolPipeline) { p.defaultMaxConcurrency = n }
}

// NewToolPipeline creates a pipeline over the executor.
func NewToolPipeline(executor ToolExecutor, opts ...PipelineOption) *ToolPipeline {
	p := &ToolPipeline{
		executor:              executor,
		emitter:               nopEmitter{},
		logger:                nopLogger,
		defaultMaxConcurrency: 4,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Execute dispatches the action and returns its result. correlationID tags
// every emitted lifecycle event.
func (p *ToolPipeline) Execute(ctx context.Context, action AgentAction, correlationID string) ActionResult {
	action = NormalizeAction(action)

	switch action.Type {
	case ActionToolCall:
		return p.executeSingle(ctx, action.ToolName, action.Input, correlationID)
	case ActionParallelTools:
		outcomes := p.executeParallel(ctx, action.Tools, action.Concurrency, action.FailFast, correlationID)
		return resultFromOutcomes(outcomes)
	case ActionSequentialTools:
		outcomes := p.executeSequential(ctx, action.Tools, action.StopOnError, correlationID)
		return resultFromOutcomes(outcomes)
	case ActionConditionalTools:
		outcomes := p.executeConditional(ctx, action.Tools, action.Conditions, correlationID)
		return resultFromOutcomes(outcomes)
	case ActionMixedTools:
		outcomes := p.executeMixed(ctx, action, correlationID)
		return resultFromOutcomes(outcomes)
	case ActionDependencyTools:
		outcomes, err := p.executeDependency(ctx, action, correlationID)
		if err != nil {
			return ActionResult{Type: ResultError, Error: err.Error()}
		}
		return resultFromOutcomes(outcomes)
	default:
		return ActionResult{
			Type:  ResultError,
			Error: fmt.Sprintf("pipeline cannot dispatch action type %s", action.Type),
		}
	}
}

// executeSingle routes one tool through the breaker. Rejection and timeout
// surface as an error-typed result; retry decisions belong to higher layers.
func (p *ToolPipeline) executeSingle(ctx context.Context, toolName string, input map[string]any, correlationID string) ActionResult {
	outcome := p.callTool(ctx, toolName, input, correlationID)
	if outcome.Err != "" {
		return ActionResult{
			Type:  ResultError,
			Error: outcome.Err,
			Metadata: map[string]any{
				"errorContext": map[string]any{
					"toolName":      toolName,
					"errorMessage":  outcome.Err,
					"timestamp":     NowUnixMilli(),
					"correlationId": correlationID,
				},
			},
			ToolResults: []ToolOutcome{outcome},
		}
	}
	return ActionResult{
		Type:        ResultToolResult,
		Content:     fmt.Sprintf("%v", outcome.Result),
		ToolResults: []ToolOutcome{outcome},
	}
}

// callTool invokes one tool with lifecycle events and an optional span.
func (p *ToolPipeline) callTool(ctx context.Context, toolName string, input map[string]any, correlationID string) ToolOutcome {
	if p.tracer != nil {
		var span Span
		ctx, span = p.tracer.Start(ctx, "tool.execute",
			StringAttr("tool.name", toolName),
			StringAttr("correlation.id", correlationID))
		defer span.End()
	}

	p.emit(ctx, EventActionStart, map[string]any{"toolName": toolName}, correlationID)

	start := time.Now()
	var result any
	var err error
	if p.breaker != nil {
		out := p.breaker.Execute(ctx, func(ctx context.Context) (any, error) {
			return p.executor.ExecuteCall(ctx, toolName, input)
		})
		result, err = out.Result, out.Err
	} else {
		result, err = p.executor.ExecuteCall(ctx, toolName, input)
	}
	elapsed := time.Since(start)

	if err != nil {
		p.logger.Warn("tool call failed",
			"tool", toolName, "duration", elapsed, "error", err)
		p.emit(ctx, EventToolError, map[string]any{
			"toolName": toolName,
			"error":    err.Error(),
		}, correlationID)
		return ToolOutcome{ToolName: toolName, Err: err.Error(), Duration: elapsed}
	}

	p.emit(ctx, EventToolCompleted, map[string]any{
		"toolName":   toolName,
		"durationMs": elapsed.Milliseconds(),
	}, correlationID)
	return ToolOutcome{ToolName: toolName, Result: result, Duration: elapsed}
}

// executeParallel fans out with bounded concurrency. Results keep input
// order regardless of completion order. failFast cancels pending siblings on
// the first error; already-running tools finish on their own timeout.
func (p *ToolPipeline) executeParallel(ctx context.Context, tools []ToolRequest, concurrency int, failFast bool, correlationID string) []ToolOutcome {
	n := len(tools)
	if n == 0 {
		return nil
	}
	if concurrency <= 0 || concurrency > n {
		concurrency = n
	}

	p.emit(ctx, EventParallelToolsStart, map[string]any{
		"tools":       toolNames(tools),
		"concurrency": concurrency,
	}, correlationID)

	runCtx := ctx
	var cancel context.CancelFunc
	if failFast {
		runCtx, cancel = context.WithCancel(ctx)
		defer cancel()
	}

	outcomes := make([]ToolOutcome, n)
	sem := NewSemaphore(concurrency)
	var wg sync.WaitGroup
	for i, req := range tools {
		wg.Add(1)
		go func(i int, req ToolRequest) {
			defer wg.Done()
			if err := sem.Acquire(runCtx); err != nil {
				outcomes[i] = ToolOutcome{ToolName: req.Name, Err: err.Error()}
				return
			}
			defer sem.Release()
			outcomes[i] = p.callTool(runCtx, req.Name, req.Input, correlationID)
			if failFast && outcomes[i].Err != "" {
				cancel()
			}
		}(i, req)
	}
	wg.Wait()

	p.emit(ctx, EventParallelToolsCompleted, map[string]any{
		"tools":  toolNames(tools),
		"errors": countErrors(outcomes),
	}, correlationID)
	return outcomes
}

// executeSequential runs tools in array order. With stopOnError, the
// remaining tools are absent from the result set.
func (p *ToolPipeline) executeSequential(ctx context.Context, tools []ToolRequest, stopOnError bool, correlationID string) []ToolOutcome {
	var outcomes []ToolOutcome
	for _, req := range tools {
		outcome := p.callTool(ctx, req.Name, req.Input, correlationID)
		outcomes = append(outcomes, outcome)
		if stopOnError && outcome.Err != "" {
			break
		}
	}
	return outcomes
}

// executeConditional evaluates each tool's predicate against the outcomes
// accumulated so far. Tools with no predicate always run; skipped tools get
// a marker entry with neither result nor error.
func (p *ToolPipeline) executeConditional(ctx context.Context, tools []ToolRequest, conditions map[string]ConditionFunc, correlationID string) []ToolOutcome {
	outcomes := make([]ToolOutcome, 0, len(tools))
	for _, req := range tools {
		if cond, ok := conditions[req.Name]; ok && !cond(outcomes) {
			outcomes = append(outcomes, ToolOutcome{ToolName: req.Name, Skipped: true})
			continue
		}
		outcomes = append(outcomes, p.callTool(ctx, req.Name, req.Input, correlationID))
	}
	return outcomes
}

// executeMixed picks a strategy. Explicit strategies override; adaptive
// chooses direct for 1 tool, parallel for 2 or 3 tools with no declared
// dependencies, sequential otherwise.
func (p *ToolPipeline) executeMixed(ctx context.Context, action AgentAction, correlationID string) []ToolOutcome {
	tools := action.Tools
	switch action.Strategy {
	case StrategyParallel:
		return p.executeParallel(ctx, tools, action.Concurrency, action.FailFast, correlationID)
	case StrategySequential:
		return p.executeSequential(ctx, tools, action.StopOnError, correlationID)
	case StrategyConditional:
		return p.executeConditional(ctx, tools, action.Conditions, correlationID)
	}

	switch {
	case len(tools) == 1:
		return []ToolOutcome{p.callTool(ctx, tools[0].Name, tools[0].Input, correlationID)}
	case len(tools) <= 3 && len(action.Dependencies) == 0:
		return p.executeParallel(ctx, tools, action.Concurrency, action.FailFast, correlationID)
	default:
		return p.executeSequential(ctx, tools, action.StopOnError, correlationID)
	}
}

// executeDependency topologically sorts tools into phases and runs phases in
// order, each phase in parallel up to the action's MaxConcurrency. failFast
// aborts subsequent phases; tools in aborted phases are absent from the
// result set.
func (p *ToolPipeline) executeDependency(ctx context.Context, action AgentAction, correlationID string) ([]ToolOutcome, error) {
	phases, err := topoPhases(action.Tools, action.Dependencies)
	if err != nil {
		return nil, err
	}

	maxConc := action.MaxConcurrency
	if maxConc <= 0 {
		maxConc = p.defaultMaxConcurrency
	}

	byName := make(map[string]ToolOutcome, len(action.Tools))
	for _, phase := range phases {
		phaseOutcomes := p.executeParallel(ctx, phase, maxConc, action.FailFast, correlationID)
		failed := false
		for _, o := range phaseOutcomes {
			byName[o.ToolName] = o
			if o.Err != "" {
				failed = true
			}
		}
		if action.FailFast && failed {
			break
		}
	}

	// Result order follows the input tool order.
	var outcomes []ToolOutcome
	for _, req := range action.Tools {
		if o, ok := byName[req.Name]; ok {
			outcomes = append(outcomes, o)
		}
	}
	return outcomes, nil
}

// topoPhases groups tools into dependency phases (Kahn's algorithm). Edges
// run From -> To, meaning To depends on From. Ties within a phase keep input
// order. A cycle or an edge naming an unknown tool is an error.
func topoPhases(tools []ToolRequest, deps []Dependency) ([][]ToolRequest, error) {
	byName := make(map[string]ToolRequest, len(tools))
	indegree := make(map[string]int, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
		indegree[t.Name] = 0
	}
	children := make(map[string][]string)
	for _, d := range deps {
		if _, ok := byName[d.From]; !ok {
			return nil, fmt.Errorf("dependency references unknown tool %s", d.From)
		}
		if _, ok := byName[d.To]; !ok {
			return nil, fmt.Errorf("dependency references unknown tool %s", d.To)
		}
		children[d.From] = append(children[d.From], d.To)
		indegree[d.To]++
	}

	var phases [][]ToolRequest
	remaining := len(tools)
	for remaining > 0 {
		var phase []ToolRequest
		for _, t := range tools {
			if deg, ok := indegree[t.Name]; ok && deg == 0 {
				phase = append(phase, t)
			}
		}
		if len(phase) == 0 {
			return nil, fmt.Errorf("dependency cycle among remaining tools")
		}
		for _, t := range phase {
			delete(indegree, t.Name)
			remaining--
			for _, child := range children[t.Name] {
				if _, ok := indegree[child]; ok {
					indegree[child]--
				}
			}
		}
		phases = append(phases, phase)
	}
	return phases, nil
}

// resultFromOutcomes folds an ordered outcome array into an ActionResult.
// Any error entry makes the aggregate an error result; the per-tool array is
// always carried so Observe can see partial successes.
func resultFromOutcomes(outcomes []ToolOutcome) ActionResult {
	errs := countErrors(outcomes)
	if errs > 0 {
		return ActionResult{
			Type:        ResultError,
			Error:       fmt.Sprintf("%d of %d tools failed", errs, len(outcomes)),
			ToolResults: outcomes,
		}
	}
	return ActionResult{
		Type:        ResultToolResult,
		Content:     summarizeOutcomes(outcomes),
		ToolResults: outcomes,
	}
}

// summarizeOutcomes builds a short textual content line for multi-tool
// results. The structured outcomes remain the source of truth.
func summarizeOutcomes(outcomes []ToolOutcome) string {
	ran := 0
	for _, o := range outcomes {
		if !o.Skipped {
			ran++
		}
	}
	return fmt.Sprintf("%d tools executed, %d skipped", ran, len(outcomes)-ran)
}

func (p *ToolPipeline) emit(ctx context.Context, eventType string, data map[string]any, correlationID string) {
	ev := NewEvent(eventType, data)
	if correlationID != "" {
		ev = ev.WithMeta(MetaCorrelationID, correlationID)
	}
	p.emitter.Emit(ctx, ev)
}

func toolNames(tools []ToolRequest) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

func countErrors(outcomes []ToolOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != "" {
			n++
		}
	}
	return n
}
