package keel

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

// scriptStep is one scripted iteration: the thought Think returns and the
// analysis Observe returns for that iteration's result.
type scriptStep struct {
	thought  Thought
	thinkErr error
	analysis ResultAnalysis
	obsErr   error
}

// scriptedPlanner replays a fixed script and records what it was shown.
type scriptedPlanner struct {
	mu       sync.Mutex
	steps    []scriptStep
	i        int
	contexts []*ExecutionContext
	results  []ActionResult
}

func (p *scriptedPlanner) Think(ctx context.Context, ec *ExecutionContext) (Thought, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.contexts = append(p.contexts, ec)
	if p.i >= len(p.steps) {
		return Thought{}, errors.New("script exhausted")
	}
	step := p.steps[p.i]
	p.i++
	return step.thought, step.thinkErr
}

func (p *scriptedPlanner) AnalyzeResult(ctx context.Context, result ActionResult, ec *ExecutionContext) (ResultAnalysis, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results = append(p.results, result)
	step := p.steps[p.i-1]
	return step.analysis, step.obsErr
}

func toolCall(name string) Thought {
	return Thought{Reasoning: "use " + name, Action: AgentAction{Type: ActionToolCall, ToolName: name}}
}

func finalAnswer(content string) Thought {
	return Thought{Reasoning: "done", Action: AgentAction{Type: ActionFinalAnswer, Content: content}}
}

var continueAnalysis = ResultAnalysis{ShouldContinue: true}

func TestNewAgentRequiresPlanner(t *testing.T) {
	if _, err := NewAgent("a", nil, nil); err == nil {
		t.Fatal("nil planner should be rejected")
	}
}

func TestRunFinalAnswer(t *testing.T) {
	planner := &scriptedPlanner{steps: []scriptStep{
		{thought: finalAnswer("42"), analysis: ResultAnalysis{IsComplete: true}},
	}}
	a, err := NewAgent("calc", planner, nil)
	if err != nil {
		t.Fatal(err)
	}

	res, err := a.Run(context.Background(), "what is 6*7?", PlannerMetadata{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Reason != StopCompleted {
		t.Errorf("reason = %s, want completed", res.Reason)
	}
	if res.Content != "42" {
		t.Errorf("content = %q, want 42", res.Content)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
}

func TestRunPrefersCompletingFeedback(t *testing.T) {
	planner := &scriptedPlanner{steps: []scriptStep{
		{thought: finalAnswer("raw"), analysis: ResultAnalysis{IsComplete: true, Feedback: "polished answer"}},
	}}
	a, _ := NewAgent("calc", planner, nil)

	res, err := a.Run(context.Background(), "q", PlannerMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "polished answer" {
		t.Errorf("content = %q, want the completing observation's feedback", res.Content)
	}
}

func TestRunNeedMoreInfoSurfacesQuestion(t *testing.T) {
	planner := &scriptedPlanner{steps: []scriptStep{
		{
			thought:  Thought{Action: AgentAction{Type: ActionNeedMoreInfo, Question: "which region?"}},
			analysis: ResultAnalysis{IsComplete: true},
		},
	}}
	a, _ := NewAgent("ops", planner, nil)

	res, err := a.Run(context.Background(), "deploy it", PlannerMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "which region?" {
		t.Errorf("content = %q, want the clarifying question", res.Content)
	}
}

func TestRunToolCallThenAnswer(t *testing.T) {
	reg := registryWith(map[string]ToolFunc{
		"lookup": func(ctx context.Context, in map[string]any) (any, error) { return "paris", nil },
	})
	planner := &scriptedPlanner{steps: []scriptStep{
		{thought: toolCall("lookup"), analysis: continueAnalysis},
		{thought: finalAnswer("the capital is paris"), analysis: ResultAnalysis{IsComplete: true}},
	}}
	a, _ := NewAgent("geo", planner, reg)

	res, err := a.Run(context.Background(), "capital of france?", PlannerMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != StopCompleted || res.Iterations != 2 {
		t.Fatalf("reason = %s iterations = %d", res.Reason, res.Iterations)
	}
	// The planner observed the tool result before answering.
	if planner.results[0].Type != ResultToolResult || planner.results[0].Content != "paris" {
		t.Errorf("observed result = %+v", planner.results[0])
	}
	if res.History[0].ToolCalls[0].ToolName != "lookup" {
		t.Errorf("history tool calls = %+v", res.History[0].ToolCalls)
	}
}

func TestRunPlannerStop(t *testing.T) {
	reg := registryWith(map[string]ToolFunc{
		"probe": func(ctx context.Context, in map[string]any) (any, error) { return "nothing here", nil },
	})
	planner := &scriptedPlanner{steps: []scriptStep{
		{thought: toolCall("probe"), analysis: ResultAnalysis{ShouldContinue: false}},
	}}
	a, _ := NewAgent("x", planner, reg)

	res, err := a.Run(context.Background(), "q", PlannerMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != StopByPlanner {
		t.Errorf("reason = %s, want stopped_by_planner", res.Reason)
	}
	if res.Content != "nothing here" {
		t.Errorf("content = %q, want the last substantial result", res.Content)
	}
}

func TestRunStagnationOnRepeatedAction(t *testing.T) {
	reg := registryWith(map[string]ToolFunc{
		"spin": func(ctx context.Context, in map[string]any) (any, error) { return "same", nil },
	})
	planner := &scriptedPlanner{steps: []scriptStep{
		{thought: toolCall("spin"), analysis: continueAnalysis},
		{thought: toolCall("spin"), analysis: continueAnalysis},
		{thought: toolCall("spin"), analysis: continueAnalysis},
		{thought: toolCall("spin"), analysis: continueAnalysis},
	}}
	a, _ := NewAgent("x", planner, reg)

	res, err := a.Run(context.Background(), "q", PlannerMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != StopStagnated {
		t.Errorf("reason = %s, want stagnated", res.Reason)
	}
	if res.Iterations != 3 {
		t.Errorf("iterations = %d, want 3 (window size)", res.Iterations)
	}
}

func TestRunStagnationOnErrorStreak(t *testing.T) {
	reg := registryWith(map[string]ToolFunc{
		"flaky": failTool,
		"other": func(ctx context.Context, in map[string]any) (any, error) { return "ok", nil },
	})
	// Mixed action targets so the same-type rule does not fire first; two of
	// the trailing three results are errors.
	planner := &scriptedPlanner{steps: []scriptStep{
		{thought: toolCall("flaky"), analysis: continueAnalysis},
		{thought: Thought{Action: AgentAction{Type: ActionParallelTools, Tools: []ToolRequest{{Name: "other"}}}}, analysis: continueAnalysis},
		{thought: toolCall("flaky"), analysis: continueAnalysis},
	}}
	a, _ := NewAgent("x", planner, reg)

	res, err := a.Run(context.Background(), "q", PlannerMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != StopStagnated {
		t.Errorf("reason = %s, want stagnated (2 of last 3 were errors)", res.Reason)
	}
}

func TestRunMaxIterationsApology(t *testing.T) {
	reg := registryWith(map[string]ToolFunc{"flaky": failTool})
	planner := &scriptedPlanner{steps: []scriptStep{
		{thought: toolCall("flaky"), analysis: continueAnalysis},
		{thought: toolCall("flaky"), analysis: continueAnalysis},
	}}
	a, _ := NewAgent("x", planner, reg, WithMaxIterations(2))

	res, err := a.Run(context.Background(), "q", PlannerMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != StopMaxIterations {
		t.Errorf("reason = %s, want max_iterations", res.Reason)
	}
	if res.Content != apologyContent {
		t.Errorf("content = %q, want the fixed apology", res.Content)
	}
}

func TestRunThinkErrorRetries(t *testing.T) {
	planner := &scriptedPlanner{steps: []scriptStep{
		{thinkErr: errors.New("model unavailable")},
		{thought: finalAnswer("recovered"), analysis: ResultAnalysis{IsComplete: true}},
	}}
	a, _ := NewAgent("x", planner, nil, WithMaxIterations(3))

	res, err := a.Run(context.Background(), "q", PlannerMetadata{})
	if err != nil {
		t.Fatalf("transient think error should not fail the run: %v", err)
	}
	if res.Content != "recovered" || res.Reason != StopCompleted {
		t.Errorf("result = %+v", res)
	}
	// The failed iteration leaves no history entry.
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
}

func TestRunThinkErrorOnFinalIterationPropagates(t *testing.T) {
	planner := &scriptedPlanner{steps: []scriptStep{
		{thinkErr: errors.New("model unavailable")},
	}}
	a, _ := NewAgent("x", planner, nil, WithMaxIterations(1))

	_, err := a.Run(context.Background(), "q", PlannerMetadata{})
	if err == nil || !strings.Contains(err.Error(), "think failed on final iteration") {
		t.Fatalf("err = %v, want final-iteration think failure", err)
	}
}

func TestRunDelegate(t *testing.T) {
	planner := &scriptedPlanner{steps: []scriptStep{
		{
			thought: Thought{Action: AgentAction{
				Type:      ActionDelegateToAgent,
				AgentName: "researcher",
				Input:     map[string]any{"input": "find sources"},
			}},
			analysis: ResultAnalysis{IsComplete: true},
		},
	}}

	var gotAgent, gotInput string
	delegate := func(ctx context.Context, agentName, input string) (ActionResult, error) {
		gotAgent, gotInput = agentName, input
		return ActionResult{Type: ResultToolResult, Content: "three sources found"}, nil
	}
	a, _ := NewAgent("lead", planner, nil, WithDelegate(delegate))

	res, err := a.Run(context.Background(), "q", PlannerMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	if gotAgent != "researcher" || gotInput != "find sources" {
		t.Errorf("delegate called with %q/%q", gotAgent, gotInput)
	}
	if res.Content != "three sources found" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestRunDelegateUnconfigured(t *testing.T) {
	planner := &scriptedPlanner{steps: []scriptStep{
		{
			thought:  Thought{Action: AgentAction{Type: ActionDelegateToAgent, AgentName: "ghost"}},
			analysis: ResultAnalysis{ShouldContinue: false},
		},
	}}
	a, _ := NewAgent("lead", planner, nil)

	res, err := a.Run(context.Background(), "q", PlannerMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	if planner.results[0].Type != ResultError ||
		!strings.Contains(planner.results[0].Error, "no delegate configured") {
		t.Errorf("observed result = %+v", planner.results[0])
	}
	if res.History[0].Status != StepFailed {
		t.Errorf("history status = %s, want failed", res.History[0].Status)
	}
}

func TestRunAvailableToolsSnapshot(t *testing.T) {
	reg := registryWith(map[string]ToolFunc{"beta": echoTool, "alpha": echoTool})
	planner := &scriptedPlanner{steps: []scriptStep{
		{thought: finalAnswer("done"), analysis: ResultAnalysis{IsComplete: true}},
	}}
	a, _ := NewAgent("x", planner, reg)

	if _, err := a.Run(context.Background(), "q", PlannerMetadata{}); err != nil {
		t.Fatal(err)
	}
	tools, ok := planner.contexts[0].AgentContext["availableTools"].([]string)
	if !ok || len(tools) != 2 || tools[0] != "alpha" || tools[1] != "beta" {
		t.Errorf("availableTools = %v, want sorted [alpha beta]", planner.contexts[0].AgentContext["availableTools"])
	}
}

// amplifyingEmitter inflates its event count to trip the volume thresholds.
type amplifyingEmitter struct {
	n      int
	factor uint64
}

func (e *amplifyingEmitter) Emit(ctx context.Context, ev Event) { e.n++ }

func (e *amplifyingEmitter) EventCount() uint64 { return uint64(e.n) * e.factor }

func TestRunEmergencyStopOnEventVolume(t *testing.T) {
	planner := &scriptedPlanner{steps: []scriptStep{
		{thought: finalAnswer("keep going"), analysis: continueAnalysis},
		{thought: finalAnswer("keep going"), analysis: continueAnalysis},
	}}
	a, _ := NewAgent("x", planner, nil,
		WithAgentEmitter(&amplifyingEmitter{factor: 40}))

	res, err := a.Run(context.Background(), "q", PlannerMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Reason != StopEmergency {
		t.Errorf("reason = %s, want emergency_stop", res.Reason)
	}
	if res.Iterations != 1 {
		t.Errorf("iterations = %d, want 1", res.Iterations)
	}
}

func TestRunGeneratesCorrelationID(t *testing.T) {
	planner := &scriptedPlanner{steps: []scriptStep{
		{thought: finalAnswer("ok"), analysis: ResultAnalysis{IsComplete: true}},
	}}
	a, _ := NewAgent("x", planner, nil)

	if _, err := a.Run(context.Background(), "q", PlannerMetadata{}); err != nil {
		t.Fatal(err)
	}
	if planner.contexts[0].PlannerMetadata.CorrelationID == "" {
		t.Error("empty correlation id should be filled in")
	}
	if planner.contexts[0].PlannerMetadata.AgentName != "x" {
		t.Errorf("agent name = %q, want x", planner.contexts[0].PlannerMetadata.AgentName)
	}
}

// replanningPlanner scripts an execute_plan action whose first resolution
// fails, then answers using the replan feedback it received.
type replanningPlanner struct {
	scriptedPlanner
	plan     *Plan
	resolved bool
	feedback string
}

func (p *replanningPlanner) Think(ctx context.Context, ec *ExecutionContext) (Thought, error) {
	if fb, ok := ec.AgentContext["replanFeedback"].(string); ok {
		p.feedback = fb
		return finalAnswer("replanned"), nil
	}
	return Thought{Action: AgentAction{Type: ActionExecutePlan, PlanID: p.plan.ID}}, nil
}

func (p *replanningPlanner) AnalyzeResult(ctx context.Context, result ActionResult, ec *ExecutionContext) (ResultAnalysis, error) {
	if result.Type == ResultNeedsReplan {
		return ResultAnalysis{ShouldContinue: true}, nil
	}
	return ResultAnalysis{IsComplete: true}, nil
}

func (p *replanningPlanner) PlanForContext(ctx context.Context, ec *ExecutionContext) (*Plan, error) {
	return p.plan, nil
}

func (p *replanningPlanner) ResolveArgs(ctx context.Context, rawArgs map[string]any, steps []PlanStepResult, ec *ExecutionContext) (ResolvedArgs, error) {
	if !p.resolved {
		p.resolved = true
		return ResolvedArgs{Missing: []string{"$prior.output"}}, nil
	}
	return ResolvedArgs{Args: rawArgs}, nil
}

func TestRunReplanFeedbackReachesNextThink(t *testing.T) {
	reg := registryWith(map[string]ToolFunc{"fetch": echoTool})
	planner := &replanningPlanner{plan: &Plan{ID: "p1", Steps: []PlanStep{
		{ID: "s1", Tool: "fetch", Args: map[string]any{"src": "$prior.output"}},
	}}}
	a, _ := NewAgent("x", planner, reg)

	res, err := a.Run(context.Background(), "q", PlannerMetadata{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "replanned" {
		t.Errorf("content = %q", res.Content)
	}
	if !strings.Contains(planner.feedback, "step s1 could not resolve") {
		t.Errorf("replan feedback = %q", planner.feedback)
	}
}
