package keel

import (
	"context"
	"fmt"
	"time"
)

// Run executes the Think, Act, Observe loop until a termination condition
// fires. The per-run PlannerMetadata gets a fresh correlation id when the
// caller leaves it empty.
func (a *Agent) Run(ctx context.Context, input string, md PlannerMetadata) (RunResult, error) {
	if md.CorrelationID == "" {
		md.CorrelationID = NewID()
	}
	if md.AgentName == "" {
		md.AgentName = a.name
	}
	if md.StartTime.IsZero() {
		md.StartTime = time.Now()
	}

	if a.tracer != nil {
		var span Span
		ctx, span = a.tracer.Start(ctx, "agent.run",
			StringAttr("agent.name", a.name),
			StringAttr("correlation.id", md.CorrelationID))
		defer span.End()
	}

	a.emitLifecycle(ctx, EventAgentStarted, map[string]any{"input": input}, md)
	a.logger.Info("agent run started",
		"agent", a.name, "correlation_id", md.CorrelationID)

	var history []StepExecution
	agentContext := map[string]any{}
	eventsAtStart := a.counter.EventCount()
	eventsBefore := eventsAtStart
	complete := false

	var lastObservation *ResultAnalysis
	reason := StopMaxIterations

	for iteration := 0; iteration < a.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return a.finish(ctx, history, lastObservation, StopByPlanner, md), err
		}

		ec := a.buildContext(input, history, iteration, md, agentContext, complete)
		if ec.IsComplete {
			reason = StopCompleted
			break
		}

		stepStart := time.Now()
		finalAllowed := iteration == a.maxIterations-1

		// Think.
		thought, err := a.think(ctx, ec)
		if err != nil {
			if finalAllowed {
				a.emitLifecycle(ctx, EventAgentError, map[string]any{"phase": "think", "error": err.Error()}, md)
				return a.finish(ctx, history, lastObservation, StopMaxIterations, md),
					fmt.Errorf("think failed on final iteration: %w", err)
			}
			a.logger.Warn("think failed, re-entering loop",
				"agent", a.name, "iteration", iteration, "error", err)
			continue
		}
		action := NormalizeAction(thought.Action)
		a.emitLifecycle(ctx, EventAgentThought, map[string]any{
			"reasoning": thought.Reasoning,
			"action":    string(action.Type),
		}, md)

		// Act.
		a.emitLifecycle(ctx, EventAgentAction, map[string]any{"action": string(action.Type)}, md)
		result := a.act(ctx, action, ec, md)
		a.emitLifecycle(ctx, EventAgentResult, map[string]any{"type": string(result.Type)}, md)

		// needs_replan feeds the next Think through the shared context; the
		// planner regenerates the plan.
		if result.Type == ResultNeedsReplan {
			agentContext["replanContext"] = result.ReplanContext
			agentContext["replanFeedback"] = result.Feedback
		} else {
			delete(agentContext, "replanContext")
			delete(agentContext, "replanFeedback")
		}

		// Observe.
		observation, err := a.planner.AnalyzeResult(ctx, result, ec)
		if err != nil {
			if finalAllowed {
				a.emitLifecycle(ctx, EventAgentError, map[string]any{"phase": "observe", "error": err.Error()}, md)
				return a.finish(ctx, history, lastObservation, StopMaxIterations, md),
					fmt.Errorf("observe failed on final iteration: %w", err)
			}
			a.logger.Warn("observe failed, re-entering loop",
				"agent", a.name, "iteration", iteration, "error", err)
			continue
		}
		lastObservation = &observation
		a.emitLifecycle(ctx, EventAgentObservation, map[string]any{
			"isComplete":     observation.IsComplete,
			"shouldContinue": observation.ShouldContinue,
		}, md)
		if len(observation.ReplanContext) > 0 {
			agentContext["replanContext"] = observation.ReplanContext
		}

		// History entries append strictly in iteration order.
		status := StepCompleted
		if result.Type == ResultError {
			status = StepFailed
		}
		resultCopy := result
		obsCopy := observation
		history = append(history, StepExecution{
			StepID:      NewID(),
			Iteration:   iteration,
			Thought:     thought.Reasoning,
			Action:      action,
			Status:      status,
			Result:      &resultCopy,
			Observation: &obsCopy,
			Duration:    time.Since(stepStart),
			ToolCalls:   result.ToolResults,
		})

		// Termination ladder, first match wins.
		if observation.IsComplete {
			reason = StopCompleted
			break
		}
		if !observation.ShouldContinue {
			reason = StopByPlanner
			break
		}
		if stagnated(history) {
			a.logger.Warn("run stagnated", "agent", a.name, "iteration", iteration)
			reason = StopStagnated
			break
		}
		eventsNow := a.counter.EventCount()
		if eventsNow-eventsBefore > emergencyEventsPerIteration ||
			eventsNow-eventsAtStart > emergencyEventsCumulative {
			a.logger.Error("emergency stop on event volume",
				"agent", a.name,
				"iteration_growth", eventsNow-eventsBefore,
				"cumulative", eventsNow-eventsAtStart)
			reason = StopEmergency
			break
		}
		eventsBefore = eventsNow
		complete = observation.IsComplete
	}

	return a.finish(ctx, history, lastObservation, reason, md), nil
}

// buildContext rebuilds the planner context from history. availableTools is
// re-derived from the registry snapshot each iteration, never mutated
// out-of-band.
func (a *Agent) buildContext(input string, history []StepExecution, iteration int, md PlannerMetadata, agentContext map[string]any, complete bool) *ExecutionContext {
	merged := make(map[string]any, len(agentContext)+1)
	for k, v := range agentContext {
		merged[k] = v
	}
	if a.registry != nil {
		merged["availableTools"] = a.registry.ToolNames()
	}
	return &ExecutionContext{
		Input:           input,
		History:         history,
		Iterations:      iteration,
		MaxIterations:   a.maxIterations,
		PlannerMetadata: md,
		AgentContext:    merged,
		IsComplete:      complete,
	}
}

// think calls the planner under a span with the thinking timeout.
func (a *Agent) think(ctx context.Context, ec *ExecutionContext) (Thought, error) {
	thinkCtx, cancel := context.WithTimeout(ctx, a.thinkingTimeout)
	defer cancel()

	if a.tracer != nil {
		spanCtx, span := a.tracer.Start(thinkCtx, "agent.think",
			IntAttr("iteration", ec.Iterations))
		defer span.End()
		thought, err := a.planner.Think(spanCtx, ec)
		if err != nil {
			span.Error(err)
		}
		return thought, err
	}
	return a.planner.Think(thinkCtx, ec)
}

// act dispatches the action. Failures are reported as error results; the
// planner decides in Observe whether to continue.
func (a *Agent) act(ctx context.Context, action AgentAction, ec *ExecutionContext, md PlannerMetadata) ActionResult {
	switch action.Type {
	case ActionFinalAnswer:
		return ActionResult{Type: ResultFinalAnswer, Content: action.Content}

	case ActionNeedMoreInfo:
		// The loop defers to the caller: the question is the final content.
		return ActionResult{Type: ResultFinalAnswer, Content: action.Question}

	case ActionDelegateToAgent:
		if a.delegate == nil {
			return ActionResult{
				Type:  ResultError,
				Error: fmt.Sprintf("no delegate configured for agent %s", action.AgentName),
			}
		}
		input, _ := action.Input["input"].(string)
		result, err := a.delegate(ctx, action.AgentName, input)
		if err != nil {
			return ActionResult{
				Type:  ResultError,
				Error: fmt.Sprintf("delegate to %s: %v", action.AgentName, err),
				Metadata: map[string]any{
					"errorContext": map[string]any{
						"toolName":      "delegate:" + action.AgentName,
						"errorMessage":  err.Error(),
						"timestamp":     NowUnixMilli(),
						"correlationId": md.CorrelationID,
					},
				},
			}
		}
		return result

	case ActionExecutePlan:
		return a.planExec.Execute(ctx, a.planner, ec, md.CorrelationID)

	default:
		return a.pipeline.Execute(ctx, action, md.CorrelationID)
	}
}

// stagnated reports whether the trailing window shows no progress: all
// actions in the window share one non-final type, or most of the window's
// results are errors.
func stagnated(history []StepExecution) bool {
	if len(history) < stagnationWindow {
		return false
	}
	window := history[len(history)-stagnationWindow:]

	sameType := true
	first := window[0].Action.Type
	for _, step := range window {
		if step.Action.Type != first {
			sameType = false
			break
		}
	}
	if sameType && first != ActionFinalAnswer {
		return true
	}

	errs := 0
	for _, step := range window {
		if step.Result != nil && step.Result.Type == ResultError {
			errs++
		}
	}
	return errs >= 2
}

// finish extracts the final content and emits the terminal event.
func (a *Agent) finish(ctx context.Context, history []StepExecution, lastObs *ResultAnalysis, reason StopReason, md PlannerMetadata) RunResult {
	content := extractFinalContent(history, lastObs)
	result := RunResult{
		Content:    content,
		Iterations: len(history),
		Reason:     reason,
		History:    history,
	}
	a.emitLifecycle(ctx, EventAgentCompleted, map[string]any{
		"reason":     string(reason),
		"iterations": len(history),
	}, md)
	a.logger.Info("agent run finished",
		"agent", a.name, "reason", reason, "iterations", len(history),
		"correlation_id", md.CorrelationID)
	return result
}

// extractFinalContent prefers the completing observation's feedback, then
// walks history backwards for the most recent non-empty content, then falls
// back to a fixed apology.
func extractFinalContent(history []StepExecution, lastObs *ResultAnalysis) string {
	if lastObs != nil && lastObs.IsComplete && lastObs.Feedback != "" {
		return lastObs.Feedback
	}
	for i := len(history) - 1; i >= 0; i-- {
		if r := history[i].Result; r != nil && r.IsSubstantial() {
			return r.Content
		}
	}
	return apologyContent
}

func (a *Agent) emitLifecycle(ctx context.Context, eventType string, data map[string]any, md PlannerMetadata) {
	ev := NewEvent(eventType, data).
		WithMeta(MetaCorrelationID, md.CorrelationID).
		WithMeta(MetaAgentID, md.AgentName)
	if md.TenantID != "" {
		ev = ev.WithMeta(MetaTenantID, md.TenantID)
	}
	a.emitter.Emit(ctx, ev)
}
