package keel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// PlanExecutor runs planner-produced plans step by step. Each step's args are
// resolved against prior step outputs before dispatch; unresolved references
// request a replan instead of executing with nulls.
type PlanExecutor struct {
	pipeline *ToolPipeline
	logger   *slog.Logger
}

// NewPlanExecutor creates a plan executor over the pipeline.
func NewPlanExecutor(pipeline *ToolPipeline, logger *slog.Logger) *PlanExecutor {
	if logger == nil {
		logger = nopLogger
	}
	return &PlanExecutor{pipeline: pipeline, logger: logger}
}

// Execute runs the plan for the current context. The planner supplies the
// plan via PlanProvider and, optionally, arg resolution via ArgResolver;
// without a resolver, raw args are dispatched as-is.
func (pe *PlanExecutor) Execute(ctx context.Context, planner Planner, ec *ExecutionContext, correlationID string) ActionResult {
	provider, ok := planner.(PlanProvider)
	if !ok {
		return ActionResult{
			Type:  ResultError,
			Error: "planner does not provide plans",
		}
	}
	plan, err := provider.PlanForContext(ctx, ec)
	if err != nil {
		return ActionResult{Type: ResultError, Error: fmt.Sprintf("retrieve plan: %v", err)}
	}
	if plan == nil || len(plan.Steps) == 0 {
		return ActionResult{Type: ResultError, Error: "no plan available for context"}
	}

	resolver, _ := planner.(ArgResolver)

	var stepResults []PlanStepResult
	var outcomes []ToolOutcome
	for _, step := range plan.Steps {
		args := step.Args
		if resolver != nil {
			resolved, err := resolver.ResolveArgs(ctx, step.Args, stepResults, ec)
			if err != nil {
				return ActionResult{
					Type:  ResultError,
					Error: fmt.Sprintf("resolve args for step %s: %v", step.ID, err),
				}
			}
			if len(resolved.Missing) > 0 {
				pe.logger.Info("plan step has unresolved references, requesting replan",
					"plan_id", plan.ID, "step_id", step.ID, "missing", resolved.Missing)
				return ActionResult{
					Type:     ResultNeedsReplan,
					Feedback: fmt.Sprintf("step %s could not resolve: %s", step.ID, strings.Join(resolved.Missing, ", ")),
					ReplanContext: map[string]any{
						"planId":       plan.ID,
						"failedStepId": step.ID,
						"missing":      resolved.Missing,
						"completed":    stepResults,
					},
				}
			}
			args = resolved.Args
		}

		result := pe.pipeline.executeSingle(ctx, step.Tool, args, correlationID)
		outcomes = append(outcomes, result.ToolResults...)
		if result.Type == ResultError {
			stepResults = append(stepResults, PlanStepResult{
				StepID: step.ID,
				Tool:   step.Tool,
				Err:    result.Error,
			})
			return ActionResult{
				Type:        ResultError,
				Error:       fmt.Sprintf("plan step %s failed: %s", step.ID, result.Error),
				Metadata:    result.Metadata,
				ToolResults: outcomes,
			}
		}
		var output any
		if len(result.ToolResults) > 0 {
			output = result.ToolResults[0].Result
		}
		stepResults = append(stepResults, PlanStepResult{
			StepID: step.ID,
			Tool:   step.Tool,
			Output: output,
		})
	}

	pe.logger.Info("plan completed", "plan_id", plan.ID, "steps", len(plan.Steps))
	return ActionResult{
		Type:        ResultToolResult,
		Content:     fmt.Sprintf("plan %s completed: %d steps", plan.ID, len(stepResults)),
		ToolResults: outcomes,
	}
}
