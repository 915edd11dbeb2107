package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/venueos/mailflow/internal/expressions"
	"github.com/venueos/mailflow/internal/graph"
	"github.com/venueos/mailflow/internal/handlers"
	"github.com/venueos/mailflow/internal/logging"
	"github.com/venueos/mailflow/internal/streaming"
	"github.com/venueos/mailflow/internal/store"
	"github.com/venueos/mailflow/pkg/schema"
)

// walk runs the sequential cursor loop from the trigger node until a
// terminal node, a failure, or cancellation. Every status write is guarded
// by a compare-and-set so a cancel racing the loop always wins.
func (e *executorImpl) walk(ctx context.Context, g *graph.Graph, execID, orgID, venueID string, vars map[string]any) *ExecutionResult {
	result := &ExecutionResult{
		ExecutionID: execID,
		Status:      schema.ExecutionStatusRunning,
		Variables:   vars,
	}

	cursor := g.Trigger
	for cursor != "" {
		if e.cancelled(ctx, execID) {
			result.Status = schema.ExecutionStatusCancelled
			return result
		}

		node, ok := g.Nodes[cursor]
		if !ok {
			err := schema.NewErrorf(schema.ErrCodeUnreachableNode, "edge references undefined node %q", cursor)
			return e.finishFailed(ctx, g, execID, result, err)
		}
		cfg := g.Configs[cursor]
		stepCtx := logging.WithNodeID(ctx, cursor)

		step, err := e.store.GetStep(stepCtx, execID, cursor)
		if err != nil {
			return e.finishFailed(ctx, g, execID, result,
				schema.NewErrorf(schema.ErrCodeStore, "load step %s: %s", cursor, err.Error()).WithNode(cursor).WithCause(err))
		}

		// Pinned or already-completed steps are not re-dispatched; their
		// stored output drives the edge decision as if freshly computed,
		// including ending the walk on terminal node types.
		if step.Status == schema.StepStatusCompleted {
			var output map[string]any
			if len(step.OutputData) > 0 {
				_ = json.Unmarshal(step.OutputData, &output)
			}
			mergeOutput(vars, node.Name, output)
			e.persistVariables(ctx, execID, vars)
			if node.Type == schema.NodeTypeMove || node.Type == schema.NodeTypeExit {
				return e.finishCompleted(ctx, g, execID, result, vars)
			}
			cursor = g.Next(cursor, storedHandle(node.Type, output))
			continue
		}

		// Promote a provisionally skipped node that the walk reached.
		if step.Status == schema.StepStatusSkipped {
			if !e.promote(stepCtx, execID, cursor) {
				result.Status = schema.ExecutionStatusCancelled
				return result
			}
		}

		startedAt := time.Now().UTC()
		swapped, err := e.store.CompareAndSetStepStatus(stepCtx, execID, cursor,
			schema.StepStatusPending, schema.StepStatusRunning,
			store.StepUpdate{StartedAt: &startedAt})
		if err != nil {
			return e.finishFailed(ctx, g, execID, result,
				schema.NewErrorf(schema.ErrCodeStore, "start step %s: %s", cursor, err.Error()).WithNode(cursor).WithCause(err))
		}
		if !swapped {
			// A cancel got here first; drop the write silently.
			e.logger.InfoContext(stepCtx, "step write dropped, execution cancelled")
			result.Status = schema.ExecutionStatusCancelled
			return result
		}
		_ = e.stepFSM.Transition(stepCtx, execID, cursor, schema.StepStatusPending, schema.StepStatusRunning)
		e.publish(stepCtx, streaming.StreamEvent{ExecutionID: execID, NodeID: cursor, EventType: schema.EventStepStarted})

		req := &handlers.Request{
			ExecutionID:    execID,
			OrganizationID: orgID,
			VenueID:        venueID,
			Node:           node,
			Config:         cfg,
			Variables:      vars,
		}
		e.resolveInput(stepCtx, execID, cursor, cfg, vars, req)

		res, dispatchErr := e.dispatch(stepCtx, execID, cursor, node, cfg, req)

		if dispatchErr != nil {
			next, handled := e.handleStepFailure(stepCtx, g, execID, cursor, cfg, dispatchErr, result)
			if !handled {
				return result
			}
			cursor = next
			continue
		}

		// Success: merge output, stamp the step, pick the edge.
		mergeOutput(vars, node.Name, res.Output)

		completedAt := time.Now().UTC()
		durationMs := completedAt.Sub(startedAt).Milliseconds()
		update := store.StepUpdate{CompletedAt: &completedAt, DurationMs: &durationMs}
		if res.Output != nil {
			update.OutputData, _ = json.Marshal(res.Output)
		}
		if res.ResolvedPrompt != "" {
			update.ResolvedPrompt = &res.ResolvedPrompt
		}
		swapped, err = e.store.CompareAndSetStepStatus(stepCtx, execID, cursor,
			schema.StepStatusRunning, schema.StepStatusCompleted, update)
		if err != nil || !swapped {
			if err != nil {
				e.logger.WarnContext(stepCtx, "persist step completion failed", "error", err)
			} else {
				e.logger.InfoContext(stepCtx, "step write dropped, execution cancelled")
			}
			result.Status = schema.ExecutionStatusCancelled
			return result
		}
		_ = e.stepFSM.Transition(stepCtx, execID, cursor, schema.StepStatusRunning, schema.StepStatusCompleted)
		e.publish(stepCtx, streaming.StreamEvent{ExecutionID: execID, NodeID: cursor, EventType: schema.EventStepCompleted, Payload: res.Output})
		e.emitOutcomeEvents(stepCtx, execID, cursor, node.Type, res)
		e.persistVariables(ctx, execID, vars)

		if res.Violation != nil {
			result.Violation = res.Violation
		}

		if res.Terminal {
			return e.finishCompleted(ctx, g, execID, result, vars)
		}

		handle := res.Handle
		if handle == "" {
			handle = schema.HandleOutput
		}
		next := g.Next(cursor, handle)
		if next == "" {
			// No outgoing edge on the chosen handle: the walk ends. A
			// guardrail violation with no negative edge is a successful,
			// intentional stop carrying the block payload.
			return e.finishCompleted(ctx, g, execID, result, vars)
		}
		cursor = next
	}

	return e.finishCompleted(ctx, g, execID, result, vars)
}

// dispatch invokes the node handler, wrapped in retry and circuit breaking
// for external calls. Condition and trigger evaluation is pure and runs
// bare; exit nodes likewise.
func (e *executorImpl) dispatch(ctx context.Context, execID, nodeID string, node *schema.WorkflowNode, cfg *schema.NodeConfig, req *handlers.Request) (*handlers.Result, error) {
	handler, err := e.registry.Get(node.Type)
	if err != nil {
		return nil, err
	}

	switch node.Type {
	case schema.NodeTypeTrigger, schema.NodeTypeCondition, schema.NodeTypeExit:
		return handler.Execute(ctx, req)
	}

	operation := breakerOperation(node.Type, cfg)
	policy := e.retryPolicy(cfg)

	attempt := 0
	return WithRetryIf(ctx, policy, func(ctx context.Context) (*handlers.Result, error) {
		attempt++
		if attempt > 1 {
			e.recordRetryAttempt(ctx, execID, nodeID, attempt, policy.MaxAttempts)
		}

		if err := e.breaker.Allow(operation); err != nil {
			return nil, err
		}
		res, err := handler.Execute(ctx, req)
		if err != nil {
			if e.breaker.RecordFailure(operation) == CircuitOpen {
				stats, _ := json.Marshal(e.breaker.Stats(operation))
				_ = e.eventLog.AppendEvent(ctx, &store.Event{
					ExecutionID: execID,
					NodeID:      nodeID,
					Type:        schema.EventCircuitBreakerOpen,
					Payload:     stats,
				})
			}
			return nil, err
		}
		e.breaker.RecordSuccess(operation)
		return res, nil
	})
}

func breakerOperation(nodeType schema.NodeType, cfg *schema.NodeConfig) string {
	switch nodeType {
	case schema.NodeTypeAgent:
		if cfg != nil && cfg.Agent != nil {
			return "agent:" + cfg.Agent.Kind
		}
		return "agent"
	case schema.NodeTypeGuardrail:
		if cfg != nil && cfg.Guardrail != nil {
			return "guardrail:" + cfg.Guardrail.Category
		}
		return "guardrail"
	case schema.NodeTypeMove:
		return "mailbox:move"
	default:
		return "node:" + string(nodeType)
	}
}

func (e *executorImpl) retryPolicy(cfg *schema.NodeConfig) *schema.RetryPolicy {
	if cfg != nil && cfg.Agent != nil && cfg.Agent.Retry != nil {
		return cfg.Agent.Retry
	}
	return e.config.DefaultRetry
}

func (e *executorImpl) recordRetryAttempt(ctx context.Context, execID, nodeID string, attempt, maxAttempts int) {
	payload, _ := json.Marshal(map[string]any{
		"attempt":      attempt,
		"max_attempts": maxAttempts,
	})
	_ = e.eventLog.AppendEvent(ctx, &store.Event{
		ExecutionID: execID,
		NodeID:      nodeID,
		Type:        schema.EventStepRetryAttempt,
		Payload:     payload,
	})
	retryCount := attempt - 1
	_ = e.store.UpdateStep(ctx, execID, nodeID, store.StepUpdate{RetryCount: &retryCount})
}

// resolveInput materializes the node's templated input against the variable
// bag before dispatch, persisting it on the step for observability.
func (e *executorImpl) resolveInput(ctx context.Context, execID, nodeID string, cfg *schema.NodeConfig, vars map[string]any, req *handlers.Request) {
	if cfg == nil || cfg.Agent == nil || len(cfg.Agent.Input) == 0 {
		return
	}
	var raw map[string]any
	if err := json.Unmarshal(cfg.Agent.Input, &raw); err != nil {
		return
	}
	resolved := expressions.Resolve(raw, vars)
	req.Input = resolved
	if data, err := json.Marshal(resolved); err == nil {
		_ = e.store.UpdateStep(ctx, execID, nodeID, store.StepUpdate{InputData: data})
	}
}

// handleStepFailure stamps the failed step and decides whether the walk can
// continue through a configured error edge. Returns (nextNode, true) to
// continue or ("", false) when the run is over.
func (e *executorImpl) handleStepFailure(ctx context.Context, g *graph.Graph, execID, nodeID string, cfg *schema.NodeConfig, dispatchErr error, result *ExecutionResult) (string, bool) {
	now := time.Now().UTC()
	errDetails, _ := json.Marshal(map[string]string{"error": dispatchErr.Error()})

	swapped, err := e.store.CompareAndSetStepStatus(ctx, execID, nodeID,
		schema.StepStatusRunning, schema.StepStatusFailed,
		store.StepUpdate{ErrorDetails: errDetails, CompletedAt: &now})
	if err != nil {
		e.logger.WarnContext(ctx, "persist step failure failed", "error", err)
	}
	if !swapped && err == nil {
		e.logger.InfoContext(ctx, "step write dropped, execution cancelled")
		result.Status = schema.ExecutionStatusCancelled
		return "", false
	}
	_ = e.stepFSM.Transition(ctx, execID, nodeID, schema.StepStatusRunning, schema.StepStatusFailed)
	e.publish(ctx, streaming.StreamEvent{
		ExecutionID: execID,
		NodeID:      nodeID,
		EventType:   schema.EventStepFailed,
		Payload:     map[string]any{"error": dispatchErr.Error()},
	})

	// An agent node may route failures to a recovery node instead of
	// failing the run.
	if cfg != nil && cfg.Agent != nil && cfg.Agent.OnErrorNode != "" {
		errorNode := cfg.Agent.OnErrorNode
		if _, ok := g.Nodes[errorNode]; ok {
			if !e.promote(ctx, execID, errorNode) {
				result.Status = schema.ExecutionStatusCancelled
				return "", false
			}
			e.logger.InfoContext(ctx, "routing step failure to error node", "error_node", errorNode)
			return errorNode, true
		}
	}

	e.finishFailed(ctx, g, execID, result, asFlowError(nodeID, dispatchErr))
	return "", false
}

// promote moves a provisionally skipped step back to pending so it can be
// dispatched. Returns false when cancellation won instead.
func (e *executorImpl) promote(ctx context.Context, execID, nodeID string) bool {
	swapped, err := e.store.CompareAndSetStepStatus(ctx, execID, nodeID,
		schema.StepStatusSkipped, schema.StepStatusPending, store.StepUpdate{})
	if err != nil || !swapped {
		// Already pending is fine; anything else means cancellation.
		step, gerr := e.store.GetStep(ctx, execID, nodeID)
		if gerr == nil && step.Status == schema.StepStatusPending {
			return true
		}
		return false
	}
	_ = e.stepFSM.Transition(ctx, execID, nodeID, schema.StepStatusSkipped, schema.StepStatusPending)
	e.publish(ctx, streaming.StreamEvent{ExecutionID: execID, NodeID: nodeID, EventType: schema.EventStepPromoted})
	return true
}

// emitOutcomeEvents records branch decisions and guardrail outcomes in the
// event log for audit.
func (e *executorImpl) emitOutcomeEvents(ctx context.Context, execID, nodeID string, nodeType schema.NodeType, res *handlers.Result) {
	switch nodeType {
	case schema.NodeTypeCondition:
		payload, _ := json.Marshal(res.Output)
		_ = e.eventLog.AppendEvent(ctx, &store.Event{
			ExecutionID: execID, NodeID: nodeID,
			Type: schema.EventConditionEvaluated, Payload: payload,
		})

	case schema.NodeTypeGuardrail:
		eventType := schema.EventGuardrailPassed
		if res.Violation != nil {
			eventType = schema.EventGuardrailViolated
		}
		payload, _ := json.Marshal(res.Output)
		_ = e.eventLog.AppendEvent(ctx, &store.Event{
			ExecutionID: execID, NodeID: nodeID,
			Type: eventType, Payload: payload,
		})
		e.publish(ctx, streaming.StreamEvent{ExecutionID: execID, NodeID: nodeID, EventType: eventType, Payload: res.Output})
	}
}

// finishCompleted ends the run successfully, skipping any steps the walk
// never reached.
func (e *executorImpl) finishCompleted(ctx context.Context, g *graph.Graph, execID string, result *ExecutionResult, vars map[string]any) *ExecutionResult {
	e.skipRemaining(ctx, execID)

	now := time.Now().UTC()
	varsJSON, _ := json.Marshal(vars)
	update := store.ExecutionUpdate{FinishedAt: &now, Variables: varsJSON}
	if exec, err := e.store.GetExecution(ctx, execID); err == nil && exec.StartedAt != nil {
		d := now.Sub(*exec.StartedAt).Milliseconds()
		update.DurationMs = &d
	}

	swapped, err := e.store.CompareAndSetExecutionStatus(ctx, execID,
		schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, update)
	if err != nil || !swapped {
		result.Status = schema.ExecutionStatusCancelled
		result.FinishedAt = &now
		return result
	}
	_ = e.execFSM.Transition(ctx, execID, schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted)
	e.publish(ctx, streaming.StreamEvent{ExecutionID: execID, EventType: schema.EventExecutionCompleted})

	result.Status = schema.ExecutionStatusCompleted
	result.FinishedAt = &now
	return result
}

// finishFailed ends the run with a failure, unless cancellation already won.
func (e *executorImpl) finishFailed(ctx context.Context, g *graph.Graph, execID string, result *ExecutionResult, failure *schema.FlowError) *ExecutionResult {
	e.skipRemaining(ctx, execID)

	now := time.Now().UTC()
	msg := failure.Error()
	update := store.ExecutionUpdate{FinishedAt: &now, ErrorMessage: &msg}
	if exec, err := e.store.GetExecution(ctx, execID); err == nil && exec.StartedAt != nil {
		d := now.Sub(*exec.StartedAt).Milliseconds()
		update.DurationMs = &d
	}

	swapped, err := e.store.CompareAndSetExecutionStatus(ctx, execID,
		schema.ExecutionStatusRunning, schema.ExecutionStatusFailed, update)
	if err != nil || !swapped {
		result.Status = schema.ExecutionStatusCancelled
		result.FinishedAt = &now
		return result
	}
	_ = e.execFSM.Transition(ctx, execID, schema.ExecutionStatusRunning, schema.ExecutionStatusFailed)
	e.publish(ctx, streaming.StreamEvent{
		ExecutionID: execID,
		EventType:   schema.EventExecutionFailed,
		Payload:     map[string]any{"error": msg},
	})

	result.Status = schema.ExecutionStatusFailed
	result.Error = failure
	result.FinishedAt = &now
	return result
}

// skipRemaining marks steps the walk never dispatched as skipped.
func (e *executorImpl) skipRemaining(ctx context.Context, execID string) {
	steps, err := e.store.ListSteps(ctx, execID)
	if err != nil {
		return
	}
	for _, st := range steps {
		if st.Status != schema.StepStatusPending {
			continue
		}
		if ok, _ := e.store.CompareAndSetStepStatus(ctx, execID, st.NodeID,
			schema.StepStatusPending, schema.StepStatusSkipped, store.StepUpdate{}); ok {
			_ = e.stepFSM.Transition(ctx, execID, st.NodeID, schema.StepStatusPending, schema.StepStatusSkipped)
		}
	}
}

// persistVariables writes the current variable bag, guarded so a cancelled
// run is never touched.
func (e *executorImpl) persistVariables(ctx context.Context, execID string, vars map[string]any) {
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return
	}
	_, _ = e.store.CompareAndSetExecutionStatus(ctx, execID,
		schema.ExecutionStatusRunning, schema.ExecutionStatusRunning,
		store.ExecutionUpdate{Variables: varsJSON})
}

// cancelled reports whether the run has been cancelled, either through the
// walk context or the persisted status.
func (e *executorImpl) cancelled(ctx context.Context, execID string) bool {
	if ctx.Err() != nil {
		return true
	}
	exec, err := e.store.GetExecution(ctx, execID)
	if err != nil {
		return false
	}
	return exec.Status == schema.ExecutionStatusCancelled
}

// storedHandle derives the edge decision from a stored (pinned or replayed)
// output, mirroring what the live handler would have chosen.
func storedHandle(nodeType schema.NodeType, output map[string]any) string {
	switch nodeType {
	case schema.NodeTypeCondition:
		if b, ok := output["result"].(bool); ok && b {
			return schema.HandlePositiveOutput
		}
		return schema.HandleNegativeOutput
	case schema.NodeTypeGuardrail:
		if b, ok := output["continue"].(bool); ok && !b {
			return schema.HandleNegativeOutput
		}
		return schema.HandlePositiveOutput
	default:
		return schema.HandleOutput
	}
}

func asFlowError(nodeID string, err error) *schema.FlowError {
	if fe, ok := err.(*schema.FlowError); ok {
		return fe
	}
	return schema.NewErrorf(schema.ErrCodeStepFailed, "step %s: %s", nodeID, err.Error()).WithNode(nodeID)
}
