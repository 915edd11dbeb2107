package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/venueos/mailflow/internal/graph"
	"github.com/venueos/mailflow/internal/guardrail"
	"github.com/venueos/mailflow/internal/handlers"
	"github.com/venueos/mailflow/internal/logging"
	"github.com/venueos/mailflow/internal/streaming"
	"github.com/venueos/mailflow/internal/store"
	"github.com/venueos/mailflow/pkg/schema"
)

// Executor is the central workflow execution coordinator.
type Executor interface {
	// Start creates a new execution of the template and walks the graph to
	// completion. Pinned steps are created already completed and their
	// stored output is reused during the walk.
	Start(ctx context.Context, tpl *schema.WorkflowTemplate, trigger map[string]any, opts StartOptions) (*ExecutionResult, error)

	// Rerun starts a fresh execution of the same template as a prior run,
	// reusing its trigger payload and pinning the supplied step outputs.
	Rerun(ctx context.Context, executionID string, pins []StepPin) (*ExecutionResult, error)

	// Cancel terminates an execution. Cancellation is monotonic: cancelling
	// an already-cancelled run is a no-op, and no later write may move the
	// run away from cancelled.
	Cancel(ctx context.Context, executionID string, reason string) error

	// Status returns the current persisted state of an execution.
	Status(ctx context.Context, executionID string) (*ExecutionSnapshot, error)
}

// StartOptions carries optional parameters for Start.
type StartOptions struct {
	OrganizationID    string
	VenueID           string
	PinnedSteps       []StepPin
	ParentExecutionID string
}

// StepPin supplies a precomputed output for one node, addressed by node id,
// step name, or a positive step order. Consumed only at Start.
type StepPin struct {
	NodeID    string         `json:"node_id,omitempty"`
	StepName  string         `json:"step_name,omitempty"`
	StepOrder int            `json:"step_order,omitempty"`
	Output    map[string]any `json:"output_data"`
}

// ExecutionResult is returned by Start and Rerun with the run outcome.
type ExecutionResult struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Variables   map[string]any         `json:"variables,omitempty"`
	Violation   *guardrail.Violation   `json:"violation,omitempty"`
	Error       *schema.FlowError      `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  *time.Time             `json:"finished_at,omitempty"`
}

// ExecutionSnapshot is the queryable state of an execution.
type ExecutionSnapshot struct {
	Execution *store.Execution       `json:"execution"`
	Steps     []*store.ExecutionStep `json:"steps,omitempty"`
	Events    []*store.Event         `json:"events,omitempty"`
}

// EventLogger abstracts the event log operations needed by the executor.
// Satisfied by *store.EventLog and test mocks.
type EventLogger interface {
	EventAppender
	GetEvents(ctx context.Context, executionID string, since int64) ([]*store.Event, error)
}

// ExecutorConfig holds configuration for the executor.
type ExecutorConfig struct {
	CircuitBreaker *CircuitBreakerConfig // nil = defaults
	DefaultRetry   *schema.RetryPolicy   // applied to agent nodes without their own policy
}

// DefaultRetryPolicy is used for retryable dispatches that configure none.
var DefaultRetryPolicy = &schema.RetryPolicy{
	MaxAttempts:     3,
	BaseDelay:       "200ms",
	MaxDelay:        "10s",
	ExponentialBase: 2,
	Jitter:          true,
}

// executorImpl is the concrete Executor implementation.
type executorImpl struct {
	store    store.Store
	eventLog EventLogger
	execFSM  *ExecutionFSM
	stepFSM  *StepFSM
	registry *handlers.Registry
	breaker  *BreakerRegistry
	hub      streaming.EventHub
	logger   *slog.Logger
	config   ExecutorConfig

	// mu guards running.
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewExecutor creates a new Executor with the given dependencies.
// hub is optional (nil = no real-time fan-out).
func NewExecutor(s store.Store, el EventLogger, registry *handlers.Registry, hub streaming.EventHub, logger *slog.Logger, cfg ExecutorConfig) Executor {
	if logger == nil {
		logger = slog.Default()
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	if cfg.DefaultRetry == nil {
		cfg.DefaultRetry = DefaultRetryPolicy
	}

	return &executorImpl{
		store:    s,
		eventLog: el,
		execFSM:  NewExecutionFSM(el),
		stepFSM:  NewStepFSM(el),
		registry: registry,
		breaker:  NewBreakerRegistry(cbConfig),
		hub:      hub,
		logger:   logger,
		config:   cfg,
		running:  make(map[string]context.CancelFunc),
	}
}

// Start creates and runs a new execution.
func (e *executorImpl) Start(ctx context.Context, tpl *schema.WorkflowTemplate, trigger map[string]any, opts StartOptions) (*ExecutionResult, error) {
	if tpl == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "template is nil")
	}

	g, err := graph.Build(tpl)
	if err != nil {
		return nil, err
	}
	for i := range opts.PinnedSteps {
		p := &opts.PinnedSteps[i]
		if p.NodeID == "" && p.StepName == "" && p.StepOrder <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "pinned step at index %d addresses no node", i)
		}
	}

	orgID := opts.OrganizationID
	if orgID == "" {
		orgID = tpl.OrganizationID
	}

	execID := uuid.NewString()
	ctx = logging.WithExecutionID(ctx, execID)
	if opts.VenueID != "" {
		ctx = logging.WithVenueID(ctx, opts.VenueID)
	}
	now := time.Now().UTC()

	vars := e.seedVariables(ctx, execID, trigger, opts.VenueID)
	varsJSON, _ := json.Marshal(vars)
	triggerJSON, _ := json.Marshal(trigger)

	exec := &store.Execution{
		ID:                execID,
		TemplateID:        tpl.ID,
		OrganizationID:    orgID,
		VenueID:           opts.VenueID,
		Status:            schema.ExecutionStatusPending,
		TriggerData:       triggerJSON,
		Variables:         varsJSON,
		ParentExecutionID: opts.ParentExecutionID,
		CreatedAt:         now,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}

	if err := e.seedSteps(ctx, g, execID, opts.PinnedSteps, vars); err != nil {
		return nil, err
	}

	// Transition pending -> running. The CAS loses only when a cancel
	// arrived before the walk began.
	startedAt := time.Now().UTC()
	swapped, err := e.store.CompareAndSetExecutionStatus(ctx, execID,
		schema.ExecutionStatusPending, schema.ExecutionStatusRunning,
		store.ExecutionUpdate{StartedAt: &startedAt})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "start execution: %s", err.Error()).WithCause(err)
	}
	if !swapped {
		e.logger.InfoContext(ctx, "execution cancelled before start")
		return &ExecutionResult{ExecutionID: execID, Status: schema.ExecutionStatusCancelled, StartedAt: startedAt}, nil
	}
	if err := e.execFSM.Transition(ctx, execID, schema.ExecutionStatusPending, schema.ExecutionStatusRunning); err != nil {
		return nil, err
	}
	e.publish(ctx, streaming.StreamEvent{ExecutionID: execID, EventType: schema.EventExecutionStarted})

	walkCtx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.running[execID] = cancel
	e.mu.Unlock()

	result := e.walk(walkCtx, g, execID, orgID, opts.VenueID, vars)
	result.StartedAt = startedAt

	cancel()
	e.mu.Lock()
	delete(e.running, execID)
	e.mu.Unlock()

	return result, nil
}

// Rerun replays a prior execution's template with the given pins.
func (e *executorImpl) Rerun(ctx context.Context, executionID string, pins []StepPin) (*ExecutionResult, error) {
	parent, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	tpl, err := e.store.GetTemplate(ctx, parent.TemplateID)
	if err != nil {
		return nil, err
	}

	var trigger map[string]any
	if len(parent.TriggerData) > 0 {
		_ = json.Unmarshal(parent.TriggerData, &trigger)
	}

	return e.Start(ctx, &tpl.Definition, trigger, StartOptions{
		OrganizationID:    parent.OrganizationID,
		VenueID:           parent.VenueID,
		PinnedSteps:       pins,
		ParentExecutionID: parent.ID,
	})
}

// Cancel terminates an execution. Safe to call at any time; cancelling a
// finished run returns a conflict, cancelling a cancelled run is a no-op.
func (e *executorImpl) Cancel(ctx context.Context, executionID string, reason string) error {
	ctx = logging.WithExecutionID(ctx, executionID)
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}

	switch exec.Status {
	case schema.ExecutionStatusCancelled:
		e.logger.InfoContext(ctx, "cancel on already-cancelled execution")
		return nil
	case schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed:
		return schema.NewErrorf(schema.ErrCodeConflict, "cannot cancel execution in status %s", exec.Status)
	}

	now := time.Now().UTC()
	update := store.ExecutionUpdate{FinishedAt: &now}
	if exec.StartedAt != nil {
		d := now.Sub(*exec.StartedAt).Milliseconds()
		update.DurationMs = &d
	}
	if reason != "" {
		update.ErrorMessage = &reason
	}

	swapped, err := e.store.CompareAndSetExecutionStatus(ctx, executionID,
		exec.Status, schema.ExecutionStatusCancelled, update)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "cancel execution: %s", err.Error()).WithCause(err)
	}
	if !swapped {
		// Lost the race. If something else cancelled first this is still a
		// success; a completed/failed run wins over the cancel.
		current, gerr := e.store.GetExecution(ctx, executionID)
		if gerr == nil && current.Status == schema.ExecutionStatusCancelled {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %s finished before cancel", executionID)
	}

	// Resolve every non-terminal step: running becomes cancelled, pending
	// becomes skipped. Step CAS keeps this race-safe against the walk loop.
	steps, err := e.store.ListSteps(ctx, executionID)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "list steps: %s", err.Error()).WithCause(err)
	}
	stepStates := make(map[string]schema.StepStatus, len(steps))
	for _, st := range steps {
		switch st.Status {
		case schema.StepStatusRunning:
			if ok, _ := e.store.CompareAndSetStepStatus(ctx, executionID, st.NodeID,
				schema.StepStatusRunning, schema.StepStatusCancelled,
				store.StepUpdate{CompletedAt: &now}); ok {
				stepStates[st.NodeID] = schema.StepStatusRunning
			}
		case schema.StepStatusPending:
			if ok, _ := e.store.CompareAndSetStepStatus(ctx, executionID, st.NodeID,
				schema.StepStatusPending, schema.StepStatusSkipped, store.StepUpdate{}); ok {
				stepStates[st.NodeID] = schema.StepStatusPending
			}
		}
	}

	// Emit the cancel cascade events now that the writes are durable.
	if err := CancelExecution(ctx, e.execFSM, e.stepFSM, executionID, exec.Status, stepStates); err != nil {
		e.logger.WarnContext(ctx, "cancel event emission failed", "error", err)
	}
	e.publish(ctx, streaming.StreamEvent{
		ExecutionID: executionID,
		EventType:   schema.EventExecutionCancelled,
		Payload:     map[string]any{"reason": reason},
	})

	// Interrupt the walk loop if this process is running it.
	e.mu.Lock()
	if cancel, ok := e.running[executionID]; ok {
		cancel()
	}
	e.mu.Unlock()

	return nil
}

// Status returns a snapshot of the execution's persisted state.
func (e *executorImpl) Status(ctx context.Context, executionID string) (*ExecutionSnapshot, error) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, executionID)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list steps: %s", err.Error()).WithCause(err)
	}
	events, err := e.eventLog.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "get events: %s", err.Error()).WithCause(err)
	}
	return &ExecutionSnapshot{Execution: exec, Steps: steps, Events: events}, nil
}

// seedVariables builds the initial variable bag: the trigger payload both
// merged top-level and namespaced, plus tenant context.
func (e *executorImpl) seedVariables(ctx context.Context, execID string, trigger map[string]any, venueID string) map[string]any {
	vars := make(map[string]any, len(trigger)+3)
	for k, v := range trigger {
		vars[k] = v
	}
	vars["trigger"] = trigger
	vars["execution_id"] = execID

	if venueID != "" {
		if venue, err := e.store.GetVenue(ctx, venueID); err == nil {
			vars["venue"] = map[string]any{
				"id":       venue.ID,
				"name":     venue.Name,
				"timezone": venue.Timezone,
			}
		} else {
			vars["venue"] = map[string]any{"id": venueID}
		}
	}
	return vars
}

// seedSteps bulk-creates the step rows for a run: pending by default,
// skipped when the node sits behind an unresolved branch, completed and
// pinned when the caller supplied its output.
func (e *executorImpl) seedSteps(ctx context.Context, g *graph.Graph, execID string, pins []StepPin, vars map[string]any) error {
	skips := g.ProvisionalSkips()
	now := time.Now().UTC()

	steps := make([]*store.ExecutionStep, 0, len(g.Order))
	var pinned []*store.ExecutionStep

	for i, nodeID := range g.Order {
		node := g.Nodes[nodeID]
		st := &store.ExecutionStep{
			ExecutionID: execID,
			NodeID:      nodeID,
			NodeName:    node.Name,
			NodeType:    node.Type,
			StepOrder:   i,
			Status:      schema.StepStatusPending,
		}
		if _, behind := skips[nodeID]; behind {
			st.Status = schema.StepStatusSkipped
		}
		if pin := matchPin(pins, nodeID, node.Name, i); pin != nil {
			out, err := json.Marshal(pin.Output)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeValidation, "pin for node %s: %s", nodeID, err.Error()).WithNode(nodeID)
			}
			st.Status = schema.StepStatusCompleted
			st.OutputData = out
			st.OutputPinned = true
			st.CompletedAt = &now
			pinned = append(pinned, st)
			// Pinned output participates in template resolution from the
			// start, exactly as a freshly computed one would.
			mergeOutput(vars, node.Name, pin.Output)
		}
		steps = append(steps, st)
	}

	if err := e.store.CreateSteps(ctx, steps); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "seed steps: %s", err.Error()).WithCause(err)
	}

	for _, st := range pinned {
		_ = e.eventLog.AppendEvent(ctx, &store.Event{
			ExecutionID: execID,
			NodeID:      st.NodeID,
			Type:        schema.EventStepPinned,
			Payload:     st.OutputData,
		})
	}
	return nil
}

// matchPin finds the pin addressing a node by id, name, or order.
func matchPin(pins []StepPin, nodeID, nodeName string, order int) *StepPin {
	for i := range pins {
		p := &pins[i]
		switch {
		case p.NodeID != "":
			if p.NodeID == nodeID {
				return p
			}
		case p.StepName != "":
			if p.StepName == nodeName {
				return p
			}
		default:
			if p.StepOrder == order {
				return p
			}
		}
	}
	return nil
}

// mergeOutput folds a node's output into the variable bag: each key becomes
// directly addressable, the whole map is namespaced under the node name, and
// the nodes scope (keyed by node name) feeds condition expressions.
func mergeOutput(vars map[string]any, nodeName string, output map[string]any) {
	for k, v := range output {
		vars[k] = v
	}
	if nodeName == "" {
		return
	}
	vars[nodeName] = output
	nodes, _ := vars["nodes"].(map[string]any)
	if nodes == nil {
		nodes = make(map[string]any)
		vars["nodes"] = nodes
	}
	nodes[nodeName] = output
}

func (e *executorImpl) publish(ctx context.Context, event streaming.StreamEvent) {
	if e.hub == nil {
		return
	}
	if err := e.hub.Publish(ctx, event); err != nil {
		e.logger.DebugContext(ctx, "stream publish dropped", "event", event.EventType)
	}
}
