package store

import (
	"context"

	"github.com/venueos/mailflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// CompareAndSetExecutionStatus atomically moves an execution from one
	// status to another, applying the update only when the stored status
	// matches `from`. Returns false without error when the guard fails.
	CompareAndSetExecutionStatus(ctx context.Context, id string, from, to schema.ExecutionStatus, update ExecutionUpdate) (bool, error)

	// Steps
	CreateSteps(ctx context.Context, steps []*ExecutionStep) error
	GetStep(ctx context.Context, executionID, nodeID string) (*ExecutionStep, error)
	GetStepByName(ctx context.Context, executionID, nodeName string) (*ExecutionStep, error)
	UpdateStep(ctx context.Context, executionID, nodeID string, update StepUpdate) error
	ListSteps(ctx context.Context, executionID string) ([]*ExecutionStep, error)

	// CompareAndSetStepStatus is the step-level analogue of the execution CAS.
	CompareAndSetStepStatus(ctx context.Context, executionID, nodeID string, from, to schema.StepStatus, update StepUpdate) (bool, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Templates
	StoreTemplate(ctx context.Context, tpl *Template) error
	GetTemplate(ctx context.Context, id string) (*Template, error)
	ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error)
	DeleteTemplate(ctx context.Context, id string) error

	// Venues
	UpsertVenue(ctx context.Context, venue *Venue) error
	GetVenue(ctx context.Context, id string) (*Venue, error)
	ListVenues(ctx context.Context, organizationID string) ([]*Venue, error)

	// Guardrail definitions
	UpsertGuardrail(ctx context.Context, g *GuardrailRecord) error
	GetGuardrail(ctx context.Context, id string) (*GuardrailRecord, error)
	ListGuardrails(ctx context.Context, filter GuardrailFilter) ([]*GuardrailRecord, error)

	// Scheduled triggers
	CreateScheduledTrigger(ctx context.Context, trig *ScheduledTrigger) error
	GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error)
	UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error
	ListScheduledTriggers(ctx context.Context, filter ScheduledTriggerFilter) ([]*ScheduledTrigger, error)
	DeleteScheduledTrigger(ctx context.Context, id string) error

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
