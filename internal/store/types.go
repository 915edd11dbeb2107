package store

import (
	"encoding/json"
	"time"

	"github.com/venueos/mailflow/pkg/schema"
)

// Execution is the persisted representation of a workflow run.
type Execution struct {
	ID                string                 `json:"id"`
	TemplateID        string                 `json:"workflow_id"`
	OrganizationID    string                 `json:"organization_id"`
	VenueID           string                 `json:"venue_id,omitempty"`
	Status            schema.ExecutionStatus `json:"status"`
	TriggerData       json.RawMessage        `json:"trigger_data,omitempty"`
	Variables         json.RawMessage        `json:"variables,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	ParentExecutionID string                 `json:"parent_execution_id,omitempty"`
	CreatedAt         time.Time              `json:"created_at"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	FinishedAt        *time.Time             `json:"finished_at,omitempty"`
	DurationMs        int64                  `json:"duration_ms,omitempty"`
	UpdatedAt         time.Time              `json:"updated_at"`
}

// ExecutionStep is the materialized state of one node within an execution.
type ExecutionStep struct {
	ExecutionID    string            `json:"execution_id"`
	NodeID         string            `json:"node_id"`
	NodeName       string            `json:"node_name,omitempty"`
	NodeType       schema.NodeType   `json:"node_type"`
	StepOrder      int               `json:"step_order"`
	Status         schema.StepStatus `json:"status"`
	InputData      json.RawMessage   `json:"input_data,omitempty"`
	OutputData     json.RawMessage   `json:"output_data,omitempty"`
	ResolvedPrompt string            `json:"resolved_prompt,omitempty"`
	ErrorDetails   json.RawMessage   `json:"error_details,omitempty"`
	RetryCount     int               `json:"retry_count"`
	OutputPinned   bool              `json:"output_pinned"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	DurationMs     int64             `json:"duration_ms,omitempty"`
}

// Event is an immutable entry in the per-execution event log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	NodeID      string          `json:"node_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// Template is a registered workflow definition scoped to an organization.
type Template struct {
	ID             string                  `json:"id"`
	OrganizationID string                  `json:"organization_id"`
	Name           string                  `json:"name"`
	Description    string                  `json:"description,omitempty"`
	Definition     schema.WorkflowTemplate `json:"definition"`
	Enabled        bool                    `json:"enabled"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// Venue is a tenant location whose mailbox workflows operate on.
type Venue struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	Name           string          `json:"name"`
	Timezone       string          `json:"timezone,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// GuardrailRecord is a tenant-scoped guardrail definition.
type GuardrailRecord struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Category       string    `json:"category"`
	Prompt         string    `json:"prompt"`
	Threshold      float64   `json:"threshold"`
	FolderPath     string    `json:"folder_path,omitempty"`
	MarkAsSeen     bool      `json:"mark_as_seen"`
	Enabled        bool      `json:"enabled"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ScheduledTrigger is a cron-driven execution of a template.
type ScheduledTrigger struct {
	ID             string          `json:"id"`
	TemplateID     string          `json:"workflow_id"`
	OrganizationID string          `json:"organization_id"`
	VenueID        string          `json:"venue_id,omitempty"`
	CronExpression string          `json:"cron_expression"`
	TriggerData    json.RawMessage `json:"trigger_data,omitempty"`
	Enabled        bool            `json:"enabled"`
	LastRunAt      *time.Time      `json:"last_run_at,omitempty"`
	NextRunAt      *time.Time      `json:"next_run_at,omitempty"`
	LastRunStatus  string          `json:"last_run_status,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	Status         *schema.ExecutionStatus `json:"status,omitempty"`
	TemplateID     string                  `json:"workflow_id,omitempty"`
	OrganizationID string                  `json:"organization_id,omitempty"`
	VenueID        string                  `json:"venue_id,omitempty"`
	Since          *time.Time              `json:"since,omitempty"`
	Limit          int                     `json:"limit,omitempty"`
	Offset         int                     `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
// FinishedAt and DurationMs are write-once: an already stamped row keeps
// its original values.
type ExecutionUpdate struct {
	Status       *schema.ExecutionStatus `json:"status,omitempty"`
	Variables    json.RawMessage         `json:"variables,omitempty"`
	ErrorMessage *string                 `json:"error_message,omitempty"`
	StartedAt    *time.Time              `json:"started_at,omitempty"`
	FinishedAt   *time.Time              `json:"finished_at,omitempty"`
	DurationMs   *int64                  `json:"duration_ms,omitempty"`
}

// StepUpdate specifies mutable fields of an execution step.
type StepUpdate struct {
	Status         *schema.StepStatus `json:"status,omitempty"`
	InputData      json.RawMessage    `json:"input_data,omitempty"`
	OutputData     json.RawMessage    `json:"output_data,omitempty"`
	ResolvedPrompt *string            `json:"resolved_prompt,omitempty"`
	ErrorDetails   json.RawMessage    `json:"error_details,omitempty"`
	RetryCount     *int               `json:"retry_count,omitempty"`
	StartedAt      *time.Time         `json:"started_at,omitempty"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	DurationMs     *int64             `json:"duration_ms,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	NodeID      string     `json:"node_id,omitempty"`
	EventType   string     `json:"event_type,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}

// TemplateFilter specifies criteria for listing templates.
type TemplateFilter struct {
	OrganizationID string `json:"organization_id,omitempty"`
	Name           string `json:"name,omitempty"`
	Enabled        *bool  `json:"enabled,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// GuardrailFilter specifies criteria for listing guardrail definitions.
type GuardrailFilter struct {
	OrganizationID string   `json:"organization_id,omitempty"`
	Category       string   `json:"category,omitempty"`
	Names          []string `json:"names,omitempty"`
	Enabled        *bool    `json:"enabled,omitempty"`
}

// ScheduledTriggerUpdate specifies mutable fields of a scheduled trigger.
type ScheduledTriggerUpdate struct {
	Enabled       *bool      `json:"enabled,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunStatus string     `json:"last_run_status,omitempty"`
}

// ScheduledTriggerFilter specifies criteria for listing scheduled triggers.
type ScheduledTriggerFilter struct {
	OrganizationID string `json:"organization_id,omitempty"`
	Enabled        *bool  `json:"enabled,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}
