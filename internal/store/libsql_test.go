package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venueos/mailflow/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewLibSQLStore("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func seedExecution(t *testing.T, s *LibSQLStore, id string, status schema.ExecutionStatus) *Execution {
	t.Helper()
	exec := &Execution{
		ID:             id,
		TemplateID:     "tpl-1",
		OrganizationID: "org-1",
		VenueID:        "venue-1",
		Status:         status,
		TriggerData:    json.RawMessage(`{"message_id":"msg-1"}`),
	}
	require.NoError(t, s.CreateExecution(context.Background(), exec))
	return exec
}

func TestCreateAndGetExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "exec-1", schema.ExecutionStatusPending)

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", got.ID)
	assert.Equal(t, "tpl-1", got.TemplateID)
	assert.Equal(t, "org-1", got.OrganizationID)
	assert.Equal(t, "venue-1", got.VenueID)
	assert.Equal(t, schema.ExecutionStatusPending, got.Status)
	assert.JSONEq(t, `{"message_id":"msg-1"}`, string(got.TriggerData))
	assert.False(t, got.CreatedAt.IsZero())
	assert.Nil(t, got.FinishedAt)
}

func TestGetExecutionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetExecution(context.Background(), "nope")
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestUpdateExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "exec-1", schema.ExecutionStatusPending)

	running := schema.ExecutionStatusRunning
	started := time.Now().UTC().Truncate(time.Second)
	err := s.UpdateExecution(ctx, "exec-1", ExecutionUpdate{
		Status:    &running,
		StartedAt: &started,
		Variables: json.RawMessage(`{"subject":"hello"}`),
	})
	require.NoError(t, err)

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
	assert.JSONEq(t, `{"subject":"hello"}`, string(got.Variables))
}

func TestUpdateExecutionNotFound(t *testing.T) {
	s := newTestStore(t)

	running := schema.ExecutionStatusRunning
	err := s.UpdateExecution(context.Background(), "nope", ExecutionUpdate{Status: &running})
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestCompareAndSetExecutionStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "exec-1", schema.ExecutionStatusPending)

	swapped, err := s.CompareAndSetExecutionStatus(ctx, "exec-1",
		schema.ExecutionStatusPending, schema.ExecutionStatusRunning, ExecutionUpdate{})
	require.NoError(t, err)
	assert.True(t, swapped)

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, got.Status)
}

func TestCompareAndSetExecutionStatusGuardFails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "exec-1", schema.ExecutionStatusCancelled)

	// Guard mismatch is not an error; the row simply stays put.
	swapped, err := s.CompareAndSetExecutionStatus(ctx, "exec-1",
		schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted, ExecutionUpdate{})
	require.NoError(t, err)
	assert.False(t, swapped)

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCancelled, got.Status)
}

func TestCompareAndSetExecutionStatusNotFound(t *testing.T) {
	s := newTestStore(t)

	swapped, err := s.CompareAndSetExecutionStatus(context.Background(), "nope",
		schema.ExecutionStatusPending, schema.ExecutionStatusRunning, ExecutionUpdate{})
	assert.False(t, swapped)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestFinishedAtWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "exec-1", schema.ExecutionStatusRunning)

	first := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	firstDur := int64(1500)
	cancelled := schema.ExecutionStatusCancelled
	require.NoError(t, s.UpdateExecution(ctx, "exec-1", ExecutionUpdate{
		Status:     &cancelled,
		FinishedAt: &first,
		DurationMs: &firstDur,
	}))

	// A later terminal write must not overwrite the original stamps.
	second := first.Add(time.Minute)
	secondDur := int64(9000)
	require.NoError(t, s.UpdateExecution(ctx, "exec-1", ExecutionUpdate{
		FinishedAt: &second,
		DurationMs: &secondDur,
	}))

	got, err := s.GetExecution(ctx, "exec-1")
	require.NoError(t, err)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(first), "finished_at overwritten: %v", got.FinishedAt)
	assert.Equal(t, firstDur, got.DurationMs)
}

func TestListExecutionsFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "exec-1", schema.ExecutionStatusCompleted)
	seedExecution(t, s, "exec-2", schema.ExecutionStatusRunning)
	other := &Execution{ID: "exec-3", TemplateID: "tpl-2", OrganizationID: "org-2", Status: schema.ExecutionStatusRunning}
	require.NoError(t, s.CreateExecution(ctx, other))

	running := schema.ExecutionStatusRunning
	got, err := s.ListExecutions(ctx, ExecutionFilter{Status: &running})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListExecutions(ctx, ExecutionFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListExecutions(ctx, ExecutionFilter{TemplateID: "tpl-2"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "exec-3", got[0].ID)

	got, err = s.ListExecutions(ctx, ExecutionFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCreateStepsAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "exec-1", schema.ExecutionStatusRunning)

	steps := []*ExecutionStep{
		{ExecutionID: "exec-1", NodeID: "t1", NodeName: "Trigger", NodeType: schema.NodeTypeTrigger, StepOrder: 0, Status: schema.StepStatusPending},
		{ExecutionID: "exec-1", NodeID: "a1", NodeName: "Parse Email", NodeType: schema.NodeTypeAgent, StepOrder: 1, Status: schema.StepStatusPending},
		{ExecutionID: "exec-1", NodeID: "e1", NodeName: "Done", NodeType: schema.NodeTypeExit, StepOrder: 2, Status: schema.StepStatusSkipped},
	}
	require.NoError(t, s.CreateSteps(ctx, steps))

	got, err := s.ListSteps(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "t1", got[0].NodeID)
	assert.Equal(t, "a1", got[1].NodeID)
	assert.Equal(t, "e1", got[2].NodeID)
	assert.Equal(t, schema.StepStatusSkipped, got[2].Status)

	step, err := s.GetStep(ctx, "exec-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "Parse Email", step.NodeName)
	assert.Equal(t, schema.NodeTypeAgent, step.NodeType)

	byName, err := s.GetStepByName(ctx, "exec-1", "Parse Email")
	require.NoError(t, err)
	assert.Equal(t, "a1", byName.NodeID)
}

func TestGetStepNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetStep(context.Background(), "exec-1", "ghost")
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestUpdateStep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "exec-1", schema.ExecutionStatusRunning)
	require.NoError(t, s.CreateSteps(ctx, []*ExecutionStep{
		{ExecutionID: "exec-1", NodeID: "a1", NodeType: schema.NodeTypeAgent, Status: schema.StepStatusRunning},
	}))

	retries := 2
	prompt := "classify this email"
	err := s.UpdateStep(ctx, "exec-1", "a1", StepUpdate{
		OutputData:     json.RawMessage(`{"intent":"booking"}`),
		ResolvedPrompt: &prompt,
		RetryCount:     &retries,
	})
	require.NoError(t, err)

	got, err := s.GetStep(ctx, "exec-1", "a1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"intent":"booking"}`, string(got.OutputData))
	assert.Equal(t, "classify this email", got.ResolvedPrompt)
	assert.Equal(t, 2, got.RetryCount)
}

func TestCompareAndSetStepStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "exec-1", schema.ExecutionStatusRunning)
	require.NoError(t, s.CreateSteps(ctx, []*ExecutionStep{
		{ExecutionID: "exec-1", NodeID: "a1", NodeType: schema.NodeTypeAgent, Status: schema.StepStatusPending},
	}))

	started := time.Now().UTC()
	swapped, err := s.CompareAndSetStepStatus(ctx, "exec-1", "a1",
		schema.StepStatusPending, schema.StepStatusRunning, StepUpdate{StartedAt: &started})
	require.NoError(t, err)
	assert.True(t, swapped)

	// Second swap from the same status must fail the guard.
	swapped, err = s.CompareAndSetStepStatus(ctx, "exec-1", "a1",
		schema.StepStatusPending, schema.StepStatusRunning, StepUpdate{})
	require.NoError(t, err)
	assert.False(t, swapped)

	got, err := s.GetStep(ctx, "exec-1", "a1")
	require.NoError(t, err)
	assert.Equal(t, schema.StepStatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestCompareAndSetStepStatusNotFound(t *testing.T) {
	s := newTestStore(t)

	swapped, err := s.CompareAndSetStepStatus(context.Background(), "exec-1", "ghost",
		schema.StepStatusPending, schema.StepStatusRunning, StepUpdate{})
	assert.False(t, swapped)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestStepCompletedAtWriteOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	seedExecution(t, s, "exec-1", schema.ExecutionStatusRunning)
	require.NoError(t, s.CreateSteps(ctx, []*ExecutionStep{
		{ExecutionID: "exec-1", NodeID: "a1", NodeType: schema.NodeTypeAgent, Status: schema.StepStatusRunning},
	}))

	first := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	firstDur := int64(320)
	completed := schema.StepStatusCompleted
	require.NoError(t, s.UpdateStep(ctx, "exec-1", "a1", StepUpdate{
		Status:      &completed,
		CompletedAt: &first,
		DurationMs:  &firstDur,
	}))

	second := first.Add(time.Hour)
	secondDur := int64(7777)
	require.NoError(t, s.UpdateStep(ctx, "exec-1", "a1", StepUpdate{
		CompletedAt: &second,
		DurationMs:  &secondDur,
	}))

	got, err := s.GetStep(ctx, "exec-1", "a1")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, got.CompletedAt.Equal(first))
	assert.Equal(t, firstDur, got.DurationMs)
}

func TestAppendEventAssignsSequence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		e := &Event{ExecutionID: "exec-1", Type: schema.EventStepStarted, NodeID: fmt.Sprintf("n%d", i)}
		require.NoError(t, s.AppendEvent(ctx, e))
		assert.Equal(t, int64(i+1), e.Sequence)
	}

	// Sequences are per execution, not global.
	other := &Event{ExecutionID: "exec-2", Type: schema.EventExecutionStarted}
	require.NoError(t, s.AppendEvent(ctx, other))
	assert.Equal(t, int64(1), other.Sequence)
}

func TestGetEventsSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	types := []string{schema.EventExecutionStarted, schema.EventStepStarted, schema.EventStepCompleted, schema.EventExecutionCompleted}
	for _, typ := range types {
		require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "exec-1", Type: typ}))
	}

	all, err := s.GetEvents(ctx, "exec-1", 0)
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, e := range all {
		assert.Equal(t, int64(i+1), e.Sequence)
		assert.Equal(t, types[i], e.Type)
	}

	tail, err := s.GetEvents(ctx, "exec-1", 2)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	assert.Equal(t, schema.EventStepCompleted, tail[0].Type)
}

func TestGetEventsByType(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "exec-1", NodeID: "g1", Type: schema.EventGuardrailViolated, Payload: json.RawMessage(`{"guardrail":"no_pricing"}`)}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "exec-1", NodeID: "g2", Type: schema.EventGuardrailPassed}))
	require.NoError(t, s.AppendEvent(ctx, &Event{ExecutionID: "exec-2", NodeID: "g1", Type: schema.EventGuardrailViolated}))

	got, err := s.GetEventsByType(ctx, schema.EventGuardrailViolated, EventFilter{})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.GetEventsByType(ctx, schema.EventGuardrailViolated, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"guardrail":"no_pricing"}`, string(got[0].Payload))

	got, err = s.GetEventsByType(ctx, schema.EventGuardrailViolated, EventFilter{NodeID: "g1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func minimalDefinition() schema.WorkflowTemplate {
	return schema.WorkflowTemplate{
		Nodes: []schema.WorkflowNode{
			{ID: "t1", Type: schema.NodeTypeTrigger, Name: "Email Received"},
			{ID: "e1", Type: schema.NodeTypeExit, Name: "Done"},
		},
		Connections: []schema.WorkflowConnection{
			{SourceNodeID: "t1", TargetNodeID: "e1", SourceHandle: schema.HandleOutput, TargetHandle: schema.HandleInput},
		},
	}
}

func TestStoreAndGetTemplate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tpl := &Template{
		ID:             "tpl-1",
		OrganizationID: "org-1",
		Name:           "inbound-triage",
		Description:    "triage incoming email",
		Definition:     minimalDefinition(),
		Enabled:        true,
	}
	require.NoError(t, s.StoreTemplate(ctx, tpl))

	got, err := s.GetTemplate(ctx, "tpl-1")
	require.NoError(t, err)
	assert.Equal(t, "inbound-triage", got.Name)
	assert.True(t, got.Enabled)
	require.Len(t, got.Definition.Nodes, 2)
	assert.Equal(t, schema.NodeTypeTrigger, got.Definition.Nodes[0].Type)
}

func TestStoreTemplateUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tpl := &Template{ID: "tpl-1", OrganizationID: "org-1", Name: "v1", Definition: minimalDefinition(), Enabled: true}
	require.NoError(t, s.StoreTemplate(ctx, tpl))

	tpl.Name = "v2"
	tpl.Enabled = false
	require.NoError(t, s.StoreTemplate(ctx, tpl))

	got, err := s.GetTemplate(ctx, "tpl-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Name)
	assert.False(t, got.Enabled)

	all, err := s.ListTemplates(ctx, TemplateFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestListTemplatesFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreTemplate(ctx, &Template{ID: "tpl-1", OrganizationID: "org-1", Name: "triage", Definition: minimalDefinition(), Enabled: true}))
	require.NoError(t, s.StoreTemplate(ctx, &Template{ID: "tpl-2", OrganizationID: "org-1", Name: "reply", Definition: minimalDefinition(), Enabled: false}))
	require.NoError(t, s.StoreTemplate(ctx, &Template{ID: "tpl-3", OrganizationID: "org-2", Name: "triage", Definition: minimalDefinition(), Enabled: true}))

	got, err := s.ListTemplates(ctx, TemplateFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	enabled := true
	got, err = s.ListTemplates(ctx, TemplateFilter{OrganizationID: "org-1", Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "tpl-1", got[0].ID)

	got, err = s.ListTemplates(ctx, TemplateFilter{Name: "triage"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDeleteTemplate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreTemplate(ctx, &Template{ID: "tpl-1", OrganizationID: "org-1", Name: "triage", Definition: minimalDefinition()}))
	require.NoError(t, s.DeleteTemplate(ctx, "tpl-1"))

	_, err := s.GetTemplate(ctx, "tpl-1")
	require.Error(t, err)

	err = s.DeleteTemplate(ctx, "tpl-1")
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeNotFound, fe.Code)
}

func TestVenues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v := &Venue{
		ID:             "venue-1",
		OrganizationID: "org-1",
		Name:           "Harbor Grill",
		Timezone:       "America/New_York",
		Metadata:       json.RawMessage(`{"seats":120}`),
	}
	require.NoError(t, s.UpsertVenue(ctx, v))

	got, err := s.GetVenue(ctx, "venue-1")
	require.NoError(t, err)
	assert.Equal(t, "Harbor Grill", got.Name)
	assert.Equal(t, "America/New_York", got.Timezone)
	assert.JSONEq(t, `{"seats":120}`, string(got.Metadata))

	v.Name = "Harbor Grill Downtown"
	require.NoError(t, s.UpsertVenue(ctx, v))

	got, err = s.GetVenue(ctx, "venue-1")
	require.NoError(t, err)
	assert.Equal(t, "Harbor Grill Downtown", got.Name)

	require.NoError(t, s.UpsertVenue(ctx, &Venue{ID: "venue-2", OrganizationID: "org-1", Name: "Pier Six"}))
	require.NoError(t, s.UpsertVenue(ctx, &Venue{ID: "venue-3", OrganizationID: "org-2", Name: "Elsewhere"}))

	list, err := s.ListVenues(ctx, "org-1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestGuardrails(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	records := []*GuardrailRecord{
		{ID: "gr-1", OrganizationID: "org-1", Name: "no_pricing", Category: "post_intent_guardrails", Prompt: "Does the email quote prices?", Threshold: 0.8, Enabled: true},
		{ID: "gr-2", OrganizationID: "org-1", Name: "no_legal", Category: "post_intent_guardrails", Prompt: "Does the email give legal advice?", Threshold: 0.9, Enabled: false},
		{ID: "gr-3", OrganizationID: "org-1", Name: "spam_check", Category: "pre_intent_guardrails", Prompt: "Is this spam?", Threshold: 0.7, Enabled: true},
		{ID: "gr-4", OrganizationID: "org-2", Name: "no_pricing", Category: "post_intent_guardrails", Prompt: "Prices?", Threshold: 0.8, Enabled: true},
	}
	for _, g := range records {
		require.NoError(t, s.UpsertGuardrail(ctx, g))
	}

	got, err := s.GetGuardrail(ctx, "gr-1")
	require.NoError(t, err)
	assert.Equal(t, "no_pricing", got.Name)
	assert.InDelta(t, 0.8, got.Threshold, 1e-9)

	list, err := s.ListGuardrails(ctx, GuardrailFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, list, 3)

	list, err = s.ListGuardrails(ctx, GuardrailFilter{OrganizationID: "org-1", Category: "post_intent_guardrails"})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	enabled := true
	list, err = s.ListGuardrails(ctx, GuardrailFilter{OrganizationID: "org-1", Category: "post_intent_guardrails", Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "no_pricing", list[0].Name)

	list, err = s.ListGuardrails(ctx, GuardrailFilter{OrganizationID: "org-1", Names: []string{"no_legal", "spam_check"}})
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestGuardrailUpsertOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := &GuardrailRecord{ID: "gr-1", OrganizationID: "org-1", Name: "no_pricing", Category: "post_intent_guardrails", Prompt: "v1", Threshold: 0.8, Enabled: true}
	require.NoError(t, s.UpsertGuardrail(ctx, g))

	g.Prompt = "v2"
	g.Threshold = 0.95
	require.NoError(t, s.UpsertGuardrail(ctx, g))

	got, err := s.GetGuardrail(ctx, "gr-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Prompt)
	assert.InDelta(t, 0.95, got.Threshold, 1e-9)

	list, err := s.ListGuardrails(ctx, GuardrailFilter{OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestScheduledTriggers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	next := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	trig := &ScheduledTrigger{
		ID:             "st-1",
		TemplateID:     "tpl-1",
		OrganizationID: "org-1",
		VenueID:        "venue-1",
		CronExpression: "0 * * * *",
		TriggerData:    json.RawMessage(`{"folder":"INBOX"}`),
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, s.CreateScheduledTrigger(ctx, trig))

	got, err := s.GetScheduledTrigger(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, "0 * * * *", got.CronExpression)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.Equal(next))

	ran := time.Date(2026, 9, 1, 12, 0, 3, 0, time.UTC)
	after := next.Add(time.Hour)
	require.NoError(t, s.UpdateScheduledTrigger(ctx, "st-1", ScheduledTriggerUpdate{
		LastRunAt:     &ran,
		NextRunAt:     &after,
		LastRunStatus: "success",
	}))

	got, err = s.GetScheduledTrigger(ctx, "st-1")
	require.NoError(t, err)
	assert.Equal(t, "success", got.LastRunStatus)
	require.NotNil(t, got.LastRunAt)
	assert.True(t, got.NextRunAt.Equal(after))

	disabled := false
	require.NoError(t, s.UpdateScheduledTrigger(ctx, "st-1", ScheduledTriggerUpdate{Enabled: &disabled}))

	enabled := true
	list, err := s.ListScheduledTriggers(ctx, ScheduledTriggerFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, s.DeleteScheduledTrigger(ctx, "st-1"))
	_, err = s.GetScheduledTrigger(ctx, "st-1")
	require.Error(t, err)
}
