package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/venueos/mailflow/internal/store"
)

// mockSchedulerStore satisfies store.Store for scheduler tests.
type mockSchedulerStore struct {
	store.Store
	mu    sync.Mutex
	trigs map[string]*store.ScheduledTrigger
}

func newMockSchedulerStore() *mockSchedulerStore {
	return &mockSchedulerStore{trigs: make(map[string]*store.ScheduledTrigger)}
}

func (m *mockSchedulerStore) CreateScheduledTrigger(_ context.Context, trig *store.ScheduledTrigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *trig
	m.trigs[trig.ID] = &cp
	return nil
}

func (m *mockSchedulerStore) GetScheduledTrigger(_ context.Context, id string) (*store.ScheduledTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.trigs[id]
	if !ok {
		return nil, nil
	}
	cp := *tr
	return &cp, nil
}

func (m *mockSchedulerStore) UpdateScheduledTrigger(_ context.Context, id string, update store.ScheduledTriggerUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tr, ok := m.trigs[id]
	if !ok {
		return nil
	}
	if update.Enabled != nil {
		tr.Enabled = *update.Enabled
	}
	if update.LastRunAt != nil {
		tr.LastRunAt = update.LastRunAt
	}
	if update.NextRunAt != nil {
		tr.NextRunAt = update.NextRunAt
	}
	if update.LastRunStatus != "" {
		tr.LastRunStatus = update.LastRunStatus
	}
	return nil
}

func (m *mockSchedulerStore) ListScheduledTriggers(_ context.Context, filter store.ScheduledTriggerFilter) ([]*store.ScheduledTrigger, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*store.ScheduledTrigger
	for _, tr := range m.trigs {
		if filter.Enabled != nil && tr.Enabled != *filter.Enabled {
			continue
		}
		if filter.OrganizationID != "" && tr.OrganizationID != filter.OrganizationID {
			continue
		}
		cp := *tr
		result = append(result, &cp)
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *mockSchedulerStore) DeleteScheduledTrigger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.trigs, id)
	return nil
}

// mockRunner tracks RunTemplate calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []runCall
	err   error
}

type runCall struct {
	TemplateID     string
	OrganizationID string
	VenueID        string
	Trigger        map[string]any
}

func (r *mockRunner) RunTemplate(_ context.Context, templateID, organizationID, venueID string, trigger map[string]any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{
		TemplateID:     templateID,
		OrganizationID: organizationID,
		VenueID:        venueID,
		Trigger:        trigger,
	})
	return r.err
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func newTestScheduler(s store.Store, runner TemplateRunner) *Scheduler {
	return NewScheduler(s, runner, slog.Default())
}

// --- Tests ---

func TestCalculateNextRun(t *testing.T) {
	sched := newTestScheduler(newMockSchedulerStore(), &mockRunner{})
	from := time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC)

	// Every hour at minute 0.
	next, err := sched.CalculateNextRun("0 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 13, 0, 0, 0, time.UTC), next)

	// Every 15 minutes.
	next, err = sched.CalculateNextRun("*/15 * * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 10, 12, 15, 0, 0, time.UTC), next)

	// Daily at midnight.
	next, err = sched.CalculateNextRun("0 0 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 2, 11, 0, 0, 0, 0, time.UTC), next)

	// Invalid expression.
	_, err = sched.CalculateNextRun("invalid cron", from)
	require.Error(t, err)
}

func TestTickRunsDueTriggers(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-1",
		TemplateID:     "tpl-digest",
		OrganizationID: "org-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())

	// Verify the trigger was updated.
	got, _ := ms.GetScheduledTrigger(ctx, "trig-1")
	assert.NotNil(t, got.LastRunAt)
	assert.NotNil(t, got.NextRunAt)
	assert.Equal(t, "success", got.LastRunStatus)
}

func TestTickSkipsNotDueTriggers(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-future",
		TemplateID:     "tpl-digest",
		OrganizationID: "org-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &future,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestMissedRecovery(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-2 * time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-missed",
		TemplateID:     "tpl-cleanup",
		OrganizationID: "org-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	require.NoError(t, sched.RecoverMissed(ctx))

	assert.Equal(t, 1, runner.callCount())

	got, _ := ms.GetScheduledTrigger(ctx, "trig-missed")
	assert.Equal(t, "success", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
	assert.True(t, got.NextRunAt.After(time.Now().UTC()))
}

func TestDisabledTriggersSkipped(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-disabled",
		TemplateID:     "tpl-digest",
		OrganizationID: "org-1",
		CronExpression: "0 * * * *",
		Enabled:        false,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 0, runner.callCount())
}

func TestTriggerUpdateAfterRun(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-30 * time.Minute)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-update",
		TemplateID:     "tpl-sweep",
		OrganizationID: "org-2",
		VenueID:        "venue-9",
		CronExpression: "*/15 * * * *",
		TriggerData:    json.RawMessage(`{"folder":"INBOX"}`),
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())
	runner.mu.Lock()
	call := runner.calls[0]
	runner.mu.Unlock()

	assert.Equal(t, "tpl-sweep", call.TemplateID)
	assert.Equal(t, "org-2", call.OrganizationID)
	assert.Equal(t, "venue-9", call.VenueID)
	assert.Equal(t, "INBOX", call.Trigger["folder"])

	got, _ := ms.GetScheduledTrigger(ctx, "trig-update")
	assert.NotNil(t, got.LastRunAt)
	assert.NotNil(t, got.NextRunAt)
	assert.Equal(t, "success", got.LastRunStatus)
	// NextRunAt should be in the future.
	assert.True(t, got.NextRunAt.After(time.Now().UTC().Add(-time.Second)))
}

func TestTriggerRunFailure(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{err: assert.AnError}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-fail",
		TemplateID:     "tpl-digest",
		OrganizationID: "org-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	sched.tick(ctx)

	got, _ := ms.GetScheduledTrigger(ctx, "trig-fail")
	assert.Equal(t, "error", got.LastRunStatus)
	assert.NotNil(t, got.NextRunAt)
}

func TestStartStop(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()

	require.NoError(t, sched.Start(ctx))

	// Double start should error.
	err := sched.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already started")

	require.NoError(t, sched.Stop())

	// Stop again should be a no-op.
	require.NoError(t, sched.Stop())
}

func TestTickWithNilNextRunAt(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()

	// Trigger with nil NextRunAt — should be run (treated as overdue).
	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-nil-next",
		TemplateID:     "tpl-digest",
		OrganizationID: "org-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      nil,
	}))

	sched.tick(ctx)

	assert.Equal(t, 1, runner.callCount())
}

func TestDedupPreventsDoubleRun(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-dedup",
		TemplateID:     "tpl-digest",
		OrganizationID: "org-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	// Pre-acquire the trigger to simulate an in-flight execution.
	acquired := sched.tryAcquire("trig-dedup")
	assert.True(t, acquired)

	// Tick should skip the trigger because it's in-flight.
	sched.tick(ctx)
	assert.Equal(t, 0, runner.callCount())

	// Release and tick again — now it should run.
	sched.release("trig-dedup")
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())
}

func TestDedupReleasedAfterTick(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID:             "trig-release",
		TemplateID:     "tpl-digest",
		OrganizationID: "org-1",
		CronExpression: "0 * * * *",
		Enabled:        true,
		NextRunAt:      &past,
	}))

	// Run once.
	sched.tick(ctx)
	assert.Equal(t, 1, runner.callCount())

	// Inflight should be released after tick completes.
	// Reset NextRunAt to past so it's due again.
	past2 := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, ms.UpdateScheduledTrigger(ctx, "trig-release", store.ScheduledTriggerUpdate{
		NextRunAt: &past2,
	}))

	sched.tick(ctx)
	assert.Equal(t, 2, runner.callCount())
}

func TestMultipleTriggersSomeDue(t *testing.T) {
	ms := newMockSchedulerStore()
	runner := &mockRunner{}
	sched := newTestScheduler(ms, runner)

	ctx := context.Background()
	past := time.Now().UTC().Add(-time.Hour)
	future := time.Now().UTC().Add(time.Hour)

	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID: "due-1", TemplateID: "tpl-alpha", OrganizationID: "org-1",
		CronExpression: "0 * * * *", Enabled: true, NextRunAt: &past,
	}))
	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID: "not-due", TemplateID: "tpl-beta", OrganizationID: "org-1",
		CronExpression: "0 * * * *", Enabled: true, NextRunAt: &future,
	}))
	require.NoError(t, ms.CreateScheduledTrigger(ctx, &store.ScheduledTrigger{
		ID: "due-2", TemplateID: "tpl-gamma", OrganizationID: "org-1",
		CronExpression: "0 * * * *", Enabled: true, NextRunAt: nil,
	}))

	sched.tick(ctx)

	assert.Equal(t, 2, runner.callCount())
	runner.mu.Lock()
	ids := make([]string, len(runner.calls))
	for i, c := range runner.calls {
		ids[i] = c.TemplateID
	}
	runner.mu.Unlock()
	assert.Contains(t, ids, "tpl-alpha")
	assert.Contains(t, ids, "tpl-gamma")
	assert.NotContains(t, ids, "tpl-beta")
}
