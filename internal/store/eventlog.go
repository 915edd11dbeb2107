package store

import (
	"context"
	"fmt"
	"time"

	"github.com/venueos/mailflow/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a LibSQLStore.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide event-sourcing operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// AppendEvent appends an event with a monotonically increasing per-execution sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx alone may start a deferred transaction; a
	// write-intent statement forces the write lock so concurrent appenders
	// cannot interleave the sequence read with the insert.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	payload := nullRaw(event.Payload)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, payload, event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// ReplayEvents replays all events for an execution and returns the
// reconstructed per-node step states. Returns an error if sequence gaps
// are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (map[string]*ExecutionStep, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*ExecutionStep), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	states := make(map[string]*ExecutionStep)

	for _, e := range events {
		if e.NodeID == "" {
			continue
		}

		st, ok := states[e.NodeID]
		if !ok {
			st = &ExecutionStep{
				ExecutionID: executionID,
				NodeID:      e.NodeID,
				Status:      schema.StepStatusPending,
			}
			states[e.NodeID] = st
		}

		switch e.Type {
		case schema.EventStepStarted:
			st.Status = schema.StepStatusRunning
			ts := e.Timestamp
			st.StartedAt = &ts

		case schema.EventStepCompleted:
			st.Status = schema.StepStatusCompleted
			ts := e.Timestamp
			st.CompletedAt = &ts
			st.OutputData = e.Payload
			if st.StartedAt != nil {
				st.DurationMs = ts.Sub(*st.StartedAt).Milliseconds()
			}

		case schema.EventStepFailed:
			st.Status = schema.StepStatusFailed
			st.ErrorDetails = e.Payload

		case schema.EventStepSkipped:
			st.Status = schema.StepStatusSkipped

		case schema.EventStepCancelled:
			st.Status = schema.StepStatusCancelled

		case schema.EventStepPromoted:
			st.Status = schema.StepStatusPending

		case schema.EventStepPinned:
			st.Status = schema.StepStatusCompleted
			st.OutputPinned = true
			st.OutputData = e.Payload

		case schema.EventStepRetryAttempt:
			st.RetryCount++
		}
	}

	return states, nil
}
