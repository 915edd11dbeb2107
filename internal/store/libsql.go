package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/venueos/mailflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Executions ---

const executionColumns = `id, workflow_id, organization_id, venue_id, status, trigger_data, variables, error_message, parent_execution_id, created_at, started_at, finished_at, duration_ms, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.TemplateID, exec.OrganizationID, nullStr(exec.VenueID),
		string(exec.Status), nullRaw(exec.TriggerData), nullRaw(exec.Variables),
		nullStr(exec.ErrorMessage), nullStr(exec.ParentExecutionID),
		timeOrNow(exec.CreatedAt), nullTime(exec.StartedAt), nullTime(exec.FinishedAt),
		exec.DurationMs, timeOrNow(exec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	sets, args := executionSets(update)
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

// CompareAndSetExecutionStatus performs the status change and update as a
// single guarded UPDATE; no row is touched when the stored status differs
// from the expected one.
func (s *LibSQLStore) CompareAndSetExecutionStatus(ctx context.Context, id string, from, to schema.ExecutionStatus, update ExecutionUpdate) (bool, error) {
	update.Status = nil
	sets, args := executionSets(update)
	sets = append(sets, "status = ?", "updated_at = CURRENT_TIMESTAMP")
	args = append(args, string(to), id, string(from))

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ? AND status = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	// Distinguish a failed guard from a missing row.
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return false, storeNotFound("execution", id)
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func executionSets(update ExecutionUpdate) ([]string, []any) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Variables != nil {
		sets = append(sets, "variables = ?")
		args = append(args, string(update.Variables))
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		// Write-once: the first terminal transition wins.
		sets = append(sets, "finished_at = COALESCE(finished_at, ?)")
		args = append(args, *update.FinishedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = COALESCE(NULLIF(duration_ms, 0), ?)")
		args = append(args, *update.DurationMs)
	}
	return sets, args
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.TemplateID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.TemplateID)
	}
	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.VenueID != "" {
		where = append(where, "venue_id = ?")
		args = append(args, filter.VenueID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	exec := &Execution{}
	var (
		venueID, errMsg, parentID    sql.NullString
		triggerData, variables       sql.NullString
		status                       string
		startedAt, finishedAt        sql.NullTime
	)
	err := row.Scan(&exec.ID, &exec.TemplateID, &exec.OrganizationID, &venueID, &status,
		&triggerData, &variables, &errMsg, &parentID,
		&exec.CreatedAt, &startedAt, &finishedAt, &exec.DurationMs, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exec.VenueID = venueID.String
	exec.ErrorMessage = errMsg.String
	exec.ParentExecutionID = parentID.String
	exec.Status = schema.ExecutionStatus(status)
	exec.TriggerData = rawOrNil(triggerData)
	exec.Variables = rawOrNil(variables)
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		exec.FinishedAt = &finishedAt.Time
	}
	return exec, nil
}

// --- Execution steps ---

const stepColumns = `execution_id, node_id, node_name, node_type, step_order, status, input_data, output_data, resolved_prompt, error_details, retry_count, output_pinned, started_at, completed_at, duration_ms`

// CreateSteps inserts the full step seed for an execution in one transaction.
func (s *LibSQLStore) CreateSteps(ctx context.Context, steps []*ExecutionStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, st := range steps {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO execution_steps (`+stepColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ExecutionID, st.NodeID, nullStr(st.NodeName), string(st.NodeType), st.StepOrder,
			string(st.Status), nullRaw(st.InputData), nullRaw(st.OutputData),
			nullStr(st.ResolvedPrompt), nullRaw(st.ErrorDetails),
			st.RetryCount, st.OutputPinned,
			nullTime(st.StartedAt), nullTime(st.CompletedAt), st.DurationMs,
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", st.NodeID, err)
		}
	}
	return tx.Commit()
}

func (s *LibSQLStore) GetStep(ctx context.Context, executionID, nodeID string) (*ExecutionStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = ? AND node_id = ?`,
		executionID, nodeID)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution_step", executionID+"/"+nodeID)
	}
	return st, err
}

func (s *LibSQLStore) GetStepByName(ctx context.Context, executionID, nodeName string) (*ExecutionStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = ? AND node_name = ?`,
		executionID, nodeName)
	st, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution_step", executionID+"/"+nodeName)
	}
	return st, err
}

func (s *LibSQLStore) UpdateStep(ctx context.Context, executionID, nodeID string, update StepUpdate) error {
	sets, args := stepSets(update)
	if len(sets) == 0 {
		return nil
	}
	args = append(args, executionID, nodeID)

	query := fmt.Sprintf("UPDATE execution_steps SET %s WHERE execution_id = ? AND node_id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution_step", executionID+"/"+nodeID)
}

// CompareAndSetStepStatus is the step-level analogue of the execution CAS.
func (s *LibSQLStore) CompareAndSetStepStatus(ctx context.Context, executionID, nodeID string, from, to schema.StepStatus, update StepUpdate) (bool, error) {
	update.Status = nil
	sets, args := stepSets(update)
	sets = append(sets, "status = ?")
	args = append(args, string(to), executionID, nodeID, string(from))

	query := fmt.Sprintf("UPDATE execution_steps SET %s WHERE execution_id = ? AND node_id = ? AND status = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}

	var current string
	err = s.db.QueryRowContext(ctx,
		`SELECT status FROM execution_steps WHERE execution_id = ? AND node_id = ?`,
		executionID, nodeID).Scan(&current)
	if err == sql.ErrNoRows {
		return false, storeNotFound("execution_step", executionID+"/"+nodeID)
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func stepSets(update StepUpdate) ([]string, []any) {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.InputData != nil {
		sets = append(sets, "input_data = ?")
		args = append(args, string(update.InputData))
	}
	if update.OutputData != nil {
		sets = append(sets, "output_data = ?")
		args = append(args, string(update.OutputData))
	}
	if update.ResolvedPrompt != nil {
		sets = append(sets, "resolved_prompt = ?")
		args = append(args, *update.ResolvedPrompt)
	}
	if update.ErrorDetails != nil {
		sets = append(sets, "error_details = ?")
		args = append(args, string(update.ErrorDetails))
	}
	if update.RetryCount != nil {
		sets = append(sets, "retry_count = ?")
		args = append(args, *update.RetryCount)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = COALESCE(completed_at, ?)")
		args = append(args, *update.CompletedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = COALESCE(NULLIF(duration_ms, 0), ?)")
		args = append(args, *update.DurationMs)
	}
	return sets, args
}

func (s *LibSQLStore) ListSteps(ctx context.Context, executionID string) ([]*ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM execution_steps WHERE execution_id = ? ORDER BY step_order ASC`,
		executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var steps []*ExecutionStep
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func scanStep(row rowScanner) (*ExecutionStep, error) {
	st := &ExecutionStep{}
	var (
		nodeName, resolvedPrompt       sql.NullString
		nodeType, status               string
		inputData, outputData, errDet  sql.NullString
		startedAt, completedAt         sql.NullTime
	)
	err := row.Scan(&st.ExecutionID, &st.NodeID, &nodeName, &nodeType, &st.StepOrder, &status,
		&inputData, &outputData, &resolvedPrompt, &errDet,
		&st.RetryCount, &st.OutputPinned, &startedAt, &completedAt, &st.DurationMs)
	if err != nil {
		return nil, err
	}
	st.NodeName = nodeName.String
	st.NodeType = schema.NodeType(nodeType)
	st.Status = schema.StepStatus(status)
	st.InputData = rawOrNil(inputData)
	st.OutputData = rawOrNil(outputData)
	st.ResolvedPrompt = resolvedPrompt.String
	st.ErrorDetails = rawOrNil(errDet)
	if startedAt.Valid {
		st.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		st.CompletedAt = &completedAt.Time
	}
	return st, nil
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this execution
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, nullStr(event.NodeID), event.Type, payload, ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.ExecutionID != "" {
		where = append(where, "execution_id = ?")
		args = append(args, filter.ExecutionID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, execution_id, node_id, event_type, payload, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Templates ---

func (s *LibSQLStore) StoreTemplate(ctx context.Context, tpl *Template) error {
	def, err := json.Marshal(tpl.Definition)
	if err != nil {
		return fmt.Errorf("marshal template definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_templates (id, organization_id, name, description, definition, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, description=excluded.description,
		   definition=excluded.definition, enabled=excluded.enabled,
		   updated_at=CURRENT_TIMESTAMP`,
		tpl.ID, tpl.OrganizationID, tpl.Name, nullStr(tpl.Description),
		string(def), tpl.Enabled, timeOrNow(tpl.CreatedAt), timeOrNow(tpl.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	t := &Template{}
	var desc sql.NullString
	var defJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, description, definition, enabled, created_at, updated_at
		 FROM workflow_templates WHERE id = ?`, id,
	).Scan(&t.ID, &t.OrganizationID, &t.Name, &desc, &defJSON, &t.Enabled, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("template", id)
	}
	if err != nil {
		return nil, err
	}
	t.Description = desc.String
	if err := json.Unmarshal([]byte(defJSON), &t.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal template definition: %w", err)
	}
	return t, nil
}

func (s *LibSQLStore) ListTemplates(ctx context.Context, filter TemplateFilter) ([]*Template, error) {
	var where []string
	var args []any

	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := `SELECT id, organization_id, name, description, definition, enabled, created_at, updated_at FROM workflow_templates`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var templates []*Template
	for rows.Next() {
		t := &Template{}
		var desc sql.NullString
		var defJSON string
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.Name, &desc, &defJSON, &t.Enabled, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.Description = desc.String
		if err := json.Unmarshal([]byte(defJSON), &t.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal template definition: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}

func (s *LibSQLStore) DeleteTemplate(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflow_templates WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "template", id)
}

// --- Venues ---

func (s *LibSQLStore) UpsertVenue(ctx context.Context, venue *Venue) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO venues (id, organization_id, name, timezone, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, timezone=excluded.timezone, metadata=excluded.metadata`,
		venue.ID, venue.OrganizationID, venue.Name, nullStr(venue.Timezone),
		nullRaw(venue.Metadata), timeOrNow(venue.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetVenue(ctx context.Context, id string) (*Venue, error) {
	v := &Venue{}
	var tz, metadata sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, timezone, metadata, created_at FROM venues WHERE id = ?`, id,
	).Scan(&v.ID, &v.OrganizationID, &v.Name, &tz, &metadata, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("venue", id)
	}
	if err != nil {
		return nil, err
	}
	v.Timezone = tz.String
	v.Metadata = rawOrNil(metadata)
	return v, nil
}

func (s *LibSQLStore) ListVenues(ctx context.Context, organizationID string) ([]*Venue, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, organization_id, name, timezone, metadata, created_at
		 FROM venues WHERE organization_id = ? ORDER BY name ASC`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var venues []*Venue
	for rows.Next() {
		v := &Venue{}
		var tz, metadata sql.NullString
		if err := rows.Scan(&v.ID, &v.OrganizationID, &v.Name, &tz, &metadata, &v.CreatedAt); err != nil {
			return nil, err
		}
		v.Timezone = tz.String
		v.Metadata = rawOrNil(metadata)
		venues = append(venues, v)
	}
	return venues, rows.Err()
}

// --- Guardrail definitions ---

func (s *LibSQLStore) UpsertGuardrail(ctx context.Context, g *GuardrailRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guardrails (id, organization_id, name, category, prompt, threshold, folder_path, mark_as_seen, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, category=excluded.category, prompt=excluded.prompt,
		   threshold=excluded.threshold, folder_path=excluded.folder_path,
		   mark_as_seen=excluded.mark_as_seen, enabled=excluded.enabled,
		   updated_at=CURRENT_TIMESTAMP`,
		g.ID, g.OrganizationID, g.Name, g.Category, g.Prompt, g.Threshold,
		nullStr(g.FolderPath), g.MarkAsSeen, g.Enabled,
		timeOrNow(g.CreatedAt), timeOrNow(g.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetGuardrail(ctx context.Context, id string) (*GuardrailRecord, error) {
	g := &GuardrailRecord{}
	var folderPath sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, name, category, prompt, threshold, folder_path, mark_as_seen, enabled, created_at, updated_at
		 FROM guardrails WHERE id = ?`, id,
	).Scan(&g.ID, &g.OrganizationID, &g.Name, &g.Category, &g.Prompt, &g.Threshold,
		&folderPath, &g.MarkAsSeen, &g.Enabled, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("guardrail", id)
	}
	if err != nil {
		return nil, err
	}
	g.FolderPath = folderPath.String
	return g, nil
}

func (s *LibSQLStore) ListGuardrails(ctx context.Context, filter GuardrailFilter) ([]*GuardrailRecord, error) {
	var where []string
	var args []any

	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Category != "" {
		where = append(where, "category = ?")
		args = append(args, filter.Category)
	}
	if len(filter.Names) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(filter.Names)), ",")
		where = append(where, "name IN ("+placeholders+")")
		for _, n := range filter.Names {
			args = append(args, n)
		}
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := `SELECT id, organization_id, name, category, prompt, threshold, folder_path, mark_as_seen, enabled, created_at, updated_at FROM guardrails`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var guards []*GuardrailRecord
	for rows.Next() {
		g := &GuardrailRecord{}
		var folderPath sql.NullString
		if err := rows.Scan(&g.ID, &g.OrganizationID, &g.Name, &g.Category, &g.Prompt, &g.Threshold,
			&folderPath, &g.MarkAsSeen, &g.Enabled, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, err
		}
		g.FolderPath = folderPath.String
		guards = append(guards, g)
	}
	return guards, rows.Err()
}

// --- Scheduled triggers ---

func (s *LibSQLStore) CreateScheduledTrigger(ctx context.Context, trig *ScheduledTrigger) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scheduled_triggers (id, workflow_id, organization_id, venue_id, cron_expression, trigger_data, enabled, last_run_at, next_run_at, last_run_status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		trig.ID, trig.TemplateID, trig.OrganizationID, nullStr(trig.VenueID),
		trig.CronExpression, nullRaw(trig.TriggerData), trig.Enabled,
		nullTime(trig.LastRunAt), nullTime(trig.NextRunAt), nullStr(trig.LastRunStatus),
		timeOrNow(trig.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetScheduledTrigger(ctx context.Context, id string) (*ScheduledTrigger, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, organization_id, venue_id, cron_expression, trigger_data, enabled, last_run_at, next_run_at, last_run_status, created_at
		 FROM scheduled_triggers WHERE id = ?`, id)
	trig, err := scanScheduledTrigger(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("scheduled_trigger", id)
	}
	return trig, err
}

func (s *LibSQLStore) UpdateScheduledTrigger(ctx context.Context, id string, update ScheduledTriggerUpdate) error {
	var sets []string
	var args []any

	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, *update.Enabled)
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunStatus != "" {
		sets = append(sets, "last_run_status = ?")
		args = append(args, update.LastRunStatus)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE scheduled_triggers SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_trigger", id)
}

func (s *LibSQLStore) ListScheduledTriggers(ctx context.Context, filter ScheduledTriggerFilter) ([]*ScheduledTrigger, error) {
	var where []string
	var args []any

	if filter.OrganizationID != "" {
		where = append(where, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, *filter.Enabled)
	}

	query := `SELECT id, workflow_id, organization_id, venue_id, cron_expression, trigger_data, enabled, last_run_at, next_run_at, last_run_status, created_at FROM scheduled_triggers`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trigs []*ScheduledTrigger
	for rows.Next() {
		trig, err := scanScheduledTrigger(rows)
		if err != nil {
			return nil, err
		}
		trigs = append(trigs, trig)
	}
	return trigs, rows.Err()
}

func scanScheduledTrigger(row rowScanner) (*ScheduledTrigger, error) {
	trig := &ScheduledTrigger{}
	var venueID, triggerData, lastStatus sql.NullString
	var lastRunAt, nextRunAt sql.NullTime
	err := row.Scan(&trig.ID, &trig.TemplateID, &trig.OrganizationID, &venueID,
		&trig.CronExpression, &triggerData, &trig.Enabled,
		&lastRunAt, &nextRunAt, &lastStatus, &trig.CreatedAt)
	if err != nil {
		return nil, err
	}
	trig.VenueID = venueID.String
	trig.TriggerData = rawOrNil(triggerData)
	trig.LastRunStatus = lastStatus.String
	if lastRunAt.Valid {
		trig.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		trig.NextRunAt = &nextRunAt.Time
	}
	return trig, nil
}

func (s *LibSQLStore) DeleteScheduledTrigger(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_triggers WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_trigger", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
