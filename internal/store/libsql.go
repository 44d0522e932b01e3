package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/nodeflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*LibSQLStore)(nil)

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/nodeflow.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate applies the embedded migrations the database has not seen yet.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	migrations, err := parseMigrations(embeddedMigrations, "migrations")
	if err != nil {
		return err
	}
	_, err = applyMigrations(ctx, s.db, migrations)
	return err
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// --- Workflows ---

const workflowColumns = `id, name, nodes, connections, active, execution_count, success_count, failure_count, last_executed_at, created_at, updated_at`

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	nodes, err := marshalSlice(wf.Nodes)
	if err != nil {
		return fmt.Errorf("marshal nodes: %w", err)
	}
	conns, err := marshalSlice(wf.Connections)
	if err != nil {
		return fmt.Errorf("marshal connections: %w", err)
	}
	wf.CreatedAt = s.timeOrNow(wf.CreatedAt)
	wf.UpdatedAt = s.timeOrNow(wf.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, string(nodes), string(conns), wf.Active,
		wf.ExecutionCount, wf.SuccessCount, wf.FailureCount, nullTime(wf.LastExecutedAt),
		wf.CreatedAt, wf.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
	}
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *update.Name)
	}
	if update.Nodes != nil {
		raw, err := json.Marshal(update.Nodes)
		if err != nil {
			return fmt.Errorf("marshal nodes: %w", err)
		}
		sets = append(sets, "nodes = ?")
		args = append(args, string(raw))
	}
	if update.Connections != nil {
		raw, err := json.Marshal(update.Connections)
		if err != nil {
			return fmt.Errorf("marshal connections: %w", err)
		}
		sets = append(sets, "connections = ?")
		args = append(args, string(raw))
	}
	if update.Active != nil {
		sets = append(sets, "active = ?")
		args = append(args, *update.Active)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now(), id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.Active != nil {
		where = append(where, "active = ?")
		args = append(args, *filter.Active)
	}

	query := "SELECT " + workflowColumns + " FROM workflows"
	query += whereClause(where) + " ORDER BY created_at DESC" + limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) IncrementWorkflowCounters(ctx context.Context, id string, success bool, at time.Time) error {
	succ, fail := 0, 1
	if success {
		succ, fail = 1, 0
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflows SET execution_count = execution_count + 1,
		   success_count = success_count + ?, failure_count = failure_count + ?,
		   last_executed_at = ?, updated_at = ?
		 WHERE id = ?`,
		succ, fail, s.timeOrNow(at), s.now(), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func scanWorkflow(row rowScanner) (*Workflow, error) {
	wf := &Workflow{}
	var (
		nodesJSON, connsJSON string
		lastExecuted         sql.NullTime
	)
	if err := row.Scan(&wf.ID, &wf.Name, &nodesJSON, &connsJSON, &wf.Active,
		&wf.ExecutionCount, &wf.SuccessCount, &wf.FailureCount, &lastExecuted,
		&wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(nodesJSON), &wf.Nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if err := json.Unmarshal([]byte(connsJSON), &wf.Connections); err != nil {
		return nil, fmt.Errorf("unmarshal connections: %w", err)
	}
	wf.LastExecutedAt = timePtr(lastExecuted)
	return wf, nil
}

// --- Executions ---

const executionColumns = `id, workflow_id, user_id, mode, status, input_data, output_data, current_node_id, progress, started_at, finished_at, duration_ms, error_message, error_stack, created_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution, initialLog *ExecutionLog) error {
	input, err := marshalMapOrDefault(exec.InputData)
	if err != nil {
		return fmt.Errorf("marshal input_data: %w", err)
	}
	output, err := marshalMapOrNil(exec.OutputData)
	if err != nil {
		return fmt.Errorf("marshal output_data: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	exec.CreatedAt = s.timeOrNow(exec.CreatedAt)
	exec.UpdatedAt = s.timeOrNow(exec.UpdatedAt)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.WorkflowID, nullStr(exec.UserID), string(exec.Mode), string(exec.Status),
		string(input), output, nullStr(exec.CurrentNodeID), exec.Progress,
		nullTime(exec.StartedAt), nullTime(exec.FinishedAt), nullInt(exec.DurationMs),
		nullStr(exec.ErrorMessage), nullStr(exec.ErrorStack), exec.CreatedAt, exec.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID)
	}
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}

	if initialLog != nil {
		initialLog.ExecutionID = exec.ID
		if err := s.appendLogTx(ctx, tx, initialLog); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit execution: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	exec, err := scanExecution(s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	return exec, err
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.OutputData != nil {
		raw, err := json.Marshal(update.OutputData)
		if err != nil {
			return fmt.Errorf("marshal output_data: %w", err)
		}
		sets = append(sets, "output_data = ?")
		args = append(args, string(raw))
	}
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, nullStr(*update.CurrentNodeID))
	}
	if update.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *update.Progress)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, *update.FinishedAt)
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = ?")
		args = append(args, *update.DurationMs)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, nullStr(*update.ErrorMessage))
	}
	if update.ErrorStack != nil {
		sets = append(sets, "error_stack = ?")
		args = append(args, nullStr(*update.ErrorStack))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now(), id)

	query := fmt.Sprintf("UPDATE executions SET %s WHERE id = ?", strings.Join(sets, ", "))
	if len(update.ExpectStatus) > 0 {
		query += " AND status IN (" + placeholders(len(update.ExpectStatus)) + ")"
		for _, st := range update.ExpectStatus {
			args = append(args, string(st))
		}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return storeNotFound("execution", id)
	}
	if err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is %s", id, current).
		WithDetails(map[string]any{"status": current})
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Mode != nil {
		where = append(where, "mode = ?")
		args = append(args, string(*filter.Mode))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}
	order := " ORDER BY created_at DESC"
	if filter.StartedBefore != nil {
		where = append(where, "started_at IS NOT NULL", "started_at <= ?")
		args = append(args, *filter.StartedBefore)
		order = " ORDER BY started_at ASC, id ASC"
	}

	query := "SELECT " + executionColumns + " FROM executions"
	query += whereClause(where) + order + limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func scanExecution(row rowScanner) (*Execution, error) {
	e := &Execution{}
	var (
		userID, currentNode, errMsg, errStack sql.NullString
		outputJSON                            sql.NullString
		inputJSON, mode, status               string
		startedAt, finishedAt                 sql.NullTime
		durationMs                            sql.NullInt64
	)
	if err := row.Scan(&e.ID, &e.WorkflowID, &userID, &mode, &status, &inputJSON, &outputJSON,
		&currentNode, &e.Progress, &startedAt, &finishedAt, &durationMs, &errMsg, &errStack,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.UserID = userID.String
	e.Mode = schema.ExecutionMode(mode)
	e.Status = schema.ExecutionStatus(status)
	e.CurrentNodeID = currentNode.String
	e.ErrorMessage = errMsg.String
	e.ErrorStack = errStack.String
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &e.InputData); err != nil {
			return nil, fmt.Errorf("unmarshal input_data: %w", err)
		}
	}
	if outputJSON.Valid && outputJSON.String != "" {
		if err := json.Unmarshal([]byte(outputJSON.String), &e.OutputData); err != nil {
			return nil, fmt.Errorf("unmarshal output_data: %w", err)
		}
	}
	e.StartedAt = timePtr(startedAt)
	e.FinishedAt = timePtr(finishedAt)
	if durationMs.Valid {
		d := durationMs.Int64
		e.DurationMs = &d
	}
	return e, nil
}

// --- Execution logs ---

func (s *LibSQLStore) AppendExecutionLog(ctx context.Context, log *ExecutionLog) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := s.appendLogTx(ctx, tx, log); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log: %w", err)
	}
	return nil
}

// appendLogTx assigns the next per-execution sequence and inserts the log line.
func (s *LibSQLStore) appendLogTx(ctx context.Context, tx *sql.Tx, log *ExecutionLog) error {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_logs WHERE execution_id = ?`, log.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}

	data, err := marshalMapOrNil(log.Data)
	if err != nil {
		return fmt.Errorf("marshal log data: %w", err)
	}
	if log.Level == "" {
		log.Level = schema.LogLevelInfo
	}
	log.CreatedAt = s.timeOrNow(log.CreatedAt)

	res, err := tx.ExecContext(ctx,
		`INSERT INTO execution_logs (execution_id, sequence, level, message, node_id, node_name, data, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ExecutionID, seq, string(log.Level), log.Message,
		nullStr(log.NodeID), nullStr(log.NodeName), data, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert log: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		log.ID = id
	}
	log.Sequence = seq
	return nil
}

func (s *LibSQLStore) ListExecutionLogs(ctx context.Context, executionID string, sinceSeq int64) ([]*ExecutionLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, sequence, level, message, node_id, node_name, data, created_at
		 FROM execution_logs WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, sinceSeq,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*ExecutionLog
	for rows.Next() {
		l := &ExecutionLog{}
		var (
			level            string
			nodeID, nodeName sql.NullString
			data             sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.ExecutionID, &l.Sequence, &level, &l.Message,
			&nodeID, &nodeName, &data, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Level = schema.LogLevel(level)
		l.NodeID = nodeID.String
		l.NodeName = nodeName.String
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &l.Data); err != nil {
				return nil, fmt.Errorf("unmarshal log data: %w", err)
			}
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *LibSQLStore) DeleteExecutionLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM execution_logs WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Schedules ---

const scheduleColumns = `id, workflow_id, cron_expression, timezone, status, input_data, next_execution_at, last_execution_at, execution_count, failure_count, created_at, updated_at`

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sched *ScheduledWorkflow) error {
	input, err := marshalMapOrDefault(sched.InputData)
	if err != nil {
		return fmt.Errorf("marshal input_data: %w", err)
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	sched.CreatedAt = s.timeOrNow(sched.CreatedAt)
	sched.UpdatedAt = s.timeOrNow(sched.UpdatedAt)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_workflows (`+scheduleColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sched.ID, sched.WorkflowID, sched.CronExpression, sched.Timezone, string(sched.Status),
		string(input), nullTime(sched.NextExecutionAt), nullTime(sched.LastExecutionAt),
		sched.ExecutionCount, sched.FailureCount, sched.CreatedAt, sched.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return schema.NewErrorf(schema.ErrCodeConflict, "schedule %q already exists", sched.ID)
	}
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*ScheduledWorkflow, error) {
	sched, err := scanSchedule(s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM scheduled_workflows WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sched, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.CronExpression != nil {
		sets = append(sets, "cron_expression = ?")
		args = append(args, *update.CronExpression)
	}
	if update.Timezone != nil {
		sets = append(sets, "timezone = ?")
		args = append(args, *update.Timezone)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.InputData != nil {
		raw, err := json.Marshal(update.InputData)
		if err != nil {
			return fmt.Errorf("marshal input_data: %w", err)
		}
		sets = append(sets, "input_data = ?")
		args = append(args, string(raw))
	}
	switch {
	case update.ClearNextExecution:
		sets = append(sets, "next_execution_at = NULL")
	case update.NextExecutionAt != nil:
		sets = append(sets, "next_execution_at = ?")
		args = append(args, *update.NextExecutionAt)
	}
	if update.LastExecutionAt != nil {
		sets = append(sets, "last_execution_at = ?")
		args = append(args, *update.LastExecutionAt)
	}
	if update.IncrementExecution {
		sets = append(sets, "execution_count = execution_count + 1")
	}
	if update.IncrementFailure {
		sets = append(sets, "failure_count = failure_count + 1")
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.now(), id)

	query := fmt.Sprintf("UPDATE scheduled_workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*ScheduledWorkflow, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := "SELECT " + scheduleColumns + " FROM scheduled_workflows"
	query += whereClause(where) + " ORDER BY created_at ASC" + limitClause(filter.Limit, filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scheds []*ScheduledWorkflow
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		scheds = append(scheds, sc)
	}
	return scheds, rows.Err()
}

func scanSchedule(row rowScanner) (*ScheduledWorkflow, error) {
	sc := &ScheduledWorkflow{}
	var (
		status, inputJSON string
		nextAt, lastAt    sql.NullTime
	)
	if err := row.Scan(&sc.ID, &sc.WorkflowID, &sc.CronExpression, &sc.Timezone, &status, &inputJSON,
		&nextAt, &lastAt, &sc.ExecutionCount, &sc.FailureCount, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return nil, err
	}
	sc.Status = schema.ScheduleStatus(status)
	if inputJSON != "" {
		if err := json.Unmarshal([]byte(inputJSON), &sc.InputData); err != nil {
			return nil, fmt.Errorf("unmarshal input_data: %w", err)
		}
	}
	sc.NextExecutionAt = timePtr(nextAt)
	sc.LastExecutionAt = timePtr(lastAt)
	return sc, nil
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.NodeflowError {
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

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func whereClause(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

func limitClause(limit, offset int) string {
	if limit <= 0 {
		return ""
	}
	q := fmt.Sprintf(" LIMIT %d", limit)
	if offset > 0 {
		q += fmt.Sprintf(" OFFSET %d", offset)
	}
	return q
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func (s *LibSQLStore) timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
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

func nullInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func marshalSlice[T any](items []T) ([]byte, error) {
	if items == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(items)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalMapOrNil(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
