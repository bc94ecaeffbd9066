package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/flowplane/pkg/schema"
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

// DB returns the underlying *sql.DB.
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

// --- Workflow versions ---

// PutWorkflowVersion stores one published revision together with the
// trigger bindings derived from its DAG. Re-publishing the same
// (workflow_id, version) replaces the stored documents and bindings.
func (s *LibSQLStore) PutWorkflowVersion(ctx context.Context, wv *WorkflowVersion) error {
	if wv.DAG == nil {
		return schema.NewError(schema.ErrCodeStore, "workflow version has no dag")
	}
	dagJSON, err := json.Marshal(wv.DAG)
	if err != nil {
		return fmt.Errorf("marshal dag: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflows (workflow_id, version, user_id, name, executable, dag, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(workflow_id, version) DO UPDATE SET
		   user_id=excluded.user_id, name=excluded.name,
		   executable=excluded.executable, dag=excluded.dag,
		   updated_at=CURRENT_TIMESTAMP`,
		wv.WorkflowID, wv.Version, nullStr(wv.UserID), nullStr(wv.Name),
		nullRaw(wv.Executable), string(dagJSON), timeOrNow(wv.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert workflow version: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM trigger_bindings WHERE workflow_id = ? AND version = ?`,
		wv.WorkflowID, wv.Version,
	); err != nil {
		return fmt.Errorf("clear trigger bindings: %w", err)
	}
	for _, n := range wv.DAG.Nodes {
		if n.Type != schema.NodeTrigger || n.Data.TriggerInstanceID == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO trigger_bindings (trigger_instance_id, workflow_id, version, node_id)
			 VALUES (?, ?, ?, ?)`,
			n.Data.TriggerInstanceID, wv.WorkflowID, wv.Version, n.ID,
		); err != nil {
			return fmt.Errorf("insert trigger binding: %w", err)
		}
	}

	return tx.Commit()
}

func (s *LibSQLStore) GetWorkflowVersion(ctx context.Context, workflowID string, version int) (*WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, version, user_id, name, executable, dag, created_at, updated_at
		 FROM workflows WHERE workflow_id = ? AND version = ?`,
		workflowID, version,
	)
	wv, err := scanWorkflowVersion(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow version", fmt.Sprintf("%s@%d", workflowID, version))
	}
	return wv, err
}

func (s *LibSQLStore) LatestWorkflowVersion(ctx context.Context, workflowID string) (*WorkflowVersion, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, version, user_id, name, executable, dag, created_at, updated_at
		 FROM workflows WHERE workflow_id = ? ORDER BY version DESC LIMIT 1`,
		workflowID,
	)
	wv, err := scanWorkflowVersion(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", workflowID)
	}
	return wv, err
}

func (s *LibSQLStore) ListWorkflowVersions(ctx context.Context, workflowID string) ([]*WorkflowVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, version, user_id, name, executable, dag, created_at, updated_at
		 FROM workflows WHERE workflow_id = ? ORDER BY version ASC`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectWorkflowVersions(rows)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowVersion, error) {
	query := `SELECT w.workflow_id, w.version, w.user_id, w.name, w.executable, w.dag, w.created_at, w.updated_at
		 FROM workflows w
		 JOIN (SELECT workflow_id, MAX(version) AS version FROM workflows GROUP BY workflow_id) latest
		   ON w.workflow_id = latest.workflow_id AND w.version = latest.version`
	var where []string
	var args []any
	if filter.UserID != "" {
		where = append(where, "w.user_id = ?")
		args = append(args, filter.UserID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY w.workflow_id"
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
	return collectWorkflowVersions(rows)
}

func (s *LibSQLStore) ResolveTrigger(ctx context.Context, triggerInstanceID string) (*TriggerBinding, error) {
	tb := &TriggerBinding{}
	err := s.db.QueryRowContext(ctx,
		`SELECT trigger_instance_id, workflow_id, version, node_id
		 FROM trigger_bindings WHERE trigger_instance_id = ?`,
		triggerInstanceID,
	).Scan(&tb.TriggerInstanceID, &tb.WorkflowID, &tb.Version, &tb.NodeID)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("trigger binding", triggerInstanceID)
	}
	if err != nil {
		return nil, err
	}
	return tb, nil
}

// DeleteWorkflow removes every version of a workflow and its bindings.
func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, workflowID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "workflow", workflowID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM trigger_bindings WHERE workflow_id = ?`, workflowID); err != nil {
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflowVersion(row rowScanner) (*WorkflowVersion, error) {
	wv := &WorkflowVersion{}
	var userID, name, executable sql.NullString
	var dagJSON string
	if err := row.Scan(&wv.WorkflowID, &wv.Version, &userID, &name, &executable, &dagJSON, &wv.CreatedAt, &wv.UpdatedAt); err != nil {
		return nil, err
	}
	wv.UserID = userID.String
	wv.Name = name.String
	wv.Executable = rawOrNil(executable)
	wv.DAG = &schema.DAG{}
	if err := json.Unmarshal([]byte(dagJSON), wv.DAG); err != nil {
		return nil, fmt.Errorf("unmarshal dag: %w", err)
	}
	return wv, nil
}

func collectWorkflowVersions(rows *sql.Rows) ([]*WorkflowVersion, error) {
	var out []*WorkflowVersion
	for rows.Next() {
		wv, err := scanWorkflowVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wv)
	}
	return out, rows.Err()
}

// --- Schedules ---

func (s *LibSQLStore) UpsertSchedule(ctx context.Context, sched *schema.Schedule) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (schedule_id, workflow_id, version, user_id, cron_expr, timezone,
		   start_at, end_at, next_run_at, paused, jitter_ms, overlap_policy, catchup_policy, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(schedule_id) DO UPDATE SET
		   workflow_id=excluded.workflow_id, version=excluded.version, user_id=excluded.user_id,
		   cron_expr=excluded.cron_expr, timezone=excluded.timezone,
		   start_at=excluded.start_at, end_at=excluded.end_at, next_run_at=excluded.next_run_at,
		   paused=excluded.paused, jitter_ms=excluded.jitter_ms,
		   overlap_policy=excluded.overlap_policy, catchup_policy=excluded.catchup_policy,
		   updated_at=CURRENT_TIMESTAMP`,
		sched.ScheduleID, sched.WorkflowID, sched.Version, nullStr(sched.UserID),
		sched.CronExpr, sched.Timezone, nullTime(sched.StartAt), nullTime(sched.EndAt),
		sched.NextRunAt.UTC(), sched.Paused, sched.JitterMs,
		string(sched.OverlapPolicy), string(sched.CatchupPolicy), timeOrNow(sched.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*schema.Schedule, error) {
	row := s.db.QueryRowContext(ctx, scheduleSelect+` WHERE schedule_id = ?`, id)
	sched, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sched, err
}

func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error {
	var sets []string
	var args []any
	if update.CronExpr != nil {
		sets = append(sets, "cron_expr = ?")
		args = append(args, *update.CronExpr)
	}
	if update.Timezone != nil {
		sets = append(sets, "timezone = ?")
		args = append(args, *update.Timezone)
	}
	if update.StartAt != nil {
		sets = append(sets, "start_at = ?")
		args = append(args, update.StartAt.UTC())
	}
	if update.EndAt != nil {
		sets = append(sets, "end_at = ?")
		args = append(args, update.EndAt.UTC())
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, update.NextRunAt.UTC())
	}
	if update.Paused != nil {
		sets = append(sets, "paused = ?")
		args = append(args, *update.Paused)
	}
	if update.JitterMs != nil {
		sets = append(sets, "jitter_ms = ?")
		args = append(args, *update.JitterMs)
	}
	if update.OverlapPolicy != nil {
		sets = append(sets, "overlap_policy = ?")
		args = append(args, string(*update.OverlapPolicy))
	}
	if update.CatchupPolicy != nil {
		sets = append(sets, "catchup_policy = ?")
		args = append(args, string(*update.CatchupPolicy))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE schedules SET %s WHERE schedule_id = ?`, strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE schedule_id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*schema.Schedule, error) {
	query := scheduleSelect
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Paused != nil {
		where = append(where, "paused = ?")
		args = append(args, *filter.Paused)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY schedule_id"
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

	var out []*schema.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

// DueSchedules returns unpaused schedules whose next fire time falls at or
// before the given instant, soonest first.
func (s *LibSQLStore) DueSchedules(ctx context.Context, until time.Time, limit int) ([]*schema.Schedule, error) {
	query := scheduleSelect + ` WHERE paused = 0 AND next_run_at <= ? ORDER BY next_run_at ASC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, until.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sched)
	}
	return out, rows.Err()
}

const scheduleSelect = `SELECT schedule_id, workflow_id, version, user_id, cron_expr, timezone,
	start_at, end_at, next_run_at, paused, jitter_ms, overlap_policy, catchup_policy, created_at, updated_at
	FROM schedules`

func scanSchedule(row rowScanner) (*schema.Schedule, error) {
	sched := &schema.Schedule{}
	var userID sql.NullString
	var startAt, endAt sql.NullTime
	var overlap, catchup string
	if err := row.Scan(&sched.ScheduleID, &sched.WorkflowID, &sched.Version, &userID,
		&sched.CronExpr, &sched.Timezone, &startAt, &endAt, &sched.NextRunAt,
		&sched.Paused, &sched.JitterMs, &overlap, &catchup,
		&sched.CreatedAt, &sched.UpdatedAt); err != nil {
		return nil, err
	}
	sched.UserID = userID.String
	if startAt.Valid {
		sched.StartAt = &startAt.Time
	}
	if endAt.Valid {
		sched.EndAt = &endAt.Time
	}
	sched.OverlapPolicy = schema.OverlapPolicy(overlap)
	sched.CatchupPolicy = schema.CatchupPolicy(catchup)
	return sched, nil
}

// --- Schedule runs ---

// InsertScheduleRun records one planned emission. It reports false when a
// record with the same idempotency key already exists, which is the signal
// that another scan already claimed this instant.
func (s *LibSQLStore) InsertScheduleRun(ctx context.Context, sr *schema.ScheduleRun) (bool, error) {
	status := sr.Status
	if status == "" {
		status = schema.ScheduleRunEnqueued
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO schedule_runs (idempotency_key, schedule_id, run_at, status, run_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		sr.IdempotencyKey, sr.ScheduleID, sr.RunAt.UTC(), string(status),
		nullStr(sr.RunID), timeOrNow(sr.CreatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) UpdateScheduleRun(ctx context.Context, idemKey string, update ScheduleRunUpdate) error {
	sets := []string{"status = ?", "updated_at = CURRENT_TIMESTAMP"}
	args := []any{string(update.Status)}
	if update.RunID != nil {
		sets = []string{"status = ?", "run_id = ?", "updated_at = CURRENT_TIMESTAMP"}
		args = append(args, *update.RunID)
	}
	args = append(args, idemKey)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE schedule_runs SET %s WHERE idempotency_key = ?`, strings.Join(sets, ", ")),
		args...,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule run", idemKey)
}

func (s *LibSQLStore) ListScheduleRuns(ctx context.Context, scheduleID string, limit int) ([]*schema.ScheduleRun, error) {
	query := `SELECT idempotency_key, schedule_id, run_at, status, run_id, created_at, updated_at
		 FROM schedule_runs WHERE schedule_id = ? ORDER BY run_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ScheduleRun
	for rows.Next() {
		sr := &schema.ScheduleRun{}
		var status string
		var runID sql.NullString
		if err := rows.Scan(&sr.IdempotencyKey, &sr.ScheduleID, &sr.RunAt, &status, &runID, &sr.CreatedAt, &sr.UpdatedAt); err != nil {
			return nil, err
		}
		sr.Status = schema.ScheduleRunStatus(status)
		sr.RunID = runID.String
		out = append(out, sr)
	}
	return out, rows.Err()
}

// InFlightScheduleRuns counts emissions of a schedule that have not reached
// a terminal status. Overlap policies consult this before enqueueing.
func (s *LibSQLStore) InFlightScheduleRuns(ctx context.Context, scheduleID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM schedule_runs WHERE schedule_id = ? AND status IN (?, ?)`,
		scheduleID, string(schema.ScheduleRunEnqueued), string(schema.ScheduleRunStarted),
	).Scan(&n)
	return n, err
}

// --- Runs ---

func (s *LibSQLStore) CreateRun(ctx context.Context, run *schema.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, workflow_id, version, user_id, status, source, trigger_digest, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.WorkflowID, run.Version, nullStr(run.UserID),
		string(run.Status), string(run.Source), nullStr(run.TriggerDigest),
		timeOrNow(run.StartedAt), nullTime(run.FinishedAt),
	)
	return err
}

func (s *LibSQLStore) GetRun(ctx context.Context, runID string) (*schema.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, workflow_id, version, user_id, status, source, trigger_digest, started_at, finished_at
		 FROM runs WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("run", runID)
	}
	return run, err
}

// FinalizeRun moves a run to its terminal status and, in the same
// transaction, marks every still-pending node execution SKIPPED so no
// attempt can start after the run is closed.
func (s *LibSQLStore) FinalizeRun(ctx context.Context, runID string, status schema.RunStatus, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = ? WHERE run_id = ? AND status = ?`,
		string(status), at.UTC(), runID, string(schema.RunRunning),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"run %q is not RUNNING", runID)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE node_executions SET status = ?, finished_at = ? WHERE run_id = ? AND status = ?`,
		string(schema.NodeSkipped), at.UTC(), runID, string(schema.NodePending),
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*schema.Run, error) {
	query := `SELECT run_id, workflow_id, version, user_id, status, source, trigger_digest, started_at, finished_at FROM runs`
	var where []string
	var args []any
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Source != "" {
		where = append(where, "source = ?")
		args = append(args, string(filter.Source))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC"
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

	var out []*schema.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanRun(row rowScanner) (*schema.Run, error) {
	run := &schema.Run{}
	var userID, digest sql.NullString
	var status, source string
	var finishedAt sql.NullTime
	if err := row.Scan(&run.RunID, &run.WorkflowID, &run.Version, &userID,
		&status, &source, &digest, &run.StartedAt, &finishedAt); err != nil {
		return nil, err
	}
	run.UserID = userID.String
	run.Status = schema.RunStatus(status)
	run.Source = schema.RunSource(source)
	run.TriggerDigest = digest.String
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	return run, nil
}

// --- Node executions ---

func (s *LibSQLStore) UpsertNodeExecution(ctx context.Context, ne *schema.NodeExecution) error {
	attempt := ne.Attempt
	if attempt == 0 {
		attempt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_executions (run_id, node_id, attempt, status, output_ref, error, idem_key, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, node_id, attempt) DO UPDATE SET
		   status=excluded.status, output_ref=excluded.output_ref, error=excluded.error,
		   idem_key=excluded.idem_key, finished_at=excluded.finished_at`,
		ne.RunID, ne.NodeID, attempt, string(ne.Status),
		nullStr(ne.OutputRef), nullStr(ne.Error), nullStr(ne.IdemKey),
		timeOrNow(ne.StartedAt), nullTime(ne.FinishedAt),
	)
	return err
}

// GetNodeExecution returns the current attempt, i.e. the one with the
// highest attempt number for (run_id, node_id).
func (s *LibSQLStore) GetNodeExecution(ctx context.Context, runID, nodeID string) (*schema.NodeExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, node_id, attempt, status, output_ref, error, idem_key, started_at, finished_at
		 FROM node_executions WHERE run_id = ? AND node_id = ?
		 ORDER BY attempt DESC LIMIT 1`,
		runID, nodeID,
	)
	ne, err := scanNodeExecution(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node execution", fmt.Sprintf("%s/%s", runID, nodeID))
	}
	return ne, err
}

// ListNodeExecutions returns the current attempt of every node in a run.
func (s *LibSQLStore) ListNodeExecutions(ctx context.Context, runID string) ([]*schema.NodeExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ne.run_id, ne.node_id, ne.attempt, ne.status, ne.output_ref, ne.error, ne.idem_key, ne.started_at, ne.finished_at
		 FROM node_executions ne
		 JOIN (SELECT run_id, node_id, MAX(attempt) AS attempt FROM node_executions WHERE run_id = ? GROUP BY node_id) cur
		   ON ne.run_id = cur.run_id AND ne.node_id = cur.node_id AND ne.attempt = cur.attempt
		 ORDER BY ne.node_id`,
		runID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.NodeExecution
	for rows.Next() {
		ne, err := scanNodeExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ne)
	}
	return out, rows.Err()
}

func scanNodeExecution(row rowScanner) (*schema.NodeExecution, error) {
	ne := &schema.NodeExecution{}
	var status string
	var outputRef, errMsg, idemKey sql.NullString
	var finishedAt sql.NullTime
	if err := row.Scan(&ne.RunID, &ne.NodeID, &ne.Attempt, &status,
		&outputRef, &errMsg, &idemKey, &ne.StartedAt, &finishedAt); err != nil {
		return nil, err
	}
	ne.Status = schema.NodeStatus(status)
	ne.OutputRef = outputRef.String
	ne.Error = errMsg.String
	ne.IdemKey = idemKey.String
	if finishedAt.Valid {
		ne.FinishedAt = &finishedAt.Time
	}
	return ne, nil
}

// --- Join arrivals ---

// RecordJoinArrival inserts one arrival and reports whether this was the
// first time the edge completed. Replays of the same edge are no-ops.
func (s *LibSQLStore) RecordJoinArrival(ctx context.Context, ja *schema.JoinArrival) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO join_arrivals (run_id, join_node_id, from_node_id, arrived_at)
		 VALUES (?, ?, ?, ?)`,
		ja.RunID, ja.JoinNodeID, ja.FromNodeID, timeOrNow(ja.ArrivedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *LibSQLStore) CountJoinArrivals(ctx context.Context, runID, joinNodeID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM join_arrivals WHERE run_id = ? AND join_node_id = ?`,
		runID, joinNodeID,
	).Scan(&n)
	return n, err
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
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
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
