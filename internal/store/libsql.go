package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rskumar/orderflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/var/lib/orderflow/executions.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
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

// --- Executions ---

const executionColumns = `id, machine, job_name, orders_key, returns_key, status, current_state, run_id, polls, document, error, cause, started_at, stopped_at, updated_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, exec *Execution) error {
	now := time.Now().UTC()
	if exec.StartedAt.IsZero() {
		exec.StartedAt = now
	}
	exec.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.Machine, exec.JobName, exec.Input.OrdersKey, exec.Input.ReturnsKey,
		string(exec.Status), nullStr(exec.CurrentState), nullStr(exec.RunID), exec.Polls,
		nullRaw(exec.Document), nullStr(exec.Error), nullStr(exec.Cause),
		exec.StartedAt, nullTime(exec.StoppedAt), exec.UpdatedAt,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ID).WithCause(err)
	}
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
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
	if update.CurrentState != nil {
		sets = append(sets, "current_state = ?")
		args = append(args, *update.CurrentState)
	}
	if update.RunID != nil {
		sets = append(sets, "run_id = ?")
		args = append(args, *update.RunID)
	}
	if update.Polls != nil {
		sets = append(sets, "polls = ?")
		args = append(args, *update.Polls)
	}
	if update.Document != nil {
		sets = append(sets, "document = ?")
		args = append(args, string(update.Document))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, *update.Error)
	}
	if update.Cause != nil {
		sets = append(sets, "cause = ?")
		args = append(args, *update.Cause)
	}
	if update.StoppedAt != nil {
		sets = append(sets, "stopped_at = ?")
		args = append(args, *update.StoppedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())

	query := "UPDATE executions SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	args = append(args, id)
	if update.IfStatus != nil {
		query += " AND status = ?"
		args = append(args, string(*update.IfStatus))
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
	if update.IfStatus == nil {
		return storeNotFound("execution", id)
	}
	// Distinguish a missing row from a lost status race.
	if _, err := s.GetExecution(ctx, id); err != nil {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is no longer %s", id, *update.IfStatus)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id ASC"
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

	var out []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	exec := &Execution{}
	var (
		status                  string
		currentState, runID     sql.NullString
		document, errMsg, cause sql.NullString
		stoppedAt               sql.NullTime
	)
	err := row.Scan(&exec.ID, &exec.Machine, &exec.JobName, &exec.Input.OrdersKey, &exec.Input.ReturnsKey,
		&status, &currentState, &runID, &exec.Polls, &document, &errMsg, &cause,
		&exec.StartedAt, &stoppedAt, &exec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	exec.Status = schema.ExecutionStatus(status)
	exec.CurrentState = currentState.String
	exec.RunID = runID.String
	exec.Document = rawOrNil(document)
	exec.Error = errMsg.String
	exec.Cause = cause.String
	if stoppedAt.Valid {
		exec.StoppedAt = &stoppedAt.Time
	}
	return exec, nil
}

// --- History ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

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

	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (execution_id, kind, state_name, error, cause, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, string(event.Kind), nullStr(event.StateName), nullStr(event.Error),
		nullStr(event.Cause), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		event.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, execution_id, kind, state_name, error, cause, timestamp, sequence
		 FROM events WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var kind string
		var stateName, errName, cause sql.NullString
		if err := rows.Scan(&e.ID, &e.ExecutionID, &kind, &stateName, &errName, &cause, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.Kind = schema.EventKind(kind)
		e.StateName = stateName.String
		e.Error = errName.String
		e.Cause = cause.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.PipelineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
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

var _ Store = (*LibSQLStore)(nil)
