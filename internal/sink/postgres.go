package sink

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rskumar/orderflow/internal/table"
)

// DefaultTable receives the joined rows.
const DefaultTable = "joined_results"

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// PostgresSink replaces a table inside one transaction and records the run
// that produced it in sink_runs.
type PostgresSink struct {
	pool  *pgxpool.Pool
	table string
}

// Run is one row of sink_runs.
type Run struct {
	RunID      string    `json:"run_id"`
	Table      string    `json:"table"`
	RowCount   int64     `json:"row_count"`
	ReplacedAt time.Time `json:"replaced_at"`
}

// NewPostgresSink connects to dsn. An empty tableName uses DefaultTable.
func NewPostgresSink(ctx context.Context, dsn, tableName string) (*PostgresSink, error) {
	if tableName == "" {
		tableName = DefaultTable
	}
	if !identPattern.MatchString(tableName) {
		return nil, fmt.Errorf("invalid table name %q", tableName)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresSink{pool: pool, table: tableName}, nil
}

func (p *PostgresSink) Name() string { return "relational" }

// Close releases the pool.
func (p *PostgresSink) Close() { p.pool.Close() }

// Migrate creates the run ledger.
func (p *PostgresSink) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS sink_runs (
			run_id      TEXT NOT NULL,
			table_name  TEXT NOT NULL,
			row_count   BIGINT NOT NULL,
			replaced_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (run_id, table_name)
		)`)
	return err
}

// Replace drops and recreates the table with t's columns, loads every row
// and upserts the run ledger, all in one transaction.
func (p *PostgresSink) Replace(ctx context.Context, runID string, t *table.Table) error {
	if err := p.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate sink_runs: %w", err)
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	ident := pgx.Identifier{p.table}.Sanitize()
	if _, err := tx.Exec(ctx, "DROP TABLE IF EXISTS "+ident); err != nil {
		return fmt.Errorf("drop %s: %w", p.table, err)
	}
	ddl := "CREATE TABLE " + ident + " (run_id TEXT NOT NULL"
	for _, c := range t.Columns {
		ddl += ", " + pgx.Identifier{c}.Sanitize() + " TEXT"
	}
	ddl += ")"
	if _, err := tx.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create %s: %w", p.table, err)
	}

	columns := append([]string{"run_id"}, t.Columns...)
	rows := make([][]any, len(t.Rows))
	for i, cells := range t.Rows {
		row := make([]any, 0, len(columns))
		row = append(row, runID)
		for _, cell := range cells {
			if cell == nil {
				row = append(row, nil)
				continue
			}
			row = append(row, cellString(cell))
		}
		rows[i] = row
	}
	n, err := tx.CopyFrom(ctx, pgx.Identifier{p.table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy rows into %s: %w", p.table, err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO sink_runs (run_id, table_name, row_count, replaced_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, table_name) DO UPDATE
		SET row_count = EXCLUDED.row_count, replaced_at = EXCLUDED.replaced_at`,
		runID, p.table, n, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return tx.Commit(ctx)
}

// LastRun returns the newest ledger entry for the table, or nil.
func (p *PostgresSink) LastRun(ctx context.Context) (*Run, error) {
	run := &Run{}
	err := p.pool.QueryRow(ctx, `
		SELECT run_id, table_name, row_count, replaced_at FROM sink_runs
		WHERE table_name = $1 ORDER BY replaced_at DESC LIMIT 1`, p.table,
	).Scan(&run.RunID, &run.Table, &run.RowCount, &run.ReplacedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// Read returns the current table content without the run_id column. A
// missing table reads as nil.
func (p *PostgresSink) Read(ctx context.Context) (*table.Table, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, p.table).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}

	rows, err := p.pool.Query(ctx, "SELECT * FROM "+pgx.Identifier{p.table}.Sanitize())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	keep := []int{}
	for i, fd := range rows.FieldDescriptions() {
		if fd.Name == "run_id" {
			continue
		}
		columns = append(columns, fd.Name)
		keep = append(keep, i)
	}
	t := table.New(columns...)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		cells := make([]any, len(keep))
		for j, i := range keep {
			cells[j] = values[i]
		}
		t.Rows = append(t.Rows, cells)
	}
	return t, rows.Err()
}

func cellString(v any) string {
	switch val := v.(type) {
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}

var _ Sink = (*PostgresSink)(nil)
