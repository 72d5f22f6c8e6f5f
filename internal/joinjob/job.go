// Package joinjob is the batch transform behind the local task runner: it
// reads the orders and returns CSVs, joins them and replaces both sinks.
package joinjob

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rskumar/orderflow/internal/logging"
	"github.com/rskumar/orderflow/internal/objectstore"
	"github.com/rskumar/orderflow/internal/table"
)

// Replacer replaces the joined table in every sink for one run.
type Replacer interface {
	Replace(ctx context.Context, runID string, t *table.Table) error
}

// Config names the containers the job reads from.
type Config struct {
	OrdersContainer  string
	ReturnsContainer string
}

// Job runs one join per call.
type Job struct {
	objects objectstore.Store
	sinks   Replacer
	cfg     Config
	now     func() time.Time
	logger  *slog.Logger
}

// New creates a Job.
func New(objects objectstore.Store, sinks Replacer, cfg Config, logger *slog.Logger) *Job {
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{
		objects: objects,
		sinks:   sinks,
		cfg:     cfg,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logging.WithModule(logger, "joinjob"),
	}
}

// Summary describes a finished join.
type Summary struct {
	RunID string `json:"run_id"`
	Rows  int    `json:"rows"`
}

// Run joins ordersKey with returnsKey and replaces the sinks under runID.
func (j *Job) Run(ctx context.Context, runID, ordersKey, returnsKey string) (*Summary, error) {
	ctx = logging.WithRunID(ctx, runID)

	orders, err := j.read(ctx, j.cfg.OrdersContainer, ordersKey)
	if err != nil {
		return nil, err
	}
	returns, err := j.read(ctx, j.cfg.ReturnsContainer, returnsKey)
	if err != nil {
		return nil, err
	}

	joined, err := Join(orders, returns, j.now())
	if err != nil {
		return nil, err
	}
	j.logger.InfoContext(ctx, "inputs joined",
		slog.Int("orders", orders.Len()), slog.Int("returns", returns.Len()), slog.Int("rows", joined.Len()))

	if err := j.sinks.Replace(ctx, runID, joined); err != nil {
		return nil, err
	}
	return &Summary{RunID: runID, Rows: joined.Len()}, nil
}

func (j *Job) read(ctx context.Context, container, key string) (*table.Table, error) {
	rc, err := j.objects.Get(ctx, container, key)
	if err != nil {
		return nil, fmt.Errorf("open %s/%s: %w", container, key, err)
	}
	defer rc.Close()
	t, err := table.ReadCSV(rc)
	if err != nil {
		return nil, fmt.Errorf("parse %s/%s: %w", container, key, err)
	}
	return t, nil
}
