package runner

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/rskumar/orderflow/internal/engine"
	"github.com/rskumar/orderflow/internal/joinjob"
	"github.com/rskumar/orderflow/internal/logging"
	"github.com/rskumar/orderflow/pkg/schema"
)

// Argument names the job reads, as passed by the start task.
const (
	ArgOrdersKey  = "--orders_s3_key"
	ArgReturnsKey = "--returns_s3_key"
	ArgJobName    = "--JOB_NAME"
)

// JoinJob is the work a local run performs.
type JoinJob interface {
	Run(ctx context.Context, runID, ordersKey, returnsKey string) (*joinjob.Summary, error)
}

// LocalRun is the recorded outcome of one local job run.
type LocalRun struct {
	ID      string             `json:"id"`
	JobName string             `json:"job_name"`
	State   schema.JobRunState `json:"state"`
	Error   string             `json:"error,omitempty"`
	Rows    int                `json:"rows,omitempty"`
}

// Local runs the join job in-process on a bounded pool. Run state lives in
// memory, so runs do not survive a restart.
type Local struct {
	job    JoinJob
	pool   *engine.WorkerPool
	logger *slog.Logger

	mu   sync.RWMutex
	runs map[string]*LocalRun
}

// NewLocal creates a runner executing at most concurrency jobs at a time.
func NewLocal(job JoinJob, concurrency int, logger *slog.Logger) *Local {
	if concurrency <= 0 {
		concurrency = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	l := &Local{
		job:    job,
		pool:   engine.NewWorkerPool(concurrency),
		logger: logging.WithModule(logger, "runner.local"),
		runs:   make(map[string]*LocalRun),
	}
	l.pool.OnPanic(func(key string, recovered any) {
		l.finish(key, schema.JobRunFailed, "job panicked", 0)
		l.logger.Error("job run panicked", slog.String("run_id", key), slog.Any("panic", recovered))
	})
	return l
}

// StartJobRun records the run and schedules it. Run ids are time-ordered,
// so output keys derived from them sort by start time.
func (l *Local) StartJobRun(ctx context.Context, jobName string, args map[string]string) (string, error) {
	orders, returns := args[ArgOrdersKey], args[ArgReturnsKey]
	if orders == "" || returns == "" {
		return "", schema.NewError(schema.ErrCodeMalformedInput, "job arguments need "+ArgOrdersKey+" and "+ArgReturnsKey)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	runID := "jr_" + id.String()

	l.mu.Lock()
	l.runs[runID] = &LocalRun{ID: runID, JobName: jobName, State: schema.JobRunRunning}
	l.mu.Unlock()

	err = l.pool.Submit(ctx, runID, func(ctx context.Context) error {
		sum, err := l.job.Run(logging.WithRunID(ctx, runID), runID, orders, returns)
		if err != nil {
			l.finish(runID, schema.JobRunFailed, err.Error(), 0)
			l.logger.ErrorContext(ctx, "job run failed", slog.String("run_id", runID), slog.Any("error", err))
			return err
		}
		l.finish(runID, schema.JobRunSucceeded, "", sum.Rows)
		l.logger.InfoContext(ctx, "job run succeeded", slog.String("run_id", runID), slog.Int("rows", sum.Rows))
		return nil
	})
	if err != nil {
		l.mu.Lock()
		delete(l.runs, runID)
		l.mu.Unlock()
		return "", schema.NewErrorf(schema.ErrCodeTaskRunnerUnavailable, "schedule job run: %s", err.Error()).WithCause(err)
	}
	return runID, nil
}

func (l *Local) GetJobRun(_ context.Context, _ string, runID string) (schema.JobRunState, error) {
	run, ok := l.Run(runID)
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeNotFound, "job run %s not found", runID)
	}
	return run.State, nil
}

// Run returns a copy of a recorded run.
func (l *Local) Run(runID string) (LocalRun, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	run, ok := l.runs[runID]
	if !ok {
		return LocalRun{}, false
	}
	return *run, true
}

// Shutdown waits for in-flight runs.
func (l *Local) Shutdown() { l.pool.Shutdown() }

func (l *Local) finish(runID string, state schema.JobRunState, msg string, rows int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if run, ok := l.runs[runID]; ok {
		run.State, run.Error, run.Rows = state, msg, rows
	}
}

var (
	_ engine.TaskRunner = (*Glue)(nil)
	_ engine.TaskRunner = (*Local)(nil)
)
