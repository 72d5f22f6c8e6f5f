package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/rskumar/orderflow/internal/expressions"
	"github.com/rskumar/orderflow/internal/logging"
	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/internal/telemetry"
	"github.com/rskumar/orderflow/pkg/schema"
)

// DefaultPoolSize is the default number of executions driven concurrently.
const DefaultPoolSize = 10

// Config tunes the interpreter.
type Config struct {
	// JobName overrides the JobName parameter of the start task when set.
	JobName string
	// PoolSize bounds concurrently driven executions.
	PoolSize int
	// WaitOverride replaces every Wait state's Seconds when positive.
	WaitOverride time.Duration
	// MaxPolls and Timeout bound the poll loop. Zero means unbounded; a
	// zero Timeout falls back to the definition's TimeoutSeconds.
	MaxPolls int
	Timeout  time.Duration
	// CircuitBreaker guards task runner status queries (nil = defaults).
	CircuitBreaker *CircuitBreakerConfig
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Store      store.Store
	Events     *store.EventLog
	Runner     TaskRunner
	Notifier   Notifier
	Exprs      *expressions.Set
	Definition *schema.MachineDefinition
	Tracer     trace.Tracer
	Logger     *slog.Logger
}

// Engine interprets the state machine definition for every execution. Each
// execution is driven by one goroutine from a bounded pool; executions share
// nothing but the store.
type Engine struct {
	store    store.Store
	history  historyLog
	fsm      *ExecutionFSM
	runner   TaskRunner
	notifier Notifier
	exprs    *expressions.Set
	def      *schema.MachineDefinition
	cfg      Config
	budget   Budget
	pool     *WorkerPool
	breakers *CircuitBreakers
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time

	root       context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// historyLog is the part of store.EventLog the engine needs. Without an
// EventLog the store is used directly and nothing is broadcast.
type historyLog interface {
	AppendEvent(ctx context.Context, event *store.Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*store.Event, error)
}

// New builds an Engine. The definition is assumed to be validated.
func New(deps Deps, cfg Config) (*Engine, error) {
	if deps.Store == nil || deps.Runner == nil || deps.Notifier == nil || deps.Definition == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "engine requires a store, a task runner, a notifier and a definition")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	exprs := deps.Exprs
	if exprs == nil {
		var err error
		if exprs, err = expressions.NewSet(); err != nil {
			return nil, err
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = telemetry.Tracer("orderflow/engine")
	}

	var history historyLog = deps.Store
	if deps.Events != nil {
		history = deps.Events
	}

	budget := Budget{MaxPolls: cfg.MaxPolls, Timeout: cfg.Timeout}
	if budget.Timeout <= 0 && deps.Definition.TimeoutSeconds > 0 {
		budget.Timeout = time.Duration(deps.Definition.TimeoutSeconds) * time.Second
	}

	cbConfig := DefaultCircuitBreakerConfig()
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}

	root, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:      deps.Store,
		history:    history,
		fsm:        NewExecutionFSM(deps.Store, history),
		runner:     deps.Runner,
		notifier:   deps.Notifier,
		exprs:      exprs,
		def:        deps.Definition,
		cfg:        cfg,
		budget:     budget,
		pool:       NewWorkerPool(cfg.PoolSize),
		breakers:   NewCircuitBreakers(cbConfig),
		tracer:     tracer,
		logger:     logging.WithModule(logger, "engine"),
		now:        func() time.Time { return time.Now().UTC() },
		root:       root,
		rootCancel: cancel,
		running:    make(map[string]context.CancelFunc),
	}

	if deps.Events != nil {
		e.fsm.OnAfter(func(ctx context.Context, exec *store.Execution) {
			deps.Events.PublishStatus(ctx, exec)
		})
	}
	e.pool.OnPanic(func(key string, recovered any) {
		e.logger.Error("execution loop panicked", slog.String("execution_id", key), slog.Any("panic", recovered))
	})
	return e, nil
}

// Start records a new execution and hands it to the worker pool. It blocks
// while the pool is saturated. The returned execution is a snapshot taken
// before the first state runs.
func (e *Engine) Start(ctx context.Context, input schema.WorkflowInput) (*store.Execution, error) {
	exec, err := e.create(ctx, input)
	if err != nil {
		return nil, err
	}
	snapshot := *exec
	err = e.submit(ctx, exec)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		// A recovery sweep picked it up first.
	case err != nil:
		e.abandon(ctx, exec, err)
		return nil, err
	}
	return &snapshot, nil
}

// Run records a new execution and drives it to a terminal status on the
// calling goroutine.
func (e *Engine) Run(ctx context.Context, input schema.WorkflowInput) (*store.Execution, error) {
	exec, err := e.create(ctx, input)
	if err != nil {
		return nil, err
	}
	if err := e.drive(ctx, exec); err != nil {
		return nil, err
	}
	return e.store.GetExecution(context.WithoutCancel(ctx), exec.ID)
}

// Resume continues a RUNNING execution from its last entered state. The
// stored run id is reused, so no second job run is started.
func (e *Engine) Resume(ctx context.Context, id string) error {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.Status != schema.ExecutionRunning {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is %s and cannot be resumed", id, exec.Status)
	}
	return e.submit(ctx, exec)
}

// Abort moves a RUNNING execution to ABORTED and stops its loop at the next
// wait point. No notification is published.
func (e *Engine) Abort(ctx context.Context, id, reason string) (*store.Execution, error) {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "aborted by request"
	}
	if err := e.fsm.Transition(ctx, exec, schema.ExecutionAborted, &Failure{
		Error: schema.ErrorNameAborted,
		Cause: reason,
	}); err != nil {
		return nil, err
	}

	e.mu.Lock()
	cancel := e.running[id]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.logger.InfoContext(logging.WithExecutionID(ctx, id), "execution aborted", slog.String("reason", reason))
	return exec, nil
}

// DescribeExecution returns the current record of an execution.
func (e *Engine) DescribeExecution(ctx context.Context, id string) (*store.Execution, error) {
	return e.store.GetExecution(ctx, id)
}

// GetExecutionHistory returns events with a sequence greater than since.
func (e *Engine) GetExecutionHistory(ctx context.Context, id string, since int64) ([]*store.Event, error) {
	if _, err := e.store.GetExecution(ctx, id); err != nil {
		return nil, err
	}
	return e.history.GetEvents(ctx, id, since)
}

// ListExecutions returns executions matching filter, newest first.
func (e *Engine) ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	return e.store.ListExecutions(ctx, filter)
}

// Driving reports whether this process is currently running the loop of id.
func (e *Engine) Driving(id string) bool {
	return e.pool.Running(id)
}

// Definition returns the interpreted state machine definition.
func (e *Engine) Definition() *schema.MachineDefinition { return e.def }

// Metrics returns worker pool counters.
func (e *Engine) Metrics() PoolMetrics { return e.pool.Metrics() }

// Shutdown stops every loop at its next wait point and waits for them to
// return. Interrupted executions stay RUNNING and can be resumed later.
func (e *Engine) Shutdown() {
	e.rootCancel()
	e.pool.Shutdown()
}

func (e *Engine) create(ctx context.Context, input schema.WorkflowInput) (*store.Execution, error) {
	if missing := input.MissingKeys(); len(missing) > 0 {
		return nil, schema.NewError(schema.ErrCodeMalformedInput, "missing orders_s3_key or returns_s3_key in input").
			WithDetails(map[string]any{"missing": missing})
	}
	doc, err := json.Marshal(input.Document())
	if err != nil {
		return nil, err
	}
	exec := &store.Execution{
		ID:        uuid.New().String(),
		Machine:   machineName(e.def),
		JobName:   e.jobName(),
		Input:     input,
		Status:    schema.ExecutionRunning,
		Document:  doc,
		StartedAt: e.now(),
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create execution: %s", err.Error()).WithCause(err)
	}
	e.logger.InfoContext(logging.WithExecutionID(ctx, exec.ID), "execution started",
		slog.String("orders_key", input.OrdersKey), slog.String("returns_key", input.ReturnsKey))
	return exec, nil
}

func (e *Engine) submit(ctx context.Context, exec *store.Execution) error {
	return e.pool.Submit(ctx, exec.ID, func(ctx context.Context) error {
		return e.drive(ctx, exec)
	})
}

// abandon fails an execution that was recorded but never handed to a loop.
func (e *Engine) abandon(ctx context.Context, exec *store.Execution, cause error) {
	ctx = context.WithoutCancel(ctx)
	if err := e.fsm.Transition(ctx, exec, schema.ExecutionFailed, &Failure{
		Error: schema.ErrorNameRuntime,
		Cause: cause.Error(),
	}); err != nil {
		e.logger.WarnContext(ctx, "failed to mark unscheduled execution", slog.String("execution_id", exec.ID), slog.Any("error", err))
	}
}

// register ties the loop of id to the engine's lifetime and to Abort.
func (e *Engine) register(ctx context.Context, id string) (context.Context, func()) {
	runCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.root, cancel)

	e.mu.Lock()
	e.running[id] = cancel
	e.mu.Unlock()

	return runCtx, func() {
		stop()
		cancel()
		e.mu.Lock()
		delete(e.running, id)
		e.mu.Unlock()
	}
}

func (e *Engine) jobName() string {
	if e.cfg.JobName != "" {
		return e.cfg.JobName
	}
	if st, ok := e.def.States[e.def.StartAt]; ok {
		if name, ok := st.Parameters["JobName"].(string); ok {
			return name
		}
	}
	return ""
}

func machineName(def *schema.MachineDefinition) string {
	if def.Comment != "" {
		return def.Comment
	}
	return "orderflow"
}
