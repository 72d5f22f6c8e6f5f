package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rskumar/orderflow/internal/logging"
	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/internal/telemetry"
	"github.com/rskumar/orderflow/pkg/schema"
)

// runContext is the per-execution view the interpreter threads through every
// state. The input never changes; doc accumulates task results through
// ResultPath.
type runContext struct {
	exec     *store.Execution
	input    map[string]any
	doc      map[string]any
	deadline time.Time

	jobState schema.JobRunState
	polled   bool
}

func newRunContext(exec *store.Execution, budget Budget) (*runContext, error) {
	rc := &runContext{
		exec:     exec,
		input:    exec.Input.Document(),
		deadline: budget.Deadline(exec.StartedAt),
	}
	if len(exec.Document) == 0 {
		rc.doc = exec.Input.Document()
	} else if err := json.Unmarshal(exec.Document, &rc.doc); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "decode document of %s: %s", exec.ID, err.Error()).WithCause(err)
	}
	if rc.doc == nil {
		rc.doc = exec.Input.Document()
	}
	// A resumed execution keeps routing on the last observed state.
	if state, ok := lookup(rc.doc, "JobRun", "JobRun", "JobRunState").(string); ok && exec.Polls > 0 {
		rc.jobState = schema.NormalizeJobRunState(state)
		rc.polled = true
	}
	return rc, nil
}

// celData is the activation for Choice conditions.
func (rc *runContext) celData() map[string]any {
	return map[string]any{
		"input": rc.input,
		"job_run": map[string]any{
			"id":    rc.exec.RunID,
			"state": string(rc.jobState),
			"polls": int64(rc.exec.Polls),
		},
		"execution": map[string]any{
			"id":       rc.exec.ID,
			"job_name": rc.exec.JobName,
		},
		"doc": rc.doc,
	}
}

// errStopped signals that the loop must return without touching the
// execution: it was aborted, or the engine is shutting down.
var errStopped = errors.New("execution loop stopped")

// drive runs exec from its current state until it reaches a terminal status
// or the loop is stopped.
func (e *Engine) drive(ctx context.Context, exec *store.Execution) error {
	ctx = logging.WithExecutionID(ctx, exec.ID)
	if exec.RunID != "" {
		ctx = logging.WithRunID(ctx, exec.RunID)
	}
	ctx, done := e.register(ctx, exec.ID)
	defer done()

	rc, err := newRunContext(exec, e.budget)
	if err != nil {
		return err
	}

	name := exec.CurrentState
	if name == "" {
		name = e.def.StartAt
	}

	for {
		sd, ok := e.def.States[name]
		if !ok {
			return e.fail(ctx, rc, schema.NewErrorf(schema.ErrCodeValidation, "state %q is not defined", name))
		}

		if sd.Type == schema.StateTypeWait {
			if out, reason := e.budget.Exhausted(rc.exec.Polls, rc.exec.StartedAt, e.now()); out {
				return e.timeout(ctx, rc, reason)
			}
		}

		if err := e.enter(ctx, rc, name); err != nil {
			return e.stopOrFail(ctx, rc, err)
		}

		next, err := e.runState(ctx, rc, name, sd)
		switch {
		case errors.Is(err, errWaitDeadline):
			return e.timeout(ctx, rc, "execution exceeded "+e.budget.Timeout.String())
		case err != nil:
			return e.stopOrFail(ctx, rc, err)
		}

		if err := e.appendEvent(ctx, rc, schema.EventExited, name); err != nil {
			return e.stopOrFail(ctx, rc, err)
		}
		if sd.End || next == "" {
			return e.complete(ctx, rc)
		}
		name = next
	}
}

func (e *Engine) enter(ctx context.Context, rc *runContext, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.save(ctx, rc, store.ExecutionUpdate{CurrentState: &name}); err != nil {
		return err
	}
	rc.exec.CurrentState = name
	return e.appendEvent(ctx, rc, schema.EventEntered, name)
}

func (e *Engine) runState(ctx context.Context, rc *runContext, name string, sd schema.StateDefinition) (next string, err error) {
	ctx = logging.WithState(ctx, name)
	ctx, span := telemetry.StartSpan(ctx, e.tracer, "state "+name,
		attribute.String(telemetry.ExecutionIDKey, rc.exec.ID),
		attribute.String(telemetry.StateNameKey, name),
		attribute.String("orderflow.state.type", string(sd.Type)),
	)
	defer func() {
		if err != nil && !errors.Is(err, errStopped) {
			telemetry.SetError(span, err)
		}
		span.End()
	}()

	switch sd.Type {
	case schema.StateTypeTask:
		return sd.Next, e.runTask(ctx, rc, name, sd)
	case schema.StateTypeWait:
		return sd.Next, e.runWait(ctx, rc, sd)
	case schema.StateTypeChoice:
		return e.runChoice(ctx, rc, name, sd)
	default:
		return "", schema.NewErrorf(schema.ErrCodeValidation, "unsupported state type %q", sd.Type).WithState(name)
	}
}

func (e *Engine) runWait(ctx context.Context, rc *runContext, sd schema.StateDefinition) error {
	delay := time.Duration(sd.Seconds) * time.Second
	if e.cfg.WaitOverride > 0 {
		delay = e.cfg.WaitOverride
	}
	return WaitFor(ctx, delay, rc.deadline)
}

func (e *Engine) runChoice(ctx context.Context, rc *runContext, name string, sd schema.StateDefinition) (string, error) {
	for i, rule := range sd.Choices {
		matched, err := e.matchRule(ctx, rc, rule)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeValidation, "choice %d: %s", i, err.Error()).
				WithState(name).WithCause(err)
		}
		if matched {
			return rule.Next, nil
		}
	}
	if sd.Default != "" {
		return sd.Default, nil
	}
	return "", schema.NewError(schema.ErrCodeValidation, "no choice rule matched and no default is set").
		WithState(name).WithDetails(map[string]any{"error_name": schema.ErrorNameNoChoiceMatched})
}

func (e *Engine) matchRule(ctx context.Context, rc *runContext, rule schema.ChoiceRule) (bool, error) {
	if rule.Condition != "" {
		return e.exprs.CEL.EvaluateBool(ctx, rule.Condition, rc.celData())
	}
	v, err := e.exprs.JQ.ResolvePath(ctx, rule.Variable, rc.doc)
	if err != nil {
		return false, err
	}
	s, ok := v.(string)
	return ok && s == rule.StringEquals, nil
}

// complete ends an execution that reached an End state. The terminal status
// follows the last observed job run state.
func (e *Engine) complete(ctx context.Context, rc *runContext) error {
	ctx = context.WithoutCancel(ctx)
	if rc.polled && rc.jobState == schema.JobRunFailed {
		return e.finish(ctx, rc, schema.ExecutionFailed, &Failure{
			Error: schema.ErrorNameJobFailed,
			Cause: fmt.Sprintf("job run %s of %s ended FAILED", rc.exec.RunID, rc.exec.JobName),
		})
	}
	return e.finish(ctx, rc, schema.ExecutionSucceeded, nil)
}

func (e *Engine) timeout(ctx context.Context, rc *runContext, reason string) error {
	if ctx.Err() != nil {
		return nil
	}
	e.logger.WarnContext(ctx, "execution budget exhausted", slog.String("reason", reason), slog.Int("polls", rc.exec.Polls))
	return e.finish(context.WithoutCancel(ctx), rc, schema.ExecutionTimedOut, &Failure{
		Error: schema.ErrorNameTimeout,
		Cause: reason,
	})
}

// stopOrFail returns quietly when the loop was stopped and fails the
// execution otherwise.
func (e *Engine) stopOrFail(ctx context.Context, rc *runContext, err error) error {
	if ctx.Err() != nil || errors.Is(err, errStopped) {
		e.logger.InfoContext(ctx, "execution loop stopped", slog.String("state", rc.exec.CurrentState))
		return nil
	}
	return e.fail(ctx, rc, err)
}

func (e *Engine) fail(ctx context.Context, rc *runContext, err error) error {
	e.logger.ErrorContext(ctx, "execution failed", slog.String("state", rc.exec.CurrentState), slog.Any("error", err))
	return e.finish(context.WithoutCancel(ctx), rc, schema.ExecutionFailed, &Failure{
		Error: errorName(err),
		Cause: err.Error(),
	})
}

func (e *Engine) finish(ctx context.Context, rc *runContext, to schema.ExecutionStatus, failure *Failure) error {
	err := e.fsm.Transition(ctx, rc.exec, to, failure)
	if schema.HasCode(err, schema.ErrCodeConflict) {
		// Aborted concurrently; the abort already recorded its outcome.
		return nil
	}
	if err != nil {
		return err
	}
	e.logger.InfoContext(ctx, "execution finished", slog.String("status", string(to)), slog.Int("polls", rc.exec.Polls))
	return nil
}

// save persists update while the execution is still RUNNING. Losing that
// race means the execution was aborted.
func (e *Engine) save(ctx context.Context, rc *runContext, update store.ExecutionUpdate) error {
	running := schema.ExecutionRunning
	update.IfStatus = &running
	err := e.store.UpdateExecution(ctx, rc.exec.ID, update)
	if schema.HasCode(err, schema.ErrCodeConflict) {
		return errStopped
	}
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "update execution: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (e *Engine) saveDocument(ctx context.Context, rc *runContext) error {
	raw, err := json.Marshal(rc.doc)
	if err != nil {
		return err
	}
	if err := e.save(ctx, rc, store.ExecutionUpdate{Document: raw}); err != nil {
		return err
	}
	rc.exec.Document = raw
	return nil
}

func (e *Engine) appendEvent(ctx context.Context, rc *runContext, kind schema.EventKind, name string) error {
	err := e.history.AppendEvent(ctx, &store.Event{
		ExecutionID: rc.exec.ID,
		Kind:        kind,
		StateName:   name,
		Timestamp:   e.now(),
	})
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append %s event: %s", kind, err.Error()).WithCause(err)
	}
	return nil
}

// errorName maps a failure to the name recorded on the FAILED event.
func errorName(err error) string {
	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		if name, ok := pe.Details["error_name"].(string); ok {
			return name
		}
		switch pe.Code {
		case schema.ErrCodeTaskRunnerUnavailable:
			return schema.ErrorNameTaskRunnerUnavailable
		case schema.ErrCodeJobFailed:
			return schema.ErrorNameJobFailed
		case schema.ErrCodeTimeout:
			return schema.ErrorNameTimeout
		}
	}
	return schema.ErrorNameRuntime
}

func lookup(doc map[string]any, path ...string) any {
	var cur any = doc
	for _, p := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[p]
	}
	return cur
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprint(val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return strings.TrimSpace(string(raw))
	}
}
