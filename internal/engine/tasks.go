package engine

import (
	"context"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/rskumar/orderflow/internal/logging"
	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/internal/telemetry"
	"github.com/rskumar/orderflow/pkg/schema"
)

// runnerDependency keys the circuit breaker guarding status queries.
const runnerDependency = "task-runner"

// runTask invokes the task's resource with its resolved parameters and
// stores the result at ResultPath.
func (e *Engine) runTask(ctx context.Context, rc *runContext, name string, sd schema.StateDefinition) error {
	params, err := e.resolveParams(ctx, sd.Parameters, rc.doc)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "resolve parameters: %s", err.Error()).
			WithState(name).WithCause(err)
	}

	var result any
	switch sd.Resource {
	case schema.ResourceStartJobRun:
		result, err = e.startJobRun(ctx, rc, params)
	case schema.ResourceGetJobRun:
		result, err = e.getJobRun(ctx, rc, params)
	case schema.ResourcePublish:
		return e.publish(ctx, rc, params)
	default:
		err = schema.NewErrorf(schema.ErrCodeValidation, "unknown resource %q", sd.Resource)
	}
	if err != nil {
		return err
	}

	if sd.ResultPath == "" || result == nil {
		return nil
	}
	doc, err := e.exprs.JQ.SetPath(ctx, sd.ResultPath, rc.doc, result)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "apply result path %q: %s", sd.ResultPath, err.Error()).
			WithState(name).WithCause(err)
	}
	rc.doc = doc
	return e.saveDocument(ctx, rc)
}

// startJobRun starts the job run once. A resumed execution that already
// holds a run id reuses it.
func (e *Engine) startJobRun(ctx context.Context, rc *runContext, params map[string]any) (any, error) {
	if rc.exec.RunID != "" {
		e.logger.InfoContext(ctx, "job run already started, reusing run id")
		return map[string]any{"JobRunId": rc.exec.RunID}, nil
	}

	jobName := e.cfg.JobName
	if jobName == "" {
		jobName = stringify(params["JobName"])
	}
	args := make(map[string]string)
	if raw, ok := params["Arguments"].(map[string]any); ok {
		for k, v := range raw {
			args[k] = stringify(v)
		}
	}

	runID, err := e.runner.StartJobRun(ctx, jobName, args)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errStopped
		}
		return nil, schema.NewErrorf(schema.ErrCodeTaskRunnerUnavailable, "start job run of %s: %s", jobName, err.Error()).
			WithCause(err)
	}

	if err := e.save(ctx, rc, store.ExecutionUpdate{RunID: &runID}); err != nil {
		return nil, err
	}
	rc.exec.RunID = runID
	trace.SpanFromContext(ctx).SetAttributes(attribute.String(telemetry.RunIDKey, runID))
	e.logger.InfoContext(logging.WithRunID(ctx, runID), "job run started", slog.String("job_name", jobName))
	return map[string]any{"JobRunId": runID}, nil
}

// getJobRun queries the job run once. Retryable failures are reported as a
// still-running observation so the loop waits and polls again; other
// failures end the execution.
func (e *Engine) getJobRun(ctx context.Context, rc *runContext, params map[string]any) (any, error) {
	runID := stringify(params["RunId"])
	if runID == "" {
		runID = rc.exec.RunID
	}
	if runID == "" {
		return nil, schema.NewError(schema.ErrCodeTaskRunnerUnavailable, "no job run id to query")
	}
	ctx = logging.WithRunID(ctx, runID)

	polls := rc.exec.Polls + 1
	if err := e.save(ctx, rc, store.ExecutionUpdate{Polls: &polls}); err != nil {
		return nil, err
	}
	rc.exec.Polls = polls

	state, err := e.queryJobRun(ctx, rc.exec.JobName, runID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errStopped
		}
		if !IsRetryableError(err) {
			return nil, schema.NewErrorf(schema.ErrCodeTaskRunnerUnavailable, "get job run %s: %s", runID, err.Error()).
				WithCause(err)
		}
		e.logger.WarnContext(ctx, "job run status unavailable, will poll again",
			slog.Int("poll", polls), slog.Any("error", err))
		rc.jobState = schema.JobRunRunning
		rc.polled = true
		return map[string]any{
			"JobRun": map[string]any{"Id": runID, "JobRunState": string(schema.JobRunRunning)},
			"Error":  err.Error(),
		}, nil
	}

	rc.jobState = state
	rc.polled = true
	e.logger.DebugContext(ctx, "job run polled", slog.Int("poll", polls), slog.String("job_state", string(state)))
	return map[string]any{
		"JobRun": map[string]any{"Id": runID, "JobRunState": string(state)},
	}, nil
}

func (e *Engine) queryJobRun(ctx context.Context, jobName, runID string) (schema.JobRunState, error) {
	if err := e.breakers.Allow(runnerDependency); err != nil {
		return "", err
	}
	state, err := e.runner.GetJobRun(ctx, jobName, runID)
	if err != nil {
		if IsRetryableError(err) && ctx.Err() == nil {
			if e.breakers.Failure(runnerDependency) == CircuitOpen {
				e.logger.WarnContext(ctx, "task runner circuit opened")
			}
		}
		return "", err
	}
	e.breakers.Success(runnerDependency)
	return state, nil
}

// publish sends the state's notification at most once. The attempt is
// recorded in the document before the call, so a resumed execution never
// publishes twice. Publish errors are recorded and otherwise ignored.
func (e *Engine) publish(ctx context.Context, rc *runContext, params map[string]any) error {
	if _, done := rc.doc["Notification"]; done {
		e.logger.InfoContext(ctx, "notification already attempted, skipping")
		return nil
	}

	channel := schema.Channel(strings.ToUpper(stringify(params["Channel"])))
	subject := stringify(params["Subject"])
	message := stringify(params["Message"])

	record := map[string]any{
		"Channel": string(channel),
		"Subject": subject,
		"Status":  "PENDING",
	}
	rc.doc["Notification"] = record
	if err := e.saveDocument(ctx, rc); err != nil {
		return err
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String(telemetry.ChannelKey, string(channel)))
	if err := e.notifier.Publish(ctx, channel, subject, message); err != nil {
		nerr := schema.NewErrorf(schema.ErrCodeNotificationFailed, "publish %s notification: %s", channel, err.Error()).
			WithCause(err)
		e.logger.WarnContext(ctx, "notification failed", slog.String("channel", string(channel)), slog.Any("error", nerr))
		record["Status"] = "FAILED"
		record["Error"] = nerr.Error()
		rc.doc["NotificationError"] = nerr.Error()
	} else {
		record["Status"] = "SENT"
		e.logger.InfoContext(ctx, "notification published", slog.String("channel", string(channel)))
	}
	return e.saveDocument(context.WithoutCancel(ctx), rc)
}

// resolveParams evaluates a Parameters block against doc. Keys ending in
// ".$" are paths, keys ending in ".=" are expressions; nested objects are
// resolved recursively.
func (e *Engine) resolveParams(ctx context.Context, params map[string]any, doc map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(params))
	for key, raw := range params {
		switch {
		case strings.HasSuffix(key, ".$"):
			path, ok := raw.(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "parameter %q must be a path string", key)
			}
			v, err := e.exprs.JQ.ResolvePath(ctx, path, doc)
			if err != nil {
				return nil, err
			}
			out[strings.TrimSuffix(key, ".$")] = v
		case strings.HasSuffix(key, ".="):
			src, ok := raw.(string)
			if !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "parameter %q must be an expression string", key)
			}
			v, err := e.exprs.Expr.Evaluate(ctx, src, doc)
			if err != nil {
				return nil, err
			}
			out[strings.TrimSuffix(key, ".=")] = v
		default:
			if nested, ok := raw.(map[string]any); ok {
				v, err := e.resolveParams(ctx, nested, doc)
				if err != nil {
					return nil, err
				}
				out[key] = v
				continue
			}
			out[key] = raw
		}
	}
	return out, nil
}
