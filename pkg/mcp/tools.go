package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rskumar/orderflow/internal/api"
	"github.com/rskumar/orderflow/internal/monitor"
	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/pkg/schema"
)

const (
	defaultWaitTimeout  = 15 * time.Minute
	defaultResolveLimit = 100
	defaultListLimit    = 20
)

// handleTrigger validates the input, starts an execution and optionally
// waits for it to end.
func (s *OrderflowServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := schema.WorkflowInput{
		OrdersKey:  req.GetString("orders_s3_key", ""),
		ReturnsKey: req.GetString("returns_s3_key", ""),
	}
	if len(in.MissingKeys()) > 0 {
		return triggerRejected(api.TriggerResponse{
			StatusCode: http.StatusBadRequest,
			Message:    api.MessageMissingKeys,
			Input:      in.Document(),
		}), nil
	}

	if s.inputs != nil {
		if err := s.inputs.Validate(ctx, in); err != nil {
			return triggerError(err), nil
		}
	}

	exec, err := s.engine.Start(ctx, in)
	if err != nil {
		return triggerError(err), nil
	}
	s.captureSession(ctx, exec.ID)

	if !req.GetBool("wait", false) {
		return marshalResult(api.TriggerResponse{
			StatusCode:   http.StatusOK,
			Message:      api.MessageTriggered,
			ExecutionArn: exec.ID,
			OrdersFile:   in.OrdersKey,
			ReturnsFile:  in.ReturnsKey,
			ExecutionAt:  float64(exec.StartedAt.UnixNano()) / float64(time.Second),
		})
	}

	timeout := defaultWaitTimeout
	if secs := req.GetInt("timeout_seconds", 0); secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	watcher := monitor.New(s.engine, monitor.WithInterval(s.watchInterval), monitor.WithLogger(s.logger))
	// A timed-out wait still reports the trail gathered so far.
	result, watchErr := watcher.Watch(waitCtx, exec.ID, monitor.Observer{})
	return marshalResult(map[string]any{
		"execution_id": exec.ID,
		"status":       result.Status,
		"trail":        result.Trail,
		"error":        result.Error,
		"cause":        result.Cause,
		"finished":     watchErr == nil,
	})
}

// triggerError maps a rejected trigger to the same body the HTTP surface
// answers with, marked as a tool error.
func triggerError(err error) *mcp.CallToolResult {
	var pe *schema.PipelineError
	if errors.As(err, &pe) {
		switch pe.Code {
		case schema.ErrCodeMissingArtifact:
			missing, _ := pe.Details["missing_files"].([]string)
			return triggerRejected(api.TriggerResponse{
				StatusCode:   http.StatusNotFound,
				Message:      api.MessageMissingFiles,
				MissingFiles: missing,
			})
		case schema.ErrCodeMalformedInput:
			return triggerRejected(api.TriggerResponse{StatusCode: http.StatusBadRequest, Message: api.MessageMissingKeys})
		}
	}
	return triggerRejected(api.TriggerResponse{
		StatusCode: http.StatusInternalServerError,
		Message:    api.MessageTriggerFailed,
		Error:      err.Error(),
	})
}

func triggerRejected(resp api.TriggerResponse) *mcp.CallToolResult {
	data, err := json.Marshal(resp)
	if err != nil {
		return mcp.NewToolResultError(resp.Message)
	}
	result := mcp.NewToolResultStructured(resp, string(data))
	result.IsError = true
	return result
}

// handleDescribe returns the current record of an execution.
func (s *OrderflowServer) handleDescribe(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	exec, err := s.engine.DescribeExecution(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("describe failed: %v", err)), nil
	}
	return marshalResult(exec)
}

// handleHistory returns events after since, or the rendered trail.
func (s *OrderflowServer) handleHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	format := req.GetString("format", "events")
	if format != "events" && format != "trail" {
		return mcp.NewToolResultError("format must be events or trail"), nil
	}

	since := int64(req.GetInt("since", 0))
	if format == "trail" {
		since = 0
	}
	events, err := s.engine.GetExecutionHistory(ctx, id, since)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("history query failed: %v", err)), nil
	}

	if format == "trail" {
		trail := monitor.BuildTrail(events)
		if trail == nil {
			trail = []string{}
		}
		return marshalResult(map[string]any{"execution_id": id, "trail": trail})
	}
	if events == nil {
		events = []*store.Event{}
	}
	return marshalResult(api.HistoryResponse{ExecutionID: id, Events: events})
}

// handleResolve returns up to limit rows of the latest joined table.
func (s *OrderflowServer) handleResolve(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.results == nil {
		return mcp.NewToolResultError("result resolution is not configured"), nil
	}
	name, err := req.RequireString("source")
	if err != nil {
		return mcp.NewToolResultError("source is required"), nil
	}
	source := api.ParseSource(name)
	if !source.Valid() {
		return mcp.NewToolResultError("source must be object_store or relational"), nil
	}

	t, err := s.results.Resolve(ctx, source)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolve failed: %v", err)), nil
	}
	if t == nil {
		return marshalResult(map[string]any{"source": source, "count": 0, "rows": []any{}, "no_data_yet": true})
	}

	rows := t.Records()
	if limit := req.GetInt("limit", defaultResolveLimit); limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return marshalResult(api.ResultsResponse{
		Source:  source,
		Columns: t.Columns,
		Rows:    rows,
		Count:   t.Len(),
	})
}

// handleAbort stops a running execution.
func (s *OrderflowServer) handleAbort(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "aborted via mcp")

	exec, err := s.engine.Abort(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("abort failed: %v", err)), nil
	}
	s.sessions.Forget(id)
	return marshalResult(exec)
}

// handleList lists executions, newest first.
func (s *OrderflowServer) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := store.ExecutionFilter{Limit: req.GetInt("limit", defaultListLimit)}
	if v := req.GetString("status", ""); v != "" {
		status := schema.ExecutionStatus(strings.ToUpper(v))
		filter.Status = &status
	}

	execs, err := s.engine.ListExecutions(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	return marshalResult(map[string]any{"executions": execs, "count": len(execs)})
}

// captureSession maps the execution to the calling MCP session for pushes.
func (s *OrderflowServer) captureSession(ctx context.Context, executionID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(executionID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
