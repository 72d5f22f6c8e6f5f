package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rskumar/orderflow/internal/api"
	"github.com/rskumar/orderflow/internal/engine"
	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/internal/table"
	"github.com/rskumar/orderflow/pkg/schema"
)

// --- Mock Engine ---

type mockEngine struct {
	started  []schema.WorkflowInput
	startErr error

	exec    *store.Execution
	events  []*store.Event
	listed  []*store.Execution
	filter  store.ExecutionFilter
	aborted string
}

func (m *mockEngine) Start(_ context.Context, in schema.WorkflowInput) (*store.Execution, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.started = append(m.started, in)
	if m.exec == nil {
		m.exec = &store.Execution{ID: "exec-1", Input: in, Status: schema.ExecutionRunning, StartedAt: time.Now().UTC()}
	}
	return m.exec, nil
}

func (m *mockEngine) Abort(_ context.Context, id, reason string) (*store.Execution, error) {
	if m.exec == nil || m.exec.ID != id {
		return nil, schema.NewError(schema.ErrCodeNotFound, "execution not found")
	}
	m.aborted = reason
	m.exec.Status = schema.ExecutionAborted
	return m.exec, nil
}

func (m *mockEngine) DescribeExecution(_ context.Context, id string) (*store.Execution, error) {
	if m.exec == nil || m.exec.ID != id {
		return nil, schema.NewError(schema.ErrCodeNotFound, "execution not found")
	}
	return m.exec, nil
}

func (m *mockEngine) GetExecutionHistory(ctx context.Context, id string, since int64) ([]*store.Event, error) {
	if _, err := m.DescribeExecution(ctx, id); err != nil {
		return nil, err
	}
	var out []*store.Event
	for _, ev := range m.events {
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockEngine) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	m.filter = filter
	return m.listed, nil
}

func (m *mockEngine) Metrics() engine.PoolMetrics { return engine.PoolMetrics{} }

type mockInputs struct {
	err error
}

func (m mockInputs) Validate(context.Context, schema.WorkflowInput) error { return m.err }

func (m mockInputs) Refs(in schema.WorkflowInput) []schema.ArtifactRef {
	return []schema.ArtifactRef{{Container: "orders-bucket", Key: in.OrdersKey}, {Container: "returns-bucket", Key: in.ReturnsKey}}
}

type mockResults struct {
	table *table.Table
	err   error
	asked schema.ResultSource
}

func (m *mockResults) Resolve(_ context.Context, source schema.ResultSource) (*table.Table, error) {
	m.asked = source
	return m.table, m.err
}

// --- Helper ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult, target any) {
	t.Helper()
	text := extractText(t, result)
	require.NoError(t, json.Unmarshal([]byte(text), target))
}

var bothKeys = map[string]any{"orders_s3_key": "o.csv", "returns_s3_key": "r.csv"}

// --- Tests ---

func TestTriggerTool(t *testing.T) {
	eng := &mockEngine{}
	s := NewOrderflowServer(OrderflowServerDeps{Engine: eng, Inputs: mockInputs{}})

	result, err := s.handleTrigger(context.Background(), buildRequest("orderflow.trigger", bothKeys))
	require.NoError(t, err)
	require.False(t, result.IsError, extractText(t, result))

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, float64(200), out["statusCode"])
	assert.Equal(t, "✅ Step Function triggered successfully", out["message"])
	assert.Equal(t, "exec-1", out["executionArn"])
	assert.Equal(t, "o.csv", out["orders_file"])
	assert.Equal(t, []schema.WorkflowInput{{OrdersKey: "o.csv", ReturnsKey: "r.csv"}}, eng.started)
}

func TestTriggerToolMissingKey(t *testing.T) {
	eng := &mockEngine{}
	s := NewOrderflowServer(OrderflowServerDeps{Engine: eng})

	result, err := s.handleTrigger(context.Background(), buildRequest("orderflow.trigger", map[string]any{
		"orders_s3_key": "o.csv",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	var out api.TriggerResponse
	unmarshalResult(t, result, &out)
	assert.Equal(t, 400, out.StatusCode)
	assert.Equal(t, api.MessageMissingKeys, out.Message)
	assert.Empty(t, eng.started)
}

func TestTriggerToolMissingArtifacts(t *testing.T) {
	eng := &mockEngine{}
	missing := schema.NewError(schema.ErrCodeMissingArtifact, "one or both input files are missing").
		WithDetails(map[string]any{"missing_files": []string{"orders-bucket/o.csv"}})
	s := NewOrderflowServer(OrderflowServerDeps{Engine: eng, Inputs: mockInputs{err: missing}})

	result, err := s.handleTrigger(context.Background(), buildRequest("orderflow.trigger", bothKeys))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	var out api.TriggerResponse
	unmarshalResult(t, result, &out)
	assert.Equal(t, 404, out.StatusCode)
	assert.Equal(t, api.MessageMissingFiles, out.Message)
	assert.Equal(t, []string{"orders-bucket/o.csv"}, out.MissingFiles)
	assert.Empty(t, eng.started)
}

func TestTriggerToolEngineError(t *testing.T) {
	eng := &mockEngine{startErr: errors.New("pool is shut down")}
	s := NewOrderflowServer(OrderflowServerDeps{Engine: eng})

	result, err := s.handleTrigger(context.Background(), buildRequest("orderflow.trigger", bothKeys))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	var out api.TriggerResponse
	unmarshalResult(t, result, &out)
	assert.Equal(t, 500, out.StatusCode)
	assert.Equal(t, api.MessageTriggerFailed, out.Message)
	assert.Equal(t, "pool is shut down", out.Error)
}

func TestTriggerToolWait(t *testing.T) {
	eng := &mockEngine{
		exec: &store.Execution{ID: "exec-9", Status: schema.ExecutionSucceeded},
		events: []*store.Event{
			{Kind: schema.EventEntered, StateName: "StartJobRun", Sequence: 1},
			{Kind: schema.EventExited, StateName: "StartJobRun", Sequence: 2},
		},
	}
	s := NewOrderflowServer(OrderflowServerDeps{Engine: eng, WatchInterval: time.Millisecond})

	args := map[string]any{"orders_s3_key": "o.csv", "returns_s3_key": "r.csv", "wait": true}
	result, err := s.handleTrigger(context.Background(), buildRequest("orderflow.trigger", args))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out struct {
		ExecutionID string   `json:"execution_id"`
		Status      string   `json:"status"`
		Trail       []string `json:"trail"`
		Finished    bool     `json:"finished"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, "exec-9", out.ExecutionID)
	assert.Equal(t, "SUCCEEDED", out.Status)
	assert.Equal(t, []string{"➡️ Entered: StartJobRun", "✅ Exited: StartJobRun"}, out.Trail)
	assert.True(t, out.Finished)
}

func TestTriggerToolWaitTimesOut(t *testing.T) {
	eng := &mockEngine{exec: &store.Execution{ID: "exec-9", Status: schema.ExecutionRunning}}
	s := NewOrderflowServer(OrderflowServerDeps{Engine: eng, WatchInterval: time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	args := map[string]any{"orders_s3_key": "o.csv", "returns_s3_key": "r.csv", "wait": true}
	result, err := s.handleTrigger(ctx, buildRequest("orderflow.trigger", args))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, "RUNNING", out["status"])
	assert.Equal(t, false, out["finished"])
}

func TestDescribeTool(t *testing.T) {
	eng := &mockEngine{exec: &store.Execution{ID: "exec-1", Status: schema.ExecutionTimedOut, Error: schema.ErrorNameTimeout}}
	s := NewOrderflowServer(OrderflowServerDeps{Engine: eng})

	result, err := s.handleDescribe(context.Background(), buildRequest("orderflow.describe", map[string]any{
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)

	text := extractText(t, result)
	assert.Contains(t, text, "TIMED_OUT")
	assert.Contains(t, text, "States.Timeout")
}

func TestDescribeToolMissingID(t *testing.T) {
	s := NewOrderflowServer(OrderflowServerDeps{Engine: &mockEngine{}})

	result, err := s.handleDescribe(context.Background(), buildRequest("orderflow.describe", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDescribeToolNotFound(t *testing.T) {
	s := NewOrderflowServer(OrderflowServerDeps{Engine: &mockEngine{}})

	result, err := s.handleDescribe(context.Background(), buildRequest("orderflow.describe", map[string]any{
		"execution_id": "missing",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHistoryTool(t *testing.T) {
	eng := &mockEngine{
		exec: &store.Execution{ID: "exec-1", Status: schema.ExecutionFailed},
		events: []*store.Event{
			{Kind: schema.EventEntered, StateName: "StartJobRun", Sequence: 1},
			{Kind: schema.EventFailed, StateName: "StartJobRun", Error: "TaskRunnerUnavailable", Sequence: 2},
		},
	}
	s := NewOrderflowServer(OrderflowServerDeps{Engine: eng})

	t.Run("events since", func(t *testing.T) {
		result, err := s.handleHistory(context.Background(), buildRequest("orderflow.history", map[string]any{
			"execution_id": "exec-1",
			"since":        float64(1),
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)

		var out struct {
			Events []*store.Event `json:"events"`
		}
		unmarshalResult(t, result, &out)
		require.Len(t, out.Events, 1)
		assert.Equal(t, schema.EventFailed, out.Events[0].Kind)
	})

	t.Run("trail ignores since", func(t *testing.T) {
		result, err := s.handleHistory(context.Background(), buildRequest("orderflow.history", map[string]any{
			"execution_id": "exec-1",
			"since":        float64(1),
			"format":       "trail",
		}))
		require.NoError(t, err)

		var out struct {
			Trail []string `json:"trail"`
		}
		unmarshalResult(t, result, &out)
		assert.Equal(t, []string{"➡️ Entered: StartJobRun", "❌ Failed: TaskRunnerUnavailable"}, out.Trail)
	})

	t.Run("bad format", func(t *testing.T) {
		result, err := s.handleHistory(context.Background(), buildRequest("orderflow.history", map[string]any{
			"execution_id": "exec-1",
			"format":       "xml",
		}))
		require.NoError(t, err)
		assert.True(t, result.IsError)
	})
}

func TestResolveTool(t *testing.T) {
	tbl := table.New("Order ID", "Return Reason")
	require.NoError(t, tbl.Append("1", "damaged"))
	require.NoError(t, tbl.Append("2", nil))
	res := &mockResults{table: tbl}
	s := NewOrderflowServer(OrderflowServerDeps{Engine: &mockEngine{}, Results: res})

	result, err := s.handleResolve(context.Background(), buildRequest("orderflow.resolve", map[string]any{
		"source": "relational",
		"limit":  float64(1),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, schema.SourceRelational, res.asked)

	var out struct {
		Columns []string         `json:"columns"`
		Rows    []map[string]any `json:"rows"`
		Count   int              `json:"count"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, []string{"Order ID", "Return Reason"}, out.Columns)
	assert.Len(t, out.Rows, 1)
	assert.Equal(t, 2, out.Count)
}

func TestResolveToolNoDataYet(t *testing.T) {
	s := NewOrderflowServer(OrderflowServerDeps{Engine: &mockEngine{}, Results: &mockResults{}})

	result, err := s.handleResolve(context.Background(), buildRequest("orderflow.resolve", map[string]any{
		"source": "object_store",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	var out map[string]any
	unmarshalResult(t, result, &out)
	assert.Equal(t, true, out["no_data_yet"])
}

func TestResolveToolUnknownSource(t *testing.T) {
	s := NewOrderflowServer(OrderflowServerDeps{Engine: &mockEngine{}, Results: &mockResults{}})

	result, err := s.handleResolve(context.Background(), buildRequest("orderflow.resolve", map[string]any{
		"source": "ftp",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestAbortTool(t *testing.T) {
	eng := &mockEngine{exec: &store.Execution{ID: "exec-1", Status: schema.ExecutionRunning}}
	s := NewOrderflowServer(OrderflowServerDeps{Engine: eng})
	s.Sessions().Register("exec-1", "session-1")

	result, err := s.handleAbort(context.Background(), buildRequest("orderflow.abort", map[string]any{
		"execution_id": "exec-1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "aborted via mcp", eng.aborted)
	assert.Contains(t, extractText(t, result), "ABORTED")

	_, ok := s.Sessions().SessionFor("exec-1")
	assert.False(t, ok)
}

func TestListTool(t *testing.T) {
	eng := &mockEngine{listed: []*store.Execution{{ID: "a"}, {ID: "b"}}}
	s := NewOrderflowServer(OrderflowServerDeps{Engine: eng})

	result, err := s.handleList(context.Background(), buildRequest("orderflow.list", map[string]any{
		"status": "failed",
		"limit":  float64(5),
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.NotNil(t, eng.filter.Status)
	assert.Equal(t, schema.ExecutionFailed, *eng.filter.Status)
	assert.Equal(t, 5, eng.filter.Limit)

	var out struct {
		Count int `json:"count"`
	}
	unmarshalResult(t, result, &out)
	assert.Equal(t, 2, out.Count)
}
