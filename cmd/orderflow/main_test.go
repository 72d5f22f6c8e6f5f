package main

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/pkg/schema"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.Writer = &out
	cmd.ErrWriter = &out
	err := cmd.Run(context.Background(), append([]string{"orderflow"}, args...))
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "dev\n", out)
}

func TestDefinitionValidate_BuiltIn(t *testing.T) {
	out, err := runCLI(t, "--config", writeConfig(t), "definition", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "6 states, starts at StartJobRun")
}

func TestDefinitionPrint_JSON(t *testing.T) {
	out, err := runCLI(t, "--config", writeConfig(t), "definition", "print", "--format", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"StartAt": "StartJobRun"`)
}

func TestMigrateCommand(t *testing.T) {
	_, err := runCLI(t, "--config", writeConfig(t), "migrate")
	assert.NoError(t, err)
}

func TestTriggerCommand_NeedsBothKeys(t *testing.T) {
	_, err := runCLI(t, "--server", "http://127.0.0.1:1", "trigger", "orders.csv")
	assert.EqualError(t, err, "❌ Missing orders_s3_key or returns_s3_key in input.")
}

func TestTrailLine_KeepsText(t *testing.T) {
	for _, line := range []string{"➡️ Entered: GetJobRun", "✅ Exited: GetJobRun", "❌ Failed: boom", "plain"} {
		assert.Contains(t, trailLine(line), line)
	}
}

func TestRenderExecution(t *testing.T) {
	stopped := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	var out bytes.Buffer
	renderExecution(&out, &store.Execution{
		ID:        "exec-1",
		Status:    schema.ExecutionTimedOut,
		Input:     schema.WorkflowInput{OrdersKey: "o.csv", ReturnsKey: "r.csv"},
		RunID:     "jr_1",
		Polls:     3,
		StartedAt: stopped.Add(-time.Minute),
		StoppedAt: &stopped,
		Error:     "States.Timeout",
	})
	for _, want := range []string{"exec-1", "TIMED_OUT", "o.csv", "jr_1 (3 polls)", "States.Timeout"} {
		assert.Contains(t, out.String(), want)
	}
}

func TestRenderList_Empty(t *testing.T) {
	var out bytes.Buffer
	renderList(&out, nil)
	assert.Contains(t, out.String(), "no executions")
}

func TestDefinitionDiagram_Mermaid(t *testing.T) {
	out, err := runCLI(t, "--config", writeConfig(t), "definition", "diagram")
	require.NoError(t, err)
	assert.Contains(t, out, "graph TD")
	assert.Contains(t, out, "GetJobRun")
}

func TestDefinitionDiagram_PNGNeedsOut(t *testing.T) {
	_, err := runCLI(t, "--config", writeConfig(t), "definition", "diagram", "--format", "png")
	assert.EqualError(t, err, "png output needs --out")
}
