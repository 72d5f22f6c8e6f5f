package diagram

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rskumar/orderflow/internal/definition"
	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/pkg/schema"
)

func TestBuild_DefaultDefinition(t *testing.T) {
	m, err := Build(definition.Default(), nil)
	require.NoError(t, err)

	ids := make([]string, 0, len(m.Nodes))
	for _, n := range m.Nodes {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []string{
		startID,
		schema.StateStartJobRun,
		schema.StateWaitBeforeCheck,
		schema.StateGetJobRun,
		schema.StateJobComplete,
		schema.StatePublishSuccess,
		schema.StatePublishFailure,
		endID,
	}, ids)

	assert.Contains(t, m.Edges, Edge{From: schema.StateJobComplete, To: schema.StatePublishSuccess, Label: "SUCCEEDED"})
	assert.Contains(t, m.Edges, Edge{From: schema.StateJobComplete, To: schema.StateWaitBeforeCheck, Label: "default"})
	assert.Contains(t, m.Edges, Edge{From: schema.StatePublishFailure, To: endID})
	assert.Equal(t, NodeKindChoice, m.Node(schema.StateJobComplete).Kind)
	assert.Equal(t, NodeKindWait, m.Node(schema.StateWaitBeforeCheck).Kind)
}

func TestBuild_RejectsMissingStart(t *testing.T) {
	_, err := Build(&schema.MachineDefinition{StartAt: "Nowhere"}, nil)
	assert.Error(t, err)

	_, err = Build(nil, nil)
	assert.Error(t, err)
}

func TestBuild_OverlaysHistory(t *testing.T) {
	events := []*store.Event{
		{Kind: schema.EventEntered, StateName: schema.StateStartJobRun, Sequence: 1},
		{Kind: schema.EventExited, StateName: schema.StateStartJobRun, Sequence: 2},
		{Kind: schema.EventEntered, StateName: schema.StateGetJobRun, Sequence: 3},
		{Kind: schema.EventExited, StateName: schema.StateGetJobRun, Sequence: 4},
		{Kind: schema.EventEntered, StateName: schema.StateGetJobRun, Sequence: 5},
		{Kind: schema.EventFailed, Error: "States.TaskFailed", Cause: "throttled", Sequence: 6},
	}
	m, err := Build(definition.Default(), events)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, m.Node(schema.StateStartJobRun).Status.Status)
	get := m.Node(schema.StateGetJobRun).Status
	assert.Equal(t, StatusFailed, get.Status)
	assert.Equal(t, 2, get.Visits)
	assert.Equal(t, "States.TaskFailed throttled", get.Error)
	assert.Nil(t, m.Node(schema.StatePublishSuccess).Status)
}

func TestRenderMermaid(t *testing.T) {
	m, err := Build(definition.Default(), []*store.Event{
		{Kind: schema.EventEntered, StateName: schema.StateStartJobRun, Sequence: 1},
	})
	require.NoError(t, err)

	out := RenderMermaid(m)
	assert.Contains(t, out, "graph TD\n")
	assert.Contains(t, out, `Job_Complete_{"Job_Complete?"}`)
	assert.Contains(t, out, `WaitBeforeCheck(["WaitBeforeCheck"])`)
	assert.Contains(t, out, `Job_Complete_ -->|"SUCCEEDED"| SNS_Publish_Success`)
	assert.Contains(t, out, "class StartJobRun running")
}

func TestMermaidEscapesConditions(t *testing.T) {
	assert.Equal(t, `job_run.state == #quot;FAILED#quot;`, mermaidEscapeLabel(`job_run.state == "FAILED"`))
	assert.Equal(t, "Job_Complete_", mermaidSafeID("Job_Complete?"))
}

func TestRenderImage(t *testing.T) {
	if testing.Short() {
		t.Skip("graphviz rendering is slow")
	}
	m, err := Build(definition.Default(), nil)
	require.NoError(t, err)

	png, err := RenderImage(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(png, []byte("\x89PNG")))
}
