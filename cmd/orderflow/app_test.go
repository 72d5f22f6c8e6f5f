package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rskumar/orderflow/internal/api"
	"github.com/rskumar/orderflow/internal/config"
	"github.com/rskumar/orderflow/internal/monitor"
	"github.com/rskumar/orderflow/pkg/schema"
)

// writeConfig writes a local-only configuration rooted in a temp dir.
func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "orderflow.yaml")
	body := strings.Join([]string{
		"log_level: error",
		"store:",
		"  path: file:" + filepath.Join(dir, "db", "orderflow.db"),
		"engine:",
		"  wait_override: 10ms",
		"  sweep_schedule: \"\"",
		"monitor:",
		"  interval: 10ms",
		"artifacts:",
		"  root: " + filepath.Join(dir, "objects"),
		"",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func testApp(t *testing.T) *app {
	t.Helper()
	cfg, err := config.Load(writeConfig(t))
	require.NoError(t, err)

	a, err := buildApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, a.Close(context.Background())) })
	return a
}

func TestBuildApp_LocalStack(t *testing.T) {
	a := testApp(t)

	assert.NotNil(t, a.engine)
	assert.Nil(t, a.postgres)
	assert.Nil(t, a.sweeper)
	assert.Equal(t, "StartJobRun", a.def.StartAt)

	rec := httptest.NewRecorder()
	a.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBuildApp_RejectsBadDefinition(t *testing.T) {
	cfg, err := config.Load(writeConfig(t))
	require.NoError(t, err)
	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("StartAt: Nowhere\nStates: {}\n"), 0o644))
	cfg.Engine.Definition = bad

	_, err = buildApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestEndToEnd_UploadTriggerWatchResolve(t *testing.T) {
	a := testApp(t)
	srv := httptest.NewServer(a.handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	client := api.NewClient(srv.URL, nil)

	orders, err := client.Upload(ctx, "orders", "orders.csv", bytes.NewBufferString("Order ID,Product\n1,Pen\n2,Ink\n"))
	require.NoError(t, err)
	returns, err := client.Upload(ctx, "returns", "returns.csv", bytes.NewBufferString("Order ID,Reason\n2,late\n"))
	require.NoError(t, err)

	resp, err := client.Trigger(ctx, schema.WorkflowInput{OrdersKey: orders.Key, ReturnsKey: returns.Key})
	require.NoError(t, err)
	assert.Equal(t, api.MessageTriggered, resp.Message)

	result, err := monitor.New(client, monitor.WithInterval(20*time.Millisecond)).Watch(ctx, resp.ExecutionArn, monitor.Observer{})
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionSucceeded, result.Status)
	require.NotEmpty(t, result.Trail)
	assert.Equal(t, "➡️ Entered: StartJobRun", result.Trail[0])

	joined, err := client.Results(ctx, schema.SourceObjectStore)
	require.NoError(t, err)
	assert.Equal(t, 2, joined.Count)

	_, err = client.Results(ctx, schema.SourceRelational)
	assert.Error(t, err)
}

func TestEndToEnd_MissingArtifacts(t *testing.T) {
	a := testApp(t)
	srv := httptest.NewServer(a.handler())
	defer srv.Close()

	client := api.NewClient(srv.URL, nil)
	_, err := client.Trigger(context.Background(), schema.WorkflowInput{OrdersKey: "nope.csv", ReturnsKey: "nada.csv"})

	var te *api.TriggerError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusNotFound, te.StatusCode)
	assert.Equal(t, []string{"orders-bucket/nope.csv", "returns-bucket/nada.csv"}, te.Response.MissingFiles)
}
