package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rskumar/orderflow/internal/engine"
	"github.com/rskumar/orderflow/internal/logging"
	"github.com/rskumar/orderflow/internal/objectstore"
	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/internal/streaming"
	"github.com/rskumar/orderflow/internal/table"
	"github.com/rskumar/orderflow/pkg/schema"
)

// Executions is the engine surface the API drives.
type Executions interface {
	Start(ctx context.Context, input schema.WorkflowInput) (*store.Execution, error)
	Abort(ctx context.Context, id, reason string) (*store.Execution, error)
	DescribeExecution(ctx context.Context, id string) (*store.Execution, error)
	GetExecutionHistory(ctx context.Context, id string, since int64) ([]*store.Event, error)
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error)
	Metrics() engine.PoolMetrics
}

// InputChecker confirms a trigger's artifacts exist.
type InputChecker interface {
	Validate(ctx context.Context, in schema.WorkflowInput) error
	Refs(in schema.WorkflowInput) []schema.ArtifactRef
}

// TriggerChecker checks the shape of a raw trigger body.
type TriggerChecker interface {
	ValidateTrigger(body []byte) error
}

// ResultResolver returns the latest joined table, or nil when there is none.
type ResultResolver interface {
	Resolve(ctx context.Context, source schema.ResultSource) (*table.Table, error)
}

// Deps holds the collaborators of the HTTP server. Only Engine is required;
// routes whose collaborator is nil answer 501.
type Deps struct {
	Engine   Executions
	Inputs   InputChecker
	Triggers TriggerChecker
	Results  ResultResolver
	Hub      streaming.EventHub

	// Uploads receives input artifacts for POST /uploads/{kind}.
	Uploads          objectstore.Store
	OrdersContainer  string
	ReturnsContainer string

	// Definition is drawn by GET /executions/{id}/diagram.
	Definition *schema.MachineDefinition

	// Function serves POST /functions/joined-results when set.
	Function http.Handler

	Logger *slog.Logger
	Now    func() time.Time
}

// Server serves the execution API.
type Server struct {
	deps   Deps
	logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Server{deps: deps, logger: logging.WithModule(deps.Logger, "api")}
}

// Handler returns the HTTP handler for the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /executions", s.handleTrigger)
	mux.HandleFunc("GET /executions", s.handleListExecutions)
	mux.HandleFunc("GET /executions/{id}", s.handleDescribeExecution)
	mux.HandleFunc("GET /executions/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /executions/{id}/trail", s.handleTrail)
	mux.HandleFunc("GET /executions/{id}/diagram", s.handleDiagram)
	mux.HandleFunc("POST /executions/{id}/abort", s.handleAbort)

	// SSE stream.
	mux.HandleFunc("GET /sse/executions/{id}", s.handleSSEExecution)

	mux.HandleFunc("GET /results/{source}", s.handleResults)
	mux.HandleFunc("POST /uploads/{kind}", s.handleUpload)

	if s.deps.Function != nil {
		mux.Handle("POST /functions/joined-results", s.deps.Function)
	}

	return mux
}

// Serve runs h on addr until ctx is done, then drains in-flight requests
// for up to grace. SSE streams end with ctx.
func Serve(ctx context.Context, addr string, h http.Handler, grace time.Duration, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	return nil
}
