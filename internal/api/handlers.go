package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/rskumar/orderflow/internal/diagram"
	"github.com/rskumar/orderflow/internal/monitor"
	"github.com/rskumar/orderflow/internal/objectstore"
	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/pkg/schema"
)

// Trigger response messages. Callers of the original trigger match on them.
const (
	MessageTriggered     = "✅ Step Function triggered successfully"
	MessageMissingKeys   = "❌ Missing orders_s3_key or returns_s3_key in input."
	MessageMissingFiles  = "❌ One or both input files are missing in S3."
	MessageTriggerFailed = "❌ Error triggering Step Function"
)

const (
	maxTriggerBody     = 1 << 20
	maxUploadBody      = 256 << 20
	defaultListLimit   = 50
	uploadFormField    = "file"
	defaultAbortReason = "aborted via api"
)

// TriggerResponse is the body of every POST /executions answer. Which fields
// are set depends on the status code.
type TriggerResponse struct {
	StatusCode   int      `json:"statusCode"`
	Message      string   `json:"message"`
	ExecutionArn string   `json:"executionArn,omitempty"`
	OrdersFile   string   `json:"orders_file,omitempty"`
	ReturnsFile  string   `json:"returns_file,omitempty"`
	ExecutionAt  float64  `json:"execution_at,omitempty"`
	Input        any      `json:"input,omitempty"`
	MissingFiles []string `json:"missing_files,omitempty"`
	Error        string   `json:"error,omitempty"`
}

// HistoryResponse is the body of GET /executions/{id}/history.
type HistoryResponse struct {
	ExecutionID string         `json:"execution_id"`
	Events      []*store.Event `json:"events"`
}

// TrailResponse is the body of GET /executions/{id}/trail.
type TrailResponse struct {
	ExecutionID string                 `json:"execution_id"`
	Status      schema.ExecutionStatus `json:"status"`
	Trail       []string               `json:"trail"`
}

// ResultsResponse is the body of GET /results/{source}.
type ResultsResponse struct {
	Source  schema.ResultSource `json:"source"`
	Columns []string            `json:"columns"`
	Rows    []map[string]any    `json:"rows"`
	Count   int                 `json:"count"`
}

// UploadResponse is the body of POST /uploads/{kind}.
type UploadResponse struct {
	Container string `json:"container"`
	Key       string `json:"key"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pool":   s.deps.Engine.Metrics(),
	})
}

// handleTrigger validates a trigger body, probes both artifacts and starts
// an execution. Every outcome carries a status code and a message.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	received := s.deps.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxTriggerBody))
	if err != nil {
		writeTrigger(w, http.StatusBadRequest, TriggerResponse{Message: MessageMissingKeys, Error: err.Error()})
		return
	}

	var echo any
	if err := json.Unmarshal(body, &echo); err != nil {
		echo = string(body)
	}

	var in schema.WorkflowInput
	malformed := json.Unmarshal(body, &in) != nil
	if !malformed && s.deps.Triggers != nil {
		malformed = s.deps.Triggers.ValidateTrigger(body) != nil
	}
	if malformed || len(in.MissingKeys()) > 0 {
		s.logger.InfoContext(ctx, "trigger rejected: malformed input")
		writeTrigger(w, http.StatusBadRequest, TriggerResponse{Message: MessageMissingKeys, Input: echo})
		return
	}

	if s.deps.Inputs != nil {
		if err := s.deps.Inputs.Validate(ctx, in); err != nil {
			s.triggerFailed(w, r, in, err)
			return
		}
	}

	exec, err := s.deps.Engine.Start(ctx, in)
	if err != nil {
		s.triggerFailed(w, r, in, err)
		return
	}

	s.logger.InfoContext(ctx, "execution triggered",
		slog.String("execution_id", exec.ID),
		slog.String("orders_key", in.OrdersKey),
		slog.String("returns_key", in.ReturnsKey))
	writeTrigger(w, http.StatusOK, TriggerResponse{
		Message:      MessageTriggered,
		ExecutionArn: exec.ID,
		OrdersFile:   in.OrdersKey,
		ReturnsFile:  in.ReturnsKey,
		ExecutionAt:  float64(received.UnixNano()) / float64(time.Second),
	})
}

// writeTrigger writes resp with its statusCode field set to status.
func writeTrigger(w http.ResponseWriter, status int, resp TriggerResponse) {
	resp.StatusCode = status
	writeJSON(w, status, resp)
}

func (s *Server) triggerFailed(w http.ResponseWriter, r *http.Request, in schema.WorkflowInput, err error) {
	var pe *schema.PipelineError
	errors.As(err, &pe)

	switch {
	case pe != nil && pe.Code == schema.ErrCodeMissingArtifact:
		missing, _ := pe.Details["missing_files"].([]string)
		s.logger.InfoContext(r.Context(), "trigger rejected: missing artifacts", slog.Any("missing_files", missing))
		writeTrigger(w, http.StatusNotFound, TriggerResponse{Message: MessageMissingFiles, MissingFiles: missing})
	case pe != nil && pe.Code == schema.ErrCodeMalformedInput:
		writeTrigger(w, http.StatusBadRequest, TriggerResponse{Message: MessageMissingKeys, Input: in.Document()})
	default:
		s.logger.ErrorContext(r.Context(), "trigger failed", slog.Any("error", err))
		writeTrigger(w, http.StatusInternalServerError, TriggerResponse{Message: MessageTriggerFailed, Error: err.Error()})
	}
}

// handleListExecutions lists executions, newest first. Optional query
// params: status, since (RFC 3339), limit, offset.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	filter := store.ExecutionFilter{
		Limit:  queryInt(r, "limit", defaultListLimit),
		Offset: queryInt(r, "offset", 0),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		status := schema.ExecutionStatus(strings.ToUpper(v))
		if !status.Terminal() && status != schema.ExecutionRunning {
			writeProblem(w, r, http.StatusBadRequest, schema.ErrCodeValidation, "unknown status "+v)
			return
		}
		filter.Status = &status
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeProblem(w, r, http.StatusBadRequest, schema.ErrCodeValidation, "since must be RFC 3339")
			return
		}
		filter.Since = &since
	}

	execs, err := s.deps.Engine.ListExecutions(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if execs == nil {
		execs = []*store.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func (s *Server) handleDescribeExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := s.deps.Engine.DescribeExecution(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.deps.Engine.GetExecutionHistory(r.Context(), id, queryInt64(r, "since"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if events == nil {
		events = []*store.Event{}
	}
	writeJSON(w, http.StatusOK, HistoryResponse{ExecutionID: id, Events: events})
}

// handleTrail renders the full history as progress lines.
func (s *Server) handleTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	exec, err := s.deps.Engine.DescribeExecution(ctx, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	events, err := s.deps.Engine.GetExecutionHistory(ctx, id, 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	trail := monitor.BuildTrail(events)
	if trail == nil {
		trail = []string{}
	}
	writeJSON(w, http.StatusOK, TrailResponse{ExecutionID: id, Status: exec.Status, Trail: trail})
}

// handleDiagram draws the definition with the execution's progress. The
// format query picks mermaid (default) or png.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	if s.deps.Definition == nil {
		writeProblem(w, r, http.StatusNotImplemented, "not_implemented", "diagrams are not configured")
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "mermaid"
	}
	if format != "mermaid" && format != "png" {
		writeProblem(w, r, http.StatusBadRequest, schema.ErrCodeValidation, "format must be mermaid or png")
		return
	}

	ctx := r.Context()
	id := r.PathValue("id")
	events, err := s.deps.Engine.GetExecutionHistory(ctx, id, 0)
	if err != nil {
		writeError(w, r, err)
		return
	}
	model, err := diagram.Build(s.deps.Definition, events)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if format == "png" {
		png, err := diagram.RenderImage(ctx, model)
		if err != nil {
			writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		w.Write(png)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, diagram.RenderMermaid(model))
}

// handleAbort stops a running execution. The body may carry a reason.
func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(io.LimitReader(r.Body, maxTriggerBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeProblem(w, r, http.StatusBadRequest, schema.ErrCodeValidation, "invalid abort body: "+err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = defaultAbortReason
	}

	exec, err := s.deps.Engine.Abort(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// handleResults returns the latest joined table of a source. "object_store"
// and "relational" are accepted in any case.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if s.deps.Results == nil {
		writeProblem(w, r, http.StatusNotImplemented, "not_implemented", "result resolution is not configured")
		return
	}
	source := ParseSource(r.PathValue("source"))
	if !source.Valid() {
		writeProblem(w, r, http.StatusBadRequest, schema.ErrCodeValidation, "unknown result source "+r.PathValue("source"))
		return
	}

	t, err := s.deps.Results.Resolve(r.Context(), source)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if t == nil {
		writeProblem(w, r, http.StatusNotFound, schema.ErrCodeNoDataYet, "no joined results are available yet")
		return
	}
	writeJSON(w, http.StatusOK, ResultsResponse{
		Source:  source,
		Columns: t.Columns,
		Rows:    t.Records(),
		Count:   t.Len(),
	})
}

// ParseSource maps "object-store", "object_store" or "RELATIONAL" style
// names to a ResultSource.
func ParseSource(name string) schema.ResultSource {
	return schema.ResultSource(strings.ToUpper(strings.ReplaceAll(name, "-", "_")))
}

// handleUpload stores an input artifact under a fresh timestamped key. The
// file comes from a multipart "file" field, or from the raw body with the
// name in the "name" query param.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.deps.Uploads == nil {
		writeProblem(w, r, http.StatusNotImplemented, "not_implemented", "uploads are not configured")
		return
	}

	var container string
	switch r.PathValue("kind") {
	case "orders":
		container = s.deps.OrdersContainer
	case "returns":
		container = s.deps.ReturnsContainer
	default:
		writeProblem(w, r, http.StatusBadRequest, schema.ErrCodeValidation, "upload kind must be orders or returns")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	name := r.URL.Query().Get("name")
	var body io.Reader = r.Body

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile(uploadFormField)
		if err != nil {
			writeProblem(w, r, http.StatusBadRequest, schema.ErrCodeValidation, "multipart upload needs a file field: "+err.Error())
			return
		}
		defer file.Close()
		body = file
		if name == "" {
			name = header.Filename
		}
	}
	if strings.TrimSpace(name) == "" {
		writeProblem(w, r, http.StatusBadRequest, schema.ErrCodeValidation, "upload needs a file name")
		return
	}

	key, err := objectstore.Upload(r.Context(), s.deps.Uploads, container, name, body, s.deps.Now())
	if errors.Is(err, objectstore.ErrExists) {
		writeProblem(w, r, http.StatusConflict, schema.ErrCodeConflict, "this file already exists in "+container)
		return
	}
	if err != nil {
		s.logger.ErrorContext(r.Context(), "upload failed", slog.String("container", container), slog.Any("error", err))
		writeError(w, r, err)
		return
	}

	s.logger.InfoContext(r.Context(), "artifact uploaded", slog.String("container", container), slog.String("key", key))
	writeJSON(w, http.StatusCreated, UploadResponse{Container: container, Key: key})
}
