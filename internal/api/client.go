package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/moogar0880/problems"

	"github.com/rskumar/orderflow/internal/monitor"
	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/pkg/schema"
)

// Client talks to a running orderflow server.
type Client struct {
	baseURL string
	http    *http.Client
}

var _ monitor.Source = (*Client)(nil)

// NewClient returns a Client for baseURL. A nil httpClient uses a client
// with a 30s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// TriggerError is a non-200 trigger answer.
type TriggerError struct {
	StatusCode int
	Response   TriggerResponse
}

func (e *TriggerError) Error() string {
	switch {
	case len(e.Response.MissingFiles) > 0:
		return fmt.Sprintf("%s %s", e.Response.Message, strings.Join(e.Response.MissingFiles, ", "))
	case e.Response.Error != "":
		return fmt.Sprintf("%s: %s", e.Response.Message, e.Response.Error)
	default:
		return e.Response.Message
	}
}

// Trigger starts an execution. Rejections come back as *TriggerError.
func (c *Client) Trigger(ctx context.Context, in schema.WorkflowInput) (*TriggerResponse, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/executions", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out TriggerResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode trigger response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &TriggerError{StatusCode: resp.StatusCode, Response: out}
	}
	return &out, nil
}

// DescribeExecution fetches the execution record.
func (c *Client) DescribeExecution(ctx context.Context, id string) (*store.Execution, error) {
	var exec store.Execution
	if err := c.getJSON(ctx, "/executions/"+url.PathEscape(id), &exec); err != nil {
		return nil, err
	}
	return &exec, nil
}

// GetExecutionHistory fetches events with a sequence greater than since.
func (c *Client) GetExecutionHistory(ctx context.Context, id string, since int64) ([]*store.Event, error) {
	var out HistoryResponse
	path := "/executions/" + url.PathEscape(id) + "/history?since=" + strconv.FormatInt(since, 10)
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

// ListExecutions fetches executions, newest first. An empty status lists all.
func (c *Client) ListExecutions(ctx context.Context, status string, limit int) ([]*store.Execution, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/executions"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []*store.Execution
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Abort stops a running execution.
func (c *Client) Abort(ctx context.Context, id, reason string) (*store.Execution, error) {
	body, err := json.Marshal(map[string]string{"reason": reason})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, "/executions/"+url.PathEscape(id)+"/abort", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	var exec store.Execution
	if err := json.NewDecoder(resp.Body).Decode(&exec); err != nil {
		return nil, fmt.Errorf("decode execution: %w", err)
	}
	return &exec, nil
}

// Results fetches the latest joined table. No data yet is a NO_DATA_YET
// PipelineError.
func (c *Client) Results(ctx context.Context, source schema.ResultSource) (*ResultsResponse, error) {
	var out ResultsResponse
	if err := c.getJSON(ctx, "/results/"+strings.ToLower(string(source)), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Upload stores an input artifact; kind is "orders" or "returns".
func (c *Client) Upload(ctx context.Context, kind, name string, body io.Reader) (*UploadResponse, error) {
	path := "/uploads/" + url.PathEscape(kind) + "?name=" + url.QueryEscape(name)
	resp, err := c.do(ctx, http.MethodPost, path, "application/octet-stream", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return nil, err
	}
	var out UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkResponse(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeTransient, "%s %s: %s", method, path, err.Error()).WithCause(err)
	}
	return resp, nil
}

// checkResponse turns a problem answer back into a PipelineError.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode < 300 {
		return nil
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var p problems.Problem
	if err := json.Unmarshal(raw, &p); err != nil || p.Type == "" {
		return schema.NewErrorf(codeOfStatus(resp.StatusCode), "server answered %s: %s",
			resp.Status, strings.TrimSpace(string(raw)))
	}
	code := strings.ToUpper(p.Type)
	if code == "INTERNAL_ERROR" || code == "NOT_IMPLEMENTED" {
		code = codeOfStatus(resp.StatusCode)
	}
	return schema.NewError(code, p.Detail).WithDetails(map[string]any{"status": resp.StatusCode})
}

func codeOfStatus(status int) string {
	switch {
	case status == http.StatusNotFound:
		return schema.ErrCodeNotFound
	case status == http.StatusConflict:
		return schema.ErrCodeConflict
	case status >= 500:
		return schema.ErrCodeTransient
	default:
		return schema.ErrCodeValidation
	}
}
