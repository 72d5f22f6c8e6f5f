package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
)

// FunctionInvoker calls the intermediary compute function that fronts the
// relational store and returns its raw response payload.
type FunctionInvoker interface {
	Invoke(ctx context.Context, payload []byte) ([]byte, error)
}

// Envelope is the response shape of the result function.
type Envelope struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// DecodeEnvelope extracts the row objects from a function response. Any
// other shape, a non-200 status or a body that is not an array of objects
// reports false.
func DecodeEnvelope(payload []byte) ([]map[string]any, bool) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil || env.StatusCode != http.StatusOK {
		return nil, false
	}
	var records []map[string]any
	if err := json.Unmarshal([]byte(env.Body), &records); err != nil {
		return nil, false
	}
	if len(records) == 0 {
		return nil, false
	}
	return records, true
}

// LambdaAPI is the subset of the Lambda client used here.
type LambdaAPI interface {
	Invoke(ctx context.Context, in *lambda.InvokeInput, opts ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// LambdaInvoker invokes an AWS Lambda function synchronously.
type LambdaInvoker struct {
	Client   LambdaAPI
	Function string
}

func (l *LambdaInvoker) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	out, err := l.Client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(l.Function),
		Payload:      payload,
	})
	if err != nil {
		return nil, fmt.Errorf("invoke %s: %w", l.Function, err)
	}
	if out.FunctionError != nil {
		return nil, fmt.Errorf("function %s failed: %s", l.Function, aws.ToString(out.FunctionError))
	}
	return out.Payload, nil
}

// HTTPInvoker posts the payload to a function served over HTTP, such as the
// one mounted by the API server.
type HTTPInvoker struct {
	URL    string
	Client *http.Client
}

func (h *HTTPInvoker) Invoke(ctx context.Context, payload []byte) ([]byte, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}
