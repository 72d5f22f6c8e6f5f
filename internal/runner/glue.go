// Package runner provides the task runners the engine can drive: AWS Glue
// and an in-process runner backed by the join job.
package runner

import (
	"context"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/smithy-go"

	"github.com/rskumar/orderflow/pkg/schema"
)

// GlueAPI is the subset of the Glue client the runner uses.
type GlueAPI interface {
	StartJobRun(ctx context.Context, in *glue.StartJobRunInput, opts ...func(*glue.Options)) (*glue.StartJobRunOutput, error)
	GetJobRun(ctx context.Context, in *glue.GetJobRunInput, opts ...func(*glue.Options)) (*glue.GetJobRunOutput, error)
}

// Glue starts and polls AWS Glue job runs.
type Glue struct {
	client GlueAPI
}

func NewGlue(client GlueAPI) *Glue {
	return &Glue{client: client}
}

func (g *Glue) StartJobRun(ctx context.Context, jobName string, args map[string]string) (string, error) {
	out, err := g.client.StartJobRun(ctx, &glue.StartJobRunInput{
		JobName:   aws.String(jobName),
		Arguments: args,
	})
	if err != nil {
		return "", classify(err, "start job run of "+jobName)
	}
	return aws.ToString(out.JobRunId), nil
}

func (g *Glue) GetJobRun(ctx context.Context, jobName, runID string) (schema.JobRunState, error) {
	out, err := g.client.GetJobRun(ctx, &glue.GetJobRunInput{
		JobName: aws.String(jobName),
		RunId:   aws.String(runID),
	})
	if err != nil {
		return "", classify(err, "get job run "+runID)
	}
	if out.JobRun == nil {
		return schema.JobRunRunning, nil
	}
	return schema.NormalizeJobRunState(string(out.JobRun.JobRunState)), nil
}

// classify maps Glue API errors onto the retry vocabulary of the engine.
func classify(err error, op string) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	code := schema.ErrCodeTaskRunnerUnavailable
	switch apiErr.ErrorCode() {
	case "ThrottlingException", "OperationTimeoutException", "InternalServiceException",
		"ConcurrentRunsExceededException", "ResourceNumberLimitExceededException":
		code = schema.ErrCodeTransient
	case "EntityNotFoundException":
		code = schema.ErrCodeNotFound
	}
	return schema.NewErrorf(code, "%s: %s", op, apiErr.ErrorMessage()).
		WithDetails(map[string]any{"aws_error_code": apiErr.ErrorCode()}).WithCause(err)
}
