package engine

import (
	"context"

	"github.com/rskumar/orderflow/pkg/schema"
)

// TaskRunner starts and inspects external batch job runs.
type TaskRunner interface {
	StartJobRun(ctx context.Context, jobName string, args map[string]string) (string, error)
	GetJobRun(ctx context.Context, jobName, runID string) (schema.JobRunState, error)
}

// Notifier publishes one-shot messages. Delivery is best effort.
type Notifier interface {
	Publish(ctx context.Context, channel schema.Channel, subject, message string) error
}
