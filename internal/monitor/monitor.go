// Package monitor follows a running execution through the read-only
// describe and history queries and turns its events into a progress trail.
package monitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/rskumar/orderflow/internal/logging"
	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/pkg/schema"
)

// DefaultInterval is the pause between two polls.
const DefaultInterval = 5 * time.Second

// Source is the query surface a monitor observes. The engine and the HTTP
// client both implement it.
type Source interface {
	DescribeExecution(ctx context.Context, id string) (*store.Execution, error)
	GetExecutionHistory(ctx context.Context, id string, since int64) ([]*store.Event, error)
}

// Observer receives progress as it is discovered. Every field is optional.
type Observer struct {
	// Line is called for every trail line, in history order.
	Line func(line string)
	// Status is called after each successful describe.
	Status func(exec *store.Execution)
	// Error is called when a poll fails; the next poll retries.
	Error func(err error)
}

// Monitor polls one execution at a time until it reaches a terminal status.
type Monitor struct {
	src      Source
	interval time.Duration
	logger   *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides DefaultInterval.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the logger used for poll failures.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New creates a Monitor over src.
func New(src Source, opts ...Option) *Monitor {
	m := &Monitor{src: src, interval: DefaultInterval, logger: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.WithModule(m.logger, "monitor")
	return m
}

// Result is the outcome of Watch.
type Result struct {
	Status schema.ExecutionStatus `json:"status"`
	Trail  []string               `json:"trail"`
	Error  string                 `json:"error,omitempty"`
	Cause  string                 `json:"cause,omitempty"`
}

// Watch polls id until its status is terminal and returns the final status
// and trail. It never gives up on a RUNNING execution; only ctx bounds it.
// On cancellation the trail gathered so far is returned with ctx's error.
// An execution that does not exist ends the watch with a NOT_FOUND error.
func (m *Monitor) Watch(ctx context.Context, id string, obs Observer) (*Result, error) {
	ctx = logging.WithExecutionID(ctx, id)
	trail := &Trail{}
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return &Result{Status: schema.ExecutionRunning, Trail: trail.Lines()}, ctx.Err()
		case <-timer.C:
		}

		exec, done, err := m.tick(ctx, id, trail, obs)
		if err != nil {
			return &Result{Trail: trail.Lines()}, err
		}
		if done {
			return &Result{
				Status: exec.Status,
				Trail:  trail.Lines(),
				Error:  exec.Error,
				Cause:  exec.Cause,
			}, nil
		}
		timer.Reset(m.interval)
	}
}

// tick runs one describe + history round. History is read after describe so
// a terminal status is never reported ahead of the events leading to it.
// Only NOT_FOUND is returned as an error; every other failure is reported
// and retried on the next tick.
func (m *Monitor) tick(ctx context.Context, id string, trail *Trail, obs Observer) (*store.Execution, bool, error) {
	exec, err := m.src.DescribeExecution(ctx, id)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, false, err
	}
	if err != nil {
		m.report(ctx, obs, err)
		return nil, false, nil
	}
	if obs.Status != nil {
		obs.Status(exec)
	}

	events, err := m.src.GetExecutionHistory(ctx, id, trail.LastSequence())
	if err != nil {
		m.report(ctx, obs, err)
		return exec, false, nil
	}
	for _, line := range trail.Append(events) {
		if obs.Line != nil {
			obs.Line(line)
		}
	}
	return exec, exec.Status.Terminal(), nil
}

func (m *Monitor) report(ctx context.Context, obs Observer, err error) {
	if ctx.Err() != nil {
		return
	}
	m.logger.WarnContext(ctx, "poll failed, retrying", slog.Any("error", err))
	if obs.Error != nil {
		obs.Error(err)
	}
}
