// Package scheduler runs the periodic recovery sweep that resumes RUNNING
// executions no loop in this process is driving.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rskumar/orderflow/internal/logging"
	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/pkg/schema"
)

// DefaultSchedule is the sweep cadence when none is configured.
const DefaultSchedule = "@every 1m"

// DefaultGrace skips executions touched more recently than this; they are
// likely still being handed to a loop.
const DefaultGrace = 30 * time.Second

// Resumer is the part of the engine the sweeper drives.
type Resumer interface {
	ListExecutions(ctx context.Context, filter store.ExecutionFilter) ([]*store.Execution, error)
	Driving(id string) bool
	Resume(ctx context.Context, id string) error
}

// Sweeper resumes orphaned RUNNING executions on a cron schedule.
type Sweeper struct {
	engine   Resumer
	schedule string
	grace    time.Duration
	parser   cron.Parser
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// NewSweeper creates a Sweeper. An empty schedule uses DefaultSchedule and a
// negative grace uses DefaultGrace.
func NewSweeper(engine Resumer, schedule string, grace time.Duration, logger *slog.Logger) *Sweeper {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if grace < 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		engine:   engine,
		schedule: schedule,
		grace:    grace,
		parser:   cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   logging.WithModule(logger, "sweeper"),
		now:      func() time.Time { return time.Now().UTC() },
		inflight: make(map[string]struct{}),
	}
}

// ValidateSchedule reports whether spec parses.
func (s *Sweeper) ValidateSchedule(spec string) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	return nil
}

// Start sweeps once immediately and then on every schedule tick until Stop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}
	if err := s.ValidateSchedule(s.schedule); err != nil {
		return err
	}

	c := cron.New(
		cron.WithParser(s.parser),
		cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep(ctx) }); err != nil {
		return err
	}
	s.Sweep(ctx)
	c.Start()
	s.cron = c
	s.logger.Info("sweeper started", slog.String("schedule", s.schedule))
	return nil
}

// Stop halts the schedule and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("sweeper stopped")
}

// Sweep resumes every eligible RUNNING execution and returns how many were
// handed back to the engine.
func (s *Sweeper) Sweep(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}
	running := schema.ExecutionRunning
	execs, err := s.engine.ListExecutions(ctx, store.ExecutionFilter{Status: &running})
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to list running executions", slog.Any("error", err))
		return 0
	}

	cutoff := s.now().Add(-s.grace)
	resumed := 0
	for _, exec := range execs {
		if s.engine.Driving(exec.ID) || exec.UpdatedAt.After(cutoff) {
			continue
		}
		if !s.tryAcquire(exec.ID) {
			continue
		}
		err := s.engine.Resume(ctx, exec.ID)
		s.release(exec.ID)
		if err != nil {
			s.logger.WarnContext(logging.WithExecutionID(ctx, exec.ID), "failed to resume execution", slog.Any("error", err))
			continue
		}
		resumed++
		s.logger.InfoContext(logging.WithExecutionID(ctx, exec.ID), "execution resumed",
			slog.String("state", exec.CurrentState), slog.String("run_id", exec.RunID))
	}
	if resumed > 0 {
		s.logger.InfoContext(ctx, "recovery sweep finished", slog.Int("resumed", resumed))
	}
	return resumed
}

func (s *Sweeper) tryAcquire(id string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[id]; ok {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Sweeper) release(id string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, id)
}
