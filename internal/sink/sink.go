// Package sink writes the joined table to its destinations. Each write is a
// replace keyed by the job run id: re-running the same run converges on the
// same content and a partial failure names the sinks that still need it.
package sink

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rskumar/orderflow/internal/logging"
	"github.com/rskumar/orderflow/internal/table"
)

// Sink is one destination of the joined table.
type Sink interface {
	Name() string
	Replace(ctx context.Context, runID string, t *table.Table) error
}

// DefaultLockTTL bounds how long a writer may hold a sink.
const DefaultLockTTL = 2 * time.Minute

// ReplaceError lists the sinks that were not replaced.
type ReplaceError struct {
	RunID  string
	Failed map[string]error
}

func (e *ReplaceError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for name, err := range e.Failed {
		parts = append(parts, name+": "+err.Error())
	}
	return fmt.Sprintf("replace run %s: %s", e.RunID, strings.Join(parts, "; "))
}

// Set replaces a table in every sink, each under its own single-writer lock.
type Set struct {
	sinks  []Sink
	locker Locker
	ttl    time.Duration
	logger *slog.Logger
}

// NewSet creates a Set. A nil locker serialises writers in-process only.
func NewSet(locker Locker, logger *slog.Logger, sinks ...Sink) *Set {
	if locker == nil {
		locker = NewLocalLocker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Set{sinks: sinks, locker: locker, ttl: DefaultLockTTL, logger: logging.WithModule(logger, "sink")}
}

// Names lists the configured sinks.
func (s *Set) Names() []string {
	names := make([]string, len(s.sinks))
	for i, sk := range s.sinks {
		names[i] = sk.Name()
	}
	return names
}

// Replace writes t to every sink. Every sink is attempted; failures are
// collected into a *ReplaceError.
func (s *Set) Replace(ctx context.Context, runID string, t *table.Table) error {
	ctx = logging.WithRunID(ctx, runID)
	failed := make(map[string]error)
	for _, sk := range s.sinks {
		if err := s.replaceOne(ctx, sk, runID, t); err != nil {
			s.logger.ErrorContext(ctx, "sink replace failed", slog.String("sink", sk.Name()), slog.Any("error", err))
			failed[sk.Name()] = err
			continue
		}
		s.logger.InfoContext(ctx, "sink replaced", slog.String("sink", sk.Name()), slog.Int("rows", t.Len()))
	}
	if len(failed) > 0 {
		return &ReplaceError{RunID: runID, Failed: failed}
	}
	return nil
}

func (s *Set) replaceOne(ctx context.Context, sk Sink, runID string, t *table.Table) error {
	release, err := s.locker.Acquire(ctx, "orderflow:sink:"+sk.Name(), s.ttl)
	if err != nil {
		return err
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.WarnContext(ctx, "sink lock release failed", slog.String("sink", sk.Name()), slog.Any("error", err))
		}
	}()
	return sk.Replace(ctx, runID, t)
}
