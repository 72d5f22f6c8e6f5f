package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/pkg/schema"
)

type fakeEngine struct {
	mu        sync.Mutex
	execs     []*store.Execution
	driving   map[string]bool
	resumed   []string
	resumeErr map[string]error
	listErr   error
}

func (f *fakeEngine) ListExecutions(_ context.Context, filter store.ExecutionFilter) ([]*store.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*store.Execution
	for _, e := range f.execs {
		if filter.Status == nil || e.Status == *filter.Status {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEngine) Driving(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.driving[id]
}

func (f *fakeEngine) Resume(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.resumeErr[id]; err != nil {
		return err
	}
	f.resumed = append(f.resumed, id)
	f.driving[id] = true
	return nil
}

func (f *fakeEngine) resumedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.resumed...)
}

func newFakeEngine(now time.Time) *fakeEngine {
	old := now.Add(-time.Hour)
	return &fakeEngine{
		execs: []*store.Execution{
			{ID: "orphan", Status: schema.ExecutionRunning, UpdatedAt: old},
			{ID: "driven", Status: schema.ExecutionRunning, UpdatedAt: old},
			{ID: "fresh", Status: schema.ExecutionRunning, UpdatedAt: now},
			{ID: "done", Status: schema.ExecutionSucceeded, UpdatedAt: old},
			{ID: "broken", Status: schema.ExecutionRunning, UpdatedAt: old},
		},
		driving:   map[string]bool{"driven": true},
		resumeErr: map[string]error{"broken": errors.New("gone")},
	}
}

func TestSweep_ResumesOnlyOrphans(t *testing.T) {
	now := time.Now().UTC()
	eng := newFakeEngine(now)
	s := NewSweeper(eng, "", DefaultGrace, nil)
	s.now = func() time.Time { return now }

	assert.Equal(t, 1, s.Sweep(context.Background()))
	assert.Equal(t, []string{"orphan"}, eng.resumedIDs())

	// The resumed execution is now driven and is skipped.
	assert.Equal(t, 0, s.Sweep(context.Background()))
	assert.Equal(t, []string{"orphan"}, eng.resumedIDs())
}

func TestSweep_ListErrorAndCancelledContext(t *testing.T) {
	eng := newFakeEngine(time.Now())
	eng.listErr = errors.New("db locked")
	s := NewSweeper(eng, "", 0, nil)
	assert.Equal(t, 0, s.Sweep(context.Background()))

	eng.listErr = nil
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, s.Sweep(ctx))
	assert.Empty(t, eng.resumedIDs())
}

func TestValidateSchedule(t *testing.T) {
	s := NewSweeper(&fakeEngine{}, "", 0, nil)
	assert.NoError(t, s.ValidateSchedule("@every 1m"))
	assert.NoError(t, s.ValidateSchedule("*/5 * * * *"))
	assert.NoError(t, s.ValidateSchedule("*/10 * * * * *"))
	assert.Error(t, s.ValidateSchedule("not a schedule"))
}

func TestStart_SweepsImmediatelyAndStops(t *testing.T) {
	now := time.Now().UTC()
	eng := newFakeEngine(now)
	s := NewSweeper(eng, "@every 1h", DefaultGrace, nil)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	assert.Equal(t, []string{"orphan"}, eng.resumedIDs())
	s.Stop()
	s.Stop()
}

func TestStart_RejectsBadSchedule(t *testing.T) {
	s := NewSweeper(&fakeEngine{}, "every minute please", 0, nil)
	assert.Error(t, s.Start(context.Background()))
}
