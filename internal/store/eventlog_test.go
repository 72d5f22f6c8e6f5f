package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rskumar/orderflow/internal/streaming"
	"github.com/rskumar/orderflow/pkg/schema"
)

func TestEventLog_AppendBroadcasts(t *testing.T) {
	s := newTestStore(t)
	hub := streaming.NewMemoryHub()
	el := NewEventLog(s, hub, nil)
	ctx := context.Background()
	exec := seedExecution(t, s)

	ch, cancel, err := hub.Subscribe(ctx, streaming.EventFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: exec.ID, Kind: schema.EventEntered, StateName: schema.StateStartJobRun}))

	select {
	case got := <-ch:
		assert.Equal(t, "ENTERED", got.Kind)
		assert.Equal(t, schema.StateStartJobRun, got.StateName)
		assert.Equal(t, int64(1), got.Sequence)
	case <-time.After(time.Second):
		t.Fatal("no broadcast")
	}
}

func TestEventLog_NilHub(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s, nil, nil)
	exec := seedExecution(t, s)

	require.NoError(t, el.AppendEvent(context.Background(), &Event{ExecutionID: exec.ID, Kind: schema.EventEntered, StateName: "A"}))
	el.PublishStatus(context.Background(), exec)

	events, err := el.GetEvents(context.Background(), exec.ID, 0)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEventLog_Replay(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s, nil, nil)
	ctx := context.Background()
	exec := seedExecution(t, s)

	states := []string{schema.StateStartJobRun, schema.StateWaitBeforeCheck, schema.StateGetJobRun, schema.StateWaitBeforeCheck}
	for _, st := range states {
		require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: exec.ID, Kind: schema.EventEntered, StateName: st}))
		require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: exec.ID, Kind: schema.EventExited, StateName: st}))
	}
	require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: exec.ID, Kind: schema.EventFailed, Error: schema.ErrorNameTimeout}))

	sum, err := el.Replay(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, sum.Events)
	assert.Equal(t, 2, sum.Entered[schema.StateWaitBeforeCheck])
	assert.Equal(t, schema.StateWaitBeforeCheck, sum.LastState)
	require.NotNil(t, sum.LastFailed)
	assert.Equal(t, schema.ErrorNameTimeout, sum.LastFailed.Error)
}

func TestEventLog_ReplayDetectsGap(t *testing.T) {
	s := newTestStore(t)
	el := NewEventLog(s, nil, nil)
	ctx := context.Background()
	exec := seedExecution(t, s)

	for i := 0; i < 3; i++ {
		require.NoError(t, el.AppendEvent(ctx, &Event{ExecutionID: exec.ID, Kind: schema.EventEntered, StateName: "A"}))
	}
	_, err := s.DB().Exec(`DELETE FROM events WHERE execution_id = ? AND sequence = 2`, exec.ID)
	require.NoError(t, err)

	_, err = el.Replay(ctx, exec.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
}
