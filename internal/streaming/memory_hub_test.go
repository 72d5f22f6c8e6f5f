package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return StreamEvent{}
}

func assertEmpty(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "ex-1", Kind: "ENTERED", StateName: "StartJobRun", Sequence: 1}))

	got := receive(t, ch)
	assert.Equal(t, "ex-1", got.ExecutionID)
	assert.Equal(t, "StartJobRun", got.StateName)
	assert.Equal(t, int64(1), got.Sequence)
}

func TestFilterByExecutionID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "ex-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "ex-1", Kind: "ENTERED"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "ex-2", Kind: "ENTERED"}))

	assert.Equal(t, "ex-1", receive(t, ch).ExecutionID)
	assertEmpty(t, ch)
}

func TestFilterByKind(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{Kinds: []string{KindStatus, "FAILED"}})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "ex-1", Kind: KindStatus, Status: "RUNNING"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "ex-1", Kind: "ENTERED"}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "ex-1", Kind: "FAILED", Error: "States.Timeout"}))

	assert.Equal(t, KindStatus, receive(t, ch).Kind)
	assert.Equal(t, "States.Timeout", receive(t, ch).Error)
	assertEmpty(t, ch)
}

func TestCancelClosesChannel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers())

	cancel()
	cancel()
	assert.Equal(t, 0, hub.Subscribers())

	_, open := <-ch
	assert.False(t, open)
	require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "ex-1"}))
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	_, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{ExecutionID: "ex-1", Sequence: int64(i + 1)}))
	}
	assert.Equal(t, int64(10), hub.Dropped())
}

func TestPublishCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, StreamEvent{}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConcurrentPublishAndCancel(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "ex-1"})
			if err != nil {
				return
			}
			go func() {
				for range ch {
				}
			}()
			for j := 0; j < 20; j++ {
				_ = hub.Publish(ctx, StreamEvent{ExecutionID: "ex-1"})
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}
