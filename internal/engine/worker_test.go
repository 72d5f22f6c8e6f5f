package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWorkerPool_RunsWork(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var ran int64
	if err := pool.Submit(context.Background(), "exec-1", func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	pool.Wait()

	if atomic.LoadInt64(&ran) != 1 {
		t.Error("work did not execute")
	}
	if m := pool.Metrics(); m.Completed != 1 || m.Active != 0 {
		t.Errorf("unexpected metrics %+v", m)
	}
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size)
	defer pool.Shutdown()

	var current, peak int64
	var mu sync.Mutex
	for i := range 10 {
		err := pool.Submit(context.Background(), fmt.Sprintf("exec-%d", i), func(ctx context.Context) error {
			c := atomic.AddInt64(&current, 1)
			mu.Lock()
			peak = max(peak, c)
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&current, -1)
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected submit error: %v", err)
		}
	}
	pool.Wait()

	if peak > size {
		t.Errorf("peak concurrency %d exceeded pool size %d", peak, size)
	}
}

func TestWorkerPool_SameKeyRejected(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	block := make(chan struct{})
	if err := pool.Submit(context.Background(), "exec-1", func(ctx context.Context) error {
		<-block
		return nil
	}); err != nil {
		t.Fatalf("unexpected submit error: %v", err)
	}
	if !pool.Running("exec-1") {
		t.Error("expected exec-1 to be running")
	}

	err := pool.Submit(context.Background(), "exec-1", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}

	close(block)
	pool.Wait()
	if pool.Running("exec-1") {
		t.Error("exec-1 should be released after completion")
	}
}

func TestWorkerPool_Backpressure(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	started := make(chan struct{})
	block := make(chan struct{})
	_ = pool.Submit(context.Background(), "a", func(ctx context.Context) error {
		close(started)
		<-block
		return nil
	})
	<-started

	submitted := make(chan struct{})
	go func() {
		_ = pool.Submit(context.Background(), "b", func(ctx context.Context) error { return nil })
		close(submitted)
	}()

	select {
	case <-submitted:
		t.Error("second submit should block while the pool is full")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-submitted:
	case <-time.After(time.Second):
		t.Error("second submit did not proceed after a slot freed up")
	}
	pool.Wait()
}

func TestWorkerPool_SubmitCancelledWhileWaiting(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	_ = pool.Submit(context.Background(), "a", func(ctx context.Context) error {
		<-block
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- pool.Submit(ctx, "b", func(ctx context.Context) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("submit did not return after cancellation")
	}
	if pool.Running("b") {
		t.Error("cancelled submit must release its key")
	}

	close(block)
	pool.Wait()
}

func TestWorkerPool_WorkOutlivesSubmitter(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	_ = pool.Submit(ctx, "a", func(ctx context.Context) error {
		time.Sleep(20 * time.Millisecond)
		done <- ctx.Err()
		return nil
	})
	cancel()

	if err := <-done; err != nil {
		t.Errorf("work context should not inherit submitter cancellation, got %v", err)
	}
}

func TestWorkerPool_PanicRecovery(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var panicked atomic.Value
	pool.OnPanic(func(key string, recovered any) { panicked.Store(key) })

	_ = pool.Submit(context.Background(), "boom", func(ctx context.Context) error {
		panic("test panic")
	})
	pool.Wait()

	if m := pool.Metrics(); m.Panics != 1 || m.Failed != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
	if panicked.Load() != "boom" {
		t.Errorf("panic hook not called with key, got %v", panicked.Load())
	}
	if err := pool.Submit(context.Background(), "boom", func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("key should be reusable after panic: %v", err)
	}
	pool.Wait()
}

func TestWorkerPool_Shutdown(t *testing.T) {
	pool := NewWorkerPool(2)

	var completed int64
	for i := range 5 {
		_ = pool.Submit(context.Background(), fmt.Sprintf("k%d", i), func(ctx context.Context) error {
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt64(&completed, 1)
			return nil
		})
	}
	pool.Shutdown()
	pool.Shutdown()

	if atomic.LoadInt64(&completed) != 5 {
		t.Errorf("expected 5 completed after shutdown, got %d", completed)
	}
	if err := pool.Submit(context.Background(), "late", func(ctx context.Context) error { return nil }); !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("expected ErrPoolShutdown, got %v", err)
	}
}

func TestWorkerPool_FailedWorkCounted(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	for i := range 3 {
		_ = pool.Submit(context.Background(), fmt.Sprintf("ok-%d", i), func(ctx context.Context) error { return nil })
	}
	for i := range 2 {
		_ = pool.Submit(context.Background(), fmt.Sprintf("bad-%d", i), func(ctx context.Context) error {
			return errors.New("intentional")
		})
	}
	pool.Wait()

	if m := pool.Metrics(); m.Completed != 3 || m.Failed != 2 {
		t.Errorf("unexpected metrics %+v", m)
	}
}
