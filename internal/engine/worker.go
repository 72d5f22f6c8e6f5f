package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

var (
	// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
	ErrPoolShutdown = errors.New("worker pool is shut down")
	// ErrAlreadyRunning is returned when work for the same key is in flight.
	ErrAlreadyRunning = errors.New("work for key already running")
)

// WorkerPool runs execution loops on a bounded number of goroutines. Each
// unit of work carries a key (the execution ID); at most one unit per key
// runs at a time.
type WorkerPool struct {
	sem      chan struct{}
	wg       sync.WaitGroup
	metrics  PoolMetrics
	mu       sync.Mutex
	inflight map[string]struct{}
	done     chan struct{}
	closed   bool
	onPanic  func(key string, recovered any)
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:      make(chan struct{}, size),
		inflight: make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// OnPanic sets a callback invoked when a unit of work panics.
func (p *WorkerPool) OnPanic(fn func(key string, recovered any)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onPanic = fn
}

// Submit schedules fn under key. It blocks while the pool is full and gives
// up when ctx is done. fn receives ctx stripped of its cancellation, so the
// work outlives the request that submitted it.
func (p *WorkerPool) Submit(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	if _, busy := p.inflight[key]; busy {
		p.mu.Unlock()
		return ErrAlreadyRunning
	}
	p.inflight[key] = struct{}{}
	p.mu.Unlock()

	release := func() {
		p.mu.Lock()
		delete(p.inflight, key)
		p.mu.Unlock()
	}

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		release()
		return ctx.Err()
	case <-p.done:
		release()
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		release()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	onPanic := p.onPanic
	p.mu.Unlock()

	workCtx := context.WithoutCancel(ctx)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				if onPanic != nil {
					onPanic(key, r)
				}
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			release()
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(workCtx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()
	return nil
}

// Running reports whether work for key is queued or in flight.
func (p *WorkerPool) Running(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.inflight[key]
	return ok
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for active work to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}
