package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rendis/flowplane/pkg/schema"
)

// ErrPoolShutdown is returned by Submit after Shutdown.
var ErrPoolShutdown = schema.NewError(schema.ErrCodeConflict, "worker pool is shut down")

// PoolMetrics is a point-in-time snapshot of pool activity.
type PoolMetrics struct {
	Submitted int64
	Active    int64
	Completed int64
	Panicked  int64
}

// WorkerPool bounds how many runs execute concurrently. Submit blocks
// while the pool is saturated.
type WorkerPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	submitted atomic.Int64
	active    atomic.Int64
	completed atomic.Int64
	panicked  atomic.Int64
}

// NewWorkerPool creates a pool with the given concurrency. Sizes below 1
// are clamped to 1.
func NewWorkerPool(size int) *WorkerPool {
	if size < 1 {
		size = 1
	}
	return &WorkerPool{sem: make(chan struct{}, size)}
}

// Submit schedules fn on the pool, blocking until a slot frees up or the
// context ends. fn runs on its own goroutine.
func (p *WorkerPool) Submit(ctx context.Context, fn func()) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return schema.NewError(schema.ErrCodeCancelled, "submit cancelled").WithCause(ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	p.mu.Unlock()

	p.submitted.Add(1)
	p.active.Add(1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.panicked.Add(1)
			}
			p.active.Add(-1)
			p.completed.Add(1)
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
	return nil
}

// Wait blocks until all submitted work has finished.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown rejects new submissions and waits for in-flight work.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

// Metrics returns a snapshot of pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Submitted: p.submitted.Load(),
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
	}
}
