package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a pool that is shutting down.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PoolMetrics is a snapshot of a pool's job counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// PanicHandler observes a recovered panic; stack is the goroutine stack at recovery.
type PanicHandler func(recovered any, stack []byte)

// WorkerPool runs dispatched jobs with bounded concurrency. Submit blocks
// while every slot is busy, which pushes back on the queue consumer instead
// of buffering jobs in memory.
type WorkerPool struct {
	slots chan struct{}
	jobs  sync.WaitGroup

	// mu orders jobs.Add against Shutdown.
	mu      sync.Mutex
	closing chan struct{}
	closed  bool

	active, completed, failed, panics atomic.Int64

	logger  *slog.Logger
	onPanic PanicHandler
}

// PoolOption customizes a WorkerPool.
type PoolOption func(*WorkerPool)

// WithPoolLogger sets the logger used for failed and panicking jobs.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *WorkerPool) { p.logger = logger }
}

// WithPanicHandler registers a callback for recovered panics.
func WithPanicHandler(fn PanicHandler) PoolOption {
	return func(p *WorkerPool) { p.onPanic = fn }
}

// NewWorkerPool creates a pool running at most size jobs at once.
func NewWorkerPool(size int, opts ...PoolOption) *WorkerPool {
	p := &WorkerPool{
		slots:   make(chan struct{}, max(size, 1)),
		closing: make(chan struct{}),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Size returns the max concurrency.
func (p *WorkerPool) Size() int { return cap(p.slots) }

// Submit runs fn on a pool goroutine with ctx. It waits for a free slot and
// gives up when ctx is done or the pool starts shutting down.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-p.closing:
		return ErrPoolShutdown
	default:
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.closing:
		return ErrPoolShutdown
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return ErrPoolShutdown
	}
	p.jobs.Add(1)
	p.mu.Unlock()

	p.active.Add(1)
	go p.run(ctx, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			p.panics.Add(1)
			p.failed.Add(1)
			p.logger.ErrorContext(ctx, "worker job panicked",
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(stack)))
			if p.onPanic != nil {
				p.onPanic(r, stack)
			}
		}
		p.active.Add(-1)
		<-p.slots
		p.jobs.Done()
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		p.logger.DebugContext(ctx, "worker job failed", slog.String("error", err.Error()))
		return
	}
	p.completed.Add(1)
}

// Wait blocks until every submitted job has returned.
func (p *WorkerPool) Wait() { p.jobs.Wait() }

// Shutdown stops accepting work and waits for running jobs to drain.
// It returns ctx.Err() if ctx ends first; jobs keep running in that case.
// Calling it again waits again.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.closing)
	}
	p.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		p.jobs.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		p.logger.WarnContext(ctx, "worker pool shutdown timed out", slog.Int64("active", p.active.Load()))
		return ctx.Err()
	}
}

// Metrics returns a snapshot of the job counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
