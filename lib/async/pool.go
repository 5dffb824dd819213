// Package async provides a bounded worker pool with submit-time backpressure.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coralix/trustflow/errs"
)

// Task is a unit of work executed by a pool worker.
type Task func(context.Context) error

type submission struct {
	ctx context.Context
	run Task
}

// Pool runs submitted tasks on a fixed set of workers. A full backlog rejects
// instead of blocking the submitter.
type Pool struct {
	backlog chan submission
	base    context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool

	inflight sync.WaitGroup
	panics   atomic.Uint64
}

// Option configures a Pool.
type Option func(*Pool)

// NewPool starts workers goroutines sharing a backlog of the given depth.
func NewPool(workers, depth int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CategoryValidation, errs.WithMessage("workers must be >0"))
	}
	if depth < 0 {
		depth = 0
	}
	p := new(Pool)
	p.backlog = make(chan submission, depth)
	p.base, p.cancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for i := 0; i < workers; i++ {
		go p.work()
	}
	return p, nil
}

// Submit enqueues a task. It fails fast when the backlog is full, the pool is
// closed, or the submit context has ended.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errs.New("lib/async", errs.CategoryValidation, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit context: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New("lib/async", errs.CategorySystem,
			errs.WithReason(errs.ReasonClosed), errs.WithMessage("pool closed"))
	}
	p.inflight.Add(1)
	select {
	case p.backlog <- submission{ctx: ctx, run: fn}:
		return nil
	default:
		p.inflight.Done()
		return errs.New("lib/async", errs.CategorySystem,
			errs.WithRetryable(), errs.WithMessage("pool at capacity"))
	}
}

// Close rejects further submissions and cancels the context handed to tasks.
// Tasks already in the backlog still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.cancel()
	close(p.backlog)
}

// Shutdown closes the pool and waits for queued and running tasks, or until
// ctx expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	case <-done:
		return nil
	}
}

// Panics reports how many task panics the workers have absorbed.
func (p *Pool) Panics() uint64 {
	return p.panics.Load()
}

func (p *Pool) work() {
	for sub := range p.backlog {
		p.execute(sub)
		p.inflight.Done()
	}
}

// execute isolates one task so a panic never takes the worker down. Task
// errors belong to the submitting component.
func (p *Pool) execute(sub submission) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
		}
	}()
	ctx := sub.ctx
	if ctx == nil {
		ctx = p.base
	}
	_ = sub.run(ctx)
}
