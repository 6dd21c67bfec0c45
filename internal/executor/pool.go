// Package executor provides fixed-size worker pools with a bounded admission
// queue. Submissions beyond the queue capacity are rejected immediately.
package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/nadmax/noos/internal/logger"
)

var (
	ErrQueueFull  = errors.New("executor queue is full")
	ErrPoolClosed = errors.New("executor pool is closed")
)

// Job is one unit of work. The context is cancelled when the pool is forced down.
type Job func(ctx context.Context) error

type Pool struct {
	name    string
	log     *logger.Logger
	workers int
	jobs    chan Job

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
	cancel  context.CancelFunc

	active    atomic.Int64
	submitted atomic.Int64
	rejected  atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// Stats is a point-in-time copy of the pool counters.
type Stats struct {
	Name      string `json:"name"`
	Workers   int    `json:"workers"`
	Capacity  int    `json:"capacity"`
	Queued    int    `json:"queued"`
	Active    int64  `json:"active"`
	Submitted int64  `json:"submitted"`
	Rejected  int64  `json:"rejected"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
	Panics    int64  `json:"panics"`
}

func NewPool(name string, workers, capacity int, log *logger.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &Pool{
		name:    name,
		log:     log.With("component", "Pool", "pool", name),
		workers: workers,
		jobs:    make(chan Job, capacity),
	}
}

func (p *Pool) Name() string {
	return p.name
}

// Start launches the workers. Calling it more than once has no effect.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i+1)
	}
	p.log.Info("worker pool started", "workers", p.workers, "capacity", cap(p.jobs))
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for job := range p.jobs {
		p.execute(ctx, job, id)
	}
	p.log.Debug("worker exited", "worker_id", id)
}

func (p *Pool) execute(ctx context.Context, job Job, workerID int) {
	p.active.Add(1)
	defer p.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
			p.log.Error("job panic recovered",
				"worker_id", workerID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if err := job(ctx); err != nil {
		p.failed.Add(1)
		p.log.Warn("job failed", "worker_id", workerID, "error", err)
		return
	}
	p.completed.Add(1)
}

// Submit hands job to the pool without blocking. It returns ErrQueueFull when
// every queue slot is taken and ErrPoolClosed after Shutdown.
func (p *Pool) Submit(job Job) error {
	if job == nil {
		return errors.New("nil job")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		p.rejected.Add(1)
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		p.log.Warn("queue full, rejecting job", "capacity", cap(p.jobs), "queued", len(p.jobs))
		return fmt.Errorf("%s pool: %w", p.name, ErrQueueFull)
	}
}

// Shutdown stops admission and waits for queued and running jobs. When ctx
// expires first, running jobs are cancelled and ctx.Err() is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		p.log.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		p.cancel()
		p.log.Error("worker pool shutdown timed out, cancelling running jobs")
		<-done
		return ctx.Err()
	}
}

func (p *Pool) Len() int {
	return len(p.jobs)
}

func (p *Pool) Cap() int {
	return cap(p.jobs)
}

func (p *Pool) Active() int64 {
	return p.active.Load()
}

func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Capacity:  p.Cap(),
		Queued:    p.Len(),
		Active:    p.active.Load(),
		Submitted: p.submitted.Load(),
		Rejected:  p.rejected.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
