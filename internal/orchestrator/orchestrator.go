// Package orchestrator runs classification pipelines as tracked, cancellable
// tasks on the bounded worker pools.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/nadmax/noos/internal/classify"
	"github.com/nadmax/noos/internal/executor"
	"github.com/nadmax/noos/internal/logger"
	"github.com/nadmax/noos/internal/metrics"
	"github.com/nadmax/noos/internal/params"
	"github.com/nadmax/noos/internal/repository"
	"github.com/nadmax/noos/internal/sales"
	"github.com/nadmax/noos/internal/task"
)

var (
	ErrSystemBusy = errors.New("system busy, please retry later")
	ErrCancelled  = errors.New("task cancelled")
)

const (
	PhaseResolve   = "resolve_parameters"
	PhaseAggregate = "aggregate_sales"
	PhaseClassify  = "classify"
	PhasePersist   = "persist_results"
	PhaseCompleted = "completed"

	TotalSteps = 4
)

// Executor accepts jobs without blocking. executor.Pool satisfies it.
type Executor interface {
	Submit(job executor.Job) error
}

// ResultCache is told when stored results change.
type ResultCache interface {
	InvalidateResults(ctx context.Context) error
}

// Archiver receives the results of every completed run.
type Archiver interface {
	Archive(ctx context.Context, t *task.Task, results []classify.NoosResult) error
}

type Config struct {
	Tasks      repository.TaskRepository
	Results    repository.ResultRepository
	Resolver   *params.Resolver
	Aggregator *sales.Aggregator
	Engine     *classify.Engine
	Algorithm  Executor
	Files      Executor
	Cache      ResultCache
	Archiver   Archiver
	RunTimeout time.Duration
	Log        *logger.Logger
}

type Orchestrator struct {
	tasks      repository.TaskRepository
	results    repository.ResultRepository
	resolver   *params.Resolver
	aggregator *sales.Aggregator
	engine     *classify.Engine
	algorithm  Executor
	files      Executor
	cache      ResultCache
	archiver   Archiver
	runTimeout time.Duration
	log        *logger.Logger

	mu      sync.Mutex
	running map[int64]context.CancelFunc
}

func New(cfg Config) *Orchestrator {
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	return &Orchestrator{
		tasks:      cfg.Tasks,
		results:    cfg.Results,
		resolver:   cfg.Resolver,
		aggregator: cfg.Aggregator,
		engine:     cfg.Engine,
		algorithm:  cfg.Algorithm,
		files:      cfg.Files,
		cache:      cfg.Cache,
		archiver:   cfg.Archiver,
		runTimeout: cfg.RunTimeout,
		log:        log.With("component", "Orchestrator"),
		running:    make(map[int64]context.CancelFunc),
	}
}

// Submit validates the request, records a PENDING task and hands the run to the
// algorithm pool. Validation errors are returned before any task exists. When
// the pool rejects the run the task is marked FAILED and ErrSystemBusy is
// returned together with it.
func (o *Orchestrator) Submit(ctx context.Context, overrides params.Overrides) (*task.Task, error) {
	p, t, err := o.prepare(ctx, overrides)
	if err != nil {
		return nil, err
	}

	// The worker owns its own copy so callers can keep reading t.
	owned := *t
	owned.Parameters = maps.Clone(t.Parameters)
	owned.Metadata = maps.Clone(t.Metadata)

	err = o.algorithm.Submit(func(jobCtx context.Context) error {
		return o.execute(jobCtx, &owned, p)
	})
	if err != nil {
		metrics.RecordRunRejected()
		o.log.Warn("run rejected by algorithm pool", "task_id", t.ID, "error", err)

		if failErr := o.tasks.FailTask(context.WithoutCancel(ctx), t.ID, ErrSystemBusy.Error(), nil); failErr != nil {
			o.log.Error("failed to mark rejected task", "task_id", t.ID, "error", failErr)
		}
		now := time.Now()
		t.Status = task.FailedStatus
		t.ErrorMessage = ErrSystemBusy.Error()
		t.EndTime = &now
		t.LastUpdated = now

		return t, fmt.Errorf("%w: %v", ErrSystemBusy, err)
	}

	metrics.RecordRunSubmitted("async")
	o.log.Info("run submitted", "task_id", t.ID)

	return t, nil
}

// RunSync executes the full pipeline on the caller's goroutine and returns the
// task in its final state.
func (o *Orchestrator) RunSync(ctx context.Context, overrides params.Overrides) (*task.Task, error) {
	p, t, err := o.prepare(ctx, overrides)
	if err != nil {
		return nil, err
	}

	metrics.RecordRunSubmitted("sync")
	runErr := o.execute(ctx, t, p)

	final, err := o.tasks.GetTask(context.WithoutCancel(ctx), t.ID)
	if err != nil {
		o.log.Warn("failed to reload task after run", "task_id", t.ID, "error", err)
		final = t
	}

	return final, runErr
}

// Cancel flags the task for cancellation. A run executing in this process is
// interrupted immediately; otherwise it stops at the next phase boundary.
func (o *Orchestrator) Cancel(ctx context.Context, id int64) (*task.Task, error) {
	if err := o.tasks.RequestCancellation(ctx, id); err != nil {
		return nil, err
	}

	o.mu.Lock()
	cancel, local := o.running[id]
	o.mu.Unlock()
	if local {
		cancel()
	}

	o.log.Info("cancellation requested", "task_id", id, "local", local)

	return o.tasks.GetTask(ctx, id)
}

// ReasonInterrupted is recorded on runs that a previous process left unfinished.
const ReasonInterrupted = "interrupted by restart"

// RecoverInterrupted fails every task a previous process left PENDING or
// RUNNING and drops any rows those runs had written. Call it before the pools
// accept work.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) (int, error) {
	ids, err := o.tasks.FailUnfinished(ctx, ReasonInterrupted)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		o.discardResults(ctx, id, o.log.With("task_id", id))
	}
	if len(ids) > 0 {
		o.log.Warn("failed interrupted runs", "count", len(ids), "task_ids", ids)
	}

	return len(ids), nil
}

// Running reports how many runs are executing in this process.
func (o *Orchestrator) Running() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.running)
}

func (o *Orchestrator) prepare(ctx context.Context, overrides params.Overrides) (params.AlgorithmParameters, *task.Task, error) {
	p, err := o.resolver.Resolve(ctx, overrides)
	if err != nil {
		return params.AlgorithmParameters{}, nil, err
	}

	t := task.NewTask(task.AlgorithmTaskType, p.Snapshot(), TotalSteps)
	if err := o.tasks.CreateTask(ctx, t); err != nil {
		return params.AlgorithmParameters{}, nil, err
	}

	return p, t, nil
}

func (o *Orchestrator) track(id int64, cancel context.CancelFunc) {
	o.mu.Lock()
	o.running[id] = cancel
	o.mu.Unlock()
}

func (o *Orchestrator) untrack(id int64) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}
