package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nadmax/noos/internal/classify"
	"github.com/nadmax/noos/internal/executor"
	"github.com/nadmax/noos/internal/logger"
	"github.com/nadmax/noos/internal/params"
	"github.com/nadmax/noos/internal/repository"
	"github.com/nadmax/noos/internal/sales"
	"github.com/nadmax/noos/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sliceSource struct {
	rows []sales.SaleRow
}

func (s *sliceSource) StreamSales(_ context.Context, _ sales.Window, fn func(sales.SaleRow) error) error {
	for _, r := range s.rows {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

type blockingSource struct {
	started chan struct{}
	once    sync.Once
}

func newBlockingSource() *blockingSource {
	return &blockingSource{started: make(chan struct{})}
}

func (s *blockingSource) StreamSales(ctx context.Context, _ sales.Window, _ func(sales.SaleRow) error) error {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return ctx.Err()
}

type countingCache struct {
	invalidations atomic.Int32
}

func (c *countingCache) InvalidateResults(context.Context) error {
	c.invalidations.Add(1)
	return nil
}

type recordingArchiver struct {
	archived chan int
}

func (a *recordingArchiver) Archive(_ context.Context, t *task.Task, results []classify.NoosResult) error {
	a.archived <- len(results)
	return nil
}

type rejectingExecutor struct{}

func (rejectingExecutor) Submit(executor.Job) error {
	return fmt.Errorf("algorithm pool: %w", executor.ErrQueueFull)
}

type capturingExecutor struct {
	jobs []executor.Job
}

func (c *capturingExecutor) Submit(job executor.Job) error {
	c.jobs = append(c.jobs, job)
	return nil
}

type panickingResults struct {
	*repository.MockResultRepository
}

func (panickingResults) SaveResults(context.Context, int64, []classify.NoosResult) error {
	panic("connection pool exploded")
}

type cancelAwareTasks struct {
	*repository.MockTaskRepository
}

func (c cancelAwareTasks) CompleteTask(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.MockTaskRepository.CompleteTask(ctx, t)
}

type hookedResults struct {
	*repository.MockResultRepository
	afterSave func(runID int64)
}

func (r hookedResults) SaveResults(ctx context.Context, runID int64, results []classify.NoosResult) error {
	if err := r.MockResultRepository.SaveResults(ctx, runID, results); err != nil {
		return err
	}
	r.afterSave(runID)
	return nil
}

type harness struct {
	tasks    *repository.MockTaskRepository
	results  *repository.MockResultRepository
	cache    *countingCache
	archiver *recordingArchiver
	orch     *Orchestrator
}

func shirtRows() []sales.SaleRow {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var rows []sales.SaleRow
	for i := 0; i < 30; i++ {
		rows = append(rows, sales.SaleRow{
			Date: start.AddDate(0, 0, i), SKU: "A-M", Store: "S1", StyleCode: "A",
			Category: "SHIRTS", Quantity: 5, Revenue: 500, MRP: 100,
		})
		if i%3 == 0 {
			rows = append(rows, sales.SaleRow{
				Date: start.AddDate(0, 0, i), SKU: "B-M", Store: "S1", StyleCode: "B",
				Category: "SHIRTS", Quantity: 1, Revenue: 80, MRP: 100,
			})
		}
	}
	return rows
}

func january() params.Overrides {
	return params.Overrides{AnalysisStartDate: "2024-01-01", AnalysisEndDate: "2024-01-30"}
}

func newHarness(t *testing.T, source sales.Source, configure func(*Config)) *harness {
	t.Helper()

	algorithm := executor.NewPool(executor.AlgorithmPool, 1, 2, logger.Nop())
	files := executor.NewPool(executor.FilePool, 1, 2, logger.Nop())
	algorithm.Start(context.Background())
	files.Start(context.Background())
	t.Cleanup(func() {
		_ = algorithm.Shutdown(context.Background())
		_ = files.Shutdown(context.Background())
	})

	h := &harness{
		tasks:    repository.NewMockTaskRepository(),
		results:  repository.NewMockResultRepository(),
		cache:    &countingCache{},
		archiver: &recordingArchiver{archived: make(chan int, 4)},
	}

	cfg := Config{
		Tasks:      h.tasks,
		Results:    h.results,
		Resolver:   params.NewResolver(nil, ""),
		Aggregator: sales.NewAggregator(source, nil, logger.Nop()),
		Engine:     classify.NewEngine(),
		Algorithm:  algorithm,
		Files:      files,
		Cache:      h.cache,
		Archiver:   h.archiver,
		Log:        logger.Nop(),
	}
	if configure != nil {
		configure(&cfg)
	}
	h.orch = New(cfg)
	return h
}

func (h *harness) waitTerminal(t *testing.T, id int64) *task.Task {
	t.Helper()
	require.Eventually(t, func() bool {
		s := h.tasks.Snapshot(id)
		return s != nil && s.Status.IsTerminal()
	}, 2*time.Second, 5*time.Millisecond)
	return h.tasks.Snapshot(id)
}

func ptr[T any](v T) *T { return &v }

func TestSubmit_CompletesRun(t *testing.T) {
	h := newHarness(t, &sliceSource{rows: shirtRows()}, nil)

	submitted, err := h.orch.Submit(context.Background(), january())
	require.NoError(t, err)
	assert.Equal(t, task.PendingStatus, submitted.Status)
	assert.Equal(t, "2024-01-01", submitted.Parameters["analysis_start_date"])

	final := h.waitTerminal(t, submitted.ID)
	require.Equal(t, task.CompletedStatus, final.Status, final.ErrorMessage)
	assert.Equal(t, 100.0, final.ProgressPercentage)
	assert.Equal(t, PhaseCompleted, final.CurrentPhase)
	assert.NotNil(t, final.StartTime)
	assert.NotNil(t, final.EndTime)
	assert.Equal(t, 0, final.Metadata["warnings"])
	assert.Equal(t, 2, final.Metadata["fallback_styles"])
	assert.Equal(t, map[string]int{"bestseller": 1, "fashion": 1}, final.Metadata["result_counts"])

	results, err := h.results.GetResultsByRun(context.Background(), submitted.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, submitted.ID, r.AlgorithmRunID)
	}

	var phases []string
	var progress []float64
	for _, c := range h.tasks.ProgressCalls {
		phases = append(phases, c.Phase)
		progress = append(progress, c.Progress)
	}
	assert.Equal(t, []string{PhaseResolve, PhaseAggregate, PhaseClassify, PhasePersist}, phases)
	assert.Equal(t, []float64{10, 40, 70, 90}, progress)

	select {
	case n := <-h.archiver.archived:
		assert.Equal(t, 2, n)
	case <-time.After(2 * time.Second):
		t.Fatal("archive job never ran")
	}
	assert.Equal(t, int32(1), h.cache.invalidations.Load())
}

func TestSubmit_ValidationErrorCreatesNoTask(t *testing.T) {
	h := newHarness(t, &sliceSource{}, nil)

	overrides := january()
	overrides.BestsellerMultiplier = ptr(-1.0)

	submitted, err := h.orch.Submit(context.Background(), overrides)
	assert.Nil(t, submitted)

	var verr *params.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Empty(t, h.tasks.Tasks)
}

func TestSubmit_RejectedWhenBusy(t *testing.T) {
	h := newHarness(t, &sliceSource{}, func(cfg *Config) {
		cfg.Algorithm = rejectingExecutor{}
	})

	submitted, err := h.orch.Submit(context.Background(), january())
	assert.ErrorIs(t, err, ErrSystemBusy)
	require.NotNil(t, submitted)
	assert.Equal(t, task.FailedStatus, submitted.Status)

	stored := h.tasks.Snapshot(submitted.ID)
	require.NotNil(t, stored)
	assert.Equal(t, task.FailedStatus, stored.Status)
	assert.Equal(t, ErrSystemBusy.Error(), stored.ErrorMessage)
	assert.Empty(t, h.results.SaveCalls)
}

func TestSubmit_RealPoolOverflow(t *testing.T) {
	source := newBlockingSource()
	h := newHarness(t, source, nil)
	ctx := context.Background()

	first, err := h.orch.Submit(ctx, january())
	require.NoError(t, err)
	<-source.started

	second, err := h.orch.Submit(ctx, january())
	require.NoError(t, err)
	third, err := h.orch.Submit(ctx, january())
	require.NoError(t, err)

	rejected, err := h.orch.Submit(ctx, january())
	assert.ErrorIs(t, err, ErrSystemBusy)
	assert.Equal(t, task.FailedStatus, h.tasks.Snapshot(rejected.ID).Status)

	for _, id := range []int64{second.ID, third.ID, first.ID} {
		_, err = h.orch.Cancel(ctx, id)
		require.NoError(t, err)
	}
	for _, id := range []int64{first.ID, second.ID, third.ID} {
		final := h.waitTerminal(t, id)
		assert.Equal(t, task.FailedStatus, final.Status)
		assert.Equal(t, ErrCancelled.Error(), final.ErrorMessage)
	}
}

func TestCancel_PendingTaskStopsAtFirstBoundary(t *testing.T) {
	capture := &capturingExecutor{}
	h := newHarness(t, &sliceSource{rows: shirtRows()}, func(cfg *Config) {
		cfg.Algorithm = capture
	})
	ctx := context.Background()

	submitted, err := h.orch.Submit(ctx, january())
	require.NoError(t, err)

	cancelled, err := h.orch.Cancel(ctx, submitted.ID)
	require.NoError(t, err)
	assert.True(t, cancelled.CancellationRequested)
	assert.Equal(t, task.PendingStatus, cancelled.Status)

	require.Len(t, capture.jobs, 1)
	err = capture.jobs[0](ctx)
	assert.ErrorIs(t, err, ErrCancelled)

	final := h.tasks.Snapshot(submitted.ID)
	assert.Equal(t, task.FailedStatus, final.Status)
	assert.Equal(t, ErrCancelled.Error(), final.ErrorMessage)
	assert.Empty(t, h.results.SaveCalls)
	assert.Empty(t, h.tasks.ProgressCalls)
}

func TestCancel_RunningTask(t *testing.T) {
	source := newBlockingSource()
	h := newHarness(t, source, nil)
	ctx := context.Background()

	submitted, err := h.orch.Submit(ctx, january())
	require.NoError(t, err)
	<-source.started

	assert.Equal(t, 1, h.orch.Running())
	_, err = h.orch.Cancel(ctx, submitted.ID)
	require.NoError(t, err)

	final := h.waitTerminal(t, submitted.ID)
	assert.Equal(t, task.FailedStatus, final.Status)
	assert.Equal(t, ErrCancelled.Error(), final.ErrorMessage)
	assert.Equal(t, PhaseAggregate, final.CurrentPhase)
	assert.Equal(t, 40.0, final.ProgressPercentage)
	assert.True(t, final.CancellationRequested)
	assert.Empty(t, h.results.SaveCalls)
	require.Eventually(t, func() bool { return h.orch.Running() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCancel_Errors(t *testing.T) {
	h := newHarness(t, &sliceSource{rows: shirtRows()}, nil)
	ctx := context.Background()

	_, err := h.orch.Cancel(ctx, 404)
	assert.ErrorIs(t, err, repository.ErrTaskNotFound)

	done, err := h.orch.RunSync(ctx, january())
	require.NoError(t, err)

	_, err = h.orch.Cancel(ctx, done.ID)
	assert.ErrorIs(t, err, repository.ErrInvalidTransition)
}

func TestRunSync(t *testing.T) {
	h := newHarness(t, &sliceSource{rows: shirtRows()}, nil)

	final, err := h.orch.RunSync(context.Background(), january())
	require.NoError(t, err)
	assert.Equal(t, task.CompletedStatus, final.Status)
	assert.Equal(t, 100.0, final.ProgressPercentage)
	assert.Equal(t, []int64{final.ID}, h.results.SaveCalls)
	assert.Equal(t, int32(1), h.cache.invalidations.Load())
}

func TestRunSync_PersistFailure(t *testing.T) {
	h := newHarness(t, &sliceSource{rows: shirtRows()}, nil)
	h.results.SaveResultsError = errors.New("disk full")

	final, err := h.orch.RunSync(context.Background(), january())
	require.Error(t, err)
	assert.Equal(t, task.FailedStatus, final.Status)
	assert.Contains(t, final.ErrorMessage, "persist_results: disk full")
	assert.Equal(t, PhasePersist, final.CurrentPhase)
	assert.Zero(t, h.cache.invalidations.Load())
}

func TestRunSync_CompletionFailureDiscardsResults(t *testing.T) {
	h := newHarness(t, &sliceSource{rows: shirtRows()}, nil)
	h.tasks.CompleteTaskError = errors.New("connection reset")
	ctx := context.Background()

	final, err := h.orch.RunSync(ctx, january())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to complete task")
	assert.Equal(t, task.FailedStatus, final.Status)
	assert.Equal(t, []int64{final.ID}, h.results.SaveCalls)

	byRun, err := h.results.GetResultsByRun(ctx, final.ID)
	require.NoError(t, err)
	assert.Empty(t, byRun)
	latest, err := h.results.GetLatestResults(ctx, 100)
	require.NoError(t, err)
	assert.Empty(t, latest)
	assert.Zero(t, h.cache.invalidations.Load())
}

func TestRunSync_CancelAfterCommitStillCompletes(t *testing.T) {
	var h *harness
	h = newHarness(t, &sliceSource{rows: shirtRows()}, func(cfg *Config) {
		cfg.Tasks = cancelAwareTasks{cfg.Tasks.(*repository.MockTaskRepository)}
		cancelRun := func(runID int64) {
			_, err := h.orch.Cancel(context.Background(), runID)
			require.NoError(t, err)
		}
		cfg.Results = hookedResults{cfg.Results.(*repository.MockResultRepository), cancelRun}
	})

	final, err := h.orch.RunSync(context.Background(), january())
	require.NoError(t, err)
	assert.Equal(t, task.CompletedStatus, final.Status)
	assert.True(t, final.CancellationRequested)

	results, err := h.results.GetResultsByRun(context.Background(), final.ID)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestRecoverInterrupted(t *testing.T) {
	h := newHarness(t, &sliceSource{rows: shirtRows()}, nil)
	ctx := context.Background()

	done, err := h.orch.RunSync(ctx, january())
	require.NoError(t, err)

	pending := task.NewTask(task.AlgorithmTaskType, nil, TotalSteps)
	require.NoError(t, h.tasks.CreateTask(ctx, pending))
	running := task.NewTask(task.AlgorithmTaskType, nil, TotalSteps)
	require.NoError(t, h.tasks.CreateTask(ctx, running))
	require.NoError(t, h.tasks.MarkRunning(ctx, running.ID, time.Now()))
	require.NoError(t, h.results.SaveResults(ctx, running.ID, []classify.NoosResult{{StyleCode: "A", Category: "SHIRTS"}}))

	n, err := h.orch.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []int64{pending.ID, running.ID} {
		stored := h.tasks.Snapshot(id)
		assert.Equal(t, task.FailedStatus, stored.Status)
		assert.Equal(t, ReasonInterrupted, stored.ErrorMessage)
		assert.NotNil(t, stored.EndTime)
	}
	assert.Equal(t, task.CompletedStatus, h.tasks.Snapshot(done.ID).Status)

	orphaned, err := h.results.GetResultsByRun(ctx, running.ID)
	require.NoError(t, err)
	assert.Empty(t, orphaned)
	kept, err := h.results.GetResultsByRun(ctx, done.ID)
	require.NoError(t, err)
	assert.Len(t, kept, 2)

	n, err = h.orch.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRunSync_PanicLeavesTerminalState(t *testing.T) {
	h := newHarness(t, &sliceSource{rows: shirtRows()}, func(cfg *Config) {
		cfg.Results = panickingResults{repository.NewMockResultRepository()}
	})

	final, err := h.orch.RunSync(context.Background(), january())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run panicked")
	assert.Equal(t, task.FailedStatus, final.Status)
	assert.Contains(t, final.ErrorMessage, "connection pool exploded")
	assert.Zero(t, h.orch.Running())
}

func TestRunSync_Timeout(t *testing.T) {
	h := newHarness(t, newBlockingSource(), func(cfg *Config) {
		cfg.RunTimeout = 30 * time.Millisecond
	})

	final, err := h.orch.RunSync(context.Background(), january())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, task.FailedStatus, final.Status)
	assert.Contains(t, final.ErrorMessage, "run timed out")
}

func TestFailureReason(t *testing.T) {
	tests := []struct {
		err    error
		reason string
		label  string
	}{
		{ErrCancelled, "task cancelled", "cancelled"},
		{fmt.Errorf("aggregate_sales: %w", context.Canceled), "task cancelled", "cancelled"},
		{errors.New("boom"), "boom", "error"},
	}

	for _, tt := range tests {
		reason, label := failureReason(tt.err)
		assert.Equal(t, tt.reason, reason)
		assert.Equal(t, tt.label, label)
	}

	reason, label := failureReason(context.DeadlineExceeded)
	assert.Contains(t, reason, "run timed out")
	assert.Equal(t, "timeout", label)
}
