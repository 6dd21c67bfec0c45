package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/nadmax/noos/internal/classify"
	"github.com/nadmax/noos/internal/logger"
	"github.com/nadmax/noos/internal/metrics"
	"github.com/nadmax/noos/internal/params"
	"github.com/nadmax/noos/internal/sales"
	"github.com/nadmax/noos/internal/task"
)

type phase struct {
	name     string
	step     int
	progress float64
	run      func(ctx context.Context) error
}

// execute drives one task from PENDING to a terminal state. Whatever happens
// inside the pipeline, including a panic, the task does not stay RUNNING.
func (o *Orchestrator) execute(parent context.Context, t *task.Task, p params.AlgorithmParameters) (err error) {
	var ctx context.Context
	var cancel context.CancelFunc
	if o.runTimeout > 0 {
		ctx, cancel = context.WithTimeout(parent, o.runTimeout)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	defer cancel()

	o.track(t.ID, cancel)
	defer o.untrack(t.ID)

	log := o.log.With("task_id", t.ID)
	started := time.Now()

	if err := o.tasks.MarkRunning(ctx, t.ID, started); err != nil {
		log.Error("failed to start task", "error", err)
		if failErr := o.tasks.FailTask(context.WithoutCancel(ctx), t.ID, err.Error(), nil); failErr != nil {
			log.Warn("failed to mark unstarted task", "error", failErr)
		}
		return fmt.Errorf("failed to start task %d: %w", t.ID, err)
	}

	t.Status = task.RunningStatus
	t.StartTime = &started
	metrics.RecordRunStarted()
	log.Info("run started")

	defer func() {
		if r := recover(); r != nil {
			log.Error("run panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("run panicked: %v", r)
		}
		if err != nil {
			o.fail(ctx, t, err, started, log)
		}
	}()

	results, err := o.pipeline(ctx, t, p, log)
	if err != nil {
		return err
	}

	// The results are committed, so a late cancel or timeout must not stop the
	// terminal write. If it fails anyway the rows go with the run.
	settle := context.WithoutCancel(ctx)
	t.Advance(PhaseCompleted, TotalSteps, 100)
	t.SetMetadata("duration_ms", time.Since(started).Milliseconds())
	if err := o.tasks.CompleteTask(settle, t); err != nil {
		o.discardResults(settle, t.ID, log)
		return fmt.Errorf("failed to complete task: %w", err)
	}

	now := time.Now()
	t.Status = task.CompletedStatus
	t.EndTime = &now
	metrics.RecordRunCompleted(now.Sub(started))
	log.Info("run completed", "results", len(results), "duration", now.Sub(started))

	o.afterCompletion(ctx, t, results, log)
	return nil
}

func (o *Orchestrator) pipeline(ctx context.Context, t *task.Task, p params.AlgorithmParameters, log *logger.Logger) ([]classify.NoosResult, error) {
	var (
		in      sales.Input
		th      classify.Thresholds
		agg     *sales.Result
		outcome *classify.Outcome
	)

	phases := []phase{
		{PhaseResolve, 1, 10, func(context.Context) error {
			in = sales.Input{
				Window:               sales.NewWindow(p.AnalysisStartDate, p.AnalysisEndDate),
				LiquidationThreshold: p.LiquidationThreshold,
				BestsellerDays:       p.BestsellerDurationDays,
				CoreMonths:           p.CoreDurationMonths,
			}
			th = classify.ThresholdsFrom(p)
			t.SetMetadata("window_days", in.Window.Days())
			return nil
		}},
		{PhaseAggregate, 2, 40, func(ctx context.Context) error {
			var err error
			agg, err = o.aggregator.Aggregate(ctx, in)
			if err != nil {
				return err
			}
			t.SetMetadata("rows_read", agg.RowsRead)
			t.SetMetadata("rows_included", agg.RowsIncluded)
			t.SetMetadata("rows_liquidated", agg.RowsLiquidated)
			t.SetMetadata("warnings", agg.Warnings)
			t.SetMetadata("fallback_styles", agg.FallbackStyles)
			t.SetMetadata("calendar_unavailable", agg.CalendarUnavailable)
			t.SetMetadata("categories", len(agg.Categories))
			t.SetMetadata("styles", agg.StyleCount())
			return nil
		}},
		{PhaseClassify, 3, 70, func(ctx context.Context) error {
			var err error
			outcome, err = o.engine.Classify(ctx, agg, th, t.ID)
			if err != nil {
				return err
			}
			counts := make(map[string]int, len(outcome.Counts))
			for typ, n := range outcome.Counts {
				counts[string(typ)] = n
			}
			t.SetMetadata("result_counts", counts)
			metrics.RecordClassification(counts, agg.Warnings)
			return nil
		}},
		{PhasePersist, 4, 90, func(ctx context.Context) error {
			return o.results.SaveResults(ctx, t.ID, outcome.Results)
		}},
	}

	for _, ph := range phases {
		if err := o.checkpoint(ctx, t.ID); err != nil {
			return nil, err
		}

		t.Advance(ph.name, ph.step, ph.progress)
		if err := o.tasks.UpdateProgress(ctx, t); err != nil {
			return nil, fmt.Errorf("failed to record progress: %w", err)
		}

		begin := time.Now()
		if err := ph.run(ctx); err != nil {
			return nil, fmt.Errorf("%s: %w", ph.name, err)
		}
		metrics.RecordPhase(ph.name, time.Since(begin))
		log.Debug("phase finished", "phase", ph.name, "duration", time.Since(begin))
	}

	return outcome.Results, nil
}

// checkpoint stops the run when its context is done or a cancellation was
// requested through the task store.
func (o *Orchestrator) checkpoint(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	requested, err := o.tasks.IsCancellationRequested(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to read cancellation flag: %w", err)
	}
	if requested {
		return ErrCancelled
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, t *task.Task, cause error, started time.Time, log *logger.Logger) {
	reason, label := failureReason(cause)

	now := time.Now()
	t.Status = task.FailedStatus
	t.ErrorMessage = reason
	t.EndTime = &now
	t.SetMetadata("duration_ms", now.Sub(started).Milliseconds())

	if err := o.tasks.FailTask(context.WithoutCancel(ctx), t.ID, reason, t.Metadata); err != nil {
		log.Error("failed to record task failure", "error", err, "reason", reason)
	}

	metrics.RecordRunFailed(label, now.Sub(started))
	log.Warn("run failed", "reason", reason, "phase", t.CurrentPhase)
}

// discardResults removes the rows of a run that could not be marked COMPLETED.
func (o *Orchestrator) discardResults(ctx context.Context, id int64, log *logger.Logger) {
	n, err := o.results.DeleteRun(ctx, id)
	if err != nil {
		log.Error("failed to discard results of unfinished run", "error", err)
		return
	}
	if n > 0 {
		log.Warn("discarded results of unfinished run", "rows", n)
	}
}

func failureReason(err error) (reason, label string) {
	switch {
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ErrCancelled.Error(), "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		return "run timed out: " + err.Error(), "timeout"
	default:
		return err.Error(), "error"
	}
}

func (o *Orchestrator) afterCompletion(ctx context.Context, t *task.Task, results []classify.NoosResult, log *logger.Logger) {
	if o.cache != nil {
		if err := o.cache.InvalidateResults(context.WithoutCancel(ctx)); err != nil {
			log.Warn("failed to invalidate result cache", "error", err)
		}
	}

	if o.files == nil || o.archiver == nil {
		return
	}

	snapshot := *t
	err := o.files.Submit(func(jobCtx context.Context) error {
		return o.archiver.Archive(jobCtx, &snapshot, results)
	})
	if err != nil {
		log.Warn("archive job rejected", "error", err)
	}
}
