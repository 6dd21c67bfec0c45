package main

import (
	"context"
	"time"

	"github.com/nadmax/noos/internal/executor"
	"github.com/nadmax/noos/internal/logger"
	"github.com/nadmax/noos/internal/metrics"
	"github.com/nadmax/noos/internal/repository"
)

const (
	metricsInterval   = 10 * time.Second
	retentionInterval = time.Hour
)

func startMetricsCollector(ctx context.Context, pools *executor.Pools, lg *logger.Logger) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		updatePoolMetrics(pools)
		select {
		case <-ctx.Done():
			lg.Debug("metrics collector stopped")
			return
		case <-ticker.C:
		}
	}
}

func updatePoolMetrics(pools *executor.Pools) {
	for _, p := range pools.All() {
		s := p.Stats()
		metrics.UpdatePoolGauges(s.Name, s.Queued, s.Active, s.Rejected)
	}
}

// startRetentionSweeper purges finished tasks older than the retention window.
func startRetentionSweeper(ctx context.Context, tasks repository.TaskRepository, days int, lg *logger.Logger) {
	if days <= 0 {
		return
	}

	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().AddDate(0, 0, -days)
			n, err := tasks.PurgeTerminalBefore(ctx, cutoff)
			if err != nil {
				lg.Warn("task retention sweep failed", "error", err)
				continue
			}
			if n > 0 {
				lg.Info("task retention sweep", "deleted", n, "cutoff", cutoff)
			}
		}
	}
}
