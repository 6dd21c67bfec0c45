// Package dashboard implements the monitoring endpoints for run status and pool load.
package dashboard

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nadmax/noos/internal/executor"
	"github.com/nadmax/noos/internal/httputil"
	"github.com/nadmax/noos/internal/repository"
	"github.com/nadmax/noos/internal/task"
)

// historyWindow bounds the recent run listing.
const historyWindow = 24 * time.Hour

const recentLimit = 200

// PoolSource reports executor pool counters.
type PoolSource interface {
	Stats() executor.Stats
}

type Dashboard struct {
	tasks repository.TaskRepository
	pools []PoolSource
	now   func() time.Time
}

type Stats struct {
	TotalTasks      int              `json:"total_tasks"`
	PendingTasks    int              `json:"pending_tasks"`
	RunningTasks    int              `json:"running_tasks"`
	CompletedTasks  int              `json:"completed_tasks"`
	FailedTasks     int              `json:"failed_tasks"`
	AverageWaitTime string           `json:"average_wait_time"`
	AverageRunTime  string           `json:"average_run_time"`
	Pools           []executor.Stats `json:"pools"`
	LastUpdated     time.Time        `json:"last_updated"`
}

type TaskHistory struct {
	TaskID       int64           `json:"task_id"`
	Type         string          `json:"type"`
	Status       task.TaskStatus `json:"status"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at"`
	Duration     string          `json:"duration"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func NewDashboard(tasks repository.TaskRepository, pools ...PoolSource) *Dashboard {
	return &Dashboard{tasks: tasks, pools: pools, now: time.Now}
}

func average(total time.Duration, n int) string {
	if n == 0 {
		return "N/A"
	}
	return (total / time.Duration(n)).Round(time.Millisecond).String()
}

func (d *Dashboard) GetStats(c *gin.Context) {
	ctx := c.Request.Context()

	counts, err := d.tasks.CountByStatus(ctx)
	if err != nil {
		httputil.RespondError(c, http.StatusInternalServerError, "dashboard_failed", err)
		return
	}

	stats := Stats{
		PendingTasks:   counts[task.PendingStatus],
		RunningTasks:   counts[task.RunningStatus],
		CompletedTasks: counts[task.CompletedStatus],
		FailedTasks:    counts[task.FailedStatus],
		Pools:          []executor.Stats{},
		LastUpdated:    d.now(),
	}
	for _, n := range counts {
		stats.TotalTasks += n
	}

	recent, err := d.tasks.GetRecentTasks(ctx, recentLimit)
	if err != nil {
		httputil.RespondError(c, http.StatusInternalServerError, "dashboard_failed", err)
		return
	}

	var totalWait, totalRun time.Duration
	waitCount, runCount := 0, 0
	for _, t := range recent {
		if t.StartTime != nil {
			totalWait += t.StartTime.Sub(t.CreatedAt)
			waitCount++
		}
		if t.Status == task.CompletedStatus && t.EndTime != nil {
			totalRun += t.Duration()
			runCount++
		}
	}
	stats.AverageWaitTime = average(totalWait, waitCount)
	stats.AverageRunTime = average(totalRun, runCount)

	for _, p := range d.pools {
		stats.Pools = append(stats.Pools, p.Stats())
	}

	c.JSON(http.StatusOK, stats)
}

func (d *Dashboard) GetRecentTasks(c *gin.Context) {
	tasks, err := d.tasks.GetRecentTasks(c.Request.Context(), recentLimit)
	if err != nil {
		httputil.RespondError(c, http.StatusInternalServerError, "dashboard_failed", err)
		return
	}

	cutoff := d.now().Add(-historyWindow)
	history := []TaskHistory{}

	for _, t := range tasks {
		if t.EndTime == nil || t.EndTime.Before(cutoff) {
			continue
		}

		var duration string
		if t.StartTime != nil {
			duration = t.EndTime.Sub(*t.StartTime).Round(time.Millisecond).String()
		}

		history = append(history, TaskHistory{
			TaskID:       t.ID,
			Type:         t.Type,
			Status:       t.Status,
			CreatedAt:    t.CreatedAt,
			CompletedAt:  t.EndTime,
			Duration:     duration,
			ErrorMessage: t.ErrorMessage,
		})
	}

	c.JSON(http.StatusOK, history)
}
