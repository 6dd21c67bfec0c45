package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nadmax/noos/internal/task"
)

func (a *API) listTasks(c *gin.Context) {
	tasks, err := a.tasks.ListTasks(c.Request.Context())
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (a *API) recentTasks(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultRecentLimit, maxListLimit)
	if err != nil {
		badRequest(c, err)
		return
	}

	tasks, err := a.tasks.GetRecentTasks(c.Request.Context(), limit)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (a *API) runningTasks(c *gin.Context) {
	tasks, err := a.tasks.GetTasksByStatus(c.Request.Context(), task.PendingStatus, task.RunningStatus)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (a *API) failedTasks(c *gin.Context) {
	tasks, err := a.tasks.GetTasksByStatus(c.Request.Context(), task.FailedStatus)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

func (a *API) taskCounts(c *gin.Context) {
	counts, err := a.tasks.CountByStatus(c.Request.Context())
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, counts)
}

func (a *API) getTask(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		badRequest(c, err)
		return
	}

	t, err := a.tasks.GetTask(c.Request.Context(), id)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (a *API) cancelTask(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		badRequest(c, err)
		return
	}

	t, err := a.runner.Cancel(c.Request.Context(), id)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// cleanupTasks purges finished tasks older than ?days (default: configured retention).
func (a *API) cleanupTasks(c *gin.Context) {
	days := a.retentionDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(c, errors.New("days must be at least 1"))
			return
		}
		days = n
	}

	cutoff := a.now().Add(-time.Duration(days) * 24 * time.Hour)
	deleted, err := a.tasks.PurgeTerminalBefore(c.Request.Context(), cutoff)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	a.log.Info("purged finished tasks", "days", days, "deleted", deleted)
	c.JSON(http.StatusOK, gin.H{
		"deleted": deleted,
		"days":    days,
		"cutoff":  cutoff,
	})
}
