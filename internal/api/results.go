package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nadmax/noos/internal/classify"
	"github.com/nadmax/noos/internal/export"
	"github.com/nadmax/noos/internal/httputil"
)

var errNoRuns = errors.New("no classification runs found")

func (a *API) latestResults(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultResultLimit, maxListLimit)
	if err != nil {
		badRequest(c, err)
		return
	}

	results, err := a.results.GetLatestResults(c.Request.Context(), limit)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (a *API) resultsByRun(c *gin.Context) {
	runID, err := pathID(c, "runId")
	if err != nil {
		badRequest(c, err)
		return
	}

	results, err := a.results.GetResultsByRun(c.Request.Context(), runID)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (a *API) resultsByCategory(c *gin.Context) {
	runID, err := queryRunID(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	results, err := a.results.GetResultsByCategory(c.Request.Context(), c.Param("category"), runID)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (a *API) resultsByType(c *gin.Context) {
	runID, err := queryRunID(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	t := classify.Type(strings.ToLower(c.Param("type")))
	results, err := a.results.GetResultsByType(c.Request.Context(), t, runID)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

func (a *API) resultCounts(c *gin.Context) {
	ctx := c.Request.Context()

	total, err := a.results.CountResults(ctx)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	byType, err := a.results.CountByType(ctx)
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"total": total, "by_type": byType})
}

func (a *API) resultSummary(c *gin.Context) {
	runID, err := queryRunID(c)
	if err != nil {
		badRequest(c, err)
		return
	}

	summary, err := a.results.GetSummary(c.Request.Context(), runID)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (a *API) listRuns(c *gin.Context) {
	limit, err := queryInt(c, "limit", defaultRunsLimit, maxListLimit)
	if err != nil {
		badRequest(c, err)
		return
	}

	runs, err := a.results.ListRuns(c.Request.Context(), limit)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, runs)
}

// exportResults streams one run as a TSV download. Without runId the latest
// run is exported.
func (a *API) exportResults(c *gin.Context) {
	ctx := c.Request.Context()

	runID, err := queryRunID(c)
	if err != nil {
		badRequest(c, err)
		return
	}
	if runID == 0 {
		runs, err := a.results.ListRuns(ctx, 1)
		if err != nil {
			a.respondErr(c, err)
			return
		}
		if len(runs) == 0 {
			httputil.RespondError(c, http.StatusNotFound, "run_not_found", errNoRuns)
			return
		}
		runID = runs[0].RunID
	}

	results, err := a.results.GetResultsByRun(ctx, runID)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	if len(results) == 0 {
		httputil.RespondError(c, http.StatusNotFound, "run_not_found", fmt.Errorf("no results for run %d", runID))
		return
	}

	c.Header("Content-Type", "text/tab-separated-values; charset=utf-8")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.Filename(runID, a.now())))
	c.Status(http.StatusOK)
	if err := export.WriteTSV(c.Writer, results); err != nil {
		a.log.Error("export interrupted", "run_id", runID, "error", err)
	}
}

func (a *API) deleteRun(c *gin.Context) {
	runID, err := pathID(c, "runId")
	if err != nil {
		badRequest(c, err)
		return
	}

	deleted, err := a.results.DeleteRun(c.Request.Context(), runID)
	if err != nil {
		a.respondErr(c, err)
		return
	}
	if deleted == 0 {
		httputil.RespondError(c, http.StatusNotFound, "run_not_found", fmt.Errorf("no results for run %d", runID))
		return
	}

	a.log.Info("purged run results", "run_id", runID, "deleted", deleted)
	c.JSON(http.StatusOK, gin.H{"run_id": runID, "deleted": deleted})
}
