package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nadmax/noos/internal/dashboard"
	"github.com/nadmax/noos/internal/httputil"
	"github.com/nadmax/noos/internal/logger"
	"github.com/nadmax/noos/internal/middleware"
	"github.com/nadmax/noos/internal/orchestrator"
	"github.com/nadmax/noos/internal/params"
	"github.com/nadmax/noos/internal/repository"
	"github.com/nadmax/noos/internal/task"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultRecentLimit   = 10
	defaultResultLimit   = 100
	defaultRunsLimit     = 20
	maxListLimit         = 1000
	defaultRetentionDays = 30
)

// Runner starts and cancels classification runs. *orchestrator.Orchestrator
// satisfies it.
type Runner interface {
	Submit(ctx context.Context, overrides params.Overrides) (*task.Task, error)
	RunSync(ctx context.Context, overrides params.Overrides) (*task.Task, error)
	Cancel(ctx context.Context, id int64) (*task.Task, error)
}

// Pinger reports backend health. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type Config struct {
	Runner               Runner
	Tasks                repository.TaskRepository
	Results              repository.ResultRepository
	Parameters           repository.ParameterRepository
	Dashboard            *dashboard.Dashboard
	Health               Pinger
	DefaultParameterName string
	RetentionDays        int
	Log                  *logger.Logger
}

type API struct {
	runner        Runner
	tasks         repository.TaskRepository
	results       repository.ResultRepository
	parameters    repository.ParameterRepository
	dash          *dashboard.Dashboard
	health        Pinger
	paramName     string
	retentionDays int
	log           *logger.Logger
	now           func() time.Time
	router        *gin.Engine
}

type taskErrorResponse struct {
	httputil.ErrorEnvelope
	Task *task.Task `json:"task,omitempty"`
}

func NewAPI(cfg Config) *API {
	log := cfg.Log
	if log == nil {
		log = logger.Nop()
	}
	a := &API{
		runner:        cfg.Runner,
		tasks:         cfg.Tasks,
		results:       cfg.Results,
		parameters:    cfg.Parameters,
		dash:          cfg.Dashboard,
		health:        cfg.Health,
		paramName:     cfg.DefaultParameterName,
		retentionDays: cfg.RetentionDays,
		log:           log.With("component", "API"),
		now:           time.Now,
	}
	if a.paramName == "" {
		a.paramName = "default"
	}
	if a.retentionDays <= 0 {
		a.retentionDays = defaultRetentionDays
	}
	if a.dash == nil {
		a.dash = dashboard.NewDashboard(cfg.Tasks)
	}

	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestID(), middleware.RequestLogger(a.log), middleware.Metrics())

	r.GET("/health", a.healthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api")

	api.POST("/algorithm/run", a.runAsync)
	api.POST("/algorithm/run-sync", a.runSync)

	tasks := api.Group("/tasks")
	tasks.GET("", a.listTasks)
	tasks.GET("/recent", a.recentTasks)
	tasks.GET("/running", a.runningTasks)
	tasks.GET("/failed", a.failedTasks)
	tasks.GET("/counts", a.taskCounts)
	tasks.GET("/:id", a.getTask)
	tasks.POST("/:id/cancel", a.cancelTask)
	tasks.DELETE("/cleanup", a.cleanupTasks)

	results := api.Group("/results")
	results.GET("", a.latestResults)
	results.GET("/run/:runId", a.resultsByRun)
	results.DELETE("/run/:runId", a.deleteRun)
	results.GET("/category/:category", a.resultsByCategory)
	results.GET("/type/:type", a.resultsByType)
	results.GET("/counts", a.resultCounts)
	results.GET("/summary", a.resultSummary)
	results.GET("/runs", a.listRuns)
	results.GET("/export", a.exportResults)

	parameters := api.Group("/parameters")
	parameters.GET("", a.listParameters)
	parameters.POST("", a.createParameters)
	parameters.GET("/active", a.activeParameters)
	parameters.GET("/:id", a.getParameters)
	parameters.PUT("/:id", a.updateParameters)
	parameters.POST("/:id/activate", a.activateParameters)
	parameters.POST("/:id/deactivate", a.deactivateParameters)

	api.GET("/dashboard/stats", a.dash.GetStats)
	api.GET("/dashboard/history", a.dash.GetRecentTasks)

	a.router = r
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// respondErr maps domain errors onto HTTP status codes.
func (a *API) respondErr(c *gin.Context, err error) {
	var verr *params.ValidationError
	switch {
	case errors.As(err, &verr):
		httputil.RespondError(c, http.StatusBadRequest, "invalid_parameters", err)
	case errors.Is(err, orchestrator.ErrSystemBusy):
		httputil.RespondError(c, http.StatusTooManyRequests, "system_busy", orchestrator.ErrSystemBusy)
	case errors.Is(err, repository.ErrTaskNotFound):
		httputil.RespondError(c, http.StatusNotFound, "task_not_found", err)
	case errors.Is(err, params.ErrNotFound):
		httputil.RespondError(c, http.StatusNotFound, "parameters_not_found", err)
	case errors.Is(err, repository.ErrInvalidTransition):
		httputil.RespondError(c, http.StatusConflict, "invalid_transition", err)
	default:
		a.log.Error("request failed", "path", c.FullPath(), "error", err)
		httputil.RespondError(c, http.StatusInternalServerError, "internal_error", err)
	}
}

func badRequest(c *gin.Context, err error) {
	httputil.RespondError(c, http.StatusBadRequest, "bad_request", err)
}

// bindBody decodes an optional JSON body. An empty body leaves dst untouched.
func bindBody(c *gin.Context, dst any) error {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return &params.ValidationError{Problems: []string{"invalid JSON body: " + err.Error()}}
	}
	return nil
}

func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New(name + " must be a positive integer")
	}
	return id, nil
}

// queryInt reads a positive integer query parameter, returning def when absent.
func queryInt(c *gin.Context, key string, def, limit int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New(key + " must be a positive integer")
	}
	if limit > 0 && n > limit {
		n = limit
	}
	return n, nil
}

// queryRunID reads the optional runId query parameter; 0 means latest run.
func queryRunID(c *gin.Context) (int64, error) {
	raw := c.Query("runId")
	if raw == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 0 {
		return 0, errors.New("runId must be a non-negative integer")
	}
	return id, nil
}

func (a *API) healthCheck(c *gin.Context) {
	if a.health != nil {
		if err := a.health.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (a *API) runAsync(c *gin.Context) {
	var overrides params.Overrides
	if err := bindBody(c, &overrides); err != nil {
		a.respondErr(c, err)
		return
	}

	t, err := a.runner.Submit(c.Request.Context(), overrides)
	if errors.Is(err, orchestrator.ErrSystemBusy) {
		c.JSON(http.StatusTooManyRequests, taskErrorResponse{
			ErrorEnvelope: httputil.ErrorEnvelope{Error: httputil.APIError{
				Message: orchestrator.ErrSystemBusy.Error(),
				Code:    "system_busy",
			}},
			Task: t,
		})
		return
	}
	if err != nil {
		a.respondErr(c, err)
		return
	}

	c.JSON(http.StatusAccepted, t)
}

func (a *API) runSync(c *gin.Context) {
	var overrides params.Overrides
	if err := bindBody(c, &overrides); err != nil {
		a.respondErr(c, err)
		return
	}

	t, err := a.runner.RunSync(c.Request.Context(), overrides)
	if err != nil {
		var verr *params.ValidationError
		if t == nil || errors.As(err, &verr) {
			a.respondErr(c, err)
			return
		}
		a.log.Warn("synchronous run failed", "task_id", t.ID, "error", err)
		c.JSON(http.StatusInternalServerError, taskErrorResponse{
			ErrorEnvelope: httputil.ErrorEnvelope{Error: httputil.APIError{
				Message: err.Error(),
				Code:    "run_failed",
			}},
			Task: t,
		})
		return
	}

	c.JSON(http.StatusOK, t)
}
