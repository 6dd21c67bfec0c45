package middleware

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nadmax/noos/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type mockMetricsRecorder struct {
	records []metricRecord
}

type metricRecord struct {
	method   string
	endpoint string
	status   string
	duration time.Duration
}

func (m *mockMetricsRecorder) record(method, endpoint, status string, duration time.Duration) {
	m.records = append(m.records, metricRecord{
		method:   method,
		endpoint: endpoint,
		status:   status,
		duration: duration,
	})
}

func (m *mockMetricsRecorder) reset() {
	m.records = []metricRecord{}
}

var mockRecorder = &mockMetricsRecorder{}

func setupMock() func() {
	original := recordHTTPRequest
	recordHTTPRequest = func(method, endpoint, status string, duration time.Duration) {
		mockRecorder.record(method, endpoint, status, duration)
	}
	return func() { recordHTTPRequest = original }
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(handlers...)
	r.GET("/api/tasks/:id", func(c *gin.Context) {
		if c.Param("id") == "999" {
			c.Status(http.StatusNotFound)
			return
		}
		c.String(http.StatusOK, "task")
	})
	r.POST("/api/algorithm/run", func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})
	r.GET("/boom", func(c *gin.Context) {
		c.Status(http.StatusInternalServerError)
	})
	return r
}

func TestNormalizeEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{name: "task by id", path: "/api/tasks/123", expected: "/api/tasks/:id"},
		{name: "task cancel", path: "/api/tasks/42/cancel", expected: "/api/tasks/:id/cancel"},
		{name: "named task route", path: "/api/tasks/running", expected: "/api/tasks/running"},
		{name: "task with nested path", path: "/api/tasks/123/subtask", expected: "/api/tasks/123/subtask"},
		{name: "results by run", path: "/api/results/run/7", expected: "/api/results/run/:runId"},
		{name: "results by category", path: "/api/results/category/SHIRTS", expected: "/api/results/category/:category"},
		{name: "results by type", path: "/api/results/type/core", expected: "/api/results/type/:type"},
		{name: "parameter set", path: "/api/parameters/3", expected: "/api/parameters/:id"},
		{name: "parameter activation", path: "/api/parameters/3/activate", expected: "/api/parameters/:id/activate"},
		{name: "health endpoint", path: "/health", expected: "/health"},
		{name: "metrics endpoint", path: "/metrics", expected: "/metrics"},
		{name: "unknown endpoint", path: "/api/unknown/path", expected: "/api/unknown/path"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, normalizeEndpoint(tt.path))
		})
	}
}

func TestMetrics(t *testing.T) {
	cleanup := setupMock()
	defer cleanup()

	tests := []struct {
		name             string
		method           string
		path             string
		expectedEndpoint string
		expectedStatus   string
	}{
		{
			name:             "GET task by id with 200",
			method:           http.MethodGet,
			path:             "/api/tasks/123",
			expectedEndpoint: "/api/tasks/:id",
			expectedStatus:   "200",
		},
		{
			name:             "GET task with 404",
			method:           http.MethodGet,
			path:             "/api/tasks/999",
			expectedEndpoint: "/api/tasks/:id",
			expectedStatus:   "404",
		},
		{
			name:             "POST run with 202",
			method:           http.MethodPost,
			path:             "/api/algorithm/run",
			expectedEndpoint: "/api/algorithm/run",
			expectedStatus:   "202",
		},
		{
			name:             "unmatched route falls back to normalization",
			method:           http.MethodGet,
			path:             "/api/results/run/55",
			expectedEndpoint: "/api/results/run/:runId",
			expectedStatus:   "404",
		},
		{
			name:             "internal server error",
			method:           http.MethodGet,
			path:             "/boom",
			expectedEndpoint: "/boom",
			expectedStatus:   "500",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockRecorder.reset()
			r := newRouter(Metrics())

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))

			require.Len(t, mockRecorder.records, 1)
			m := mockRecorder.records[0]
			assert.Equal(t, tt.method, m.method)
			assert.Equal(t, tt.expectedEndpoint, m.endpoint)
			assert.Equal(t, tt.expectedStatus, m.status)
			assert.Positive(t, m.duration)
		})
	}
}

func TestMetrics_RecordsDuration(t *testing.T) {
	cleanup := setupMock()
	defer cleanup()

	mockRecorder.reset()
	delay := 50 * time.Millisecond

	r := gin.New()
	r.Use(Metrics())
	r.GET("/slow", func(c *gin.Context) {
		time.Sleep(delay)
		c.Status(http.StatusOK)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/slow", nil))

	require.Len(t, mockRecorder.records, 1)
	assert.GreaterOrEqual(t, mockRecorder.records[0].duration, delay)
}

func TestRequestID(t *testing.T) {
	var seen string
	r := gin.New()
	r.Use(RequestID())
	r.GET("/ping", func(c *gin.Context) {
		seen = GetRequestID(c)
		c.Status(http.StatusOK)
	})

	t.Run("generates an id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

		id := rec.Header().Get(RequestIDHeader)
		assert.Len(t, id, 36)
		assert.Equal(t, id, seen)
	})

	t.Run("keeps the inbound id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		assert.Equal(t, "req-123", rec.Header().Get(RequestIDHeader))
		assert.Equal(t, "req-123", seen)
	})
}

func TestRequestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := &logger.Logger{SugaredLogger: zap.New(core).Sugar()}

	r := newRouter(RequestID(), RequestLogger(log))

	for _, path := range []string{"/api/tasks/1", "/api/tasks/999", "/boom"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, bytes.NewReader(nil)))
	}

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[2].Level)

	fields := entries[0].ContextMap()
	assert.Equal(t, "/api/tasks/:id", fields["path"])
	assert.NotEmpty(t, fields["request_id"])
}
