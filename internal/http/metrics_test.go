package http

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/phasectl/internal/telemetry"
)

func TestRequestMetrics(t *testing.T) {
	tt := telemetry.NewTestTelemetry()
	tt.Install(t)

	e := echo.New()
	e.Use(newRequestMetrics(nil).middleware())
	e.GET("/api/v1/runs/:id", func(c echo.Context) error {
		if c.Param("id") == "missing" {
			return echo.NewHTTPError(http.StatusNotFound, "run not found")
		}
		return c.JSON(http.StatusOK, map[string]string{"run_id": c.Param("id")})
	})
	e.POST("/api/v1/runs", func(echo.Context) error {
		return errors.New("boom")
	})

	for _, id := range []string{"run-a", "run-b", "run-c", "missing"} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+id, nil))
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/runs", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	route := attribute.String("route", "/api/v1/runs/:id")
	assert.Equal(t, int64(4), tt.Counter(t, "phasectl.http.requests_total", route),
		"run IDs must not become labels")
	assert.Equal(t, int64(3), tt.Counter(t, "phasectl.http.requests_total", route, attribute.String("status_class", "2xx")))
	assert.Equal(t, int64(1), tt.Counter(t, "phasectl.http.requests_total", route, attribute.String("status_class", "4xx")))
	assert.Equal(t, int64(1), tt.Counter(t, "phasectl.http.requests_total",
		attribute.String("method", http.MethodPost), attribute.String("status_class", "5xx")))
}

func TestStatusClass(t *testing.T) {
	assert.Equal(t, "2xx", statusClass(http.StatusAccepted))
	assert.Equal(t, "4xx", statusClass(http.StatusConflict))
	assert.Equal(t, "5xx", statusClass(http.StatusServiceUnavailable))
	assert.Equal(t, "unknown", statusClass(0))
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, unroutedLabel, routeLabel(""))
	assert.Equal(t, "/api/v1/runs/:id/records", routeLabel("/api/v1/runs/:id/records"))
}
