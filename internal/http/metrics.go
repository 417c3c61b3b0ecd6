package http

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/phasectl/internal/http"

// unroutedLabel is the route label of requests echo could not match.
const unroutedLabel = "unrouted"

// requestMetrics instruments the run API. Requests are labeled by route
// pattern so run IDs never become label values.
type requestMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func newRequestMetrics(logger *zap.Logger) *requestMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(httpInstrumentationName)
	m := &requestMetrics{}

	var err error
	if m.requests, err = meter.Int64Counter(
		"phasectl.http.requests_total",
		metric.WithDescription("Run API requests by method, route and status class"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("failed to create request counter", zap.Error(err))
	}
	if m.duration, err = meter.Float64Histogram(
		"phasectl.http.request_duration_seconds",
		metric.WithDescription("Run API request latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.025, 0.1, 0.5, 1, 5, 30),
	); err != nil {
		logger.Warn("failed to create latency histogram", zap.Error(err))
	}
	if m.inFlight, err = meter.Int64UpDownCounter(
		"phasectl.http.in_flight",
		metric.WithDescription("Run API requests being served"),
		metric.WithUnit("{request}"),
	); err != nil {
		logger.Warn("failed to create in-flight gauge", zap.Error(err))
	}
	return m
}

func (m *requestMetrics) middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler write the response so the status
				// below is the one the client sees.
				c.Error(err)
				err = nil
			}

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("route", routeLabel(c.Path())),
				attribute.String("status_class", statusClass(c.Response().Status)),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			return err
		}
	}
}

func routeLabel(path string) string {
	if path == "" {
		return unroutedLabel
	}
	return path
}

// statusClass maps 404 to "4xx" and so on.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}
