package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/checkpoint"
	"github.com/fyrsmithlabs/phasectl/internal/orchestrator"
)

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: s.config.Version})
}

// handleSubmit validates and journals a run, then executes it in the
// background.
func (s *Server) handleSubmit(c echo.Context) error {
	var req orchestrator.RunRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid run request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Phases) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "phases field is required")
	}

	runID, err := s.runs.Submit(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, SubmitResponse{RunID: runID})
}

func (s *Server) handleStatus(c echo.Context) error {
	st, err := s.runs.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) handleResume(c echo.Context) error {
	runID := c.Param("id")
	if err := s.runs.StartResume(c.Request().Context(), runID); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, ResumeResponse{RunID: runID, State: string(checkpoint.StateRunning)})
}

func (s *Server) handleRecords(c echo.Context) error {
	runID := c.Param("id")
	records, err := s.runs.Records(c.Request().Context(), runID)
	if err != nil {
		return err
	}
	if records == nil {
		records = []audit.Record{}
	}
	return c.JSON(http.StatusOK, RecordsResponse{
		RunID:   runID,
		Records: records,
		Summary: audit.Summarize(records),
	})
}

// statusCode maps orchestrator and journal errors to HTTP statuses.
func statusCode(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidPlan), errors.Is(err, checkpoint.ErrInvalidRunID):
		return http.StatusBadRequest
	case errors.Is(err, checkpoint.ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrRunActive), errors.Is(err, orchestrator.ErrRunComplete),
		errors.Is(err, orchestrator.ErrDuplicateRun):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrShuttingDown), errors.Is(err, checkpoint.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorHandler renders every error as ErrorResponse. Internal errors are
// logged and not echoed to the client.
func errorHandler(logger *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := http.StatusText(code)

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if m, ok := he.Message.(string); ok {
				msg = m
			} else {
				msg = http.StatusText(code)
			}
		} else {
			code = statusCode(err)
			if code == http.StatusInternalServerError {
				logger.Error("request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
			} else {
				msg = err.Error()
			}
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, ErrorResponse{Message: msg})
	}
}
