package http

import (
	"github.com/fyrsmithlabs/phasectl/internal/audit"
	"github.com/fyrsmithlabs/phasectl/internal/orchestrator"
)

// SubmitResponse is the response body for POST /api/v1/runs.
type SubmitResponse struct {
	RunID string `json:"run_id"`
}

// ResumeResponse is the response body for POST /api/v1/runs/:id/resume.
type ResumeResponse struct {
	RunID string `json:"run_id"`
	State string `json:"state"`
}

// RecordsResponse is the response body for GET /api/v1/runs/:id/records.
type RecordsResponse struct {
	RunID   string         `json:"run_id"`
	Records []audit.Record `json:"records"`
	Summary audit.Summary  `json:"summary"`
}

// StatusResponse is the response body for GET /api/v1/runs/:id.
type StatusResponse = orchestrator.Status

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Message string `json:"message"`
}
