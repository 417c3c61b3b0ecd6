// Package client talks to the phased HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	httpserver "github.com/fyrsmithlabs/phasectl/internal/http"
	"github.com/fyrsmithlabs/phasectl/internal/orchestrator"
)

// DefaultTimeout bounds every request.
const DefaultTimeout = 30 * time.Second

// maxErrorBody caps how much of an error response is read.
const maxErrorBody = 64 * 1024

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the daemon.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is a phased API client.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the daemon at baseURL.
func New(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid server URL %q: scheme must be http or https", baseURL)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Health returns the daemon's health report.
func (c *Client) Health(ctx context.Context) (httpserver.HealthResponse, error) {
	var out httpserver.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, &out)
	return out, err
}

// Submit starts a run and returns its ID.
func (c *Client) Submit(ctx context.Context, req orchestrator.RunRequest) (string, error) {
	var out httpserver.SubmitResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/runs", req, &out); err != nil {
		return "", err
	}
	return out.RunID, nil
}

// Status returns the reported state of a run.
func (c *Client) Status(ctx context.Context, runID string) (orchestrator.Status, error) {
	var out httpserver.StatusResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID), nil, &out)
	return out, err
}

// Resume restarts a RESUMABLE or FAILED run in the background.
func (c *Client) Resume(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/runs/"+url.PathEscape(runID)+"/resume", nil, &httpserver.ResumeResponse{})
}

// Records returns the audit records of a run with their summary.
func (c *Client) Records(ctx context.Context, runID string) (httpserver.RecordsResponse, error) {
	var out httpserver.RecordsResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/runs/"+url.PathEscape(runID)+"/records", nil, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: fmt.Sprintf("failed to read response body: %v", err)}
	}
	var er httpserver.ErrorResponse
	if json.Unmarshal(raw, &er) == nil && er.Message != "" {
		return &APIError{StatusCode: resp.StatusCode, Message: er.Message}
	}
	return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
}
