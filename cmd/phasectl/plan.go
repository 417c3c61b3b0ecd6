package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/phasectl/internal/orchestrator"
)

// maxPlanSize matches the daemon's request body limit.
const maxPlanSize = 4 << 20

// loadPlan reads a YAML or JSON run plan from path, or from stdin when path
// is "-". Unknown fields are rejected so typos do not silently drop tasks.
func loadPlan(path string, stdin io.Reader) (orchestrator.RunRequest, error) {
	var r io.Reader
	if path == "-" {
		r = stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return orchestrator.RunRequest{}, fmt.Errorf("failed to open plan: %w", err)
		}
		defer f.Close()
		r = f
	}

	raw, err := io.ReadAll(io.LimitReader(r, maxPlanSize+1))
	if err != nil {
		return orchestrator.RunRequest{}, fmt.Errorf("failed to read plan: %w", err)
	}
	if len(raw) > maxPlanSize {
		return orchestrator.RunRequest{}, fmt.Errorf("plan too large (max %d bytes)", maxPlanSize)
	}

	var req orchestrator.RunRequest
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return orchestrator.RunRequest{}, errors.New("plan is empty")
		}
		return orchestrator.RunRequest{}, fmt.Errorf("failed to parse plan: %w", err)
	}
	if len(req.Phases) == 0 {
		return orchestrator.RunRequest{}, errors.New("plan has no phases")
	}
	return req, nil
}
