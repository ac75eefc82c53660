// Package pipeline talks to the CI engine that executes build, test, and
// verification workloads for a subject.
package pipeline

import (
	"context"
	"errors"
	"time"
)

// ErrRunNotFound is returned when the engine has no run with the given id.
var ErrRunNotFound = errors.New("pipeline run not found")

// RunState is the engine's view of one run.
type RunState string

const (
	RunPending   RunState = "Pending"
	RunRunning   RunState = "Running"
	RunSucceeded RunState = "Succeeded"
	RunFailed    RunState = "Failed"
)

// Terminal reports whether the run will make no further progress.
func (s RunState) Terminal() bool {
	return s == RunSucceeded || s == RunFailed
}

// SubmitRequest describes a new run.
type SubmitRequest struct {
	Template   string            `json:"template"`
	Subject    string            `json:"subject"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// RunStatus is what the engine reports about a run.
type RunStatus struct {
	ID         string    `json:"id"`
	Template   string    `json:"template"`
	Subject    string    `json:"subject"`
	State      RunState  `json:"state"`
	Message    string    `json:"message,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Engine is the client contract against the CI engine.
type Engine interface {
	Submit(ctx context.Context, req SubmitRequest) (string, error)
	Status(ctx context.Context, runID string) (*RunStatus, error)
	Logs(ctx context.Context, runID string) (string, error)
	// LatestRun returns the most recently started run for the subject, or
	// nil when the subject has never run.
	LatestRun(ctx context.Context, subject string) (*RunStatus, error)
}
