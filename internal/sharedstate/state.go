// Package sharedstate is the durable hand-off surface between watcher and
// fixer runs: per-subject status, the current failure report with its
// append-only history, and per-role completion markers. It lives in object
// storage, outside the control plane's own store.
package sharedstate

import (
	"context"
	"strings"
	"time"
)

// Status summarizes the subject's remediation loop for operators.
type Status struct {
	Subject   string    `json:"subject"`
	State     string    `json:"state"`
	Iteration int       `json:"iteration"`
	Detail    string    `json:"detail,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Loop states written into Status.State.
const (
	StateWatching    string = "watching"
	StateRemediating string = "remediating"
	StateSucceeded   string = "succeeded"
	StateBlocked     string = "blocked"
)

// FailureReport is one observed pipeline failure. Reports are append-only;
// the newest one is also published under the current pointer.
type FailureReport struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	Iteration   int       `json:"iteration"`
	RunID       string    `json:"run_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Diagnostics string    `json:"diagnostics,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Marker records that a role finished its work for one resource identity and
// iteration. Presence alone is never trusted: a marker left behind by an
// earlier resource or iteration is stale.
type Marker struct {
	Role        string    `json:"role"`
	RunName     string    `json:"run_name"`
	Iteration   int       `json:"iteration"`
	CompletedAt time.Time `json:"completed_at"`
}

// ValidFor reports whether the marker belongs to the given resource identity
// and iteration.
func (m *Marker) ValidFor(runName string, iteration int) bool {
	if m == nil {
		return false
	}
	return strings.TrimSpace(m.RunName) == strings.TrimSpace(runName) && m.Iteration == iteration
}

// Store is the durable shared-state contract.
type Store interface {
	ReadStatus(ctx context.Context, subject string) (*Status, error)
	WriteStatus(ctx context.Context, status Status) error

	// CurrentReport returns nil when no report has been published.
	CurrentReport(ctx context.Context, subject string) (*FailureReport, error)
	// PublishReport appends to the history and moves the current pointer.
	PublishReport(ctx context.Context, report FailureReport) error

	// ReadMarker returns nil when the role has no marker for the subject.
	ReadMarker(ctx context.Context, subject string, role string) (*Marker, error)
	WriteMarker(ctx context.Context, subject string, marker Marker) error
}
