// Package domain holds the TaskRun resource model and the pipeline vocabulary
// shared by the controller and the agents.
package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	APIVersion  = "fixpoint.dev/v1alpha1"
	KindTaskRun = "TaskRun"

	// FinalizerName guards execution-unit teardown before a TaskRun is removed.
	FinalizerName = "taskruns.fixpoint.dev/finalizer"
)

// RunKind is the closed set of work a TaskRun can describe.
type RunKind string

const (
	RunKindImplementation RunKind = "implementation"
	RunKindQuality        RunKind = "quality"
	RunKindSecurity       RunKind = "security"
	RunKindAcceptance     RunKind = "acceptance"
	RunKindMonitor        RunKind = "monitor"
	RunKindRemediation    RunKind = "remediation"
)

func ParseRunKind(s string) (RunKind, error) {
	switch RunKind(strings.ToLower(strings.TrimSpace(s))) {
	case RunKindImplementation:
		return RunKindImplementation, nil
	case RunKindQuality:
		return RunKindQuality, nil
	case RunKindSecurity:
		return RunKindSecurity, nil
	case RunKindAcceptance:
		return RunKindAcceptance, nil
	case RunKindMonitor:
		return RunKindMonitor, nil
	case RunKindRemediation:
		return RunKindRemediation, nil
	}
	return "", fmt.Errorf("unknown run kind: %q", s)
}

// Phase is the controller-owned lifecycle phase of a TaskRun.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
)

func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailed
}

// Meta mirrors the subset of Kubernetes object metadata the control plane
// reads and writes.
type Meta struct {
	Name              string            `json:"name,omitempty"`
	Namespace         string            `json:"namespace,omitempty"`
	UID               string            `json:"uid,omitempty"`
	ResourceVersion   string            `json:"resourceVersion,omitempty"`
	Generation        int64             `json:"generation,omitempty"`
	Labels            map[string]string `json:"labels,omitempty"`
	Finalizers        []string          `json:"finalizers,omitempty"`
	DeletionTimestamp *time.Time        `json:"deletionTimestamp,omitempty"`
}

// StorageClaim names a persistent volume claim mounted into the execution unit.
type StorageClaim struct {
	Name      string `json:"name"`
	ClaimName string `json:"claimName"`
	MountPath string `json:"mountPath"`
	ReadOnly  bool   `json:"readOnly,omitempty"`
}

// TaskRunSpec is immutable once accepted; changes create a new resource.
type TaskRunSpec struct {
	Kind          RunKind           `json:"kind"`
	Role          string            `json:"role"`
	Backend       string            `json:"backend"`
	Repository    string            `json:"repository"`
	Branch        string            `json:"branch,omitempty"`
	Model         string            `json:"model,omitempty"`
	Image         string            `json:"image"`
	Env           map[string]string `json:"env,omitempty"`
	StorageClaims []StorageClaim    `json:"storageClaims,omitempty"`
	Iteration     int               `json:"iteration"`
	PriorRun      string            `json:"priorRun,omitempty"`
	// DeadlineSeconds is the hard wall-clock bound on the execution unit.
	DeadlineSeconds int64 `json:"deadlineSeconds,omitempty"`
}

// TaskRunStatus is owned exclusively by the reconciler.
type TaskRunStatus struct {
	Phase              Phase      `json:"phase,omitempty"`
	Reason             string     `json:"reason,omitempty"`
	Message            string     `json:"message,omitempty"`
	UnitName           string     `json:"unitName,omitempty"`
	ObservedGeneration int64      `json:"observedGeneration,omitempty"`
	StartedAt          *time.Time `json:"startedAt,omitempty"`
	FinishedAt         *time.Time `json:"finishedAt,omitempty"`
	CleanupAfter       *time.Time `json:"cleanupAfter,omitempty"`
}

type TaskRun struct {
	APIVersion string        `json:"apiVersion,omitempty"`
	Kind       string        `json:"kind,omitempty"`
	Metadata   Meta          `json:"metadata"`
	Spec       TaskRunSpec   `json:"spec"`
	Status     TaskRunStatus `json:"status,omitempty"`
}

func (t *TaskRun) Validate() error {
	if strings.TrimSpace(t.Metadata.Name) == "" {
		return errors.New("metadata.name is required")
	}
	if _, err := ParseRunKind(string(t.Spec.Kind)); err != nil {
		return err
	}
	if strings.TrimSpace(t.Spec.Role) == "" {
		return errors.New("spec.role is required")
	}
	if strings.TrimSpace(t.Spec.Backend) == "" {
		return errors.New("spec.backend is required")
	}
	if strings.TrimSpace(t.Spec.Repository) == "" {
		return errors.New("spec.repository is required")
	}
	if strings.TrimSpace(t.Spec.Image) == "" {
		return errors.New("spec.image is required")
	}
	if t.Spec.Iteration < 0 {
		return errors.New("spec.iteration must be >= 0")
	}
	return nil
}

// Subject identifies the pipeline a TaskRun belongs to: repository plus branch.
func (t *TaskRun) Subject() string {
	branch := strings.TrimSpace(t.Spec.Branch)
	if branch == "" {
		branch = "main"
	}
	return t.Spec.Repository + "#" + branch
}

func (t *TaskRun) Deleting() bool {
	return t.Metadata.DeletionTimestamp != nil
}

func (t *TaskRun) HasFinalizer(name string) bool {
	for _, f := range t.Metadata.Finalizers {
		if f == name {
			return true
		}
	}
	return false
}
