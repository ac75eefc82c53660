package domain

import (
	"fmt"
	"strings"
)

// Stage is a step of the delivery pipeline. The order below is total and
// drives resume planning: a subject never moves backwards.
type Stage string

const (
	StageImplementation Stage = "implementation"
	StageQuality        Stage = "quality"
	StageSecurity       Stage = "security"
	StageAcceptance     Stage = "acceptance"
	StageMerge          Stage = "merge"
)

var stageOrder = []Stage{
	StageImplementation,
	StageQuality,
	StageSecurity,
	StageAcceptance,
	StageMerge,
}

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// Index returns the position of the stage in the pipeline order, or -1 for an
// unknown value.
func (s Stage) Index() int {
	for i, stage := range stageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

func (s Stage) Known() bool {
	return s.Index() >= 0
}

// Next returns the following stage and false once the pipeline is exhausted.
func (s Stage) Next() (Stage, bool) {
	i := s.Index()
	if i < 0 || i+1 >= len(stageOrder) {
		return "", false
	}
	return stageOrder[i+1], true
}

func ParseStage(s string) (Stage, error) {
	v := Stage(strings.ToLower(strings.TrimSpace(s)))
	if !v.Known() {
		return "", fmt.Errorf("unknown stage: %q", s)
	}
	return v, nil
}

// RunKindForStage maps a pipeline stage to the TaskRun kind that executes it.
func RunKindForStage(s Stage) (RunKind, error) {
	switch s {
	case StageImplementation:
		return RunKindImplementation, nil
	case StageQuality:
		return RunKindQuality, nil
	case StageSecurity:
		return RunKindSecurity, nil
	case StageAcceptance:
		return RunKindAcceptance, nil
	case StageMerge:
		return RunKindAcceptance, nil
	}
	return "", fmt.Errorf("no run kind for stage: %q", s)
}

// LedgerStatus is the recorded status of a pipeline subject.
type LedgerStatus string

const (
	LedgerInProgress LedgerStatus = "in-progress"
	LedgerSuspended  LedgerStatus = "suspended"
	LedgerFailed     LedgerStatus = "failed"
	LedgerCompleted  LedgerStatus = "completed"
)

func ParseLedgerStatus(s string) (LedgerStatus, error) {
	switch LedgerStatus(strings.ToLower(strings.TrimSpace(s))) {
	case LedgerInProgress:
		return LedgerInProgress, nil
	case LedgerSuspended:
		return LedgerSuspended, nil
	case LedgerFailed:
		return LedgerFailed, nil
	case LedgerCompleted:
		return LedgerCompleted, nil
	}
	return "", fmt.Errorf("unknown ledger status: %q", s)
}
