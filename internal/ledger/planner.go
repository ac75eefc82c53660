package ledger

import (
	"log/slog"

	"github.com/fixpoint-labs/fixpoint-go/internal/domain"
)

type Decision string

const (
	DecisionStartFresh Decision = "start-fresh"
	DecisionResume     Decision = "resume"
	DecisionRefuse     Decision = "refuse"
)

// Plan is the resume planner's answer for one resume request.
type Plan struct {
	Decision Decision
	// Stage is set for DecisionResume.
	Stage domain.Stage
	// Reason is set for DecisionRefuse.
	Reason string
}

// PlanResume decides where a pipeline for the given entry continues from.
// record is nil when the subject has no ledger entry; ownerActive reports
// whether the record's owning run is still observable. It is a pure function
// apart from the corrupted-stage log line.
func PlanResume(logger *slog.Logger, record *Record, entry string, ownerActive bool) Plan {
	if record == nil {
		return Plan{Decision: DecisionStartFresh}
	}
	if record.Entry != entry {
		// Different pipeline identity: the stale record is overwritten on the
		// next transition.
		return Plan{Decision: DecisionStartFresh}
	}
	if ownerActive {
		return Plan{Decision: DecisionRefuse, Reason: "concurrent run in progress"}
	}
	if !record.Stage.Known() {
		if logger != nil {
			logger.Warn("ledger stage unrecognized, starting fresh",
				"subject", record.Subject,
				"stage", string(record.Stage),
			)
		}
		return Plan{Decision: DecisionStartFresh}
	}
	return Plan{Decision: DecisionResume, Stage: record.Stage}
}

// ShouldRun reports whether stage s executes under the plan. For a fresh
// start every stage runs; on resume, stages before the resume point are
// skipped.
func (p Plan) ShouldRun(s domain.Stage) bool {
	switch p.Decision {
	case DecisionStartFresh:
		return s.Known()
	case DecisionResume:
		return s.Known() && s.Index() >= p.Stage.Index()
	}
	return false
}
