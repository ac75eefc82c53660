// Package watcher implements the observing half of the remediation loop. A
// watcher attaches to one pipeline run, polls it to a terminal state, and on
// failure hands a report to a fixer before exiting. It never waits for the
// fixer in process; the loop continues through resource creation alone.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fixpoint-labs/fixpoint-go/internal/agent"
	"github.com/fixpoint-labs/fixpoint-go/internal/domain"
	"github.com/fixpoint-labs/fixpoint-go/internal/ledger"
	"github.com/fixpoint-labs/fixpoint-go/internal/pipeline"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/k8s"
	"github.com/fixpoint-labs/fixpoint-go/internal/sharedstate"
)

// Outcome is the watcher's terminal state. Every value maps to exit code 0;
// internal errors are returned separately.
type Outcome string

const (
	OutcomeSucceeded            Outcome = "Succeeded"
	OutcomeRemediationTriggered Outcome = "Triggering-Remediation"
	OutcomeBlocked              Outcome = "Blocked"
	OutcomeRefused              Outcome = "Refused"
	OutcomeAlreadyDone          Outcome = "Already-Done"
)

// TaskRunCreator is the slice of the Kubernetes client the watcher needs.
type TaskRunCreator interface {
	CreateTaskRun(ctx context.Context, namespace string, run domain.TaskRun) (domain.TaskRun, error)
}

type Agent struct {
	log    *slog.Logger
	cfg    *agent.Settings
	engine pipeline.Engine
	state  sharedstate.Store
	ledger ledger.Store
	kube   TaskRunCreator
	now    func() time.Time
}

func New(log *slog.Logger, cfg *agent.Settings, engine pipeline.Engine, state sharedstate.Store, ledgerStore ledger.Store, kube TaskRunCreator) (*Agent, error) {
	switch {
	case log == nil:
		return nil, errors.New("logger is required")
	case cfg == nil:
		return nil, errors.New("settings are required")
	case engine == nil:
		return nil, errors.New("pipeline engine is required")
	case state == nil:
		return nil, errors.New("shared state store is required")
	case ledgerStore == nil:
		return nil, errors.New("ledger store is required")
	case kube == nil:
		return nil, errors.New("kubernetes client is required")
	}
	return &Agent{
		log:    log.With("role", agent.RoleWatcher, "subject", cfg.Subject, "iteration", cfg.Iteration),
		cfg:    cfg,
		engine: engine,
		state:  state,
		ledger: ledgerStore,
		kube:   kube,
		now:    time.Now,
	}, nil
}

// Run drives the watcher to one of its terminal outcomes. It always
// terminates: polling is deadline-bounded and the handoff is asynchronous.
func (a *Agent) Run(ctx context.Context) (Outcome, error) {
	marker, err := a.state.ReadMarker(ctx, a.cfg.Subject, agent.RoleWatcher)
	if err != nil {
		return "", fmt.Errorf("read completion marker: %w", err)
	}
	if marker.ValidFor(a.cfg.RunName, a.cfg.Iteration) {
		a.log.Info("completion marker already present, nothing to do")
		return OutcomeAlreadyDone, nil
	}
	if marker != nil {
		// A marker from another run or iteration is leftover state, not
		// completed work.
		a.log.Warn("ignoring stale completion marker",
			"marker_run", marker.RunName, "marker_iteration", marker.Iteration)
	}

	runID, startStage, outcome, err := a.start(ctx)
	if err != nil || outcome != "" {
		return outcome, err
	}

	status, err := a.watch(ctx, runID)
	if err != nil {
		return "", err
	}

	if status.State == pipeline.RunSucceeded {
		return a.succeed(ctx, runID)
	}
	return a.triggerRemediation(ctx, runID, startStage, status)
}

// start locates or submits the pipeline run and writes the opening ledger
// transition. A non-empty outcome short-circuits the run.
func (a *Agent) start(ctx context.Context) (string, domain.Stage, Outcome, error) {
	if err := a.state.WriteStatus(ctx, sharedstate.Status{
		Subject:   a.cfg.Subject,
		State:     sharedstate.StateWatching,
		Iteration: a.cfg.Iteration,
	}); err != nil {
		return "", "", "", fmt.Errorf("write status: %w", err)
	}

	record, found, err := a.ledger.Get(ctx, a.cfg.Subject)
	if err != nil {
		return "", "", "", fmt.Errorf("read ledger: %w", err)
	}
	var recordPtr *ledger.Record
	ownerActive := false
	if found {
		recordPtr = &record
		// A pin naming the recorded owner is an attach, not a competing start.
		ownerActive = a.ownerActive(ctx, record.OwnerRunID) && record.OwnerRunID != a.cfg.PipelineRef
	}

	plan := ledger.PlanResume(a.log, recordPtr, a.cfg.Entry, ownerActive)
	if plan.Decision == ledger.DecisionRefuse {
		a.log.Warn("resume refused", "reason", plan.Reason)
		return "", "", OutcomeRefused, nil
	}

	startStage := domain.Stages()[0]
	if plan.Decision == ledger.DecisionResume {
		startStage = plan.Stage
	}
	for _, stage := range domain.Stages() {
		if !plan.ShouldRun(stage) {
			a.log.Info("stage already completed, skipping", "stage", string(stage))
		}
	}

	if a.cfg.PipelineRef != "" {
		a.log.Info("attaching to pinned pipeline run", "run_id", a.cfg.PipelineRef, "resume_stage", string(startStage))
		if _, err := a.ledger.Apply(ctx, ledger.Transition{
			Subject:    a.cfg.Subject,
			Entry:      a.cfg.Entry,
			Stage:      startStage,
			OwnerRunID: a.cfg.PipelineRef,
			Status:     domain.LedgerInProgress,
		}); err != nil {
			return "", "", "", fmt.Errorf("record ledger transition: %w", err)
		}
		return a.cfg.PipelineRef, startStage, "", nil
	}

	// An externally started run that is still going gets watched, not raced.
	if latest, err := a.engine.LatestRun(ctx, a.cfg.Subject); err == nil && latest != nil && !latest.State.Terminal() {
		a.log.Info("attaching to running pipeline", "run_id", latest.ID)
		if _, err := a.ledger.Apply(ctx, ledger.Transition{
			Subject:    a.cfg.Subject,
			Entry:      a.cfg.Entry,
			Stage:      startStage,
			OwnerRunID: latest.ID,
			Status:     domain.LedgerInProgress,
		}); err != nil {
			return "", "", "", fmt.Errorf("record ledger transition: %w", err)
		}
		return latest.ID, startStage, "", nil
	}

	runID, err := a.engine.Submit(ctx, pipeline.SubmitRequest{
		Template: a.cfg.PipelineTemplate,
		Subject:  a.cfg.Subject,
		Parameters: map[string]string{
			"entry":       a.cfg.Entry,
			"branch":      a.cfg.Branch,
			"resumeStage": string(startStage),
		},
	})
	if err != nil {
		return "", "", "", fmt.Errorf("submit pipeline run: %w", err)
	}
	a.log.Info("pipeline run submitted", "run_id", runID, "resume_stage", string(startStage))

	// Recorded before watching begins so an interruption resumes into the
	// same stage instead of skipping it.
	if _, err := a.ledger.Apply(ctx, ledger.Transition{
		Subject:    a.cfg.Subject,
		Entry:      a.cfg.Entry,
		Stage:      startStage,
		OwnerRunID: runID,
		Status:     domain.LedgerInProgress,
	}); err != nil {
		return "", "", "", fmt.Errorf("record ledger transition: %w", err)
	}
	return runID, startStage, "", nil
}

func (a *Agent) ownerActive(ctx context.Context, ownerRunID string) bool {
	if ownerRunID == "" {
		return false
	}
	status, err := a.engine.Status(ctx, ownerRunID)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunNotFound) {
			return false
		}
		// When the engine cannot answer, assume active: refusing a resume is
		// recoverable, double execution is not.
		a.log.Warn("owner run status unavailable, assuming active", "run_id", ownerRunID, "error", err)
		return true
	}
	return !status.State.Terminal()
}

// watch polls the run to a terminal state within the configured deadline.
func (a *Agent) watch(ctx context.Context, runID string) (*pipeline.RunStatus, error) {
	deadline := a.now().Add(a.cfg.PollDeadline.Std())
	ticker := time.NewTicker(a.cfg.PollInterval.Std())
	defer ticker.Stop()

	for {
		status, err := a.engine.Status(ctx, runID)
		if err != nil && !pipeline.Transient(err) {
			return nil, fmt.Errorf("poll run %s: %w", runID, err)
		}
		if err == nil && status.State.Terminal() {
			return status, nil
		}
		if err != nil {
			a.log.Warn("poll failed, will retry", "run_id", runID, "error", err)
		}

		if a.now().After(deadline) {
			return nil, fmt.Errorf("run %s did not reach a terminal state within %s", runID, a.cfg.PollDeadline.Std())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *Agent) succeed(ctx context.Context, runID string) (Outcome, error) {
	stages := domain.Stages()
	if _, err := a.ledger.Apply(ctx, ledger.Transition{
		Subject:    a.cfg.Subject,
		Entry:      a.cfg.Entry,
		Stage:      stages[len(stages)-1],
		OwnerRunID: runID,
		Status:     domain.LedgerCompleted,
	}); err != nil {
		return "", fmt.Errorf("record completion: %w", err)
	}
	if err := a.state.WriteStatus(ctx, sharedstate.Status{
		Subject:   a.cfg.Subject,
		State:     sharedstate.StateSucceeded,
		Iteration: a.cfg.Iteration,
	}); err != nil {
		return "", fmt.Errorf("write status: %w", err)
	}
	if err := a.writeMarker(ctx); err != nil {
		return "", err
	}
	a.log.Info("pipeline succeeded", "run_id", runID)
	return OutcomeSucceeded, nil
}

// triggerRemediation writes the failure report and creates the next fixer,
// unless the iteration bound is exhausted.
func (a *Agent) triggerRemediation(ctx context.Context, runID string, startStage domain.Stage, status *pipeline.RunStatus) (Outcome, error) {
	failedStage := startStage
	if record, found, err := a.ledger.Get(ctx, a.cfg.Subject); err == nil && found && record.Entry == a.cfg.Entry {
		failedStage = record.Stage
	}

	next := a.cfg.Iteration + 1
	if next > a.cfg.IterationBound {
		a.log.Error("iteration bound exhausted, loop blocked",
			"bound", a.cfg.IterationBound, "attempted_iteration", next)
		if _, err := a.ledger.Apply(ctx, ledger.Transition{
			Subject:    a.cfg.Subject,
			Entry:      a.cfg.Entry,
			Stage:      failedStage,
			OwnerRunID: runID,
			Status:     domain.LedgerFailed,
		}); err != nil {
			return "", fmt.Errorf("record blocked state: %w", err)
		}
		if err := a.state.WriteStatus(ctx, sharedstate.Status{
			Subject:   a.cfg.Subject,
			State:     sharedstate.StateBlocked,
			Iteration: a.cfg.Iteration,
			Detail:    fmt.Sprintf("%s after %d remediation attempts", string(domain.ReasonIterationBoundExceeded), a.cfg.IterationBound),
		}); err != nil {
			return "", fmt.Errorf("write status: %w", err)
		}
		if err := a.writeMarker(ctx); err != nil {
			return "", err
		}
		return OutcomeBlocked, nil
	}

	diagnostics := ""
	if logs, err := a.engine.Logs(ctx, runID); err == nil {
		diagnostics = sharedstate.FilterErrorLines(logs, 50)
	} else {
		a.log.Warn("run logs unavailable", "run_id", runID, "error", err)
	}

	if err := a.state.PublishReport(ctx, sharedstate.FailureReport{
		Subject:     a.cfg.Subject,
		Iteration:   next,
		RunID:       runID,
		Title:       fmt.Sprintf("pipeline failed at stage %s", string(failedStage)),
		Description: status.Message,
		Diagnostics: diagnostics,
	}); err != nil {
		return "", fmt.Errorf("publish failure report: %w", err)
	}

	fixer := domain.TaskRun{
		Metadata: domain.Meta{Name: agent.FixerRunName(a.cfg.Subject, next)},
		Spec: domain.TaskRunSpec{
			Kind:       domain.RunKindRemediation,
			Role:       agent.RoleFixer,
			Backend:    a.cfg.Backend,
			Repository: a.cfg.Repository,
			Branch:     a.cfg.Branch,
			Model:      a.cfg.Model,
			Image:      a.cfg.Image,
			Iteration:  next,
			PriorRun:   a.cfg.RunName,
		},
	}
	if _, err := a.kube.CreateTaskRun(ctx, a.cfg.Namespace, fixer); err != nil && !errors.Is(err, k8s.ErrAlreadyExists) {
		return "", fmt.Errorf("create fixer resource: %w", err)
	}
	a.log.Info("fixer created", "name", fixer.Metadata.Name, "iteration", next)

	if _, err := a.ledger.Apply(ctx, ledger.Transition{
		Subject:    a.cfg.Subject,
		Entry:      a.cfg.Entry,
		Stage:      failedStage,
		OwnerRunID: runID,
		Status:     domain.LedgerSuspended,
	}); err != nil {
		return "", fmt.Errorf("record suspension: %w", err)
	}
	if err := a.state.WriteStatus(ctx, sharedstate.Status{
		Subject:   a.cfg.Subject,
		State:     sharedstate.StateRemediating,
		Iteration: next,
		Detail:    "fixer " + fixer.Metadata.Name + " created",
	}); err != nil {
		return "", fmt.Errorf("write status: %w", err)
	}
	if err := a.writeMarker(ctx); err != nil {
		return "", err
	}
	return OutcomeRemediationTriggered, nil
}

func (a *Agent) writeMarker(ctx context.Context) error {
	err := a.state.WriteMarker(ctx, a.cfg.Subject, sharedstate.Marker{
		Role:      agent.RoleWatcher,
		RunName:   a.cfg.RunName,
		Iteration: a.cfg.Iteration,
	})
	if err != nil {
		return fmt.Errorf("write completion marker: %w", err)
	}
	return nil
}
