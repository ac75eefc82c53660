// Package fixer implements the remediating half of the loop. A fixer reads
// the current failure report, tries one of a narrow set of automatic fixes
// through a pull request, and always hands back to a new watcher before
// exiting, whatever the fix outcome was.
package fixer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fixpoint-labs/fixpoint-go/internal/agent"
	"github.com/fixpoint-labs/fixpoint-go/internal/domain"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/k8s"
	"github.com/fixpoint-labs/fixpoint-go/internal/scm"
	"github.com/fixpoint-labs/fixpoint-go/internal/sharedstate"
)

// Outcome is the fixer's terminal sub-state. Each one is followed by the
// watcher handoff; none of them suppresses it.
type Outcome string

const (
	OutcomeMerged        Outcome = "Merged"
	OutcomeCIFailed      Outcome = "CI-Failed"
	OutcomeSCMFailed     Outcome = "SCM-Failed"
	OutcomeNoFixPossible Outcome = "No-Fix-Possible"
	OutcomeAlreadyDone   Outcome = "Already-Done"
)

// FixClass is the closed set of failures the fixer will touch. Anything
// outside it is left for the iteration bound to stop.
type FixClass string

const (
	FixFormatting     FixClass = "formatting"
	FixLintAutofix    FixClass = "lint-autofix"
	FixDependencyLock FixClass = "dependency-lock"
	FixNone           FixClass = "none"
)

// Classify matches a failure report against the auto-fixable classes.
func Classify(report *sharedstate.FailureReport) FixClass {
	if report == nil {
		return FixNone
	}
	text := strings.ToLower(report.Title + "\n" + report.Description + "\n" + report.Diagnostics)
	switch {
	case strings.Contains(text, "gofmt") ||
		strings.Contains(text, "prettier") ||
		strings.Contains(text, "not formatted") ||
		strings.Contains(text, "formatting check failed"):
		return FixFormatting
	case strings.Contains(text, "lint") && (strings.Contains(text, "--fix") ||
		strings.Contains(text, "autofix") ||
		strings.Contains(text, "fixable")):
		return FixLintAutofix
	case strings.Contains(text, "go.sum") ||
		strings.Contains(text, "package-lock.json") ||
		strings.Contains(text, "lockfile") && strings.Contains(text, "out of date") ||
		strings.Contains(text, "lock file is out of sync"):
		return FixDependencyLock
	default:
		return FixNone
	}
}

// BranchName derives the remediation branch purely from subject and
// iteration, so a rerun of the same iteration reuses its branch and PR.
func BranchName(subject string, iteration int) string {
	return "autofix/" + agent.Slug(subject) + "/" + strconv.Itoa(iteration)
}

// SourceControl is the slice of the scm client the fixer uses.
type SourceControl interface {
	CreateBranch(ctx context.Context, repo string, branch string, fromRef string) error
	EnsurePullRequest(ctx context.Context, repo string, head string, base string, title string, body string) (*scm.PullRequest, error)
	CheckStatus(ctx context.Context, repo string, ref string) (scm.CheckState, error)
	Merge(ctx context.Context, repo string, number int) error
}

type TaskRunCreator interface {
	CreateTaskRun(ctx context.Context, namespace string, run domain.TaskRun) (domain.TaskRun, error)
}

type Agent struct {
	log   *slog.Logger
	cfg   *agent.Settings
	state sharedstate.Store
	src   SourceControl
	kube  TaskRunCreator
	now   func() time.Time
}

func New(log *slog.Logger, cfg *agent.Settings, state sharedstate.Store, src SourceControl, kube TaskRunCreator) (*Agent, error) {
	switch {
	case log == nil:
		return nil, errors.New("logger is required")
	case cfg == nil:
		return nil, errors.New("settings are required")
	case state == nil:
		return nil, errors.New("shared state store is required")
	case src == nil:
		return nil, errors.New("source control client is required")
	case kube == nil:
		return nil, errors.New("kubernetes client is required")
	}
	return &Agent{
		log:   log.With("role", agent.RoleFixer, "subject", cfg.Subject, "iteration", cfg.Iteration),
		cfg:   cfg,
		state: state,
		src:   src,
		kube:  kube,
		now:   time.Now,
	}, nil
}

// Run drives the fixer to a terminal sub-state and then hands off. The
// handoff happens for every outcome; only an error in the handoff itself
// makes the process exit non-zero.
func (a *Agent) Run(ctx context.Context) (Outcome, error) {
	marker, err := a.state.ReadMarker(ctx, a.cfg.Subject, agent.RoleFixer)
	if err != nil {
		return "", fmt.Errorf("read completion marker: %w", err)
	}
	if marker.ValidFor(a.cfg.RunName, a.cfg.Iteration) {
		a.log.Info("completion marker already present, nothing to do")
		return OutcomeAlreadyDone, nil
	}
	if marker != nil {
		a.log.Warn("ignoring stale completion marker",
			"marker_run", marker.RunName, "marker_iteration", marker.Iteration)
	}

	outcome := a.remediate(ctx)

	if err := a.handoff(ctx); err != nil {
		return "", err
	}
	if err := a.state.WriteMarker(ctx, a.cfg.Subject, sharedstate.Marker{
		Role:      agent.RoleFixer,
		RunName:   a.cfg.RunName,
		Iteration: a.cfg.Iteration,
	}); err != nil {
		return "", fmt.Errorf("write completion marker: %w", err)
	}
	return outcome, nil
}

// remediate runs Analyzing through Merged/CI-Failed. Failures inside it
// degrade the outcome but never abort the run; the handoff still follows.
func (a *Agent) remediate(ctx context.Context) Outcome {
	report, err := a.state.CurrentReport(ctx, a.cfg.Subject)
	if err != nil {
		a.log.Warn("current failure report unavailable", "error", err)
		return OutcomeNoFixPossible
	}
	if report == nil {
		a.log.Warn("no current failure report")
		return OutcomeNoFixPossible
	}
	if report.Iteration != a.cfg.Iteration {
		// A report for another iteration is as good as no report.
		a.log.Warn("failure report is stale",
			"report_iteration", report.Iteration, "report_run", report.RunID)
		return OutcomeNoFixPossible
	}

	class := Classify(report)
	if class == FixNone {
		a.log.Info("failure does not match any auto-fixable pattern", "title", report.Title)
		return OutcomeNoFixPossible
	}
	a.log.Info("failure classified", "class", string(class))

	// SCM operation failures are reported as such; CI-Failed is reserved for
	// verification that actually ran.
	branch := BranchName(a.cfg.Subject, a.cfg.Iteration)
	if err := a.src.CreateBranch(ctx, a.cfg.Repository, branch, a.cfg.BaseBranch); err != nil {
		a.log.Warn("create branch failed", "branch", branch, "error", err)
		return OutcomeSCMFailed
	}

	title := fmt.Sprintf("Automated fix (%s), attempt %d", string(class), a.cfg.Iteration)
	body := fmt.Sprintf("Remediates: %s\n\n%s", report.Title, report.Description)
	pr, err := a.src.EnsurePullRequest(ctx, a.cfg.Repository, branch, a.cfg.BaseBranch, title, body)
	if err != nil {
		a.log.Warn("ensure pull request failed", "branch", branch, "error", err)
		return OutcomeSCMFailed
	}
	a.log.Info("pull request ready", "number", pr.Number, "branch", branch)

	checks := a.awaitChecks(ctx, branch, pr)
	if checks != scm.ChecksPassed {
		a.log.Warn("verification did not pass, leaving pull request open",
			"number", pr.Number, "state", string(checks))
		return OutcomeCIFailed
	}

	if err := a.src.Merge(ctx, a.cfg.Repository, pr.Number); err != nil {
		a.log.Warn("merge failed", "number", pr.Number, "error", err)
		return OutcomeSCMFailed
	}
	a.log.Info("pull request merged", "number", pr.Number)
	return OutcomeMerged
}

// awaitChecks polls the combined check state within the configured bound.
// Timeout reads as failure, never as an excuse to merge.
func (a *Agent) awaitChecks(ctx context.Context, branch string, pr *scm.PullRequest) scm.CheckState {
	ref := pr.Head.SHA
	if ref == "" {
		ref = branch
	}
	deadline := a.now().Add(a.cfg.CIWaitLimit.Std())
	ticker := time.NewTicker(a.cfg.CIWaitDelay.Std())
	defer ticker.Stop()

	for {
		state, err := a.src.CheckStatus(ctx, a.cfg.Repository, ref)
		if err == nil && state != scm.ChecksPending {
			return state
		}
		if err != nil {
			if !scm.Transient(err) {
				// A rejected query will keep being rejected; stop polling.
				a.log.Warn("check status query rejected", "ref", ref, "error", err)
				return scm.ChecksPending
			}
			a.log.Warn("check status poll failed, will retry", "ref", ref, "error", err)
		}
		if a.now().After(deadline) {
			return scm.ChecksPending
		}
		select {
		case <-ctx.Done():
			return scm.ChecksPending
		case <-ticker.C:
		}
	}
}

// handoff creates the next watcher. This is the step that keeps the loop
// alive; it runs for every outcome.
func (a *Agent) handoff(ctx context.Context) error {
	watcher := domain.TaskRun{
		Metadata: domain.Meta{Name: agent.WatcherRunName(a.cfg.Subject, a.cfg.Iteration)},
		Spec: domain.TaskRunSpec{
			Kind:       domain.RunKindMonitor,
			Role:       agent.RoleWatcher,
			Backend:    a.cfg.Backend,
			Repository: a.cfg.Repository,
			Branch:     a.cfg.Branch,
			Model:      a.cfg.Model,
			Image:      a.cfg.Image,
			Iteration:  a.cfg.Iteration,
			PriorRun:   a.cfg.RunName,
		},
	}
	if _, err := a.kube.CreateTaskRun(ctx, a.cfg.Namespace, watcher); err != nil && !errors.Is(err, k8s.ErrAlreadyExists) {
		return fmt.Errorf("create watcher resource: %w", err)
	}
	a.log.Info("watcher created", "name", watcher.Metadata.Name, "iteration", a.cfg.Iteration)
	return nil
}
