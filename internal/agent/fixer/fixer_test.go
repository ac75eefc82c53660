package fixer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/fixpoint-labs/fixpoint-go/internal/agent"
	"github.com/fixpoint-labs/fixpoint-go/internal/domain"
	"github.com/fixpoint-labs/fixpoint-go/internal/scm"
	"github.com/fixpoint-labs/fixpoint-go/internal/sharedstate"
)

const subject = "acme/demo-app#main"

type fakeSCM struct {
	mu             sync.Mutex
	branches       []string
	ensuredPRs     []string
	prNumber       int
	checkState     scm.CheckState
	checkErr       error
	checkCalls     int
	mergeCalls     int
	mergeErr       error
	branchErr      error
	ensureFailures int
}

func (f *fakeSCM) CreateBranch(_ context.Context, _ string, branch string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.branchErr != nil {
		return f.branchErr
	}
	f.branches = append(f.branches, branch)
	return nil
}

func (f *fakeSCM) EnsurePullRequest(_ context.Context, _ string, head string, _ string, _ string, _ string) (*scm.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureFailures > 0 {
		f.ensureFailures--
		return nil, &scm.APIError{StatusCode: 502}
	}
	f.ensuredPRs = append(f.ensuredPRs, head)
	pr := &scm.PullRequest{Number: f.prNumber, State: "open"}
	pr.Head.Ref = head
	pr.Head.SHA = "sha-" + head
	return pr, nil
}

func (f *fakeSCM) CheckStatus(_ context.Context, _ string, _ string) (scm.CheckState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkCalls++
	if f.checkErr != nil {
		return "", f.checkErr
	}
	return f.checkState, nil
}

func (f *fakeSCM) Merge(_ context.Context, _ string, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mergeCalls++
	return f.mergeErr
}

type fakeCreator struct {
	mu      sync.Mutex
	created []domain.TaskRun
	err     error
}

func (f *fakeCreator) CreateTaskRun(_ context.Context, namespace string, run domain.TaskRun) (domain.TaskRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.TaskRun{}, f.err
	}
	run.Metadata.Namespace = namespace
	f.created = append(f.created, run)
	return run, nil
}

func testSettings(iteration int) *agent.Settings {
	s, err := agent.ParseSettings([]byte(`
repository: acme/demo-app
branch: main
namespace: fixpoint
entry: "7"
image: registry.local/agent:1
backend: claude
ciWaitDelay: 1ms
ciWaitLimit: 10ms
runName: placeholder
`))
	if err != nil {
		panic(err)
	}
	s.Iteration = iteration
	s.RunName = agent.FixerRunName(s.Subject, iteration)
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func seedReport(t *testing.T, state sharedstate.Store, iteration int, title string, diagnostics string) {
	t.Helper()
	err := state.PublishReport(context.Background(), sharedstate.FailureReport{
		Subject:     subject,
		Iteration:   iteration,
		RunID:       "run-2",
		Title:       title,
		Diagnostics: diagnostics,
	})
	if err != nil {
		t.Fatalf("seed report: %v", err)
	}
}

func newTestAgent(t *testing.T, cfg *agent.Settings, state sharedstate.Store, src SourceControl, kube TaskRunCreator) *Agent {
	t.Helper()
	a, err := New(testLogger(), cfg, state, src, kube)
	if err != nil {
		t.Fatalf("new agent: %v", err)
	}
	return a
}

func TestClassify(t *testing.T) {
	cases := []struct {
		title string
		diag  string
		want  FixClass
	}{
		{"formatting check failed", "gofmt -l found 3 files", FixFormatting},
		{"lint regression", "12 problems, 10 fixable with --fix", FixLintAutofix},
		{"build failed", "go.sum mismatch for module x", FixDependencyLock},
		{"segfault in worker", "signal SIGSEGV", FixNone},
	}
	for _, tc := range cases {
		got := Classify(&sharedstate.FailureReport{Title: tc.title, Diagnostics: tc.diag})
		if got != tc.want {
			t.Fatalf("%q: got %q want %q", tc.title, got, tc.want)
		}
	}
	if Classify(nil) != FixNone {
		t.Fatalf("nil report must classify to none")
	}
}

func TestBranchNameDeterministic(t *testing.T) {
	a := BranchName(subject, 2)
	b := BranchName(subject, 2)
	if a != b || a != "autofix/acme-demo-app-main/2" {
		t.Fatalf("got %q / %q", a, b)
	}
}

func TestFixerMergesAndHandsOff(t *testing.T) {
	ctx := context.Background()
	state := sharedstate.NewMemoryStore()
	seedReport(t, state, 1, "formatting check failed", "gofmt -l found files")
	src := &fakeSCM{prNumber: 7, checkState: scm.ChecksPassed}
	kube := &fakeCreator{}
	a := newTestAgent(t, testSettings(1), state, src, kube)

	outcome, err := a.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeMerged {
		t.Fatalf("expected Merged, got %q", outcome)
	}
	if src.mergeCalls != 1 {
		t.Fatalf("expected one merge, got %d", src.mergeCalls)
	}
	if len(src.branches) != 1 || src.branches[0] != BranchName(subject, 1) {
		t.Fatalf("branch not deterministic: %v", src.branches)
	}

	if len(kube.created) != 1 {
		t.Fatalf("handoff must create exactly one watcher, got %d", len(kube.created))
	}
	watcher := kube.created[0]
	if watcher.Spec.Kind != domain.RunKindMonitor || watcher.Spec.Role != agent.RoleWatcher {
		t.Fatalf("unexpected handoff resource %+v", watcher.Spec)
	}
	if watcher.Metadata.Name != agent.WatcherRunName(subject, 1) {
		t.Fatalf("watcher name not deterministic: %q", watcher.Metadata.Name)
	}

	marker, _ := state.ReadMarker(ctx, subject, agent.RoleFixer)
	if !marker.ValidFor(agent.FixerRunName(subject, 1), 1) {
		t.Fatalf("completion marker missing: %+v", marker)
	}
}

func TestFixerHandsOffOnEveryOutcome(t *testing.T) {
	cases := []struct {
		name  string
		setup func(state sharedstate.Store, src *fakeSCM)
		want  Outcome
	}{
		{
			name: "no report",
			setup: func(_ sharedstate.Store, _ *fakeSCM) {
			},
			want: OutcomeNoFixPossible,
		},
		{
			name: "unfixable failure",
			setup: func(state sharedstate.Store, _ *fakeSCM) {
				seedReport(t, state, 1, "segfault in worker", "signal SIGSEGV")
			},
			want: OutcomeNoFixPossible,
		},
		{
			name: "ci failed",
			setup: func(state sharedstate.Store, src *fakeSCM) {
				seedReport(t, state, 1, "formatting check failed", "gofmt")
				src.checkState = scm.ChecksFailed
			},
			want: OutcomeCIFailed,
		},
		{
			name: "ci timeout",
			setup: func(state sharedstate.Store, src *fakeSCM) {
				seedReport(t, state, 1, "formatting check failed", "gofmt")
				src.checkState = scm.ChecksPending
			},
			want: OutcomeCIFailed,
		},
		{
			name: "branch creation failed",
			setup: func(state sharedstate.Store, src *fakeSCM) {
				seedReport(t, state, 1, "formatting check failed", "gofmt")
				src.branchErr = scm.ErrUnauthorized
			},
			want: OutcomeSCMFailed,
		},
		{
			name: "merge failed",
			setup: func(state sharedstate.Store, src *fakeSCM) {
				seedReport(t, state, 1, "formatting check failed", "gofmt")
				src.checkState = scm.ChecksPassed
				src.mergeErr = scm.ErrNotMergeable
			},
			want: OutcomeSCMFailed,
		},
		{
			name: "stale report",
			setup: func(state sharedstate.Store, _ *fakeSCM) {
				seedReport(t, state, 99, "formatting check failed", "gofmt")
			},
			want: OutcomeNoFixPossible,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			state := sharedstate.NewMemoryStore()
			src := &fakeSCM{prNumber: 7, checkState: scm.ChecksPassed}
			tc.setup(state, src)
			kube := &fakeCreator{}
			a := newTestAgent(t, testSettings(1), state, src, kube)

			outcome, err := a.Run(context.Background())
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if outcome != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, outcome)
			}
			if len(kube.created) != 1 {
				t.Fatalf("every terminal sub-state must hand off exactly once, got %d", len(kube.created))
			}
			if kube.created[0].Spec.Role != agent.RoleWatcher {
				t.Fatalf("handoff must create a watcher, got %+v", kube.created[0].Spec)
			}
		})
	}
}

func TestFixerStopsPollingRejectedCheckQuery(t *testing.T) {
	state := sharedstate.NewMemoryStore()
	seedReport(t, state, 1, "formatting check failed", "gofmt")
	// The wait window would allow many polls; a 404 must end it on the first.
	src := &fakeSCM{prNumber: 7, checkErr: scm.ErrRefNotFound}
	kube := &fakeCreator{}
	a := newTestAgent(t, testSettings(1), state, src, kube)

	outcome, err := a.Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeCIFailed {
		t.Fatalf("expected CI-Failed, got %q", outcome)
	}
	if src.checkCalls != 1 {
		t.Fatalf("a rejected check query must not be re-polled, calls = %d", src.checkCalls)
	}
	if src.mergeCalls != 0 {
		t.Fatalf("nothing may be merged without a passing check state")
	}
	if len(kube.created) != 1 {
		t.Fatalf("handoff must still happen, got %d", len(kube.created))
	}
}

func TestFixerNoMergeWhenChecksFail(t *testing.T) {
	state := sharedstate.NewMemoryStore()
	seedReport(t, state, 1, "formatting check failed", "gofmt")
	src := &fakeSCM{prNumber: 7, checkState: scm.ChecksFailed}
	a := newTestAgent(t, testSettings(1), state, src, &fakeCreator{})

	if _, err := a.Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if src.mergeCalls != 0 {
		t.Fatalf("failed checks must never be merged")
	}
}

func TestFixerHandoffErrorIsFatal(t *testing.T) {
	state := sharedstate.NewMemoryStore()
	src := &fakeSCM{prNumber: 7}
	kube := &fakeCreator{err: errors.New("apiserver down")}
	a := newTestAgent(t, testSettings(1), state, src, kube)

	if _, err := a.Run(context.Background()); err == nil {
		t.Fatalf("a failed handoff must surface as an error")
	}
	marker, _ := state.ReadMarker(context.Background(), subject, agent.RoleFixer)
	if marker != nil {
		t.Fatalf("no completion marker without a completed handoff")
	}
}

func TestFixerValidMarkerShortCircuits(t *testing.T) {
	ctx := context.Background()
	state := sharedstate.NewMemoryStore()
	cfg := testSettings(1)
	if err := state.WriteMarker(ctx, subject, sharedstate.Marker{
		Role: agent.RoleFixer, RunName: cfg.RunName, Iteration: 1,
	}); err != nil {
		t.Fatalf("seed marker: %v", err)
	}
	src := &fakeSCM{}
	kube := &fakeCreator{}
	a := newTestAgent(t, cfg, state, src, kube)

	outcome, err := a.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if outcome != OutcomeAlreadyDone {
		t.Fatalf("expected Already-Done, got %q", outcome)
	}
	if len(kube.created) != 0 {
		t.Fatalf("completed fixer must not hand off again")
	}
}
