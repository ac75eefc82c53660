package reconciler

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fixpoint-labs/fixpoint-go/internal/domain"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/k8s"
	"github.com/fixpoint-labs/fixpoint-go/internal/templates"
)

type fakeKube struct {
	mu         sync.Mutex
	jobs       map[string]k8s.Job
	configMaps map[string]k8s.ConfigMap
	secrets    map[string]k8s.Secret
	taskRuns   map[string]domain.TaskRun

	createJobCalls    int
	patchJobCalls     int
	deleteJobCalls    int
	statusWrites      int
	patchedFinalizers [][]string

	secretErr error
}

func newFakeKube() *fakeKube {
	return &fakeKube{
		jobs:       make(map[string]k8s.Job),
		configMaps: make(map[string]k8s.ConfigMap),
		secrets:    make(map[string]k8s.Secret),
		taskRuns:   make(map[string]domain.TaskRun),
	}
}

func key(namespace, name string) string { return namespace + "/" + name }

func (f *fakeKube) GetJob(_ context.Context, namespace, name string) (k8s.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[key(namespace, name)]
	if !ok {
		return k8s.Job{}, k8s.ErrNotFound
	}
	return job, nil
}

func (f *fakeKube) CreateJob(_ context.Context, namespace string, job k8s.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createJobCalls++
	k := key(namespace, job.Metadata.Name)
	if _, ok := f.jobs[k]; ok {
		return k8s.ErrAlreadyExists
	}
	f.jobs[k] = job
	return nil
}

func (f *fakeKube) PatchJob(_ context.Context, namespace, name string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patchJobCalls++
	if _, ok := f.jobs[key(namespace, name)]; !ok {
		return k8s.ErrNotFound
	}
	return nil
}

func (f *fakeKube) DeleteJob(_ context.Context, namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteJobCalls++
	k := key(namespace, name)
	if _, ok := f.jobs[k]; !ok {
		return k8s.ErrNotFound
	}
	delete(f.jobs, k)
	return nil
}

func (f *fakeKube) CreateConfigMap(_ context.Context, namespace string, cm k8s.ConfigMap) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(namespace, cm.Metadata.Name)
	if _, ok := f.configMaps[k]; ok {
		return k8s.ErrAlreadyExists
	}
	f.configMaps[k] = cm
	return nil
}

func (f *fakeKube) DeleteConfigMap(_ context.Context, namespace, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(namespace, name)
	if _, ok := f.configMaps[k]; !ok {
		return k8s.ErrNotFound
	}
	delete(f.configMaps, k)
	return nil
}

func (f *fakeKube) GetSecret(_ context.Context, namespace, name string) (k8s.Secret, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.secretErr != nil {
		return k8s.Secret{}, f.secretErr
	}
	s, ok := f.secrets[key(namespace, name)]
	if !ok {
		return k8s.Secret{}, k8s.ErrNotFound
	}
	return s, nil
}

func (f *fakeKube) GetTaskRun(_ context.Context, namespace, name string) (domain.TaskRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.taskRuns[key(namespace, name)]
	if !ok {
		return domain.TaskRun{}, k8s.ErrNotFound
	}
	return run, nil
}

func (f *fakeKube) ListTaskRuns(_ context.Context, _ string, _ string) ([]domain.TaskRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.TaskRun, 0, len(f.taskRuns))
	for _, run := range f.taskRuns {
		out = append(out, run)
	}
	return out, nil
}

func (f *fakeKube) UpdateTaskRunStatus(_ context.Context, run domain.TaskRun) (domain.TaskRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusWrites++
	k := key(run.Metadata.Namespace, run.Metadata.Name)
	stored, ok := f.taskRuns[k]
	if !ok {
		return domain.TaskRun{}, k8s.ErrNotFound
	}
	stored.Status = run.Status
	f.taskRuns[k] = stored
	return stored, nil
}

func (f *fakeKube) PatchTaskRunFinalizers(_ context.Context, namespace, name string, finalizers []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	k := key(namespace, name)
	run, ok := f.taskRuns[k]
	if !ok {
		return k8s.ErrNotFound
	}
	run.Metadata.Finalizers = finalizers
	f.taskRuns[k] = run
	f.patchedFinalizers = append(f.patchedFinalizers, finalizers)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func fullStore() templates.MapStore {
	level := map[string][]byte{
		"container.sh":  []byte("#!/bin/sh\n"),
		"agent.md":      []byte("instructions"),
		"settings.json": []byte("{}"),
		"mcp.json":      []byte("{}"),
	}
	return templates.MapStore{"shared/generic": level}
}

func testRun() domain.TaskRun {
	return domain.TaskRun{
		Metadata: domain.Meta{
			Name:       "watch-demo-1",
			Namespace:  "fixpoint",
			UID:        "uid-1",
			Generation: 1,
			Finalizers: []string{domain.FinalizerName},
		},
		Spec: domain.TaskRunSpec{
			Kind:       domain.RunKindMonitor,
			Role:       "watcher",
			Backend:    "claude",
			Repository: "acme/demo-app",
			Branch:     "main",
			Image:      "registry.local/agent:1",
			Iteration:  1,
		},
	}
}

func newTestReconciler(t *testing.T, kube KubeClient, store templates.Store, cfg Config) *Reconciler {
	t.Helper()
	if cfg.Namespace == "" {
		cfg.Namespace = "fixpoint"
	}
	rec, err := New(testLogger(), kube, store, cfg)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return rec
}

func storeRun(kube *fakeKube, run domain.TaskRun) {
	kube.taskRuns[key(run.Metadata.Namespace, run.Metadata.Name)] = run
}

func TestReconcileCreatesUnit(t *testing.T) {
	kube := newFakeKube()
	run := testRun()
	storeRun(kube, run)
	kube.secrets["fixpoint/fixpoint-credentials-watcher"] = k8s.Secret{
		Data: map[string][]byte{"GITHUB_TOKEN": []byte("x")},
	}
	rec := newTestReconciler(t, kube, fullStore(), Config{})

	if _, err := rec.Reconcile(context.Background(), run); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	job, ok := kube.jobs["fixpoint/unit-watch-demo-1"]
	if !ok {
		t.Fatalf("expected unit to be created")
	}
	if job.Spec.Template.Spec.RestartPolicy != "Never" {
		t.Fatalf("restart policy must be Never, got %q", job.Spec.Template.Spec.RestartPolicy)
	}
	if len(job.Metadata.OwnerReferences) != 1 || job.Metadata.OwnerReferences[0].UID != "uid-1" {
		t.Fatalf("unit must be owned by its taskrun, got %+v", job.Metadata.OwnerReferences)
	}
	if job.Spec.ActiveDeadlineSeconds == nil || *job.Spec.ActiveDeadlineSeconds <= 0 {
		t.Fatalf("unit must carry a hard wall-clock deadline")
	}
	if _, ok := kube.configMaps["fixpoint/fragments-watch-demo-1"]; !ok {
		t.Fatalf("resolved fragments must be materialized")
	}

	got := kube.taskRuns["fixpoint/watch-demo-1"]
	if got.Status.Phase != domain.PhaseRunning {
		t.Fatalf("expected Running, got %q", got.Status.Phase)
	}
	if got.Status.UnitName != "unit-watch-demo-1" {
		t.Fatalf("status must reference the unit, got %q", got.Status.UnitName)
	}
	if got.Status.ObservedGeneration != 1 {
		t.Fatalf("observed generation not recorded: %+v", got.Status)
	}

	// The settings fragment is shared per role+backend; the unit environment
	// is what carries this run's identity into the agent.
	identity := map[string]string{}
	for _, env := range job.Spec.Template.Spec.Containers[0].Env {
		if strings.HasPrefix(env.Name, "FIXPOINT_") {
			identity[env.Name] = env.Value
		}
	}
	if identity["FIXPOINT_RUN_NAME"] != "watch-demo-1" ||
		identity["FIXPOINT_SUBJECT"] != "acme/demo-app#main" ||
		identity["FIXPOINT_ITERATION"] != "1" ||
		identity["FIXPOINT_ROLE"] != "watcher" {
		t.Fatalf("unit must carry the run identity in its environment, got %v", identity)
	}

	hasCredEnv := false
	for _, env := range job.Spec.Template.Spec.Containers[0].Env {
		if env.Value != "" && strings.Contains(env.Value, "x") {
			t.Fatalf("credential value leaked into env: %+v", env)
		}
		if env.ValueFrom != nil && env.ValueFrom.SecretKeyRef != nil && env.ValueFrom.SecretKeyRef.Key == "GITHUB_TOKEN" {
			hasCredEnv = true
		}
	}
	if !hasCredEnv {
		t.Fatalf("credential must be injected as a secret key reference")
	}
}

func TestReconcileIdempotent(t *testing.T) {
	kube := newFakeKube()
	run := testRun()
	storeRun(kube, run)
	kube.secrets["fixpoint/fixpoint-credentials-watcher"] = k8s.Secret{Data: map[string][]byte{"t": []byte("x")}}
	rec := newTestReconciler(t, kube, fullStore(), Config{})

	if _, err := rec.Reconcile(context.Background(), run); err != nil {
		t.Fatalf("first reconcile: %v", err)
	}
	afterFirst := kube.taskRuns["fixpoint/watch-demo-1"]
	firstWrites := kube.statusWrites

	if _, err := rec.Reconcile(context.Background(), afterFirst); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}

	if kube.createJobCalls != 1 {
		t.Fatalf("unchanged resource must not create a second unit, create calls = %d", kube.createJobCalls)
	}
	if kube.statusWrites != firstWrites {
		t.Fatalf("unchanged resource must be a status no-op, writes %d -> %d", firstWrites, kube.statusWrites)
	}
	afterSecond := kube.taskRuns["fixpoint/watch-demo-1"]
	if afterSecond.Status != afterFirst.Status {
		t.Fatalf("status drifted on idempotent pass: %+v vs %+v", afterFirst.Status, afterSecond.Status)
	}
}

func TestReconcileAddsFinalizerFirst(t *testing.T) {
	kube := newFakeKube()
	run := testRun()
	run.Metadata.Finalizers = nil
	storeRun(kube, run)
	rec := newTestReconciler(t, kube, fullStore(), Config{})

	res, err := rec.Reconcile(context.Background(), run)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.RequeueAfter == 0 {
		t.Fatalf("finalizer pass must requeue")
	}
	if kube.createJobCalls != 0 {
		t.Fatalf("no unit before the finalizer is in place")
	}
	got := kube.taskRuns["fixpoint/watch-demo-1"]
	if !got.HasFinalizer(domain.FinalizerName) {
		t.Fatalf("finalizer not added: %+v", got.Metadata.Finalizers)
	}
}

func TestMissingFragmentFailsImmediately(t *testing.T) {
	kube := newFakeKube()
	run := testRun()
	run.Spec.Role = "tester"
	run.Spec.Backend = "exotic-cli"
	storeRun(kube, run)
	rec := newTestReconciler(t, kube, templates.MapStore{}, Config{})

	res, err := rec.Reconcile(context.Background(), run)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.RequeueAfter != 0 {
		t.Fatalf("missing configuration must never be requeued")
	}
	if kube.createJobCalls != 0 || len(kube.jobs) != 0 {
		t.Fatalf("no unit may be created on missing configuration")
	}
	got := kube.taskRuns["fixpoint/watch-demo-1"]
	if got.Status.Phase != domain.PhaseFailed {
		t.Fatalf("expected Failed, got %q", got.Status.Phase)
	}
	if got.Status.Reason != string(domain.ReasonConfigurationMissing) {
		t.Fatalf("expected ConfigurationMissing, got %q", got.Status.Reason)
	}
	if !strings.Contains(got.Status.Message, "tester/exotic-cli") {
		t.Fatalf("message must name the missing role/backend, got %q", got.Status.Message)
	}
}

func TestCredentialRetryThenFatal(t *testing.T) {
	kube := newFakeKube()
	run := testRun()
	storeRun(kube, run)
	rec := newTestReconciler(t, kube, fullStore(), Config{CredentialRetryLimit: 2})

	for attempt := 1; attempt <= 2; attempt++ {
		res, err := rec.Reconcile(context.Background(), kube.taskRuns["fixpoint/watch-demo-1"])
		if err != nil {
			t.Fatalf("attempt %d: %v", attempt, err)
		}
		if res.RequeueAfter == 0 {
			t.Fatalf("attempt %d must schedule a retry", attempt)
		}
		got := kube.taskRuns["fixpoint/watch-demo-1"]
		if got.Status.Phase != domain.PhasePending || got.Status.Reason != string(domain.ReasonCredentialUnavailable) {
			t.Fatalf("attempt %d: expected Pending/CredentialUnavailable, got %+v", attempt, got.Status)
		}
	}

	res, err := rec.Reconcile(context.Background(), kube.taskRuns["fixpoint/watch-demo-1"])
	if err != nil {
		t.Fatalf("final attempt: %v", err)
	}
	if res.RequeueAfter != 0 {
		t.Fatalf("exhausted credential retries must not requeue")
	}
	got := kube.taskRuns["fixpoint/watch-demo-1"]
	if got.Status.Phase != domain.PhaseFailed || got.Status.Reason != string(domain.ReasonCredentialUnavailable) {
		t.Fatalf("expected Failed/CredentialUnavailable, got %+v", got.Status)
	}
}

func TestNonTransientPlatformErrorFailsFast(t *testing.T) {
	kube := newFakeKube()
	run := testRun()
	storeRun(kube, run)
	kube.secretErr = k8s.ErrForbidden
	rec := newTestReconciler(t, kube, fullStore(), Config{TransientRetryLimit: 5})

	res, err := rec.Reconcile(context.Background(), run)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.RequeueAfter != 0 {
		t.Fatalf("a forbidden answer will not change on replay, must not requeue")
	}
	got := kube.taskRuns["fixpoint/watch-demo-1"]
	if got.Status.Phase != domain.PhaseFailed || got.Status.Reason != string(domain.ReasonPlatformTransient) {
		t.Fatalf("expected immediate Failed/PlatformTransient, got %+v", got.Status)
	}
}

func TestImmutableDiffIsConflict(t *testing.T) {
	kube := newFakeKube()
	run := testRun()
	storeRun(kube, run)
	kube.secrets["fixpoint/fixpoint-credentials-watcher"] = k8s.Secret{}

	stale := BuildUnit(&run, "fixpoint-credentials-watcher", nil)
	stale.Spec.Template.Spec.Containers[0].Image = "registry.local/agent:0"
	kube.jobs["fixpoint/unit-watch-demo-1"] = stale

	rec := newTestReconciler(t, kube, fullStore(), Config{})
	res, err := rec.Reconcile(context.Background(), run)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if res.RequeueAfter != 0 {
		t.Fatalf("conflict is fatal, must not requeue")
	}
	if kube.deleteJobCalls != 0 || kube.createJobCalls != 0 {
		t.Fatalf("conflicting unit must never be silently recreated")
	}
	got := kube.taskRuns["fixpoint/watch-demo-1"]
	if got.Status.Phase != domain.PhaseFailed || got.Status.Reason != string(domain.ReasonConflict) {
		t.Fatalf("expected Failed/Conflict, got %+v", got.Status)
	}
}

func TestMutableDiffPatches(t *testing.T) {
	kube := newFakeKube()
	run := testRun()
	run.Spec.DeadlineSeconds = 600
	storeRun(kube, run)
	kube.secrets["fixpoint/fixpoint-credentials-watcher"] = k8s.Secret{}

	existing := BuildUnit(&run, "fixpoint-credentials-watcher", nil)
	old := int64(300)
	existing.Spec.ActiveDeadlineSeconds = &old
	kube.jobs["fixpoint/unit-watch-demo-1"] = existing

	rec := newTestReconciler(t, kube, fullStore(), Config{})
	if _, err := rec.Reconcile(context.Background(), run); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if kube.patchJobCalls != 1 {
		t.Fatalf("mutable drift must be patched, patch calls = %d", kube.patchJobCalls)
	}
	if kube.createJobCalls != 0 {
		t.Fatalf("patching must not create a new unit")
	}
}

func TestTeardownOnDeletion(t *testing.T) {
	kube := newFakeKube()
	run := testRun()
	now := time.Now()
	run.Metadata.DeletionTimestamp = &now
	storeRun(kube, run)
	kube.jobs["fixpoint/unit-watch-demo-1"] = k8s.Job{Metadata: k8s.ObjectMeta{Name: "unit-watch-demo-1"}}
	kube.configMaps["fixpoint/fragments-watch-demo-1"] = k8s.ConfigMap{}

	rec := newTestReconciler(t, kube, fullStore(), Config{})
	if _, err := rec.Reconcile(context.Background(), run); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(kube.jobs) != 0 {
		t.Fatalf("unit must be torn down before the finalizer is released")
	}
	if len(kube.configMaps) != 0 {
		t.Fatalf("materialized fragments must be torn down")
	}
	if len(kube.patchedFinalizers) != 1 || len(kube.patchedFinalizers[0]) != 0 {
		t.Fatalf("finalizer must be released, got %+v", kube.patchedFinalizers)
	}
}

func TestObserveUnitCompletion(t *testing.T) {
	kube := newFakeKube()
	run := testRun()
	run.Status = domain.TaskRunStatus{
		Phase:              domain.PhaseRunning,
		UnitName:           "unit-watch-demo-1",
		ObservedGeneration: 1,
	}
	storeRun(kube, run)
	kube.jobs["fixpoint/unit-watch-demo-1"] = k8s.Job{
		Metadata: k8s.ObjectMeta{Name: "unit-watch-demo-1"},
		Status: k8s.JobStatus{
			Succeeded:  1,
			Conditions: []k8s.JobCondition{{Type: "Complete", Status: "True"}},
		},
	}

	rec := newTestReconciler(t, kube, fullStore(), Config{})
	if _, err := rec.Reconcile(context.Background(), run); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got := kube.taskRuns["fixpoint/watch-demo-1"]
	if got.Status.Phase != domain.PhaseSucceeded {
		t.Fatalf("expected Succeeded, got %+v", got.Status)
	}
	if got.Status.FinishedAt == nil || got.Status.CleanupAfter == nil {
		t.Fatalf("terminal status must carry finished and cleanup times: %+v", got.Status)
	}
}

func TestObserveUnitFailure(t *testing.T) {
	kube := newFakeKube()
	run := testRun()
	run.Status = domain.TaskRunStatus{
		Phase:              domain.PhaseRunning,
		UnitName:           "unit-watch-demo-1",
		ObservedGeneration: 1,
	}
	storeRun(kube, run)
	kube.jobs["fixpoint/unit-watch-demo-1"] = k8s.Job{
		Metadata: k8s.ObjectMeta{Name: "unit-watch-demo-1"},
		Status: k8s.JobStatus{
			Failed:     1,
			Conditions: []k8s.JobCondition{{Type: "Failed", Status: "True", Message: "deadline exceeded"}},
		},
	}

	rec := newTestReconciler(t, kube, fullStore(), Config{})
	if _, err := rec.Reconcile(context.Background(), run); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	got := kube.taskRuns["fixpoint/watch-demo-1"]
	if got.Status.Phase != domain.PhaseFailed || got.Status.Message != "deadline exceeded" {
		t.Fatalf("unit failure must be mirrored, got %+v", got.Status)
	}
}

func TestTerminalCleanupAfterTTL(t *testing.T) {
	kube := newFakeKube()
	run := testRun()
	past := time.Now().Add(-time.Minute)
	run.Status = domain.TaskRunStatus{
		Phase:        domain.PhaseSucceeded,
		UnitName:     "unit-watch-demo-1",
		CleanupAfter: &past,
	}
	storeRun(kube, run)
	kube.jobs["fixpoint/unit-watch-demo-1"] = k8s.Job{Metadata: k8s.ObjectMeta{Name: "unit-watch-demo-1"}}

	rec := newTestReconciler(t, kube, fullStore(), Config{})
	if _, err := rec.Reconcile(context.Background(), run); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(kube.jobs) != 0 {
		t.Fatalf("unit must be deleted after the cleanup deadline")
	}
}

func TestQueueSerializesSameKey(t *testing.T) {
	q := newQueue()
	q.Add("a")
	q.Add("a")
	if q.Len() != 1 {
		t.Fatalf("duplicate adds must collapse, len = %d", q.Len())
	}

	got, ok := q.Get()
	if !ok || got != "a" {
		t.Fatalf("get = %q, %v", got, ok)
	}

	// Re-add while in flight: not handed out again until Done.
	q.Add("a")
	if q.Len() != 0 {
		t.Fatalf("in-flight key must not be queued, len = %d", q.Len())
	}
	q.Done("a")
	if q.Len() != 1 {
		t.Fatalf("dirty key must requeue on Done, len = %d", q.Len())
	}

	q.ShutDown()
	if got, ok := q.Get(); !ok || got != "a" {
		t.Fatalf("shutdown must drain queued work first, got %q, %v", got, ok)
	}
	q.Done("a")
	if _, ok := q.Get(); ok {
		t.Fatalf("get after drain must report shutdown")
	}
}
