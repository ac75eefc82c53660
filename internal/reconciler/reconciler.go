// Package reconciler converts TaskRun resources into execution units exactly
// once, idempotently, and tears them down again through a finalizer.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fixpoint-labs/fixpoint-go/internal/domain"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/k8s"
	"github.com/fixpoint-labs/fixpoint-go/internal/templates"
)

// KubeClient is the slice of the Kubernetes client the reconciler uses.
type KubeClient interface {
	GetJob(ctx context.Context, namespace string, name string) (k8s.Job, error)
	CreateJob(ctx context.Context, namespace string, job k8s.Job) error
	PatchJob(ctx context.Context, namespace string, name string, patch any) error
	DeleteJob(ctx context.Context, namespace string, name string) error
	CreateConfigMap(ctx context.Context, namespace string, cm k8s.ConfigMap) error
	DeleteConfigMap(ctx context.Context, namespace string, name string) error
	GetSecret(ctx context.Context, namespace string, name string) (k8s.Secret, error)
	GetTaskRun(ctx context.Context, namespace string, name string) (domain.TaskRun, error)
	ListTaskRuns(ctx context.Context, namespace string, labelSelector string) ([]domain.TaskRun, error)
	UpdateTaskRunStatus(ctx context.Context, run domain.TaskRun) (domain.TaskRun, error)
	PatchTaskRunFinalizers(ctx context.Context, namespace string, name string, finalizers []string) error
}

// Config tunes retry bounds and cleanup.
type Config struct {
	Namespace string
	// CredentialRetryLimit bounds retries on a missing credential secret
	// before the run is marked Failed. Covers propagation lag only.
	CredentialRetryLimit int
	// TransientRetryLimit bounds backoff retries on platform errors.
	TransientRetryLimit int
	RetryBackoff        time.Duration
	// UnitTTL is how long a terminal run keeps its execution unit around.
	UnitTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.CredentialRetryLimit <= 0 {
		c.CredentialRetryLimit = 5
	}
	if c.TransientRetryLimit <= 0 {
		c.TransientRetryLimit = 5
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 2 * time.Second
	}
	if c.UnitTTL <= 0 {
		c.UnitTTL = time.Hour
	}
}

// Result tells the event loop whether to revisit the resource.
type Result struct {
	RequeueAfter time.Duration
}

type Reconciler struct {
	log   *slog.Logger
	kube  KubeClient
	store templates.Store
	cfg   Config
	now   func() time.Time

	mu      sync.Mutex
	retries map[string]int
}

func New(log *slog.Logger, kube KubeClient, store templates.Store, cfg Config) (*Reconciler, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if kube == nil {
		return nil, errors.New("kubernetes client is required")
	}
	if store == nil {
		return nil, errors.New("fragment store is required")
	}
	if strings.TrimSpace(cfg.Namespace) == "" {
		return nil, errors.New("namespace is required")
	}
	cfg.applyDefaults()
	return &Reconciler{
		log:     log,
		kube:    kube,
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		retries: make(map[string]int),
	}, nil
}

// CredentialSecretName is where role credentials live.
func CredentialSecretName(role string) string {
	return "fixpoint-credentials-" + strings.TrimSpace(role)
}

// Reconcile drives one TaskRun toward its desired state. It is safe to call
// repeatedly with an unchanged resource.
func (r *Reconciler) Reconcile(ctx context.Context, run domain.TaskRun) (Result, error) {
	log := r.log.With("taskrun", run.Metadata.Namespace+"/"+run.Metadata.Name)

	if run.Deleting() {
		return r.teardown(ctx, log, &run)
	}

	if run.Status.Phase.Terminal() {
		return r.cleanupTerminal(ctx, log, &run)
	}

	if !run.HasFinalizer(domain.FinalizerName) {
		finalizers := append(append([]string{}, run.Metadata.Finalizers...), domain.FinalizerName)
		if err := r.kube.PatchTaskRunFinalizers(ctx, run.Metadata.Namespace, run.Metadata.Name, finalizers); err != nil {
			return r.retryable(ctx, log, &run, domain.ReasonPlatformTransient, "add finalizer", err)
		}
		log.Info("finalizer added")
		return Result{RequeueAfter: time.Millisecond}, nil
	}

	// An unchanged generation with a unit already reported means the declared
	// work was materialized; only the unit's condition can change anything.
	if run.Status.ObservedGeneration == run.Metadata.Generation && run.Status.UnitName != "" {
		return r.observeUnit(ctx, log, &run)
	}

	fragments, err := templates.Resolve(ctx, r.store, run.Spec.Role, run.Spec.Backend, nil)
	if err != nil {
		var notFound *templates.NotFoundError
		if errors.As(err, &notFound) {
			// Missing configuration is fatal on first sight. Requeueing it
			// would retry forever against a store that will not change.
			log.Error("config fragment missing", "role", notFound.Role, "backend", notFound.Backend, "fragment", notFound.Fragment)
			return r.fail(ctx, &run, domain.ReasonConfigurationMissing, notFound.Error())
		}
		return r.retryable(ctx, log, &run, domain.ReasonPlatformTransient, "resolve fragments", err)
	}

	secretName := CredentialSecretName(run.Spec.Role)
	secret, err := r.kube.GetSecret(ctx, run.Metadata.Namespace, secretName)
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return r.retryable(ctx, log, &run, domain.ReasonCredentialUnavailable,
				fmt.Sprintf("credential secret %s not found", secretName), err)
		}
		return r.retryable(ctx, log, &run, domain.ReasonPlatformTransient, "fetch credential secret", err)
	}
	credentialKeys := make([]string, 0, len(secret.Data))
	for key := range secret.Data {
		credentialKeys = append(credentialKeys, key)
	}

	cm := BuildFragmentConfigMap(&run, fragments)
	if err := r.kube.CreateConfigMap(ctx, run.Metadata.Namespace, cm); err != nil && !errors.Is(err, k8s.ErrAlreadyExists) {
		return r.retryable(ctx, log, &run, domain.ReasonPlatformTransient, "materialize fragments", err)
	}

	desired := BuildUnit(&run, secretName, credentialKeys)
	existing, err := r.kube.GetJob(ctx, run.Metadata.Namespace, desired.Metadata.Name)
	if err != nil {
		if !errors.Is(err, k8s.ErrNotFound) {
			return r.retryable(ctx, log, &run, domain.ReasonPlatformTransient, "fetch unit", err)
		}
		if err := r.kube.CreateJob(ctx, run.Metadata.Namespace, desired); err != nil && !errors.Is(err, k8s.ErrAlreadyExists) {
			return r.retryable(ctx, log, &run, domain.ReasonPlatformTransient, "create unit", err)
		}
		log.Info("execution unit created", "unit", desired.Metadata.Name)
		r.clearRetries(&run)
		if err := r.writeStatus(ctx, &run, domain.PhaseRunning, "", "execution unit created", desired.Metadata.Name); err != nil {
			return Result{RequeueAfter: r.cfg.RetryBackoff}, err
		}
		return Result{RequeueAfter: r.cfg.RetryBackoff}, nil
	}

	diff := diffUnit(&existing, &desired)
	if !diff.clean() {
		if diff.immutable {
			// Never silently recreate: the operator decides what wins.
			log.Error("unit differs on immutable fields", "unit", desired.Metadata.Name, "detail", diff.detail)
			return r.fail(ctx, &run, domain.ReasonConflict,
				fmt.Sprintf("existing unit %s differs on immutable fields: %s", desired.Metadata.Name, diff.detail))
		}
		if err := r.kube.PatchJob(ctx, run.Metadata.Namespace, desired.Metadata.Name, diff.mutablePatch); err != nil {
			return r.retryable(ctx, log, &run, domain.ReasonPlatformTransient, "patch unit", err)
		}
		log.Info("execution unit patched", "unit", desired.Metadata.Name)
	}

	r.clearRetries(&run)
	if err := r.writeStatus(ctx, &run, domain.PhaseRunning, "", "execution unit running", desired.Metadata.Name); err != nil {
		return Result{RequeueAfter: r.cfg.RetryBackoff}, err
	}
	return r.observeUnit(ctx, log, &run)
}

// observeUnit mirrors the unit's terminal condition into the TaskRun status.
func (r *Reconciler) observeUnit(ctx context.Context, log *slog.Logger, run *domain.TaskRun) (Result, error) {
	name := run.Status.UnitName
	if name == "" {
		name = UnitName(run)
	}
	job, err := r.kube.GetJob(ctx, run.Metadata.Namespace, name)
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			// Unit vanished underneath a non-terminal run. Recreate on the
			// next pass by dropping the observed generation.
			log.Warn("execution unit missing, will recreate", "unit", name)
			run.Status.ObservedGeneration = 0
			run.Status.UnitName = ""
			if _, err := r.kube.UpdateTaskRunStatus(ctx, *run); err != nil {
				return Result{RequeueAfter: r.cfg.RetryBackoff}, err
			}
			return Result{RequeueAfter: time.Millisecond}, nil
		}
		return r.retryable(ctx, log, run, domain.ReasonPlatformTransient, "observe unit", err)
	}

	for _, cond := range job.Status.Conditions {
		if cond.Status != "True" {
			continue
		}
		switch cond.Type {
		case "Complete":
			log.Info("execution unit succeeded", "unit", name)
			return Result{}, r.writeStatus(ctx, run, domain.PhaseSucceeded, "", "execution unit completed", name)
		case "Failed":
			msg := cond.Message
			if msg == "" {
				msg = "execution unit failed"
			}
			log.Warn("execution unit failed", "unit", name, "reason", cond.Reason, "message", cond.Message)
			return Result{}, r.writeStatus(ctx, run, domain.PhaseFailed, string(domain.ReasonPipelineFailure), msg, name)
		}
	}
	return Result{RequeueAfter: r.cfg.RetryBackoff}, nil
}

// teardown deletes the owned unit and releases the finalizer. Shared durable
// state is never touched here.
func (r *Reconciler) teardown(ctx context.Context, log *slog.Logger, run *domain.TaskRun) (Result, error) {
	if !run.HasFinalizer(domain.FinalizerName) {
		return Result{}, nil
	}
	if err := r.kube.DeleteJob(ctx, run.Metadata.Namespace, UnitName(run)); err != nil && !errors.Is(err, k8s.ErrNotFound) {
		return Result{RequeueAfter: r.cfg.RetryBackoff}, fmt.Errorf("tear down unit: %w", err)
	}
	if err := r.kube.DeleteConfigMap(ctx, run.Metadata.Namespace, FragmentConfigMapName(run)); err != nil && !errors.Is(err, k8s.ErrNotFound) {
		return Result{RequeueAfter: r.cfg.RetryBackoff}, fmt.Errorf("tear down fragments: %w", err)
	}

	kept := make([]string, 0, len(run.Metadata.Finalizers))
	for _, f := range run.Metadata.Finalizers {
		if f != domain.FinalizerName {
			kept = append(kept, f)
		}
	}
	if err := r.kube.PatchTaskRunFinalizers(ctx, run.Metadata.Namespace, run.Metadata.Name, kept); err != nil {
		return Result{RequeueAfter: r.cfg.RetryBackoff}, fmt.Errorf("remove finalizer: %w", err)
	}
	log.Info("teardown complete")
	r.clearRetries(run)
	return Result{}, nil
}

// cleanupTerminal deletes the unit once a terminal run's cleanup deadline has
// passed. The TaskRun itself stays for its creator to remove.
func (r *Reconciler) cleanupTerminal(ctx context.Context, log *slog.Logger, run *domain.TaskRun) (Result, error) {
	if run.Status.CleanupAfter == nil {
		return Result{}, nil
	}
	if r.now().Before(*run.Status.CleanupAfter) {
		return Result{RequeueAfter: run.Status.CleanupAfter.Sub(r.now())}, nil
	}
	if err := r.kube.DeleteJob(ctx, run.Metadata.Namespace, UnitName(run)); err != nil && !errors.Is(err, k8s.ErrNotFound) {
		return Result{RequeueAfter: r.cfg.RetryBackoff}, fmt.Errorf("cleanup unit: %w", err)
	}
	if err := r.kube.DeleteConfigMap(ctx, run.Metadata.Namespace, FragmentConfigMapName(run)); err != nil && !errors.Is(err, k8s.ErrNotFound) {
		return Result{RequeueAfter: r.cfg.RetryBackoff}, fmt.Errorf("cleanup fragments: %w", err)
	}
	log.Info("terminal unit cleaned up", "unit", UnitName(run))
	return Result{}, nil
}

// retryable books one attempt against the bound for the reason and either
// schedules another pass or escalates to a terminal failure.
func (r *Reconciler) retryable(ctx context.Context, log *slog.Logger, run *domain.TaskRun, reason domain.Reason, action string, cause error) (Result, error) {
	// A decisively non-transient platform answer will not change on replay;
	// burning the retry bound against it only delays the terminal status.
	if reason == domain.ReasonPlatformTransient && !k8s.Transient(cause) {
		log.Error("platform error is not retryable", "action", action, "error", cause)
		return r.fail(ctx, run, reason, fmt.Sprintf("%s: %v", action, cause))
	}

	limit := r.cfg.TransientRetryLimit
	if reason == domain.ReasonCredentialUnavailable {
		limit = r.cfg.CredentialRetryLimit
	}

	key := retryKey(run, reason)
	r.mu.Lock()
	r.retries[key]++
	attempt := r.retries[key]
	r.mu.Unlock()

	if attempt > limit {
		r.mu.Lock()
		delete(r.retries, key)
		r.mu.Unlock()
		log.Error("retry bound exhausted", "reason", string(reason), "action", action, "attempts", attempt-1, "error", cause)
		return r.fail(ctx, run, reason, fmt.Sprintf("%s: %v (after %d attempts)", action, cause, attempt-1))
	}

	backoff := r.cfg.RetryBackoff << (attempt - 1)
	log.Warn("reconcile retry scheduled", "reason", string(reason), "action", action, "attempt", attempt, "backoff", backoff, "error", cause)
	if err := r.writeStatus(ctx, run, domain.PhasePending, string(reason), fmt.Sprintf("%s: %v", action, cause), run.Status.UnitName); err != nil {
		return Result{RequeueAfter: backoff}, err
	}
	return Result{RequeueAfter: backoff}, nil
}

// fail records a terminal failure. Fatal reasons are never requeued.
func (r *Reconciler) fail(ctx context.Context, run *domain.TaskRun, reason domain.Reason, message string) (Result, error) {
	r.clearRetries(run)
	return Result{}, r.writeStatus(ctx, run, domain.PhaseFailed, string(reason), message, run.Status.UnitName)
}

// writeStatus updates the status subresource only when something changed, so
// reprocessing an unchanged resource stays a no-op.
func (r *Reconciler) writeStatus(ctx context.Context, run *domain.TaskRun, phase domain.Phase, reason string, message string, unitName string) error {
	changed := run.Status.Phase != phase ||
		run.Status.Reason != reason ||
		run.Status.Message != message ||
		run.Status.UnitName != unitName ||
		run.Status.ObservedGeneration != run.Metadata.Generation
	if !changed {
		return nil
	}

	now := r.now().UTC()
	run.Status.Phase = phase
	run.Status.Reason = reason
	run.Status.Message = message
	run.Status.UnitName = unitName
	run.Status.ObservedGeneration = run.Metadata.Generation
	if phase == domain.PhaseRunning && run.Status.StartedAt == nil {
		run.Status.StartedAt = &now
	}
	if phase.Terminal() && run.Status.FinishedAt == nil {
		run.Status.FinishedAt = &now
		cleanup := now.Add(r.cfg.UnitTTL)
		run.Status.CleanupAfter = &cleanup
	}

	updated, err := r.kube.UpdateTaskRunStatus(ctx, *run)
	if err != nil {
		if errors.Is(err, k8s.ErrConflict) {
			// Someone moved the resource first; the next event carries the
			// fresh version.
			return nil
		}
		return fmt.Errorf("write status: %w", err)
	}
	*run = updated
	return nil
}

func (r *Reconciler) clearRetries(run *domain.TaskRun) {
	prefix := run.Metadata.Namespace + "/" + run.Metadata.Name + "/"
	r.mu.Lock()
	for key := range r.retries {
		if strings.HasPrefix(key, prefix) {
			delete(r.retries, key)
		}
	}
	r.mu.Unlock()
}

func retryKey(run *domain.TaskRun, reason domain.Reason) string {
	return run.Metadata.Namespace + "/" + run.Metadata.Name + "/" + string(reason)
}
