package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fixpoint-labs/fixpoint-go/internal/platform/k8s"
)

// Controller polls TaskRuns and feeds reconcile events through the queue,
// one worker per event, same identity never in flight twice.
type Controller struct {
	log        *slog.Logger
	kube       KubeClient
	reconciler *Reconciler
	namespace  string
	resync     time.Duration
	workers    int

	q *queue
}

type ControllerConfig struct {
	Namespace string
	// Resync is the listing interval. Polling stands in for a watch stream;
	// every resource is revisited at least this often.
	Resync  time.Duration
	Workers int
}

func NewController(log *slog.Logger, kube KubeClient, rec *Reconciler, cfg ControllerConfig) (*Controller, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if kube == nil {
		return nil, errors.New("kubernetes client is required")
	}
	if rec == nil {
		return nil, errors.New("reconciler is required")
	}
	if strings.TrimSpace(cfg.Namespace) == "" {
		return nil, errors.New("namespace is required")
	}
	if cfg.Resync <= 0 {
		cfg.Resync = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &Controller{
		log:        log,
		kube:       kube,
		reconciler: rec,
		namespace:  cfg.Namespace,
		resync:     cfg.Resync,
		workers:    cfg.Workers,
		q:          newQueue(),
	}, nil
}

// Run blocks until ctx is cancelled and all workers drained.
func (c *Controller) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx)
		}()
	}

	c.list(ctx)
	ticker := time.NewTicker(c.resync)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.q.ShutDown()
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			c.list(ctx)
		}
	}
}

func (c *Controller) list(ctx context.Context) {
	runs, err := c.kube.ListTaskRuns(ctx, c.namespace, "")
	if err != nil {
		c.log.Warn("list taskruns failed", "error", err)
		return
	}
	for i := range runs {
		c.q.Add(runs[i].Metadata.Namespace + "/" + runs[i].Metadata.Name)
	}
}

func (c *Controller) worker(ctx context.Context) {
	for {
		key, ok := c.q.Get()
		if !ok {
			return
		}
		c.process(ctx, key)
		c.q.Done(key)
	}
}

func (c *Controller) process(ctx context.Context, key string) {
	namespace, name, ok := strings.Cut(key, "/")
	if !ok {
		c.log.Error("malformed queue key", "key", key)
		return
	}

	run, err := c.kube.GetTaskRun(ctx, namespace, name)
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return
		}
		c.log.Warn("fetch taskrun failed", "key", key, "error", err)
		c.requeueAfter(key, c.resync)
		return
	}

	result, err := c.reconciler.Reconcile(ctx, run)
	if err != nil {
		c.log.Error("reconcile failed", "key", key, "error", err)
	}
	if result.RequeueAfter > 0 {
		c.requeueAfter(key, result.RequeueAfter)
	}
}

func (c *Controller) requeueAfter(key string, d time.Duration) {
	time.AfterFunc(d, func() { c.q.Add(key) })
}
