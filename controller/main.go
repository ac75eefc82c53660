package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fixpoint-labs/fixpoint-go/internal/ledger"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/env"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/httpserver"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/k8s"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/objectstore"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/postgres"
	"github.com/fixpoint-labs/fixpoint-go/internal/reconciler"
	"github.com/fixpoint-labs/fixpoint-go/internal/templates"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("FIXPOINT_HTTP_ADDR", ":8080")
	shutdownTimeout, err := env.Duration("FIXPOINT_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	resync, err := env.Duration("FIXPOINT_RESYNC_INTERVAL", 10*time.Second)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	workers, err := env.Int("FIXPOINT_WORKERS", 4)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	unitTTL, err := env.Duration("FIXPOINT_UNIT_TTL", time.Hour)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}
	ledgerRetention, err := env.Duration("FIXPOINT_LEDGER_RETENTION", 7*24*time.Hour)
	if err != nil {
		logger.Error("invalid env", "error", err)
		os.Exit(2)
	}

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	db, err := postgres.Open(ctx, dbCfg)
	if err != nil {
		logger.Error("database unavailable", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := ledger.EnsureSchema(ctx, db); err != nil {
		logger.Error("ledger schema setup failed", "error", err)
		os.Exit(1)
	}
	ledgerStore, err := ledger.NewPostgresStore(db)
	if err != nil {
		logger.Error("ledger setup failed", "error", err)
		os.Exit(1)
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	objClient, err := objectstore.NewMinIOClient(storeCfg)
	if err != nil {
		logger.Error("object store unavailable", "error", err)
		os.Exit(1)
	}
	if err := objectstore.EnsureBuckets(ctx, objClient, storeCfg); err != nil {
		logger.Error("object store bucket setup failed", "error", err)
		os.Exit(1)
	}

	kube, err := k8s.NewInClusterClient()
	if err != nil {
		logger.Error("kubernetes client setup failed", "error", err)
		os.Exit(1)
	}
	namespace := env.TrimmedString("FIXPOINT_NAMESPACE", kube.Namespace())

	fragmentStore, err := templates.NewConfigMapStore(kube, namespace)
	if err != nil {
		logger.Error("fragment store setup failed", "error", err)
		os.Exit(2)
	}

	rec, err := reconciler.New(logger, kube, fragmentStore, reconciler.Config{
		Namespace: namespace,
		UnitTTL:   unitTTL,
	})
	if err != nil {
		logger.Error("reconciler setup failed", "error", err)
		os.Exit(2)
	}
	controller, err := reconciler.NewController(logger, kube, rec, reconciler.ControllerConfig{
		Namespace: namespace,
		Resync:    resync,
		Workers:   workers,
	})
	if err != nil {
		logger.Error("controller setup failed", "error", err)
		os.Exit(2)
	}

	go func() {
		if err := controller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("controller stopped", "error", err)
		}
	}()
	go purgeLedger(ctx, logger, ledgerStore, ledgerRetention)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("controller"))
	mux.HandleFunc(
		"/readyz",
		httpserver.ReadyzWithChecks(
			"controller",
			httpserver.ReadinessCheck{
				Name: "postgres",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return db.PingContext(checkCtx)
				},
			},
			httpserver.ReadinessCheck{
				Name: "objectstore",
				Check: func(ctx context.Context) error {
					checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
					defer cancel()
					return objectstore.CheckBuckets(checkCtx, objClient, storeCfg)
				},
			},
		),
	)

	cfg := httpserver.Config{
		Service:         "controller",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}

	if err := httpserver.Run(ctx, logger, cfg, httpserver.Wrap(logger, "controller", mux)); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

// purgeLedger drops completed ledger records past the retention window.
func purgeLedger(ctx context.Context, logger *slog.Logger, store *ledger.PostgresStore, retention time.Duration) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := store.PurgeCompleted(ctx, retention)
			if err != nil {
				logger.Warn("ledger purge failed", "error", err)
				continue
			}
			if purged > 0 {
				logger.Info("ledger purged", "records", purged)
			}
		}
	}
}
