package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fixpoint-labs/fixpoint-go/internal/agent"
	"github.com/fixpoint-labs/fixpoint-go/internal/agent/watcher"
	"github.com/fixpoint-labs/fixpoint-go/internal/ledger"
	"github.com/fixpoint-labs/fixpoint-go/internal/pipeline"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/env"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/k8s"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/objectstore"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/postgres"
	"github.com/fixpoint-labs/fixpoint-go/internal/sharedstate"
)

// Exit code 0 means a terminal outcome was reached and any handoff completed.
// Non-zero means an internal error, which is distinct from an observed
// pipeline failure.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	ctx := context.Background()
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	settingsPath := env.TrimmedString("FIXPOINT_SETTINGS_PATH", "/etc/fixpoint/templates/settings.json")
	cfg, err := agent.LoadSettings(settingsPath)
	if err != nil {
		logger.Error("invalid settings", "path", settingsPath, "error", err)
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
	state, err := sharedstate.NewMinIOStore(objClient, storeCfg.BucketState)
	if err != nil {
		logger.Error("shared state setup failed", "error", err)
		os.Exit(1)
	}

	engineURL := env.TrimmedString("FIXPOINT_PIPELINE_URL", "")
	engineToken := env.String("FIXPOINT_CREDENTIAL_PIPELINE_TOKEN", "")
	engine, err := pipeline.NewHTTPEngine(engineURL, engineToken, nil)
	if err != nil {
		logger.Error("pipeline engine setup failed", "error", err)
		os.Exit(2)
	}

	kube, err := k8s.NewInClusterClient()
	if err != nil {
		logger.Error("kubernetes client setup failed", "error", err)
		os.Exit(1)
	}

	a, err := watcher.New(logger, cfg, engine, state, ledgerStore, kube)
	if err != nil {
		logger.Error("watcher setup failed", "error", err)
		os.Exit(2)
	}

	outcome, err := a.Run(ctx)
	if err != nil {
		logger.Error("watcher failed", "error", err)
		os.Exit(1)
	}
	logger.Info("watcher finished", "outcome", string(outcome))
}
