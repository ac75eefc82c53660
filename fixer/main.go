package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fixpoint-labs/fixpoint-go/internal/agent"
	"github.com/fixpoint-labs/fixpoint-go/internal/agent/fixer"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/env"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/k8s"
	"github.com/fixpoint-labs/fixpoint-go/internal/platform/objectstore"
	"github.com/fixpoint-labs/fixpoint-go/internal/scm"
	"github.com/fixpoint-labs/fixpoint-go/internal/sharedstate"
)

// Exit code 0 means a terminal outcome was reached and the watcher handoff
// completed. Non-zero means an internal error; a failed fix attempt is a
// normal outcome, not an error.
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

	githubToken := env.String("FIXPOINT_CREDENTIAL_GITHUB_TOKEN", "")
	githubURL := env.TrimmedString("FIXPOINT_GITHUB_URL", "")
	src, err := scm.NewClient(ctx, githubToken, githubURL)
	if err != nil {
		logger.Error("source control setup failed", "error", err)
		os.Exit(2)
	}

	kube, err := k8s.NewInClusterClient()
	if err != nil {
		logger.Error("kubernetes client setup failed", "error", err)
		os.Exit(1)
	}

	a, err := fixer.New(logger, cfg, state, src, kube)
	if err != nil {
		logger.Error("fixer setup failed", "error", err)
		os.Exit(2)
	}

	outcome, err := a.Run(ctx)
	if err != nil {
		logger.Error("fixer failed", "error", err)
		os.Exit(1)
	}
	logger.Info("fixer finished", "outcome", string(outcome))
}
