package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ZertGraf/pr-insight/internal/bootstrap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pr-insight: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app, err := bootstrap.New()
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err = app.Init(ctx); err != nil {
		app.Logger.Error("init failed", "error", err)
		shutdown(app)
		return err
	}

	app.Logger.Info("pr-insight running",
		"environment", app.Config.Environment,
		"metrics_shards", app.Config.DispatchMetricsShards,
		"metrics_policy", app.Config.DispatchMetricsFullPolicy,
		"backfill_shards", app.Config.DispatchBackfillShards,
		"backfill_policy", app.Config.DispatchBackfillFullPolicy,
		"shutdown_timeout", app.Config.ShutdownTimeout,
	)

	<-ctx.Done()
	stop()
	app.Logger.Info("shutdown requested")

	return shutdown(app)
}

// shutdown runs with a fresh budget; the dispatch grace period is validated
// to fit inside it.
func shutdown(app *bootstrap.Application) error {
	ctx, cancel := context.WithTimeout(context.Background(), app.Config.ShutdownTimeout)
	defer cancel()

	if err := app.Shutdown(ctx); err != nil {
		app.Logger.Error("shutdown failed", "error", err)
		return err
	}
	app.Logger.Info("pr-insight stopped")
	return nil
}
