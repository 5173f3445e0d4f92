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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/workflow"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, app)
		},
	}
}

func serve(ctx context.Context, app *App) error {
	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}

	async := app.cfg.Workflow.Async
	var worker *workflow.Worker
	if async {
		worker = workflow.NewWorker(app.bus, app.orchestrator)
		if err := worker.Start(); err != nil {
			return err
		}
	}

	srv := api.NewServer(app.cfg.Server, app.cfg.RateLimit, api.Deps{
		Repo:         app.repo,
		Cache:        app.cache,
		Bus:          app.bus,
		Rules:        app.rules,
		Whitelist:    app.whitelist,
		Orchestrator: app.orchestrator,
		Ingester:     app.ingester,
		Async:        async,
		Version:      Version,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		if worker != nil {
			if err := worker.Stop(); err != nil {
				slog.Error("failed to stop workflow worker", "error", err)
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	slog.Info("kestrel is ready",
		"host", app.cfg.Server.Host,
		"port", app.cfg.Server.Port,
		"async", async,
	)

	err := g.Wait()
	slog.Info("kestrel shutdown complete")
	return err
}
