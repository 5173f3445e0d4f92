package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scorer"
	"github.com/opensource-finance/kestrel/internal/whitelist"
	"github.com/opensource-finance/kestrel/internal/workflow"
)

// App holds the wired components shared by every command.
type App struct {
	cfg   *domain.Config
	repo  domain.Repository
	cache domain.Cache
	bus   domain.EventBus

	rules        *rules.Service
	whitelist    *whitelist.Service
	orchestrator *workflow.Orchestrator
	ingester     *workflow.Ingester
}

// newApp loads configuration and opens the backing services.
func newApp() (*App, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg.Logging)

	slog.Info("configuration loaded",
		"profile", cfg.Profile,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"event_bus", cfg.EventBus.Type,
		"scorer", cfg.Scorer.Type,
	)

	app := &App{cfg: cfg}
	if err := app.init(); err != nil {
		_ = app.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) init() error {
	repo, err := repository.New(a.cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	a.repo = repo

	if a.cache, err = cache.New(a.cfg.Cache); err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	if a.bus, err = bus.New(a.cfg.EventBus); err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}

	anomaly, err := scorer.New(a.cfg.Scorer)
	if err != nil {
		return fmt.Errorf("failed to initialize scorer: %w", err)
	}

	engine := rules.NewEngine()
	filter := whitelist.NewFilter(a.cache, a.cfg.Cache.WhitelistTTL)

	a.rules = rules.NewService(a.repo, engine)
	a.whitelist = whitelist.NewService(a.repo, filter)
	a.ingester = workflow.NewIngester(a.repo, a.cfg.Workflow.ChunkSize)
	var locks workflow.Locker
	if a.cfg.Workflow.Lock == "lease" {
		locks = workflow.NewLeaseLocker(a.repo, a.cfg.Workflow.LockTTL)
	}
	a.orchestrator = workflow.NewOrchestrator(workflow.Options{
		Repository:    a.repo,
		Engine:        engine,
		Filter:        filter,
		Scorer:        anomaly,
		Bus:           a.bus,
		ScorerTimeout: a.cfg.Workflow.ScorerTimeout,
		Locker:        locks,
	})
	return nil
}

// Ping checks every backing service.
func (a *App) Ping(ctx context.Context) error {
	if err := a.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	if err := a.cache.Ping(ctx); err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	if err := a.bus.Ping(ctx); err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	return nil
}

// Close releases the backing services in reverse order.
func (a *App) Close() error {
	var errs []error
	if a.bus != nil {
		errs = append(errs, a.bus.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.repo != nil {
		errs = append(errs, a.repo.Close())
	}
	return errors.Join(errs...)
}
