package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/vasledger/internal/logging"
	"github.com/MarkoPoloResearchLab/vasledger/internal/metrics"
	"github.com/MarkoPoloResearchLab/vasledger/internal/provider"
	"github.com/MarkoPoloResearchLab/vasledger/internal/purchase"
	"github.com/MarkoPoloResearchLab/vasledger/internal/reconcile"
	"github.com/MarkoPoloResearchLab/vasledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/vasledger/pkg/pricing"
)

// application holds the wired services shared by every subcommand.
type application struct {
	config       *runtimeConfig
	logger       *zap.Logger
	store        *gormstore.Store
	ledger       *ledger.Service
	pricing      *pricing.Engine
	gateway      provider.Gateway
	orchestrator *purchase.Orchestrator
	worker       *reconcile.Worker
	metrics      *metrics.Metrics
	registry     *prometheus.Registry
	close        func() error
}

// newApplication opens the database and wires the services. When online is
// false the provider is never contacted and no API key is needed.
func newApplication(ctx context.Context, cfg *runtimeConfig, online bool) (*application, error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return nil, err
	}

	db, closeDB, driver, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := gormstore.Migrate(db); err != nil {
		_ = closeDB()
		return nil, err
	}
	logger.Info("database ready", zap.String("driver", driver))

	app := &application{
		config:   cfg,
		logger:   logger,
		store:    gormstore.New(db),
		registry: prometheus.NewRegistry(),
		close:    closeDB,
	}
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.metrics = metrics.New(app.registry)

	if err := app.wire(online); err != nil {
		_ = closeDB()
		return nil, err
	}
	return app, nil
}

func (app *application) wire(online bool) error {
	var err error
	app.ledger, err = ledger.NewService(app.store, time.Now,
		ledger.WithOperationLogger(logging.NewLedgerLogger(app.logger)),
		ledger.WithReservationTTL(app.config.ReservationTTL),
	)
	if err != nil {
		return fmt.Errorf("ledger: %w", err)
	}

	app.pricing, err = pricing.NewEngine(app.config.PricingMarkups())
	if err != nil {
		return fmt.Errorf("pricing: %w", err)
	}

	app.gateway = provider.Disabled{}
	if online {
		if err := app.config.RequireProvider(); err != nil {
			return err
		}
		client, err := provider.NewClient(provider.ClientConfig{
			BaseURL: app.config.Provider.BaseURL,
			APIKey:  app.config.Provider.APIKey,
			Timeout: app.config.Provider.Timeout,
		}, provider.WithLogger(app.logger.Named("provider")))
		if err != nil {
			return err
		}
		app.gateway = app.metrics.InstrumentGateway(client)
	}

	app.orchestrator, err = purchase.NewOrchestrator(app.store, app.ledger, app.gateway, app.pricing,
		purchase.WithLogger(app.logger.Named("purchase")),
		purchase.WithRecorder(app.metrics),
		purchase.WithMaxReconcileAttempts(app.config.Reconcile.MaxAttempts),
	)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}

	app.worker, err = reconcile.NewWorker(app.orchestrator, app.ledger, app.gateway, reconcile.Config{
		Interval:       app.config.Reconcile.Interval,
		Grace:          app.config.Reconcile.Grace,
		SubmittedGrace: app.config.Reconcile.SubmittedGrace,
		BatchSize:      app.config.Reconcile.BatchSize,
		Concurrency:    app.config.Reconcile.Concurrency,
	}, reconcile.WithLogger(app.logger.Named("reconcile")), reconcile.WithRecorder(app.metrics))
	if err != nil {
		return err
	}
	return nil
}

func (app *application) Close() {
	if app.close != nil {
		if err := app.close(); err != nil {
			app.logger.Warn("close database", zap.Error(err))
		}
	}
	_ = app.logger.Sync()
}
