// Copyright (C) 2025 Kodiak Security (dev@kodiaksec.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package app owns the serving service's singletons and lifecycle.
//
// # Description
//
// New builds every long-lived component from the loaded configuration:
// the model registry, the detector client, the serving path, the scan
// engine, the experiment manager, the monitor, the training pipeline,
// and the background scheduler. Run starts the HTTP server and blocks
// until SIGINT or SIGTERM, then tears the components down in reverse
// dependency order.
//
// # Inputs
//
//   - *config.Config from config.Load.
//
// # Outputs
//
//   - A running HTTP service on Server.Host:Server.Port.
//   - OTLP trace export when Telemetry.OTLPEndpoint is set.
//
// # Limitations
//
//   - One process, one registry. Horizontal scaling needs a shared
//     registry backend, which the BadgerDB store is not.
//
// # Assumptions
//
//   - The detector backend is reachable at Detector.BaseURL; the
//     circuit breaker covers it being temporarily down.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kodiaksec/KodiakServe/pkg/logging"
	"github.com/kodiaksec/KodiakServe/services/detector"
	"github.com/kodiaksec/KodiakServe/services/serving/config"
	"github.com/kodiaksec/KodiakServe/services/serving/datatypes"
	"github.com/kodiaksec/KodiakServe/services/serving/experiment"
	"github.com/kodiaksec/KodiakServe/services/serving/feedback"
	"github.com/kodiaksec/KodiakServe/services/serving/monitor"
	"github.com/kodiaksec/KodiakServe/services/serving/observability"
	"github.com/kodiaksec/KodiakServe/services/serving/prediction"
	"github.com/kodiaksec/KodiakServe/services/serving/registry"
	"github.com/kodiaksec/KodiakServe/services/serving/routes"
	"github.com/kodiaksec/KodiakServe/services/serving/scan"
	"github.com/kodiaksec/KodiakServe/services/serving/scheduler"
	"github.com/kodiaksec/KodiakServe/services/serving/training"
)

// App is the assembled serving service.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	store     registry.Store
	badger    *registry.BadgerStore
	engine    *scan.Engine
	scheduler *scheduler.Scheduler
	server    *http.Server

	shutdownTracer func(context.Context)
}

// registryResolver bridges the registry to the predictor's version
// lookup. Prediction results carry the id of whichever version is in
// production at serve time; a missing production version is not an
// error on the serving path.
type registryResolver struct {
	store registry.Store
}

func (r registryResolver) ProductionVersionID(predType datatypes.PredictionType) string {
	version, err := r.store.ProductionVersion(context.Background(), predType.ModelType())
	if err != nil {
		return ""
	}
	return version.ID
}

var _ prediction.VersionResolver = registryResolver{}

// New assembles the service from configuration. The returned App owns
// every component; call Run to serve.
func New(cfg *config.Config) (*App, error) {
	logger := logging.New(logging.Config{
		Service: cfg.Telemetry.ServiceName,
		JSON:    true,
	})
	slog.SetDefault(logger.Slog())

	app := &App{cfg: cfg, logger: logger}

	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdown, err := initTracer(context.Background(), cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		app.shutdownTracer = shutdown
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(promRegistry)

	if cfg.Registry.Path != "" {
		badgerStore, err := registry.NewBadgerStore(registry.BadgerConfig{
			Path:       cfg.Registry.Path,
			SyncWrites: cfg.Registry.SyncWrites,
		})
		if err != nil {
			return nil, fmt.Errorf("open registry at %s: %w", cfg.Registry.Path, err)
		}
		app.badger = badgerStore
		app.store = badgerStore
		logger.Info("model registry opened", slog.String("path", cfg.Registry.Path))
	} else {
		app.store = registry.NewMemoryStore()
		logger.Warn("no registry path configured, model versions will not survive restarts")
	}

	client, err := detector.NewHTTPClient(detector.HTTPConfig{
		BaseURL:           cfg.Detector.BaseURL,
		Timeout:           cfg.Detector.Timeout,
		TrainTimeout:      cfg.Detector.TrainTimeout,
		RequestsPerSecond: cfg.Detector.RequestsPerSecond,
		Burst:             cfg.Detector.Burst,
	}, logger.Slog())
	if err != nil {
		return nil, fmt.Errorf("detector client: %w", err)
	}

	controller := registry.NewRollbackController(app.store, client, metrics, logger)

	breaker := prediction.NewCircuitBreaker(prediction.BreakerConfig{
		MaxFailures: cfg.Prediction.MaxFailures,
		Cooldown:    cfg.Prediction.Cooldown,
		OnStateChange: func(s prediction.CircuitState) {
			metrics.BreakerState.Set(float64(s))
		},
	})
	predictor := prediction.NewPredictor(prediction.Config{
		CacheCapacity: cfg.Prediction.CacheCapacity,
		CacheTTL:      cfg.Prediction.CacheTTL,
		WindowSize:    cfg.Prediction.WindowSize,
		SLAMs:         cfg.Prediction.SLAMs,
	}, prediction.AllDetectorCapabilities(client), breaker,
		registryResolver{store: app.store}, metrics, logger.Slog())

	feedbackStore := feedback.NewMemoryStore()

	experiments := experiment.NewManager(app.store, controller, metrics, logger)

	modelMonitor := monitor.NewModelMonitor(monitor.Config{
		WindowSize: cfg.Monitor.WindowSize,
	}, app.store, feedbackStore, controller, logger)

	app.engine = scan.NewEngine(scan.Config{
		MaxConcurrent:   cfg.Scan.MaxConcurrent,
		QuickTimeout:    cfg.Scan.QuickTimeout,
		StandardTimeout: cfg.Scan.StandardTimeout,
		DeepTimeout:     cfg.Scan.DeepTimeout,
		ChainExploits:   cfg.Scan.ChainExploits,
		ChainPatches:    cfg.Scan.ChainPatches,
		RetainTerminal:  cfg.Scan.RetainTerminal,
	}, client, metrics, logger)

	orchestrator := training.NewOrchestrator(training.Config{
		MinSamples:         cfg.Training.MinSamples,
		AutoDeploy:         cfg.Training.AutoDeploy,
		MinImprovement:     cfg.Training.MinImprovement,
		ExperimentSplit:    cfg.Training.ExperimentSplit,
		ExperimentDuration: cfg.Training.ExperimentDuration,
	}, feedbackStore, client, app.store, controller, experiments, metrics, logger)

	app.scheduler = scheduler.New(scheduler.Config{
		MonitorInterval:  cfg.Monitor.MonitorInterval,
		RollbackInterval: cfg.Monitor.RollbackInterval,
		RetrainInterval:  cfg.Training.RetrainInterval,
	}, modelMonitor, experiments, orchestrator, logger)

	router := gin.Default()
	router.Use(otelgin.Middleware(cfg.Telemetry.ServiceName))
	routes.SetupRoutes(router, routes.Deps{
		Predictor:    predictor,
		ScanEngine:   app.engine,
		Registry:     app.store,
		Rollback:     controller,
		Experiments:  experiments,
		Feedback:     feedbackStore,
		Orchestrator: orchestrator,
		PromRegistry: promRegistry,
		Logger:       logger,
	})

	app.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
	return app, nil
}

// Run serves until SIGINT or SIGTERM, then shuts everything down. It
// returns the first fatal serve error, or nil on a clean shutdown.
func (a *App) Run() error {
	a.scheduler.Start()

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("serving API listening", slog.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		a.shutdown()
		return err
	case sig := <-stop:
		a.logger.Info("shutting down", slog.String("signal", sig.String()))
		a.shutdown()
		return nil
	}
}

// shutdown tears components down in reverse dependency order: stop
// accepting requests, stop the background loops, drain running scans,
// then close storage and telemetry.
func (a *App) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Error("http server shutdown", slog.Any("error", err))
	}
	a.scheduler.Stop()
	if err := a.engine.Shutdown(ctx); err != nil {
		a.logger.Warn("scan engine did not drain before deadline", slog.Any("error", err))
	}
	if a.badger != nil {
		if err := a.badger.Close(); err != nil {
			a.logger.Error("registry close", slog.Any("error", err))
		}
	}
	if a.shutdownTracer != nil {
		a.shutdownTracer(ctx)
	}
	_ = a.logger.Close()
}

func initTracer(ctx context.Context, endpoint, serviceName string) (func(context.Context), error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(attribute.String("service.name", serviceName)))
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)))
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}
