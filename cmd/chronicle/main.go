package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/aevon-lab/chronicle/internal/authz"
	"github.com/aevon-lab/chronicle/internal/billing"
	"github.com/aevon-lab/chronicle/internal/commanding"
	"github.com/aevon-lab/chronicle/internal/core/bus"
	corecfg "github.com/aevon-lab/chronicle/internal/core/config"
	"github.com/aevon-lab/chronicle/internal/core/domain"
	"github.com/aevon-lab/chronicle/internal/core/storage"
	"github.com/aevon-lab/chronicle/internal/core/storage/memory"
	"github.com/aevon-lab/chronicle/internal/core/storage/postgres"
	"github.com/aevon-lab/chronicle/internal/migrations"
	"github.com/aevon-lab/chronicle/internal/sandbox"
	"github.com/aevon-lab/chronicle/internal/scheduling"
	"github.com/aevon-lab/chronicle/internal/server"
	"github.com/aevon-lab/chronicle/internal/telemetry"
	"github.com/aevon-lab/chronicle/internal/validation"
)

// eventBus is what the repository and the scheduler need from a bus.
type eventBus interface {
	bus.Publisher
	bus.Subscriber
	Close() error
}

func main() {
	configPath := flag.String("config", "chronicle.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := corecfg.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config",
		"database", cfg.Database.Type,
		"bus", cfg.Bus.Type,
		"scheduler_enabled", cfg.Scheduler.Enabled,
		"default_clock", cfg.Scheduler.DefaultClock)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 2. Telemetry
	shutdownTracing, err := telemetry.Setup(ctx, "chronicle", cfg.Telemetry.Tracing, cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		slog.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			slog.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 3. Initialize Storage
	var (
		events     storage.EventStore
		scheduled  storage.ScheduledCommandStore
		serverOpts []server.Option
	)
	switch cfg.Database.Type {
	case "postgres":
		dbAdapter, err := postgres.NewAdapter(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
		if err != nil {
			slog.Error("Failed to initialize database", "error", err)
			os.Exit(1)
		}
		defer dbAdapter.Close()

		if err := migrations.RunMigrations(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
			slog.Error("Failed to run database migrations", "error", err)
			os.Exit(1)
		}
		events = dbAdapter
		scheduled = postgres.NewSchedulerAdapter(dbAdapter.DB())
		serverOpts = append(serverOpts, server.WithHealthCheck("database", server.Database(dbAdapter.DB())))
	default:
		slog.Warn("Using in-memory storage; nothing survives a restart")
		events = memory.NewEventStore()
		scheduled = memory.NewSchedulerStore()
	}

	// 4. Event Bus
	var eb eventBus
	switch cfg.Bus.Type {
	case "redis":
		rb, err := bus.DialRedis(ctx, cfg.Bus.Redis.Addr, cfg.Bus.Redis.Password, cfg.Bus.Redis.DB, cfg.Bus.Redis.Channel)
		if err != nil {
			slog.Error("Failed to connect event bus", "error", err)
			os.Exit(1)
		}
		serverOpts = append(serverOpts, server.WithHealthCheck("bus", rb))
		eb = rb
	default:
		eb = bus.NewMemory()
	}
	defer eb.Close()

	// 5. Validation and Authorization
	rules, err := validation.LoadDir(cfg.Validation.RulesDir)
	if err != nil {
		slog.Error("Failed to load command rules", "error", err)
		os.Exit(1)
	}
	engine, err := validation.NewEngine(rules, validation.RequireRules(cfg.Validation.RequireRules))
	if err != nil {
		slog.Error("Failed to build validation engine", "error", err)
		os.Exit(1)
	}
	authorizer, err := authz.New(cfg.Authorization.RuleMap())
	if err != nil {
		slog.Error("Failed to compile authorization rules", "error", err)
		os.Exit(1)
	}

	// 6. Registry, Repository and Scheduler
	registry := domain.NewRegistry(
		domain.WithCommandValidator(engine),
		domain.WithAuthorizer(authorizer),
	)
	repo, err := storage.NewAggregateRepository(registry, events, eb)
	if err != nil {
		slog.Error("Failed to initialize repository", "error", err)
		os.Exit(1)
	}

	opts := []scheduling.Option{
		scheduling.WithVerifier(storage.EventStoreVerifier{Events: events}),
		scheduling.WithSubscriber(eb),
		scheduling.WithDefaultClock(cfg.Scheduler.DefaultClock),
		scheduling.WithWorkers(cfg.Scheduler.WorkerCount),
		scheduling.WithBatchSize(cfg.Scheduler.BatchSize),
		scheduling.WithPreconditionTimeout(cfg.Scheduler.Timeout()),
		scheduling.WithRetryPolicy(scheduling.RetryPolicy{
			MaxAttempts: cfg.Scheduler.MaxAttempts,
			Unit:        cfg.Scheduler.Backoff(),
			Max:         cfg.Scheduler.Cap(),
		}),
	}
	if cfg.Telemetry.Metrics {
		opts = append(opts, scheduling.WithInterceptors(scheduling.NewMetrics(reg).Interceptors()))
	}
	if cfg.Telemetry.Tracing {
		opts = append(opts, scheduling.WithInterceptors(scheduling.TracingInterceptors(nil)))
	}
	scheduler, err := scheduling.New(registry, repo, scheduled, opts...)
	if err != nil {
		slog.Error("Failed to initialize scheduler", "error", err)
		os.Exit(1)
	}

	// 7. Domains
	if cfg.Billing.Enabled {
		gateway := sandbox.NewGateway(cfg.Billing.DecliningCustomers...)
		if err := billing.Register(registry, scheduler, gateway, billing.Options{
			DeclineRetryAfter: cfg.Billing.RetryAfter(),
			MaxDeclines:       cfg.Billing.MaxDeclines,
		}); err != nil {
			slog.Error("Failed to register billing", "error", err)
			os.Exit(1)
		}
	}
	slog.Info("Aggregate types registered", "types", registry.Types(), "validation_rules", engine.Len(), "authorization_rules", authorizer.Keys())

	// 8. Initialize Server
	if cfg.Telemetry.Metrics {
		serverOpts = append(serverOpts, server.WithMetrics(cfg.Telemetry.MetricsPath, reg))
	}
	srv := server.New(cfg.Server.Addr(), cfg.Server.Mode, serverOpts...)
	commanding.NewService(registry, repo, scheduler, cfg.Server.MaxBodySizeMB).RegisterRoutes(srv.Engine)

	// 9. Start Services
	runnerDone := make(chan struct{})
	if cfg.Scheduler.Enabled {
		runner := scheduling.NewRunner(scheduler, cfg.Scheduler.Tick(), cfg.Scheduler.DefaultClock)
		go func() {
			defer close(runnerDone)
			if err := runner.Start(ctx); err != nil {
				slog.Error("Scheduler runner stopped with error", "error", err)
			}
		}()
	} else {
		close(runnerDone)
		slog.Info("Scheduler runner disabled by config")
	}

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
		cancel()
	}
	<-runnerDone

	slog.Info("Shutdown complete")
}
