// Package main is the entry point of the consolidation service. By default it
// runs the configured simulation to completion and prints the summary; with
// the server enabled it keeps planning on a wall-clock interval behind the
// HTTP API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/limiquantix/consolidation/internal/config"
	"github.com/limiquantix/consolidation/internal/detector"
	"github.com/limiquantix/consolidation/internal/drs"
	"github.com/limiquantix/consolidation/internal/repository/etcd"
	"github.com/limiquantix/consolidation/internal/repository/memory"
	"github.com/limiquantix/consolidation/internal/repository/postgres"
	"github.com/limiquantix/consolidation/internal/repository/redis"
	"github.com/limiquantix/consolidation/internal/scheduler"
	"github.com/limiquantix/consolidation/internal/selection"
	"github.com/limiquantix/consolidation/internal/server"
	"github.com/limiquantix/consolidation/internal/simulation"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	stepPeriod := flag.Duration("step-period", time.Second, "Wall-clock time per simulation step when serving")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Println("Consolidation planner")
		fmt.Println("Version:", version)
		fmt.Println("Commit:", commit)
		fmt.Println("Build Date:", buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	logger.Info("Starting consolidation planner",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("detector", string(cfg.Detector.Kind)),
		zap.String("selection", cfg.Selection.Policy),
		zap.String("placement", cfg.Scheduler.PlacementStrategy),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx, cfg, *stepPeriod, logger); err != nil {
		logger.Fatal("Consolidation planner failed", zap.Error(err))
	}
	logger.Info("Goodbye!")
}

func run(ctx context.Context, cfg *config.Config, stepPeriod time.Duration, logger *zap.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	monitor := drs.NewMonitor(registry)

	dc, err := simulation.BuildDatacenter(cfg, logger)
	if err != nil {
		return err
	}
	clock := &simulation.Clock{}

	det, err := detector.New(cfg.Detector, clock, logger)
	if err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	sched, err := scheduler.New(dc, det, cfg.Scheduler, logger)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	policy, err := selection.New(cfg.Selection)
	if err != nil {
		return fmt.Errorf("selection: %w", err)
	}
	planner := drs.NewPlanner(dc, det, sched, policy, monitor, logger)

	var components []server.ServerOption
	var repo drs.RecommendationRepository = memory.NewRecommendationRepository()
	if cfg.Database.Enabled {
		db, err := postgres.NewDB(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		repo = postgres.NewRecommendationRepository(db, logger)
		components = append(components, server.WithComponent("postgres", db))
	}

	var leader drs.LeaderChecker
	if cfg.Etcd.Enabled {
		client, err := etcd.NewClient(cfg.Etcd, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		l := client.Campaign(ctx, "", nil)
		defer func() {
			resignCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := l.Resign(resignCtx); err != nil {
				logger.Warn("Failed to resign leadership", zap.Error(err))
			}
		}()
		leader = l
		components = append(components, server.WithComponent("etcd", client))
	}

	engine := drs.NewEngine(cfg.DRS, dc, planner, repo, leader, monitor, logger)
	sim, err := simulation.New(cfg.Simulation, dc, clock, nil, logger)
	if err != nil {
		return err
	}
	engine.SetApplier(sim)
	engine.SetClock(clock)

	if cfg.Redis.Enabled {
		publisher, err := redis.NewPublisher(cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		engine.AddPublisher(publisher)
		components = append(components, server.WithComponent("redis", publisher))
	}

	if !cfg.Server.Enabled {
		if cfg.DRS.Enabled {
			sim.SetCycleRunner(engine)
		}
		summary, err := sim.Run(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(summary)
	}

	hub := server.NewStreamHub(100, logger)
	engine.AddPublisher(hub)

	opts := append([]server.ServerOption{
		server.WithRecommendations(server.NewRecommendationHandler(engine, logger)),
		server.WithHosts(server.NewHostHandler(dc, det, sim, logger)),
		server.WithStream(hub),
		server.WithMetrics(registry),
	}, components...)
	srv := server.New(cfg, logger, opts...)

	go engine.Start(ctx)
	go func() {
		if _, err := sim.RunEvery(ctx, stepPeriod); err != nil && ctx.Err() == nil {
			logger.Error("Simulation stopped", zap.Error(err))
		}
	}()

	return srv.Run(ctx)
}

// setupLogger configures the zap logger based on configuration.
func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)
	if cfg.Output != "" {
		zapConfig.OutputPaths = []string{cfg.Output}
	}

	logger, err := zapConfig.Build()
	if err != nil {
		panic("Failed to create logger: " + err.Error())
	}

	return logger
}
