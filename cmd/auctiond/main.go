package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jensholdgaard/auction-engine/internal/auth"
	"github.com/jensholdgaard/auction-engine/internal/broadcast"
	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
	"github.com/jensholdgaard/auction-engine/internal/engine"
	"github.com/jensholdgaard/auction-engine/internal/gateway"
	"github.com/jensholdgaard/auction-engine/internal/health"
	"github.com/jensholdgaard/auction-engine/internal/leader"
	"github.com/jensholdgaard/auction-engine/internal/store"
	"github.com/jensholdgaard/auction-engine/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/jensholdgaard/auction-engine/internal/store/memory"
	_ "github.com/jensholdgaard/auction-engine/internal/store/postgres"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		slog.Error("fatal error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Load configuration.
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup telemetry.
	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Warn("telemetry setup failed, continuing without OTEL export", slog.Any("error", err))
		tp = telemetry.NewNopProvider()
	}
	defer func() {
		if shutdownErr := tp.Shutdown(context.Background()); shutdownErr != nil {
			slog.Error("telemetry shutdown error", slog.Any("error", shutdownErr))
		}
	}()

	logger := tp.Logger
	clk := clock.Real{}

	metrics, err := telemetry.NewEngineMetrics(tp.MeterProvider)
	if err != nil {
		return fmt.Errorf("creating engine metrics: %w", err)
	}

	// Open store using the configured driver (postgres or memory).
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to store", slog.String("driver", cfg.Database.Driver))

	// Assemble the engine and its collaborators.
	fabric := broadcast.New(logger, 1024)
	eng := engine.New(repos, fabric, logger, tp.TracerProvider, clk, cfg.Engine, cfg.Database, metrics)

	verifier := auth.NewVerifier(cfg.Auth, clk)
	throttle := auth.NewThrottle(cfg.Auth.MaxFailures, cfg.Auth.LockoutWindow, clk)
	hub := gateway.NewHub(logger)
	eng.SetNotifier(hub)
	gw := gateway.New(eng, fabric, hub, repos.Users, verifier, throttle, logger, tp.TracerProvider, clk, cfg.Server, metrics)

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
	)
	healthHandler.SetStats(func() map[string]int {
		return map[string]int{
			"lanes":    eng.LaneCount(),
			"sessions": hub.Size(),
		}
	})

	// Health server runs on all replicas.
	healthMux := http.NewServeMux()
	healthMux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	healthMux.HandleFunc("/readyz", healthHandler.ReadinessHandler())

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.HealthPort),
		Handler:           healthMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.InfoContext(ctx, "starting health server", slog.Int("port", cfg.Server.HealthPort))
		if listenErr := healthServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "health server error", slog.Any("error", listenErr))
		}
	}()

	// startEngine is the core work that only the leader should run.
	startEngine := func(ctx context.Context) {
		// Rebuild the registry for every non-terminal auction so lanes
		// survive restart and leader failover.
		if n, recoverErr := eng.Recover(ctx); recoverErr != nil {
			logger.ErrorContext(ctx, "auction recovery failed", slog.Any("error", recoverErr))
			return
		} else if n > 0 {
			logger.InfoContext(ctx, "recovered auctions", slog.Int("count", n))
		}

		fabric.Start()
		go eng.Run(ctx)

		wsMux := http.NewServeMux()
		wsMux.Handle("/ws", gw)
		wsServer := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           wsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.InfoContext(ctx, "starting gateway", slog.Int("port", cfg.Server.Port))
			if listenErr := wsServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
				logger.ErrorContext(ctx, "gateway server error", slog.Any("error", listenErr))
			}
		}()

		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "auctiond is running", slog.String("version", version))

		// Block until leadership is lost or the process is shutting down.
		<-ctx.Done()

		healthHandler.SetReady(false)

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if shutdownErr := wsServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("gateway shutdown error", slog.Any("error", shutdownErr))
		}
		eng.Stop()
		fabric.Stop()
	}

	if cfg.LeaderElection.Enabled {
		logger.InfoContext(ctx, "leader election enabled, waiting for leadership...")

		if leaderErr := leader.Run(ctx, cfg.LeaderElection, logger, startEngine, func() {
			logger.Info("lost leadership, shutting down...")
			cancel()
		}); leaderErr != nil {
			return fmt.Errorf("leader election: %w", leaderErr)
		}
	} else {
		startEngine(ctx)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("health server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
