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

	"github.com/larsvolden/squad-auction-service/internal/api"
	"github.com/larsvolden/squad-auction-service/internal/auction"
	"github.com/larsvolden/squad-auction-service/internal/broadcast"
	"github.com/larsvolden/squad-auction-service/internal/clock"
	"github.com/larsvolden/squad-auction-service/internal/config"
	"github.com/larsvolden/squad-auction-service/internal/health"
	"github.com/larsvolden/squad-auction-service/internal/leader"
	"github.com/larsvolden/squad-auction-service/internal/store"
	"github.com/larsvolden/squad-auction-service/internal/telemetry"

	// Register store drivers so they are available via store.Open.
	_ "github.com/larsvolden/squad-auction-service/internal/store/memory"
	_ "github.com/larsvolden/squad-auction-service/internal/store/postgres"
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

	// Open store using the configured driver (postgres or memory).
	repos, err := store.Open(ctx, cfg.Database, clk)
	if err != nil {
		return fmt.Errorf("opening store (driver=%s): %w", cfg.Database.Driver, err)
	}
	defer repos.Closer.Close()

	logger.InfoContext(ctx, "connected to store", slog.String("driver", cfg.Database.Driver))

	// Connect the event broadcaster.
	emitter, err := broadcast.Open(ctx, cfg.Broadcast, logger)
	if err != nil {
		return fmt.Errorf("opening broadcaster (driver=%s): %w", cfg.Broadcast.Driver, err)
	}
	defer emitter.Close()

	logger.InfoContext(ctx, "broadcaster connected", slog.String("driver", cfg.Broadcast.Driver))

	// Wire the engine and its HTTP surface.
	engine := auction.NewEngine(repos, emitter, nil, logger, clk)
	handlers := api.NewHandlers(engine, logger, tp.TracerProvider)

	// Setup health checks.
	healthHandler := health.NewHandler(clk,
		health.Checker{
			Name:  "database",
			Check: repos.Ping,
		},
		health.Checker{
			Name:  "broadcast",
			Check: emitter.Ping,
		},
	)

	// One server carries health probes and the API. Readiness keeps traffic
	// away from replicas that are not leading.
	rootMux := http.NewServeMux()
	rootMux.HandleFunc("/healthz", healthHandler.LivenessHandler())
	rootMux.HandleFunc("/readyz", healthHandler.ReadinessHandler())
	rootMux.Handle("/v1/", handlers.Router())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           rootMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting http server", slog.Int("port", cfg.Server.Port))
		if listenErr := httpServer.ListenAndServe(); listenErr != nil && listenErr != http.ErrServerClosed {
			logger.ErrorContext(ctx, "http server error", slog.Any("error", listenErr))
		}
	}()

	// startEngine is the core work that only the leader should run.
	startEngine := func(ctx context.Context) {
		// Reload active auctions so a corrupt ledger surfaces at startup
		// instead of on the first bid after failover.
		if n, recoverErr := engine.RecoverActive(ctx); recoverErr != nil {
			logger.ErrorContext(ctx, "auction recovery failed", slog.Any("error", recoverErr))
		} else if n > 0 {
			logger.InfoContext(ctx, "recovered active auctions", slog.Int("count", n))
		}

		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "auctiond is running (leader)", slog.String("version", version))

		// Block until leadership is lost or process is shutting down.
		<-ctx.Done()

		healthHandler.SetReady(false)
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
		// No leader election, run directly.
		if n, recoverErr := engine.RecoverActive(ctx); recoverErr != nil {
			logger.ErrorContext(ctx, "auction recovery failed", slog.Any("error", recoverErr))
		} else if n > 0 {
			logger.InfoContext(ctx, "recovered active auctions", slog.Int("count", n))
		}

		healthHandler.SetReady(true)
		logger.InfoContext(ctx, "auctiond is running", slog.String("version", version))

		// Wait for shutdown signal.
		<-ctx.Done()
		logger.Info("shutting down...")

		healthHandler.SetReady(false)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", slog.Any("error", err))
	}

	logger.Info("shutdown complete")
	return nil
}
