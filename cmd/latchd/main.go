// latchd is the agent workspace kernel: one process serving the event
// store, projections, policy gate, approvals, run queue, and room live
// tails over HTTP.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/latchwork/latch/pkg/api"
	"github.com/latchwork/latch/pkg/config"
	"github.com/latchwork/latch/pkg/database"
	"github.com/latchwork/latch/pkg/eventstore"
	"github.com/latchwork/latch/pkg/livetail"
	"github.com/latchwork/latch/pkg/policy"
	"github.com/latchwork/latch/pkg/projection"
	"github.com/latchwork/latch/pkg/queue"
	"github.com/latchwork/latch/pkg/security"
	"github.com/latchwork/latch/pkg/services"
	"github.com/latchwork/latch/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	envFile := flag.String("env-file",
		getEnv("LATCH_ENV_FILE", ".env"),
		"Path to a dotenv file with LATCH_* settings")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load env file, continuing with existing environment",
			"path", *envFile, "error", err)
	} else {
		slog.Info("Loaded environment", "path", *envFile)
	}

	slog.Info("Starting latchd", "version", version.Full())

	ctx := context.Background()

	// 1. Resolve configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	// 2. Connect to the database and apply migrations
	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		slog.Error("Failed to load database config", "error", err)
		os.Exit(1)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database client", "error", err)
		}
	}()
	slog.Info("Connected to PostgreSQL database")
	db := dbClient.DB()

	// 3. Event store with projections applying in the append transaction
	engine := projection.NewEngine(
		projection.NewConversationProjector(),
		projection.NewApprovalProjector(),
		projection.NewRunProjector(),
	)
	principals := security.NewPrincipalStore(db)
	redactor := security.NewRedactor(cfg.Secrets.RedactionMode)
	store := eventstore.NewStore(db, principals, redactor, engine)

	// 4. Policy gate and its layers
	capabilities := security.NewCapabilityService(db, principals)
	agents := security.NewAgentService(db)
	learning := policy.NewLearningRecorder(db)
	gate := policy.NewGate(policy.GateDeps{
		DB:           db,
		Store:        store,
		Principals:   principals,
		Capabilities: capabilities,
		Agents:       agents,
		Egress:       security.NewEgressRecorder(db),
		Learning:     learning,
	}, policy.GateConfig{
		Mode:              cfg.Policy.Mode,
		KillSwitch:        cfg.Policy.KillSwitch,
		EgressHourlyQuota: cfg.Policy.EgressHourlyQuota,
	})
	slog.Info("Policy gate initialized",
		"mode", cfg.Policy.Mode, "kill_switch", cfg.Policy.KillSwitch)

	// 5. Claim coordinator and lease sweeps
	coordinator := queue.NewCoordinator(db, store, queue.Config{
		LeaseDuration:        cfg.Queue.LeaseDuration,
		HeartbeatMinInterval: cfg.Queue.HeartbeatMinInterval,
		MaxClaimAge:          cfg.Queue.MaxClaimAge,
	})
	sweeper := queue.NewSweeper(coordinator, queue.SweeperConfig{
		Interval:   cfg.Queue.SweepInterval,
		RunTimeout: cfg.Queue.RunTimeout,
	})

	// Reclaim leases orphaned by a previous crash before serving traffic.
	if err := sweeper.SweepOnce(ctx); err != nil {
		// The periodic sweep retries; startup continues.
		slog.Error("Startup sweep failed", "error", err)
	}
	sweeper.Start(ctx)

	// 6. Live tail: pumps poll the store, NOTIFY wakeups trim the latency
	tail := livetail.NewManager(store, livetail.Config{})
	listener := livetail.NewListener(dbConfig.URL, tail)
	if err := listener.Start(ctx); err != nil {
		slog.Error("Failed to start live-tail listener", "error", err)
		os.Exit(1)
	}
	defer listener.Stop(ctx)
	tail.SetListener(listener)
	slog.Info("Live tail initialized")

	// 7. Secret vault, when a master key is configured
	var vault *security.Vault
	if cfg.Secrets.MasterKey != "" {
		vault, err = security.NewVault(db, cfg.Secrets.MasterKey)
		if err != nil {
			slog.Error("Failed to open secret vault", "error", err)
			os.Exit(1)
		}
		slog.Info("Secret vault opened")
	} else {
		slog.Warn("LATCH_MASTER_KEY not set, secret endpoints disabled")
	}

	// 8. HTTP server
	httpServer := api.NewServer(api.Deps{
		DBClient:     dbClient,
		WorkspaceID:  cfg.WorkspaceID,
		Rooms:        services.NewRoomService(db, store, cfg.WorkspaceID),
		Runs:         services.NewRunService(db, store, cfg.WorkspaceID),
		Approvals:    services.NewApprovalService(db, store, cfg.WorkspaceID),
		Events:       services.NewEventService(store),
		System:       services.NewSystemService(db, cfg.WorkspaceID),
		Gate:         gate,
		Learning:     learning,
		Coordinator:  coordinator,
		Tail:         tail,
		Capabilities: capabilities,
		Agents:       agents,
		Vault:        vault,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(cfg.Addr()); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("latchd started",
		"addr", cfg.Addr(),
		"workspace_id", cfg.WorkspaceID,
		"policy_mode", cfg.Policy.Mode)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown. The sweeper goes first so a pass in flight
	// commits before connections start closing.
	sweepDone := make(chan struct{})
	go func() {
		sweeper.Stop()
		close(sweepDone)
	}()
	select {
	case <-sweepDone:
		slog.Info("Sweeper stopped gracefully")
	case <-time.After(10 * time.Second):
		slog.Warn("Sweeper shutdown timeout exceeded")
	}

	// Drain HTTP with its own timeout budget. Open SSE tails end when the
	// server cancels their request contexts.
	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
