package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	ffhttp "github.com/Strob0t/FlowForge/internal/adapter/http"
	ffnats "github.com/Strob0t/FlowForge/internal/adapter/nats"
	fotel "github.com/Strob0t/FlowForge/internal/adapter/otel"
	"github.com/Strob0t/FlowForge/internal/adapter/postgres"
	"github.com/Strob0t/FlowForge/internal/adapter/ristretto"
	"github.com/Strob0t/FlowForge/internal/adapter/worker"
	"github.com/Strob0t/FlowForge/internal/adapter/ws"
	"github.com/Strob0t/FlowForge/internal/config"
	"github.com/Strob0t/FlowForge/internal/domain/approval"
	"github.com/Strob0t/FlowForge/internal/domain/workflow"
	"github.com/Strob0t/FlowForge/internal/logger"
	"github.com/Strob0t/FlowForge/internal/middleware"
	"github.com/Strob0t/FlowForge/internal/port/agent"
	"github.com/Strob0t/FlowForge/internal/port/notifier"
	"github.com/Strob0t/FlowForge/internal/service"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"sweep_interval", cfg.Orchestrator.SweepInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	if cfg.Telemetry.Enabled {
		shutdown, err := fotel.Setup(ctx, cfg.Logging.Service, cfg.Telemetry.Endpoint)
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}
	metrics, err := fotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := ffnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Drain() }()

	statusCache, err := ristretto.New(cfg.Orchestrator.StatusCacheSize)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer statusCache.Close()

	// --- Agents ---
	if err := worker.Register(ctx, queue); err != nil {
		return fmt.Errorf("worker agents: %w", err)
	}
	agents, err := buildAgents(cfg.Agents)
	if err != nil {
		return fmt.Errorf("agents: %w", err)
	}

	// --- Notifiers ---
	providers, err := buildNotifiers(cfg.Notifiers)
	if err != nil {
		return fmt.Errorf("notifiers: %w", err)
	}

	// --- Services ---
	hub := ws.NewHub()
	store := postgres.NewStore(pool)
	machine := workflow.NewMachine(timeoutRouting(cfg.Approvals))

	notifications := service.NewNotificationService(providers, cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	approvals := service.NewApprovalService(store, cfg.Approvals)
	escalations := service.NewEscalationService(store, notifications, hub)
	supervisor := service.NewRetrySupervisor(agents, store, cfg.Retry, metrics)
	orch := service.NewOrchestrator(machine, store, approvals, escalations, supervisor,
		notifications, hub, statusCache, metrics, cfg.Orchestrator)

	if err := orch.Recover(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	}
	go orch.Run(ctx)

	// --- HTTP ---
	handlers := ffhttp.NewHandlers(orch, approvals, escalations, notifications, hub, queue, pool)

	r := chi.NewRouter()
	r.Use(ffhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(ffhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.Telemetry.Enabled {
		r.Use(fotel.HTTPMiddleware(cfg.Logging.Service))
	}
	ffhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	if err := orch.Shutdown(shutdownCtx); err != nil {
		slog.Warn("dispatches still in flight at shutdown", "error", err)
	}
	return nil
}

// buildAgents instantiates one agent per configured binding and fills in a
// NATS worker for every workflow agent ID the config leaves out.
func buildAgents(configs []config.Agent) (map[string]agent.Agent, error) {
	agents := make(map[string]agent.Agent)
	for _, c := range configs {
		conf := map[string]string{"name": c.Name}
		for k, v := range c.Config {
			conf[k] = v
		}
		a, err := agent.New(c.Provider, conf)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", c.Name, err)
		}
		agents[c.Name] = a
	}
	for _, name := range []string{"requirements", "query", "retrieval", "quality", "delivery"} {
		if _, ok := agents[name]; ok {
			continue
		}
		a, err := agent.New("worker", map[string]string{"name": name})
		if err != nil {
			return nil, fmt.Errorf("default agent %s: %w", name, err)
		}
		agents[name] = a
	}
	return agents, nil
}

// buildNotifiers instantiates every configured notification provider,
// defaulting to the log provider when none are configured.
func buildNotifiers(configs []config.Notifier) ([]notifier.Notifier, error) {
	if len(configs) == 0 {
		configs = []config.Notifier{{Provider: "log"}}
	}
	providers := make([]notifier.Notifier, 0, len(configs))
	for _, c := range configs {
		n, err := notifier.New(c.Provider, c.Config)
		if err != nil {
			return nil, fmt.Errorf("notifier %s: %w", c.Provider, err)
		}
		providers = append(providers, n)
	}
	return providers, nil
}

// timeoutRouting converts the configured per-kind timeout policies into the
// state machine's timeout routing table.
func timeoutRouting(cfg config.Approvals) map[approval.Kind]workflow.TimeoutAction {
	routing := make(map[approval.Kind]workflow.TimeoutAction, len(cfg.Kinds))
	for kind, policy := range cfg.Kinds {
		action := workflow.TimeoutEscalate
		if policy.OnTimeout == "reject" {
			action = workflow.TimeoutReject
		}
		routing[approval.Kind(kind)] = action
	}
	return routing
}
