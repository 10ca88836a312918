package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/jordanhubbard/lomu/internal/agent"
	"github.com/jordanhubbard/lomu/internal/api"
	"github.com/jordanhubbard/lomu/internal/approval"
	"github.com/jordanhubbard/lomu/internal/audit"
	"github.com/jordanhubbard/lomu/internal/auth"
	"github.com/jordanhubbard/lomu/internal/credits"
	"github.com/jordanhubbard/lomu/internal/database"
	"github.com/jordanhubbard/lomu/internal/files"
	"github.com/jordanhubbard/lomu/internal/messagebus"
	"github.com/jordanhubbard/lomu/internal/provider"
	"github.com/jordanhubbard/lomu/internal/runstate"
	"github.com/jordanhubbard/lomu/internal/stream"
	"github.com/jordanhubbard/lomu/internal/telemetry"
	"github.com/jordanhubbard/lomu/internal/tools"
	"github.com/jordanhubbard/lomu/pkg/config"
	"github.com/jordanhubbard/lomu/pkg/messages"
	"github.com/jordanhubbard/lomu/pkg/models"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	if *showVersion {
		fmt.Printf("lomu v%s\n", version)
		return
	}
	api.Version = version

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configPath, err)
	}
	if err := applyEnvOverrides(cfg); err != nil {
		log.Fatalf("invalid environment override: %v", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry
	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTelemetry(runCtx, cfg.Telemetry.ServiceName, version, cfg.Telemetry.Endpoint)
		if err != nil {
			log.Printf("Warning: Failed to initialize telemetry: %v", err)
		} else {
			defer func() {
				if err := shutdownTelemetry(context.Background()); err != nil {
					log.Printf("Error shutting down telemetry: %v", err)
				}
			}()
		}
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	if db != nil {
		defer db.Close()
	}

	auditLog := audit.NewLogger(db)
	auditLog.InstallLogInterceptor()
	defer auditLog.Close()

	hub := stream.NewHub(cfg.Stream)
	defer hub.Close()
	hub.SetCheckOrigin(originChecker(cfg.Security.AllowedOrigins))

	authManager := auth.NewManager(cfg.Security.JWTSecret, cfg.Security.AdminUsers)
	if cfg.Security.EnableAuth {
		hub.SetAuthenticator(authManager.Authenticate)
	}

	var checks = map[string]api.CheckFunc{}

	// Cross-instance event mirror
	var bridge *messagebus.Bridge
	if cfg.NATS.Enabled {
		bus, err := messagebus.NewNatsMessageBus(messagebus.ConfigFrom(cfg.NATS))
		if err != nil {
			log.Printf("Warning: NATS unavailable, events stay local: %v", err)
		} else {
			defer bus.Close()
			bridge = messagebus.NewBridge(bus, bus, hub, 0)
			if err := bridge.Start(runCtx); err != nil {
				log.Fatalf("failed to start event bridge: %v", err)
			}
			hub.SetMirror(bridge)
			checks["nats"] = func(ctx context.Context) error {
				if !bus.Conn().IsConnected() {
					return errors.New("not connected")
				}
				return nil
			}
		}
	}

	// Credit ledger
	var store credits.Store = credits.NewMemoryStore()
	if db != nil {
		store = db
		checks["database"] = func(ctx context.Context) error { return db.DB().PingContext(ctx) }
	}
	ledger := credits.NewLedger(store, credits.Pricing{
		TokensPerCredit:   cfg.Credits.TokensPerCredit,
		CreditDollarValue: cfg.Credits.CreditDollarValue,
	})
	ledger.OnChange(func(userID string, bal models.Balance) {
		msg := messages.New(messages.TypeCreditUpdate, messages.CreditUpdatePayload{
			AvailableCredits: bal.AvailableCredits,
			ReservedCredits:  bal.ReservedCredits,
			TotalCredits:     bal.TotalCredits,
		})
		msg.UserID = userID
		hub.Send(userID, msg)
	})
	reportHeldReservations(runCtx, ledger)

	// Approval gate
	gateOpts := []approval.Option{
		approval.WithTimeout(cfg.Approvals.Timeout),
		approval.WithAuditor(auditLog),
	}
	if db != nil {
		gateOpts = append(gateOpts, approval.WithHistory(db))
	}
	gate := approval.NewGate(hub, gateOpts...)

	// Tools and model
	registry := tools.NewRegistry()
	tools.RegisterWorkspace(registry, files.NewManager(files.RootResolver{Root: cfg.Workspace.Root}))
	if unknown := registry.SetSensitive(cfg.Agent.SensitiveTools); len(unknown) > 0 {
		log.Printf("Warning: unknown sensitive tools ignored: %v", unknown)
	}
	model := provider.NewOpenAIProvider(cfg.Provider.Endpoint, cfg.Provider.APIKey, cfg.Provider.Model, cfg.Provider.Timeout)
	model.SetStreaming(!cfg.Provider.DisableStreaming)

	loopOpts := []agent.Option{agent.WithConfig(agent.ConfigFrom(cfg.Agent))}
	if cfg.Redis.Enabled {
		states, err := runstate.NewRedisStore(runCtx, cfg.Redis)
		if err != nil {
			log.Printf("Warning: Redis unavailable, run state stays in memory: %v", err)
		} else {
			defer states.Close()
			loopOpts = append(loopOpts, agent.WithRunStateStore(states))
			checks["redis"] = states.Ping
		}
	}
	loop := agent.NewLoop(model, registry, ledger, gate, hub, loopOpts...)
	runs := agent.NewManager(loop)

	// Hot-reload the settings that are safe to change live.
	if watcher, err := config.Watch(*configPath, func(next *config.Config) {
		gate.SetTimeout(next.Approvals.Timeout)
		if unknown := registry.SetSensitive(next.Agent.SensitiveTools); len(unknown) > 0 {
			log.Printf("Warning: unknown sensitive tools ignored: %v", unknown)
		}
		log.Printf("[Config] Reloaded: approval timeout %s, sensitive tools %v", next.Approvals.Timeout, next.Agent.SensitiveTools)
	}); err != nil {
		log.Printf("Config hot-reload disabled: %v", err)
	} else {
		defer watcher.Close()
	}

	deps := api.Deps{
		Approvals: gate,
		Wallets:   ledger,
		Runs:      runs,
		Stream:    hub,
		Auth:      authManager,
	}
	if db != nil {
		deps.History = db
	}
	if cfg.Credits.SignupAllocation > 0 {
		deps.Onboard = func(ctx context.Context, userID string) {
			if _, err := ledger.EnsureSignup(ctx, userID, cfg.Credits.SignupAllocation); err != nil {
				log.Printf("[Credits] Signup allocation for %s failed: %v", userID, err)
			}
		}
	}
	apiServer := api.NewServer(deps, cfg)
	for name, fn := range checks {
		apiServer.AddHealthCheck(name, fn)
	}

	// Wrap handler with OpenTelemetry instrumentation
	handler := otelhttp.NewHandler(apiServer.SetupRoutes(), "lomu-http-server")

	httpSrv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Printf("lomu API listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	_ = httpSrv.Shutdown(shutdownCtx)
	// Aborted runs still reconcile their reservations before we exit.
	if err := runs.Shutdown(shutdownCtx); err != nil {
		log.Printf("Agent runs did not finish before shutdown: %v", err)
	}
	if bridge != nil {
		bridge.Stop()
	}
	cancel()
}

// loadConfig reads path, or falls back to defaults when it does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfigFromFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("Config %s not found, using defaults", path)
		return config.DefaultConfig(), nil
	}
	return cfg, err
}

// applyEnvOverrides lets deployments point at infrastructure without
// editing the config file.
func applyEnvOverrides(cfg *config.Config) error {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.Database.Type = "postgres"
		cfg.Database.DSN = dsn
		log.Printf("Using Postgres from DATABASE_URL")
	}
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("REDIS_URL: %w", err)
		}
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = opts.Addr
		cfg.Redis.Password = opts.Password
		cfg.Redis.DB = opts.DB
		log.Printf("Using Redis at %s from REDIS_URL", opts.Addr)
	}
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		cfg.NATS.Enabled = true
		cfg.NATS.URL = natsURL
		log.Printf("Using NATS at %s from NATS_URL", natsURL)
	}
	if otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); otelEndpoint != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Endpoint = otelEndpoint
	}
	if secret := os.Getenv("LOMU_JWT_SECRET"); secret != "" {
		cfg.Security.JWTSecret = secret
	}
	return cfg.Validate()
}

// originChecker accepts websocket upgrades from the configured origins.
// Requests without an Origin header come from non-browser clients.
func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// reportHeldReservations logs reservations a previous process left held.
// They are not released automatically; operators settle them by hand.
func reportHeldReservations(ctx context.Context, ledger *credits.Ledger) {
	held, err := ledger.HeldReservations(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		log.Printf("[Credits] Failed to list held reservations: %v", err)
		return
	}
	for _, r := range held {
		log.Printf("[Credits] Reservation %s for user %s (run %s, %d credits) held since %s",
			r.ID, r.UserID, r.RunID, r.Credits, r.CreatedAt.Format(time.RFC3339))
	}
}

func printHelp() {
	fmt.Println("Usage: lomu [flags]")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  -config   Path to configuration file (default: config.yaml)")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -help     Show help message")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  DATABASE_URL                 Postgres DSN (switches the database to postgres)")
	fmt.Println("  REDIS_URL                    Redis URL for shared run state")
	fmt.Println("  NATS_URL                     NATS URL for cross-instance events")
	fmt.Println("  OTEL_EXPORTER_OTLP_ENDPOINT  OTLP gRPC collector for traces")
	fmt.Println("  LOMU_JWT_SECRET              HS256 secret for API and websocket tokens")
}
