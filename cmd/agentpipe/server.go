package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/agentpipe/agentpipe/internal/config"
	"github.com/agentpipe/agentpipe/internal/engine"
	"github.com/agentpipe/agentpipe/internal/gateway/httpapi"
	"github.com/agentpipe/agentpipe/internal/gateway/ws"
	"github.com/agentpipe/agentpipe/internal/hooks"
	"github.com/agentpipe/agentpipe/internal/llm"
	"github.com/agentpipe/agentpipe/internal/llm/anthropic"
	"github.com/agentpipe/agentpipe/internal/llm/openai"
	"github.com/agentpipe/agentpipe/internal/observability"
	"github.com/agentpipe/agentpipe/internal/quota"
	"github.com/agentpipe/agentpipe/internal/ratelimit"
	"github.com/agentpipe/agentpipe/internal/scheduler"
	"github.com/agentpipe/agentpipe/internal/storage"
	pgstore "github.com/agentpipe/agentpipe/internal/storage/postgres"
	sqlitestore "github.com/agentpipe/agentpipe/internal/storage/sqlite"
	"github.com/agentpipe/agentpipe/internal/tools"
	mcptools "github.com/agentpipe/agentpipe/internal/tools/mcp"
)

var (
	serverConfigPath string
	serverPort       string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the orchestration server",
	RunE:  runServer,
}

func init() {
	// Register flags on both root and server so that
	// `agentpipe --config path` and `agentpipe server --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serverCmd} {
		cmd.Flags().StringVar(&serverConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&serverPort, "port", "", "override HTTP listen port (e.g. :8080)")
	}
}

// runServer starts the full stack: storage, engine, scheduler, and the HTTP
// gateway.
func runServer(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load(goutils.Env("AGENTPIPE_CONFIG", serverConfigPath))
	if err != nil {
		return err
	}
	if serverPort != "" {
		cfg.Server.ListenAddr = serverPort
	}

	logger.Info("starting server", slog.String("config", serverConfigPath))

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ensure data directory exists.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	defer func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	}()

	// LLM provider.
	provider, err := newLLMProvider(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing LLM provider: %w", err)
	}
	logger.Debug("llm provider initialized", slog.String("provider", provider.Name()))
	if obs != nil && obs.Metrics != nil {
		provider = observability.NewInstrumentedProvider(provider, obs.Metrics, obs.TracerOrNil())
	}

	// Storage.
	store, err := initStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	}()
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	logger.Debug("storage initialized", slog.String("driver", store.Driver()))

	// Resolve API key → organization mapping. Each distinct organization
	// name is created on first boot.
	apiKeys, err := resolveAPIKeys(ctx, cfg, store)
	if err != nil {
		return err
	}
	logger.Debug("organizations resolved", slog.Int("api_keys", len(apiKeys)))

	// Quota metering. A zero default limit disables metering entirely.
	quotaLimit := 0
	quotaWindow := time.Duration(0)
	if cfg.Quota != nil {
		quotaLimit = cfg.Quota.DefaultLimit
		quotaWindow = cfg.Quota.Window()
	}
	quotaMgr := quota.NewManager(quotaLimit, quotaWindow, logger)
	if cfg.Quota != nil {
		for orgName, limit := range cfg.Quota.OrgLimits {
			orgID, err := store.EnsureOrganization(ctx, orgName)
			if err != nil {
				return fmt.Errorf("resolving quota org %q: %w", orgName, err)
			}
			quotaMgr.SetLimit(orgID, limit)
		}
		logger.Debug("quota metering enabled",
			slog.Int("default_limit", cfg.Quota.DefaultLimit),
			slog.String("window", cfg.Quota.Window().String()),
		)
	}

	// Tool registry with MCP servers.
	toolReg := tools.NewRegistry(logger)
	if len(cfg.Tools.MCP) > 0 {
		bridge := mcptools.NewBridge(logger)
		mcpCtx, mcpCancel := context.WithTimeout(ctx, 30*time.Second)
		for _, srv := range cfg.Tools.MCP {
			n, mcpErr := bridge.ConnectAndRegister(mcpCtx, srv, toolReg)
			if mcpErr != nil {
				logger.Error("MCP server failed, skipping",
					slog.String("server", srv.Name),
					slog.String("error", mcpErr.Error()),
				)
				continue
			}
			logger.Debug("MCP tools registered",
				slog.String("server", srv.Name),
				slog.Int("tools", n),
			)
		}
		mcpCancel()
		defer bridge.Close()
	}

	// Engine metrics share the observability registry.
	var engMetrics *engine.Metrics
	if obs != nil && obs.Metrics != nil {
		engMetrics = engine.NewMetrics(obs.Metrics.Registry)
	}

	// Completion hooks.
	dispatcher := hooks.NewDispatcher(engMetrics, logger)
	dispatcher.Register(hooks.NewWebhookSender(logger))
	dispatcher.Register(hooks.NewChatSender(logger))
	if cfg.Hooks.SMTP != nil {
		dispatcher.Register(hooks.NewEmailSender(hooks.SMTPConfig{
			Host:     cfg.Hooks.SMTP.Host,
			Port:     cfg.Hooks.SMTP.Port,
			Username: cfg.Hooks.SMTP.Username,
			Password: cfg.Hooks.SMTP.Password,
			From:     cfg.Hooks.SMTP.From,
			TLS:      cfg.Hooks.SMTP.TLS,
		}, logger))
	}

	// Execution engine.
	coordinator := engine.NewCoordinator(store, provider, quotaMgr, toolReg, dispatcher, engMetrics, logger, engine.Config{
		MaxDelegationDepth: cfg.Engine.MaxDelegationDepth,
		InvokeTimeout:      cfg.Engine.InvokeTimeout(),
		MaxToolIterations:  cfg.Engine.MaxToolIterations,
		MaxTokens:          cfg.Engine.MaxTokens,
	})

	// Recover executions left running by an unclean shutdown before
	// accepting traffic.
	if err := coordinator.SweepStaleExecutions(ctx); err != nil {
		return fmt.Errorf("sweeping stale executions: %w", err)
	}

	// Cron scheduler.
	if cfg.Scheduler != nil && cfg.Scheduler.Enabled {
		var schedMetrics *observability.MetricsCollector
		if obs != nil {
			schedMetrics = obs.Metrics
		}
		sched := scheduler.New(store, coordinator, schedMetrics, logger, scheduler.Config{
			PollInterval:    cfg.Scheduler.PollInterval(),
			MissedRunWindow: cfg.Scheduler.MissedRunWindow(),
		})
		cancelScheduler := sched.Start(ctx)
		defer cancelScheduler()
		logger.Debug("scheduler started",
			slog.String("poll_interval", cfg.Scheduler.PollInterval().String()),
		)
	}

	// Health checks.
	if obs != nil && obs.Health != nil {
		if pg, ok := store.(*pgstore.Store); ok {
			obs.Health.AddCheck("database", pg.Ping)
		}
	}

	// HTTP gateway.
	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Server.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Server.RateLimit.BurstSize,
	})

	gwCfg := httpapi.Config{
		ListenAddr:     cfg.Server.Addr(),
		EnableDocs:     cfg.Server.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: cfg.Server.MaxRequestSizeBytes,
		MetricsPath:    cfg.Server.MetricsPath,
	}
	if obs != nil {
		gwCfg.Metrics = obs.Metrics
		gwCfg.HealthChecker = obs.Health
		gwCfg.Tracer = obs.TracerOrNil()
		if obs.Metrics != nil {
			gwCfg.MetricsRegistry = obs.Metrics.Registry
		}
	}
	gw := httpapi.NewGateway(gwCfg, store, coordinator, limiter, logger)

	// WebSocket execution watch endpoint.
	if cfg.Server.Watch.Enabled {
		watch := ws.NewServer(store, ws.Config{
			APIKeys:      apiKeys,
			PollInterval: cfg.Server.Watch.PollInterval(),
		}, logger)
		gw.WithHandler("/v1/executions/{id}/watch", watch.Handler())
		logger.Debug("execution watch endpoint mounted")
	}

	// Start the gateway and wait for a signal or server error.
	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}

// resolveAPIKeys builds the API key → organization ID mapping from config
// and the AGENTPIPE_API_KEYS env override ("key:org,key:org").
func resolveAPIKeys(ctx context.Context, cfg *config.Config, store storage.Store) (map[string]uuid.UUID, error) {
	keyOrgs := make(map[string]string, len(cfg.Server.APIKeys))
	for key, org := range cfg.Server.APIKeys {
		keyOrgs[key] = org
	}
	if envKeys := os.Getenv("AGENTPIPE_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				keyOrgs[parts[0]] = parts[1]
			}
		}
	}

	apiKeys := make(map[string]uuid.UUID, len(keyOrgs))
	for key, orgName := range keyOrgs {
		orgID, err := store.EnsureOrganization(ctx, orgName)
		if err != nil {
			return nil, fmt.Errorf("ensuring organization %q: %w", orgName, err)
		}
		apiKeys[key] = orgID
	}
	return apiKeys, nil
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	sc := cfg.StorageConfig()

	switch sc.Driver {
	case storage.DriverPostgres:
		return pgstore.Open(pgstore.Config{
			DSN:             sc.Postgres.DSN,
			MaxOpenConns:    sc.Postgres.MaxOpenConns,
			MaxIdleConns:    sc.Postgres.MaxIdleConns,
			ConnMaxLifetime: time.Duration(sc.Postgres.ConnMaxLifetimeS) * time.Second,
		}, logger)
	case storage.DriverSQLite:
		return sqlitestore.Open(sqlitestore.Config{
			Path:        sc.SQLite.Path,
			JournalMode: sc.SQLite.JournalMode,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", sc.Driver)
	}
}

// newLLMProvider creates the LLM provider based on the configured default.
func newLLMProvider(cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	primary, err := buildProvider(cfg.Providers.Default, cfg, logger)
	if err != nil {
		return nil, err
	}

	// Build fallback chain if configured.
	if len(cfg.Providers.Fallback) > 0 {
		providers := []llm.Provider{primary}
		for _, name := range cfg.Providers.Fallback {
			fb, err := buildProvider(name, cfg, logger)
			if err != nil {
				logger.Warn("skipping fallback provider",
					slog.String("provider", name),
					slog.String("error", err.Error()),
				)
				continue
			}
			providers = append(providers, fb)
		}
		if len(providers) > 1 {
			return llm.NewFallbackProvider(providers, logger), nil
		}
	}

	return primary, nil
}

// buildProvider creates a single LLM provider by name.
func buildProvider(name string, cfg *config.Config, logger *slog.Logger) (llm.Provider, error) {
	switch name {
	case "anthropic", "":
		return anthropic.NewClient(
			cfg.Providers.Anthropic.APIKey,
			cfg.Providers.Anthropic.Model,
			logger,
		), nil
	case "openai":
		var opts []openai.Option
		if cfg.Providers.OpenAI.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Providers.OpenAI.BaseURL))
		}
		return openai.NewClient(
			cfg.Providers.OpenAI.APIKey,
			cfg.Providers.OpenAI.Model,
			logger,
			opts...,
		), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", name)
	}
}
