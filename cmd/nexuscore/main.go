// Package main provides the CLI entry point for the nexus-core
// message-processing engine: the dispatcher (C10) and its twelve
// supporting components, wired up and run as a single long-lived process.
//
// # Basic Usage
//
// Start the engine:
//
//	nexuscore serve --config engine.yaml
//
// # Environment Variables
//
//	NEXUS_CONFIG        path to the YAML config file (default engine.yaml)
//	DATABASE_URL        Postgres DSN; empty selects the embedded SQLite store
//	SQLITE_PATH         SQLite file path when DATABASE_URL is unset (default ./nexus.db)
//	ANTHROPIC_API_KEY   Anthropic provider credential
//	OPENAI_API_KEY      OpenAI-compatible provider credential
//	OPENAI_BASE_URL     OpenAI-compatible provider base URL override
//	AWS_REGION          enables the Bedrock provider when set
//	OTEL_EXPORTER_OTLP_ENDPOINT  trace collector endpoint, empty disables export
//	METRICS_ADDR        listen address for the /metrics and /healthz endpoints
//
// Run "nexuscore config schema" to print the JSON Schema for engine.yaml.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nexuscore/agentengine/internal/coalescer"
	"github.com/nexuscore/agentengine/internal/config"
	"github.com/nexuscore/agentengine/internal/dispatcher"
	"github.com/nexuscore/agentengine/internal/events"
	"github.com/nexuscore/agentengine/internal/hookmanager"
	"github.com/nexuscore/agentengine/internal/moduleregistry"
	"github.com/nexuscore/agentengine/internal/observability"
	"github.com/nexuscore/agentengine/internal/payment"
	"github.com/nexuscore/agentengine/internal/scheduler"
	"github.com/nexuscore/agentengine/internal/search"
	"github.com/nexuscore/agentengine/internal/sessioncache"
	"github.com/nexuscore/agentengine/internal/skillregistry"
	"github.com/nexuscore/agentengine/internal/storage"
	"github.com/nexuscore/agentengine/internal/subagent"
	"github.com/nexuscore/agentengine/internal/tools"
	"github.com/nexuscore/agentengine/internal/toolregistry"
)

// Build information, populated by ldflags at release time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "nexuscore",
		Short:        "nexus-core agent runtime engine",
		Version:      fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage: true,
	}
	root.AddCommand(buildServeCmd())
	root.AddCommand(buildConfigCmd())
	return root
}

func buildConfigCmd() *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "inspect engine configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "print the JSON Schema for engine.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(append(schema, '\n'))
			return err
		},
	})
	return configCmd
}

func buildServeCmd() *cobra.Command {
	var configPath string
	var subtypesDir string
	var skillsDir string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, subtypesDir, skillsDir)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", envOr("NEXUS_CONFIG", "engine.yaml"), "path to the YAML config file")
	cmd.Flags().StringVar(&subtypesDir, "subtypes-dir", envOr("NEXUS_SUBTYPES_DIR", "./subtypes"), "directory of agent subtype definitions")
	cmd.Flags().StringVar(&skillsDir, "skills-dir", envOr("NEXUS_SKILLS_DIR", "./skills"), "directory of skill definitions")
	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// engine bundles every long-running component so shutdown can unwind them in
// reverse construction order.
type engine struct {
	log        *observability.Logger
	store      storage.Store
	sessions   *sessioncache.Cache
	searchEng  *search.Engine
	coalescer  *coalescer.Coalescer
	sched      *scheduler.Scheduler
	metricsSrv *http.Server
	tracerStop func(context.Context) error
}

func runServe(ctx context.Context, configPath, subtypesDir, skillsDir string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfgStore := config.NewStore(cfg)
	env := config.LoadEnv()

	log := observability.NewLogger(observability.LogConfig{
		Level:          envOr("LOG_LEVEL", "info"),
		Format:         envOr("LOG_FORMAT", "json"),
		RedactPatterns: observability.DefaultRedactPatterns,
	})

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	tracerProvider, err := observability.NewTracerProvider(ctx, observability.TracingConfig{
		ServiceName:    "nexus-core",
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SampleFraction: 1.0,
	})
	if err != nil {
		return fmt.Errorf("start tracer provider: %w", err)
	}

	store, err := openStore(ctx, env, log)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	broadcaster := events.New(log)
	sessions := sessioncache.New(store, log, sessioncache.Config{})
	sessions.SetMetrics(metrics)
	sessions.Start(ctx)

	toolRegistry := toolregistry.New(log)
	registerBuiltinTools(toolRegistry)

	skills := skillregistry.New(skillsDir, store, log)
	if err := skills.Reload(ctx); err != nil {
		log.Warn(ctx, "initial skill reload failed", "error", err)
	}
	if err := skills.Watch(ctx, 500*time.Millisecond); err != nil {
		log.Warn(ctx, "skill watcher failed to start", "error", err)
	}

	searchEngine := search.New(store, nil, log, search.Config{})
	searchEngine.Start(ctx)

	paymentClient := payment.New(nil, nil, log, payment.Config{Mode: payment.ModeCustomEndpoint})

	modules := moduleregistry.New(store, toolRegistry, log)
	if err := startEnabledModules(ctx, modules, store, log); err != nil {
		log.Warn(ctx, "module startup failed", "error", err)
	}

	subtypes := dispatcher.NewSubtypeSource(subtypesDir)
	if err := subtypes.Reload(); err != nil {
		log.Warn(ctx, "initial subtype reload failed", "error", err)
	}

	router := buildRouter(ctx, cfg, log)

	hooks := hookmanager.New(subtypesDir, nil, log)
	for _, st := range subtypes.List(true) {
		if err := hooks.Load(st.Key); err != nil {
			log.Warn(ctx, "hook load failed", "subtype", st.Key, "error", err)
		}
	}

	// subagent.Manager and hookmanager.Manager both need a Runner that
	// wraps the *Dispatcher those very managers are Deps of. Construct
	// each Manager with no Runner, hand it to the Dispatcher (the
	// SubAgentSpawner/Runner interfaces are satisfied regardless of
	// whether the Manager's own runner field is populated yet), then
	// patch the real Runner in once the Dispatcher exists.
	subAgents := subagent.New(nil, broadcaster, log)
	subAgents.SetMetrics(metrics)

	d := dispatcher.New(dispatcher.Deps{
		Store:          store,
		Sessions:       sessions,
		Tools:          toolRegistry,
		Skills:         skills,
		Subtypes:       subtypes,
		Search:         searchEngine,
		Payment:        paymentClient,
		Broadcaster:    broadcaster,
		Router:         router,
		ConfigStore:    cfgStore,
		Log:            log,
		SubAgents:      subAgents,
		Hooks:          hooks,
		Metrics:        metrics,
		SoulText:       readFileOrEmpty("SOUL.md"),
		GuidelinesText: readFileOrEmpty("GUIDELINES.md"),
	})

	hooks.SetRunner(dispatcher.NewHookRunner(d))
	subAgents.SetRunner(dispatcher.NewSubAgentRunner(d))

	coalescerComp := coalescer.New(coalescer.Config{Enabled: true})
	coalescerComp.SetMetrics(metrics)
	coalescerComp.Start(ctx, func(f coalescer.Flushed) {
		channelID, userID := splitCoalesceKey(f.Key)
		_, err := d.Dispatch(ctx, dispatcher.NormalizedMessage{
			ChannelType: "coalesced",
			ChannelID:   channelID,
			ChatID:      userID,
			UserID:      userID,
			Text:        f.Text,
		})
		if err != nil {
			log.Error(ctx, "coalesced dispatch failed", "channel_id", channelID, "error", err)
		}
	})

	sched := scheduler.New(store, d, cfgStore, log)
	sched.Start(ctx)

	metricsSrv := startMetricsServer(envOr("METRICS_ADDR", ":9090"), log)

	e := &engine{
		log:        log,
		store:      store,
		sessions:   sessions,
		searchEng:  searchEngine,
		coalescer:  coalescerComp,
		sched:      sched,
		metricsSrv: metricsSrv,
		tracerStop: tracerProvider.Shutdown,
	}

	log.Info(ctx, "nexus-core engine started", "config", configPath, "subtypes_dir", subtypesDir, "skills_dir", skillsDir)

	<-ctx.Done()
	log.Info(ctx, "shutting down")
	return e.shutdown()
}

func (e *engine) shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	e.sched.Stop()
	e.coalescer.Stop()
	e.searchEng.Stop()
	if err := e.sessions.Shutdown(shutdownCtx); err != nil {
		e.log.Error(shutdownCtx, "session cache shutdown failed", "error", err)
	}
	if e.metricsSrv != nil {
		_ = e.metricsSrv.Shutdown(shutdownCtx)
	}
	if e.tracerStop != nil {
		_ = e.tracerStop(shutdownCtx)
	}
	if closer, ok := e.store.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	return nil
}

func openStore(ctx context.Context, env config.Env, log *observability.Logger) (storage.Store, error) {
	if env.DatabaseURL != "" {
		return storage.NewPostgresStore(ctx, env.DatabaseURL, storage.PostgresConfig{}, log)
	}
	path := envOr("SQLITE_PATH", "./nexus.db")
	return storage.NewSQLiteStore(ctx, path, log)
}

func buildRouter(ctx context.Context, cfg config.Config, log *observability.Logger) *dispatcher.Router {
	defaultModel := envOr("NEXUS_DEFAULT_MODEL", "claude-sonnet-4-5")
	router := dispatcher.NewRouter(defaultModel)

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		provider := dispatcher.NewAnthropicProvider(key, os.Getenv("ANTHROPIC_BASE_URL"), cfg.MaxResponseTokens)
		router.Register(provider, defaultModel, "claude-sonnet-4-5", "claude-opus-4-1")
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		provider := dispatcher.NewOpenAIProvider(key, os.Getenv("OPENAI_BASE_URL"), cfg.MaxResponseTokens)
		router.Register(provider, "gpt-4o", "gpt-4o-mini")
	}
	if region := os.Getenv("AWS_REGION"); region != "" {
		provider, err := dispatcher.NewBedrockProvider(ctx, dispatcher.BedrockConfig{
			Region:          region,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
			SessionToken:    os.Getenv("AWS_SESSION_TOKEN"),
		})
		if err != nil {
			log.Warn(ctx, "bedrock provider unavailable, skipping", "error", err)
		} else {
			router.Register(provider, "anthropic.claude-3-5-sonnet-20241022-v2:0")
		}
	}
	return router
}

func registerBuiltinTools(reg *toolregistry.Registry) {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(reg.Register(tools.SpawnSubagentsDefinition, tools.SpawnSubagentsHandler))
	must(reg.Register(tools.SubagentStatusDefinition, tools.SubagentStatusHandler))
}

func startEnabledModules(ctx context.Context, modules *moduleregistry.Registry, store storage.Store, log *observability.Logger) error {
	mods, err := store.ListModules(ctx)
	if err != nil {
		return fmt.Errorf("list modules: %w", err)
	}
	for _, mod := range mods {
		if !mod.Enabled {
			continue
		}
		if err := modules.Start(ctx, mod); err != nil {
			log.Warn(ctx, "module failed to start", "module", mod.Name, "error", err)
		}
	}
	return nil
}

func startMetricsServer(addr string, log *observability.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error(context.Background(), "metrics server exited", "error", err)
		}
	}()
	return srv
}

func splitCoalesceKey(key string) (channelID, userID string) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func readFileOrEmpty(path string) string {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return ""
	}
	return string(data)
}
