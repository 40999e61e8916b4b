// Package config loads the engine's runtime configuration. Parsing the
// on-disk bot_config.ron format itself is out of scope; this loader reads
// the same logical keys from YAML instead.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// OperatingMode toggles whether tools that would pause for confirmation
// instead proceed autonomously ("rogue").
type OperatingMode string

const (
	ModeRogue   OperatingMode = "Rogue"
	ModePartner OperatingMode = "Partner"
)

// HeartbeatConfig configures the Scheduler's heartbeat trigger.
type HeartbeatConfig struct {
	Enabled            bool     `yaml:"enabled"`
	IntervalMinutes    int      `yaml:"interval_minutes"`
	ActiveHoursStart   string   `yaml:"active_hours_start,omitempty"`
	ActiveHoursEnd     string   `yaml:"active_hours_end,omitempty"`
	ActiveDays         []string `yaml:"active_days,omitempty"`
}

// CompactionConfig sets the three context-token thresholds that trigger
// progressively more aggressive conversation compaction.
type CompactionConfig struct {
	BackgroundThreshold float64 `yaml:"background_threshold"`
	AggressiveThreshold float64 `yaml:"aggressive_threshold"`
	EmergencyThreshold  float64 `yaml:"emergency_threshold"`
}

func (c CompactionConfig) withDefaults() CompactionConfig {
	if c.BackgroundThreshold <= 0 {
		c.BackgroundThreshold = 0.80
	}
	if c.AggressiveThreshold <= 0 {
		c.AggressiveThreshold = 0.85
	}
	if c.EmergencyThreshold <= 0 {
		c.EmergencyThreshold = 0.95
	}
	return c
}

// ServicesConfig names external service URLs the engine calls out to.
type ServicesConfig struct {
	WhisperServerURL    string `yaml:"whisper_server_url,omitempty"`
	EmbeddingsServerURL string `yaml:"embeddings_server_url,omitempty"`
	HTTPProxyURL        string `yaml:"http_proxy_url,omitempty"`
	KeystoreServerURL   string `yaml:"keystore_server_url,omitempty"`
}

// Config is the full engine configuration, reloadable at runtime via an
// atomic pointer swap (see internal/config.Store) so in-flight turns keep
// reading a consistent snapshot.
type Config struct {
	BotName                  string            `yaml:"bot_name"`
	OperatingMode            OperatingMode     `yaml:"operating_mode"`
	Heartbeat                HeartbeatConfig   `yaml:"heartbeat"`
	Hyperpacks               []string          `yaml:"hyperpacks,omitempty"`
	MaxToolIterations        int               `yaml:"max_tool_iterations"`
	MaxResponseTokens        int               `yaml:"max_response_tokens"`
	MaxContextTokens         int               `yaml:"max_context_tokens"`
	SafeModeMaxQueriesPer10m int               `yaml:"safe_mode_max_queries_per_10min"`
	GuestDashboardEnabled    bool              `yaml:"guest_dashboard_enabled"`
	SessionMemoryLog         bool              `yaml:"session_memory_log"`
	Compaction               CompactionConfig `yaml:"compaction"`
	Services                 ServicesConfig    `yaml:"services"`
	TurnWallBudgetSecs        int              `yaml:"turn_wall_budget_secs"`
}

func (c Config) withDefaults() Config {
	if c.OperatingMode == "" {
		c.OperatingMode = ModePartner
	}
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 100
	}
	if c.MaxContextTokens <= 0 {
		c.MaxContextTokens = 128_000
	}
	if c.TurnWallBudgetSecs <= 0 {
		c.TurnWallBudgetSecs = 180
	}
	c.Compaction = c.Compaction.withDefaults()
	return c
}

// Load reads Config from a YAML file at path, applying defaults, then env
// var overrides (env > file > default).
func Load(path string) (Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg = cfg.withDefaults()
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NEXUS_MAX_TOOL_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxToolIterations = n
		}
	}
	if v := os.Getenv("NEXUS_MAX_CONTEXT_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxContextTokens = n
		}
	}
	if v := os.Getenv("NEXUS_OPERATING_MODE"); v != "" {
		cfg.OperatingMode = OperatingMode(v)
	}
}

// Env bundles the startup environment variables the engine reads.
type Env struct {
	Port                  int
	DatabaseURL           string
	AutoSyncFromKeystore  bool
	CLIGatewayToken       string
	InternalToken         string
	DisableModuleServices bool
	PublicURL             string
}

// LoadEnv reads the startup env vars, generating InternalToken if absent.
func LoadEnv() Env {
	port := 8080
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			port = n
		}
	}
	token := os.Getenv("STARKBOT_INTERNAL_TOKEN")
	if token == "" {
		token = generateToken()
	}
	return Env{
		Port:                  port,
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AutoSyncFromKeystore:  os.Getenv("AUTO_SYNC_FROM_KEYSTORE") == "true",
		CLIGatewayToken:       os.Getenv("CLI_GATEWAY_TOKEN"),
		InternalToken:         token,
		DisableModuleServices: os.Getenv("DISABLE_MODULE_SERVICES") == "true",
		PublicURL:             os.Getenv("STARK_PUBLIC_URL"),
	}
}

func generateToken() string {
	return fmt.Sprintf("auto-%d", time.Now().UnixNano())
}
