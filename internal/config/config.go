// Package config handles loading and persisting overseer configuration.
// Configuration is resolved from three layers, later layers overriding
// earlier ones: built-in defaults, the user config file under the XDG
// config directory, and OVERSEER_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for overseer.
type Config struct {
	Anthropic  AnthropicConfig  `mapstructure:"anthropic"`
	Store      StoreConfig      `mapstructure:"store"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Session    SessionConfig    `mapstructure:"session"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Router     RouterConfig     `mapstructure:"router"`
	Decomposer DecomposerConfig `mapstructure:"decomposer"`
	Admission  AdmissionConfig  `mapstructure:"admission"`
	Agents     AgentsConfig     `mapstructure:"agents"`
}

// AnthropicConfig holds API settings for the Anthropic client.
type AnthropicConfig struct {
	// APIKey may contain ${VAR} references, expanded at load time.
	APIKey string `mapstructure:"api_key"`
	// Model is the default model when a sub-agent names none.
	Model string `mapstructure:"model"`
}

// StoreConfig selects and tunes the run persistence backend.
type StoreConfig struct {
	// Backend is one of "sqlite" or "postgres".
	Backend  string         `mapstructure:"backend"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// SQLiteConfig configures the embedded store.
type SQLiteConfig struct {
	// Path is the database file. Empty resolves under the XDG data dir.
	Path string `mapstructure:"path"`
}

// PostgresConfig configures the client/server store.
type PostgresConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int           `mapstructure:"max_conns"`
	MinConns        int           `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// RedisConfig configures the optional snapshot cache in front of the
// durable store. An empty Addr disables caching.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// RegistryConfig tunes the in-memory run registry.
type RegistryConfig struct {
	// Capacity bounds tracked runs per conversation.
	Capacity int `mapstructure:"capacity"`
	// Retention is how long terminal runs are kept before pruning.
	Retention time.Duration `mapstructure:"retention"`
	// CrossProcess re-reads the store before each mutation so several
	// processes can share one backend.
	CrossProcess bool `mapstructure:"cross_process"`
}

// SessionConfig tunes the session runner.
type SessionConfig struct {
	// LaneCapacity bounds concurrently executing runs.
	LaneCapacity int `mapstructure:"lane_capacity"`
	// DefaultTimeout bounds a run with no per-run override.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// AnnounceMaxAttempts caps completion announcement retries.
	AnnounceMaxAttempts int `mapstructure:"announce_max_attempts"`
	// AnnounceBackoffBase is the first retry delay, doubled per attempt.
	AnnounceBackoffBase time.Duration `mapstructure:"announce_backoff_base"`
	// AnnounceLogSize caps the in-memory announcement event log.
	AnnounceLogSize int `mapstructure:"announce_log_size"`
}

// SchedulerConfig tunes parallel batch execution.
type SchedulerConfig struct {
	MaxParallel    int           `mapstructure:"max_parallel"`
	TaskTimeout    time.Duration `mapstructure:"task_timeout"`
	AbortOnFailure bool          `mapstructure:"abort_on_failure"`
}

// RouterConfig tunes hybrid routing thresholds.
type RouterConfig struct {
	// SkipThreshold is the keyword confidence above which the remote
	// router is skipped entirely.
	SkipThreshold float64 `mapstructure:"skip_threshold"`
	// RemoteMinConfidence is the floor for accepting a remote decision.
	RemoteMinConfidence float64 `mapstructure:"remote_min_confidence"`
	// KeywordFloor is the floor for keyword-only fallback routing.
	KeywordFloor float64 `mapstructure:"keyword_floor"`
}

// DecomposerConfig tunes task decomposition.
type DecomposerConfig struct {
	MaxSubTasks int `mapstructure:"max_subtasks"`
}

// AdmissionConfig bounds concurrent delegation. Zero disables a check.
type AdmissionConfig struct {
	MaxPerConversation int `mapstructure:"max_per_conversation"`
	MaxPerRequester    int `mapstructure:"max_per_requester"`
	MaxPerLineage      int `mapstructure:"max_per_lineage"`
	MaxDepth           int `mapstructure:"max_depth"`
}

// AgentsConfig locates sub-agent definitions.
type AgentsConfig struct {
	// Dir is a directory of per-agent YAML definition files. Empty
	// resolves to "agents" under the user config directory.
	Dir string `mapstructure:"dir"`
}

// Load reads configuration from defaults, the user config file, and
// environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	// A missing user config is fine; defaults and env still apply.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		pv := viper.New()
		pv.SetConfigFile(projectConfig)
		if err := pv.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(pv.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	bindEnv(v)
	return unmarshal(v)
}

// LoadFromPath reads configuration from a specific file. Used in tests
// and by the --config flag.
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	bindEnv(v)
	return unmarshal(v)
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = os.ExpandEnv(cfg.Anthropic.APIKey)
	if cfg.Store.SQLite.Path == "" {
		cfg.Store.SQLite.Path = defaultSQLitePath()
	}
	if cfg.Agents.Dir == "" {
		cfg.Agents.Dir = filepath.Join(getUserConfigDir(), "agents")
	}
	return cfg, nil
}

func bindEnv(v *viper.Viper) {
	v.SetEnvPrefix("OVERSEER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The standard Anthropic variable wins over the prefixed form.
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY", "OVERSEER_ANTHROPIC_API_KEY")
}

// Save writes the configuration to the user config file.
func (c *Config) Save() error {
	configDir := getUserConfigDir()
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.Set("anthropic", map[string]any{
		"api_key": c.Anthropic.APIKey,
		"model":   c.Anthropic.Model,
	})
	v.Set("store", map[string]any{
		"backend": c.Store.Backend,
		"sqlite":  map[string]any{"path": c.Store.SQLite.Path},
	})
	v.Set("session", map[string]any{
		"lane_capacity":   c.Session.LaneCapacity,
		"default_timeout": c.Session.DefaultTimeout.String(),
	})
	v.Set("scheduler", map[string]any{
		"max_parallel": c.Scheduler.MaxParallel,
		"task_timeout": c.Scheduler.TaskTimeout.String(),
	})
	v.Set("agents", map[string]any{"dir": c.Agents.Dir})

	configPath := filepath.Join(configDir, "config.yaml")
	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-sonnet-4-20250514")

	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.sqlite.path", "")
	v.SetDefault("store.postgres.url", "")
	v.SetDefault("store.postgres.max_conns", 8)
	v.SetDefault("store.postgres.min_conns", 0)
	v.SetDefault("store.postgres.max_conn_lifetime", "30m")
	v.SetDefault("store.postgres.connect_timeout", "5s")
	v.SetDefault("store.redis.addr", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.ttl", "1h")

	v.SetDefault("registry.capacity", 200)
	v.SetDefault("registry.retention", "24h")
	v.SetDefault("registry.cross_process", false)

	v.SetDefault("session.lane_capacity", 4)
	v.SetDefault("session.default_timeout", "10m")
	v.SetDefault("session.announce_max_attempts", 3)
	v.SetDefault("session.announce_backoff_base", "100ms")
	v.SetDefault("session.announce_log_size", 100)

	v.SetDefault("scheduler.max_parallel", 3)
	v.SetDefault("scheduler.task_timeout", "5m")
	v.SetDefault("scheduler.abort_on_failure", false)

	v.SetDefault("router.skip_threshold", 0.75)
	v.SetDefault("router.remote_min_confidence", 0.60)
	v.SetDefault("router.keyword_floor", 0.30)

	v.SetDefault("decomposer.max_subtasks", 5)

	v.SetDefault("admission.max_per_conversation", 10)
	v.SetDefault("admission.max_per_requester", 5)
	v.SetDefault("admission.max_per_lineage", 8)
	v.SetDefault("admission.max_depth", 3)

	v.SetDefault("agents.dir", "")
}

// getUserConfigDir returns the XDG config directory for overseer.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "overseer")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "overseer")
	}
	return filepath.Join(home, ".config", "overseer")
}

func defaultSQLitePath() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "overseer", "runs.db")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".overseer", "runs.db")
	}
	return filepath.Join(home, ".local", "share", "overseer", "runs.db")
}

// findProjectConfig searches for .overseer.yaml in the current directory
// and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".overseer.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}
