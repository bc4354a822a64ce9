// Package config loads and validates refresher configuration via Viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Universe  UniverseConfig  `mapstructure:"universe"`
	Refresher RefresherConfig `mapstructure:"refresher"`
	Gate      GateConfig      `mapstructure:"gate"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Store     StoreConfig     `mapstructure:"store"`
	Cache     CacheConfig     `mapstructure:"cache"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// UniverseConfig fixes the subject/region key space the refresher covers.
type UniverseConfig struct {
	Subjects     []string `mapstructure:"subjects"`
	SubjectsFile string   `mapstructure:"subjects_file"`
	Regions      []string `mapstructure:"regions"`
}

// RefresherConfig governs the scheduler loop.
type RefresherConfig struct {
	StaleThresholdHours  int `mapstructure:"stale_threshold_hours"`
	StartupDelaySeconds  int `mapstructure:"startup_delay_seconds"`
	CycleBreakMinutes    int `mapstructure:"cycle_break_minutes"`
	PausePollSeconds     int `mapstructure:"pause_poll_seconds"`
	BlockCooldownHours   int `mapstructure:"block_cooldown_hours"`
	ErrorCooldownSeconds int `mapstructure:"error_cooldown_seconds"`
	PacingMinSeconds     int `mapstructure:"pacing_min_seconds"`
	PacingMaxSeconds     int `mapstructure:"pacing_max_seconds"`
	SaveEvery            int `mapstructure:"save_every"`
}

// GateConfig shapes the fetch admission budget.
type GateConfig struct {
	MinIntervalSeconds    int `mapstructure:"min_interval_seconds"`
	MaxConcurrent         int `mapstructure:"max_concurrent"`
	ReservoirSize         int `mapstructure:"reservoir_size"`
	RefillAmount          int `mapstructure:"refill_amount"`
	RefillIntervalSeconds int `mapstructure:"refill_interval_seconds"`
	MaxJitterSeconds      int `mapstructure:"max_jitter_seconds"`
}

// FetchConfig configures the upstream collaborator.
type FetchConfig struct {
	BaseURL          string `mapstructure:"base_url"`
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	KeyTTLHours      int    `mapstructure:"key_ttl_hours"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// StoreConfig selects and parameterizes dataset durability.
type StoreConfig struct {
	Backend  string       `mapstructure:"backend"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	MaxConns int          `mapstructure:"max_conns"`
	Mirror   MirrorConfig `mapstructure:"mirror"`
}

// MirrorConfig optionally copies each saved snapshot to blob storage.
type MirrorConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Dir     string `mapstructure:"dir"`
}

// CacheConfig selects the series-key cache backend.
type CacheConfig struct {
	Backend  string `mapstructure:"backend"`
	Addr     string `mapstructure:"addr"`
	Prefix   string `mapstructure:"prefix"`
	TTLHours int    `mapstructure:"ttl_hours"`
}

// PubSubConfig holds refresh-event publishing settings.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

// Watch invokes fn with a freshly decoded Config every time the file at
// path changes. Saves that fail to parse or validate are logged and
// skipped, leaving the previous configuration in effect.
func Watch(path string, logger *zap.Logger, fn func(Config)) error {
	if path == "" {
		return fmt.Errorf("config watch requires a file path")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	v.OnConfigChange(func(_ fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("config reload skipped", zap.Error(err))
			return
		}
		logger.Info("config reloaded", zap.String("path", path))
		fn(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("TRENDKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("universe.regions", []string{"US", "GB", "DE", "FR", "JP", "BR"})
	v.SetDefault("refresher.stale_threshold_hours", 168)
	v.SetDefault("refresher.startup_delay_seconds", 45)
	v.SetDefault("refresher.cycle_break_minutes", 5)
	v.SetDefault("refresher.pause_poll_seconds", 60)
	v.SetDefault("refresher.block_cooldown_hours", 24)
	v.SetDefault("refresher.error_cooldown_seconds", 60)
	v.SetDefault("refresher.pacing_min_seconds", 120)
	v.SetDefault("refresher.pacing_max_seconds", 300)
	v.SetDefault("refresher.save_every", 25)
	v.SetDefault("gate.min_interval_seconds", 20)
	v.SetDefault("gate.max_concurrent", 1)
	v.SetDefault("gate.reservoir_size", 10)
	v.SetDefault("gate.refill_amount", 1)
	v.SetDefault("gate.refill_interval_seconds", 60)
	v.SetDefault("gate.max_jitter_seconds", 10)
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.key_ttl_hours", 24)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 5000)
	v.SetDefault("store.backend", "file")
	v.SetDefault("store.path", "data/dataset.json")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.mirror.backend", "none")
	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.addr", "redis://localhost:6379")
	v.SetDefault("cache.prefix", "serieskey")
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("pubsub.backend", "none")
	v.SetDefault("pubsub.topic", "trend-events")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if len(c.Universe.Regions) == 0 {
		return fmt.Errorf("universe.regions must not be empty")
	}
	if c.Refresher.SaveEvery <= 0 {
		return fmt.Errorf("refresher.save_every must be > 0")
	}
	if c.Refresher.PacingMaxSeconds < c.Refresher.PacingMinSeconds {
		return fmt.Errorf("refresher.pacing_max_seconds must be >= refresher.pacing_min_seconds")
	}
	if c.Gate.MaxConcurrent <= 0 {
		return fmt.Errorf("gate.max_concurrent must be > 0")
	}
	if c.Gate.MinIntervalSeconds < 0 {
		return fmt.Errorf("gate.min_interval_seconds must be >= 0")
	}
	switch c.Store.Backend {
	case "file":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path must be set for the file backend")
		}
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn must be set for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("store.backend must be one of file, postgres, memory")
	}
	switch c.Store.Mirror.Backend {
	case "none", "":
	case "gcs":
		if c.Store.Mirror.Bucket == "" {
			return fmt.Errorf("store.mirror.bucket must be set for the gcs mirror")
		}
	case "local":
		if c.Store.Mirror.Dir == "" {
			return fmt.Errorf("store.mirror.dir must be set for the local mirror")
		}
	default:
		return fmt.Errorf("store.mirror.backend must be one of none, gcs, local")
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.Addr == "" {
			return fmt.Errorf("cache.addr must be set for the redis backend")
		}
	default:
		return fmt.Errorf("cache.backend must be one of memory, redis")
	}
	switch c.PubSub.Backend {
	case "none", "memory":
	case "pubsub":
		if c.PubSub.ProjectID == "" || c.PubSub.Topic == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("pubsub.backend must be one of none, memory, pubsub")
	}
	return nil
}

// ResolveSubjects returns the item universe, reading SubjectsFile when
// set. Blank lines and #-comments are skipped.
func (c UniverseConfig) ResolveSubjects() ([]string, error) {
	if c.SubjectsFile == "" {
		return c.Subjects, nil
	}
	raw, err := os.ReadFile(c.SubjectsFile)
	if err != nil {
		return nil, fmt.Errorf("read subjects file: %w", err)
	}
	var subjects []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		subjects = append(subjects, line)
	}
	return subjects, nil
}

func (c RefresherConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdHours) * time.Hour
}

func (c RefresherConfig) StartupDelay() time.Duration {
	return time.Duration(c.StartupDelaySeconds) * time.Second
}

func (c RefresherConfig) CycleBreak() time.Duration {
	return time.Duration(c.CycleBreakMinutes) * time.Minute
}

func (c RefresherConfig) PausePoll() time.Duration {
	return time.Duration(c.PausePollSeconds) * time.Second
}

func (c RefresherConfig) BlockCooldown() time.Duration {
	return time.Duration(c.BlockCooldownHours) * time.Hour
}

func (c RefresherConfig) ErrorCooldown() time.Duration {
	return time.Duration(c.ErrorCooldownSeconds) * time.Second
}

func (c RefresherConfig) PacingMin() time.Duration {
	return time.Duration(c.PacingMinSeconds) * time.Second
}

func (c RefresherConfig) PacingMax() time.Duration {
	return time.Duration(c.PacingMaxSeconds) * time.Second
}

func (c GateConfig) MinInterval() time.Duration {
	return time.Duration(c.MinIntervalSeconds) * time.Second
}

func (c GateConfig) RefillInterval() time.Duration {
	return time.Duration(c.RefillIntervalSeconds) * time.Second
}

func (c GateConfig) MaxJitter() time.Duration {
	return time.Duration(c.MaxJitterSeconds) * time.Second
}

func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c FetchConfig) KeyTTL() time.Duration {
	return time.Duration(c.KeyTTLHours) * time.Hour
}

func (c FetchConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

func (c FetchConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLHours) * time.Hour
}
