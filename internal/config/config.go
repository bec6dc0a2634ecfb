package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracking TrackingConfig `mapstructure:"tracking"`
	Policy   PolicyConfig   `mapstructure:"policy"`
}

// ServerConfig defines the HTTP listener serving metrics and the API
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	HTTPPort    int    `mapstructure:"http_port"`
	APIEnabled  bool   `mapstructure:"api_enabled"`
}

// StorageConfig defines the event log backend
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // "sqlite", "bolt" or "redis"
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines connection settings for the redis backend
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TrackingConfig defines session projection and daily accounting settings
type TrackingConfig struct {
	StopGracePeriod    string   `mapstructure:"stop_grace_period"`
	Timezone           string   `mapstructure:"timezone"`
	TargetPackages     []string `mapstructure:"target_packages"` // used until the log sets targets
	Mode               string   `mapstructure:"mode"`            // "daily_limit" or "session_only"
	SnapshotTTL        string   `mapstructure:"snapshot_ttl"`
	MaxRuntimeStep     string   `mapstructure:"max_runtime_step"`
	TickInterval       string   `mapstructure:"tick_interval"`
	HistoryCacheSize   int      `mapstructure:"history_cache_size"`
	EventRetentionDays int      `mapstructure:"event_retention_days"`
	RolloverTime       string   `mapstructure:"rollover_time"` // HH:MM
}

// PolicyConfig defines usage limit policy settings
type PolicyConfig struct {
	PolicyDir       string `mapstructure:"policy_dir"` // empty uses the embedded policy
	DailyLimit      string `mapstructure:"daily_limit"`
	AllTargetsLimit string `mapstructure:"all_targets_limit"`
	WarnBefore      string `mapstructure:"warn_before"`
}

const (
	ModeDailyLimit  = "daily_limit"
	ModeSessionOnly = "session_only"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("USAGETRAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration produced by defaults alone.
func Defaults() map[string]any {
	v := viper.New()
	setDefaults(v)
	return v.AllSettings()
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("server.http_port", 9090)
	v.SetDefault("server.api_enabled", true)

	// Storage defaults
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.path", "/var/lib/usagetrail/events.sqlite")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "usagetrail")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Tracking defaults
	v.SetDefault("tracking.stop_grace_period", "5m")
	v.SetDefault("tracking.timezone", "Local")
	v.SetDefault("tracking.target_packages", []string{})
	v.SetDefault("tracking.mode", ModeDailyLimit)
	v.SetDefault("tracking.snapshot_ttl", "30s")
	v.SetDefault("tracking.max_runtime_step", "2s")
	v.SetDefault("tracking.tick_interval", "1s")
	v.SetDefault("tracking.history_cache_size", 64)
	v.SetDefault("tracking.event_retention_days", 90)
	v.SetDefault("tracking.rollover_time", "00:03")

	// Policy defaults
	v.SetDefault("policy.policy_dir", "")
	v.SetDefault("policy.daily_limit", "0s")
	v.SetDefault("policy.all_targets_limit", "0s")
	v.SetDefault("policy.warn_before", "5m")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "sqlite"
	case "sqlite", "bolt", "redis":
	default:
		return fmt.Errorf("unknown storage type: %q", cfg.Storage.Type)
	}

	if cfg.Storage.Type != "redis" {
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	} else {
		for name, value := range map[string]string{
			"storage.redis.dial_timeout":  cfg.Storage.Redis.DialTimeout,
			"storage.redis.read_timeout":  cfg.Storage.Redis.ReadTimeout,
			"storage.redis.write_timeout": cfg.Storage.Redis.WriteTimeout,
		} {
			if _, err := time.ParseDuration(value); err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
		}
	}

	// A zero grace period ends a session at its first pause.
	grace, err := time.ParseDuration(cfg.Tracking.StopGracePeriod)
	if err != nil {
		return fmt.Errorf("invalid tracking.stop_grace_period: %w", err)
	}
	if grace < 0 {
		return fmt.Errorf("tracking.stop_grace_period must not be negative, got %s", cfg.Tracking.StopGracePeriod)
	}

	for name, value := range map[string]string{
		"tracking.snapshot_ttl":     cfg.Tracking.SnapshotTTL,
		"tracking.max_runtime_step": cfg.Tracking.MaxRuntimeStep,
		"tracking.tick_interval":    cfg.Tracking.TickInterval,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, value)
		}
	}

	for name, value := range map[string]string{
		"policy.daily_limit":       cfg.Policy.DailyLimit,
		"policy.all_targets_limit": cfg.Policy.AllTargetsLimit,
		"policy.warn_before":       cfg.Policy.WarnBefore,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative, got %s", name, value)
		}
	}

	if _, err := cfg.Tracking.Location(); err != nil {
		return err
	}
	if _, _, err := ParseClock(cfg.Tracking.RolloverTime); err != nil {
		return fmt.Errorf("invalid tracking.rollover_time: %w", err)
	}

	switch cfg.Tracking.Mode {
	case "":
		cfg.Tracking.Mode = ModeDailyLimit
	case ModeDailyLimit, ModeSessionOnly:
	default:
		return fmt.Errorf("unknown tracking mode: %q", cfg.Tracking.Mode)
	}

	if cfg.Tracking.HistoryCacheSize <= 0 {
		return fmt.Errorf("tracking.history_cache_size must be positive, got %d", cfg.Tracking.HistoryCacheSize)
	}
	if cfg.Tracking.EventRetentionDays < 0 {
		return fmt.Errorf("tracking.event_retention_days must not be negative, got %d", cfg.Tracking.EventRetentionDays)
	}

	return nil
}

// Location resolves the configured timezone.
func (t TrackingConfig) Location() (*time.Location, error) {
	if t.Timezone == "" || t.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(t.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid tracking.timezone: %w", err)
	}
	return loc, nil
}

// ParseClock parses an HH:MM time of day.
func ParseClock(value string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", value)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}
