package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the memory service.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server and auth settings.
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
	// Agents maps agent id to bcrypt password hash for transport auth.
	Agents    map[string]string `mapstructure:"agents"`
	TokenTTL  time.Duration     `mapstructure:"token_ttl"`
	QueueSize int               `mapstructure:"queue_size"`
}

// StorageConfig groups backing store settings for the memory tiers.
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains short-term memory backend settings.
type RedisConfig struct {
	// Enabled selects the networked backend; when false the in-process
	// store is used. Selection happens once at construction.
	Enabled     bool          `mapstructure:"enabled"`
	Host        string        `mapstructure:"host"`
	Port        string        `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// Addr returns the host:port address for the Redis client.
func (r RedisConfig) Addr() string {
	host := r.Host
	if host == "" {
		host = "localhost"
	}
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return fmt.Sprintf("%s:%s", host, port)
}

// PostgresConfig contains long-term memory backend settings.
type PostgresConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	URL         string        `mapstructure:"url"`
	Host        string        `mapstructure:"host"`
	Port        string        `mapstructure:"port"`
	User        string        `mapstructure:"user"`
	Password    string        `mapstructure:"password"`
	DBName      string        `mapstructure:"dbname"`
	SSLMode     string        `mapstructure:"sslmode"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, host, port, p.DBName, ssl)
}

// MemoryConfig contains tier thresholds and maintenance settings.
type MemoryConfig struct {
	// DefaultTTL applies to short-term entries stored without an explicit TTL.
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	// ConsolidationThreshold is the interaction count that promotes a
	// conversation into the long-term profile.
	ConsolidationThreshold int `mapstructure:"consolidation_threshold"`
	// SuccessThreshold is the minimum outcome score accepted into episodic memory.
	SuccessThreshold float64 `mapstructure:"success_threshold"`
	// HistoryCap bounds per-profile interaction history.
	HistoryCap int `mapstructure:"history_cap"`
	// MaintenanceInterval drives the background sweep/consolidate/mine cycle.
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	// MaintenanceRetry shortens the wait after a failed cycle.
	MaintenanceRetry time.Duration `mapstructure:"maintenance_retry"`
	// MaintenanceCron optionally replaces the fixed interval with a cron
	// schedule ("@hourly", 5-field expressions).
	MaintenanceCron string `mapstructure:"maintenance_cron"`
	// MiningLimit caps how many recent successes one cycle mines.
	MiningLimit int             `mapstructure:"mining_limit"`
	Embedding   EmbeddingConfig `mapstructure:"embedding"`
}

// EmbeddingConfig selects the episodic embedding source.
type EmbeddingConfig struct {
	// Provider is "hash" (deterministic, no external model) or "openai".
	Provider   string `mapstructure:"provider"`
	Model      string `mapstructure:"model"`
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Dimensions int    `mapstructure:"dimensions"`
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Load reads configuration from the given file (or the default search
// paths when empty) with MEMSTACK_* environment overrides. Malformed
// configuration is a hard error; backends are selected here once, never
// re-probed per call.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("MEMSTACK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file found: defaults plus environment are a valid configuration.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations that would otherwise fail deep inside a tier.
func (c *Config) Validate() error {
	if c.Memory.ConsolidationThreshold <= 0 {
		return fmt.Errorf("memory.consolidation_threshold must be > 0")
	}
	if c.Memory.SuccessThreshold < 0 || c.Memory.SuccessThreshold > 1 {
		return fmt.Errorf("memory.success_threshold must be within [0,1]")
	}
	if c.Memory.DefaultTTL <= 0 {
		return fmt.Errorf("memory.default_ttl must be > 0")
	}
	if c.Storage.Postgres.Enabled && c.Storage.Postgres.DBName == "" && c.Storage.Postgres.URL == "" {
		return fmt.Errorf("storage.postgres enabled but not configured (url or dbname)")
	}
	switch c.Memory.Embedding.Provider {
	case "", "hash":
	case "openai":
		if c.Memory.Embedding.APIKey == "" {
			return fmt.Errorf("memory.embedding.api_key required for openai provider")
		}
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Memory.Embedding.Provider)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", "5s")
	v.SetDefault("server.address", ":8090")
	v.SetDefault("server.token_ttl", "24h")
	v.SetDefault("server.queue_size", 64)
	v.SetDefault("storage.redis.dial_timeout", "2s")
	v.SetDefault("storage.redis.call_timeout", "2s")
	v.SetDefault("storage.postgres.call_timeout", "5s")
	v.SetDefault("memory.default_ttl", "1h")
	v.SetDefault("memory.consolidation_threshold", 5)
	v.SetDefault("memory.success_threshold", 0.8)
	v.SetDefault("memory.history_cap", 200)
	v.SetDefault("memory.maintenance_interval", "5m")
	v.SetDefault("memory.maintenance_retry", "1m")
	v.SetDefault("memory.mining_limit", 100)
	v.SetDefault("memory.embedding.provider", "hash")
	v.SetDefault("memory.embedding.dimensions", 384)
	v.SetDefault("telemetry.enabled", true)
}
