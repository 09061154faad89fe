// Package config loads and validates trust crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppName names the data directory and the env prefix.
const AppName = "trustcrawler"

// Store providers.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

// Publisher providers.
const (
	PublisherNone   = "none"
	PublisherMemory = "memory"
	PublisherPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Trust     TrustConfig     `mapstructure:"trust"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher"`
	Search    SearchConfig    `mapstructure:"search"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Auth            AuthConfig    `mapstructure:"auth"`
}

// AuthConfig guards page submission with a shared API key.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// StoreConfig selects and configures the graph store backend.
type StoreConfig struct {
	Provider string         `mapstructure:"provider"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SQLiteConfig configures the embedded store.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
	WAL  bool   `mapstructure:"wal"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// SchedulerConfig governs the background crawl loop.
type SchedulerConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	FetchTimeout       time.Duration `mapstructure:"fetch_timeout"`
	PromotionThreshold float64       `mapstructure:"promotion_threshold"`
	MaxFetchesPerTick  int           `mapstructure:"max_fetches_per_tick"`
}

// TrustConfig tunes the propagation rounds.
type TrustConfig struct {
	Rounds    int     `mapstructure:"rounds"`
	Damping   float64 `mapstructure:"damping"`
	Retention float64 `mapstructure:"retention"`
}

// FetcherConfig configures the HTTP fetch adapter.
type FetcherConfig struct {
	UserAgent   string        `mapstructure:"user_agent"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxBodySize int           `mapstructure:"max_body_size"`
}

// SearchConfig caps search responses.
type SearchConfig struct {
	MaxResults int `mapstructure:"max_results"`
}

// PublisherConfig holds metadata for discovery notifications.
type PublisherConfig struct {
	Provider    string `mapstructure:"provider"`
	Topic       string `mapstructure:"topic"`
	ProjectID   string `mapstructure:"project_id"`
	MemoryLimit int    `mapstructure:"memory_limit"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TracingConfig toggles the OpenTelemetry trace provider. ServiceVersion is
// filled from the build version when left empty.
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	ServiceVersion string  `mapstructure:"service_version"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
}

// DataDir returns the per-user data directory for the embedded store.
func DataDir() string {
	return filepath.Join(xdg.DataHome, AppName)
}

// Load builds a Config from disk/environment. A .env file in the working
// directory is applied to the environment first when present.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(strings.ToUpper(AppName))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

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
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.request_timeout", 20*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.auth.enabled", false)
	v.SetDefault("store.provider", StoreSQLite)
	v.SetDefault("store.sqlite.path", filepath.Join(DataDir(), "crawl.db"))
	v.SetDefault("store.sqlite.wal", true)
	v.SetDefault("store.postgres.max_conns", 8)
	v.SetDefault("store.postgres.min_conns", 1)
	v.SetDefault("store.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", time.Second)
	v.SetDefault("scheduler.fetch_timeout", 5*time.Second)
	v.SetDefault("scheduler.promotion_threshold", 0.001)
	v.SetDefault("scheduler.max_fetches_per_tick", 1)
	v.SetDefault("trust.rounds", 10)
	v.SetDefault("trust.damping", 0.9)
	v.SetDefault("trust.retention", 0.1)
	v.SetDefault("fetcher.user_agent", "trustcrawler/0.1")
	v.SetDefault("fetcher.timeout", 5*time.Second)
	v.SetDefault("fetcher.max_body_size", 10<<20)
	v.SetDefault("search.max_results", 100)
	v.SetDefault("publisher.provider", PublisherNone)
	v.SetDefault("publisher.topic", "trustcrawler-discoveries")
	v.SetDefault("publisher.memory_limit", 1000)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", AppName)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return errors.New("server.port must be > 0")
	}
	if c.Server.Auth.Enabled && c.Server.Auth.APIKey == "" {
		return errors.New("server.auth.api_key must be set when auth is enabled")
	}
	switch c.Store.Provider {
	case StoreMemory:
	case StoreSQLite:
		if c.Store.SQLite.Path == "" {
			return errors.New("store.sqlite.path must be set for the sqlite provider")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return errors.New("store.postgres.dsn must be set for the postgres provider")
		}
		if c.Store.Postgres.MinConns > c.Store.Postgres.MaxConns {
			return errors.New("store.postgres.min_conns must not exceed max_conns")
		}
	default:
		return fmt.Errorf("store.provider %q is not one of memory, sqlite, postgres", c.Store.Provider)
	}
	if c.Scheduler.Interval <= 0 {
		return errors.New("scheduler.interval must be > 0")
	}
	if c.Scheduler.FetchTimeout <= 0 {
		return errors.New("scheduler.fetch_timeout must be > 0")
	}
	if c.Scheduler.PromotionThreshold <= 0 {
		return errors.New("scheduler.promotion_threshold must be > 0")
	}
	if c.Scheduler.MaxFetchesPerTick <= 0 {
		return errors.New("scheduler.max_fetches_per_tick must be > 0")
	}
	if c.Trust.Rounds <= 0 {
		return errors.New("trust.rounds must be > 0")
	}
	if c.Trust.Damping < 0 || c.Trust.Retention < 0 {
		return errors.New("trust.damping and trust.retention must be >= 0")
	}
	if c.Fetcher.Timeout <= 0 {
		return errors.New("fetcher.timeout must be > 0")
	}
	if c.Search.MaxResults <= 0 {
		return errors.New("search.max_results must be > 0")
	}
	if c.Tracing.Enabled && (c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1) {
		return errors.New("tracing.sample_ratio must be in (0, 1]")
	}
	switch c.Publisher.Provider {
	case PublisherNone, "":
	case PublisherMemory:
	case PublisherPubSub:
		if c.Publisher.ProjectID == "" {
			return errors.New("publisher.project_id must be set for the pubsub provider")
		}
		if c.Publisher.Topic == "" {
			return errors.New("publisher.topic must be set for the pubsub provider")
		}
	default:
		return fmt.Errorf("publisher.provider %q is not one of none, memory, pubsub", c.Publisher.Provider)
	}
	return nil
}
