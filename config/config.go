// Package config loads the service configuration with Viper.
//
// Precedence: POLICY_* environment variables, then the optional config file,
// then defaults. Nested keys map to env vars with dots replaced by
// underscores, e.g. cleanup.batch_size -> POLICY_CLEANUP_BATCH_SIZE.
// A set but empty variable counts as set. List values read from the
// environment are comma-separated.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config groups the application configuration.
type Config struct {
	App        AppConfig
	Log        LogConfig
	HTTP       HTTPConfig
	Store      StoreConfig
	Cleanup    CleanupConfig
	Conversion ConversionConfig
	Redis      RedisConfig
}

// AppConfig is general application config.
type AppConfig struct {
	Env string // development, staging, production
}

// LogConfig configures zerolog.
type LogConfig struct {
	Level string
}

// HTTPConfig configures the admin HTTP server.
type HTTPConfig struct {
	Addr           string
	AllowedOrigins []string // CORS; empty disables the middleware
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string // memory, sqlite, postgres
	DSN    string
}

// CleanupConfig configures the recurring cleanup run.
type CleanupConfig struct {
	Enabled     bool
	Interval    time.Duration
	Retention   time.Duration
	BatchSize   int
	Concurrency int
	TxTimeout   time.Duration
}

// ConversionConfig configures the conversion coordinator.
type ConversionConfig struct {
	TxTimeout time.Duration
}

// RedisConfig configures the optional Redis notifier and run lock.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	Channel  string
	LockTTL  time.Duration
}

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Load reads configuration. path may be empty, in which case only the
// environment and defaults are used.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POLICY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &Config{
		App: AppConfig{Env: v.GetString("app.env")},
		Log: LogConfig{Level: v.GetString("log.level")},
		HTTP: HTTPConfig{
			Addr:           v.GetString("http.addr"),
			AllowedOrigins: commaList(v.GetStringSlice("http.allowed_origins")),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(v.GetString("store.driver")),
			DSN:    v.GetString("store.dsn"),
		},
		Cleanup: CleanupConfig{
			Enabled:     v.GetBool("cleanup.enabled"),
			Interval:    v.GetDuration("cleanup.interval"),
			Retention:   v.GetDuration("cleanup.retention"),
			BatchSize:   v.GetInt("cleanup.batch_size"),
			Concurrency: v.GetInt("cleanup.concurrency"),
			TxTimeout:   v.GetDuration("cleanup.tx_timeout"),
		},
		Conversion: ConversionConfig{
			TxTimeout: v.GetDuration("conversion.tx_timeout"),
		},
		Redis: RedisConfig{
			Enabled:  v.GetBool("redis.enabled"),
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			Channel:  v.GetString("redis.channel"),
			LockTTL:  v.GetDuration("redis.lock_ttl"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// commaList flattens comma-separated entries and drops blanks.
func commaList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("log.level", "info")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.dsn", "./data/policies.db")
	v.SetDefault("cleanup.enabled", true)
	v.SetDefault("cleanup.interval", 24*time.Hour)
	v.SetDefault("cleanup.retention", time.Hour)
	v.SetDefault("cleanup.batch_size", 200)
	v.SetDefault("cleanup.concurrency", 4)
	v.SetDefault("cleanup.tx_timeout", 10*time.Second)
	v.SetDefault("conversion.tx_timeout", 10*time.Second)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "policy-engine.batches")
	v.SetDefault("redis.lock_ttl", 30*time.Minute)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver))
	}
	if c.Cleanup.Interval <= 0 {
		errs = append(errs, errors.New("cleanup.interval must be positive"))
	}
	if c.Cleanup.Retention < 0 {
		errs = append(errs, errors.New("cleanup.retention must not be negative"))
	}
	if c.Cleanup.BatchSize <= 0 {
		errs = append(errs, errors.New("cleanup.batch_size must be positive"))
	}
	if c.Cleanup.Concurrency <= 0 {
		errs = append(errs, errors.New("cleanup.concurrency must be positive"))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	return errors.Join(errs...)
}
