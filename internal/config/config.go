// Package config loads engine tunables from the environment, following the
// teacher's common/config loader shape (typed struct, getEnv* helpers,
// Validate()).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every tunable the engine core exposes per spec §6.
type Config struct {
	Service      ServiceConfig
	Engine       EngineConfig
	Storage      StorageConfig
	EventBus     EventBusConfig
}

// ServiceConfig holds process-level settings.
type ServiceConfig struct {
	Name      string
	LogLevel  string
	LogFormat string
}

// EngineConfig holds the core tunables named in spec §6.
type EngineConfig struct {
	MaxDeltaSize               int
	HookTimeout                time.Duration
	MaxChainDepth              int
	MaxReceiptsBeforeRotation  int
	TimerPollInterval          time.Duration
}

// StorageConfig selects and configures the storage collaborator.
type StorageConfig struct {
	Backend    string // "memory" | "postgres" | "sqlite"
	PostgresDSN string
	SQLitePath string
}

// EventBusConfig selects and configures the event bus collaborator.
type EventBusConfig struct {
	Backend   string // "memory" | "redis"
	RedisAddr string
}

// Load reads configuration from the environment, applying defaults.
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:      serviceName,
			LogLevel:  getEnv("LOG_LEVEL", "info"),
			LogFormat: getEnv("LOG_FORMAT", "text"),
		},
		Engine: EngineConfig{
			MaxDeltaSize:              getEnvInt("KNHK_MAX_DELTA_SIZE", 64),
			HookTimeout:               getEnvDuration("KNHK_HOOK_TIMEOUT", 100*time.Millisecond),
			MaxChainDepth:             getEnvInt("KNHK_MAX_CHAIN_DEPTH", 10),
			MaxReceiptsBeforeRotation: getEnvInt("KNHK_MAX_RECEIPTS", 1000),
			TimerPollInterval:         getEnvDuration("KNHK_TIMER_POLL_INTERVAL", 1*time.Second),
		},
		Storage: StorageConfig{
			Backend:     getEnv("KNHK_STORAGE_BACKEND", "memory"),
			PostgresDSN: getEnv("KNHK_POSTGRES_DSN", ""),
			SQLitePath:  getEnv("KNHK_SQLITE_PATH", "knhk.db"),
		},
		EventBus: EventBusConfig{
			Backend:   getEnv("KNHK_EVENTBUS_BACKEND", "memory"),
			RedisAddr: getEnv("KNHK_REDIS_ADDR", "localhost:6379"),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants on the loaded configuration.
func (c *Config) Validate() error {
	if c.Engine.MaxDeltaSize <= 0 {
		return fmt.Errorf("max_delta_size must be > 0")
	}
	if c.Engine.MaxChainDepth <= 0 {
		return fmt.Errorf("max_chain_depth must be > 0")
	}
	if c.Engine.MaxReceiptsBeforeRotation <= 0 {
		return fmt.Errorf("max_receipts_before_rotation must be > 0")
	}
	switch c.Storage.Backend {
	case "memory", "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	switch c.EventBus.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown event bus backend: %s", c.EventBus.Backend)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
