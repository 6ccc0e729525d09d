// Package config loads gatehouse configuration from environment variables.
//
// Every knob has a GATEHOUSE_-prefixed variable and a sensible default;
// LoadConfig validates the combination before anything is constructed.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/gatehouse/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server     ServerConfig
	Postgres   PostgresConfig
	Redis      RedisConfig
	Realm      RealmConfig
	Permission PermissionConfig
	Identity   IdentityConfig
	Guest      GuestConfig

	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// PostgresConfig holds database connection configuration
type PostgresConfig struct {
	URL         string
	ReplicaURLs string // comma-separated
	MaxConns    int
	MinConns    int
	Timeout     time.Duration
	MaxLifetime time.Duration
	MaxIdleTime time.Duration
}

// RedisConfig holds cache/pubsub backend configuration
type RedisConfig struct {
	URL        string
	Password   string
	DB         int
	MaxRetries int
	PoolSize   int
}

// RealmConfig holds realm registry configuration
type RealmConfig struct {
	// SnapshotTTL is how long a realm snapshot is considered fresh.
	// Expired snapshots are served stale while a background refresh runs.
	SnapshotTTL time.Duration

	// RefreshTimeout bounds a single upstream discovery/JWKS fetch.
	RefreshTimeout time.Duration

	// SeedFile optionally points at a JSON file of realm definitions that are
	// loaded at startup and hot-reloaded on change (dev/bootstrap use).
	SeedFile string

	// MaxSnapshots caps the in-memory snapshot cache.
	MaxSnapshots int
}

// PermissionConfig holds permission store/cache configuration
type PermissionConfig struct {
	// L1Size caps the in-process LRU entry count.
	L1Size int

	// L1TTL and L2TTL are safety-net expiries only; epoch invalidation is the
	// primary consistency mechanism.
	L1TTL time.Duration
	L2TTL time.Duration

	// QueryTimeout bounds a single store query.
	QueryTimeout time.Duration

	// PropagationBound documents the maximum acceptable staleness window for
	// cross-instance invalidation delivery. Readiness of the pub/sub channel
	// is tested against this bound.
	PropagationBound time.Duration
}

// IdentityConfig holds identity resolver configuration
type IdentityConfig struct {
	// LinkByVerifiedEmail links a first-seen subject to an existing user with
	// the same verified email instead of creating a duplicate user.
	LinkByVerifiedEmail bool

	QueryTimeout time.Duration
}

// GuestConfig holds guest session configuration
type GuestConfig struct {
	SessionTTL     time.Duration
	RequestBudget  int
	WindowDuration time.Duration
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Postgres:      loadPostgresConfig(),
		Redis:         loadRedisConfig(),
		Realm:         loadRealmConfig(),
		Permission:    loadPermissionConfig(),
		Identity:      loadIdentityConfig(),
		Guest:         loadGuestConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("GATEHOUSE_HOST", "0.0.0.0"),
		Port:            getEnv("GATEHOUSE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("GATEHOUSE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("GATEHOUSE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("GATEHOUSE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("GATEHOUSE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("GATEHOUSE_HEALTH_PORT", "9090"),
	}
}

func loadPostgresConfig() PostgresConfig {
	return PostgresConfig{
		URL:         getEnv("GATEHOUSE_POSTGRES_URL", ""),
		ReplicaURLs: getEnv("GATEHOUSE_POSTGRES_REPLICA_URLS", ""),
		MaxConns:    getEnvInt("GATEHOUSE_POSTGRES_MAX_CONNS", 20),
		MinConns:    getEnvInt("GATEHOUSE_POSTGRES_MIN_CONNS", 2),
		Timeout:     getEnvDuration("GATEHOUSE_POSTGRES_TIMEOUT", 5*time.Second),
		MaxLifetime: getEnvDuration("GATEHOUSE_POSTGRES_MAX_LIFETIME", 30*time.Minute),
		MaxIdleTime: getEnvDuration("GATEHOUSE_POSTGRES_MAX_IDLE_TIME", 5*time.Minute),
	}
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		URL:        getEnv("GATEHOUSE_REDIS_URL", "redis://localhost:6379"),
		Password:   getEnv("GATEHOUSE_REDIS_PASSWORD", ""),
		DB:         getEnvInt("GATEHOUSE_REDIS_DB", 0),
		MaxRetries: getEnvInt("GATEHOUSE_REDIS_MAX_RETRIES", 3),
		PoolSize:   getEnvInt("GATEHOUSE_REDIS_POOL_SIZE", 10),
	}
}

func loadRealmConfig() RealmConfig {
	return RealmConfig{
		SnapshotTTL:    getEnvDuration("GATEHOUSE_REALM_SNAPSHOT_TTL", 10*time.Minute),
		RefreshTimeout: getEnvDuration("GATEHOUSE_REALM_REFRESH_TIMEOUT", 10*time.Second),
		SeedFile:       getEnv("GATEHOUSE_REALM_SEED_FILE", ""),
		MaxSnapshots:   getEnvInt("GATEHOUSE_REALM_MAX_SNAPSHOTS", 1024),
	}
}

func loadPermissionConfig() PermissionConfig {
	return PermissionConfig{
		L1Size:           getEnvInt("GATEHOUSE_PERM_L1_SIZE", 8192),
		L1TTL:            getEnvDuration("GATEHOUSE_PERM_L1_TTL", 30*time.Second),
		L2TTL:            getEnvDuration("GATEHOUSE_PERM_L2_TTL", 5*time.Minute),
		QueryTimeout:     getEnvDuration("GATEHOUSE_PERM_QUERY_TIMEOUT", 2*time.Second),
		PropagationBound: getEnvDuration("GATEHOUSE_PERM_PROPAGATION_BOUND", 500*time.Millisecond),
	}
}

func loadIdentityConfig() IdentityConfig {
	return IdentityConfig{
		LinkByVerifiedEmail: getEnvBool("GATEHOUSE_IDENTITY_LINK_BY_EMAIL", false),
		QueryTimeout:        getEnvDuration("GATEHOUSE_IDENTITY_QUERY_TIMEOUT", 2*time.Second),
	}
}

func loadGuestConfig() GuestConfig {
	return GuestConfig{
		SessionTTL:     getEnvDuration("GATEHOUSE_GUEST_SESSION_TTL", 30*time.Minute),
		RequestBudget:  getEnvInt("GATEHOUSE_GUEST_REQUEST_BUDGET", 60),
		WindowDuration: getEnvDuration("GATEHOUSE_GUEST_WINDOW", time.Minute),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:       parseLogLevel(getEnv("GATEHOUSE_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("GATEHOUSE_METRICS_ENABLED", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Postgres.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Redis.URL == "" {
		return fmt.Errorf("redis URL is required")
	}

	if c.Realm.SnapshotTTL <= 0 {
		return fmt.Errorf("realm snapshot TTL must be positive")
	}
	if c.Realm.RefreshTimeout <= 0 {
		return fmt.Errorf("realm refresh timeout must be positive")
	}

	if c.Permission.L1Size <= 0 {
		return fmt.Errorf("permission L1 cache size must be positive")
	}
	if c.Permission.PropagationBound <= 0 {
		return fmt.Errorf("permission propagation bound must be positive")
	}

	if c.Guest.RequestBudget <= 0 {
		return fmt.Errorf("guest request budget must be positive")
	}
	if c.Guest.WindowDuration <= 0 {
		return fmt.Errorf("guest window duration must be positive")
	}
	if c.Guest.SessionTTL < c.Guest.WindowDuration {
		return fmt.Errorf("guest session TTL must be at least one window duration")
	}

	return nil
}

// ReplicaURLList splits the comma-separated replica URL string
func (c *PostgresConfig) ReplicaURLList() []string {
	if c.ReplicaURLs == "" {
		return nil
	}
	parts := strings.Split(c.ReplicaURLs, ",")
	urls := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			urls = append(urls, trimmed)
		}
	}
	return urls
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
