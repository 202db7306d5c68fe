package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the MCP Mesh Registry.
type Config struct {
	// Server configuration
	Host string `env:"HOST" envDefault:"0.0.0.0"`
	Port int    `env:"PORT" envDefault:"8000"`

	// Database configuration
	Database *DatabaseConfig

	// Registry configuration
	RegistryName        string `env:"REGISTRY_NAME" envDefault:"mcp-mesh-registry"`
	HealthCheckInterval int    `env:"HEALTH_CHECK_INTERVAL" envDefault:"10"`

	// Cache configuration
	CacheTTL            int  `env:"CACHE_TTL" envDefault:"30"` // seconds
	EnableResponseCache bool `env:"ENABLE_RESPONSE_CACHE" envDefault:"true"`

	// Health monitoring configuration
	DefaultTimeoutThreshold  int `env:"DEFAULT_TIMEOUT_THRESHOLD" envDefault:"20"`  // seconds
	DefaultEvictionThreshold int `env:"DEFAULT_EVICTION_THRESHOLD" envDefault:"60"` // seconds

	// Distributed tracing configuration
	TracingEnabled    bool   `env:"MCP_MESH_DISTRIBUTED_TRACING_ENABLED" envDefault:"false"`
	RedisURL          string `env:"REDIS_URL" envDefault:"redis://localhost:6379"`
	StreamName        string `env:"STREAM_NAME" envDefault:"mesh:trace"`
	ConsumerGroup     string `env:"CONSUMER_GROUP" envDefault:"mcp-mesh-registry-processors"`
	TelemetryEndpoint string `env:"TELEMETRY_ENDPOINT"`
	TraceExporterType string `env:"TRACE_EXPORTER_TYPE" envDefault:"otlp"`

	// Logging configuration
	LogLevel  string `env:"MCP_MESH_LOG_LEVEL" envDefault:"INFO"`
	DebugMode bool   `env:"MCP_MESH_DEBUG_MODE" envDefault:"false"`
}

// DatabaseConfig holds store connection configuration.
type DatabaseConfig struct {
	DatabaseURL        string `env:"DATABASE_URL" envDefault:"mcp_mesh_registry.db"`
	BusyTimeout        int    `env:"DB_BUSY_TIMEOUT" envDefault:"5000"`
	JournalMode        string `env:"DB_JOURNAL_MODE" envDefault:"WAL"`
	Synchronous        string `env:"DB_SYNCHRONOUS" envDefault:"NORMAL"`
	EnableForeignKeys  bool   `env:"DB_ENABLE_FOREIGN_KEYS" envDefault:"true"`
	MaxOpenConnections int    `env:"DB_MAX_OPEN_CONNECTIONS" envDefault:"25"`
	MaxIdleConnections int    `env:"DB_MAX_IDLE_CONNECTIONS" envDefault:"5"`
	ConnMaxLifetime    int    `env:"DB_CONN_MAX_LIFETIME" envDefault:"300"` // seconds
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() *Config {
	config := &Config{
		Host:                     getEnvString("HOST", "0.0.0.0"),
		Port:                     getEnvInt("PORT", 8000),
		RegistryName:             getEnvString("REGISTRY_NAME", "mcp-mesh-registry"),
		HealthCheckInterval:      getEnvInt("HEALTH_CHECK_INTERVAL", 10),
		CacheTTL:                 getEnvInt("CACHE_TTL", 30),
		EnableResponseCache:      getEnvBool("ENABLE_RESPONSE_CACHE", true),
		DefaultTimeoutThreshold:  getEnvInt("DEFAULT_TIMEOUT_THRESHOLD", 20),
		DefaultEvictionThreshold: getEnvInt("DEFAULT_EVICTION_THRESHOLD", 60),
		TracingEnabled:           getEnvBool("MCP_MESH_DISTRIBUTED_TRACING_ENABLED", false),
		RedisURL:                 getEnvString("REDIS_URL", "redis://localhost:6379"),
		StreamName:               getEnvString("STREAM_NAME", "mesh:trace"),
		ConsumerGroup:            getEnvString("CONSUMER_GROUP", "mcp-mesh-registry-processors"),
		TelemetryEndpoint:        getEnvString("TELEMETRY_ENDPOINT", ""),
		TraceExporterType:        getEnvString("TRACE_EXPORTER_TYPE", "otlp"),
		LogLevel:                 getEnvString("MCP_MESH_LOG_LEVEL", "INFO"),
		DebugMode:                getEnvBool("MCP_MESH_DEBUG_MODE", false),
	}

	config.Database = &DatabaseConfig{
		DatabaseURL:        getEnvString("DATABASE_URL", "mcp_mesh_registry.db"),
		BusyTimeout:        getEnvInt("DB_BUSY_TIMEOUT", 5000),
		JournalMode:        getEnvString("DB_JOURNAL_MODE", "WAL"),
		Synchronous:        getEnvString("DB_SYNCHRONOUS", "NORMAL"),
		EnableForeignKeys:  getEnvBool("DB_ENABLE_FOREIGN_KEYS", true),
		MaxOpenConnections: getEnvInt("DB_MAX_OPEN_CONNECTIONS", 25),
		MaxIdleConnections: getEnvInt("DB_MAX_IDLE_CONNECTIONS", 5),
		ConnMaxLifetime:    getEnvInt("DB_CONN_MAX_LIFETIME", 300),
	}

	return config
}

// Validate ensures configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.HealthCheckInterval < 1 {
		return fmt.Errorf("health check interval must be positive: %d", c.HealthCheckInterval)
	}

	if c.DefaultTimeoutThreshold < 1 {
		return fmt.Errorf("timeout threshold must be positive: %d", c.DefaultTimeoutThreshold)
	}

	if c.DefaultEvictionThreshold < c.DefaultTimeoutThreshold {
		return fmt.Errorf("eviction threshold (%d) must not be below timeout threshold (%d)",
			c.DefaultEvictionThreshold, c.DefaultTimeoutThreshold)
	}

	if c.CacheTTL < 0 {
		return fmt.Errorf("cache TTL must be non-negative: %d", c.CacheTTL)
	}

	validLogLevels := map[string]bool{
		"TRACE":    true,
		"DEBUG":    true,
		"INFO":     true,
		"WARNING":  true,
		"ERROR":    true,
		"CRITICAL": true,
	}
	if !validLogLevels[strings.ToUpper(c.LogLevel)] {
		return fmt.Errorf("invalid log level: %s (valid: TRACE, DEBUG, INFO, WARNING, ERROR, CRITICAL)", c.LogLevel)
	}

	// Debug mode forces at least DEBUG level
	if c.DebugMode && !c.IsTraceMode() {
		c.LogLevel = "DEBUG"
	}

	switch strings.ToLower(c.TraceExporterType) {
	case "otlp", "console", "json":
	default:
		return fmt.Errorf("invalid trace exporter type: %s (valid: otlp, console, json)", c.TraceExporterType)
	}

	return nil
}

// GetDatabaseURL returns the store DSN.
func (c *Config) GetDatabaseURL() string {
	return c.Database.DatabaseURL
}

// TimeoutThreshold returns the healthy -> unhealthy threshold as a duration.
func (c *Config) TimeoutThreshold() time.Duration {
	return time.Duration(c.DefaultTimeoutThreshold) * time.Second
}

// EvictionThreshold returns the unhealthy -> evicted threshold as a duration.
func (c *Config) EvictionThreshold() time.Duration {
	return time.Duration(c.DefaultEvictionThreshold) * time.Second
}

// EventRetention returns how long topology events are kept. Retention is
// pinned to 10x the eviction threshold so the slowest live agent can always
// answer "has anything changed since my last probe?".
func (c *Config) EventRetention() time.Duration {
	return 10 * c.EvictionThreshold()
}

// IsDebugMode determines if debug logging is enabled.
func (c *Config) IsDebugMode() bool {
	return c.DebugMode || strings.ToUpper(c.LogLevel) == "DEBUG" || c.IsTraceMode()
}

// IsTraceMode determines if trace-level (SQL) logging is enabled.
func (c *Config) IsTraceMode() bool {
	return strings.ToUpper(c.LogLevel) == "TRACE"
}

// ShouldLogAtLevel checks if messages at the given level should be logged.
func (c *Config) ShouldLogAtLevel(level string) bool {
	levelPriority := map[string]int{
		"TRACE":    -1,
		"DEBUG":    0,
		"INFO":     1,
		"WARNING":  2,
		"ERROR":    3,
		"CRITICAL": 4,
	}

	currentPriority, exists := levelPriority[strings.ToUpper(c.LogLevel)]
	if !exists {
		currentPriority = 1 // Default to INFO
	}

	checkPriority, exists := levelPriority[strings.ToUpper(level)]
	if !exists {
		return false
	}

	return checkPriority >= currentPriority
}

// Helper functions for environment variable parsing

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
