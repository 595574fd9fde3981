// Package config loads process-wide tunables from the environment (and an
// optional .env file), the same way across the server and CLI binaries.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every environment-driven tunable for the session pool,
// reconnection manager, transfer engine, and the host's HTTP/WS server.
type Config struct {
	// Server
	Port      int
	Env       string
	Version   string
	LogLevel  string
	LogFormat string

	// Redis — backs asynq-scheduled reconnects (internal/reconnect) and,
	// optionally, the proxy resolution memo and directory cache.
	RedisURL  string
	RedisAddr string // host:port, for asynq.RedisClientOpt / redis.Options

	// CORS
	CORSAllowedOrigins []string

	// Connection pool (C2). Loaded from the environment, but internal/pool
	// uses its own constants and is not passed these values.
	MaxConnections      int
	IdlePoolTimeout     time.Duration
	HealthCheckInterval time.Duration

	// Reconnection manager (C4). Loaded from the environment, but
	// internal/reconnect uses its own MaxRetries constant.
	MaxReconnectRetries int

	// Transfer engine (C6) — 0 disables rate limiting.
	TransferRateLimitBytesPerSec int

	// Directory cache (C7). internal/dircache uses its own TTL constant;
	// the host passes this value as the Redis proxy-memo TTL.
	DirCacheTTL time.Duration

	// UseRedisForReconnect selects asynq-scheduled delayed reconnect tasks
	// over a pure in-process time.AfterFunc fallback.
	UseRedisForReconnect bool
}

// Load reads a .env file if present, then the process environment,
// applying the same defaults the teacher's Load used for the ambient
// fields (port/env/log/CORS/redis).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnvAsInt("PORT", 8080),
		Env:                getEnv("ENV", "development"),
		Version:            getEnv("VERSION", "0.1.0"),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		CORSAllowedOrigins: getEnvAsSlice("CORS_ALLOWED_ORIGINS", []string{"http://localhost:5173"}),

		MaxConnections:      getEnvAsInt("POOL_MAX_CONNECTIONS", 50),
		IdlePoolTimeout:      getEnvAsDuration("POOL_IDLE_TIMEOUT", 30*time.Minute),
		HealthCheckInterval: getEnvAsDuration("POOL_HEALTH_CHECK_INTERVAL", 5*time.Minute),

		MaxReconnectRetries: getEnvAsInt("RECONNECT_MAX_RETRIES", 5),

		TransferRateLimitBytesPerSec: getEnvAsInt("TRANSFER_RATE_LIMIT_BPS", 0),

		DirCacheTTL: getEnvAsDuration("DIRCACHE_TTL", 10*time.Second),

		UseRedisForReconnect: getEnvAsBool("USE_REDIS_RECONNECT", false),
	}

	cfg.RedisAddr = parseRedisAddr(cfg.RedisURL)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	return defaultValue
}

func getEnvAsSlice(key string, defaultValue []string) []string {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}

	var result []string
	for _, part := range strings.Split(valueStr, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

// parseRedisAddr extracts host:port from a Redis URL
// (redis://host:port, rediss://host:port, host:port, or bare host).
func parseRedisAddr(redisURL string) string {
	addr := strings.TrimPrefix(redisURL, "redis://")
	addr = strings.TrimPrefix(addr, "rediss://")
	addr = strings.TrimSuffix(addr, "/")

	if !strings.Contains(addr, ":") {
		addr = addr + ":6379"
	}
	return addr
}
