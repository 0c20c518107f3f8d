package config

import (
	"os"
	"strings"
	"time"
)

func boolFromEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

func stringFromEnv(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// AllowNegativeStock is the default negative-stock policy for institutions
// that do not set one in the tenant config file.
//
// Set via env:
// - ALLOW_NEGATIVE_STOCK=true
func AllowNegativeStock() bool {
	return boolFromEnv("ALLOW_NEGATIVE_STOCK")
}

// DefaultCostingMethod is FIFO unless DEFAULT_COSTING_METHOD says otherwise.
func DefaultCostingMethod() string {
	return stringFromEnv("DEFAULT_COSTING_METHOD", "FIFO")
}

// LockBackend selects per-key posting locks: "local" (in-process), "redis" or
// "mysql" (GET_LOCK advisory locks).
func LockBackend() string {
	return strings.ToLower(stringFromEnv("LOCK_BACKEND", "local"))
}

func LockTTL() time.Duration {
	return time.Duration(intFromEnv("LOCK_TTL_SECONDS", 30)) * time.Second
}

// StoreBackend selects "mysql" or "memory".
func StoreBackend() string {
	return strings.ToLower(stringFromEnv("STORE_BACKEND", "mysql"))
}

func TenantConfigFile() string {
	return stringFromEnv("TENANT_CONFIG_FILE", "tenants.yaml")
}

func OutboxPollInterval() time.Duration {
	return time.Duration(intFromEnv("OUTBOX_POLL_SECONDS", 5)) * time.Second
}

func HTTPPort() string {
	return stringFromEnv("PORT", "8080")
}

// RateLimit reports whether RATE_LIMIT_ENABLED is set, with the
// RATE_LIMIT_MAX_REQUESTS per RATE_LIMIT_WINDOW_SECONDS budget.
func RateLimit() (enabled bool, limit int64, window time.Duration) {
	return boolFromEnv("RATE_LIMIT_ENABLED"),
		int64(intFromEnv("RATE_LIMIT_MAX_REQUESTS", 600)),
		time.Duration(intFromEnv("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
}

// SkipMigrations lets deployments run AutoMigrate as a separate job.
func SkipMigrations() bool {
	return boolFromEnv("SKIP_MIGRATIONS")
}
