// Package config centralizes environment-variable configuration for
// every binary in this module, the same getEnv-with-default shape the
// original per-service main.go files each reimplemented separately.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds every environment-driven setting a server process needs.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	LogLevel    string
	StoreDriver string // "postgres" or "memory"

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	EtcdEndpoints []string
	MatchingLock  string // "mutex" or "etcd"

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration

	// SettlementBreaker guards the settlement_requests bus publish: a
	// local NATS round-trip, not an external API, so it trips and
	// recovers faster than a generic outbound-HTTP breaker would.
	SettlementBreakerMaxFailures int
	SettlementBreakerTimeout     time.Duration
	SettlementBreakerHalfOpenMax int
}

// Load reads configuration from the environment, defaulting anything
// unset to a value safe for local development.
func Load() Config {
	return Config{
		Port:        getEnv("PORT", "8000"),
		DatabaseURL: getEnv("DATABASE_URL", "postgres://localhost:5432/exchange?sslmode=disable"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379/0"),
		NATSURL:     getEnv("NATS_URL", "nats://localhost:4222"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		StoreDriver: getEnv("STORE_DRIVER", "postgres"),

		InfluxURL:    getEnv("INFLUXDB_URL", "http://localhost:8086"),
		InfluxToken:  getEnv("INFLUXDB_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUXDB_ORG", "exchange"),
		InfluxBucket: getEnv("INFLUXDB_BUCKET", "trades"),

		EtcdEndpoints: splitCSV(getEnv("ETCD_ENDPOINTS", "")),
		MatchingLock:  getEnv("MATCHING_LOCK_MODE", "mutex"),

		ReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),

		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 120),
		RateLimitWindow: getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),

		SettlementBreakerMaxFailures: getEnvInt("SETTLEMENT_BREAKER_MAX_FAILURES", 3),
		SettlementBreakerTimeout:     getEnvDuration("SETTLEMENT_BREAKER_TIMEOUT", 10*time.Second),
		SettlementBreakerHalfOpenMax: getEnvInt("SETTLEMENT_BREAKER_HALF_OPEN_MAX", 2),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func splitCSV(val string) []string {
	if val == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(val); i++ {
		if i == len(val) || val[i] == ',' {
			if i > start {
				out = append(out, val[start:i])
			}
			start = i + 1
		}
	}
	return out
}
