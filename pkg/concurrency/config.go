package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"
)

// ConfigSource indicates where the worker count came from
type ConfigSource string

const (
	ConfigSourceExplicit   ConfigSource = "explicit"
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
	ConfigSourceDefault    ConfigSource = "default"
)

// Config sizes the partition worker pool and its circuit breaker
type Config struct {
	Workers          int
	FailureThreshold int64
	ResetTimeout     time.Duration
	Source           ConfigSource
	EffectiveCPUs    int
}

// LoadConfig resolves the worker count with priority:
// explicit value > RAPIDFLAT_WORKERS > RAPIDFLAT_CONCURRENCY_MULTIPLIER x CPUs > 1.
// Breaker settings come from RAPIDFLAT_BREAKER_THRESHOLD and
// RAPIDFLAT_BREAKER_RESET_SECONDS.
func LoadConfig(workers int) *Config {
	config := &Config{
		EffectiveCPUs:    runtime.GOMAXPROCS(0),
		FailureThreshold: int64(getEnvInt("RAPIDFLAT_BREAKER_THRESHOLD", 5)),
		ResetTimeout:     time.Duration(getEnvInt("RAPIDFLAT_BREAKER_RESET_SECONDS", 30)) * time.Second,
	}

	switch {
	case workers > 0:
		config.Workers = workers
		config.Source = ConfigSourceExplicit
	case getEnvInt("RAPIDFLAT_WORKERS", 0) > 0:
		config.Workers = getEnvInt("RAPIDFLAT_WORKERS", 0)
		config.Source = ConfigSourceEnvVar
	case getEnvInt("RAPIDFLAT_CONCURRENCY_MULTIPLIER", 0) > 0:
		config.Workers = config.EffectiveCPUs * getEnvInt("RAPIDFLAT_CONCURRENCY_MULTIPLIER", 0)
		config.Source = ConfigSourceAutoDetect
	default:
		config.Workers = 1
		config.Source = ConfigSourceDefault
	}

	if config.FailureThreshold < 1 {
		config.FailureThreshold = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 30 * time.Second
	}
	return config
}

// NewLimiter builds a limiter from the config
func (c *Config) NewLimiter() *Limiter {
	return NewLimiterWithCircuitBreaker(c.Workers, NewCircuitBreaker(c.FailureThreshold, c.ResetTimeout))
}

// getEnvInt retrieves an integer from environment variable with default fallback
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String returns a formatted string representation of the config
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Workers: %d, FailureThreshold: %d, ResetTimeout: %s, CPUs: %d, Source: %s}",
		c.Workers,
		c.FailureThreshold,
		c.ResetTimeout,
		c.EffectiveCPUs,
		c.Source,
	)
}
