package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// Config holds all application configuration
// Fields are private to ensure immutability after creation
type Config struct {
	// Redis configuration
	redisHost string
	redisPort int
	keyPrefix string
	entryTTL  time.Duration

	// Notifier configuration
	watchPrefix       string
	pollTimeout       time.Duration
	pollerCapacity    int
	immediateSnapshot bool

	// Logging configuration
	logLevel LogLevel
	logFile  string
}

// LoadFromEnv loads configuration from environment variables
func LoadFromEnv() (*Config, error) {
	config := &Config{
		redisPort:      6379, // Standard Redis port
		keyPrefix:      "nt:",
		watchPrefix:    "/",
		pollTimeout:    time.Second,
		pollerCapacity: 1024,
	}

	// Redis configuration
	host := os.Getenv("REDIS_HOST")
	if host == "" {
		return nil, fmt.Errorf("REDIS_HOST environment variable is required")
	}
	config.redisHost = host

	if portStr := os.Getenv("REDIS_PORT"); portStr != "" {
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_PORT: %w", err)
		}
		config.redisPort = port
	}

	if prefix, ok := os.LookupEnv("NT_KEY_PREFIX"); ok {
		config.keyPrefix = prefix
	}

	if ttlStr := os.Getenv("ENTRY_TTL_SECONDS"); ttlStr != "" {
		seconds, err := strconv.Atoi(ttlStr)
		if err != nil {
			return nil, fmt.Errorf("invalid ENTRY_TTL_SECONDS: %w", err)
		}
		config.entryTTL = time.Duration(seconds) * time.Second
	}

	// Notifier configuration
	if prefix, ok := os.LookupEnv("NT_WATCH_PREFIX"); ok {
		config.watchPrefix = prefix
	}

	if msStr := os.Getenv("NT_POLL_TIMEOUT_MS"); msStr != "" {
		ms, err := strconv.Atoi(msStr)
		if err != nil {
			return nil, fmt.Errorf("invalid NT_POLL_TIMEOUT_MS: %w", err)
		}
		config.pollTimeout = time.Duration(ms) * time.Millisecond
	}

	if capStr := os.Getenv("NT_POLLER_CAPACITY"); capStr != "" {
		n, err := strconv.Atoi(capStr)
		if err != nil {
			return nil, fmt.Errorf("invalid NT_POLLER_CAPACITY: %w", err)
		}
		config.pollerCapacity = n
	}

	if snapStr := os.Getenv("NT_IMMEDIATE_SNAPSHOT"); snapStr != "" {
		enabled, err := strconv.ParseBool(snapStr)
		if err != nil {
			return nil, fmt.Errorf("invalid NT_IMMEDIATE_SNAPSHOT: %w", err)
		}
		config.immediateSnapshot = enabled
	}

	// Logging configuration
	levelStr := os.Getenv("LOG_LEVEL")
	if levelStr == "" {
		return nil, fmt.Errorf("LOG_LEVEL environment variable is required")
	}
	logLevel := LogLevel(strings.ToLower(levelStr))
	if !isValidLogLevel(logLevel) {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %s (valid: debug, info, warn, error)", levelStr)
	}
	config.logLevel = logLevel

	logFile := os.Getenv("LOG_FILE")
	if logFile == "" {
		return nil, fmt.Errorf("LOG_FILE environment variable is required")
	}
	config.logFile = logFile

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.redisHost == "" {
		return fmt.Errorf("redis host cannot be empty")
	}

	if c.redisPort <= 0 || c.redisPort > 65535 {
		return fmt.Errorf("redis port out of range: %d", c.redisPort)
	}

	if c.entryTTL < 0 {
		return fmt.Errorf("entry TTL cannot be negative")
	}

	if c.pollTimeout <= 0 {
		return fmt.Errorf("poll timeout must be greater than 0")
	}

	if c.pollerCapacity < 0 {
		return fmt.Errorf("poller capacity cannot be negative")
	}

	if !isValidLogLevel(c.logLevel) {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.logLevel)
	}

	if c.logFile == "" {
		return fmt.Errorf("log file path cannot be empty")
	}

	return nil
}

// GetRedisAddr returns the Redis address in host:port format
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.redisHost, c.redisPort)
}

// GetKeyPrefix returns the Redis key prefix under which entries are mirrored
func (c *Config) GetKeyPrefix() string {
	return c.keyPrefix
}

// GetEntryTTL returns the expiry of mirrored entries, zero for none
func (c *Config) GetEntryTTL() time.Duration {
	return c.entryTTL
}

// GetWatchPrefix returns the entry name prefix the logger subscribes to
func (c *Config) GetWatchPrefix() string {
	return c.watchPrefix
}

// GetPollTimeout returns how long a single poll waits
func (c *Config) GetPollTimeout() time.Duration {
	return c.pollTimeout
}

// GetPollerCapacity returns the advisory poller queue length
func (c *Config) GetPollerCapacity() int {
	return c.pollerCapacity
}

// IsImmediateSnapshotEnabled reports whether IMMEDIATE subscriptions get the
// current values when they are added
func (c *Config) IsImmediateSnapshotEnabled() bool {
	return c.immediateSnapshot
}

// GetLogLevel returns the configured log level
func (c *Config) GetLogLevel() LogLevel {
	return c.logLevel
}

// GetLogFile returns the log file path
func (c *Config) GetLogFile() string {
	return c.logFile
}

// IsDebugEnabled returns true if debug logging is enabled
func (c *Config) IsDebugEnabled() bool {
	return c.logLevel == LogLevelDebug
}

// Helper function to validate log levels
func isValidLogLevel(level LogLevel) bool {
	switch level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}
