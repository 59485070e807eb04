// Package config loads service configuration from environment variables with
// sensible defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration shared by the quote services
type Config struct {
	// Service identification
	ServiceName string
	Version     string
	Environment string

	// Kafka configuration
	KafkaBrokers []string
	KafkaGroupID string

	// Stores. An empty host, address or URL disables the store.
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string
	PostgresUser     string
	PostgresPassword string
	PostgresSSLMode  string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	InfluxURL        string
	InfluxToken      string
	InfluxOrg        string
	InfluxBucket     string

	// Mint endpoints
	MintAddr        string // pool → mint SV2 link
	MintListenAddr  string // mint side listener
	MintHTTPURL     string // mint HTTP API base
	MintHTTPTimeout time.Duration
	MintVendor      string

	// Quote pipeline
	MinLeadingZeros    uint32
	QuotesEnabled      bool
	QuotePollInterval  time.Duration
	QuoteTimeout       time.Duration
	HubPendingTTL      time.Duration
	HubReapInterval    time.Duration
	HubBufferSize      int
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
	DispatchWorkers    int
	DispatchQueueSize  int

	// Connection timeouts. A zero ReadTimeout lets idle links stay open.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	SetupTimeout time.Duration

	// Logging
	LogLevel  string
	LogFormat string
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		ServiceName: getEnv("SERVICE_NAME", "ehashpool"),
		Version:     getEnv("VERSION", "dev"),
		Environment: getEnv("ENVIRONMENT", "development"),

		KafkaBrokers: getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID: getEnv("KAFKA_GROUP_ID", "ehash-quoted"),

		PostgresHost:     getEnv("POSTGRES_HOST", ""),
		PostgresPort:     getEnvInt("POSTGRES_PORT", 5432),
		PostgresDB:       getEnv("POSTGRES_DB", "ehash"),
		PostgresUser:     getEnv("POSTGRES_USER", "ehash"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", ""),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisDB:          getEnvInt("REDIS_DB", 0),
		InfluxURL:        getEnv("INFLUX_URL", ""),
		InfluxToken:      getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:        getEnv("INFLUX_ORG", "ehash"),
		InfluxBucket:     getEnv("INFLUX_BUCKET", "quotes"),

		MintAddr:        getEnv("MINT_ADDR", "localhost:34260"),
		MintListenAddr:  getEnv("MINT_LISTEN_ADDR", "0.0.0.0:34260"),
		MintHTTPURL:     getEnv("MINT_HTTP_URL", "http://localhost:3338"),
		MintHTTPTimeout: getEnvDuration("MINT_HTTP_TIMEOUT", 10*time.Second),
		MintVendor:      getEnv("MINT_VENDOR", "ehashpool"),

		MinLeadingZeros:    uint32(getEnvInt("EHASH_MIN_LEADING_ZEROS", 32)),
		QuotesEnabled:      getEnvBool("QUOTES_ENABLED", true),
		QuotePollInterval:  getEnvDuration("QUOTE_POLL_INTERVAL", 5*time.Second),
		QuoteTimeout:       getEnvDuration("QUOTE_TIMEOUT", 5*time.Minute),
		HubPendingTTL:      getEnvDuration("HUB_PENDING_TTL", 10*time.Minute),
		HubReapInterval:    getEnvDuration("HUB_REAP_INTERVAL", time.Minute),
		HubBufferSize:      getEnvInt("HUB_BUFFER_SIZE", 1024),
		ReconnectBaseDelay: getEnvDuration("RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:  getEnvDuration("RECONNECT_MAX_DELAY", 30*time.Second),
		DispatchWorkers:    getEnvInt("DISPATCH_WORKERS", 4),
		DispatchQueueSize:  getEnvInt("DISPATCH_QUEUE_SIZE", 4096),

		ReadTimeout:  getEnvDuration("READ_TIMEOUT", 0),
		WriteTimeout: getEnvDuration("WRITE_TIMEOUT", 10*time.Second),
		SetupTimeout: getEnvDuration("SETUP_TIMEOUT", 10*time.Second),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// validate performs basic validation of configuration values
func (c *Config) validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("SERVICE_NAME cannot be empty")
	}

	if c.MinLeadingZeros > 256 {
		return fmt.Errorf("EHASH_MIN_LEADING_ZEROS must be between 0 and 256")
	}

	if u, err := url.Parse(c.MintHTTPURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("MINT_HTTP_URL must be an absolute URL")
	}

	if c.QuotePollInterval <= 0 || c.QuoteTimeout <= 0 {
		return fmt.Errorf("QUOTE_POLL_INTERVAL and QUOTE_TIMEOUT must be positive")
	}

	if c.QuoteTimeout < c.QuotePollInterval {
		return fmt.Errorf("QUOTE_TIMEOUT must not be shorter than QUOTE_POLL_INTERVAL")
	}

	if c.HubPendingTTL <= 0 || c.HubReapInterval <= 0 {
		return fmt.Errorf("HUB_PENDING_TTL and HUB_REAP_INTERVAL must be positive")
	}

	if c.ReconnectBaseDelay <= 0 || c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("RECONNECT_MAX_DELAY must be at least RECONNECT_BASE_DELAY")
	}

	if c.DispatchWorkers <= 0 || c.DispatchQueueSize <= 0 || c.HubBufferSize <= 0 {
		return fmt.Errorf("DISPATCH_WORKERS, DISPATCH_QUEUE_SIZE and HUB_BUFFER_SIZE must be positive")
	}

	if c.ReadTimeout < 0 {
		return fmt.Errorf("READ_TIMEOUT cannot be negative")
	}

	if c.PostgresHost != "" && (c.PostgresPort <= 0 || c.PostgresPort > 65535) {
		return fmt.Errorf("POSTGRES_PORT must be between 1 and 65535")
	}

	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
