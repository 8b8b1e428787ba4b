// Package config provides configuration management for the LP portfolio reader.
// Defaults are overlaid by an optional YAML file, then by a .env file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Redis     RedisConfig     `yaml:"redis"`
	Cache     CacheConfig     `yaml:"cache"`
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Backup    BackupConfig    `yaml:"backup"`
	Query     QueryConfig     `yaml:"query"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `yaml:"port"`
	Host            string        `yaml:"host"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimitRPS    float64       `yaml:"rate_limit_rps"` // Per-client requests per second, 0 disables
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
	CORSOrigins     []string      `yaml:"cors_origins"`
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           string `yaml:"port"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	MaxConnections int    `yaml:"max_connections"`
}

// Addr returns the host:port Redis address
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// CacheConfig holds shared cache configuration
type CacheConfig struct {
	TTL          time.Duration `yaml:"ttl"`           // Lifetime of a cached snapshot
	GetTimeout   time.Duration `yaml:"get_timeout"`   // Client-side bound on a cache read
	WriteTimeout time.Duration `yaml:"write_timeout"` // Bound on each background write
}

// EndpointsConfig holds the ordered remote endpoint list
type EndpointsConfig struct {
	URLs             []string          `yaml:"urls"`
	Timeout          time.Duration     `yaml:"timeout"`
	RatePerSecond    float64           `yaml:"rate_per_second"` // Outgoing requests per endpoint, 0 disables
	Burst            int               `yaml:"burst"`
	BreakerFailures  int               `yaml:"breaker_failures"`
	BreakerThreshold float64           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration     `yaml:"breaker_timeout"`
	Headers          map[string]string `yaml:"headers"` // Sent with every endpoint request, e.g. an API key
}

// BackupConfig holds local backup configuration
type BackupConfig struct {
	Path   string        `yaml:"path"` // SQLite file, or ":memory:"
	MaxAge time.Duration `yaml:"max_age"`
}

// QueryConfig holds in-process query cache configuration
type QueryConfig struct {
	StaleTime       time.Duration `yaml:"stale_time"`
	GCTime          time.Duration `yaml:"gc_time"`
	RefetchInterval time.Duration `yaml:"refetch_interval"`
	Retries         int           `yaml:"retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	MaxRetryDelay   time.Duration `yaml:"max_retry_delay"`
}

// MetricsConfig holds instrumentation configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"` // Expose Prometheus metrics
	Namespace string `yaml:"namespace"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			Host:            "0.0.0.0",
			ShutdownTimeout: 15 * time.Second,
			RateLimitRPS:    20,
			RateLimitBurst:  40,
			CORSOrigins:     []string{"*"},
		},
		Redis: RedisConfig{
			Enabled:        true,
			Host:           "localhost",
			Port:           "6379",
			MaxConnections: 20,
		},
		Cache: CacheConfig{
			TTL:          5 * time.Minute,
			GetTimeout:   2 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
		Endpoints: EndpointsConfig{
			Timeout:          45 * time.Second,
			RatePerSecond:    5,
			Burst:            10,
			BreakerFailures:  5,
			BreakerThreshold: 0.5,
			BreakerTimeout:   30 * time.Second,
		},
		Backup: BackupConfig{
			Path:   "portfolio_backup.db",
			MaxAge: 24 * time.Hour,
		},
		Query: QueryConfig{
			StaleTime:       5 * time.Minute,
			GCTime:          30 * time.Minute,
			RefetchInterval: 60 * time.Second,
			Retries:         2,
			RetryDelay:      1 * time.Second,
			MaxRetryDelay:   30 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "lp_portfolio",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from the optional YAML file named by
// PORTFOLIO_CONFIG_FILE, the .env file and environment variables
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env file is optional - environment variables can be set directly
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := Default()

	if path := os.Getenv("PORTFOLIO_CONFIG_FILE"); path != "" {
		if err := config.mergeFile(path); err != nil {
			return nil, err
		}
	}

	config.applyEnv()

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// mergeFile overlays the YAML file at path on top of the current values
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

// applyEnv overrides values with environment variables when they are set
func (c *Config) applyEnv() {
	c.Server.Port = getEnv("SERVER_PORT", c.Server.Port)
	c.Server.Host = getEnv("SERVER_HOST", c.Server.Host)
	c.Server.ShutdownTimeout = getEnvAsDuration("SERVER_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.RateLimitRPS = getEnvAsFloat("SERVER_RATE_LIMIT_RPS", c.Server.RateLimitRPS)
	c.Server.RateLimitBurst = getEnvAsInt("SERVER_RATE_LIMIT_BURST", c.Server.RateLimitBurst)
	c.Server.CORSOrigins = getEnvAsList("SERVER_CORS_ORIGINS", c.Server.CORSOrigins)

	c.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnv("REDIS_PORT", c.Redis.Port)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvAsInt("REDIS_DB", c.Redis.DB)
	c.Redis.MaxConnections = getEnvAsInt("REDIS_MAX_CONNECTIONS", c.Redis.MaxConnections)

	c.Cache.TTL = getEnvAsDuration("CACHE_TTL", c.Cache.TTL)
	c.Cache.GetTimeout = getEnvAsDuration("CACHE_GET_TIMEOUT", c.Cache.GetTimeout)
	c.Cache.WriteTimeout = getEnvAsDuration("CACHE_WRITE_TIMEOUT", c.Cache.WriteTimeout)

	c.Endpoints.URLs = getEnvAsList("PORTFOLIO_ENDPOINTS", c.Endpoints.URLs)
	c.Endpoints.Timeout = getEnvAsDuration("ENDPOINT_TIMEOUT", c.Endpoints.Timeout)
	c.Endpoints.RatePerSecond = getEnvAsFloat("ENDPOINT_RATE_PER_SECOND", c.Endpoints.RatePerSecond)
	c.Endpoints.Burst = getEnvAsInt("ENDPOINT_BURST", c.Endpoints.Burst)
	c.Endpoints.BreakerFailures = getEnvAsInt("ENDPOINT_BREAKER_FAILURES", c.Endpoints.BreakerFailures)
	c.Endpoints.BreakerThreshold = getEnvAsFloat("ENDPOINT_BREAKER_THRESHOLD", c.Endpoints.BreakerThreshold)
	c.Endpoints.BreakerTimeout = getEnvAsDuration("ENDPOINT_BREAKER_TIMEOUT", c.Endpoints.BreakerTimeout)

	c.Backup.Path = getEnv("BACKUP_PATH", c.Backup.Path)
	c.Backup.MaxAge = getEnvAsDuration("BACKUP_MAX_AGE", c.Backup.MaxAge)

	c.Query.StaleTime = getEnvAsDuration("QUERY_STALE_TIME", c.Query.StaleTime)
	c.Query.GCTime = getEnvAsDuration("QUERY_GC_TIME", c.Query.GCTime)
	c.Query.RefetchInterval = getEnvAsDuration("QUERY_REFETCH_INTERVAL", c.Query.RefetchInterval)
	c.Query.Retries = getEnvAsInt("QUERY_RETRIES", c.Query.Retries)
	c.Query.RetryDelay = getEnvAsDuration("QUERY_RETRY_DELAY", c.Query.RetryDelay)
	c.Query.MaxRetryDelay = getEnvAsDuration("QUERY_MAX_RETRY_DELAY", c.Query.MaxRetryDelay)

	c.Metrics.Enabled = getEnvAsBool("METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Namespace = getEnv("METRICS_NAMESPACE", c.Metrics.Namespace)

	c.Logging.Level = getEnv("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("LOG_FORMAT", c.Logging.Format)
}

// Validate checks the configuration for values the read path cannot run with
func (c *Config) Validate() error {
	var errs []error

	if len(c.Endpoints.URLs) == 0 {
		errs = append(errs, errors.New("at least one endpoint is required (PORTFOLIO_ENDPOINTS)"))
	}
	for i, raw := range c.Endpoints.URLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("endpoint %d (%q) is not an absolute http(s) URL", i, raw))
		}
	}
	if c.Endpoints.Timeout <= 0 {
		errs = append(errs, errors.New("endpoint timeout must be positive"))
	}
	if c.Cache.GetTimeout <= 0 {
		errs = append(errs, errors.New("cache get timeout must be positive"))
	}
	if c.Backup.MaxAge <= 0 {
		errs = append(errs, errors.New("backup max age must be positive"))
	}
	if c.Query.Retries < 0 {
		errs = append(errs, errors.New("query retries must not be negative"))
	}
	if c.Query.StaleTime <= 0 || c.Query.GCTime <= 0 {
		errs = append(errs, errors.New("query stale time and gc time must be positive"))
	}

	return errors.Join(errs...)
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a bool with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsList gets a comma-separated environment variable as an ordered
// list, dropping blank entries
func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	var values []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	if len(values) == 0 {
		return defaultValue
	}
	return values
}
