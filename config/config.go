package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging configuration options
type LoggingConfig struct {
	Level       string // zerolog level name (debug, info, warn, error)
	Format      string // console or json
	LogRequests bool   // Log one line per HTTP request
	DebugMode   bool   // Force debug level
}

// DatabaseConfig holds database configuration for the submission log
type DatabaseConfig struct {
	Enabled      bool   // Whether to use database storage
	Host         string // Database host
	Port         int    // Database port
	Database     string // Database name
	Username     string // Database username
	Password     string `json:"-"` // Database password
	SSLMode      string // SSL mode (disable, require, etc.)
	MaxOpenConns int    // Maximum open connections
	MaxIdleConns int    // Maximum idle connections
	MaxLifetime  int    // Connection max lifetime in seconds
	CleanupHours int    // Hours after which to cleanup old submission records
}

// DetectionConfig describes how to reach the detection service
type DetectionConfig struct {
	BaseURL        string
	Path           string
	APIKey         string `json:"-"`
	APIKeyHeader   string
	TimeoutSeconds int
	RateLimit      float64 // outbound requests per second, 0 disables
	RateBurst      int
}

// SentryConfig enables error reporting when DSN is set
type SentryConfig struct {
	DSN         string
	Environment string
}

// Config holds all configuration for the detection form service
type Config struct {
	ListenAddr        string
	UIPath            string
	CredentialsPath   string
	SessionTTLMinutes int
	MaxSessions       int // cap on live form sessions, least recently seen evicted first
	CORSOrigins       []string
	Detection         DetectionConfig
	Database          DatabaseConfig
	Logging           LoggingConfig
	Sentry            SentryConfig
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:        ":8080",
		UIPath:            "./web/static",
		SessionTTLMinutes: 30,
		MaxSessions:       1000,
		CORSOrigins:       []string{"*"},
		Detection: DetectionConfig{
			BaseURL:        "http://localhost:8000",
			Path:           "/api/detect-pii",
			APIKeyHeader:   "x-api-key",
			TimeoutSeconds: 30,
			RateLimit:      0,
			RateBurst:      1,
		},
		Database: DatabaseConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         5432,
			Database:     "kiji",
			Username:     "postgres",
			Password:     "",
			SSLMode:      "disable",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
			MaxLifetime:  300,
			CleanupHours: 24,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "console",
			LogRequests: true,
		},
	}
}

// DetectionTimeout returns the per-request timeout as a duration
func (c *Config) DetectionTimeout() time.Duration {
	return time.Duration(c.Detection.TimeoutSeconds) * time.Second
}

// SessionTTL returns how long an idle form session is kept
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// ValidateConfig checks the configuration for values the service cannot run with
func (c *Config) ValidateConfig() error {
	if err := validatePort(c.ListenAddr, "ListenAddr"); err != nil {
		return err
	}
	if err := validateBaseURL(c.Detection.BaseURL, "Detection.BaseURL"); err != nil {
		return err
	}
	if err := validatePath(c.Detection.Path, "Detection.Path"); err != nil {
		return err
	}
	if c.Detection.APIKey == "" {
		return fmt.Errorf("Detection.APIKey: API key is not set (use DETECTION_API_KEY or a credentials file)")
	}
	if c.Detection.APIKeyHeader == "" {
		return fmt.Errorf("Detection.APIKeyHeader: header name cannot be empty")
	}
	if c.Detection.TimeoutSeconds <= 0 {
		return fmt.Errorf("Detection.TimeoutSeconds: must be positive (current value: %d)", c.Detection.TimeoutSeconds)
	}
	if c.Detection.RateLimit < 0 {
		return fmt.Errorf("Detection.RateLimit: cannot be negative (current value: %g)", c.Detection.RateLimit)
	}
	if c.SessionTTLMinutes <= 0 {
		return fmt.Errorf("SessionTTLMinutes: must be positive (current value: %d)", c.SessionTTLMinutes)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("MaxSessions: must be positive (current value: %d)", c.MaxSessions)
	}
	if c.Database.Enabled && c.Database.Host == "" {
		return fmt.Errorf("Database.Host: host is required when the database is enabled")
	}
	return nil
}

func validatePort(port, fieldName string) error {
	if port == "" {
		return fmt.Errorf("%s: port cannot be empty", fieldName)
	}
	if !strings.HasPrefix(port, ":") {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	p, err := strconv.Atoi(port[1:])
	if err != nil {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	if p < 1 || p > 65535 {
		return fmt.Errorf("%s: port must be between 1 and 65535 (current value: %d)", fieldName, p)
	}
	return nil
}

func validateBaseURL(raw, fieldName string) error {
	if raw == "" {
		return fmt.Errorf("%s: URL cannot be empty", fieldName)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: invalid URL: %w", fieldName, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: URL scheme must be http or https (current value: %s)", fieldName, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: URL must include a host (current value: %s)", fieldName, raw)
	}
	return nil
}

func validatePath(path, fieldName string) error {
	if !strings.HasPrefix(path, "/") {
		return fmt.Errorf("%s: path must start with '/' (current value: %q)", fieldName, path)
	}
	if strings.ContainsAny(path, "?# \t") {
		return fmt.Errorf("%s: path must not contain a query, fragment or whitespace (current value: %q)", fieldName, path)
	}
	return nil
}
