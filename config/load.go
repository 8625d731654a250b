package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const TRUE = "true"

// LoadFromFile decodes a JSON config file over cfg. Fields absent from the
// file keep their current values. Secrets are never read from this file.
func LoadFromFile(path string, cfg *Config) error {
	// #nosec G304 - Config file path is supplied by the operator
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer func() { _ = file.Close() }()

	if err := json.NewDecoder(file).Decode(cfg); err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}
	return nil
}

// LoadFromEnv overrides configuration with environment variables
func LoadFromEnv(cfg *Config) {
	loadApplicationConfig(cfg)
	loadDetectionConfig(cfg)
	loadDatabaseConfig(cfg)
	loadLoggingConfig(cfg)
}

func loadApplicationConfig(cfg *Config) {
	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if uiPath := os.Getenv("UI_PATH"); uiPath != "" {
		cfg.UIPath = uiPath
	}
	if credentials := os.Getenv("CREDENTIALS_FILE"); credentials != "" {
		cfg.CredentialsPath = credentials
	}
	if ttl := os.Getenv("SESSION_TTL_MINUTES"); ttl != "" {
		if minutes, err := strconv.Atoi(ttl); err == nil {
			cfg.SessionTTLMinutes = minutes
		}
	}
	if maxSessions := os.Getenv("MAX_SESSIONS"); maxSessions != "" {
		if n, err := strconv.Atoi(maxSessions); err == nil {
			cfg.MaxSessions = n
		}
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		cfg.CORSOrigins = splitList(origins)
	}
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		cfg.Sentry.DSN = dsn
	}
	if env := os.Getenv("SENTRY_ENVIRONMENT"); env != "" {
		cfg.Sentry.Environment = env
	}
}

func loadDetectionConfig(cfg *Config) {
	if baseURL := os.Getenv("DETECTION_API_URL"); baseURL != "" {
		cfg.Detection.BaseURL = baseURL
	}
	if path := os.Getenv("DETECTION_API_PATH"); path != "" {
		cfg.Detection.Path = path
	}
	if apiKey := os.Getenv("DETECTION_API_KEY"); apiKey != "" {
		cfg.Detection.APIKey = apiKey
	}
	if header := os.Getenv("DETECTION_API_KEY_HEADER"); header != "" {
		cfg.Detection.APIKeyHeader = header
	}
	if timeout := os.Getenv("DETECTION_TIMEOUT_SECONDS"); timeout != "" {
		if seconds, err := strconv.Atoi(timeout); err == nil {
			cfg.Detection.TimeoutSeconds = seconds
		}
	}
	if limit := os.Getenv("DETECTION_RATE_LIMIT"); limit != "" {
		if rps, err := strconv.ParseFloat(limit, 64); err == nil {
			cfg.Detection.RateLimit = rps
		}
	}
	if burst := os.Getenv("DETECTION_RATE_BURST"); burst != "" {
		if b, err := strconv.Atoi(burst); err == nil {
			cfg.Detection.RateBurst = b
		}
	}
}

func loadDatabaseConfig(cfg *Config) {
	if dbEnabled := os.Getenv("DB_ENABLED"); dbEnabled != "" {
		cfg.Database.Enabled = dbEnabled == TRUE
	}

	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Database.Host = host
	}

	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Database.Port = p
		}
	}

	if dbName := os.Getenv("DB_NAME"); dbName != "" {
		cfg.Database.Database = dbName
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.Database.Username = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Database.Password = password
	}

	if sslMode := os.Getenv("DB_SSL_MODE"); sslMode != "" {
		cfg.Database.SSLMode = sslMode
	}

	if cleanupHours := os.Getenv("DB_CLEANUP_HOURS"); cleanupHours != "" {
		if hours, err := strconv.Atoi(cleanupHours); err == nil {
			cfg.Database.CleanupHours = hours
		}
	}
}

func loadLoggingConfig(cfg *Config) {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if logRequests := os.Getenv("LOG_REQUESTS"); logRequests != "" {
		cfg.Logging.LogRequests = logRequests == TRUE
	}
	if debug := os.Getenv("LOG_DEBUG"); debug != "" {
		cfg.Logging.DebugMode = debug == TRUE
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
