package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hannes/kiji-detect/config"
	"github.com/hannes/kiji-detect/logging"
	pii "github.com/hannes/kiji-detect/pii/detectors"
)

// Version is injected via ldflags at build time
var Version = "dev"

var (
	configPath      string
	credentialsPath string
)

var rootCmd = &cobra.Command{
	Use:           "kiji-detect",
	Short:         "Submit text to a PII detection service and show what it found",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to JSON config file")
	rootCmd.PersistentFlags().StringVar(&credentialsPath, "credentials", "", "Path to JSON credentials file ({\"detectionEndpoint\", \"apiKey\"})")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(detectCmd)
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		if !errors.Is(err, errSubmissionFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

// loadConfig builds the configuration from defaults, the config file, the
// credentials file and the environment, in that order
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	if configPath != "" {
		if err := config.LoadFromFile(configPath, cfg); err != nil {
			return nil, err
		}
	}

	path := credentialsPath
	if path == "" {
		path = os.Getenv("CREDENTIALS_FILE")
	}
	if path == "" {
		path = cfg.CredentialsPath
	}
	if path != "" {
		creds, err := config.ReadCredentials(path)
		if err != nil {
			return nil, err
		}
		cfg.ApplyCredentials(creds)
		cfg.CredentialsPath = path
	}

	config.LoadFromEnv(cfg)

	if err := cfg.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setup loads configuration and starts the logging and error reporting stack.
// The returned func flushes pending error reports.
func setup() (*config.Config, *zerolog.Logger, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	logger := logging.New(cfg.Logging, os.Stderr)
	flush, err := logging.InitSentry(cfg.Sentry, Version)
	if err != nil {
		logger.Warn().Err(err).Msg("error reporting disabled")
	}
	return cfg, &logger, flush, nil
}

// newDetector creates the detection service client from configuration
func newDetector(cfg *config.Config) (pii.Detector, error) {
	detector, err := pii.NewDetector(pii.DetectorNameAPI, map[string]interface{}{
		"base_url":       cfg.Detection.BaseURL,
		"path":           cfg.Detection.Path,
		"api_key":        cfg.Detection.APIKey,
		"api_key_header": cfg.Detection.APIKeyHeader,
		"timeout":        cfg.DetectionTimeout(),
		"rate_limit":     cfg.Detection.RateLimit,
		"rate_burst":     cfg.Detection.RateBurst,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}
	return detector, nil
}
