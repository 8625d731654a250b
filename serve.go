package main

import (
	"context"
	"fmt"
	"io/fs"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/hannes/kiji-detect/config"
	piiServices "github.com/hannes/kiji-detect/pii"
	"github.com/hannes/kiji-detect/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the PII detection form",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, flush, err := setup()
		if err != nil {
			return err
		}
		defer flush()

		detector, err := newDetector(cfg)
		if err != nil {
			return err
		}
		defer func() { _ = detector.Close() }()

		store := openSubmissionStore(cmd.Context(), cfg, logger)
		defer func() { _ = store.Close() }()

		deps := server.Dependencies{Detector: detector, Store: store, Logger: logger}
		var srv *server.Server
		if hasEmbeddedUI() {
			srv, err = server.NewServerWithEmbedded(cfg, uiFiles, deps)
			logger.Debug().Msg("using embedded UI files")
		} else {
			srv, err = server.NewServer(cfg, deps)
			logger.Debug().Str("ui_path", cfg.UIPath).Msg("using file system UI files")
		}
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}
		defer func() { _ = srv.Close() }()

		return srv.Start(cmd.Context())
	},
}

// openSubmissionStore connects the PostgreSQL submission log when enabled,
// falling back to memory if it cannot be reached
func openSubmissionStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) piiServices.SubmissionStore {
	if !cfg.Database.Enabled {
		return piiServices.NewInMemorySubmissionStore(piiServices.DefaultMaxEntries)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	store, err := piiServices.NewPostgresSubmissionStore(connectCtx, piiServices.DatabaseConfig{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		Database:     cfg.Database.Database,
		Username:     cfg.Database.Username,
		Password:     cfg.Database.Password,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
		MaxLifetime:  time.Duration(cfg.Database.MaxLifetime) * time.Second,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("database unavailable, using in-memory submission log")
		return piiServices.NewInMemorySubmissionStore(piiServices.DefaultMaxEntries)
	}
	return store
}

// hasEmbeddedUI reports whether the binary was built with the static assets
func hasEmbeddedUI() bool {
	entries, err := fs.ReadDir(uiFiles, "web/static")
	return err == nil && len(entries) > 0
}
