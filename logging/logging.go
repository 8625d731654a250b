package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog"

	"github.com/hannes/kiji-detect/config"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// New builds the process logger from the logging configuration. Output goes
// to stderr when out is nil.
func New(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}

	lvl, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		lvl = zerolog.InfoLevel
	}
	if cfg.DebugMode {
		lvl = zerolog.DebugLevel
	}

	if cfg.Format != FormatJSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// InitSentry enables error reporting when a DSN is configured. The returned
// flush func is always safe to call.
func InitSentry(cfg config.SentryConfig, release string) (func(), error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}
	err := sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
		Release:     release,
	})
	if err != nil {
		return func() {}, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	return func() { sentry.Flush(2 * time.Second) }, nil
}

// ReportError writes err to the developer diagnostics channel: the logger,
// plus Sentry when it has been initialized.
func ReportError(logger *zerolog.Logger, err error, msg string) {
	if err == nil {
		return
	}
	if logger != nil {
		logger.Error().Err(err).Msg(msg)
	}
	if hub := sentry.CurrentHub(); hub.Client() != nil {
		hub.CaptureException(fmt.Errorf("%s: %w", msg, err))
	}
}
