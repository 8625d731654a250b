package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/hannes/kiji-detect/config"
	"github.com/hannes/kiji-detect/form"
	"github.com/hannes/kiji-detect/logging"
	piiServices "github.com/hannes/kiji-detect/pii"
	pii "github.com/hannes/kiji-detect/pii/detectors"
	"github.com/hannes/kiji-detect/proxy"
	"github.com/hannes/kiji-detect/web"
)

const (
	maxFormBodySize        = 1 << 20
	defaultSubmissionLimit = 50
	maxSubmissionLimit     = 500
	janitorInterval        = 5 * time.Minute
	recordTimeout          = 5 * time.Second
	shutdownTimeout        = 10 * time.Second
)

// Dependencies are the collaborators the server is built from. The caller
// owns Detector and Store and closes them after the server stops.
type Dependencies struct {
	Detector pii.Detector
	Store    piiServices.SubmissionStore
	Logger   *zerolog.Logger
}

// Server represents the HTTP server
type Server struct {
	config    *config.Config
	detector  pii.Detector
	store     piiServices.SubmissionStore
	logger    *zerolog.Logger
	handler   *proxy.Handler
	templates *web.Templates
	sessions  *sessionStore
	uiFS      fs.FS
}

// NewServer creates a new server instance serving static files from cfg.UIPath
func NewServer(cfg *config.Config, deps Dependencies) (*Server, error) {
	return NewServerWithEmbedded(cfg, nil, deps)
}

// NewServerWithEmbedded creates a new server instance with an embedded UI filesystem
func NewServerWithEmbedded(cfg *config.Config, uiFS fs.FS, deps Dependencies) (*Server, error) {
	if deps.Detector == nil {
		return nil, fmt.Errorf("detector is required")
	}
	if deps.Store == nil {
		deps.Store = piiServices.NewInMemorySubmissionStore(piiServices.DefaultMaxEntries)
	}
	if deps.Logger == nil {
		nop := zerolog.Nop()
		deps.Logger = &nop
	}

	handler, err := proxy.NewHandler(cfg.Detection, deps.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create proxy handler: %w", err)
	}

	templates, err := web.ParseTemplates()
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:    cfg,
		detector:  deps.Detector,
		store:     deps.Store,
		logger:    deps.Logger,
		handler:   handler,
		templates: templates,
		uiFS:      uiFS,
	}
	s.sessions = newSessionStore(cfg.SessionTTL(), cfg.MaxSessions, func() *form.Form {
		return form.New(s.detector, s.logger)
	})
	return s, nil
}

// Router builds the HTTP routes
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	if s.config.Logging.LogRequests {
		r.Use(requestLogger(s.logger))
	}
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthCheck)
	r.Get("/", s.handleIndex)
	r.Post("/", s.handleSubmit)

	r.Route("/api", func(r chi.Router) {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.config.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Content-Type"},
			MaxAge:         3600,
		}).Handler)
		r.Method(http.MethodPost, "/detect-pii", s.handler)
		r.Get("/submissions", s.handleSubmissions)
	})

	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(s.staticFS())))
	return r
}

// staticFS serves the embedded assets when present, else the UIPath directory
func (s *Server) staticFS() http.FileSystem {
	if s.uiFS != nil {
		subFS, err := fs.Sub(s.uiFS, "web/static")
		if err == nil {
			if entries, err := fs.ReadDir(subFS, "."); err == nil && len(entries) > 0 {
				return http.FS(subFS)
			}
		}
		s.logger.Warn().Msg("embedded UI not available, falling back to file system")
	}
	return http.Dir(s.config.UIPath)
}

// Start serves until ctx is cancelled, then shuts down gracefully
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info().
		Str("addr", s.config.ListenAddr).
		Str("detector", s.detector.GetName()).
		Str("detection_url", s.config.Detection.BaseURL).
		Msg("starting PII detection form service")

	if s.config.Database.Enabled {
		s.logger.Info().Msg("database submission log enabled")
	} else {
		s.logger.Info().Msg("using in-memory submission log")
	}

	server := &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      s.config.DetectionTimeout() + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go s.runJanitor(janitorCtx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to start server: %w", err)
	case <-ctx.Done():
		s.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// runJanitor evicts idle sessions and expires old submission records
func (s *Server) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Server) sweep(ctx context.Context) {
	if n := s.sessions.evictExpired(); n > 0 {
		s.logger.Debug().Int("sessions", n).Msg("evicted idle form sessions")
	}
	if hours := s.config.Database.CleanupHours; hours > 0 {
		removed, err := s.store.CleanupOlderThan(ctx, time.Duration(hours)*time.Hour)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to clean up submission log")
			return
		}
		if removed > 0 {
			s.logger.Debug().Int64("removed", removed).Msg("cleaned up submission log")
		}
	}
}

// healthCheck provides a simple health check endpoint
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`{"status":"healthy","service":"Kiji Detect"}`)); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write health check response")
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	view := form.Render("", form.Idle())
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		if f, ok := s.sessions.get(cookie.Value); ok {
			view = f.View()
		}
	}
	s.renderPage(w, view)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBodySize)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Failed to read form", http.StatusBadRequest)
		return
	}

	text := r.PostFormValue("text")
	var sessionID string
	if cookie, err := r.Cookie(SessionCookieName); err == nil {
		sessionID = cookie.Value
	}

	// Blank input from a browser without a live session is answered without
	// creating one.
	if _, ok := s.sessions.get(sessionID); !ok && strings.TrimSpace(text) == "" {
		state := form.Failed(form.MsgEmptyInput)
		s.recordSubmission(r.Context(), state, form.ErrEmptyInput, 0)
		s.renderPage(w, form.Render(text, state))
		return
	}

	sessionID, f := s.sessions.getOrCreate(sessionID)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.config.SessionTTL().Seconds()),
	})

	f.SetText(text)
	start := time.Now()
	state, err := f.Submit(r.Context())
	s.recordSubmission(r.Context(), state, err, time.Since(start))

	s.renderPage(w, f.View())
}

// recordSubmission writes a content-free record of the submission outcome
func (s *Server) recordSubmission(ctx context.Context, state form.State, submitErr error, elapsed time.Duration) {
	var record piiServices.Submission
	switch {
	case errors.Is(submitErr, form.ErrEmptyInput):
		record = piiServices.NewSubmission(piiServices.OutcomeRejected, nil, elapsed)
	case errors.Is(submitErr, form.ErrSuperseded):
		record = piiServices.NewSubmission(piiServices.OutcomeSuperseded, nil, elapsed)
	case submitErr != nil:
		record = piiServices.NewSubmission(piiServices.OutcomeFailed, nil, elapsed)
	default:
		results, _ := state.Results()
		record = piiServices.NewSubmission(piiServices.OutcomeSucceeded, results, elapsed)
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.store.Record(recordCtx, record); err != nil {
		logging.ReportError(s.logger, err, "failed to record submission")
	}
}

func (s *Server) renderPage(w http.ResponseWriter, view form.View) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.templates.RenderIndex(w, view); err != nil {
		logging.ReportError(s.logger, err, "failed to render form page")
	}
}

// handleSubmissions returns the most recent submission records
func (s *Server) handleSubmissions(w http.ResponseWriter, r *http.Request) {
	limit := defaultSubmissionLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = min(n, maxSubmissionLimit)
	}

	submissions, err := s.store.Recent(r.Context(), limit)
	if err != nil {
		logging.ReportError(s.logger, err, "failed to load submissions")
		http.Error(w, "Failed to load submissions", http.StatusInternalServerError)
		return
	}
	total, err := s.store.Count(r.Context())
	if err != nil {
		logging.ReportError(s.logger, err, "failed to count submissions")
		http.Error(w, "Failed to load submissions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{
		"submissions": submissions,
		"total":       total,
	}); err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode submissions")
	}
}

// Close closes the server and cleans up resources
func (s *Server) Close() error {
	s.sessions.closeAll()
	if s.handler != nil {
		return s.handler.Close()
	}
	return nil
}

// requestLogger logs one line per request. Bodies are never logged.
func requestLogger(logger *zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}
