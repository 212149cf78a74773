// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jeranaias/advad-relay/internal/config"
	"github.com/jeranaias/advad-relay/internal/metrics"
	"github.com/jeranaias/advad-relay/internal/ratelimit"
	"github.com/jeranaias/advad-relay/internal/upstream"
	"github.com/jeranaias/advad-relay/internal/util"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// Version is the server version.
	Version = "1.0.0"

	// RootBody is the static body of GET /.
	RootBody = "Advad AI Server is running!"

	// UpstreamErrorKindHeader carries upstream.Kind on upstream failures.
	UpstreamErrorKindHeader = "X-Upstream-Error-Kind"

	// promptPreviewLength bounds how much of a prompt reaches the logs.
	promptPreviewLength = 50
)

// ============================================================================
// SERVER
// ============================================================================

// Server is the relay HTTP server.
type Server struct {
	cfg      *config.Config
	gen      upstream.Generator
	limiter  ratelimit.Limiter
	metrics  *metrics.Metrics
	logger   *log.Logger
	resolver *ClientIPResolver

	mu        sync.Mutex
	server    *http.Server
	closed    bool
	startTime time.Time
}

// New creates a Server. limiter may be nil when rate limiting is disabled.
// The config is cloned so later changes by the caller have no effect.
func New(cfg *config.Config, gen upstream.Generator, limiter ratelimit.Limiter) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: nil config")
	}
	if gen == nil {
		return nil, errors.New("server: nil generator")
	}
	if cfg.RateLimit.Enabled && limiter == nil {
		return nil, errors.New("server: rate limiting enabled but no limiter given")
	}

	resolver, err := NewClientIPResolver(cfg.Server.TrustedProxies)
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:       cfg.Clone(),
		gen:       gen,
		limiter:   limiter,
		metrics:   metrics.New(),
		logger:    log.Default(),
		resolver:  resolver,
		startTime: time.Now(),
	}, nil
}

// WithLogger sets the logger.
func (s *Server) WithLogger(logger *log.Logger) *Server {
	s.logger = logger
	return s
}

// WithMetrics sets the metrics sink. A nil sink disables collection and
// the /metrics route.
func (s *Server) WithMetrics(m *metrics.Metrics) *Server {
	s.metrics = m
	return s
}

// Metrics returns the metrics sink.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// ============================================================================
// ROUTES
// ============================================================================

// Handler builds the router with every route and middleware.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(
		RequestIDMiddleware,
		ClientIPMiddleware(s.resolver),
		LoggingMiddleware(s.logger, s.metrics),
		// Recovered panics reach Logging as a 500.
		RecoveryMiddleware(s.logger),
		SecurityHeadersMiddleware,
		CORSMiddleware(s.cfg.CORS),
	)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	})

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// Admission order: token, then rate limit. Readiness and payload
	// checks run inside the handler.
	admission := []func(http.Handler) http.Handler{
		AuthMiddleware(s.cfg.Security, s.logger, s.metrics),
	}
	if s.limiter != nil {
		admission = append(admission, RateLimitMiddleware(s.limiter, s.logger, s.metrics))
	}
	r.With(admission...).Post("/askai", s.handleAskAI)

	return r
}

// ============================================================================
// ROOT AND HEALTH HANDLERS
// ============================================================================

// handleRoot handles GET /.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, RootBody)
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status             string `json:"status"`
	Version            string `json:"version"`
	Provider           string `json:"provider"`
	Model              string `json:"model"`
	UpstreamConfigured bool   `json:"upstream_configured"`
	TokenRequired      bool   `json:"token_required"`
	RateLimitStore     string `json:"rate_limit_store"`
	UptimeSeconds      int64  `json:"uptime_seconds"`
}

// handleHealth handles GET /health. It reports "degraded" when the
// upstream key is missing but always answers 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:             "ok",
		Version:            Version,
		Provider:           s.gen.Provider(),
		Model:              s.gen.Model(),
		UpstreamConfigured: s.gen.IsConfigured(),
		TokenRequired:      s.cfg.Security.TokenRequired,
		RateLimitStore:     "disabled",
		UptimeSeconds:      int64(time.Since(s.startTime).Seconds()),
	}
	if s.limiter != nil {
		health.RateLimitStore = s.cfg.RateLimit.Store
	}
	if !health.UpstreamConfigured {
		health.Status = "degraded"
	}

	writeJSON(w, http.StatusOK, health)
}

// ============================================================================
// ASKAI HANDLER
// ============================================================================

// PromptRequest is the POST /askai body.
type PromptRequest struct {
	Prompt json.RawMessage `json:"prompt"`
}

// PromptResponse is the POST /askai success body.
type PromptResponse struct {
	Response string `json:"response"`
}

// ErrorResponse is the body of every JSON error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleAskAI handles POST /askai. Token and rate-limit checks have already
// run as middleware.
func (s *Server) handleAskAI(w http.ResponseWriter, r *http.Request) {
	id := RequestID(r.Context())

	if !s.gen.IsConfigured() {
		s.logger.Printf("CONFIG_MISSING | id=%s provider=%s reason=api_key_not_set", id, s.gen.Provider())
		s.metrics.RecordRejection(metrics.ReasonNotConfigured)
		writeError(w, http.StatusInternalServerError, upstream.ErrNotConfigured.Error())
		return
	}

	prompt, err := s.decodePrompt(w, r)
	if err != nil {
		s.logger.Printf("VALIDATION_FAILED | id=%s reason=%q", id, err.Error())
		s.metrics.RecordRejection(metrics.ReasonValidation)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()
	text, err := s.gen.Generate(r.Context(), prompt)
	latency := time.Since(start)

	if err != nil {
		kind := upstream.KindOf(err)
		s.logger.Printf("UPSTREAM_ERROR | id=%s provider=%s kind=%s latency=%dms error=%q",
			id, s.gen.Provider(), kind, latency.Milliseconds(), err.Error())
		s.metrics.RecordUpstream(s.gen.Provider(), string(kind), latency)
		w.Header().Set(UpstreamErrorKindHeader, string(kind))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Printf("UPSTREAM_OK | id=%s provider=%s model=%s latency=%dms prompt=%q response_chars=%d",
		id, s.gen.Provider(), s.gen.Model(), latency.Milliseconds(),
		util.TruncateRunes(prompt, promptPreviewLength), util.RuneLen(text))
	s.metrics.RecordUpstream(s.gen.Provider(), "success", latency)

	writeJSON(w, http.StatusOK, PromptResponse{Response: text})
}

// validationError is a client-facing 400 message.
type validationError string

func (e validationError) Error() string { return string(e) }

const (
	errPromptRequired = validationError("Prompt is required")
	errPromptType     = validationError("Prompt must be a string")
	errInvalidBody    = validationError("Invalid request body")
)

// decodePrompt reads and validates the request body. Every error it returns
// is safe to show to the client.
func (s *Server) decodePrompt(w http.ResponseWriter, r *http.Request) (string, error) {
	if limit := s.cfg.Server.MaxBodyBytes; limit > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, limit)
	}

	var req PromptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return "", validationError(fmt.Sprintf("Request body exceeds maximum size of %d bytes", maxErr.Limit))
		case errors.Is(err, io.EOF):
			return "", errPromptRequired
		default:
			return "", errInvalidBody
		}
	}

	if len(req.Prompt) == 0 || string(req.Prompt) == "null" {
		return "", errPromptRequired
	}

	var prompt string
	if err := json.Unmarshal(req.Prompt, &prompt); err != nil {
		return "", errPromptType
	}
	if prompt == "" {
		return "", errPromptRequired
	}

	if limit := s.cfg.Server.MaxPromptLength; limit > 0 && util.RuneLen(prompt) > limit {
		return "", validationError(fmt.Sprintf("Prompt exceeds maximum length of %d characters", limit))
	}
	return prompt, nil
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Start listens on the configured address and serves until Shutdown.
// It returns http.ErrServerClosed after a clean shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on an existing listener. After Shutdown it closes ln and
// returns http.ErrServerClosed.
func (s *Server) Serve(ln net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout(),
		WriteTimeout: s.cfg.Server.WriteTimeout(),
		IdleTimeout:  s.cfg.Server.IdleTimeout(),
		ErrorLog:     s.logger,
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return http.ErrServerClosed
	}
	s.server = httpServer
	s.mu.Unlock()

	s.logger.Printf("SERVER_START | addr=%s version=%s provider=%s model=%s upstream_configured=%t token_required=%t rate_limit=%s",
		ln.Addr(), Version, s.gen.Provider(), s.gen.Model(), s.gen.IsConfigured(),
		s.cfg.Security.TokenRequired, s.rateLimitSummary())
	for _, warning := range s.cfg.Warnings() {
		s.logger.Printf("CONFIG_WARNING | %s", warning)
	}

	return httpServer.Serve(ln)
}

func (s *Server) rateLimitSummary() string {
	if s.limiter == nil {
		return "disabled"
	}
	return fmt.Sprintf("%d/%ds(%s)", s.cfg.RateLimit.Requests, s.cfg.RateLimit.WindowSecs, s.cfg.RateLimit.Store)
}

// Shutdown gracefully shuts down the server and releases the limiter.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Printf("SERVER_SHUTDOWN | starting graceful shutdown")

	s.mu.Lock()
	httpServer := s.server
	s.closed = true
	s.mu.Unlock()

	var err error
	if httpServer != nil {
		err = httpServer.Shutdown(ctx)
	}
	if s.limiter != nil {
		if cerr := s.limiter.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// ============================================================================
// HELPERS
// ============================================================================

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error": message}.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
