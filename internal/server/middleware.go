// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jeranaias/advad-relay/internal/config"
	"github.com/jeranaias/advad-relay/internal/metrics"
	"github.com/jeranaias/advad-relay/internal/ratelimit"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	clientIPKey
)

// ============================================================================
// Request ID Middleware
// ============================================================================

// RequestIDMiddleware tags each request with a UUID, echoed in X-Request-Id.
// A well-formed incoming X-Request-Id is kept.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// RequestID returns the request ID stored by RequestIDMiddleware.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ============================================================================
// Client IP
// ============================================================================

// ClientIPResolver derives the client identifier used for rate limiting.
//
// The first X-Forwarded-For entry wins, then X-Real-IP, then the peer
// address. With a non-empty trusted list, forwarded headers are only read
// when the peer is inside one of the trusted networks.
type ClientIPResolver struct {
	trusted []*net.IPNet
}

// NewClientIPResolver parses the trusted proxy CIDRs.
func NewClientIPResolver(trustedProxies []string) (*ClientIPResolver, error) {
	res := &ClientIPResolver{}
	for _, cidr := range trustedProxies {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", cidr, err)
		}
		res.trusted = append(res.trusted, ipNet)
	}
	return res, nil
}

func (c *ClientIPResolver) trusts(ipStr string) bool {
	if len(c.trusted) == 0 {
		return true
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range c.trusted {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// Resolve returns the client identifier for r.
func (c *ClientIPResolver) Resolve(r *http.Request) string {
	connIP := getRemoteIP(r.RemoteAddr)
	if !c.trusts(connIP) {
		return connIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if clientIP := parseForwardedIP(first); clientIP != "" {
			return clientIP
		}
	}

	if realIP := parseForwardedIP(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}

	return connIP
}

// parseForwardedIP returns the address in a forwarded header entry, or ""
// if it holds none. Entries may carry a port ("ip:port", "[v6]:port").
func parseForwardedIP(entry string) string {
	entry = strings.TrimSpace(entry)
	if net.ParseIP(entry) != nil {
		return entry
	}
	if host, _, err := net.SplitHostPort(entry); err == nil && net.ParseIP(host) != nil {
		return host
	}
	if host := strings.TrimSuffix(strings.TrimPrefix(entry, "["), "]"); net.ParseIP(host) != nil {
		return host
	}
	return ""
}

// getRemoteIP extracts the IP address from r.RemoteAddr.
// RemoteAddr is in the format "IP:port" or "[IPv6]:port".
func getRemoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// ClientIPMiddleware stores the resolved client identifier on the request.
func ClientIPMiddleware(resolver *ClientIPResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := resolver.Resolve(r)
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), clientIPKey, ip)))
		})
	}
}

// ClientIP returns the identifier stored by ClientIPMiddleware, or the peer
// address if the middleware did not run.
func ClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(clientIPKey).(string); ok {
		return ip
	}
	return getRemoteIP(r.RemoteAddr)
}

// ============================================================================
// Auth Middleware
// ============================================================================

// AuthMiddleware checks the shared app token.
//
// With token_required off it passes every request through. Otherwise the
// header must equal the configured token. A missing header and a missing
// configured token are both treated as a mismatch.
func AuthMiddleware(cfg config.SecurityConfig, logger *log.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.TokenRequired {
				next.ServeHTTP(w, r)
				return
			}

			token := r.Header.Get(cfg.TokenHeader)
			if !ValidateToken(token, cfg.AccessToken) {
				reason := "invalid_token"
				switch {
				case cfg.AccessToken == "":
					reason = "token_not_configured"
				case token == "":
					reason = "missing_token"
				}
				logger.Printf("AUTH_DENIED | id=%s client=%s reason=%s", RequestID(r.Context()), ClientIP(r), reason)
				m.RecordRejection(metrics.ReasonAuth)
				writeError(w, http.StatusForbidden, "Access denied")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ValidateToken compares tokens using constant-time comparison.
// Returns false if either token is empty.
func ValidateToken(token, expected string) bool {
	if token == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
}

// ============================================================================
// Rate Limit Middleware
// ============================================================================

// RateLimitMessage is returned with every 429.
const RateLimitMessage = "Has enviado muchos mensajes, espera un momento soldado."

// RateLimitResponse is the 429 body.
type RateLimitResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RateLimitMiddleware records one attempt per request against the client
// identifier and rejects it with 429 once the window is full.
//
// Adds X-RateLimit-Limit and X-RateLimit-Remaining to admitted and rejected
// responses, and Retry-After to rejections. A limiter failure is a 500.
func RateLimitMiddleware(limiter ratelimit.Limiter, logger *log.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := ClientIP(r)

			d, err := limiter.Allow(r.Context(), clientIP)
			if err != nil {
				logger.Printf("RATE_LIMIT_ERROR | id=%s client=%s error=%v", RequestID(r.Context()), clientIP, err)
				m.RecordRejection(metrics.ReasonLimiterError)
				writeError(w, http.StatusInternalServerError, "Rate limiter unavailable")
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))

			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
				logger.Printf("RATE_LIMIT_EXCEEDED | id=%s client=%s limit=%d retry_after=%v",
					RequestID(r.Context()), clientIP, d.Limit, d.RetryAfter)
				m.RecordRejection(metrics.ReasonRateLimit)
				writeJSON(w, http.StatusTooManyRequests, RateLimitResponse{
					Error:   "Rate limit exceeded",
					Message: RateLimitMessage,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retryAfterSeconds rounds up to whole seconds, minimum 1.
func retryAfterSeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// ============================================================================
// CORS Middleware
// ============================================================================

// isOriginAllowed checks if the origin is in the allowlist.
func isOriginAllowed(allowedOrigins []string, origin string) bool {
	if origin == "" {
		return false
	}
	for _, allowed := range allowedOrigins {
		if allowed == origin {
			return true
		}
		// Wildcard subdomain, e.g. "*.example.com".
		if strings.HasPrefix(allowed, "*.") && strings.HasSuffix(origin, allowed[1:]) {
			return true
		}
	}
	return false
}

// CORSMiddleware sets Access-Control-* headers and answers preflight
// OPTIONS requests with 204.
func CORSMiddleware(cfg config.CORSConfig) func(http.Handler) http.Handler {
	wildcard := false
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			wildcard = true
		}
	}
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	maxAge := strconv.Itoa(cfg.MaxAgeSecs)

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowOrigin := ""
			switch {
			case wildcard:
				allowOrigin = "*"
			case isOriginAllowed(cfg.AllowedOrigins, origin):
				allowOrigin = origin
				w.Header().Add("Vary", "Origin")
			}

			if allowOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
				w.Header().Set("Access-Control-Allow-Methods", methods)
				w.Header().Set("Access-Control-Allow-Headers", headers)
				w.Header().Set("Access-Control-Max-Age", maxAge)
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// ============================================================================
// Request Logging Middleware
// ============================================================================

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

// newResponseWriter creates a wrapped response writer.
func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

// WriteHeader captures the status code before writing it.
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	return rw.ResponseWriter.Write(b)
}

// LoggingMiddleware logs one line per request and records request metrics
// under the matched chi route pattern.
func LoggingMiddleware(logger *log.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := newResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}

			logger.Printf("HTTP_REQUEST | id=%s client=%s method=%s path=%s status=%d duration=%.3fs",
				RequestID(r.Context()),
				ClientIP(r),
				r.Method,
				r.URL.Path,
				wrapped.statusCode,
				duration.Seconds(),
			)
			m.RecordRequest(route, wrapped.statusCode, duration)
		})
	}
}

// ============================================================================
// Security Headers Middleware
// ============================================================================

// SecurityHeadersMiddleware returns HTTP middleware that adds security headers.
//
// Headers set:
//   - X-Content-Type-Options: nosniff
//   - X-Frame-Options: DENY
//   - Referrer-Policy: no-referrer
//   - Cache-Control: no-store
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// Recovery Middleware
// ============================================================================

// RecoveryMiddleware turns a handler panic into a logged 500.
func RecoveryMiddleware(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.Printf("PANIC_RECOVERED | id=%s method=%s path=%s error=%v\n%s",
						RequestID(r.Context()),
						r.Method,
						r.URL.Path,
						err,
						debug.Stack(),
					)
					writeError(w, http.StatusInternalServerError, "Internal server error")
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
