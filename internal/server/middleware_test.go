// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/advad-relay/internal/config"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

// =============================================================================
// TOKEN TESTS
// =============================================================================

func TestValidateToken(t *testing.T) {
	tests := []struct {
		token    string
		expected string
		want     bool
	}{
		{"abc", "abc", true},
		{"abc", "abd", false},
		{"ab", "abc", false},
		{"", "abc", false},
		{"abc", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidateToken(tt.token, tt.expected), "%q vs %q", tt.token, tt.expected)
	}
}

func TestAuthMiddleware_LogsReason(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		token  string
		reason string
	}{
		{"missing", "abc", "", "reason=missing_token"},
		{"invalid", "abc", "xyz", "reason=invalid_token"},
		{"not configured", "", "xyz", "reason=token_not_configured"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			cfg := config.SecurityConfig{TokenRequired: true, AccessToken: tt.secret, TokenHeader: "X-App-Token"}
			h := AuthMiddleware(cfg, log.New(&logs, "", 0), nil)(okHandler)

			req := httptest.NewRequest(http.MethodPost, "/askai", nil)
			if tt.token != "" {
				req.Header.Set("X-App-Token", tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusForbidden, rec.Code)
			assert.Contains(t, logs.String(), "AUTH_DENIED")
			assert.Contains(t, logs.String(), tt.reason)
			assert.NotContains(t, logs.String(), "abc", "secret must not be logged")
		})
	}
}

// =============================================================================
// CLIENT IP TESTS
// =============================================================================

func TestClientIPResolver(t *testing.T) {
	tests := []struct {
		name       string
		trusted    []string
		remoteAddr string
		xff        string
		realIP     string
		want       string
	}{
		{"peer only", nil, "192.0.2.5:4000", "", "", "192.0.2.5"},
		{"first forwarded entry", nil, "192.0.2.5:4000", "203.0.113.1, 10.0.0.2", "", "203.0.113.1"},
		{"real ip", nil, "192.0.2.5:4000", "", "203.0.113.2", "203.0.113.2"},
		{"forwarded beats real ip", nil, "192.0.2.5:4000", "203.0.113.1", "203.0.113.2", "203.0.113.1"},
		{"garbage forwarded falls back", nil, "192.0.2.5:4000", "unknown", "", "192.0.2.5"},
		{"forwarded entry with port", nil, "10.0.0.1:5555", "203.0.113.7:4444, 10.0.0.2", "", "203.0.113.7"},
		{"forwarded ipv6 with port", nil, "10.0.0.1:5555", "[2001:db8::7]:4444", "", "2001:db8::7"},
		{"forwarded bracketed ipv6", nil, "10.0.0.1:5555", "[2001:db8::7]", "", "2001:db8::7"},
		{"forwarded bare ipv6", nil, "10.0.0.1:5555", "2001:db8::7, 10.0.0.2", "", "2001:db8::7"},
		{"real ip with port", nil, "10.0.0.1:5555", "", "203.0.113.8:80", "203.0.113.8"},
		{"ipv6 peer", nil, "[2001:db8::1]:4000", "", "", "2001:db8::1"},
		{"trusted proxy", []string{"10.0.0.0/8"}, "10.1.2.3:4000", "203.0.113.1", "", "203.0.113.1"},
		{"untrusted peer ignores headers", []string{"10.0.0.0/8"}, "192.0.2.5:4000", "203.0.113.1", "203.0.113.2", "192.0.2.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver, err := NewClientIPResolver(tt.trusted)
			require.NoError(t, err)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			assert.Equal(t, tt.want, resolver.Resolve(req))
		})
	}
}

func TestNewClientIPResolver_Invalid(t *testing.T) {
	_, err := NewClientIPResolver([]string{"10.0.0.0/33"})
	assert.Error(t, err)
}

func TestClientIP_FallsBackToPeer(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.9:1234"
	assert.Equal(t, "192.0.2.9", ClientIP(req))
}

// =============================================================================
// REQUEST ID TESTS
// =============================================================================

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	_, err := uuid.Parse(seen)
	require.NoError(t, err)
	assert.Equal(t, seen, rec.Header().Get("X-Request-Id"))

	incoming := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", incoming)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, incoming, seen)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", "<script>")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.NotEqual(t, "<script>", seen)
}

// =============================================================================
// RATE LIMIT HELPER TESTS
// =============================================================================

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, 1, retryAfterSeconds(0))
	assert.Equal(t, 1, retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, 2, retryAfterSeconds(1500*time.Millisecond))
	assert.Equal(t, 60, retryAfterSeconds(time.Minute))
}

// =============================================================================
// CORS TESTS
// =============================================================================

func TestIsOriginAllowed(t *testing.T) {
	allowed := []string{"https://advad.example", "*.example.org"}

	assert.True(t, isOriginAllowed(allowed, "https://advad.example"))
	assert.True(t, isOriginAllowed(allowed, "https://app.example.org"))
	assert.False(t, isOriginAllowed(allowed, "https://evil.example"))
	assert.False(t, isOriginAllowed(allowed, ""))
}

func TestCORSMiddleware(t *testing.T) {
	cfg := config.Default().CORS
	cfg.AllowedOrigins = []string{"https://advad.example"}
	h := CORSMiddleware(cfg)(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/askai", nil)
	req.Header.Set("Origin", "https://advad.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://advad.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))
	assert.Equal(t, "86400", rec.Header().Get("Access-Control-Max-Age"))

	req = httptest.NewRequest(http.MethodPost, "/askai", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORSMiddleware_Disabled(t *testing.T) {
	cfg := config.Default().CORS
	cfg.Enabled = false
	h := CORSMiddleware(cfg)(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/askai", nil)
	req.Header.Set("Origin", "https://advad.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

// =============================================================================
// LOGGING AND RECOVERY TESTS
// =============================================================================

func TestLoggingMiddleware(t *testing.T) {
	var logs bytes.Buffer
	h := LoggingMiddleware(log.New(&logs, "", 0), nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("implicit 200"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

	assert.Contains(t, logs.String(), "HTTP_REQUEST")
	assert.Contains(t, logs.String(), "path=/x")
	assert.Contains(t, logs.String(), "status=200")
}

func TestRecoveryMiddleware(t *testing.T) {
	var logs bytes.Buffer
	h := RecoveryMiddleware(log.New(&logs, "", 0))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("kaboom")
	}))

	rec := httptest.NewRecorder()
	assert.NotPanics(t, func() {
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
	assert.Contains(t, logs.String(), "PANIC_RECOVERED")
}

func TestRecoveryMiddleware_AbortHandler(t *testing.T) {
	h := RecoveryMiddleware(log.New(io.Discard, "", 0))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeadersMiddleware(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rec.Header().Get("Referrer-Policy"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}
