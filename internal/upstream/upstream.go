// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upstream

//go:generate mockgen -destination=mocks/generator_mock.go -package=mocks github.com/jeranaias/advad-relay/internal/upstream Generator

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/advad-relay/internal/config"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTimeout bounds a single upstream call when none is configured.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum allowed response body size.
	MaxResponseSize = 10 * 1024 * 1024

	userAgent = "advad-relay/1.0"

	// maxErrorMessageRunes bounds how much of an error body is kept.
	maxErrorMessageRunes = 200
)

// ErrNotConfigured indicates no API key was provided.
var ErrNotConfigured = errors.New("upstream API key not configured (set GEMINI_API_KEY or ADVAD_UPSTREAM_API_KEY)")

// =============================================================================
// GENERATOR
// =============================================================================

// Generator produces text for a single prompt. Implementations are safe for
// concurrent use.
type Generator interface {
	// Generate sends prompt together with the configured system instruction.
	// A reply with no text is an *Error of KindMalformed, or KindBlocked when
	// the provider filtered it.
	Generate(ctx context.Context, prompt string) (string, error)

	// IsConfigured reports whether an API key is present.
	IsConfigured() bool

	// Model returns the model identifier sent upstream.
	Model() string

	// Provider returns a short provider name for logs and metrics.
	Provider() string
}

// New builds the Generator described by cfg. A positive
// MaxRequestsPerSecond wraps it in a Throttled limiter.
func New(cfg config.UpstreamConfig) (Generator, error) {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	model := cfg.Model
	if model == "" {
		model = config.DefaultModel(cfg.Provider)
	}

	var gen Generator
	switch cfg.Provider {
	case config.ProviderGemini, "":
		if model == "" {
			model = config.DefaultModel(config.ProviderGemini)
		}
		c := NewGeminiClient(cfg.APIKey, model, cfg.SystemInstruction).WithTimeout(timeout)
		if cfg.BaseURL != "" {
			c.WithBaseURL(cfg.BaseURL)
		}
		gen = c
	case config.ProviderOpenRouter:
		c := NewOpenRouterClient(cfg.APIKey, model, cfg.SystemInstruction).WithTimeout(timeout)
		if cfg.BaseURL != "" {
			c.WithBaseURL(cfg.BaseURL)
		}
		gen = c
	default:
		return nil, fmt.Errorf("unknown upstream provider %q", cfg.Provider)
	}

	if cfg.MaxRequestsPerSecond > 0 {
		gen = NewThrottled(gen, rate.Limit(cfg.MaxRequestsPerSecond), cfg.Burst, timeout)
	}
	return gen, nil
}

// =============================================================================
// ERRORS
// =============================================================================

// Kind classifies an upstream failure.
type Kind string

const (
	KindNetwork       Kind = "network"
	KindTimeout       Kind = "timeout"
	KindQuota         Kind = "quota"
	KindAuth          Kind = "auth"
	KindRejected      Kind = "rejected"
	KindBlocked       Kind = "blocked"
	KindMalformed     Kind = "malformed"
	KindServer        Kind = "server"
	KindNotConfigured Kind = "not-configured"
	KindUnknown       Kind = "unknown"
)

func (k Kind) describe() string {
	switch k {
	case KindNetwork:
		return "network error"
	case KindTimeout:
		return "request timed out"
	case KindQuota:
		return "quota exceeded"
	case KindAuth:
		return "authentication failed"
	case KindRejected:
		return "request rejected"
	case KindBlocked:
		return "response blocked"
	case KindMalformed:
		return "malformed response"
	case KindServer:
		return "server error"
	case KindNotConfigured:
		return "not configured"
	default:
		return "error"
	}
}

// Error is returned by every Generator for upstream failures.
type Error struct {
	Provider string
	Kind     Kind
	Status   int    // HTTP status, 0 when no response was received
	Message  string // provider-supplied detail, if any
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	if e.Provider != "" {
		b.WriteString(e.Provider)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.describe())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.Status)
	}
	switch {
	case e.Message != "":
		b.WriteString(": ")
		b.WriteString(e.Message)
	case e.Err != nil:
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	if errors.Is(err, ErrNotConfigured) {
		return KindNotConfigured
	}
	return KindUnknown
}

// kindForStatus maps a non-2xx HTTP status to a Kind.
func kindForStatus(status int) Kind {
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests, status == http.StatusPaymentRequired:
		return KindQuota
	case status == http.StatusRequestTimeout, status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 500:
		return KindServer
	case status >= 400:
		return KindRejected
	default:
		return KindMalformed
	}
}

// transportError classifies a failure that happened before a response
// body was fully read.
func transportError(provider string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Provider: provider, Kind: KindTimeout, Err: err}
	}
	return &Error{Provider: provider, Kind: KindNetwork, Err: err}
}

// =============================================================================
// HTTP HELPERS
// =============================================================================

// newHTTPClient returns a pooled client. Deadlines come from the request
// context, so the client itself has no timeout.
func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}
}

// readResponse reads the response body with a size limit.
func readResponse(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if int64(len(body)) > MaxResponseSize {
		return nil, errResponseTooLarge
	}
	return body, nil
}

// Fingerprint returns a short SHA-256 fingerprint of an API key for logs.
func Fingerprint(apiKey string) string {
	if apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(h[:4])
}

// withTimeout bounds ctx by d. A non-positive d leaves it unbounded.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

var errResponseTooLarge = fmt.Errorf("response exceeded maximum size of %d bytes", MaxResponseSize)

// readError classifies a failure from readResponse.
func readError(provider string, status int, err error) *Error {
	if errors.Is(err, errResponseTooLarge) {
		return &Error{Provider: provider, Kind: KindMalformed, Status: status, Err: err}
	}
	return transportError(provider, err)
}

