// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultAddr is the listen address used when neither PORT nor
	// server.addr is set.
	DefaultAddr = ":10000"

	// DefaultTokenHeader carries the shared app token.
	DefaultTokenHeader = "X-App-Token"

	// DefaultSystemInstruction is sent with every prompt.
	DefaultSystemInstruction = "Eres una inteligencia artificial de entrenamiento para soldados espaciales. " +
		"Responde a los soldados de la organización y exígeles lo mejor de ellos mismos."

	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"

	StoreMemory = "memory"
	StoreRedis  = "redis"

	// EnvConfigPath names the config file when --config is not given.
	EnvConfigPath = "ADVAD_CONFIG"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config is the complete relay configuration.
type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server" json:"server"`
	Upstream  UpstreamConfig  `toml:"upstream" yaml:"upstream" json:"upstream"`
	Security  SecurityConfig  `toml:"security" yaml:"security" json:"security"`
	RateLimit RateLimitConfig `toml:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
	CORS      CORSConfig      `toml:"cors" yaml:"cors" json:"cors"`
}

// ServerConfig holds listener and request-shape limits.
type ServerConfig struct {
	Addr             string `toml:"addr" yaml:"addr" json:"addr"`
	ReadTimeoutSecs  int    `toml:"read_timeout_secs" yaml:"read_timeout_secs" json:"read_timeout_secs"`
	WriteTimeoutSecs int    `toml:"write_timeout_secs" yaml:"write_timeout_secs" json:"write_timeout_secs"`
	IdleTimeoutSecs  int    `toml:"idle_timeout_secs" yaml:"idle_timeout_secs" json:"idle_timeout_secs"`
	MaxBodyBytes     int64  `toml:"max_body_bytes" yaml:"max_body_bytes" json:"max_body_bytes"`
	MaxPromptLength  int    `toml:"max_prompt_length" yaml:"max_prompt_length" json:"max_prompt_length"`

	// TrustedProxies lists CIDRs allowed to set X-Forwarded-For.
	// Empty means any peer may set it.
	TrustedProxies []string `toml:"trusted_proxies" yaml:"trusted_proxies" json:"trusted_proxies"`
}

// UpstreamConfig describes the generative model the relay forwards to.
type UpstreamConfig struct {
	Provider          string `toml:"provider" yaml:"provider" json:"provider"`
	APIKey            string `toml:"api_key" yaml:"api_key" json:"api_key"`
	Model             string `toml:"model" yaml:"model" json:"model"`
	BaseURL           string `toml:"base_url" yaml:"base_url" json:"base_url"`
	TimeoutSecs       int    `toml:"timeout_secs" yaml:"timeout_secs" json:"timeout_secs"`
	SystemInstruction string `toml:"system_instruction" yaml:"system_instruction" json:"system_instruction"`

	// MaxRequestsPerSecond caps outbound calls across all clients. Zero disables it.
	MaxRequestsPerSecond float64 `toml:"max_requests_per_second" yaml:"max_requests_per_second" json:"max_requests_per_second"`
	Burst                int     `toml:"burst" yaml:"burst" json:"burst"`
}

// SecurityConfig controls the shared-token gate.
type SecurityConfig struct {
	TokenRequired bool   `toml:"token_required" yaml:"token_required" json:"token_required"`
	AccessToken   string `toml:"access_token" yaml:"access_token" json:"access_token"`
	TokenHeader   string `toml:"token_header" yaml:"token_header" json:"token_header"`
}

// RateLimitConfig controls per-client admission.
type RateLimitConfig struct {
	Enabled    bool        `toml:"enabled" yaml:"enabled" json:"enabled"`
	Requests   int         `toml:"requests" yaml:"requests" json:"requests"`
	WindowSecs int         `toml:"window_secs" yaml:"window_secs" json:"window_secs"`
	Store      string      `toml:"store" yaml:"store" json:"store"`
	Redis      RedisConfig `toml:"redis" yaml:"redis" json:"redis"`
}

// RedisConfig is used when the rate-limit store is "redis".
type RedisConfig struct {
	Addr      string `toml:"addr" yaml:"addr" json:"addr"`
	Password  string `toml:"password" yaml:"password" json:"password"`
	DB        int    `toml:"db" yaml:"db" json:"db"`
	KeyPrefix string `toml:"key_prefix" yaml:"key_prefix" json:"key_prefix"`
}

// CORSConfig controls cross-origin headers on every route.
type CORSConfig struct {
	Enabled        bool     `toml:"enabled" yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `toml:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `toml:"allowed_methods" yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `toml:"allowed_headers" yaml:"allowed_headers" json:"allowed_headers"`
	MaxAgeSecs     int      `toml:"max_age_secs" yaml:"max_age_secs" json:"max_age_secs"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with every field set to its built-in value.
// Upstream.Model is left empty; SetDefaults resolves it for the chosen
// provider.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:             DefaultAddr,
			ReadTimeoutSecs:  15,
			WriteTimeoutSecs: 60,
			IdleTimeoutSecs:  120,
			MaxBodyBytes:     1 << 20,
			MaxPromptLength:  100000,
		},
		Upstream: UpstreamConfig{
			Provider:          ProviderGemini,
			TimeoutSecs:       30,
			SystemInstruction: DefaultSystemInstruction,
			Burst:             1,
		},
		Security: SecurityConfig{
			TokenRequired: true,
			TokenHeader:   DefaultTokenHeader,
		},
		RateLimit: RateLimitConfig{
			Enabled:    true,
			Requests:   10,
			WindowSecs: 60,
			Store:      StoreMemory,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "advad:ratelimit:",
			},
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type", DefaultTokenHeader},
			MaxAgeSecs:     86400,
		},
	}
}

// defaultModels maps each provider to the model used when none is configured.
var defaultModels = map[string]string{
	ProviderGemini:     "gemini-2.5-flash",
	ProviderOpenRouter: "google/gemini-2.5-flash",
}

// DefaultModel returns the model used for provider when none is configured,
// or "" for an unknown provider.
func DefaultModel(provider string) string {
	return defaultModels[strings.ToLower(strings.TrimSpace(provider))]
}

// SetDefaults fills zero-valued fields. Booleans are left alone since false
// is a meaningful setting.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.ReadTimeoutSecs == 0 {
		c.Server.ReadTimeoutSecs = d.Server.ReadTimeoutSecs
	}
	if c.Server.WriteTimeoutSecs == 0 {
		c.Server.WriteTimeoutSecs = d.Server.WriteTimeoutSecs
	}
	if c.Server.IdleTimeoutSecs == 0 {
		c.Server.IdleTimeoutSecs = d.Server.IdleTimeoutSecs
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = d.Server.MaxBodyBytes
	}
	if c.Server.MaxPromptLength == 0 {
		c.Server.MaxPromptLength = d.Server.MaxPromptLength
	}

	c.Upstream.Provider = strings.ToLower(strings.TrimSpace(c.Upstream.Provider))
	if c.Upstream.Provider == "" {
		c.Upstream.Provider = d.Upstream.Provider
	}
	if c.Upstream.Model == "" {
		c.Upstream.Model = defaultModels[c.Upstream.Provider]
	}
	if c.Upstream.TimeoutSecs == 0 {
		c.Upstream.TimeoutSecs = d.Upstream.TimeoutSecs
	}
	if c.Upstream.SystemInstruction == "" {
		c.Upstream.SystemInstruction = d.Upstream.SystemInstruction
	}
	if c.Upstream.Burst == 0 {
		c.Upstream.Burst = d.Upstream.Burst
	}

	if c.Security.TokenHeader == "" {
		c.Security.TokenHeader = d.Security.TokenHeader
	}

	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = d.RateLimit.Requests
	}
	if c.RateLimit.WindowSecs == 0 {
		c.RateLimit.WindowSecs = d.RateLimit.WindowSecs
	}
	c.RateLimit.Store = strings.ToLower(strings.TrimSpace(c.RateLimit.Store))
	if c.RateLimit.Store == "" {
		c.RateLimit.Store = d.RateLimit.Store
	}
	if c.RateLimit.Redis.KeyPrefix == "" {
		c.RateLimit.Redis.KeyPrefix = d.RateLimit.Redis.KeyPrefix
	}

	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = d.CORS.AllowedOrigins
	}
	if len(c.CORS.AllowedMethods) == 0 {
		c.CORS.AllowedMethods = d.CORS.AllowedMethods
	}
	if len(c.CORS.AllowedHeaders) == 0 {
		c.CORS.AllowedHeaders = d.CORS.AllowedHeaders
	}
	if !containsFold(c.CORS.AllowedHeaders, c.Security.TokenHeader) {
		c.CORS.AllowedHeaders = append(c.CORS.AllowedHeaders, c.Security.TokenHeader)
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load builds the effective configuration: defaults, then .env, then the
// config file at path (or $ADVAD_CONFIG), then environment overrides.
// The result is defaulted and validated.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	cfg := Default()
	if path != "" {
		if err := LoadFile(cfg, path); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile decodes the file at path over cfg. Keys absent from the file keep
// their current values. The format is chosen by extension.
func LoadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to parse TOML config %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse YAML config %s: %w", path, err)
		}
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("failed to parse JSON config %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (use .toml, .yaml or .json)", ext)
	}
	return nil
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported environment variables:
//   - GEMINI_API_KEY: upstream.api_key
//   - ADVAD_UPSTREAM_API_KEY: upstream.api_key (wins over GEMINI_API_KEY)
//   - ADVAD_UPSTREAM_PROVIDER: upstream.provider
//   - ADVAD_MODEL: upstream.model
//   - ADVAD_ACCESS_TOKEN: security.access_token
//   - ADVAD_TOKEN_REQUIRED: security.token_required ("1", "true", "0", "false")
//   - PORT: server.addr as ":PORT"
//   - ADVAD_ADDR: server.addr (wins over PORT)
//   - ADVAD_RATE_LIMIT_STORE: rate_limit.store
//   - ADVAD_REDIS_ADDR, ADVAD_REDIS_PASSWORD: rate_limit.redis
//   - ADVAD_CORS_ORIGINS: cors.allowed_origins, comma separated
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("ADVAD_UPSTREAM_API_KEY"); v != "" {
		c.Upstream.APIKey = v
	}
	if v := os.Getenv("ADVAD_UPSTREAM_PROVIDER"); v != "" {
		c.Upstream.Provider = v
	}
	if v := os.Getenv("ADVAD_MODEL"); v != "" {
		c.Upstream.Model = v
	}
	if v := os.Getenv("ADVAD_ACCESS_TOKEN"); v != "" {
		c.Security.AccessToken = v
	}
	if v := os.Getenv("ADVAD_TOKEN_REQUIRED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Security.TokenRequired = b
		}
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Addr = ":" + v
	}
	if v := os.Getenv("ADVAD_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("ADVAD_RATE_LIMIT_STORE"); v != "" {
		c.RateLimit.Store = v
	}
	if v := os.Getenv("ADVAD_REDIS_ADDR"); v != "" {
		c.RateLimit.Redis.Addr = v
	}
	if v := os.Getenv("ADVAD_REDIS_PASSWORD"); v != "" {
		c.RateLimit.Redis.Password = v
	}
	if v := os.Getenv("ADVAD_CORS_ORIGINS"); v != "" {
		c.CORS.AllowedOrigins = splitList(v)
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors collects every problem found by Validate.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate checks the configuration. An empty upstream API key is allowed;
// it is reported per request rather than at startup.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Server
	if c.Server.Addr == "" {
		add("server.addr", "must not be empty")
	} else if _, port, err := net.SplitHostPort(c.Server.Addr); err != nil {
		add("server.addr", "invalid listen address %q: %v", c.Server.Addr, err)
	} else if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		add("server.addr", "invalid port %q", port)
	}
	if c.Server.ReadTimeoutSecs < 0 || c.Server.WriteTimeoutSecs < 0 || c.Server.IdleTimeoutSecs < 0 {
		add("server.timeouts", "must be non-negative")
	}
	if c.Server.MaxBodyBytes < 0 {
		add("server.max_body_bytes", "must be non-negative, got %d", c.Server.MaxBodyBytes)
	}
	if c.Server.MaxPromptLength < 0 {
		add("server.max_prompt_length", "must be non-negative, got %d", c.Server.MaxPromptLength)
	}
	for _, cidr := range c.Server.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			add("server.trusted_proxies", "invalid CIDR %q", cidr)
		}
	}

	// Upstream
	if _, ok := defaultModels[c.Upstream.Provider]; !ok {
		add("upstream.provider", "invalid provider '%s', must be one of: gemini, openrouter", c.Upstream.Provider)
	}
	if c.Upstream.BaseURL != "" {
		u, err := url.Parse(c.Upstream.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			add("upstream.base_url", "invalid URL %q", c.Upstream.BaseURL)
		}
	}
	if c.Upstream.TimeoutSecs <= 0 {
		add("upstream.timeout_secs", "must be positive, got %d", c.Upstream.TimeoutSecs)
	}
	if c.Upstream.MaxRequestsPerSecond < 0 {
		add("upstream.max_requests_per_second", "must be non-negative")
	}
	if c.Upstream.Burst < 0 {
		add("upstream.burst", "must be non-negative, got %d", c.Upstream.Burst)
	}

	// Security
	if c.Security.TokenHeader == "" {
		add("security.token_header", "must not be empty")
	}

	// Rate limit
	if c.RateLimit.Enabled {
		if c.RateLimit.Requests <= 0 {
			add("rate_limit.requests", "must be positive, got %d", c.RateLimit.Requests)
		}
		if c.RateLimit.WindowSecs <= 0 {
			add("rate_limit.window_secs", "must be positive, got %d", c.RateLimit.WindowSecs)
		}
		switch c.RateLimit.Store {
		case StoreMemory:
		case StoreRedis:
			if c.RateLimit.Redis.Addr == "" {
				add("rate_limit.redis.addr", "required when store is redis")
			}
		default:
			add("rate_limit.store", "invalid store '%s', must be one of: memory, redis", c.RateLimit.Store)
		}
	}

	// CORS
	if c.CORS.MaxAgeSecs < 0 {
		add("cors.max_age_secs", "must be non-negative")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Warnings lists settings that are valid but probably not what the operator
// wants. The server logs them at startup.
func (c *Config) Warnings() []string {
	var w []string
	if c.Upstream.APIKey == "" {
		w = append(w, "upstream API key not set; prompt submissions will fail with 500")
	}
	if c.Security.TokenRequired && c.Security.AccessToken == "" {
		w = append(w, "token required but no access token configured; every prompt submission will be denied")
	}
	if !c.Security.TokenRequired {
		w = append(w, "token gate disabled; /askai is open to any caller")
	}
	if !c.RateLimit.Enabled {
		w = append(w, "rate limiting disabled")
	}
	return w
}

// =============================================================================
// ACCESSORS
// =============================================================================

func secs(n int) time.Duration { return time.Duration(n) * time.Second }

func (s ServerConfig) ReadTimeout() time.Duration  { return secs(s.ReadTimeoutSecs) }
func (s ServerConfig) WriteTimeout() time.Duration { return secs(s.WriteTimeoutSecs) }
func (s ServerConfig) IdleTimeout() time.Duration  { return secs(s.IdleTimeoutSecs) }

// Timeout bounds a single upstream call.
func (u UpstreamConfig) Timeout() time.Duration { return secs(u.TimeoutSecs) }

// Window is the rate-limit window length.
func (r RateLimitConfig) Window() time.Duration { return secs(r.WindowSecs) }

// MaxAge is the preflight cache duration.
func (c CORSConfig) MaxAge() time.Duration { return secs(c.MaxAgeSecs) }

// Clone returns a deep copy of the config.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Server.TrustedProxies = append([]string(nil), c.Server.TrustedProxies...)
	clone.CORS.AllowedOrigins = append([]string(nil), c.CORS.AllowedOrigins...)
	clone.CORS.AllowedMethods = append([]string(nil), c.CORS.AllowedMethods...)
	clone.CORS.AllowedHeaders = append([]string(nil), c.CORS.AllowedHeaders...)
	return &clone
}

// Redacted returns a copy with every secret replaced by "[REDACTED]".
// Unset secrets stay empty.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	if safe.Upstream.APIKey != "" {
		safe.Upstream.APIKey = "[REDACTED]"
	}
	if safe.Security.AccessToken != "" {
		safe.Security.AccessToken = "[REDACTED]"
	}
	if safe.RateLimit.Redis.Password != "" {
		safe.RateLimit.Redis.Password = "[REDACTED]"
	}
	return safe
}

// String renders the config as TOML with secrets redacted.
func (c *Config) String() string {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c.Redacted()); err != nil {
		return fmt.Sprintf("config: %v", err)
	}
	return buf.String()
}

// =============================================================================
// HELPERS
// =============================================================================

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
