// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jeranaias/advad-relay/internal/config"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration // zero when allowed
}

// Limiter records attempts per key.
type Limiter interface {
	// Allow records an attempt for key if it fits in the window.
	Allow(ctx context.Context, key string) (Decision, error)

	// Close releases background resources.
	Close() error
}

// New builds the store named by cfg.Store.
func New(cfg config.RateLimitConfig) (Limiter, error) {
	if cfg.Requests <= 0 || cfg.Window() <= 0 {
		return nil, fmt.Errorf("rate limit needs positive requests and window, got %d per %v", cfg.Requests, cfg.Window())
	}

	switch cfg.Store {
	case config.StoreMemory, "":
		return NewMemoryLimiter(cfg.Requests, cfg.Window()), nil
	case config.StoreRedis:
		rl, err := DialRedis(cfg.Redis, cfg.Requests, cfg.Window())
		if err != nil {
			return nil, err
		}
		return rl, nil
	default:
		return nil, fmt.Errorf("unknown rate limit store %q", cfg.Store)
	}
}
