// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package upstream

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Throttled caps the rate of outbound calls across every client of the
// relay. It does not queue past maxWait; a call that cannot get a token in
// time fails with KindTimeout.
type Throttled struct {
	Generator
	limiter *rate.Limiter
	maxWait time.Duration
}

// NewThrottled wraps next with a token bucket of rps tokens per second.
func NewThrottled(next Generator, rps rate.Limit, burst int, maxWait time.Duration) *Throttled {
	if burst < 1 {
		burst = 1
	}
	return &Throttled{
		Generator: next,
		limiter:   rate.NewLimiter(rps, burst),
		maxWait:   maxWait,
	}
}

// Generate waits for a token, then delegates.
func (t *Throttled) Generate(ctx context.Context, prompt string) (string, error) {
	if !t.IsConfigured() {
		return t.Generator.Generate(ctx, prompt)
	}

	wctx, cancel := withTimeout(ctx, t.maxWait)
	err := t.limiter.Wait(wctx)
	cancel()
	if err != nil {
		return "", &Error{
			Provider: t.Provider(),
			Kind:     KindTimeout,
			Message:  "outbound throttle: " + err.Error(),
			Err:      err,
		}
	}
	return t.Generator.Generate(ctx, prompt)
}
