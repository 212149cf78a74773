// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the relay HTTP server.
//
// The server accepts a prompt from an authenticated client, forwards it to
// the configured upstream model together with the fixed system instruction,
// and returns the generated text.
//
// # Endpoints
//
//   - GET  /        - Liveness text, always 200
//   - POST /askai   - Prompt relay
//   - GET  /health  - JSON health summary
//   - GET  /metrics - Prometheus metrics
//
// # Admission Order for POST /askai
//
//  1. App token (403 {"error":"Access denied"})
//  2. Per-client rate limit (429)
//  3. Upstream key configured (500)
//  4. Prompt present and a non-empty string (400)
//  5. Upstream call (200 {"response":...} or 500 {"error":...})
//
// A request rejected at one step is never counted or seen by a later step.
//
// # Usage
//
//	gen, _ := upstream.New(cfg.Upstream)
//	limiter, _ := ratelimit.New(cfg.RateLimit)
//	srv, err := server.New(cfg, gen, limiter)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := srv.Start(); err != nil && err != http.ErrServerClosed {
//		log.Fatal(err)
//	}
package server
