// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package upstream talks to the generative model the relay forwards prompts to.
//
// # Key Types
//
//   - Generator: the single-prompt interface the server depends on
//   - GeminiClient: Google Generative Language REST client (default)
//   - OpenRouterClient: OpenAI-compatible chat completions client
//   - Throttled: global outbound token bucket wrapped around a Generator
//   - Error: typed failure carrying a Kind
//
// # Usage
//
//	gen, err := upstream.New(cfg.Upstream)
//	if err != nil {
//	    return err
//	}
//	text, err := gen.Generate(ctx, "Hola")
//	if err != nil {
//	    log.Printf("UPSTREAM_ERROR | kind=%s", upstream.KindOf(err))
//	}
//
// Calls are never retried. API keys are never logged; use Fingerprint.
package upstream
