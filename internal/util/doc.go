// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides rune-safe string helpers shared by the relay
// packages.
//
// Prompts and upstream bodies are mostly Spanish text, so every length in
// this package is counted in runes, never bytes.
//
//	preview := util.TruncateRunes(prompt, 50)
//	n := util.RuneLen(prompt)
package util
