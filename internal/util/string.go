// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package util

import "unicode/utf8"

// Ellipsis marks a truncated string.
const Ellipsis = "..."

// TruncateRunes shortens s to at most maxRunes runes, ending in "..." when
// anything was cut. With maxRunes <= 3 there is no room for the ellipsis and
// s is cut hard.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	if maxRunes <= len(Ellipsis) {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-len(Ellipsis)]) + Ellipsis
}

// RuneLen returns the number of runes (characters) in s.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}
