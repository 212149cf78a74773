// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file contains helpers shared by the CLI commands.
package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/jeranaias/advad-relay/internal/config"
)

// loadConfig loads the layered configuration, wrapping any failure in a
// ConfigError so main exits with ExitConfigError.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if path == "" {
			path = os.Getenv(config.EnvConfigPath)
		}
		return nil, &ConfigError{Path: path, Err: err}
	}
	return cfg, nil
}

// formatDurationShort formats a short duration string.
func formatDurationShort(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm%ds", m, s)
}
