// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config.go - Config command implementation.
//
// Command: config [subcommand]
//
// Subcommands:
//   show (default)      Print the effective configuration, secrets redacted
//   validate            Load and validate the configuration, print warnings
//
// Examples:
//   advad-relay config
//   advad-relay config show --json
//   advad-relay config validate --config relay.yaml
package cli

import (
	"fmt"
	"io"

	"github.com/jeranaias/advad-relay/internal/config"
)

// ConfigData is the JSON payload of the config command.
type ConfigData struct {
	Valid    bool           `json:"valid"`
	Warnings []string       `json:"warnings"`
	Config   *config.Config `json:"config,omitempty"`
}

// RunConfig handles "config show" and "config validate".
func RunConfig(args Args, w io.Writer) error {
	switch args.Subcommand {
	case "", "show":
		return showConfig(args, w)
	case "validate", "check":
		return validateConfig(args, w)
	default:
		return &UsageError{
			Reason:  fmt.Sprintf("unknown config subcommand %q", args.Subcommand),
			Example: "advad-relay config [show|validate]",
		}
	}
}

func showConfig(args Args, w io.Writer) error {
	cfg, err := loadConfig(args.ConfigPath)
	if err != nil {
		return err
	}

	if args.JSON {
		return NewJSONResponse("config show", ConfigData{
			Valid:    true,
			Warnings: nonNil(cfg.Warnings()),
			Config:   cfg.Redacted(),
		}).Print(w)
	}

	fmt.Fprint(w, cfg.String())
	for _, warning := range cfg.Warnings() {
		fmt.Fprintf(w, "# warning: %s\n", warning)
	}
	return nil
}

func validateConfig(args Args, w io.Writer) error {
	cfg, err := loadConfig(args.ConfigPath)
	if err != nil {
		return err
	}

	warnings := cfg.Warnings()
	if args.JSON {
		return NewJSONResponse("config validate", ConfigData{
			Valid:    true,
			Warnings: nonNil(warnings),
		}).Print(w)
	}

	fmt.Fprintln(w, "Configuration OK")
	for _, warning := range warnings {
		fmt.Fprintf(w, "  warning: %s\n", warning)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
