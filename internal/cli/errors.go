// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error types, display and exit codes for CLI commands.
//
// Command handlers always return errors and let main decide how to show
// them and which exit code to use.

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/advad-relay/internal/config"
	"github.com/jeranaias/advad-relay/internal/upstream"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitUsageError   = 2
	ExitConfigError  = 3
	ExitAuthError    = 4
	ExitNetworkError = 5
	ExitTimeoutError = 8
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// CommandError represents a CLI command error with context.
type CommandError struct {
	Command string // Command that failed (e.g., "serve", "ask")
	Action  string // Action being performed (e.g., "load config")
	Err     error  // Underlying error (if any)
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s failed: %v", e.Command, e.Action, e.Err)
	}
	return fmt.Sprintf("%s: %s failed", e.Command, e.Action)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// UsageError represents invalid command-line input.
type UsageError struct {
	Reason  string
	Example string
}

func (e *UsageError) Error() string {
	if e.Example != "" {
		return fmt.Sprintf("%s\nExample: %s", e.Reason, e.Example)
	}
	return e.Reason
}

// ConfigError wraps a failure to load or validate the configuration.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("invalid configuration (%s): %v", e.Path, e.Err)
	}
	return fmt.Sprintf("invalid configuration: %v", e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewCommandError creates a new command error.
func NewCommandError(command, action string, err error) error {
	return &CommandError{Command: command, Action: action, Err: err}
}

// ErrMissingArgument creates an error for a missing required argument.
func ErrMissingArgument(argName, example string) error {
	return &UsageError{Reason: fmt.Sprintf("missing required argument: %s", argName), Example: example}
}

// ErrUnknownCommand creates an error for an unrecognized command.
func ErrUnknownCommand(name string) error {
	return &UsageError{Reason: fmt.Sprintf("unknown command %q", name), Example: "advad-relay help"}
}

// =============================================================================
// DISPLAY
// =============================================================================

// ErrorData is the JSON payload printed for a failed command.
type ErrorData struct {
	ErrorType string `json:"error_type"`
	Kind      string `json:"kind,omitempty"`
	ExitCode  int    `json:"exit_code"`
}

// DisplayError writes err to w, as JSON in JSON mode.
func DisplayError(w io.Writer, command string, err error, jsonMode bool) {
	if err == nil {
		return
	}

	if !jsonMode {
		fmt.Fprintf(w, "[ERROR] %s\n", err.Error())
		return
	}

	resp := NewJSONErrorResponse(command, err)
	resp.Data = errorData(err)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(resp)
}

func errorData(err error) ErrorData {
	data := ErrorData{ErrorType: "generic_error", ExitCode: GetExitCode(err)}

	var usageErr *UsageError
	var configErr *ConfigError
	var validateErrs config.ValidateErrors
	var upstreamErr *upstream.Error

	switch {
	case errors.As(err, &usageErr):
		data.ErrorType = "usage_error"
	case errors.As(err, &configErr), errors.As(err, &validateErrs):
		data.ErrorType = "config_error"
	case errors.As(err, &upstreamErr):
		data.ErrorType = "upstream_error"
		data.Kind = string(upstreamErr.Kind)
	}
	return data
}

// =============================================================================
// EXIT CODE MAPPING
// =============================================================================

// GetExitCode determines the appropriate exit code for an error.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}

	var usageErr *UsageError
	if errors.As(err, &usageErr) {
		return ExitUsageError
	}

	var configErr *ConfigError
	var validateErrs config.ValidateErrors
	if errors.As(err, &configErr) || errors.As(err, &validateErrs) {
		return ExitConfigError
	}

	var upstreamErr *upstream.Error
	if errors.As(err, &upstreamErr) {
		switch upstreamErr.Kind {
		case upstream.KindNotConfigured:
			return ExitConfigError
		case upstream.KindAuth:
			return ExitAuthError
		case upstream.KindNetwork:
			return ExitNetworkError
		case upstream.KindTimeout:
			return ExitTimeoutError
		}
	}

	return ExitGeneralError
}
