// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - Ask command: send one prompt upstream without starting a server.
//
// Command: ask "prompt"
//
// Uses the same provider, model and system instruction as the server, so
// an operator can check a key or a model change from a shell.
//
// Examples:
//   advad-relay ask "¿Cuál es la misión?"
//   advad-relay ask "Informe de estado" --json
//   echo "hola" | advad-relay ask -
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jeranaias/advad-relay/internal/upstream"
)

// AskResult is the JSON payload of the ask command.
type AskResult struct {
	Response  string `json:"response"`
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	LatencyMS int64  `json:"latency_ms"`
}

// RunAsk sends args.Query upstream and writes the answer to w. A query of
// "-" reads the prompt from stdin.
func RunAsk(ctx context.Context, args Args, stdin io.Reader, w io.Writer) error {
	prompt := args.Query
	if prompt == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return NewCommandError("ask", "read stdin", err)
		}
		prompt = strings.TrimRight(string(data), "\r\n")
	}
	if prompt == "" {
		return ErrMissingArgument("prompt", `advad-relay ask "¿Cuál es la misión?"`)
	}

	cfg, err := loadConfig(args.ConfigPath)
	if err != nil {
		return err
	}

	gen, err := upstream.New(cfg.Upstream)
	if err != nil {
		return &ConfigError{Path: args.ConfigPath, Err: err}
	}

	start := time.Now()
	text, err := gen.Generate(ctx, prompt)
	latency := time.Since(start)
	if err != nil {
		return err
	}

	if args.JSON {
		return NewJSONResponse("ask", AskResult{
			Response:  text,
			Provider:  gen.Provider(),
			Model:     gen.Model(),
			LatencyMS: latency.Milliseconds(),
		}).Print(w)
	}

	fmt.Fprintln(w, text)
	fmt.Fprintf(w, "\n[%s/%s in %s]\n", gen.Provider(), gen.Model(), formatDurationShort(latency))
	return nil
}
