// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - CLI parsing and command dispatch for advad-relay.
package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "1.0.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdServe Command = iota
	CmdAsk
	CmdConfig
	CmdVersion
	CmdHelp
)

// String returns the command name as typed on the command line.
func (c Command) String() string {
	switch c {
	case CmdServe:
		return "serve"
	case CmdAsk:
		return "ask"
	case CmdConfig:
		return "config"
	case CmdVersion:
		return "version"
	case CmdHelp:
		return "help"
	default:
		return fmt.Sprintf("command(%d)", int(c))
	}
}

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	ConfigPath string
	JSON       bool

	// Command-specific
	Addr       string // serve --addr
	Query      string // ask prompt
	Subcommand string // config show|validate

	// Unknown is set when the first argument names no command.
	Unknown string

	// Raw args (remaining after the command name)
	Raw []string
}

const usageText = `advad-relay - AI prompt relay for the Advad training game

Forwards a player's prompt to the configured model (Gemini or OpenRouter)
with a fixed system instruction, behind an app token and a per-client
rate limit.

Usage:
  advad-relay                        Start the server (same as serve)
  advad-relay serve [--addr ADDR]    Start the server
  advad-relay ask "prompt"           Send one prompt upstream and print the answer
  advad-relay config [show]          Print the effective configuration (secrets redacted)
  advad-relay config validate        Validate the configuration and exit
  advad-relay version                Show version
  advad-relay help                   Show this help

Global Flags:
  -c, --config PATH   Config file (.toml, .yaml, .yml or .json)
                      Default: $ADVAD_CONFIG, else built-in defaults
  --json              Output in JSON format

Environment:
  GEMINI_API_KEY          Upstream API key
  ADVAD_UPSTREAM_API_KEY  Upstream API key (takes precedence)
  ADVAD_UPSTREAM_PROVIDER gemini | openrouter
  ADVAD_MODEL             Model name
  ADVAD_ACCESS_TOKEN      Shared app token expected in X-App-Token
  ADVAD_TOKEN_REQUIRED    true | false
  PORT                    Listen port (default 10000)
  ADVAD_ADDR              Listen address (takes precedence over PORT)
  ADVAD_RATE_LIMIT_STORE  memory | redis
  ADVAD_REDIS_ADDR        Redis address for the shared rate limit
  ADVAD_REDIS_PASSWORD    Redis password
  ADVAD_CORS_ORIGINS      Comma-separated allowed origins

  A .env file in the working directory is loaded first.

Examples:
  advad-relay serve --addr :8080
  advad-relay ask "¿Cuál es la misión de hoy?"
  advad-relay ask "Informe de estado" --json
  advad-relay config validate --config /etc/advad/relay.toml

Version: %s
`

// PrintUsage prints the usage/help text.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// VersionData is the JSON payload of the version command.
type VersionData struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

// PrintVersion prints version information.
func PrintVersion(w io.Writer, jsonMode bool) error {
	if jsonMode {
		return NewJSONResponse("version", VersionData{
			Version:   Version,
			GitCommit: GitCommit,
			BuildDate: BuildDate,
			GoVersion: runtime.Version(),
		}).Print(w)
	}
	fmt.Fprintf(w, "advad-relay version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
	fmt.Fprintf(w, "  Go:         %s\n", runtime.Version())
	return nil
}

// Parse parses os.Args.
func Parse() (Command, Args) {
	return ParseArgs(os.Args[1:])
}

// ParseArgs parses command-line arguments and returns the command and args.
func ParseArgs(argv []string) (Command, Args) {
	// Parse global flags first
	remaining, parsedArgs := parseGlobalFlags(argv)

	// No command starts the server
	if len(remaining) == 0 {
		return CmdServe, parsedArgs
	}

	cmd := strings.ToLower(remaining[0])
	remaining = remaining[1:]
	parsedArgs.Raw = remaining

	switch cmd {
	case "serve", "server", "start":
		parseServeArgs(&parsedArgs, remaining)
		return CmdServe, parsedArgs

	case "ask":
		parseAskArgs(&parsedArgs, remaining)
		return CmdAsk, parsedArgs

	case "config":
		parseConfigArgs(&parsedArgs, remaining)
		return CmdConfig, parsedArgs

	case "version", "-v", "--version":
		return CmdVersion, parsedArgs

	case "help", "-h", "--help":
		return CmdHelp, parsedArgs

	default:
		parsedArgs.Unknown = cmd
		return CmdHelp, parsedArgs
	}
}

// parseGlobalFlags extracts global flags from args and returns remaining args.
func parseGlobalFlags(args []string) ([]string, Args) {
	var remaining []string
	var parsedArgs Args

	for i := 0; i < len(args); i++ {
		arg := args[i]

		switch arg {
		case "--json":
			parsedArgs.JSON = true
		case "-c", "--config":
			if i+1 < len(args) {
				i++
				parsedArgs.ConfigPath = args[i]
			}
		default:
			if strings.HasPrefix(arg, "--config=") {
				parsedArgs.ConfigPath = strings.TrimPrefix(arg, "--config=")
			} else {
				remaining = append(remaining, arg)
			}
		}
	}

	return remaining, parsedArgs
}

// parseServeArgs parses serve command specific arguments.
func parseServeArgs(args *Args, remaining []string) {
	p := NewArgParser(remaining)
	args.Addr = p.FlagOrDefault("addr", p.Flag("a"))
}

// parseAskArgs parses ask command specific arguments.
// Every positional argument is part of the prompt.
func parseAskArgs(args *Args, remaining []string) {
	var query []string
	for _, arg := range remaining {
		if strings.HasPrefix(arg, "-") && arg != "-" {
			continue
		}
		query = append(query, arg)
	}
	args.Query = strings.Join(query, " ")
}

// parseConfigArgs parses config command specific arguments.
func parseConfigArgs(args *Args, remaining []string) {
	args.Subcommand = NewArgParser(remaining).Subcommand()
}
