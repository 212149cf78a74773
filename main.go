// advad-relay - AI prompt relay for the Advad training game.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"log"
	"os"

	"github.com/jeranaias/advad-relay/internal/cli"
	"github.com/jeranaias/advad-relay/internal/server"
)

// Version information (set at build time)
var (
	Version   = server.Version
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	// Sync version info with cli package
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	cmd, args := cli.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags|log.LUTC)
	ctx := context.Background()

	var err error
	switch cmd {
	case cli.CmdServe:
		err = cli.RunServe(ctx, args, logger)
	case cli.CmdAsk:
		err = cli.RunAsk(ctx, args, os.Stdin, os.Stdout)
	case cli.CmdConfig:
		err = cli.RunConfig(args, os.Stdout)
	case cli.CmdVersion:
		err = cli.PrintVersion(os.Stdout, args.JSON)
	case cli.CmdHelp:
		if args.Unknown != "" {
			err = cli.ErrUnknownCommand(args.Unknown)
			break
		}
		cli.PrintUsage(os.Stdout)
	}

	if err != nil {
		out := os.Stderr
		if args.JSON {
			out = os.Stdout
		}
		cli.DisplayError(out, cmd.String(), err, args.JSON)
		os.Exit(cli.GetExitCode(err))
	}
}
