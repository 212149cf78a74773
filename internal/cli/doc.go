// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli provides command-line parsing and the commands of advad-relay.
//
// # Commands
//
//   - serve: run the relay (default when no command is given)
//   - ask: send one prompt upstream and print the answer
//   - config: show or validate the effective configuration
//   - version, help
//
// Every command accepts --config PATH and --json.
//
// # Usage
//
//	cmd, args := cli.Parse()
//	switch cmd {
//	case cli.CmdServe:
//		err = cli.RunServe(ctx, args, logger)
//	case cli.CmdAsk:
//		err = cli.RunAsk(ctx, args, os.Stdin, os.Stdout)
//	}
//	if err != nil {
//		cli.DisplayError(os.Stderr, cmd.String(), err, args.JSON)
//		os.Exit(cli.GetExitCode(err))
//	}
package cli
