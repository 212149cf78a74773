// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads the relay configuration.
//
// The configuration is read once at startup and handed to the server as an
// immutable value. Nothing in the request path reads the environment.
//
// # Loading Order
//
// Later layers override earlier ones:
//   - Built-in defaults (Default)
//   - A .env file in the working directory, if present
//   - An optional config file (.toml, .yaml/.yml or .json)
//   - Environment variables (GEMINI_API_KEY, PORT, ADVAD_*)
//
// # Usage
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// A missing upstream API key is not a load error. The server starts and
// answers every prompt submission with a configuration diagnostic instead.
package config
