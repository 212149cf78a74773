// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - Serve command: run the relay until interrupted.
package cli

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jeranaias/advad-relay/internal/ratelimit"
	"github.com/jeranaias/advad-relay/internal/server"
	"github.com/jeranaias/advad-relay/internal/upstream"
)

// ShutdownTimeout bounds how long in-flight requests may drain.
const ShutdownTimeout = 10 * time.Second

// RunServe loads the configuration, starts the server and blocks until ctx
// is cancelled or SIGINT/SIGTERM arrives, then drains for ShutdownTimeout.
func RunServe(ctx context.Context, args Args, logger *log.Logger) error {
	cfg, err := loadConfig(args.ConfigPath)
	if err != nil {
		return err
	}
	if args.Addr != "" {
		cfg.Server.Addr = args.Addr
		if err := cfg.Validate(); err != nil {
			return &ConfigError{Path: args.ConfigPath, Err: err}
		}
	}

	gen, err := upstream.New(cfg.Upstream)
	if err != nil {
		return &ConfigError{Path: args.ConfigPath, Err: err}
	}

	var limiter ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter, err = ratelimit.New(cfg.RateLimit)
		if err != nil {
			return NewCommandError("serve", "start rate limiter", err)
		}
	}

	srv, err := server.New(cfg, gen, limiter)
	if err != nil {
		if limiter != nil {
			_ = limiter.Close()
		}
		return NewCommandError("serve", "create server", err)
	}
	srv.WithLogger(logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case err := <-errCh:
		_ = srv.Shutdown(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return NewCommandError("serve", "listen", err)

	case <-ctx.Done():
		logger.Printf("SHUTDOWN_SIGNAL | draining up to %s", ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			return NewCommandError("serve", "shutdown", err)
		}
		<-errCh
		logger.Printf("SERVER_STOPPED | clean shutdown")
		return nil
	}
}
