// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skyguard-dev/skyguard/internal/config"
	"github.com/skyguard-dev/skyguard/internal/telemetry"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"start"},
		Short:   "Start the skyguard HTTP server",
		Long:    "Load configuration, wire the agent, guardrail and stores, and serve the streaming API until interrupted.",
		RunE:    runServe,
	}

	cmd.Flags().String("listen", "", "override listen address (host:port)")
	cmd.Flags().String("mode", "", "override the serving mode (assistant | red-teaming)")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.Server.Listen = listen
	}
	if mode, _ := cmd.Flags().GetString("mode"); mode != "" {
		if mode != config.ModeAssistant && mode != config.ModeRedTeaming {
			return skyerr.Errorf(skyerr.CodeConfigValidateInvalidValue,
				"--mode must be %s or %s, got %q", config.ModeAssistant, config.ModeRedTeaming, mode)
		}
		cfg.Mode = mode
	}

	level := cfg.Logging.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	logger := newLogger(cmd.ErrOrStderr(), level, cfg.Logging.Format)
	config.WarnInsecurePermissions(logger, path)

	shutdownTelemetry, err := telemetry.Setup(cfg.Telemetry.ServiceName, version, cfg.Telemetry.Enabled)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := WireApp(ctx, cfg, logger)
	if err != nil {
		return skyerr.Wrap(err, skyerr.CodeCLISetupFailure, "wiring skyguard")
	}
	defer func() {
		if err := app.Close(); err != nil {
			logger.Warn("closing subsystems", "error", err)
		}
	}()

	logger.Info("skyguard listening",
		"addr", cfg.Server.Listen,
		"mode", cfg.Mode,
		"provider", cfg.Agent.Provider,
		"model", cfg.Agent.Model,
		"guardrail", cfg.Guardrail.Backend,
		"storage", cfg.Storage.Backend)
	return app.Start(ctx)
}
