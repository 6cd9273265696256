// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package main

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/skyguard-dev/skyguard/internal/config"
	"github.com/skyguard-dev/skyguard/internal/secrets"
)

// localConfigName is looked up in the working directory before the user
// config directory.
const localConfigName = "skyguard.yaml"

// NewRootCmd creates the root skyguard command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "skyguard",
		Short:         "Skyguard: airline support agent behind a guardrail",
		Long:          "Skyguard runs an LLM airline support agent whose tool calls and answers are checked by a guardrail before anyone sees them.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			verbose, _ := cmd.Flags().GetBool("verbose")
			level := "warn"
			if verbose {
				level = "debug"
			}
			slog.SetDefault(newLogger(cmd.ErrOrStderr(), level, "text"))
		},
	}

	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newInitCmd(),
		newServeCmd(),
		newChatCmd(),
		newHistoryCmd(),
		newKBCmd(),
		newSecretCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)

	return root
}

// loadConfig resolves the config file, replaces keyring:// references with
// their secrets and decodes the result. The returned path is empty when only
// defaults and environment were used.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = discoverConfig()
	}

	v, err := config.NewViper(path)
	if err != nil {
		return nil, path, err
	}
	if err := secrets.ResolveViperSecrets(v, secretStoreFactory()); err != nil {
		return nil, path, err
	}
	cfg, err := config.Decode(v)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// discoverConfig returns ./skyguard.yaml, then ~/.config/skyguard/skyguard.yaml.
// When neither exists a commented default is written to the user config
// directory.
func discoverConfig() string {
	if _, err := os.Stat(localConfigName); err == nil {
		return localConfigName
	}
	if p, err := config.DefaultConfigPath(); err == nil {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return config.BootstrapConfig()
}

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
