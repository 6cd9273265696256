// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/skyguard-dev/skyguard/internal/config"
	"github.com/skyguard-dev/skyguard/internal/server"
	"github.com/skyguard-dev/skyguard/internal/tools"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostics",
		Long:  "Check the config, credentials, data files, disk space and the running server.",
		RunE:  runDoctor,
	}

	cmd.Flags().String("addr", defaultAddr, "server address to check")

	return cmd
}

type doctorCheck struct {
	name string
	fn   func() string
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	addr, _ := cmd.Flags().GetString("addr")
	cfg, path, cfgErr := loadConfig(cmd)

	checks := []doctorCheck{
		{"Binary", checkBinary},
		{"Platform", checkPlatform},
		{"Config", func() string { return checkConfig(path, cfgErr) }},
	}
	if cfgErr == nil {
		checks = append(checks,
			doctorCheck{"Agent", func() string { return checkAgent(cfg) }},
			doctorCheck{"Guardrail", func() string { return checkGuardrail(cfg) }},
			doctorCheck{"Flights", func() string { return checkFlights(cfg.Tools.FlightsPath) }},
			doctorCheck{"Disk Space", func() string { return checkDiskSpace(cfg) }},
		)
	}
	checks = append(checks, doctorCheck{"Server", func() string { return checkServer(cmd.Context(), addr) }})

	for _, c := range checks {
		if _, err := fmt.Fprintf(w, "%-20s %s\n", c.name+":", c.fn()); err != nil {
			return err
		}
	}
	return nil
}

func checkBinary() string {
	return fmt.Sprintf("skyguard %s (%s/%s)", version, runtime.GOOS, runtime.GOARCH)
}

func checkPlatform() string {
	return fmt.Sprintf("%s/%s, Go %s", runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func checkConfig(path string, err error) string {
	if err != nil {
		return "error: " + err.Error()
	}
	if path != "" {
		return "loaded from " + path
	}
	return "using defaults (no config file found)"
}

func checkAgent(cfg *config.Config) string {
	if cfg.Agent.APIKey == "" {
		return fmt.Sprintf("%s/%s, no API key (set agent.api_key or run 'skyguard init')", cfg.Agent.Provider, cfg.Agent.Model)
	}
	return fmt.Sprintf("%s/%s, API key set", cfg.Agent.Provider, cfg.Agent.Model)
}

func checkGuardrail(cfg *config.Config) string {
	g := cfg.Guardrail
	switch g.Backend {
	case "codex":
		return fmt.Sprintf("codex project %s at %s", g.ProjectID, g.BaseURL)
	case "policy":
		return fmt.Sprintf("local policy, %d denied tools, %d expert answers", len(g.Policy.DeniedTools), len(g.Policy.ExpertAnswers))
	default:
		return "none (answers are not validated)"
	}
}

func checkFlights(path string) string {
	if path == "" {
		return "no flights file configured"
	}
	catalog, err := tools.LoadCatalog(path)
	if err != nil {
		return "error: " + err.Error()
	}
	return fmt.Sprintf("%d flights from %s", catalog.Len(), path)
}

func checkServer(ctx context.Context, addr string) string {
	var body server.HealthBody
	if err := newAPIClient(addr).getJSON(ctx, "/api/health", &body); err != nil {
		if skyerr.HasCode(err, skyerr.CodeCLIServerNotRunning) {
			return fmt.Sprintf("not running at %s (run 'skyguard serve')", addr)
		}
		return "error: " + err.Error()
	}
	return fmt.Sprintf("%s at %s (version %s)", body.Status, addr, body.Version)
}

func checkDiskSpace(cfg *config.Config) string {
	if cfg.Storage.Backend != "sqlite" {
		return "not needed (" + cfg.Storage.Backend + " storage)"
	}
	path := filepath.Dir(cfg.Storage.Path)
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path, _ = os.UserHomeDir()
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fmt.Sprintf("unable to check: %s", err)
	}

	availBytes := stat.Bavail * uint64(stat.Bsize)
	return formatBytes(availBytes) + " available for " + cfg.Storage.Path
}

// formatBytes formats a byte count as a human-readable string.
func formatBytes(b uint64) string {
	const (
		gb = 1024 * 1024 * 1024
		mb = 1024 * 1024
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(mb))
	default:
		return fmt.Sprintf("%d bytes", b)
	}
}
