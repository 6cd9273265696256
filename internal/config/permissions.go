// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

//go:build !windows

package config

import (
	"io/fs"
	"log/slog"
	"os"
)

// exposedBits are the group and other permission bits. A config file may
// hold API keys, so anything beyond owner access is reported.
const exposedBits fs.FileMode = 0o077

// WarnInsecurePermissions logs a warning when the file at path can be read
// or written by users other than its owner. It never fails startup.
func WarnInsecurePermissions(logger *slog.Logger, path string) {
	if path == "" {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	info, err := os.Stat(path)
	if err != nil {
		logger.Debug("could not stat config file for permission check", "path", path, "error", err)
		return
	}

	if perm := info.Mode().Perm(); perm&exposedBits != 0 {
		logger.Warn("config file has insecure permissions, api keys may be exposed to other users",
			"path", path,
			"mode", perm.String(),
			"recommended", "0600",
		)
	}
}
