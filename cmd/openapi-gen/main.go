// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/skyguard-dev/skyguard/internal/server"
	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/turn"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

func main() {
	spec, err := generateSpec()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	outPath := "api/openapi/spec.json"
	if len(os.Args) > 1 {
		outPath = os.Args[1]
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating output dir: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(outPath, spec, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "error writing spec: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("OpenAPI spec written to %s\n", outPath)
}

// generateSpec creates a server with all routes registered and extracts the
// OpenAPI document huma builds from the Go types.
func generateSpec() ([]byte, error) {
	srv, err := server.New(server.Config{ListenAddr: "127.0.0.1:0"})
	if err != nil {
		return nil, skyerr.Wrap(err, skyerr.CodeCLISetupFailure, "creating server")
	}
	defer srv.Close()

	// Handlers are never invoked during spec generation.
	srv.RegisterTurns(stubTurns{})
	if err := srv.RegisterServices(&server.Services{Threads: stubThreads{}, Tools: stubTools{}}); err != nil {
		return nil, skyerr.Wrap(err, skyerr.CodeCLISetupFailure, "registering routes")
	}

	return json.MarshalIndent(srv.API().OpenAPI(), "", "  ")
}

type stubTurns struct{}

func (stubTurns) Submit(context.Context, turn.Request) (<-chan turn.Event, error) { return nil, nil }

type stubThreads struct{}

func (stubThreads) GetThread(context.Context, string) (*store.Thread, error) { return nil, nil }
func (stubThreads) Read(context.Context, string) ([]*store.Message, error)  { return nil, nil }

type stubTools struct{}

func (stubTools) Tools() []provider.ToolDefinition { return nil }
