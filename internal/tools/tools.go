// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

// Package tools provides the knowledge base and booking tools offered to
// the agent.
package tools

import (
	"context"
	"encoding/json"

	"github.com/skyguard-dev/skyguard/internal/agent"
	"github.com/skyguard-dev/skyguard/internal/provider"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// DefaultContextTools are the tools whose output counts as retrieved
// context for validation.
var DefaultContextTools = []string{"search", "get_article", "list_directory"}

// define builds a tool whose typed arguments are decoded from the model's
// JSON before fn runs. The result is marshalled to JSON unless it already
// is a string.
func define[A any](name, description string, schema map[string]any, fn func(ctx context.Context, args A) (any, error)) agent.Tool {
	return agent.ToolFunc{
		Def: provider.ToolDefinition{Name: name, Description: description, InputSchema: schema},
		Fn: func(ctx context.Context, raw json.RawMessage) (string, error) {
			var args A
			if err := json.Unmarshal(raw, &args); err != nil {
				return "", skyerr.Wrapf(err, skyerr.CodeAgentToolInvalidArgs, "decoding %s arguments", name)
			}
			out, err := fn(ctx, args)
			if err != nil {
				return "", err
			}
			if s, ok := out.(string); ok {
				return s, nil
			}
			b, err := json.Marshal(out)
			if err != nil {
				return "", skyerr.Wrapf(err, skyerr.CodeAgentToolFailure, "encoding %s result", name)
			}
			return string(b), nil
		},
	}
}

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func enum(description string, values ...string) map[string]any {
	return map[string]any{"type": "string", "description": description, "enum": values}
}
