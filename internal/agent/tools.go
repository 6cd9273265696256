// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/skyguard-dev/skyguard/internal/provider"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// Tool is a function the model may call. Execute receives the raw JSON
// arguments the model produced and returns the text the model will see.
type Tool interface {
	Definition() provider.ToolDefinition
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ToolFunc adapts a plain function into a Tool.
type ToolFunc struct {
	Def provider.ToolDefinition
	Fn  func(ctx context.Context, args json.RawMessage) (string, error)
}

func (t ToolFunc) Definition() provider.ToolDefinition { return t.Def }

func (t ToolFunc) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.Fn(ctx, args)
}

// ToolRegistry holds the tools offered to the model, in registration order.
type ToolRegistry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

// NewToolRegistry creates an empty ToolRegistry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds tools. Names must be unique.
func (r *ToolRegistry) Register(tools ...Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range tools {
		name := t.Definition().Name
		if name == "" {
			return skyerr.New(skyerr.CodeAgentToolInvalidArgs, "tool name is required")
		}
		if _, dup := r.tools[name]; dup {
			return skyerr.New(skyerr.CodeAgentToolInvalidArgs, "tool already registered",
				skyerr.FieldToolName(name))
		}
		r.tools[name] = t
		r.order = append(r.order, name)
	}
	return nil
}

// Get returns the tool registered under name.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every tool definition in registration order.
func (r *ToolRegistry) Definitions() []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]provider.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// ToolDispatcher executes tool calls against a registry with a per-call
// timeout.
type ToolDispatcher struct {
	registry       *ToolRegistry
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// NewToolDispatcher creates a dispatcher. A zero timeout disables the
// per-call deadline.
func NewToolDispatcher(registry *ToolRegistry, timeout time.Duration, logger *slog.Logger) *ToolDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolDispatcher{registry: registry, defaultTimeout: timeout, logger: logger}
}

// Execute runs one tool call. Unknown tools, malformed arguments and tool
// failures all come back as errors the caller reports to the model.
func (d *ToolDispatcher) Execute(ctx context.Context, call provider.ToolCall) (string, error) {
	tool, ok := d.registry.Get(call.Name)
	if !ok {
		return "", skyerr.New(skyerr.CodeAgentToolNotFound, "unknown tool: "+call.Name,
			skyerr.FieldToolName(call.Name))
	}

	args := json.RawMessage(call.Arguments)
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	if !json.Valid(args) {
		return "", skyerr.New(skyerr.CodeAgentToolInvalidArgs, "tool arguments are not valid JSON",
			skyerr.FieldToolName(call.Name))
	}

	execCtx := ctx
	if d.defaultTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, d.defaultTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := tool.Execute(execCtx, args)
	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return "", skyerr.Wrapf(err, skyerr.CodeAgentToolTimeout, "tool %q execution timeout", call.Name)
		}
		d.logger.Debug("tool call failed",
			"tool", call.Name,
			"arguments", truncate(call.Arguments, 1024),
			"error", err)
		return "", err
	}

	d.logger.Debug("tool call finished",
		"tool", call.Name,
		"duration", time.Since(start))
	return out, nil
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := n
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
