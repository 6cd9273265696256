// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

// Package fallback writes the reply a customer sees when a tool call is
// blocked before it runs.
package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skyguard-dev/skyguard/internal/agent"
	"github.com/skyguard-dev/skyguard/internal/guardrail"
	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/telemetry"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// DefaultText is returned whenever a recovery message cannot be generated.
const DefaultText = "I'm sorry, but I can't complete that request right now. " +
	"Could you tell me a bit more about what you need, or try asking in a different way?"

const defaultHistoryWindow = 6

const recoveryInstructions = `You are the recovery assistant for an airline customer support agent.

The support agent works under these instructions:
<agent_instructions>
%s
</agent_instructions>

To answer the customer's latest message the agent wanted to call the tool %q with these arguments:
%s
That action cannot be carried out.
%s
Write the agent's next reply to the customer, following these rules:
- Never mention guardrails, validation, trust scores, policies being checked or any other internal process.
- Do not try the action again and do not claim that it was completed.
- Acknowledge what the customer asked for with empathy and suggest a useful next step, such as rephrasing, giving more detail or contacting customer support.
- Stay on airline topics and within the agent's instructions.
- Reply with the message text only.`

var tracer = telemetry.Tracer("github.com/skyguard-dev/skyguard/internal/fallback")

// Config holds the dependencies of a Generator.
type Config struct {
	Provider provider.Provider
	Model    string
	// SystemPrompt is the agent's own system prompt, embedded in the
	// recovery instructions.
	SystemPrompt string
	// HistoryWindow is how many committed messages are rendered. Zero
	// means the default.
	HistoryWindow int
	// Timeout bounds the model call. Zero disables the deadline.
	Timeout time.Duration
	// StaticText replaces DefaultText when set.
	StaticText string
	Logger     *slog.Logger
}

// Generator produces recovery messages with a tool-less model call.
type Generator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Generator. A nil provider is allowed: every request then
// gets the static text.
func New(cfg Config) *Generator {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.StaticText == "" {
		cfg.StaticText = DefaultText
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{cfg: cfg, logger: logger}
}

// Request describes the blocked call.
type Request struct {
	ThreadID  string
	ToolName  string
	Arguments string
	Query     string
	// History is the thread's committed history, never the in-flight turn.
	History []*store.Message
	Verdict *guardrail.Verdict
}

// Generate returns the recovery message. It never fails; errors degrade
// to the static text.
func (g *Generator) Generate(ctx context.Context, req Request) string {
	ctx, span := tracer.Start(ctx, "fallback.generate", trace.WithAttributes(
		attribute.String("thread_id", req.ThreadID),
		attribute.String("tool.name", req.ToolName),
	))
	defer span.End()

	text, err := g.generate(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		g.logger.Warn("fallback generation failed, using static text",
			"thread_id", req.ThreadID,
			"tool", req.ToolName,
			"error", err)
		span.SetAttributes(attribute.Bool("fallback.static", true))
		return g.cfg.StaticText
	}
	return text
}

func (g *Generator) generate(ctx context.Context, req Request) (string, error) {
	if g.cfg.Provider == nil {
		return "", skyerr.New(skyerr.CodeFallbackGenerateFailure, "no fallback provider configured")
	}

	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}

	events, err := g.cfg.Provider.Chat(ctx, provider.ChatRequest{
		Model:        g.cfg.Model,
		SystemPrompt: Instructions(g.cfg.SystemPrompt, req),
		Messages: []provider.Message{{
			Role:    provider.MessageRoleUser,
			Content: Conversation(req.History, g.cfg.HistoryWindow, req.Query),
		}},
	})
	if err != nil {
		return "", skyerr.Wrap(err, skyerr.CodeFallbackGenerateFailure, "starting fallback model call")
	}
	resp, err := provider.Collect(ctx, events)
	if err != nil {
		return "", skyerr.Wrap(err, skyerr.CodeFallbackGenerateFailure, "fallback model call")
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", skyerr.New(skyerr.CodeFallbackGenerateFailure, "fallback model returned no text")
	}
	return text, nil
}

// Instructions renders the recovery system prompt for req.
func Instructions(systemPrompt string, req Request) string {
	args := strings.TrimSpace(req.Arguments)
	if args == "" {
		args = "{}"
	}
	return fmt.Sprintf(recoveryInstructions, systemPrompt, req.ToolName, args, verdictNotes(req.Verdict))
}

// verdictNotes lists the explanations attached to triggered scores.
func verdictNotes(v *guardrail.Verdict) string {
	if v == nil || len(v.Scores) == 0 {
		return ""
	}
	names := make([]string, 0, len(v.Scores))
	for name := range v.Scores {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		s := v.Scores[name]
		if !s.Triggered && !s.TriggeredGuardrail {
			continue
		}
		fmt.Fprintf(&b, "- %s", name)
		if s.Score != nil {
			fmt.Fprintf(&b, " (score %.2f)", *s.Score)
		}
		if s.Log != nil && s.Log.Explanation != "" {
			fmt.Fprintf(&b, ": %s", s.Log.Explanation)
		}
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return ""
	}
	return "\nNotes about why it cannot be carried out, for your understanding only:\n" + b.String()
}

// Conversation renders the last window committed messages followed by the
// customer's latest message.
func Conversation(history []*store.Message, window int, query string) string {
	if len(history) > window {
		history = history[len(history)-window:]
	}

	var b strings.Builder
	b.WriteString("Recent conversation:\n")
	if len(history) == 0 {
		b.WriteString("(none)\n")
	}
	for _, m := range history {
		switch m.Role {
		case store.MessageRoleUser:
			fmt.Fprintf(&b, "Customer: %s\n", m.Text)
		case store.MessageRoleAssistant:
			fmt.Fprintf(&b, "Agent: %s\n", m.Text)
		case store.MessageRoleTool:
			if m.ToolCall != nil {
				fmt.Fprintf(&b, "Tool %s returned: %s\n", m.ToolCall.ToolName, agent.ToolResultText(m.ToolCall))
			}
		}
	}
	fmt.Fprintf(&b, "\nCustomer's latest message:\n%s", query)
	return b.String()
}
