// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

// Package redteam serves an agent whose job is to make the airline
// assistant misbehave. The assistant under test runs unguarded on its own
// thread, one per red-team conversation.
package redteam

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/skyguard-dev/skyguard/internal/agent"
	"github.com/skyguard-dev/skyguard/internal/guardrail"
	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/turn"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// Target runs turns of the assistant under test. *turn.Orchestrator
// implements it.
type Target interface {
	Run(ctx context.Context, req turn.Request) ([]turn.Event, error)
}

// BookingResetter clears the booking state the assistant's tools share.
type BookingResetter interface {
	Reset(ctx context.Context) error
}

// Config holds the dependencies of a Toolkit.
type Config struct {
	Target Target
	// History reads the assistant's committed threads for traces.
	History store.ConversationStore
	// SystemPrompt is the assistant's prompt, shown in traces.
	SystemPrompt string
	Bookings     BookingResetter
	Logger       *slog.Logger
}

// Toolkit gives the red-team agent control over the assistant under test.
// Each red-team thread drives its own assistant thread.
type Toolkit struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	targets map[string]string // red-team thread -> assistant thread
}

// New validates cfg and creates a Toolkit.
func New(cfg Config) (*Toolkit, error) {
	if cfg.Target == nil {
		return nil, skyerr.New(skyerr.CodeServerConfigInvalid, "redteam: target is required")
	}
	if cfg.History == nil {
		return nil, skyerr.New(skyerr.CodeServerConfigInvalid, "redteam: history store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Toolkit{cfg: cfg, logger: logger, targets: make(map[string]string)}, nil
}

// targetThread returns the assistant thread bound to the red-team thread
// on ctx, opening one on first use. With reset a fresh thread replaces it.
func (k *Toolkit) targetThread(ctx context.Context, reset bool) (string, error) {
	owner, ok := turn.ThreadIDFromContext(ctx)
	if !ok {
		return "", skyerr.New(skyerr.CodeAgentToolFailure, "redteam: no thread on context")
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	id, ok := k.targets[owner]
	if !ok || reset {
		id = "aut_" + uuid.NewString()
		k.targets[owner] = id
		k.logger.Debug("assistant under test thread opened", "thread_id", owner, "target_thread_id", id)
	}
	return id, nil
}

// Reset starts the assistant under test on a new, empty thread.
func (k *Toolkit) Reset(ctx context.Context) error {
	_, err := k.targetThread(ctx, true)
	return err
}

// Send runs one unguarded assistant turn and returns its final answer.
func (k *Toolkit) Send(ctx context.Context, message string) (string, error) {
	thread, err := k.targetThread(ctx, false)
	if err != nil {
		return "", err
	}
	events, err := k.cfg.Target.Run(ctx, turn.Request{ThreadID: thread, Content: message})
	if err != nil {
		return "", err
	}

	var answer string
	for _, ev := range events {
		if m := ev.Message(); m != nil && m.Role == store.MessageRoleAssistant {
			answer = m.Text
		}
		if r := ev.Run(); r != nil && r.Status == turn.RunStatusFailed {
			msg := "the assistant under test failed"
			if r.Error != nil {
				msg += ": " + r.Error.Message
			}
			return "", skyerr.New(skyerr.CodeAgentToolFailure, msg)
		}
	}
	return answer, nil
}

// Trace returns the assistant's thread in OpenAI chat format, system
// prompt first, including tool calls and their results.
func (k *Toolkit) Trace(ctx context.Context) ([]guardrail.ChatMessage, error) {
	thread, err := k.targetThread(ctx, false)
	if err != nil {
		return nil, err
	}
	history, err := k.cfg.History.Read(ctx, thread)
	if err != nil && !skyerr.IsNotFound(err) {
		return nil, err
	}
	msgs := []provider.Message{{Role: provider.MessageRoleSystem, Content: k.cfg.SystemPrompt}}
	return guardrail.ChatMessages(append(msgs, agent.HistoryMessages(history)...)), nil
}

// Tools returns the tools that act on the assistant under test.
func (k *Toolkit) Tools() []agent.Tool {
	noArgs := map[string]any{"type": "object", "properties": map[string]any{}}
	out := []agent.Tool{
		agent.ToolFunc{
			Def: provider.ToolDefinition{
				Name:        "reset_agent_under_test",
				Description: "Reset the agent under test to a new instance. This starts a new empty chat thread.",
				InputSchema: noArgs,
			},
			Fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
				if err := k.Reset(ctx); err != nil {
					return "", err
				}
				return "The agent under test was reset.", nil
			},
		},
		agent.ToolFunc{
			Def: provider.ToolDefinition{
				Name:        "send_message_to_agent_under_test",
				Description: "Send a message to the agent under test and return its response.",
				InputSchema: map[string]any{
					"type":     "object",
					"required": []string{"message"},
					"properties": map[string]any{
						"message": map[string]any{"type": "string", "description": "The user message to send."},
					},
				},
			},
			Fn: func(ctx context.Context, raw json.RawMessage) (string, error) {
				var args struct {
					Message string `json:"message"`
				}
				if err := json.Unmarshal(raw, &args); err != nil {
					return "", skyerr.Wrap(err, skyerr.CodeAgentToolInvalidArgs, "decoding send_message_to_agent_under_test arguments")
				}
				if strings.TrimSpace(args.Message) == "" {
					return "", skyerr.New(skyerr.CodeAgentToolInvalidArgs, "message must not be empty")
				}
				return k.Send(ctx, args.Message)
			},
		},
		agent.ToolFunc{
			Def: provider.ToolDefinition{
				Name: "get_trace_of_agent_under_test",
				Description: "Gets the internal trace of the agent under test, including inputs, tool calls, " +
					"return values, and outputs.",
				InputSchema: noArgs,
			},
			Fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
				trace, err := k.Trace(ctx)
				if err != nil {
					return "", err
				}
				b, err := json.Marshal(trace)
				if err != nil {
					return "", skyerr.Wrap(err, skyerr.CodeAgentToolFailure, "encoding trace")
				}
				return string(b), nil
			},
		},
	}
	if k.cfg.Bookings != nil {
		out = append(out, agent.ToolFunc{
			Def: provider.ToolDefinition{
				Name:        "reset_booking_state",
				Description: "Reset the booking state shared by the tools of the agent under test.",
				InputSchema: noArgs,
			},
			Fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
				if err := k.cfg.Bookings.Reset(ctx); err != nil {
					return "", err
				}
				return "Booking state was reset.", nil
			},
		})
	}
	return out
}
