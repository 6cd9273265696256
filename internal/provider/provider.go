// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package provider

import (
	"context"
	"strings"

	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// Provider is the core interface for LLM providers.
type Provider interface {
	Name() string
	// Chat streams one model response. The channel is closed after a
	// Done or Error event.
	Chat(ctx context.Context, req ChatRequest) (<-chan ChatEvent, error)
	Close() error
}

// ChatRequest represents a request to the LLM.
type ChatRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolDefinition
	SystemPrompt string
	Options      ChatOptions
}

// ChatOptions contains model configuration.
type ChatOptions struct {
	Temperature *float32
	MaxTokens   int
}

// Message represents a conversation message in provider-neutral form.
// Assistant messages may carry the tool calls they requested; tool
// messages answer one of them by ToolCallID.
type Message struct {
	Role       MessageRole
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
}

// MessageRole defines the role of a message sender.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
	MessageRoleTool      MessageRole = "tool"
)

// ToolDefinition describes a tool available to the agent.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ChatEvent is a streaming response event.
type ChatEvent struct {
	Type     EventType
	Text     string
	ToolCall *ToolCall
	Usage    *Usage
	Error    string
}

// EventType defines the type of chat event.
type EventType string

const (
	EventTypeTextDelta EventType = "text_delta"
	EventTypeToolCall  EventType = "tool_call"
	EventTypeUsage     EventType = "usage"
	EventTypeDone      EventType = "done"
	EventTypeError     EventType = "error"
)

// ToolCall represents a tool invocation by the LLM.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a fully drained model turn.
type Response struct {
	Text      string
	ToolCalls []ToolCall
	Usage     Usage
}

// Collect drains a chat stream. Tool calls keep the order the provider
// emitted them in. An error event or a cancelled context ends collection
// with an upstream failure.
func Collect(ctx context.Context, events <-chan ChatEvent) (*Response, error) {
	var (
		resp Response
		text strings.Builder
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				resp.Text = text.String()
				return &resp, nil
			}
			switch ev.Type {
			case EventTypeTextDelta:
				text.WriteString(ev.Text)
			case EventTypeToolCall:
				if ev.ToolCall != nil {
					resp.ToolCalls = append(resp.ToolCalls, *ev.ToolCall)
				}
			case EventTypeUsage:
				if ev.Usage != nil {
					resp.Usage.InputTokens += ev.Usage.InputTokens
					resp.Usage.OutputTokens += ev.Usage.OutputTokens
				}
			case EventTypeError:
				return nil, skyerr.New(skyerr.CodeProviderUpstreamFailure, ev.Error)
			case EventTypeDone:
				resp.Text = text.String()
				return &resp, nil
			}
		}
	}
}
