// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

// Package providertest provides a scripted provider for tests.
package providertest

import (
	"context"
	"sync"

	"github.com/skyguard-dev/skyguard/internal/provider"
)

// Scripted replays one canned response per Chat call and records the
// requests it saw. When the script runs out every call streams an error
// event.
type Scripted struct {
	mu        sync.Mutex
	Responses []provider.Response
	// ChatErr is returned by Chat before any streaming starts.
	ChatErr error
	// Block makes Chat return a stream that never produces an event, so
	// only the caller's context can end the call.
	Block bool

	requests []provider.ChatRequest
}

var _ provider.Provider = (*Scripted)(nil)

func (p *Scripted) Name() string { return "scripted" }
func (p *Scripted) Close() error { return nil }

func (p *Scripted) Chat(_ context.Context, req provider.ChatRequest) (<-chan provider.ChatEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.requests = append(p.requests, req)
	if p.ChatErr != nil {
		return nil, p.ChatErr
	}

	ch := make(chan provider.ChatEvent, 16)
	if p.Block {
		return ch, nil
	}
	if len(p.Responses) == 0 {
		ch <- provider.ChatEvent{Type: provider.EventTypeError, Error: "script exhausted"}
		close(ch)
		return ch, nil
	}

	resp := p.Responses[0]
	p.Responses = p.Responses[1:]
	if resp.Text != "" {
		ch <- provider.ChatEvent{Type: provider.EventTypeTextDelta, Text: resp.Text}
	}
	for i := range resp.ToolCalls {
		tc := resp.ToolCalls[i]
		ch <- provider.ChatEvent{Type: provider.EventTypeToolCall, ToolCall: &tc}
	}
	ch <- provider.ChatEvent{Type: provider.EventTypeDone}
	close(ch)
	return ch, nil
}

// Requests returns a copy of every request seen so far.
func (p *Scripted) Requests() []provider.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]provider.ChatRequest, len(p.requests))
	copy(out, p.requests)
	return out
}
