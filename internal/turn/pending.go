// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package turn

import (
	"time"

	"github.com/google/uuid"

	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/skyguard-dev/skyguard/internal/store"
)

// Resolution is how a tool call's observed result came about.
type Resolution int

const (
	Pending Resolution = iota
	Resolved
	Substituted
)

func (r Resolution) String() string {
	switch r {
	case Resolved:
		return "resolved"
	case Substituted:
		return "substituted"
	default:
		return "pending"
	}
}

// PendingToolCall follows one requested call until its result is known.
// Exactly one of Result (Resolved) or Fallback (Substituted) is set once
// it leaves Pending, and it never changes again.
type PendingToolCall struct {
	Call       provider.ToolCall
	Resolution Resolution
	Result     string
	Err        string
	Fallback   string

	msg *store.Message
}

// pendingSet holds the turn's tool calls keyed by id, in request order.
type pendingSet struct {
	order []string
	calls map[string]*PendingToolCall
}

func newPendingSet() *pendingSet {
	return &pendingSet{calls: make(map[string]*PendingToolCall)}
}

// Track registers call. It reports false if a call with the same id is
// already tracked.
func (s *pendingSet) Track(call provider.ToolCall) bool {
	if _, ok := s.calls[call.ID]; ok {
		return false
	}
	s.calls[call.ID] = &PendingToolCall{Call: call}
	s.order = append(s.order, call.ID)
	return true
}

// Resolve records the real result. It reports false when the call is
// unknown or no longer Pending.
func (s *pendingSet) Resolve(id, result string, err error) bool {
	p, ok := s.calls[id]
	if !ok || p.Resolution != Pending {
		return false
	}
	p.Resolution = Resolved
	p.Result = result
	if err != nil {
		p.Err = err.Error()
	}
	return true
}

// Message returns the tool message for a resolved call. The same value is
// streamed to the client and committed, so both carry one id.
func (p *PendingToolCall) Message(threadID string) *store.Message {
	if p.Resolution != Resolved {
		return nil
	}
	if p.msg == nil {
		p.msg = toolMessage(threadID, p)
	}
	return p.msg
}

// Substitute records a fallback in place of the call's result. A fallback
// for a call that already resolved is refused.
func (s *pendingSet) Substitute(id, fallback string) bool {
	p, ok := s.calls[id]
	if !ok || p.Resolution != Pending {
		return false
	}
	p.Resolution = Substituted
	p.Fallback = fallback
	return true
}

func (s *pendingSet) Get(id string) (*PendingToolCall, bool) {
	p, ok := s.calls[id]
	return p, ok
}

// ResolvedMessages renders the resolved calls as tool messages in request
// order. Substituted and still-pending calls are left out: their place in
// history is taken by the fallback continuation.
func (s *pendingSet) ResolvedMessages(threadID string) []*store.Message {
	var out []*store.Message
	for _, id := range s.order {
		p := s.calls[id]
		if p.Resolution != Resolved {
			continue
		}
		out = append(out, p.Message(threadID))
	}
	return out
}

func toolMessage(threadID string, p *PendingToolCall) *store.Message {
	result := p.Result
	m := store.NewToolCallMessage(threadID, store.ToolCall{
		ToolCallID: p.Call.ID,
		ToolName:   p.Call.Name,
		Arguments:  p.Call.Arguments,
		Result:     &result,
		Error:      p.Err,
	})
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()
	return m
}
