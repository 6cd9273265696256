// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package turn

import (
	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/skyguard-dev/skyguard/internal/store"
)

func CanTransition(from, to State) bool { return from.canTransition(to) }

// PendingSet exposes pendingSet to external tests.
type PendingSet struct{ s *pendingSet }

func NewPendingSet() *PendingSet { return &PendingSet{s: newPendingSet()} }

func (p *PendingSet) Track(call provider.ToolCall) bool       { return p.s.Track(call) }
func (p *PendingSet) Resolve(id, result string, err error) bool { return p.s.Resolve(id, result, err) }
func (p *PendingSet) Substitute(id, fallback string) bool       { return p.s.Substitute(id, fallback) }
func (p *PendingSet) Get(id string) (*PendingToolCall, bool)    { return p.s.Get(id) }

func (p *PendingSet) ResolvedMessages(threadID string) []*store.Message {
	return p.s.ResolvedMessages(threadID)
}
