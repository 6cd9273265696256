// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package turn

// State is a turn's position in its lifecycle.
type State int

const (
	StateStarting State = iota
	StateStreaming
	StateValidatingToolCall
	StateValidatingFinal
	StateShortCircuited
	StateCompleted
	StateFailed
)

var stateNames = map[State]string{
	StateStarting:           "starting",
	StateStreaming:          "streaming",
	StateValidatingToolCall: "validating_tool_call",
	StateValidatingFinal:    "validating_final",
	StateShortCircuited:     "short_circuited",
	StateCompleted:          "completed",
	StateFailed:             "failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Failed is reachable from every non-terminal state and is not listed.
var transitions = map[State][]State{
	StateStarting:           {StateStreaming},
	StateStreaming:          {StateValidatingToolCall, StateValidatingFinal, StateShortCircuited},
	StateValidatingToolCall: {StateStreaming, StateShortCircuited},
	StateValidatingFinal:    {StateCompleted},
	StateShortCircuited:     {StateCompleted},
}

func (s State) canTransition(to State) bool {
	if s.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}
