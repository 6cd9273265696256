// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package agent

import "github.com/skyguard-dev/skyguard/internal/provider"

// Step is one unit of agent progress. The concrete types are
// ToolCallRequestStep, ToolResultStep and FinalAnswerStep.
type Step interface {
	isStep()
}

// ToolCallRequestStep is a model response that asked for tools. Text is
// any assistant text emitted alongside the calls. Calls keep the order
// the model emitted them in.
type ToolCallRequestStep struct {
	Text  string
	Calls []provider.ToolCall
}

// ToolResultStep is the observed outcome of one approved tool call. Err is
// set when the tool failed; the model sees the failure as the result text.
type ToolResultStep struct {
	Call   provider.ToolCall
	Result string
	Err    error
}

// FinalAnswerStep is the model's draft answer. It ends the run.
type FinalAnswerStep struct {
	Text string
}

func (ToolCallRequestStep) isStep() {}
func (ToolResultStep) isStep()      {}
func (FinalAnswerStep) isStep()     {}
