// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

// Package guardrail validates agent output against an external trust and
// policy service before it reaches the client.
package guardrail

import (
	"context"
	"encoding/json"

	"github.com/skyguard-dev/skyguard/internal/store"
)

// DefaultFallback replaces a guardrailed answer when the validator offers
// nothing better.
const DefaultFallback = "Sorry I am unsure. You can try rephrasing your request."

// CandidateKind says what is being validated.
type CandidateKind string

const (
	CandidateToolCall     CandidateKind = "tool_call"
	CandidateFinalAnswer  CandidateKind = "final_answer"
	CandidateIntermediate CandidateKind = "intermediate"
)

// Candidate is the structured form of the response under validation.
// Backends that evaluate rules locally read it instead of parsing Response.
type Candidate struct {
	Kind      CandidateKind `json:"kind"`
	Text      string        `json:"text,omitempty"`
	ToolName  string        `json:"tool_name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
}

// ChatToolFunction is the function half of an OpenAI tool call.
type ChatToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatToolCall is an OpenAI chat tool call.
type ChatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ChatToolFunction `json:"function"`
}

// ChatMessage is a message in OpenAI chat completions format, the
// canonical wire form the validator expects.
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ToolFunctionSchema describes one callable function.
type ToolFunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ToolSchema is a tool declaration in OpenAI function format.
type ToolSchema struct {
	Type     string             `json:"type"`
	Function ToolFunctionSchema `json:"function"`
}

// ValidateRequest is the body of a validate call.
type ValidateRequest struct {
	Query      string             `json:"query"`
	Response   json.RawMessage    `json:"response"`
	Messages   []ChatMessage      `json:"messages"`
	Context    string             `json:"context"`
	Tools      []ToolSchema       `json:"tools,omitempty"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
	EvalScores map[string]float64 `json:"eval_scores,omitempty"`

	Candidate Candidate `json:"-"`
}

// GuardrailedFallback is a fallback message configured on the validator.
type GuardrailedFallback struct {
	Message string `json:"message"`
}

// ValidateResponse is the validator's answer.
type ValidateResponse struct {
	ShouldGuardrail     bool                        `json:"should_guardrail"`
	EscalatedToSME      bool                        `json:"escalated_to_sme"`
	ExpertAnswer        *string                     `json:"expert_answer"`
	GuardrailedFallback *GuardrailedFallback        `json:"guardrailed_fallback"`
	EvalScores          map[string]store.EvalResult `json:"eval_scores"`
	LogID               string                      `json:"log_id"`
}

// ConsultRequest asks for guidance before the agent runs.
type ConsultRequest struct {
	Query          string        `json:"query"`
	MessageHistory []ChatMessage `json:"message_history"`
}

// Backend is the validation service. Both calls must be free of side
// effects other than the service's own logging.
type Backend interface {
	Validate(ctx context.Context, req *ValidateRequest) (*ValidateResponse, error)
	Consult(ctx context.Context, req *ConsultRequest) ([]string, error)
}

// Passthrough is a Backend that passes everything and has no guidance.
type Passthrough struct{}

func (Passthrough) Validate(context.Context, *ValidateRequest) (*ValidateResponse, error) {
	return &ValidateResponse{}, nil
}

func (Passthrough) Consult(context.Context, *ConsultRequest) ([]string, error) {
	return nil, nil
}

// PerfectEvalScores marks a logged step as passing every evaluation.
func PerfectEvalScores() map[string]float64 {
	return map[string]float64{
		"trustworthiness":       1.0,
		"response_helpfulness":  1.0,
		"context_sufficiency":   1.0,
		"response_groundedness": 1.0,
		"query_ease":            1.0,
	}
}

// Verdict is the gateway's decision about one candidate.
type Verdict struct {
	Blocked bool
	// Override replaces the candidate when non-empty.
	Override       string
	IsExpertAnswer bool
	EscalatedToSME bool
	Scores         map[string]store.EvalResult
	LogID          string
}

// Replaced reports whether the candidate must not be used as is.
func (v *Verdict) Replaced() bool {
	return v.Blocked || v.Override != ""
}

// Metadata annotates the emitted assistant message. original is the
// agent's own draft, recorded only when it was replaced.
func (v *Verdict) Metadata(original string) store.MessageMetadata {
	meta := store.MessageMetadata{
		IsExpertAnswer: v.IsExpertAnswer,
		Guardrailed:    v.Replaced(),
		EscalatedToSME: v.EscalatedToSME,
		Scores:         v.Scores,
		LogID:          v.LogID,
	}
	if v.Replaced() {
		meta.OriginalLLMResponse = original
	}
	return meta
}
