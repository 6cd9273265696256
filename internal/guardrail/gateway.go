// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package guardrail

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/skyguard-dev/skyguard/internal/telemetry"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

var tracer = telemetry.Tracer("github.com/skyguard-dev/skyguard/internal/guardrail")

// GatewayConfig holds the dependencies of a Gateway.
type GatewayConfig struct {
	Backend      Backend
	SystemPrompt string
	Tools        []provider.ToolDefinition
	// ContextTools name the tools whose results form the validation context.
	ContextTools []string
	// FallbackText replaces a guardrailed answer when the validator has no
	// fallback of its own. Empty means DefaultFallback.
	FallbackText string
	// Timeout bounds each backend call. Zero disables the deadline.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Gateway builds validation requests for one turn at a time and turns
// backend responses into verdicts. It holds no per-turn state.
type Gateway struct {
	backend      Backend
	systemPrompt string
	tools        []ToolSchema
	contextTools []string
	fallbackText string
	timeout      time.Duration
	logger       *slog.Logger
}

// NewGateway creates a Gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Backend == nil {
		return nil, skyerr.New(skyerr.CodeServerConfigInvalid, "guardrail: backend is required")
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = DefaultFallback
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		backend:      cfg.Backend,
		systemPrompt: cfg.SystemPrompt,
		tools:        OpenAITools(cfg.Tools),
		contextTools: cfg.ContextTools,
		fallbackText: cfg.FallbackText,
		timeout:      cfg.Timeout,
		logger:       logger,
	}, nil
}

// TurnContext is the conversation state shared by every call in one turn.
type TurnContext struct {
	ThreadID string
	// Query is the user's text as submitted, without consult guidance.
	Query string
	// History is the thread's committed history.
	History []provider.Message
	// Trace is the turn's in-flight steps: assistant tool-call messages
	// and tool results, in order.
	Trace []provider.Message
}

// ValidateToolCall validates a tool-call request before it executes. The
// serialized {name, arguments} pair stands in for the assistant message.
// An expert answer for the query also blocks the call and becomes the
// override.
func (g *Gateway) ValidateToolCall(ctx context.Context, tc TurnContext, call provider.ToolCall) (*Verdict, error) {
	pair, err := json.Marshal(struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}{call.Name, call.Arguments})
	if err != nil {
		return nil, skyerr.Wrap(err, skyerr.CodeGuardrailResponseInvalid, "encoding tool call")
	}
	response, _ := json.Marshal(string(pair))

	req := g.request(tc, tc.Trace, response, Candidate{
		Kind:      CandidateToolCall,
		ToolName:  call.Name,
		Arguments: call.Arguments,
	})

	ctx, span := tracer.Start(ctx, "guardrail.validate_tool_call", trace.WithAttributes(
		attribute.String("thread_id", tc.ThreadID),
		attribute.String("tool.name", call.Name),
	))
	defer span.End()

	resp, err := g.validate(ctx, span, req)
	if err != nil {
		return nil, err
	}

	v := &Verdict{
		Blocked:        resp.ShouldGuardrail,
		EscalatedToSME: resp.EscalatedToSME,
		Scores:         resp.EvalScores,
		LogID:          resp.LogID,
	}
	if resp.ExpertAnswer != nil && *resp.ExpertAnswer != "" {
		v.Blocked = true
		v.Override = *resp.ExpertAnswer
		v.IsExpertAnswer = true
	}
	g.record(ctx, span, "tool_call", tc.ThreadID, v)
	return v, nil
}

// ValidateFinalAnswer validates the draft answer. The override is, in
// priority order, the expert answer, the validator's guardrail fallback
// message, or the configured fallback text.
func (g *Gateway) ValidateFinalAnswer(ctx context.Context, tc TurnContext, draft string) (*Verdict, error) {
	response, err := json.Marshal(draft)
	if err != nil {
		return nil, skyerr.Wrap(err, skyerr.CodeGuardrailResponseInvalid, "encoding draft answer")
	}
	req := g.request(tc, tc.Trace, response, Candidate{Kind: CandidateFinalAnswer, Text: draft})

	ctx, span := tracer.Start(ctx, "guardrail.validate_final", trace.WithAttributes(
		attribute.String("thread_id", tc.ThreadID),
	))
	defer span.End()

	resp, err := g.validate(ctx, span, req)
	if err != nil {
		return nil, err
	}

	v := &Verdict{
		Blocked:        resp.ShouldGuardrail,
		EscalatedToSME: resp.EscalatedToSME,
		Scores:         resp.EvalScores,
		LogID:          resp.LogID,
	}
	switch {
	case resp.ExpertAnswer != nil && *resp.ExpertAnswer != "":
		v.Override = *resp.ExpertAnswer
		v.IsExpertAnswer = true
	case resp.ShouldGuardrail:
		v.Override = g.fallbackText
		if resp.GuardrailedFallback != nil && resp.GuardrailedFallback.Message != "" {
			v.Override = resp.GuardrailedFallback.Message
		}
	}
	g.record(ctx, span, "final", tc.ThreadID, v)
	return v, nil
}

// LogIntermediate sends the assistant step at tc.Trace[index] to the
// validator with perfect scores so it is recorded without being judged.
// Failures are logged and never returned.
func (g *Gateway) LogIntermediate(ctx context.Context, tc TurnContext, index int) {
	if index < 0 || index >= len(tc.Trace) {
		return
	}
	step := tc.Trace[index]

	req := g.request(tc, tc.Trace[:index], chatCompletion(step), Candidate{
		Kind: CandidateIntermediate,
		Text: step.Content,
	})
	req.EvalScores = PerfectEvalScores()

	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()
	if _, err := g.backend.Validate(callCtx, req); err != nil {
		g.logger.Warn("logging intermediate step failed",
			"thread_id", tc.ThreadID,
			"error", err)
		return
	}
	g.logger.Debug("intermediate step logged", "thread_id", tc.ThreadID, "tool_calls", len(step.ToolCalls))
}

// Consult asks the backend for guidance on query before the agent runs.
func (g *Gateway) Consult(ctx context.Context, threadID, query string, history []provider.Message) ([]string, error) {
	ctx, span := tracer.Start(ctx, "guardrail.consult", trace.WithAttributes(
		attribute.String("thread_id", threadID),
	))
	defer span.End()

	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	guidance, err := g.backend.Consult(callCtx, &ConsultRequest{
		Query:          query,
		MessageHistory: ChatMessages(history),
	})
	if err != nil {
		err = classify(ctx, callCtx, err, skyerr.CodeGuardrailConsultUnavailable, "consult")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("guardrail.guidance_count", len(guidance)))
	return guidance, nil
}

// request assembles the canonical validation payload: system prompt,
// committed history and the user query, followed by steps.
func (g *Gateway) request(tc TurnContext, steps []provider.Message, response json.RawMessage, cand Candidate) *ValidateRequest {
	messages := make([]ChatMessage, 0, len(tc.History)+len(steps)+2)
	if g.systemPrompt != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: g.systemPrompt})
	}
	messages = append(messages, ChatMessages(tc.History)...)
	messages = append(messages, ChatMessage{Role: "user", Content: tc.Query})
	messages = append(messages, ChatMessages(steps)...)

	req := &ValidateRequest{
		Query:     tc.Query,
		Response:  response,
		Messages:  messages,
		Context:   ContextString(tc.Trace, g.contextTools),
		Tools:     g.tools,
		Candidate: cand,
	}
	if tc.ThreadID != "" {
		req.Metadata = map[string]string{"thread_id": tc.ThreadID}
	}
	return req
}

func (g *Gateway) validate(ctx context.Context, span trace.Span, req *ValidateRequest) (*ValidateResponse, error) {
	callCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	resp, err := g.backend.Validate(callCtx, req)
	if err != nil {
		err = classify(ctx, callCtx, err, skyerr.CodeGuardrailValidateUnavailable, "validate")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp == nil {
		err := skyerr.New(skyerr.CodeGuardrailResponseInvalid, "validator returned no response")
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return resp, nil
}

func (g *Gateway) record(ctx context.Context, span trace.Span, kind, threadID string, v *Verdict) {
	outcome := "pass"
	switch {
	case v.IsExpertAnswer:
		outcome = "expert"
	case v.Blocked:
		outcome = "blocked"
	}
	telemetry.RecordVerdict(ctx, kind, outcome)
	span.SetAttributes(
		attribute.String("guardrail.outcome", outcome),
		attribute.String("guardrail.log_id", v.LogID),
	)
	if outcome != "pass" {
		g.logger.Info("guardrail triggered",
			"thread_id", threadID,
			"kind", kind,
			"outcome", outcome,
			"log_id", v.LogID)
	}
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

// classify gives uncoded backend errors a code. Errors the backend already
// classified pass through.
func classify(ctx, callCtx context.Context, err error, unavailable skyerr.Code, op string) error {
	switch {
	case skyerr.CodeOf(err) != "":
		return err
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return skyerr.Wrapf(err, skyerr.CodeTurnCancelled, "guardrail %s cancelled", op)
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return skyerr.Wrapf(err, skyerr.CodeGuardrailValidateTimeout, "guardrail %s timed out", op)
	default:
		return skyerr.Wrapf(err, unavailable, "guardrail %s", op)
	}
}

// chatCompletion renders an assistant step as a chat completion object.
func chatCompletion(m provider.Message) json.RawMessage {
	msg := ChatMessages([]provider.Message{m})[0]
	finish := "stop"
	if len(msg.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	raw, _ := json.Marshal(map[string]any{
		"object": "chat.completion",
		"choices": []map[string]any{{
			"index":         0,
			"message":       msg,
			"finish_reason": finish,
		}},
	})
	return raw
}
