// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/skyguard-dev/skyguard/internal/telemetry"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

const defaultMaxSteps = 10

var tracer = telemetry.Tracer("github.com/skyguard-dev/skyguard/internal/agent")

// ExecutorConfig holds the dependencies of an Executor.
type ExecutorConfig struct {
	Provider     provider.Provider
	Model        string
	Tools        *ToolRegistry
	SystemPrompt string
	Options      provider.ChatOptions

	// MaxSteps bounds model calls per run. Zero means defaultMaxSteps.
	MaxSteps int
	// StepTimeout bounds each model call. Zero disables the deadline.
	StepTimeout time.Duration
	// ToolTimeout bounds each tool call. Zero disables the deadline.
	ToolTimeout time.Duration

	Logger *slog.Logger
}

// Executor plans with a model and calls tools on its behalf. It is safe
// for concurrent use; each Start returns an independent Run.
type Executor struct {
	cfg        ExecutorConfig
	dispatcher *ToolDispatcher
	logger     *slog.Logger
}

// NewExecutor validates cfg and creates an Executor.
func NewExecutor(cfg ExecutorConfig) (*Executor, error) {
	if cfg.Provider == nil {
		return nil, skyerr.New(skyerr.CodeAgentRunFailure, "executor: provider is required")
	}
	if cfg.Model == "" {
		return nil, skyerr.New(skyerr.CodeAgentRunFailure, "executor: model is required")
	}
	if cfg.Tools == nil {
		cfg.Tools = NewToolRegistry()
	}
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cfg:        cfg,
		dispatcher: NewToolDispatcher(cfg.Tools, cfg.ToolTimeout, logger),
		logger:     logger,
	}, nil
}

// SystemPrompt returns the instructions every run starts with.
func (e *Executor) SystemPrompt() string { return e.cfg.SystemPrompt }

// Tools returns the declared tool schema.
func (e *Executor) Tools() []provider.ToolDefinition { return e.cfg.Tools.Definitions() }

// Start begins a run for prompt on top of prior history. No model call
// happens until the first Next.
func (e *Executor) Start(prompt string, history []provider.Message) *Run {
	msgs := make([]provider.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, provider.Message{Role: provider.MessageRoleUser, Content: prompt})
	return &Run{exec: e, messages: msgs}
}

type runState int

const (
	stateNeedModel runState = iota
	stateAwaitingApproval
	stateExecuting
	stateFinished
)

// Run is one agent execution. It is driven by a single goroutine.
//
// After Next returns a ToolCallRequestStep the run waits: Approve lets the
// following Next calls execute the batch one call at a time, each yielding
// a ToolResultStep. A caller that does not approve simply stops calling
// Next, and no tool in the batch ever runs.
type Run struct {
	exec     *Executor
	messages []provider.Message
	state    runState
	batch    []provider.ToolCall
	cursor   int
	steps    int
}

// Approve allows the pending tool-call batch to execute.
func (r *Run) Approve() error {
	if r.state != stateAwaitingApproval {
		return skyerr.New(skyerr.CodeAgentRunInvalidState, "no tool calls awaiting approval")
	}
	r.state = stateExecuting
	r.cursor = 0
	return nil
}

// Next advances the run by one step. It returns io.EOF after the final
// answer.
func (r *Run) Next(ctx context.Context) (Step, error) {
	switch r.state {
	case stateFinished:
		return nil, io.EOF
	case stateAwaitingApproval:
		return nil, skyerr.New(skyerr.CodeAgentRunInvalidState, "tool calls must be approved before continuing")
	case stateExecuting:
		return r.executeNext(ctx), nil
	default:
		return r.callModel(ctx)
	}
}

// Messages returns a copy of the run's provider transcript.
func (r *Run) Messages() []provider.Message {
	out := make([]provider.Message, len(r.messages))
	copy(out, r.messages)
	return out
}

func (r *Run) executeNext(ctx context.Context) Step {
	call := r.batch[r.cursor]
	r.cursor++
	if r.cursor == len(r.batch) {
		r.state = stateNeedModel
		r.batch = nil
	}

	result, err := r.exec.dispatcher.Execute(ctx, call)
	content := result
	if err != nil {
		content = fmt.Sprintf("error: %s", err.Error())
	}
	r.messages = append(r.messages, provider.Message{
		Role:       provider.MessageRoleTool,
		Content:    content,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	})
	return ToolResultStep{Call: call, Result: content, Err: err}
}

func (r *Run) callModel(ctx context.Context) (Step, error) {
	r.steps++
	if r.steps > r.exec.cfg.MaxSteps {
		r.state = stateFinished
		return nil, skyerr.Errorf(skyerr.CodeAgentStepLimit, "agent exceeded %d model calls", r.exec.cfg.MaxSteps)
	}

	resp, err := r.chat(ctx)
	if err != nil {
		r.state = stateFinished
		return nil, err
	}

	for i := range resp.ToolCalls {
		if resp.ToolCalls[i].ID == "" {
			resp.ToolCalls[i].ID = "call_" + uuid.NewString()
		}
	}
	r.messages = append(r.messages, provider.Message{
		Role:      provider.MessageRoleAssistant,
		Content:   resp.Text,
		ToolCalls: resp.ToolCalls,
	})

	if len(resp.ToolCalls) == 0 {
		r.state = stateFinished
		return FinalAnswerStep{Text: resp.Text}, nil
	}

	r.state = stateAwaitingApproval
	r.batch = resp.ToolCalls
	calls := make([]provider.ToolCall, len(resp.ToolCalls))
	copy(calls, resp.ToolCalls)
	return ToolCallRequestStep{Text: resp.Text, Calls: calls}, nil
}

func (r *Run) chat(ctx context.Context) (*provider.Response, error) {
	cfg := r.exec.cfg

	ctx, span := tracer.Start(ctx, "agent.model_call", trace.WithAttributes(
		attribute.String("gen_ai.system", cfg.Provider.Name()),
		attribute.String("gen_ai.request.model", cfg.Model),
		attribute.Int("agent.step", r.steps),
	))
	defer span.End()

	callCtx := ctx
	if cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, cfg.StepTimeout)
		defer cancel()
	}

	events, err := cfg.Provider.Chat(callCtx, provider.ChatRequest{
		Model:        cfg.Model,
		Messages:     r.Messages(),
		Tools:        cfg.Tools.Definitions(),
		SystemPrompt: cfg.SystemPrompt,
		Options:      cfg.Options,
	})
	if err == nil {
		var resp *provider.Response
		resp, err = provider.Collect(callCtx, events)
		if err == nil {
			span.SetAttributes(
				attribute.Int("gen_ai.usage.input_tokens", resp.Usage.InputTokens),
				attribute.Int("gen_ai.usage.output_tokens", resp.Usage.OutputTokens),
			)
			return resp, nil
		}
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	switch {
	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		return nil, skyerr.Wrap(err, skyerr.CodeTurnCancelled, "model call cancelled")
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return nil, skyerr.Wrapf(err, skyerr.CodeAgentRunTimeout, "model call exceeded %s", cfg.StepTimeout)
	default:
		return nil, skyerr.Wrapf(err, skyerr.CodeAgentRunFailure, "model call to %s", cfg.Provider.Name())
	}
}
