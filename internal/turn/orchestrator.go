// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

// Package turn drives one conversational turn through the agent and the
// guardrail, and streams its events in order.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"runtime/debug"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/skyguard-dev/skyguard/internal/agent"
	"github.com/skyguard-dev/skyguard/internal/fallback"
	"github.com/skyguard-dev/skyguard/internal/guardrail"
	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/telemetry"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

const defaultEventBuffer = 16

var tracer = telemetry.Tracer("github.com/skyguard-dev/skyguard/internal/turn")

// Fallback writes the reply used in place of a blocked tool call. It must
// not fail.
type Fallback interface {
	Generate(ctx context.Context, req fallback.Request) string
}

// Auditor records finished turns, best effort.
type Auditor interface {
	Record(ctx context.Context, entry *store.AuditEntry)
}

// Config holds the dependencies of an Orchestrator.
type Config struct {
	Store    store.ConversationStore
	Executor *agent.Executor
	Gateway  *guardrail.Gateway
	// Fallback defaults to a generator that always returns its static text.
	Fallback Fallback
	Audit    Auditor

	// ValidateToolCalls gates tool-call requests on validation-enabled
	// threads. When false the requests are only logged.
	ValidateToolCalls bool
	// Consult asks the guardrail for guidance before the agent runs.
	Consult bool
	// ConsultOptional turns a consult failure into a warning.
	ConsultOptional bool

	EventBuffer int
	Logger      *slog.Logger
}

// Request is one user submission.
type Request struct {
	ThreadID          string
	Content           string
	ValidationEnabled bool
	// StreamIntermediate emits assistant text produced alongside tool
	// calls. It is never stored.
	StreamIntermediate bool
	// IncludeHistory attaches the committed history to the completed event.
	IncludeHistory bool
}

// Orchestrator runs turns. Turns on one thread run one at a time; turns on
// different threads run concurrently.
type Orchestrator struct {
	cfg    Config
	lanes  *LanePool
	logger *slog.Logger
	// audits tracks audit records still being written after their
	// stream closed.
	audits sync.WaitGroup
}

// New validates cfg and creates an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, skyerr.New(skyerr.CodeServerConfigInvalid, "turn: conversation store is required")
	}
	if cfg.Executor == nil {
		return nil, skyerr.New(skyerr.CodeServerConfigInvalid, "turn: executor is required")
	}
	if cfg.Gateway == nil {
		return nil, skyerr.New(skyerr.CodeServerConfigInvalid, "turn: guardrail gateway is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Fallback == nil {
		cfg.Fallback = fallback.New(fallback.Config{Logger: logger})
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	return &Orchestrator{cfg: cfg, lanes: NewLanePool(logger), logger: logger}, nil
}

// Close waits for running turns and their audit records, and stops every
// lane.
func (o *Orchestrator) Close() {
	o.lanes.Close()
	o.audits.Wait()
}

// Submit opens a turn and returns its event stream. Protocol errors, such
// as empty content or a validation flag that differs from the thread's,
// are returned before any event. The channel is closed after the terminal
// event. Cancelling ctx aborts the turn without committing it.
func (o *Orchestrator) Submit(ctx context.Context, req Request) (<-chan Event, error) {
	if req.ThreadID == "" {
		return nil, skyerr.New(skyerr.CodeTurnSubmitInvalidInput, "thread_id is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, skyerr.New(skyerr.CodeTurnSubmitInvalidInput, "content is required",
			skyerr.FieldThreadID(req.ThreadID))
	}
	if _, err := o.cfg.Store.EnsureThread(ctx, req.ThreadID, req.ValidationEnabled); err != nil {
		return nil, err
	}

	events := make(chan Event, o.cfg.EventBuffer)
	t := &turnRun{
		id:      "run_" + uuid.NewString(),
		req:     req,
		state:   StateStarting,
		events:  events,
		started: time.Now(),
		pending: newPendingSet(),
	}
	t.logger = o.logger.With("thread_id", req.ThreadID, "turn_id", t.id)

	lane, release := o.lanes.Acquire(req.ThreadID)
	o.audits.Add(1)
	go func() {
		defer o.audits.Done()
		// Lane.Submit returns once fn has finished or was skipped, so the
		// turn state is stable here.
		if err := lane.Submit(ctx, func(ctx context.Context) error { return o.run(ctx, t) }); err != nil && t.state == StateStarting {
			o.dropped(ctx, t, err)
		}
		close(events)
		release()

		// Sinks may be slow. The stream and the lane are already free.
		if t.audit != nil {
			o.cfg.Audit.Record(context.WithoutCancel(ctx), t.audit)
		}
	}()
	return events, nil
}

// dropped ends a turn that left the lane queue without running, either
// because ctx was cancelled while it waited or because the lane closed.
func (o *Orchestrator) dropped(ctx context.Context, t *turnRun, err error) {
	if ctx.Err() != nil {
		err = cancelled(err)
	}
	t.logger.Debug("turn dropped before it started", "error", err)
	o.fail(ctx, t, err)
	o.finish(ctx, t, err)
}

// Run submits req and collects its events. It is meant for callers that
// do not stream, such as tests and the CLI.
func (o *Orchestrator) Run(ctx context.Context, req Request) ([]Event, error) {
	ch, err := o.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	var out []Event
	for ev := range ch {
		out = append(out, ev)
	}
	return out, nil
}

type turnRun struct {
	id      string
	req     Request
	state   State
	events  chan<- Event
	started time.Time
	logger  *slog.Logger

	history []*store.Message
	tc      guardrail.TurnContext
	pending *pendingSet
	// trace is the in-flight step transcript in provider form.
	trace []provider.Message
	// intermediate indexes trace entries to log before final validation.
	intermediate []int

	committed      bool
	shortCircuited bool
	guardrailed    bool

	audit *store.AuditEntry
}

func (t *turnRun) transition(to State) error {
	if !t.state.canTransition(to) {
		return skyerr.Errorf(skyerr.CodeTurnInvalidState, "invalid turn transition %s -> %s", t.state, to)
	}
	t.logger.Debug("turn state", "from", t.state, "to", to)
	t.state = to
	return nil
}

func (t *turnRun) emit(ctx context.Context, ev Event) error {
	select {
	case t.events <- ev:
		return nil
	case <-ctx.Done():
		return cancelled(ctx.Err())
	}
}

func (o *Orchestrator) run(ctx context.Context, t *turnRun) (err error) {
	ctx = WithThreadID(ctx, t.req.ThreadID)
	ctx, span := tracer.Start(ctx, "turn.run", trace.WithAttributes(
		attribute.String("thread_id", t.req.ThreadID),
		attribute.String("turn_id", t.id),
		attribute.Bool("validation_enabled", t.req.ValidationEnabled),
	))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("turn panic recovered", "panic", r, "stack", string(debug.Stack()))
			err = skyerr.Errorf(skyerr.CodeTurnPanic, "turn panic: %v", r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.fail(ctx, t, err)
		}
		span.SetAttributes(
			attribute.String("turn.state", t.state.String()),
			attribute.Bool("turn.short_circuited", t.shortCircuited),
		)
		o.finish(ctx, t, err)
	}()

	if err := t.emit(ctx, runEvent(t.id, t.req.ThreadID, RunStatusInProgress)); err != nil {
		return err
	}
	return o.execute(ctx, t)
}

func (o *Orchestrator) execute(ctx context.Context, t *turnRun) error {
	history, err := o.cfg.Store.Read(ctx, t.req.ThreadID)
	if err != nil {
		return err
	}
	t.history = history
	prior := agent.HistoryMessages(history)
	t.tc = guardrail.TurnContext{ThreadID: t.req.ThreadID, Query: t.req.Content, History: prior}

	prompt := t.req.Content
	if t.req.ValidationEnabled && o.cfg.Consult {
		guidance, err := o.cfg.Gateway.Consult(ctx, t.req.ThreadID, t.req.Content, prior)
		switch {
		case err == nil:
			prompt = guardrail.SpliceGuidance(prompt, guidance)
		case ctx.Err() != nil:
			return cancelled(ctx.Err())
		case o.cfg.ConsultOptional:
			t.logger.Warn("consult failed, continuing without guidance", "error", err)
		default:
			return err
		}
	}

	run := o.cfg.Executor.Start(prompt, prior)
	if err := t.transition(StateStreaming); err != nil {
		return err
	}

	for {
		step, err := run.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(ctx.Err())
			}
			if errors.Is(err, io.EOF) {
				return skyerr.New(skyerr.CodeAgentRunFailure, "agent run ended without a final answer")
			}
			return skyerr.Wrap(err, skyerr.CodeAgentRunFailure, "agent run failed")
		}

		switch s := step.(type) {
		case agent.ToolCallRequestStep:
			done, err := o.onToolCalls(ctx, t, run, s)
			if err != nil || done {
				return err
			}
		case agent.ToolResultStep:
			if err := o.onToolResult(ctx, t, s); err != nil {
				return err
			}
		case agent.FinalAnswerStep:
			return o.onFinalAnswer(ctx, t, s)
		default:
			return skyerr.Errorf(skyerr.CodeTurnInvalidState, "unexpected agent step %T", step)
		}
	}
}

// onToolCalls gates a batch of tool-call requests. It reports true when
// the turn short-circuited. Calls are validated one at a time in the order
// the model emitted them; call i sees calls 0..i-1 of the batch as
// already requested, without results.
func (o *Orchestrator) onToolCalls(ctx context.Context, t *turnRun, run *agent.Run, s agent.ToolCallRequestStep) (bool, error) {
	for _, call := range s.Calls {
		if !t.pending.Track(call) {
			return false, skyerr.Errorf(skyerr.CodeAgentRunFailure, "duplicate tool call id %q", call.ID)
		}
	}

	if s.Text != "" && t.req.StreamIntermediate {
		msg := stamp(store.NewAssistantMessage(t.req.ThreadID, s.Text, store.MessageMetadata{}))
		if err := t.emit(ctx, messageEvent(t.id, msg)); err != nil {
			return false, err
		}
	}

	gated := t.req.ValidationEnabled && o.cfg.ValidateToolCalls
	if gated {
		if err := t.transition(StateValidatingToolCall); err != nil {
			return false, err
		}
		for i, call := range s.Calls {
			tc := t.tc
			tc.Trace = t.trace
			if i > 0 {
				tc.Trace = append(slices.Clip(t.trace), provider.Message{
					Role:      provider.MessageRoleAssistant,
					Content:   s.Text,
					ToolCalls: s.Calls[:i],
				})
			}
			verdict, err := o.cfg.Gateway.ValidateToolCall(ctx, tc, call)
			if err != nil {
				return false, err
			}
			if verdict.Blocked {
				return true, o.shortCircuit(ctx, t, call, verdict)
			}
		}
		if err := t.transition(StateStreaming); err != nil {
			return false, err
		}
	}

	t.trace = append(t.trace, provider.Message{
		Role:      provider.MessageRoleAssistant,
		Content:   s.Text,
		ToolCalls: s.Calls,
	})
	if t.req.ValidationEnabled && (!gated || s.Text != "") {
		t.intermediate = append(t.intermediate, len(t.trace)-1)
	}
	return false, run.Approve()
}

func (o *Orchestrator) onToolResult(ctx context.Context, t *turnRun, s agent.ToolResultStep) error {
	if !t.pending.Resolve(s.Call.ID, s.Result, s.Err) {
		return skyerr.Errorf(skyerr.CodeTurnInvalidState, "result for tool call %q that is not pending", s.Call.ID)
	}
	p, _ := t.pending.Get(s.Call.ID)

	t.trace = append(t.trace, provider.Message{
		Role:       provider.MessageRoleTool,
		Content:    s.Result,
		ToolCallID: s.Call.ID,
		ToolName:   s.Call.Name,
	})
	if s.Err != nil {
		t.logger.Info("tool call failed", "tool", s.Call.Name, "error", s.Err)
	}
	return t.emit(ctx, messageEvent(t.id, p.Message(t.req.ThreadID)))
}

// shortCircuit ends the turn with a substitute for the blocked call. The
// tool never runs, the agent is not resumed and the substitute is not
// validated again.
func (o *Orchestrator) shortCircuit(ctx context.Context, t *turnRun, call provider.ToolCall, v *guardrail.Verdict) error {
	if err := t.transition(StateShortCircuited); err != nil {
		return err
	}
	t.shortCircuited = true
	t.guardrailed = true

	text := v.Override
	if text == "" {
		text = o.cfg.Fallback.Generate(ctx, fallback.Request{
			ThreadID:  t.req.ThreadID,
			ToolName:  call.Name,
			Arguments: call.Arguments,
			Query:     t.req.Content,
			History:   t.history,
			Verdict:   v,
		})
	}
	if !t.pending.Substitute(call.ID, text) {
		t.logger.Warn("discarding fallback for a tool call that is no longer pending", "tool", call.Name, "tool_call_id", call.ID)
	}
	t.logger.Info("tool call blocked, turn short-circuited", "tool", call.Name, "expert_answer", v.IsExpertAnswer)

	// Calls resolved in earlier batches ran and stay in history. The
	// substituted call is not resolved and so is left out.
	msg := stamp(store.NewAssistantMessage(t.req.ThreadID, text, v.Metadata(blockedCall(call))))
	return o.complete(ctx, t, t.pending.ResolvedMessages(t.req.ThreadID), msg)
}

func (o *Orchestrator) onFinalAnswer(ctx context.Context, t *turnRun, s agent.FinalAnswerStep) error {
	if err := t.transition(StateValidatingFinal); err != nil {
		return err
	}

	text, meta := s.Text, store.MessageMetadata{}
	if t.req.ValidationEnabled {
		tc := t.tc
		tc.Trace = t.trace
		for _, idx := range t.intermediate {
			o.cfg.Gateway.LogIntermediate(ctx, tc, idx)
		}

		verdict, err := o.cfg.Gateway.ValidateFinalAnswer(ctx, tc, s.Text)
		if err != nil {
			return err
		}
		if verdict.Replaced() {
			text = verdict.Override
			t.guardrailed = true
		}
		meta = verdict.Metadata(s.Text)
	}

	msg := stamp(store.NewAssistantMessage(t.req.ThreadID, text, meta))
	return o.complete(ctx, t, t.pending.ResolvedMessages(t.req.ThreadID), msg)
}

// complete commits the turn, then emits the assistant message and the
// completed event. Once committed the turn is complete even if the client
// has gone away.
func (o *Orchestrator) complete(ctx context.Context, t *turnRun, tools []*store.Message, assistant *store.Message) error {
	if err := ctx.Err(); err != nil {
		return cancelled(err)
	}
	user := stamp(store.NewUserMessage(t.req.ThreadID, t.req.Content))
	user.CreatedAt = t.started.UTC()

	err := o.cfg.Store.Append(ctx, t.req.ThreadID, store.TurnTrace{
		TurnID:    t.id,
		User:      user,
		ToolCalls: tools,
		Assistant: assistant,
	})
	if err != nil {
		return err
	}
	t.committed = true
	if err := t.transition(StateCompleted); err != nil {
		return err
	}

	done := runEvent(t.id, t.req.ThreadID, RunStatusCompleted)
	if t.req.IncludeHistory {
		history, err := o.cfg.Store.Read(ctx, t.req.ThreadID)
		if err != nil {
			t.logger.Warn("reading history for completed event", "error", err)
		}
		done.Run().MessageHistory = history
	}

	for _, ev := range []Event{messageEvent(t.id, assistant), done} {
		if err := t.emit(ctx, ev); err != nil {
			t.logger.Debug("client went away after commit", "error", err)
			return nil
		}
	}
	return nil
}

func (o *Orchestrator) fail(ctx context.Context, t *turnRun, err error) {
	t.state = StateFailed
	if skyerr.HasCode(err, skyerr.CodeTurnCancelled) {
		t.logger.Info("turn cancelled", "error", err)
	} else {
		t.logger.Error("turn failed", "error", err)
	}

	ev := failedEvent(t.id, t.req.ThreadID, err)
	if ctx.Err() == nil {
		_ = t.emit(ctx, ev)
		return
	}
	select {
	case t.events <- ev:
	default:
	}
}

// finish records metrics and prepares the audit entry. The entry is written
// after the event stream closes.
func (o *Orchestrator) finish(ctx context.Context, t *turnRun, err error) {
	status := "completed"
	switch {
	case skyerr.HasCode(err, skyerr.CodeTurnCancelled):
		status = "cancelled"
	case err != nil:
		status = "failed"
	case t.shortCircuited:
		status = "short_circuited"
	}
	telemetry.RecordTurn(ctx, status)

	duration := time.Since(t.started)
	t.logger.Info("turn finished",
		"status", status,
		"tool_calls", len(t.pending.order),
		"guardrailed", t.guardrailed,
		"duration", duration)

	if o.cfg.Audit == nil {
		return
	}
	entry := &store.AuditEntry{
		ID:             uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		TurnID:         t.id,
		ThreadID:       t.req.ThreadID,
		Status:         status,
		ShortCircuited: t.shortCircuited,
		Guardrailed:    t.guardrailed,
		ToolCalls:      len(t.pending.order),
		DurationMS:     duration.Milliseconds(),
		Details: map[string]any{
			"validation_enabled": t.req.ValidationEnabled,
			"final_state":        t.state.String(),
			"committed":          t.committed,
		},
	}
	if err != nil {
		entry.Error = err.Error()
	}
	t.audit = entry
}

func cancelled(err error) error {
	if skyerr.HasCode(err, skyerr.CodeTurnCancelled) {
		return err
	}
	return skyerr.Wrap(err, skyerr.CodeTurnCancelled, "turn cancelled")
}

func stamp(m *store.Message) *store.Message {
	m.ID = uuid.NewString()
	m.CreatedAt = time.Now().UTC()
	return m
}

// blockedCall renders a blocked call for the original_llm_response field.
func blockedCall(call provider.ToolCall) string {
	b, _ := json.Marshal(struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	}{call.Name, call.Arguments})
	return string(b)
}
