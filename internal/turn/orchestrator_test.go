// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package turn_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyguard-dev/skyguard/internal/agent"
	"github.com/skyguard-dev/skyguard/internal/fallback"
	"github.com/skyguard-dev/skyguard/internal/guardrail"
	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/skyguard-dev/skyguard/internal/provider/providertest"
	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/store/memory"
	"github.com/skyguard-dev/skyguard/internal/turn"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

const recoveryText = "I'm sorry, I couldn't complete that booking. Could you confirm the flight details?"

// --- fakes ---

type toolSpy struct {
	mu    sync.Mutex
	calls []string
}

func (s *toolSpy) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *toolSpy) tool(name, result string) agent.Tool {
	return agent.ToolFunc{
		Def: provider.ToolDefinition{Name: name, Description: name, InputSchema: map[string]any{"type": "object"}},
		Fn: func(_ context.Context, _ json.RawMessage) (string, error) {
			s.mu.Lock()
			s.calls = append(s.calls, name)
			s.mu.Unlock()
			return result, nil
		},
	}
}

type fakeBackend struct {
	mu         sync.Mutex
	requests   []*guardrail.ValidateRequest
	consults   int
	guidance   []string
	consultErr error
	err        error
	decide     func(*guardrail.ValidateRequest) *guardrail.ValidateResponse
}

func (f *fakeBackend) Validate(_ context.Context, req *guardrail.ValidateRequest) (*guardrail.ValidateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	if f.decide != nil {
		if resp := f.decide(req); resp != nil {
			return resp, nil
		}
	}
	return &guardrail.ValidateResponse{LogID: "log-pass"}, nil
}

func (f *fakeBackend) Consult(context.Context, *guardrail.ConsultRequest) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consults++
	return f.guidance, f.consultErr
}

func (f *fakeBackend) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeBackend) kinds() []guardrail.CandidateKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]guardrail.CandidateKind, 0, len(f.requests))
	for _, r := range f.requests {
		out = append(out, r.Candidate.Kind)
	}
	return out
}

func (f *fakeBackend) all() []*guardrail.ValidateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*guardrail.ValidateRequest(nil), f.requests...)
}

type fakeFallback struct {
	mu       sync.Mutex
	requests []fallback.Request
}

func (f *fakeFallback) Generate(_ context.Context, req fallback.Request) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return recoveryText
}

type fakeAuditor struct {
	mu      sync.Mutex
	entries []*store.AuditEntry
}

func (a *fakeAuditor) Record(_ context.Context, e *store.AuditEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
}

func (a *fakeAuditor) last(t *testing.T) *store.AuditEntry {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	require.NotEmpty(t, a.entries)
	return a.entries[len(a.entries)-1]
}

// --- harness ---

type harness struct {
	store    *memory.ConversationStore
	provider *providertest.Scripted
	backend  *fakeBackend
	fallback *fakeFallback
	audit    *fakeAuditor
	tools    *toolSpy
	orch     *turn.Orchestrator
}

func newHarness(t *testing.T, responses []provider.Response, opts ...func(*turn.Config)) *harness {
	t.Helper()
	h := &harness{
		store:    memory.NewConversationStore(),
		provider: &providertest.Scripted{Responses: responses},
		backend:  &fakeBackend{},
		fallback: &fakeFallback{},
		audit:    &fakeAuditor{},
		tools:    &toolSpy{},
	}

	reg := agent.NewToolRegistry()
	require.NoError(t, reg.Register(
		h.tools.tool("search", "Checked bags cost $45."),
		h.tools.tool("book_flights", `{"booking_id":"BK-1"}`),
	))
	exec, err := agent.NewExecutor(agent.ExecutorConfig{
		Provider:     h.provider,
		Model:        "test-model",
		Tools:        reg,
		SystemPrompt: "You are an airline support agent.",
	})
	require.NoError(t, err)

	gw, err := guardrail.NewGateway(guardrail.GatewayConfig{
		Backend:      h.backend,
		SystemPrompt: exec.SystemPrompt(),
		Tools:        exec.Tools(),
		ContextTools: []string{"search"},
	})
	require.NoError(t, err)

	cfg := turn.Config{
		Store:             h.store,
		Executor:          exec,
		Gateway:           gw,
		Fallback:          h.fallback,
		Audit:             h.audit,
		ValidateToolCalls: true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	h.orch, err = turn.New(cfg)
	require.NoError(t, err)
	t.Cleanup(h.orch.Close)
	return h
}

func (h *harness) run(t *testing.T, req turn.Request) []turn.Event {
	t.Helper()
	events, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)
	return events
}

func (h *harness) history(t *testing.T, threadID string) []*store.Message {
	t.Helper()
	msgs, err := h.store.Read(context.Background(), threadID)
	require.NoError(t, err)
	return msgs
}

func objects(events []turn.Event) []turn.EventObject {
	out := make([]turn.EventObject, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.Object)
	}
	return out
}

func roles(msgs []*store.Message) []store.MessageRole {
	out := make([]store.MessageRole, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Role)
	}
	return out
}

func call(id, name, args string) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: name, Arguments: args}
}

func validated(threadID, content string) turn.Request {
	return turn.Request{ThreadID: threadID, Content: content, ValidationEnabled: true}
}

func blockTool(name string) func(*guardrail.ValidateRequest) *guardrail.ValidateResponse {
	return func(req *guardrail.ValidateRequest) *guardrail.ValidateResponse {
		if req.Candidate.Kind == guardrail.CandidateToolCall && req.Candidate.ToolName == name {
			score := 0.2
			return &guardrail.ValidateResponse{
				ShouldGuardrail: true,
				LogID:           "log-blocked",
				EvalScores: map[string]store.EvalResult{
					"trustworthiness": {Score: &score, Triggered: true, TriggeredGuardrail: true},
				},
			}
		}
		return nil
	}
}

// --- tests ---

func TestTurnAppendsUserAndAssistant(t *testing.T) {
	h := newHarness(t, []provider.Response{{Text: "Hello! How can I help?"}})

	events := h.run(t, validated("t-1", "hi"))
	assert.Equal(t, []turn.EventObject{turn.ObjectRunInProgress, turn.ObjectMessage, turn.ObjectRunCompleted}, objects(events))

	runID := events[0].Run().ID
	for _, ev := range events {
		assert.Equal(t, runID, ev.ID)
	}
	assert.Equal(t, turn.RunStatusCompleted, events[2].Run().Status)
	assert.Equal(t, "t-1", events[2].Run().ThreadID)

	msg := events[1].Message()
	require.NotNil(t, msg)
	assert.Equal(t, "Hello! How can I help?", msg.Text)
	assert.False(t, msg.Metadata.Guardrailed)
	assert.Equal(t, "log-pass", msg.Metadata.LogID)

	history := h.history(t, "t-1")
	assert.Equal(t, []store.MessageRole{store.MessageRoleUser, store.MessageRoleAssistant}, roles(history))
	assert.Equal(t, "hi", history[0].Text)
	assert.Equal(t, msg.ID, history[1].ID, "streamed and stored message share an id")

	assert.Equal(t, []guardrail.CandidateKind{guardrail.CandidateFinalAnswer}, h.backend.kinds())
	assert.Equal(t, "completed", h.audit.last(t).Status)
}

func TestHistoryGrowsByOneTurnAtATime(t *testing.T) {
	h := newHarness(t, []provider.Response{{Text: "first"}, {Text: "second"}})

	h.run(t, validated("t-1", "one"))
	before := h.history(t, "t-1")
	h.run(t, validated("t-1", "two"))
	after := h.history(t, "t-1")

	require.Len(t, after, len(before)+2)
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID, "committed messages are never rewritten")
	}
	assert.Equal(t, "two", after[2].Text)
	assert.Equal(t, "second", after[3].Text)

	reqs := h.provider.Requests()
	require.Len(t, reqs, 2)
	assert.Len(t, reqs[1].Messages, 3, "the second run sees the first turn")
}

func TestSequentialToolCallsAreEmittedInOrder(t *testing.T) {
	h := newHarness(t, []provider.Response{
		{ToolCalls: []provider.ToolCall{call("c1", "search", `{"query":"bags"}`)}},
		{ToolCalls: []provider.ToolCall{call("c2", "search", `{"query":"fees"}`)}},
		{Text: "A checked bag is $45."},
	})

	events := h.run(t, validated("t-1", "how much is a bag?"))
	require.Equal(t, []turn.EventObject{
		turn.ObjectRunInProgress,
		turn.ObjectMessage,
		turn.ObjectMessage,
		turn.ObjectMessage,
		turn.ObjectRunCompleted,
	}, objects(events))
	assert.Equal(t, "c1", events[1].Message().ToolCall.ToolCallID)
	assert.Equal(t, "c2", events[2].Message().ToolCall.ToolCallID)
	assert.Equal(t, store.MessageRoleAssistant, events[3].Message().Role)

	assert.Equal(t, []string{"search", "search"}, h.tools.called())
	assert.Equal(t, []guardrail.CandidateKind{
		guardrail.CandidateToolCall,
		guardrail.CandidateToolCall,
		guardrail.CandidateFinalAnswer,
	}, h.backend.kinds())

	final := h.backend.all()[2]
	assert.Contains(t, final.Context, "<context from tool: search>\nChecked bags cost $45.\n</context from tool: search>")

	history := h.history(t, "t-1")
	assert.Equal(t, []store.MessageRole{
		store.MessageRoleUser, store.MessageRoleTool, store.MessageRoleTool, store.MessageRoleAssistant,
	}, roles(history))
	for _, m := range history[1:3] {
		require.NotNil(t, m.ToolCall.Result)
	}
}

func TestBlockedBookingShortCircuits(t *testing.T) {
	h := newHarness(t, []provider.Response{
		{ToolCalls: []provider.ToolCall{call("c1", "book_flights", `{"flight_ids":["F9-100"]}`)}},
		{Text: "You're booked!"},
	})
	h.backend.decide = blockTool("book_flights")

	events := h.run(t, validated("t-1", "book me flight F9-100"))
	require.Equal(t, []turn.EventObject{turn.ObjectRunInProgress, turn.ObjectMessage, turn.ObjectRunCompleted}, objects(events))

	msg := events[1].Message()
	assert.Equal(t, store.MessageRoleAssistant, msg.Role)
	assert.Equal(t, recoveryText, msg.Text)
	assert.True(t, msg.Metadata.Guardrailed)
	assert.Contains(t, msg.Metadata.OriginalLLMResponse, "book_flights")
	assert.Equal(t, "log-blocked", msg.Metadata.LogID)

	assert.Empty(t, h.tools.called(), "blocked tool must not run")
	assert.Len(t, h.provider.Requests(), 1, "the agent is not resumed")
	assert.Equal(t, []guardrail.CandidateKind{guardrail.CandidateToolCall}, h.backend.kinds(),
		"the fallback is never validated")

	require.Len(t, h.fallback.requests, 1)
	fr := h.fallback.requests[0]
	assert.Equal(t, "book_flights", fr.ToolName)
	assert.Equal(t, `{"flight_ids":["F9-100"]}`, fr.Arguments)
	assert.Equal(t, "book me flight F9-100", fr.Query)
	assert.Empty(t, fr.History, "only committed history is offered")
	require.NotNil(t, fr.Verdict)
	assert.True(t, fr.Verdict.Blocked)

	history := h.history(t, "t-1")
	assert.Equal(t, []store.MessageRole{store.MessageRoleUser, store.MessageRoleAssistant}, roles(history))
	assert.Equal(t, recoveryText, history[1].Text)

	entry := h.audit.last(t)
	assert.Equal(t, "short_circuited", entry.Status)
	assert.True(t, entry.ShortCircuited)
	assert.True(t, entry.Guardrailed)
}

func TestBatchValidationIsSequentialAndStopsAtBlock(t *testing.T) {
	h := newHarness(t, []provider.Response{
		{Text: "Let me check.", ToolCalls: []provider.ToolCall{
			call("c1", "search", `{"query":"F9-100"}`),
			call("c2", "book_flights", `{"flight_ids":["F9-100"]}`),
		}},
	})
	h.backend.decide = blockTool("book_flights")

	events := h.run(t, validated("t-1", "book F9-100"))
	assert.Equal(t, turn.ObjectRunCompleted, events[len(events)-1].Object)
	assert.Empty(t, h.tools.called(), "no call of a blocked batch runs, even ones that passed")

	reqs := h.backend.all()
	require.Len(t, reqs, 2)

	first := reqs[0].Messages
	assert.Equal(t, "user", first[len(first)-1].Role)

	second := reqs[1].Messages
	last := second[len(second)-1]
	assert.Equal(t, "assistant", last.Role)
	require.Len(t, last.ToolCalls, 1, "call 2 sees call 1 as requested")
	assert.Equal(t, "c1", last.ToolCalls[0].ID)
	for _, m := range second {
		assert.NotEqual(t, "tool", m.Role, "no results exist yet")
	}
}

func TestExpertAnswerReplacesFinalDraft(t *testing.T) {
	h := newHarness(t, []provider.Response{{Text: "I think bags are free."}})
	expert := "Checked bags are $45 each when paid online."
	h.backend.decide = func(req *guardrail.ValidateRequest) *guardrail.ValidateResponse {
		if req.Candidate.Kind == guardrail.CandidateFinalAnswer {
			return &guardrail.ValidateResponse{ExpertAnswer: &expert, LogID: "log-expert"}
		}
		return nil
	}

	events := h.run(t, validated("t-1", "are bags free?"))
	msg := events[1].Message()
	assert.Equal(t, expert, msg.Text)
	assert.True(t, msg.Metadata.Guardrailed)
	assert.True(t, msg.Metadata.IsExpertAnswer)
	assert.Equal(t, "I think bags are free.", msg.Metadata.OriginalLLMResponse)

	history := h.history(t, "t-1")
	assert.Equal(t, expert, history[1].Text)
}

func TestGuardrailedFinalUsesFallbackMessage(t *testing.T) {
	h := newHarness(t, []provider.Response{{Text: "Sure, guaranteed refund."}})
	h.backend.decide = func(req *guardrail.ValidateRequest) *guardrail.ValidateResponse {
		return &guardrail.ValidateResponse{
			ShouldGuardrail:     true,
			GuardrailedFallback: &guardrail.GuardrailedFallback{Message: "Refunds depend on your fare."},
		}
	}

	events := h.run(t, validated("t-1", "refund?"))
	msg := events[1].Message()
	assert.Equal(t, "Refunds depend on your fare.", msg.Text)
	assert.Equal(t, "Sure, guaranteed refund.", msg.Metadata.OriginalLLMResponse)
	assert.Empty(t, h.fallback.requests, "final answers do not use the recovery generator")
}

func TestExpertAnswerOnToolCallSkipsFallback(t *testing.T) {
	h := newHarness(t, []provider.Response{
		{ToolCalls: []provider.ToolCall{call("c1", "book_flights", `{}`)}},
	})
	expert := "Group bookings are handled by phone."
	h.backend.decide = func(*guardrail.ValidateRequest) *guardrail.ValidateResponse {
		return &guardrail.ValidateResponse{ExpertAnswer: &expert}
	}

	events := h.run(t, validated("t-1", "book 12 seats"))
	msg := events[1].Message()
	assert.Equal(t, expert, msg.Text)
	assert.True(t, msg.Metadata.IsExpertAnswer)
	assert.Empty(t, h.fallback.requests)
	assert.Empty(t, h.tools.called())
}

func TestValidatorFailureFailsTurnWithoutCommit(t *testing.T) {
	h := newHarness(t, []provider.Response{{Text: "first"}, {Text: "second"}})
	h.run(t, validated("t-1", "one"))
	before := h.history(t, "t-1")

	h.backend.setErr(errors.New("connection refused"))
	events := h.run(t, validated("t-1", "two"))

	require.Equal(t, []turn.EventObject{turn.ObjectRunInProgress, turn.ObjectRunFailed}, objects(events))
	run := events[1].Run()
	assert.Equal(t, turn.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, string(skyerr.CodeGuardrailValidateUnavailable), run.Error.Code)

	assert.Equal(t, before, h.history(t, "t-1"))

	entry := h.audit.last(t)
	assert.Equal(t, "failed", entry.Status)
	assert.NotEmpty(t, entry.Error)
}

func TestAgentFailureFailsTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.ChatErr = errors.New("model unavailable")

	events := h.run(t, validated("t-1", "hello"))
	assert.Equal(t, []turn.EventObject{turn.ObjectRunInProgress, turn.ObjectRunFailed}, objects(events))
	assert.Empty(t, h.history(t, "t-1"))
	assert.Empty(t, h.backend.kinds())
}

func TestValidationFlagCannotChange(t *testing.T) {
	h := newHarness(t, []provider.Response{{Text: "hi"}})
	h.run(t, validated("t-1", "hello"))
	before := h.history(t, "t-1")

	_, err := h.orch.Submit(context.Background(), turn.Request{ThreadID: "t-1", Content: "again", ValidationEnabled: false})
	require.Error(t, err)
	assert.True(t, skyerr.HasCode(err, skyerr.CodeStoreThreadFlagMismatch))
	assert.True(t, skyerr.IsInvalidInput(err))

	assert.Equal(t, before, h.history(t, "t-1"))
	assert.Len(t, h.provider.Requests(), 1)
}

func TestSubmitRejectsEmptyContent(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.orch.Submit(context.Background(), validated("t-1", "   "))
	assert.True(t, skyerr.HasCode(err, skyerr.CodeTurnSubmitInvalidInput))

	_, err = h.orch.Submit(context.Background(), validated("", "hi"))
	assert.True(t, skyerr.IsInvalidInput(err))

	_, err = h.store.GetThread(context.Background(), "t-1")
	assert.True(t, skyerr.IsNotFound(err), "no thread is opened for a rejected turn")
}

func TestValidationDisabledBypassesGuardrail(t *testing.T) {
	h := newHarness(t, []provider.Response{
		{ToolCalls: []provider.ToolCall{call("c1", "book_flights", `{}`)}},
		{Text: "Booked."},
	}, func(c *turn.Config) { c.Consult = true })
	h.backend.decide = blockTool("book_flights")

	events := h.run(t, turn.Request{ThreadID: "t-1", Content: "book it"})
	assert.Equal(t, "Booked.", events[len(events)-2].Message().Text)
	assert.Equal(t, []string{"book_flights"}, h.tools.called())
	assert.Empty(t, h.backend.kinds())
	assert.Zero(t, h.backend.consults)
}

func TestIntermediateStepsAreLoggedNotJudged(t *testing.T) {
	t.Run("tool calls when tool validation is off", func(t *testing.T) {
		h := newHarness(t, []provider.Response{
			{ToolCalls: []provider.ToolCall{call("c1", "book_flights", `{}`)}},
			{Text: "Booked."},
		}, func(c *turn.Config) { c.ValidateToolCalls = false })
		h.backend.decide = blockTool("book_flights")

		h.run(t, validated("t-1", "book it"))
		assert.Equal(t, []string{"book_flights"}, h.tools.called())
		assert.Equal(t, []guardrail.CandidateKind{guardrail.CandidateIntermediate, guardrail.CandidateFinalAnswer}, h.backend.kinds())
		assert.Equal(t, guardrail.PerfectEvalScores(), h.backend.all()[0].EvalScores)
	})

	t.Run("text alongside validated calls", func(t *testing.T) {
		h := newHarness(t, []provider.Response{
			{Text: "Searching now.", ToolCalls: []provider.ToolCall{call("c1", "search", `{}`)}},
			{Text: "Found it."},
		})

		events := h.run(t, turn.Request{ThreadID: "t-1", Content: "bags?", ValidationEnabled: true, StreamIntermediate: true})
		assert.Equal(t, []guardrail.CandidateKind{
			guardrail.CandidateToolCall,
			guardrail.CandidateIntermediate,
			guardrail.CandidateFinalAnswer,
		}, h.backend.kinds())

		require.Equal(t, []turn.EventObject{
			turn.ObjectRunInProgress,
			turn.ObjectMessage,
			turn.ObjectMessage,
			turn.ObjectMessage,
			turn.ObjectRunCompleted,
		}, objects(events))
		assert.Equal(t, "Searching now.", events[1].Message().Text)
		assert.Equal(t, store.MessageRoleTool, events[2].Message().Role)

		history := h.history(t, "t-1")
		assert.Equal(t, []store.MessageRole{store.MessageRoleUser, store.MessageRoleTool, store.MessageRoleAssistant}, roles(history),
			"intermediate text is streamed but not stored")
	})
}

func TestConsultGuidanceReachesOnlyTheAgent(t *testing.T) {
	h := newHarness(t, []provider.Response{{Text: "Bags are $45."}}, func(c *turn.Config) { c.Consult = true })
	h.backend.guidance = []string{"Mention the 23kg limit."}

	h.run(t, validated("t-1", "bag price?"))

	reqs := h.provider.Requests()
	require.Len(t, reqs, 1)
	prompt := reqs[0].Messages[len(reqs[0].Messages)-1].Content
	assert.Contains(t, prompt, "<advice_to_consider>\nMention the 23kg limit.\n</advice_to_consider>")

	assert.Equal(t, "bag price?", h.backend.all()[0].Query)
	assert.Equal(t, "bag price?", h.history(t, "t-1")[0].Text)
}

func TestConsultFailure(t *testing.T) {
	t.Run("required", func(t *testing.T) {
		h := newHarness(t, []provider.Response{{Text: "ok"}}, func(c *turn.Config) { c.Consult = true })
		h.backend.consultErr = errors.New("down")

		events := h.run(t, validated("t-1", "hi"))
		assert.Equal(t, turn.ObjectRunFailed, events[len(events)-1].Object)
		assert.Empty(t, h.provider.Requests())
	})

	t.Run("optional", func(t *testing.T) {
		h := newHarness(t, []provider.Response{{Text: "ok"}}, func(c *turn.Config) {
			c.Consult = true
			c.ConsultOptional = true
		})
		h.backend.consultErr = errors.New("down")

		events := h.run(t, validated("t-1", "hi"))
		assert.Equal(t, turn.ObjectRunCompleted, events[len(events)-1].Object)
	})
}

func TestClientDisconnectCommitsNothing(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.Block = true

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := h.orch.Submit(ctx, validated("t-1", "hello"))
	require.NoError(t, err)

	first := <-ch
	assert.Equal(t, turn.ObjectRunInProgress, first.Object)
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch {
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not stop after cancellation")
	}

	assert.Empty(t, h.history(t, "t-1"))
	assert.Eventually(t, func() bool {
		h.audit.mu.Lock()
		defer h.audit.mu.Unlock()
		return len(h.audit.entries) == 1 && h.audit.entries[0].Status == "cancelled"
	}, time.Second, 10*time.Millisecond)
}

func TestTurnsOnOneThreadDoNotInterleave(t *testing.T) {
	h := newHarness(t, []provider.Response{{Text: "a1"}, {Text: "a2"}, {Text: "a3"}})

	var wg sync.WaitGroup
	for _, q := range []string{"q1", "q2", "q3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.run(t, validated("t-1", q))
		}()
	}
	wg.Wait()

	history := h.history(t, "t-1")
	require.Len(t, history, 6, "no turn's write is lost")
	for i, m := range history {
		want := store.MessageRoleUser
		if i%2 == 1 {
			want = store.MessageRoleAssistant
		}
		assert.Equal(t, want, m.Role)
	}

	reqs := h.provider.Requests()
	require.Len(t, reqs, 3)
	for i, r := range reqs {
		assert.Len(t, r.Messages, 2*i+1, "each turn sees every earlier turn")
	}
}

func TestCompletedEventCarriesHistoryOnRequest(t *testing.T) {
	h := newHarness(t, []provider.Response{{Text: "hello"}})

	req := validated("t-1", "hi")
	req.IncludeHistory = true
	events := h.run(t, req)

	run := events[len(events)-1].Run()
	require.NotNil(t, run)
	assert.Len(t, run.MessageHistory, 2)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := turn.New(turn.Config{})
	assert.Error(t, err)
}

func TestShortCircuitKeepsEarlierToolResults(t *testing.T) {
	h := newHarness(t, []provider.Response{
		{ToolCalls: []provider.ToolCall{call("c1", "search", `{"query":"F9-100"}`)}},
		{ToolCalls: []provider.ToolCall{call("c2", "book_flights", `{"flight_ids":["F9-100"]}`)}},
		{Text: "You're booked!"},
	})
	h.backend.decide = blockTool("book_flights")

	events := h.run(t, validated("t-1", "find and book F9-100"))
	require.Equal(t, []turn.EventObject{
		turn.ObjectRunInProgress,
		turn.ObjectMessage,
		turn.ObjectMessage,
		turn.ObjectRunCompleted,
	}, objects(events))
	assert.Equal(t, store.MessageRoleTool, events[1].Message().Role)
	assert.Equal(t, recoveryText, events[2].Message().Text)

	assert.Equal(t, []string{"search"}, h.tools.called(), "the blocked call never runs")

	history := h.history(t, "t-1")
	require.Equal(t, []store.MessageRole{
		store.MessageRoleUser, store.MessageRoleTool, store.MessageRoleAssistant,
	}, roles(history))
	require.NotNil(t, history[1].ToolCall)
	assert.Equal(t, "search", history[1].ToolCall.ToolName)
	assert.Equal(t, "c1", history[1].ToolCall.ToolCallID)
	require.NotNil(t, history[1].ToolCall.Result)
	assert.Equal(t, "Checked bags cost $45.", *history[1].ToolCall.Result)
	assert.Equal(t, recoveryText, history[2].Text)

	assert.Equal(t, "short_circuited", h.audit.last(t).Status)
}

type blockingAuditor struct {
	fakeAuditor
	release chan struct{}
	once    sync.Once
}

func (a *blockingAuditor) Record(ctx context.Context, e *store.AuditEntry) {
	<-a.release
	a.fakeAuditor.Record(ctx, e)
}

func (a *blockingAuditor) unblock() { a.once.Do(func() { close(a.release) }) }

func (a *blockingAuditor) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

func TestSlowAuditDoesNotHoldStreamOrLane(t *testing.T) {
	auditor := &blockingAuditor{release: make(chan struct{})}
	h := newHarness(t, []provider.Response{{Text: "first"}, {Text: "second"}},
		func(c *turn.Config) { c.Audit = auditor })
	t.Cleanup(auditor.unblock)

	done := make(chan []turn.Event, 1)
	go func() {
		events, err := h.orch.Run(context.Background(), validated("t-1", "one"))
		assert.NoError(t, err)
		events2, err := h.orch.Run(context.Background(), validated("t-1", "two"))
		assert.NoError(t, err)
		done <- append(events, events2...)
	}()

	select {
	case events := <-done:
		assert.Equal(t, turn.ObjectRunCompleted, events[len(events)-1].Object)
	case <-time.After(2 * time.Second):
		t.Fatal("event stream stayed open while the audit sink was busy")
	}
	assert.Zero(t, auditor.count())
	assert.Len(t, h.history(t, "t-1"), 4, "the next turn on the thread was not held back")

	auditor.unblock()
	assert.Eventually(t, func() bool { return auditor.count() == 2 }, time.Second, 10*time.Millisecond)
}

func TestQueuedTurnCancelledEmitsFailed(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.Block = true

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	first, err := h.orch.Submit(firstCtx, validated("t-1", "hello"))
	require.NoError(t, err)
	require.Equal(t, turn.ObjectRunInProgress, (<-first).Object)

	ctx, cancel := context.WithCancel(context.Background())
	second, err := h.orch.Submit(ctx, validated("t-1", "are you there?"))
	require.NoError(t, err)
	cancel()

	var events []turn.Event
	timeout := time.After(2 * time.Second)
	for collecting := true; collecting; {
		select {
		case ev, ok := <-second:
			if !ok {
				collecting = false
				continue
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("queued turn did not end after cancellation")
		}
	}

	require.Equal(t, []turn.EventObject{turn.ObjectRunFailed}, objects(events))
	run := events[0].Run()
	assert.Equal(t, turn.RunStatusFailed, run.Status)
	assert.Equal(t, "t-1", run.ThreadID)
	require.NotNil(t, run.Error)
	assert.Equal(t, string(skyerr.CodeTurnCancelled), run.Error.Code)

	cancelFirst()
	for range first {
	}
	assert.Empty(t, h.history(t, "t-1"))
	assert.Eventually(t, func() bool {
		h.audit.mu.Lock()
		defer h.audit.mu.Unlock()
		return len(h.audit.entries) == 2
	}, time.Second, 10*time.Millisecond)
}
