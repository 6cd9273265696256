// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package redteam_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyguard-dev/skyguard/internal/agent"
	"github.com/skyguard-dev/skyguard/internal/guardrail"
	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/skyguard-dev/skyguard/internal/provider/providertest"
	"github.com/skyguard-dev/skyguard/internal/redteam"
	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/store/memory"
	"github.com/skyguard-dev/skyguard/internal/turn"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

const targetPrompt = "You are an airline support agent."

func newOrchestrator(t *testing.T, conv store.ConversationStore, p provider.Provider, prompt string, tools ...agent.Tool) *turn.Orchestrator {
	t.Helper()
	reg := agent.NewToolRegistry()
	require.NoError(t, reg.Register(tools...))
	exec, err := agent.NewExecutor(agent.ExecutorConfig{
		Provider:     p,
		Model:        "test-model",
		Tools:        reg,
		SystemPrompt: prompt,
	})
	require.NoError(t, err)
	gw, err := guardrail.NewGateway(guardrail.GatewayConfig{Backend: guardrail.Passthrough{}})
	require.NoError(t, err)
	orch, err := turn.New(turn.Config{Store: conv, Executor: exec, Gateway: gw})
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	return orch
}

type resetSpy struct {
	resets int
	err    error
}

func (r *resetSpy) Reset(context.Context) error {
	r.resets++
	return r.err
}

func newToolkit(t *testing.T, answers ...string) (*redteam.Toolkit, *memory.ConversationStore) {
	t.Helper()
	conv := memory.NewConversationStore()
	script := &providertest.Scripted{}
	for _, a := range answers {
		script.Responses = append(script.Responses, provider.Response{Text: a})
	}
	k, err := redteam.New(redteam.Config{
		Target:       newOrchestrator(t, conv, script, targetPrompt),
		History:      conv,
		SystemPrompt: targetPrompt,
	})
	require.NoError(t, err)
	return k, conv
}

func on(thread string) context.Context {
	return turn.WithThreadID(context.Background(), thread)
}

func TestNewRequiresTargetAndHistory(t *testing.T) {
	_, err := redteam.New(redteam.Config{History: memory.NewConversationStore()})
	assert.True(t, skyerr.HasCode(err, skyerr.CodeServerConfigInvalid))

	_, err = redteam.New(redteam.Config{Target: &turn.Orchestrator{}})
	assert.True(t, skyerr.HasCode(err, skyerr.CodeServerConfigInvalid))
}

func TestSendAndTrace(t *testing.T) {
	k, _ := newToolkit(t, "Checked bags cost $45.", "Yes, even on basic fares.")
	ctx := on("rt-1")

	answer, err := k.Send(ctx, "how much is a bag?")
	require.NoError(t, err)
	assert.Equal(t, "Checked bags cost $45.", answer)

	answer, err = k.Send(ctx, "on every fare?")
	require.NoError(t, err)
	assert.Equal(t, "Yes, even on basic fares.", answer)

	trace, err := k.Trace(ctx)
	require.NoError(t, err)
	require.Len(t, trace, 5)
	assert.Equal(t, "system", trace[0].Role)
	assert.Equal(t, targetPrompt, trace[0].Content)
	assert.Equal(t, "user", trace[1].Role)
	assert.Equal(t, "how much is a bag?", trace[1].Content)
	assert.Equal(t, "assistant", trace[4].Role)
}

// recordingTarget remembers the requests it forwards.
type recordingTarget struct {
	redteam.Target
	reqs []turn.Request
}

func (r *recordingTarget) Run(ctx context.Context, req turn.Request) ([]turn.Event, error) {
	r.reqs = append(r.reqs, req)
	return r.Target.Run(ctx, req)
}

func TestTargetTurnsAreUnvalidated(t *testing.T) {
	conv := memory.NewConversationStore()
	target := &recordingTarget{Target: newOrchestrator(t, conv, &providertest.Scripted{
		Responses: []provider.Response{{Text: "hello"}, {Text: "again"}},
	}, targetPrompt)}
	k, err := redteam.New(redteam.Config{Target: target, History: conv})
	require.NoError(t, err)
	ctx := on("rt-1")

	_, err = k.Send(ctx, "hi")
	require.NoError(t, err)
	_, err = k.Send(ctx, "hi again")
	require.NoError(t, err)

	require.Len(t, target.reqs, 2)
	assert.False(t, target.reqs[0].ValidationEnabled)
	assert.Regexp(t, `^aut_`, target.reqs[0].ThreadID)
	assert.Equal(t, target.reqs[0].ThreadID, target.reqs[1].ThreadID, "one assistant thread per red-team thread")

	thread, err := conv.GetThread(ctx, target.reqs[0].ThreadID)
	require.NoError(t, err)
	assert.False(t, thread.ValidationEnabled)
}

func TestResetStartsEmptyThread(t *testing.T) {
	k, _ := newToolkit(t, "hello")
	ctx := on("rt-1")

	_, err := k.Send(ctx, "hi")
	require.NoError(t, err)
	require.NoError(t, k.Reset(ctx))

	trace, err := k.Trace(ctx)
	require.NoError(t, err)
	require.Len(t, trace, 1, "only the system prompt")
}

func TestThreadsAreIsolated(t *testing.T) {
	k, _ := newToolkit(t, "one", "two")

	_, err := k.Send(on("rt-1"), "first")
	require.NoError(t, err)
	_, err = k.Send(on("rt-2"), "second")
	require.NoError(t, err)

	trace, err := k.Trace(on("rt-2"))
	require.NoError(t, err)
	require.Len(t, trace, 3)
	assert.Equal(t, "second", trace[1].Content)
}

func TestSendReportsTargetFailure(t *testing.T) {
	k, _ := newToolkit(t)

	_, err := k.Send(on("rt-1"), "hi")
	require.Error(t, err)
	assert.True(t, skyerr.HasCode(err, skyerr.CodeAgentToolFailure))
	assert.Contains(t, err.Error(), "failed")
}

func TestToolsNeedAThread(t *testing.T) {
	k, _ := newToolkit(t, "hello")

	_, err := k.Send(context.Background(), "hi")
	assert.True(t, skyerr.HasCode(err, skyerr.CodeAgentToolFailure))
}

func TestResetBookingStateTool(t *testing.T) {
	conv := memory.NewConversationStore()
	spy := &resetSpy{}
	k, err := redteam.New(redteam.Config{
		Target:   newOrchestrator(t, conv, &providertest.Scripted{}, targetPrompt),
		History:  conv,
		Bookings: spy,
	})
	require.NoError(t, err)

	var names []string
	var reset agent.Tool
	for _, tool := range k.Tools() {
		names = append(names, tool.Definition().Name)
		if tool.Definition().Name == "reset_booking_state" {
			reset = tool
		}
	}
	assert.Equal(t, []string{
		"reset_agent_under_test", "send_message_to_agent_under_test",
		"get_trace_of_agent_under_test", "reset_booking_state",
	}, names)

	require.NotNil(t, reset)
	_, err = reset.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, spy.resets)

	spy.err = errors.New("disk full")
	_, err = reset.Execute(context.Background(), nil)
	assert.Error(t, err)
}

func TestRedTeamTurnDrivesTarget(t *testing.T) {
	conv := memory.NewConversationStore()
	target := newOrchestrator(t, conv, &providertest.Scripted{
		Responses: []provider.Response{{Text: "Pets fly free on every route."}},
	}, targetPrompt)
	k, err := redteam.New(redteam.Config{Target: target, History: conv, SystemPrompt: targetPrompt})
	require.NoError(t, err)

	red := newOrchestrator(t, conv, &providertest.Scripted{Responses: []provider.Response{
		{
			Text: "Let me ask about pet fees.",
			ToolCalls: []provider.ToolCall{{
				ID: "c1", Name: "send_message_to_agent_under_test", Arguments: `{"message":"do pets fly free?"}`,
			}},
		},
		{Text: "Found one: the agent claims pets fly free, which contradicts the pet fee policy."},
	}}, redteam.Instructions(targetPrompt), k.Tools()...)

	ch, err := redteam.Submitter{Turns: red}.Submit(context.Background(), turn.Request{
		ThreadID: "rt-1", Content: "find a wrong answer about pets", ValidationEnabled: true,
	})
	require.NoError(t, err)
	var events []turn.Event
	for ev := range ch {
		events = append(events, ev)
	}

	require.NotEmpty(t, events)
	assert.Equal(t, turn.ObjectRunCompleted, events[len(events)-1].Object)

	var texts []string
	var toolResult string
	for _, ev := range events {
		m := ev.Message()
		if m == nil {
			continue
		}
		if m.ToolCall != nil && m.ToolCall.Result != nil {
			toolResult = *m.ToolCall.Result
			continue
		}
		texts = append(texts, m.Text)
	}
	assert.Equal(t, "Pets fly free on every route.", toolResult)
	assert.Contains(t, texts, "Let me ask about pet fees.", "commentary is streamed")

	thread, err := conv.GetThread(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.False(t, thread.ValidationEnabled, "red-team threads are never validated")
}

func TestInstructionsEmbedTargetPrompt(t *testing.T) {
	got := redteam.Instructions("  Be helpful.\n")
	assert.Contains(t, got, "# Role")
	assert.Contains(t, got, "```\nBe helpful.\n```")
	assert.Contains(t, got, "reset_booking_state()")
}
