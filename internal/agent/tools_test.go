// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyguard-dev/skyguard/internal/agent"
	"github.com/skyguard-dev/skyguard/internal/provider"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

func echoTool(name string) agent.ToolFunc {
	return agent.ToolFunc{
		Def: provider.ToolDefinition{Name: name},
		Fn: func(_ context.Context, args json.RawMessage) (string, error) {
			return string(args), nil
		},
	}
}

func slowTool(name string, d time.Duration) agent.ToolFunc {
	return agent.ToolFunc{
		Def: provider.ToolDefinition{Name: name},
		Fn: func(ctx context.Context, _ json.RawMessage) (string, error) {
			select {
			case <-time.After(d):
				return "done", nil
			case <-ctx.Done():
				return "", ctx.Err()
			}
		},
	}
}

func newDispatcher(t *testing.T, timeout time.Duration, tools ...agent.Tool) *agent.ToolDispatcher {
	t.Helper()
	reg := agent.NewToolRegistry()
	require.NoError(t, reg.Register(tools...))
	return agent.NewToolDispatcher(reg, timeout, nil)
}

func TestToolDispatcher_KnownTool(t *testing.T) {
	d := newDispatcher(t, 0, echoTool("search"))

	out, err := d.Execute(context.Background(), provider.ToolCall{ID: "c1", Name: "search", Arguments: `{"query":"bags"}`})
	require.NoError(t, err)
	assert.Equal(t, `{"query":"bags"}`, out)
}

func TestToolDispatcher_EmptyArgumentsBecomeObject(t *testing.T) {
	d := newDispatcher(t, 0, echoTool("get_current_date"))

	out, err := d.Execute(context.Background(), provider.ToolCall{Name: "get_current_date"})
	require.NoError(t, err)
	assert.Equal(t, "{}", out)
}

func TestToolDispatcher_UnknownTool(t *testing.T) {
	d := newDispatcher(t, 0, echoTool("search"))

	_, err := d.Execute(context.Background(), provider.ToolCall{Name: "cancel_booking"})
	require.Error(t, err)
	assert.True(t, skyerr.HasCode(err, skyerr.CodeAgentToolNotFound))
	assert.Equal(t, "cancel_booking", skyerr.FieldsOf(err)["tool_name"])
}

func TestToolDispatcher_InvalidJSON(t *testing.T) {
	d := newDispatcher(t, 0, echoTool("search"))

	_, err := d.Execute(context.Background(), provider.ToolCall{Name: "search", Arguments: `{"query":`})
	require.Error(t, err)
	assert.True(t, skyerr.HasCode(err, skyerr.CodeAgentToolInvalidArgs))
	assert.True(t, skyerr.IsInvalidInput(err))
}

func TestToolDispatcher_Timeout(t *testing.T) {
	d := newDispatcher(t, 20*time.Millisecond, slowTool("book_flights", time.Second))

	_, err := d.Execute(context.Background(), provider.ToolCall{Name: "book_flights", Arguments: `{}`})
	require.Error(t, err)
	assert.True(t, skyerr.HasCode(err, skyerr.CodeAgentToolTimeout))
}

func TestToolDispatcher_CancellationIsNotTimeout(t *testing.T) {
	d := newDispatcher(t, time.Second, slowTool("book_flights", 5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := d.Execute(ctx, provider.ToolCall{Name: "book_flights", Arguments: `{}`})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, skyerr.HasCode(err, skyerr.CodeAgentToolTimeout))
}

func TestToolDispatcher_ToolErrorPassesThrough(t *testing.T) {
	boom := errors.New("fare not found")
	d := newDispatcher(t, 0, agent.ToolFunc{
		Def: provider.ToolDefinition{Name: "get_fare_details"},
		Fn: func(context.Context, json.RawMessage) (string, error) {
			return "", boom
		},
	})

	_, err := d.Execute(context.Background(), provider.ToolCall{Name: "get_fare_details", Arguments: `{"fare_id":"x"}`})
	assert.ErrorIs(t, err, boom)
}

func TestToolRegistry_DefinitionsKeepOrder(t *testing.T) {
	reg := agent.NewToolRegistry()
	require.NoError(t, reg.Register(echoTool("search"), echoTool("get_article"), echoTool("list_directory")))

	names := make([]string, 0, 3)
	for _, def := range reg.Definitions() {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{"search", "get_article", "list_directory"}, names)

	_, ok := reg.Get("get_article")
	assert.True(t, ok)
	_, ok = reg.Get("nope")
	assert.False(t, ok)
}

func TestToolRegistry_RejectsEmptyName(t *testing.T) {
	reg := agent.NewToolRegistry()
	err := reg.Register(echoTool(""))
	assert.True(t, skyerr.IsInvalidInput(err))
}
