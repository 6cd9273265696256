// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/skyguard-dev/skyguard/internal/guardrail"
	"github.com/skyguard-dev/skyguard/internal/provider"
	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// ThreadReader is the part of the conversation store the read routes use.
type ThreadReader interface {
	GetThread(ctx context.Context, threadID string) (*store.Thread, error)
	Read(ctx context.Context, threadID string) ([]*store.Message, error)
}

// ToolLister lists the tools the agent is given.
type ToolLister interface {
	Tools() []provider.ToolDefinition
}

// Services holds the dependencies of the read-only routes.
type Services struct {
	Threads ThreadReader
	Tools   ToolLister
}

// RegisterServices sets the route dependencies and registers the routes.
func (s *Server) RegisterServices(svc *Services) error {
	if svc == nil || svc.Threads == nil || svc.Tools == nil {
		return skyerr.New(skyerr.CodeServerConfigInvalid, "thread reader and tool lister are required")
	}
	s.services = svc

	huma.Register(s.api, huma.Operation{
		OperationID: "list-thread-messages",
		Method:      http.MethodGet,
		Path:        "/api/threads/{threadId}/messages",
		Summary:     "Committed history of a thread",
		Tags:        []string{"threads"},
	}, s.handleThreadMessages)

	huma.Register(s.api, huma.Operation{
		OperationID: "list-tools",
		Method:      http.MethodGet,
		Path:        "/api/tools",
		Summary:     "Tools available to the agent, in OpenAI function format",
		Tags:        []string{"agent"},
	}, s.handleListTools)
	return nil
}

type threadMessagesInput struct {
	ThreadID string `path:"threadId" minLength:"1"`
}

type threadMessagesOutput struct {
	Body struct {
		ThreadID          string           `json:"thread_id"`
		ValidationEnabled bool             `json:"validation_enabled"`
		CreatedAt         time.Time        `json:"created_at"`
		Messages          []*store.Message `json:"messages"`
	}
}

type listToolsOutput struct {
	Body struct {
		Tools []guardrail.ToolSchema `json:"tools"`
	}
}

func (s *Server) handleThreadMessages(ctx context.Context, in *threadMessagesInput) (*threadMessagesOutput, error) {
	thread, err := s.services.Threads.GetThread(ctx, in.ThreadID)
	if err != nil {
		return nil, apiError(err, "reading thread "+in.ThreadID)
	}
	msgs, err := s.services.Threads.Read(ctx, in.ThreadID)
	if err != nil {
		return nil, apiError(err, "reading history of "+in.ThreadID)
	}
	if msgs == nil {
		msgs = []*store.Message{}
	}

	out := &threadMessagesOutput{}
	out.Body.ThreadID = thread.ID
	out.Body.ValidationEnabled = thread.ValidationEnabled
	out.Body.CreatedAt = thread.CreatedAt
	out.Body.Messages = msgs
	return out, nil
}

func (s *Server) handleListTools(_ context.Context, _ *struct{}) (*listToolsOutput, error) {
	out := &listToolsOutput{}
	out.Body.Tools = guardrail.OpenAITools(s.services.Tools.Tools())
	return out, nil
}

// apiError maps err onto a huma status error.
func apiError(err error, msg string) error {
	status := skyerr.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		return huma.Error500InternalServerError(msg, err)
	}
	return huma.NewError(status, err.Error())
}
