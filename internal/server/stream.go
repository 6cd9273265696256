// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/skyguard-dev/skyguard/internal/turn"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

const streamPath = "/api/agent/stream"

// TurnSubmitter starts turns. *turn.Orchestrator implements it.
type TurnSubmitter interface {
	Submit(ctx context.Context, req turn.Request) (<-chan turn.Event, error)
}

// StreamRequest is the body of the stream endpoint. threadId is accepted
// as an alias of thread_id.
type StreamRequest struct {
	ThreadID      string `json:"thread_id"`
	ThreadIDAlias string `json:"threadId,omitempty"`
	Content       string `json:"content"`
}

func (r StreamRequest) threadID() string {
	if r.ThreadID != "" {
		return r.ThreadID
	}
	return r.ThreadIDAlias
}

// RegisterTurns wires the turn pipeline into the stream endpoint.
func (s *Server) RegisterTurns(t TurnSubmitter) {
	s.turns = t
}

func (s *Server) registerStreamRoute() {
	s.router.Post(streamPath, s.handleStream)

	// The handler needs the raw ResponseWriter, so it is routed through chi
	// and only documented here.
	minLen := 1
	boolParam := func(name, doc string) *huma.Param {
		return &huma.Param{Name: name, In: "query", Description: doc, Schema: &huma.Schema{Type: "boolean"}}
	}
	s.api.OpenAPI().AddOperation(&huma.Operation{
		OperationID: "agent-stream",
		Method:      http.MethodPost,
		Path:        streamPath,
		Summary:     "Run one turn and stream its events",
		Description: "Events are thread.run.in_progress, thread.message, then thread.run.completed or thread.run.failed. " +
			"Send Accept: application/json to receive the collected events as one JSON document instead.",
		Tags: []string{"agent"},
		Parameters: []*huma.Param{
			boolParam("validation_enabled", "Validate this thread's turns. Fixed by the first turn of a thread. Default true."),
			boolParam("cleanlab_enabled", "Alias of validation_enabled."),
			boolParam("stream_intermediate_messages", "Emit assistant text produced alongside tool calls."),
			boolParam("include_history", "Attach the committed history to the completed run."),
		},
		RequestBody: &huma.RequestBody{
			Required: true,
			Content: map[string]*huma.MediaType{
				"application/json": {
					Schema: &huma.Schema{
						Type:     "object",
						Required: []string{"thread_id", "content"},
						Properties: map[string]*huma.Schema{
							"thread_id": {Type: "string", MinLength: &minLen, Description: "Conversation thread"},
							"content":   {Type: "string", MinLength: &minLen, Description: "User message"},
						},
					},
				},
			},
		},
		Responses: map[string]*huma.Response{
			"200": {
				Description: "Turn events",
				Content: map[string]*huma.MediaType{
					"text/event-stream": {Schema: &huma.Schema{Type: "string"}},
					"application/json": {Schema: &huma.Schema{
						Type:       "object",
						Properties: map[string]*huma.Schema{"events": {Type: "array", Items: &huma.Schema{Type: "object"}}},
					}},
				},
			},
			"400": {Description: "Invalid request, empty content or a validation flag that differs from the thread's"},
			"429": {Description: "Too many turns from this client"},
			"503": {Description: "Turn pipeline not configured"},
		},
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.turns == nil {
		writeProblem(w, http.StatusServiceUnavailable, "turn pipeline not configured")
		return
	}

	req, err := parseStreamRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}

	release, ok := s.limiter.acquire(clientKey(r))
	if !ok {
		s.logger.Warn("rate limit exceeded", "client", clientKey(r), "thread_id", req.ThreadID)
		w.Header().Set("Retry-After", "1")
		writeProblem(w, http.StatusTooManyRequests, "too many turns, retry shortly")
		return
	}
	defer release()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := s.turns.Submit(ctx, req)
	if err != nil {
		writeError(w, err)
		return
	}

	if wantsJSON(r) {
		s.writeCollected(w, events)
		return
	}

	sw := newSSEWriter(w)
	for ev := range events {
		if err := sw.Write(ev); err != nil {
			s.logger.Debug("stream client gone", "thread_id", req.ThreadID, "error", err)
			cancel()
			for range events {
			}
			return
		}
	}
}

func (s *Server) writeCollected(w http.ResponseWriter, events <-chan turn.Event) {
	collected := make([]turn.Event, 0, 4)
	for ev := range events {
		collected = append(collected, ev)
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(struct {
		Events []turn.Event `json:"events"`
	}{collected}); err != nil {
		s.logger.Debug("writing collected events", "error", err)
	}
}

func parseStreamRequest(r *http.Request) (turn.Request, error) {
	var body StreamRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return turn.Request{}, skyerr.Wrap(err, skyerr.CodeServerRequestInvalid, "invalid request body")
	}

	q := r.URL.Query()
	validation, err := queryBool(q.Get("validation_enabled"), q.Get("cleanlab_enabled"), true)
	if err != nil {
		return turn.Request{}, err
	}
	intermediate, err := queryBool(q.Get("stream_intermediate_messages"), "", false)
	if err != nil {
		return turn.Request{}, err
	}
	history, err := queryBool(q.Get("include_history"), "", false)
	if err != nil {
		return turn.Request{}, err
	}

	return turn.Request{
		ThreadID:           body.threadID(),
		Content:            body.Content,
		ValidationEnabled:  validation,
		StreamIntermediate: intermediate,
		IncludeHistory:     history,
	}, nil
}

// queryBool parses the first non-empty of value and alias.
func queryBool(value, alias string, def bool) (bool, error) {
	if value == "" {
		value = alias
	}
	if value == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, skyerr.Errorf(skyerr.CodeServerRequestInvalid, "invalid boolean query value %q", value)
	}
	return b, nil
}

// wantsJSON reports whether the client asked for JSON and not SSE.
func wantsJSON(r *http.Request) bool {
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/event-stream")
}
