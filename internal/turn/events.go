// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package turn

import (
	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// EventObject names an event. It doubles as the SSE event line.
type EventObject string

const (
	ObjectRunInProgress EventObject = "thread.run.in_progress"
	ObjectMessage       EventObject = "thread.message"
	ObjectRunCompleted  EventObject = "thread.run.completed"
	ObjectRunFailed     EventObject = "thread.run.failed"
)

// RunStatus is the client-visible status of a turn.
type RunStatus string

const (
	RunStatusInProgress RunStatus = "in_progress"
	RunStatusCompleted  RunStatus = "completed"
	RunStatusFailed     RunStatus = "failed"
)

// RunError describes why a turn failed.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Run is the descriptor carried by the in_progress, completed and failed
// events. MessageHistory is only set on completion.
type Run struct {
	ID             string           `json:"id"`
	Status         RunStatus        `json:"status"`
	ThreadID       string           `json:"thread_id"`
	Error          *RunError        `json:"error,omitempty"`
	MessageHistory []*store.Message `json:"message_history,omitempty"`
}

// Event is one item of a turn's stream. Data is a *Run or a *store.Message.
type Event struct {
	ID     string      `json:"id"`
	Object EventObject `json:"object"`
	Data   any         `json:"data"`
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Object == ObjectRunCompleted || e.Object == ObjectRunFailed
}

// Message returns the message payload, or nil for run events.
func (e Event) Message() *store.Message {
	m, _ := e.Data.(*store.Message)
	return m
}

// Run returns the run payload, or nil for message events.
func (e Event) Run() *Run {
	r, _ := e.Data.(*Run)
	return r
}

func runEvent(runID, threadID string, status RunStatus) Event {
	obj := ObjectRunInProgress
	switch status {
	case RunStatusCompleted:
		obj = ObjectRunCompleted
	case RunStatusFailed:
		obj = ObjectRunFailed
	}
	return Event{ID: runID, Object: obj, Data: &Run{ID: runID, Status: status, ThreadID: threadID}}
}

func messageEvent(runID string, m *store.Message) Event {
	return Event{ID: runID, Object: ObjectMessage, Data: m}
}

func failedEvent(runID, threadID string, err error) Event {
	ev := runEvent(runID, threadID, RunStatusFailed)
	code := string(skyerr.CodeOf(err))
	if code == "" {
		code = string(skyerr.CodeServerInternalFailure)
	}
	ev.Run().Error = &RunError{Code: code, Message: err.Error()}
	return ev
}
