// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package store

import (
	"errors"

	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// Sentinel errors for store operations.
// These errors can be checked using errors.Is() for classification.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates the request contradicts stored state, such as a
	// validation flag that differs from the one a thread was created with.
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates the input parameters are invalid or malformed.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDatabase indicates a general database error occurred.
	ErrDatabase = errors.New("database error")
)

// FlagMismatch is the error returned by EnsureThread when a thread already
// exists with a different validation flag.
func FlagMismatch(threadID string, existing, requested bool) error {
	return skyerr.Wrap(ErrConflict, skyerr.CodeStoreThreadFlagMismatch,
		"validation_enabled cannot change after the first turn",
		skyerr.FieldThreadID(threadID),
		skyerr.Field("existing", existing),
		skyerr.Field("requested", requested),
	)
}

// ThreadNotFound wraps ErrNotFound for a missing thread.
func ThreadNotFound(threadID string) error {
	return skyerr.Wrap(ErrNotFound, skyerr.CodeStoreThreadNotFound, "thread not found",
		skyerr.FieldThreadID(threadID))
}

// ValidateTrace checks the shape of a turn before it is committed: one user
// message first, one assistant message last, and every tool message
// carrying a result.
func ValidateTrace(threadID string, trace TurnTrace) error {
	invalid := func(msg string) error {
		return skyerr.Wrap(ErrInvalidInput, skyerr.CodeStoreTurnCommitInvalid, msg,
			skyerr.FieldThreadID(threadID), skyerr.FieldTurnID(trace.TurnID))
	}
	if trace.User == nil || trace.User.Role != MessageRoleUser {
		return invalid("turn must start with a user message")
	}
	if trace.Assistant == nil || trace.Assistant.Role != MessageRoleAssistant {
		return invalid("turn must end with an assistant message")
	}
	for _, m := range trace.ToolCalls {
		if m == nil || m.Role != MessageRoleTool || m.ToolCall == nil {
			return invalid("turn trace contains a non-tool message in the tool section")
		}
		if m.ToolCall.Result == nil {
			return invalid("tool call " + m.ToolCall.ToolCallID + " has no result")
		}
	}
	return nil
}

func joinErrors(errs []error) error {
	return skyerr.Join(errs...)
}
