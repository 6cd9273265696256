// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package turn

import "context"

type threadIDKey struct{}

// WithThreadID returns a context carrying the thread a turn runs on.
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadIDKey{}, threadID)
}

// ThreadIDFromContext returns the thread of the running turn. Tools use it
// to keep state per conversation.
func ThreadIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(threadIDKey{}).(string)
	return id, ok && id != ""
}
