// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package turn_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skyguard-dev/skyguard/internal/turn"
)

func TestThreadIDFromContext(t *testing.T) {
	_, ok := turn.ThreadIDFromContext(context.Background())
	assert.False(t, ok)

	_, ok = turn.ThreadIDFromContext(turn.WithThreadID(context.Background(), ""))
	assert.False(t, ok)

	id, ok := turn.ThreadIDFromContext(turn.WithThreadID(context.Background(), "t-1"))
	assert.True(t, ok)
	assert.Equal(t, "t-1", id)
}
