// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package telemetry_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyguard-dev/skyguard/internal/telemetry"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := telemetry.Setup("skyguard", "dev", false)
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupEnabledShutsDown(t *testing.T) {
	shutdown, err := telemetry.Setup("skyguard-test", "0.0.1", true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, shutdown(ctx))
}

func TestTracerCreatesSpans(t *testing.T) {
	_, span := telemetry.Tracer("skyguard/test").Start(context.Background(), "unit")
	defer span.End()
	assert.NotNil(t, span)
}

func TestRecordersDoNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		telemetry.RecordTurn(context.Background(), "completed")
		telemetry.RecordVerdict(context.Background(), "final", "pass")
	})
}

func TestMiddlewarePassesStatusAndFlush(t *testing.T) {
	r := chi.NewRouter()
	r.Use(telemetry.Middleware())
	r.Get("/api/threads/{threadId}/messages", func(w http.ResponseWriter, _ *http.Request) {
		_, ok := w.(http.Flusher)
		assert.True(t, ok)
		w.WriteHeader(http.StatusTeapot)
	})
	r.Get("/boom", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/threads/t1/messages", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
