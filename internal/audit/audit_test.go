// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyguard-dev/skyguard/internal/audit"
	"github.com/skyguard-dev/skyguard/internal/store"
	"github.com/skyguard-dev/skyguard/internal/store/memory"
)

type fakePublisher struct {
	mu      sync.Mutex
	err     error
	entries []*store.AuditEntry
	closed  bool
}

func (p *fakePublisher) Name() string { return "fake" }

func (p *fakePublisher) Publish(_ context.Context, e *store.AuditEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.entries = append(p.entries, e)
	return nil
}

func (p *fakePublisher) Close() error {
	p.closed = true
	return nil
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func entry(status string) *store.AuditEntry {
	return &store.AuditEntry{
		ID:        "a-1",
		Timestamp: time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC),
		TurnID:    "run_1",
		ThreadID:  "t-1",
		Status:    status,
		ToolCalls: 2,
	}
}

func TestRecorderWritesEverySink(t *testing.T) {
	st := memory.NewAuditStore()
	pub := &fakePublisher{}
	r := audit.NewRecorder(audit.Config{Store: st, Publishers: []audit.Publisher{pub}})

	r.Record(context.Background(), entry("completed"))

	got, err := st.QueryAudit(context.Background(), store.AuditFilter{ThreadID: "t-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "run_1", got[0].TurnID)
	assert.Len(t, pub.entries, 1)

	require.NoError(t, r.Close())
	assert.True(t, pub.closed)
}

func TestRecorderEscalatesRepeatedFailures(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	failing := &fakePublisher{err: errors.New("broker down")}
	healthy := &fakePublisher{}
	r := audit.NewRecorder(audit.Config{Publishers: []audit.Publisher{failing, healthy}, Logger: logger})

	for range audit.EscalationThreshold {
		r.Record(context.Background(), entry("failed"))
	}
	assert.Len(t, healthy.entries, audit.EscalationThreshold, "one failing sink does not stop the others")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, audit.EscalationThreshold)
	levels := make([]string, 0, len(lines))
	for _, l := range lines {
		var rec map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &rec))
		levels = append(levels, rec["level"].(string))
	}
	assert.Equal(t, []string{"WARN", "WARN", "ERROR"}, levels)

	buf.Reset()
	failing.err = nil
	r.Record(context.Background(), entry("completed"))
	assert.Empty(t, buf.String(), "a success resets the count")
}

func TestKafkaPublisherKeysByThread(t *testing.T) {
	w := &fakeWriter{}
	p := audit.NewKafkaPublisherWithWriter(w, "skyguard.audit")
	assert.Equal(t, "kafka:skyguard.audit", p.Name())

	require.NoError(t, p.Publish(context.Background(), entry("short_circuited")))
	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "t-1", string(msg.Key))
	assert.Equal(t, []kafka.Header{{Key: "turn_status", Value: []byte("short_circuited")}}, msg.Headers)

	var decoded store.AuditEntry
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, "run_1", decoded.TurnID)
	assert.Equal(t, 2, decoded.ToolCalls)

	w.err = errors.New("leader not available")
	assert.Error(t, p.Publish(context.Background(), entry("completed")))
}

func TestNewKafkaPublisherValidates(t *testing.T) {
	_, err := audit.NewKafkaPublisher("", "topic")
	assert.Error(t, err)
	_, err = audit.NewKafkaPublisher("localhost:9092", "")
	assert.Error(t, err)
}
