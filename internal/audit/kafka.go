// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Skyguard Contributors

package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/skyguard-dev/skyguard/internal/store"
	skyerr "github.com/skyguard-dev/skyguard/pkg/errors"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes one message per turn, keyed by thread id so a
// thread's records stay in one partition.
type KafkaPublisher struct {
	w     MessageWriter
	topic string
}

// NewKafkaPublisher creates a synchronous writer for brokers, a comma
// separated host:port list.
func NewKafkaPublisher(brokers, topic string) (*KafkaPublisher, error) {
	if strings.TrimSpace(brokers) == "" || topic == "" {
		return nil, skyerr.New(skyerr.CodeConfigValidateInvalidValue, "kafka audit sink needs brokers and a topic")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(strings.Split(brokers, ",")...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
	return NewKafkaPublisherWithWriter(w, topic), nil
}

// NewKafkaPublisherWithWriter wraps an existing writer.
func NewKafkaPublisherWithWriter(w MessageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: w, topic: topic}
}

func (p *KafkaPublisher) Name() string { return "kafka:" + p.topic }

func (p *KafkaPublisher) Publish(ctx context.Context, entry *store.AuditEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return skyerr.Wrap(err, skyerr.CodeAuditPublishFailure, "encoding audit entry")
	}
	msg := kafka.Message{
		Key:     []byte(entry.ThreadID),
		Value:   value,
		Headers: []kafka.Header{{Key: "turn_status", Value: []byte(entry.Status)}},
		Time:    entry.Timestamp,
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return skyerr.Wrapf(err, skyerr.CodeAuditPublishFailure, "writing to topic %s", p.topic)
	}
	return nil
}

func (p *KafkaPublisher) Close() error { return p.w.Close() }
