// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/ManuGH/snipey/internal/metrics"
)

// BackendKafka names the kafka topic publisher.
const BackendKafka = "kafka"

// Message headers carried next to the JSON task payload.
const (
	HeaderTaskType  = "snipey-task-type"
	HeaderTriggerAt = "snipey-trigger-at-ms"
)

// KafkaConfig selects brokers and topic.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// MessageWriter is the subset of *kafka.Writer the queue needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriter builds a synchronous writer keyed by task id.
func NewKafkaWriter(cfg KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		MaxAttempts:            5,
		ReadTimeout:            10 * time.Second,
		WriteTimeout:           10 * time.Second,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}
}

// KafkaQueue publishes tasks immediately; the consuming worker holds each
// one until the trigger instant carried in HeaderTriggerAt.
type KafkaQueue struct {
	writer MessageWriter
	now    func() time.Time
}

// NewKafkaQueue wraps w.
func NewKafkaQueue(w MessageWriter) *KafkaQueue {
	return &KafkaQueue{writer: w, now: time.Now}
}

// Submit publishes t.
func (q *KafkaQueue) Submit(ctx context.Context, t Task) (Handle, error) {
	t, err := prepare(t)
	if err != nil {
		return "", err
	}
	payload, err := encode(t)
	if err != nil {
		return "", err
	}
	due := t.DueAt(q.now())

	msg := kafka.Message{
		Key:   []byte(t.ID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: HeaderTaskType, Value: []byte(t.Type)},
			{Key: HeaderTriggerAt, Value: []byte(strconv.FormatInt(due.UnixMilli(), 10))},
		},
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		metrics.IncDispatch(BackendKafka, "unavailable")
		return "", unavailable(BackendKafka, fmt.Errorf("failed to write message: %w", err))
	}
	metrics.IncDispatch(BackendKafka, "submitted")
	return newHandle(BackendKafka, t.ID), nil
}

// Close flushes and closes the writer.
func (q *KafkaQueue) Close() error {
	return q.writer.Close()
}
