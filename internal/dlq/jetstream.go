package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	natsx "github.com/chainsight-systems/chainsight-pipeline/internal/messaging/nats"
	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
)

// JetStreamQueue writes failed events to a NATS JetStream stream for
// centralized dead-lettering. Safe for use across multiple pipeline
// instances.
type JetStreamQueue struct {
	js            *natsx.JetStreamClient
	stream        jetstream.Stream
	subjectPrefix string
	written       uint64
}

// NewJetStreamQueue creates a DLQ backed by NATS JetStream.
func NewJetStreamQueue(ctx context.Context, js *natsx.JetStreamClient, streamName, subjectPrefix string) (*JetStreamQueue, error) {
	if js == nil {
		return nil, fmt.Errorf("jetstream client is nil")
	}

	stream, err := js.CreateOrUpdateStream(ctx, natsx.DLQStreamConfig(streamName, []string{subjectPrefix + ".>"}))
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	return &JetStreamQueue{
		js:            js,
		stream:        stream,
		subjectPrefix: subjectPrefix,
	}, nil
}

// Write implements Queue. Subject format: <prefix>.<reason>.
func (q *JetStreamQueue) Write(ctx context.Context, entry models.DeadLetterEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	subject := fmt.Sprintf("%s.%s", q.subjectPrefix, entry.Reason)
	if _, err := q.js.PublishSync(ctx, subject, data); err != nil {
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	atomic.AddUint64(&q.written, 1)
	return nil
}

// Written returns the number of entries published by this instance.
func (q *JetStreamQueue) Written() uint64 {
	return atomic.LoadUint64(&q.written)
}

// List returns recent failed events for operator inspection.
func (q *JetStreamQueue) List(ctx context.Context, limit int) ([]models.DeadLetterEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	// An ephemeral consumer reads without disturbing stream state.
	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: q.subjectPrefix + ".>",
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("create list consumer: %w", err)
	}

	msgs, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	var entries []models.DeadLetterEntry
	for msg := range msgs.Messages() {
		var entry models.DeadLetterEntry
		if err := json.Unmarshal(msg.Data(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
