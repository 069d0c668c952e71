// Package sink defines the contract both event stores implement and the
// content-hash aggregation used to reconcile them.
package sink

import (
	"context"
	"time"

	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
)

// WriteStatus is the per-sink outcome of one upsert.
type WriteStatus string

const (
	// StatusAck means the record was written.
	StatusAck WriteStatus = "ack"

	// StatusDuplicate means a record with the same idempotency key already
	// exists. Replays land here; it counts as committed.
	StatusDuplicate WriteStatus = "duplicate"

	// StatusFail means the write did not land after exhausting retries.
	StatusFail WriteStatus = "fail"
)

// Committed reports whether the status represents a durable record.
func (s WriteStatus) Committed() bool {
	return s == StatusAck || s == StatusDuplicate
}

// Sink is one of the two event stores. Upsert must be idempotent on
// (partition_id, event_id); the window queries back the quality monitor and
// must answer with bounded latency.
type Sink interface {
	Name() string

	// Upsert writes the event, reporting Duplicate when the idempotency key
	// already exists. A non-nil error means the attempt failed.
	Upsert(ctx context.Context, event *models.Event) (WriteStatus, error)

	// CountInWindow returns the number of events with event_time in
	// [start, end).
	CountInWindow(ctx context.Context, start, end time.Time) (int64, error)

	// HashAggregateInWindow returns the content-hash aggregate over
	// [start, end); see HashAggregate for the definition.
	HashAggregateInWindow(ctx context.Context, start, end time.Time) (string, error)

	// LatestEventTime returns the max event_time observed in the sink, or
	// the zero time when the sink is empty.
	LatestEventTime(ctx context.Context) (time.Time, error)
}
