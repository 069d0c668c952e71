package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is a single blockchain event as delivered by the partitioned stream.
// Events are immutable once produced; identity for deduplication is
// (PartitionID, EventID).
type Event struct {
	PartitionID string          `json:"partition_id"`
	Offset      uint64          `json:"offset"`
	EventID     string          `json:"event_id"`
	EventType   string          `json:"event_type"`
	EventTime   time.Time       `json:"event_time"`
	Payload     json.RawMessage `json:"payload"`
	PayloadHash string          `json:"payload_hash"`
}

// IdempotencyKey returns the dedup identity used as the upsert key in both
// sinks.
func (e *Event) IdempotencyKey() string {
	return e.PartitionID + ":" + e.EventID
}

// Validate reports whether the event carries the fields required for a
// durable, deduplicatable commit. Events failing validation are routed to the
// dead-letter output, never to the sinks.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event on partition %s offset %d: missing event_id", e.PartitionID, e.Offset)
	}
	if e.PayloadHash == "" {
		return fmt.Errorf("event %s on partition %s: missing payload_hash", e.EventID, e.PartitionID)
	}
	if e.EventTime.IsZero() {
		return fmt.Errorf("event %s on partition %s: missing event_time", e.EventID, e.PartitionID)
	}
	return nil
}

// ParseEvent decodes a wire-format event. The partition and offset are
// assigned by the transport, not the producer, so they are applied here.
func ParseEvent(data []byte, partitionID string, offset uint64) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	e.PartitionID = partitionID
	e.Offset = offset
	return &e, nil
}

// Watermark marks the highest durably committed offset for one partition.
// Owned exclusively by the ingestion coordinator; the quality monitor only
// reads it.
type Watermark struct {
	PartitionID        string    `json:"partition_id"`
	CommittedOffset    uint64    `json:"committed_offset"`
	CommittedEventTime time.Time `json:"committed_event_time"`
	CheckpointTime     time.Time `json:"checkpoint_time"`
}

// DeadLetterEntry is an append-only record of an event that could not be
// committed normally.
type DeadLetterEntry struct {
	Timestamp   time.Time       `json:"timestamp"`
	PartitionID string          `json:"partition_id"`
	Offset      uint64          `json:"offset"`
	Event       json.RawMessage `json:"event"`
	Reason      string          `json:"reason"`
	Error       string          `json:"error"`
}
