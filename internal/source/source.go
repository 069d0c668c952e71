// Package source abstracts the upstream partitioned event stream.
package source

import "context"

// Message is one raw stream entry. The payload is decoded by the consumer so
// malformed producer output can still be routed to the dead-letter path with
// its partition and offset attached.
type Message struct {
	PartitionID string
	Offset      uint64
	Data        []byte
}

// Source is a partitioned, offset-addressable, replayable stream. Delivery is
// at-least-once: after a restart the stream may redeliver messages at or
// below a previously consumed offset.
type Source interface {
	// Consume returns an ordered sequence of messages for one partition,
	// starting strictly after afterOffset (0 means from the beginning).
	// The channel is closed when ctx is cancelled or the stream fails.
	Consume(ctx context.Context, partitionID string, afterOffset uint64) (<-chan Message, error)
}
