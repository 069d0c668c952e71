package source

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	natsx "github.com/chainsight-systems/chainsight-pipeline/internal/messaging/nats"
)

// JetStreamSource consumes partition subjects from a JetStream stream. The
// stream sequence number serves as the partition offset: monotonic per
// partition (with gaps, since the sequence is stream-wide) and addressable
// for replay after a restart.
type JetStreamSource struct {
	stream        jetstream.Stream
	subjectPrefix string
}

// NewJetStreamSource binds to the event stream, creating it if needed.
func NewJetStreamSource(ctx context.Context, js *natsx.JetStreamClient, streamName, subjectPrefix string) (*JetStreamSource, error) {
	stream, err := js.CreateOrUpdateStream(ctx, natsx.EventStreamConfig(streamName, []string{subjectPrefix + ".>"}))
	if err != nil {
		return nil, fmt.Errorf("bind event stream: %w", err)
	}
	return &JetStreamSource{stream: stream, subjectPrefix: subjectPrefix}, nil
}

// Consume starts an ordered consumer filtered to the partition's subject.
// Ordered consumers recreate themselves on sequence mismatch, which gives the
// restartable, in-order semantics the coordinator relies on.
func (s *JetStreamSource) Consume(ctx context.Context, partitionID string, afterOffset uint64) (<-chan Message, error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{s.subjectPrefix + "." + partitionID},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if afterOffset > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = afterOffset + 1
	}

	consumer, err := s.stream.OrderedConsumer(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer for partition %s: %w", partitionID, err)
	}

	iter, err := consumer.Messages()
	if err != nil {
		return nil, fmt.Errorf("open message iterator for partition %s: %w", partitionID, err)
	}

	// iter.Next does not take a context; stopping the iterator on cancel is
	// what unblocks it and lets the channel close.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			iter.Stop()
		case <-done:
		}
	}()

	out := make(chan Message)
	go func() {
		defer close(out)
		defer close(done)
		defer iter.Stop()

		for {
			msg, err := iter.Next()
			if err != nil {
				// The ordered consumer retries transparently; anything
				// surfacing here (including iterator close on cancel)
				// ends the sequence. The coordinator reconnects from the
				// watermark.
				return
			}

			meta, err := msg.Metadata()
			if err != nil {
				continue
			}

			select {
			case out <- Message{
				PartitionID: partitionID,
				Offset:      meta.Sequence.Stream,
				Data:        msg.Data(),
			}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
