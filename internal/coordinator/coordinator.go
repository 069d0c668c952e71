// Package coordinator consumes the partitioned stream, drives the dual-sink
// writer, and advances per-partition watermarks.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/chainsight-systems/chainsight-pipeline/internal/dlq"
	"github.com/chainsight-systems/chainsight-pipeline/internal/logging"
	"github.com/chainsight-systems/chainsight-pipeline/internal/metrics"
	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
	"github.com/chainsight-systems/chainsight-pipeline/internal/source"
	"github.com/chainsight-systems/chainsight-pipeline/internal/watermark"
	"github.com/chainsight-systems/chainsight-pipeline/internal/writer"
)

// Config tunes the coordinator.
type Config struct {
	Partitions []string

	// ShutdownTimeout bounds how long an in-flight event may take to finish
	// its dual write once shutdown begins.
	ShutdownTimeout time.Duration

	// WatermarkRetryInterval is the pause before re-reading the watermark
	// store after it reports an error. Ingestion for the partition stays
	// paused until the store answers: failing closed is the only safe
	// behavior for commit state.
	WatermarkRetryInterval time.Duration
}

// Coordinator runs one worker per partition. Progress is independent across
// partitions; order is preserved within each.
type Coordinator struct {
	cfg        Config
	source     source.Source
	writer     *writer.DualWriter
	watermarks watermark.Store
	deadLetter dlq.Queue
	log        *logging.Logger
}

// New creates a coordinator.
func New(cfg Config, src source.Source, w *writer.DualWriter, wms watermark.Store, dl dlq.Queue, log *logging.Logger) *Coordinator {
	if cfg.WatermarkRetryInterval <= 0 {
		cfg.WatermarkRetryInterval = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	return &Coordinator{
		cfg:        cfg,
		source:     src,
		writer:     w,
		watermarks: wms,
		deadLetter: dl,
		log:        log.With(logging.Component("coordinator")),
	}
}

// Run starts one worker per partition and blocks until all of them have
// stopped after ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, partition := range c.cfg.Partitions {
		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			c.runPartition(ctx, p)
		}(partition)
	}
	wg.Wait()
}

// runPartition is the per-partition consume loop. It resumes strictly after
// the stored watermark, reconnecting whenever the source sequence ends.
func (c *Coordinator) runPartition(ctx context.Context, partitionID string) {
	log := c.log.With(logging.Partition(partitionID))

	for ctx.Err() == nil {
		w := newPartitionWorker(c, partitionID, log)
		if !w.loadWatermark(ctx) {
			return
		}

		msgs, err := c.source.Consume(ctx, partitionID, w.committedOffset())
		if err != nil {
			log.Error("consume failed, retrying", logging.Error(err))
			if !sleepCtx(ctx, c.cfg.WatermarkRetryInterval) {
				return
			}
			continue
		}

		log.Info("partition worker started", logging.Offset(w.committedOffset()))

		for msg := range msgs {
			if !w.handle(ctx, msg) {
				return
			}
		}
		// Sequence ended (source hiccup): reconnect from the watermark.
	}
}

// partitionWorker holds the mutable per-partition commit state.
type partitionWorker struct {
	c           *Coordinator
	partitionID string
	log         *logging.Logger

	// lastOffset is the committed offset, or watermark.NoWatermark before
	// the first commit.
	lastOffset    int64
	lastEventTime time.Time
}

func newPartitionWorker(c *Coordinator, partitionID string, log *logging.Logger) *partitionWorker {
	return &partitionWorker{
		c:           c,
		partitionID: partitionID,
		log:         log,
		lastOffset:  watermark.NoWatermark,
	}
}

func (w *partitionWorker) committedOffset() uint64 {
	if w.lastOffset == watermark.NoWatermark {
		return 0
	}
	return uint64(w.lastOffset)
}

// loadWatermark reads the partition's watermark, pausing (fails closed) while
// the store is unavailable. Returns false when ctx ended.
func (w *partitionWorker) loadWatermark(ctx context.Context) bool {
	for {
		wm, err := w.c.watermarks.Get(ctx, w.partitionID)
		switch {
		case errors.Is(err, watermark.ErrNotFound):
			return true
		case err != nil:
			w.log.Error("watermark store unavailable, pausing partition", logging.Error(err))
			if !sleepCtx(ctx, w.c.cfg.WatermarkRetryInterval) {
				return false
			}
		default:
			w.lastOffset = int64(wm.CommittedOffset)
			w.lastEventTime = wm.CommittedEventTime
			metrics.WatermarkOffset.WithLabelValues(w.partitionID).Set(float64(wm.CommittedOffset))
			return true
		}
	}
}

// handle processes one message end to end. Returns false when the worker
// should stop (shutdown or unrecoverable commit state).
func (w *partitionWorker) handle(ctx context.Context, msg source.Message) bool {
	metrics.EventsConsumed.WithLabelValues(w.partitionID).Inc()

	// At-least-once redelivery: anything at or below the committed offset
	// was already handled in a previous incarnation. Skipping here keeps
	// watermarks monotonic and the dead-letter output free of duplicates.
	if w.lastOffset != watermark.NoWatermark && msg.Offset <= uint64(w.lastOffset) {
		w.log.Debug("skipping redelivered message", logging.Offset(msg.Offset))
		return true
	}

	// The in-flight event is allowed to complete its dual write even if
	// shutdown begins. The event context carries no deadline while ctx is
	// live (per-attempt sink timeouts bound individual calls, and the
	// watermark/DLQ pause loops must outlast a store outage); only once
	// shutdown starts does the shutdown timeout kick in.
	eventCtx, cancel := graceContext(ctx, w.c.cfg.ShutdownTimeout)
	defer cancel()

	event, err := models.ParseEvent(msg.Data, msg.PartitionID, msg.Offset)
	if err == nil {
		err = event.Validate()
	}
	if err != nil {
		// Malformed events are handled via dead-letter: the watermark still
		// advances past them so the partition keeps moving.
		if !w.sendToDeadLetter(eventCtx, msg, dlq.ReasonMalformed, err) {
			return false
		}
		return w.advance(ctx, eventCtx, msg.Offset, w.lastEventTime)
	}

	outcome := w.c.writer.Write(eventCtx, event)
	if !outcome.Committed() {
		failed := outcome.Failed()
		w.log.Error("dual write failed, dead-lettering event",
			logging.EventID(event.EventID),
			logging.Offset(msg.Offset),
			logging.Sink(failed.Sink),
			logging.Error(failed.Err))
		if !w.sendToDeadLetter(eventCtx, msg, dlq.ReasonSinkFailure, failed.Err) {
			return false
		}
		return w.advance(ctx, eventCtx, msg.Offset, w.lastEventTime)
	}

	metrics.EventsCommitted.WithLabelValues(w.partitionID).Inc()
	if !w.advance(ctx, eventCtx, msg.Offset, event.EventTime) {
		return false
	}

	// Stop pulling new work once shutdown has begun.
	return ctx.Err() == nil
}

// advance commits the watermark for a handled offset. The store is the only
// shared commit state, so an error pauses the partition (fails closed) and a
// compare-and-set miss aborts the worker to re-read state.
func (w *partitionWorker) advance(ctx, eventCtx context.Context, offset uint64, eventTime time.Time) bool {
	if eventTime.IsZero() {
		eventTime = w.lastEventTime
	}

	wm := models.Watermark{
		PartitionID:        w.partitionID,
		CommittedOffset:    offset,
		CommittedEventTime: eventTime,
		CheckpointTime:     time.Now().UTC(),
	}

	for {
		ok, err := w.c.watermarks.CompareAndSet(eventCtx, w.lastOffset, wm)
		if err != nil {
			w.log.Error("watermark store unavailable, pausing partition", logging.Error(err))
			if !sleepCtx(ctx, w.c.cfg.WatermarkRetryInterval) {
				return false
			}
			continue
		}
		if !ok {
			// Another incarnation owns the partition; back off and reload.
			w.log.Warn("watermark compare-and-set lost, reloading partition state",
				logging.Offset(offset))
			return false
		}

		w.lastOffset = int64(offset)
		w.lastEventTime = eventTime
		metrics.WatermarkOffset.WithLabelValues(w.partitionID).Set(float64(offset))
		return true
	}
}

// sendToDeadLetter records the message, retrying while the DLQ itself is
// unavailable. The watermark never advances past an event that is not in the
// dead-letter output.
func (w *partitionWorker) sendToDeadLetter(ctx context.Context, msg source.Message, reason string, cause error) bool {
	entry := models.DeadLetterEntry{
		Timestamp:   time.Now().UTC(),
		PartitionID: msg.PartitionID,
		Offset:      msg.Offset,
		Event:       json.RawMessage(msg.Data),
		Reason:      reason,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	for {
		if err := w.c.deadLetter.Write(ctx, entry); err != nil {
			w.log.Error("dead-letter write failed, retrying", logging.Error(err))
			if !sleepCtx(ctx, w.c.cfg.WatermarkRetryInterval) {
				return false
			}
			continue
		}
		metrics.EventsDeadLettered.WithLabelValues(w.partitionID, reason).Inc()
		return true
	}
}

// graceContext derives a context that does not end with parent: it stays live
// as long as parent is, and once parent is cancelled it allows a grace period
// before cancelling itself.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			cancel()
		case <-ctx.Done():
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
