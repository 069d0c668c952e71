// Package writer lands each event in both sinks with retries, per-sink
// circuit breaking, and local buffering while a sink is degraded.
package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/chainsight-systems/chainsight-pipeline/internal/logging"
	"github.com/chainsight-systems/chainsight-pipeline/internal/metrics"
	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
	"github.com/chainsight-systems/chainsight-pipeline/internal/sink"
)

// Result is the final per-sink outcome for one event.
type Result struct {
	Sink   string
	Status sink.WriteStatus

	// Buffered means the sink's breaker is open and the event was queued
	// locally for the drain pass. The event is accounted as handled so the
	// healthy sink keeps making progress; the quality monitor surfaces the
	// gap until the buffer drains.
	Buffered bool

	Err error
}

// Handled reports whether the event needs no further action from the
// coordinator for this sink.
func (r Result) Handled() bool {
	return r.Buffered || r.Status.Committed()
}

// Outcome is the combined result of one dual write.
type Outcome struct {
	Eventhouse Result
	Lakehouse  Result
}

// Committed reports whether both sinks handled the event. Only then may the
// partition's watermark advance.
func (o Outcome) Committed() bool {
	return o.Eventhouse.Handled() && o.Lakehouse.Handled()
}

// Failed returns the first failing result, if any.
func (o Outcome) Failed() *Result {
	if !o.Eventhouse.Handled() {
		return &o.Eventhouse
	}
	if !o.Lakehouse.Handled() {
		return &o.Lakehouse
	}
	return nil
}

// DegradedFunc is notified when a sink's breaker opens or closes.
type DegradedFunc func(sinkName string, degraded bool)

// DropFunc receives events that could not be drained from a sink's buffer.
type DropFunc func(event *models.Event, sinkName string, err error)

// DualWriter writes every event to both sinks. Writes to the two sinks run
// concurrently and independently; a slow or failing sink never blocks the
// other.
type DualWriter struct {
	eventhouse *sinkWriter
	lakehouse  *sinkWriter
	log        *logging.Logger
}

// Config assembles the writer's policies and hooks.
type Config struct {
	Policy     RetryPolicy
	Breaker    BreakerConfig
	BufferSize int

	// OnDegraded is called on breaker transitions (may be nil).
	OnDegraded DegradedFunc

	// OnDrop receives buffered events that failed the drain pass and must
	// be dead-lettered (may be nil).
	OnDrop DropFunc
}

// NewDualWriter builds the writer over the two sinks.
func NewDualWriter(eventhouse, lakehouse sink.Sink, cfg Config, log *logging.Logger) *DualWriter {
	if cfg.OnDegraded == nil {
		cfg.OnDegraded = func(string, bool) {}
	}
	if cfg.OnDrop == nil {
		cfg.OnDrop = func(*models.Event, string, error) {}
	}

	return &DualWriter{
		eventhouse: newSinkWriter(eventhouse, cfg, log),
		lakehouse:  newSinkWriter(lakehouse, cfg, log),
		log:        log.With(logging.Component("dual_writer")),
	}
}

// Write attempts the event against both sinks and returns once both have a
// final result. The caller decides what a non-committed outcome means
// (dead-letter, pause).
func (w *DualWriter) Write(ctx context.Context, event *models.Event) Outcome {
	var out Outcome
	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		out.Eventhouse = w.eventhouse.write(ctx, event)
	}()
	go func() {
		defer wg.Done()
		out.Lakehouse = w.lakehouse.write(ctx, event)
	}()
	wg.Wait()

	return out
}

// Degraded reports whether either sink currently has an open breaker.
func (w *DualWriter) Degraded() bool {
	return w.eventhouse.breaker.State() != BreakerClosed ||
		w.lakehouse.breaker.State() != BreakerClosed
}

// sinkWriter owns the retry loop, breaker, and buffer for one sink.
type sinkWriter struct {
	sink    sink.Sink
	policy  RetryPolicy
	breaker *Breaker
	buffer  chan *models.Event
	onDrop  DropFunc
	log     *logging.Logger

	drainMu sync.Mutex
}

func newSinkWriter(s sink.Sink, cfg Config, log *logging.Logger) *sinkWriter {
	sw := &sinkWriter{
		sink:   s,
		policy: cfg.Policy,
		buffer: make(chan *models.Event, cfg.BufferSize),
		onDrop: cfg.OnDrop,
		log:    log.With(logging.Component("sink_writer"), logging.Sink(s.Name())),
	}

	sw.breaker = NewBreaker(cfg.Breaker, func(from, to BreakerState) {
		sw.log.Info("sink breaker state change",
			"from", from.String(), "to", to.String())

		switch to {
		case BreakerOpen:
			metrics.BreakerState.WithLabelValues(s.Name()).Set(1)
			cfg.OnDegraded(s.Name(), true)
		case BreakerClosed:
			metrics.BreakerState.WithLabelValues(s.Name()).Set(0)
			cfg.OnDegraded(s.Name(), false)
			go sw.drain(context.Background())
		}
	})

	return sw
}

// write produces the final result for one event against this sink.
func (sw *sinkWriter) write(ctx context.Context, event *models.Event) Result {
	name := sw.sink.Name()

	if !sw.breaker.Allow() {
		select {
		case sw.buffer <- event:
			metrics.BufferedWrites.WithLabelValues(name).Set(float64(len(sw.buffer)))
			metrics.SinkWrites.WithLabelValues(name, "buffered").Inc()
			return Result{Sink: name, Buffered: true}
		default:
			err := fmt.Errorf("sink %s degraded and buffer full", name)
			metrics.SinkWrites.WithLabelValues(name, string(sink.StatusFail)).Inc()
			return Result{Sink: name, Status: sink.StatusFail, Err: err}
		}
	}

	started := time.Now()
	status, err := sw.attemptWithRetries(ctx, event)
	metrics.SinkWriteDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	metrics.SinkWrites.WithLabelValues(name, string(status)).Inc()

	return Result{Sink: name, Status: status, Err: err}
}

// attemptWithRetries runs the bounded retry loop, feeding each attempt's
// outcome into the breaker.
func (sw *sinkWriter) attemptWithRetries(ctx context.Context, event *models.Event) (sink.WriteStatus, error) {
	var status sink.WriteStatus
	var lastErr error

	operation := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, sw.policy.AttemptTimeout)
		defer cancel()

		s, err := sw.sink.Upsert(attemptCtx, event)
		sw.breaker.Record(err != nil)
		if err != nil {
			lastErr = err
			// An open breaker ends the retry loop early; the event is
			// not buffered mid-write, it fails and the caller decides.
			if sw.breaker.State() == BreakerOpen {
				return backoff.Permanent(err)
			}
			return err
		}
		status = s
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(sw.policy.NewBackOff(), ctx)); err != nil {
		return sink.StatusFail, fmt.Errorf("write to %s: %w", sw.sink.Name(), lastErr)
	}
	return status, nil
}

// drain flushes the buffer after the breaker closes. Events that still fail
// are handed to OnDrop for dead-lettering; they are never silently lost.
func (sw *sinkWriter) drain(ctx context.Context) {
	sw.drainMu.Lock()
	defer sw.drainMu.Unlock()

	name := sw.sink.Name()
	for {
		select {
		case event := <-sw.buffer:
			metrics.BufferedWrites.WithLabelValues(name).Set(float64(len(sw.buffer)))

			status, err := sw.attemptWithRetries(ctx, event)
			if err != nil || status == sink.StatusFail {
				sw.log.Error("drain write failed",
					logging.EventID(event.EventID), logging.Error(err))
				sw.onDrop(event, name, err)
				continue
			}
			sw.log.Debug("drained buffered write", logging.EventID(event.EventID))
		default:
			return
		}
	}
}
