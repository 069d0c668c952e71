package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsight-systems/chainsight-pipeline/internal/dlq"
	"github.com/chainsight-systems/chainsight-pipeline/internal/logging"
	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
	"github.com/chainsight-systems/chainsight-pipeline/internal/sink"
	"github.com/chainsight-systems/chainsight-pipeline/internal/source"
	"github.com/chainsight-systems/chainsight-pipeline/internal/watermark"
	"github.com/chainsight-systems/chainsight-pipeline/internal/writer"
)

// mockSource replays a fixed message list, honoring the resume offset, then
// holds the channel open until ctx ends.
type mockSource struct {
	mu       sync.Mutex
	msgs     []source.Message
	consumes []uint64
}

func (s *mockSource) Consume(ctx context.Context, partitionID string, afterOffset uint64) (<-chan source.Message, error) {
	s.mu.Lock()
	s.consumes = append(s.consumes, afterOffset)
	msgs := append([]source.Message(nil), s.msgs...)
	s.mu.Unlock()

	ch := make(chan source.Message)
	go func() {
		defer close(ch)
		for _, m := range msgs {
			if m.PartitionID != partitionID || m.Offset <= afterOffset {
				continue
			}
			select {
			case ch <- m:
			case <-ctx.Done():
				return
			}
		}
		<-ctx.Done()
	}()
	return ch, nil
}

// memStore is an in-memory watermark.Store with injectable failures. Like
// the real redis client, every call fails once its context has ended.
type memStore struct {
	mu     sync.Mutex
	wms    map[string]models.Watermark
	getErr func() error
	casErr func() error
}

func newMemStore() *memStore {
	return &memStore{wms: make(map[string]models.Watermark)}
}

func (s *memStore) Get(ctx context.Context, partitionID string) (*models.Watermark, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		if err := s.getErr(); err != nil {
			return nil, err
		}
	}
	wm, ok := s.wms[partitionID]
	if !ok {
		return nil, watermark.ErrNotFound
	}
	return &wm, nil
}

func (s *memStore) CompareAndSet(ctx context.Context, expectedOffset int64, wm models.Watermark) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.casErr != nil {
		if err := s.casErr(); err != nil {
			return false, err
		}
	}
	cur, ok := s.wms[wm.PartitionID]
	if !ok {
		if expectedOffset != watermark.NoWatermark {
			return false, nil
		}
	} else if int64(cur.CommittedOffset) != expectedOffset {
		return false, nil
	}
	s.wms[wm.PartitionID] = wm
	return true, nil
}

func (s *memStore) watermark(partitionID string) (models.Watermark, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.wms[partitionID]
	return wm, ok
}

// memQueue records dead-letter entries.
type memQueue struct {
	mu       sync.Mutex
	entries  []models.DeadLetterEntry
	writeErr func() error
}

func (q *memQueue) Write(ctx context.Context, entry models.DeadLetterEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.writeErr != nil {
		if err := q.writeErr(); err != nil {
			return err
		}
	}
	q.entries = append(q.entries, entry)
	return nil
}

func (q *memQueue) all() []models.DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.DeadLetterEntry(nil), q.entries...)
}

// recordSink is a minimal sink.Sink that records upserts.
type recordSink struct {
	name       string
	mu         sync.Mutex
	upserted   []string
	upsertFunc func(ctx context.Context, event *models.Event) (sink.WriteStatus, error)
}

func (s *recordSink) Name() string { return s.name }

func (s *recordSink) Upsert(ctx context.Context, event *models.Event) (sink.WriteStatus, error) {
	if s.upsertFunc != nil {
		status, err := s.upsertFunc(ctx, event)
		if err != nil {
			return status, err
		}
	}
	s.mu.Lock()
	s.upserted = append(s.upserted, event.EventID)
	s.mu.Unlock()
	return sink.StatusAck, nil
}

func (s *recordSink) CountInWindow(ctx context.Context, start, end time.Time) (int64, error) {
	return 0, nil
}

func (s *recordSink) HashAggregateInWindow(ctx context.Context, start, end time.Time) (string, error) {
	return "", nil
}

func (s *recordSink) LatestEventTime(ctx context.Context) (time.Time, error) {
	return time.Time{}, nil
}

func (s *recordSink) upsertedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.upserted...)
}

func wireEvent(t *testing.T, id string, eventTime time.Time) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"event_id":     id,
		"event_type":   "eth_price",
		"event_time":   eventTime,
		"payload":      map[string]any{"price_usd": 2012.44},
		"payload_hash": "hash-" + id,
	})
	require.NoError(t, err)
	return data
}

func testCoordinator(src source.Source, store watermark.Store, queue dlq.Queue, partitions ...string) *Coordinator {
	eh := &recordSink{name: "eventhouse"}
	lh := &recordSink{name: "lakehouse"}
	return testCoordinatorWithSinks(src, store, queue, eh, lh, partitions...)
}

func testCoordinatorWithSinks(src source.Source, store watermark.Store, queue dlq.Queue, eh, lh sink.Sink, partitions ...string) *Coordinator {
	return testCoordinatorWithConfig(Config{
		Partitions:             partitions,
		ShutdownTimeout:        5 * time.Second,
		WatermarkRetryInterval: 5 * time.Millisecond,
	}, src, store, queue, eh, lh)
}

func testCoordinatorWithConfig(cfg Config, src source.Source, store watermark.Store, queue dlq.Queue, eh, lh sink.Sink) *Coordinator {
	w := writer.NewDualWriter(eh, lh, writer.Config{
		Policy: writer.RetryPolicy{
			MaxAttempts:    2,
			BackoffBase:    time.Millisecond,
			BackoffCap:     5 * time.Millisecond,
			AttemptTimeout: time.Second,
		},
		Breaker:    writer.BreakerConfig{Threshold: 0.99, Window: 100, Cooldown: time.Minute},
		BufferSize: 10,
	}, logging.Default())

	return New(cfg, src, w, store, queue, logging.Default())
}

func runUntil(t *testing.T, c *Coordinator, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop after cancellation")
	}
}

func TestCoordinatorCommitsEventsAndAdvancesWatermark(t *testing.T) {
	eventTime := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	src := &mockSource{msgs: []source.Message{
		{PartitionID: "0", Offset: 1, Data: wireEvent(t, "ev-1", eventTime)},
		{PartitionID: "0", Offset: 2, Data: wireEvent(t, "ev-2", eventTime.Add(time.Second))},
		{PartitionID: "0", Offset: 3, Data: wireEvent(t, "ev-3", eventTime.Add(2*time.Second))},
	}}
	store := newMemStore()
	queue := &memQueue{}
	eh := &recordSink{name: "eventhouse"}
	lh := &recordSink{name: "lakehouse"}
	c := testCoordinatorWithSinks(src, store, queue, eh, lh, "0")

	runUntil(t, c, func() bool {
		wm, ok := store.watermark("0")
		return ok && wm.CommittedOffset == 3
	})

	wm, _ := store.watermark("0")
	assert.Equal(t, uint64(3), wm.CommittedOffset)
	assert.Equal(t, eventTime.Add(2*time.Second), wm.CommittedEventTime)
	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3"}, eh.upsertedIDs())
	assert.Equal(t, []string{"ev-1", "ev-2", "ev-3"}, lh.upsertedIDs())
	assert.Empty(t, queue.all())
}

func TestCoordinatorResumesStrictlyAfterWatermark(t *testing.T) {
	eventTime := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	src := &mockSource{msgs: []source.Message{
		{PartitionID: "0", Offset: 1, Data: wireEvent(t, "ev-1", eventTime)},
		{PartitionID: "0", Offset: 2, Data: wireEvent(t, "ev-2", eventTime)},
		{PartitionID: "0", Offset: 3, Data: wireEvent(t, "ev-3", eventTime)},
	}}
	store := newMemStore()
	store.wms["0"] = models.Watermark{
		PartitionID:        "0",
		CommittedOffset:    2,
		CommittedEventTime: eventTime,
		CheckpointTime:     time.Now().UTC(),
	}
	queue := &memQueue{}
	eh := &recordSink{name: "eventhouse"}
	lh := &recordSink{name: "lakehouse"}
	c := testCoordinatorWithSinks(src, store, queue, eh, lh, "0")

	runUntil(t, c, func() bool {
		wm, _ := store.watermark("0")
		return wm.CommittedOffset == 3
	})

	// Only the uncommitted tail was replayed.
	assert.Equal(t, []string{"ev-3"}, eh.upsertedIDs())
	src.mu.Lock()
	defer src.mu.Unlock()
	assert.Equal(t, uint64(2), src.consumes[0])
}

func TestCoordinatorDeadLettersMalformedAndKeepsMoving(t *testing.T) {
	eventTime := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	src := &mockSource{msgs: []source.Message{
		{PartitionID: "0", Offset: 1, Data: wireEvent(t, "ev-1", eventTime)},
		{PartitionID: "0", Offset: 2, Data: []byte(`{"event_type":"eth_gas"`)},
		{PartitionID: "0", Offset: 3, Data: wireEvent(t, "ev-3", eventTime.Add(time.Second))},
	}}
	store := newMemStore()
	queue := &memQueue{}
	eh := &recordSink{name: "eventhouse"}
	lh := &recordSink{name: "lakehouse"}
	c := testCoordinatorWithSinks(src, store, queue, eh, lh, "0")

	runUntil(t, c, func() bool {
		wm, _ := store.watermark("0")
		return wm.CommittedOffset == 3
	})

	entries := queue.all()
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.ReasonMalformed, entries[0].Reason)
	assert.Equal(t, uint64(2), entries[0].Offset)
	assert.NotEmpty(t, entries[0].Error)

	// The malformed event never reached a sink.
	assert.Equal(t, []string{"ev-1", "ev-3"}, eh.upsertedIDs())
	assert.Equal(t, []string{"ev-1", "ev-3"}, lh.upsertedIDs())
}

func TestCoordinatorDeadLettersMissingFields(t *testing.T) {
	eventTime := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	noHash, err := json.Marshal(map[string]any{
		"event_id":   "ev-2",
		"event_type": "eth_price",
		"event_time": eventTime,
		"payload":    map[string]any{},
	})
	require.NoError(t, err)

	src := &mockSource{msgs: []source.Message{
		{PartitionID: "0", Offset: 1, Data: noHash},
	}}
	store := newMemStore()
	queue := &memQueue{}
	c := testCoordinator(src, store, queue, "0")

	runUntil(t, c, func() bool {
		wm, _ := store.watermark("0")
		return wm.CommittedOffset == 1
	})

	entries := queue.all()
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.ReasonMalformed, entries[0].Reason)
	assert.Contains(t, entries[0].Error, "payload_hash")
}

func TestCoordinatorDeadLettersAfterExhaustedRetries(t *testing.T) {
	eventTime := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	src := &mockSource{msgs: []source.Message{
		{PartitionID: "0", Offset: 1, Data: wireEvent(t, "ev-1", eventTime)},
	}}
	store := newMemStore()
	queue := &memQueue{}
	eh := &recordSink{name: "eventhouse", upsertFunc: func(context.Context, *models.Event) (sink.WriteStatus, error) {
		return sink.StatusFail, errors.New("mapping rejected")
	}}
	lh := &recordSink{name: "lakehouse"}
	c := testCoordinatorWithSinks(src, store, queue, eh, lh, "0")

	runUntil(t, c, func() bool {
		wm, _ := store.watermark("0")
		return wm.CommittedOffset == 1
	})

	entries := queue.all()
	require.Len(t, entries, 1)
	assert.Equal(t, dlq.ReasonSinkFailure, entries[0].Reason)
	assert.Contains(t, entries[0].Error, "mapping rejected")

	// The healthy sink landed its copy before the event was dead-lettered.
	assert.Equal(t, []string{"ev-1"}, lh.upsertedIDs())
}

func TestCoordinatorSkipsRedeliveredOffsets(t *testing.T) {
	eventTime := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	// Offset 1 appears twice: at-least-once delivery.
	src := &mockSource{msgs: []source.Message{
		{PartitionID: "0", Offset: 1, Data: wireEvent(t, "ev-1", eventTime)},
		{PartitionID: "0", Offset: 1, Data: wireEvent(t, "ev-1", eventTime)},
		{PartitionID: "0", Offset: 2, Data: wireEvent(t, "ev-2", eventTime)},
	}}
	store := newMemStore()
	queue := &memQueue{}
	eh := &recordSink{name: "eventhouse"}
	lh := &recordSink{name: "lakehouse"}
	c := testCoordinatorWithSinks(src, store, queue, eh, lh, "0")

	runUntil(t, c, func() bool {
		wm, _ := store.watermark("0")
		return wm.CommittedOffset == 2
	})

	assert.Equal(t, []string{"ev-1", "ev-2"}, eh.upsertedIDs())
}

func TestCoordinatorPausesWhileWatermarkStoreDown(t *testing.T) {
	eventTime := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	src := &mockSource{msgs: []source.Message{
		{PartitionID: "0", Offset: 1, Data: wireEvent(t, "ev-1", eventTime)},
	}}
	store := newMemStore()

	// The store fails the first three compare-and-sets, then recovers.
	var casCalls int
	store.casErr = func() error {
		casCalls++
		if casCalls <= 3 {
			return fmt.Errorf("redis: connection refused")
		}
		return nil
	}
	queue := &memQueue{}
	c := testCoordinator(src, store, queue, "0")

	runUntil(t, c, func() bool {
		wm, ok := store.watermark("0")
		return ok && wm.CommittedOffset == 1
	})

	assert.GreaterOrEqual(t, casCalls, 4)
}

func TestCoordinatorResumesAfterProlongedWatermarkOutage(t *testing.T) {
	eventTime := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	src := &mockSource{msgs: []source.Message{
		{PartitionID: "0", Offset: 1, Data: wireEvent(t, "ev-1", eventTime)},
	}}
	store := newMemStore()

	// The outage lasts several times longer than the shutdown timeout. The
	// partition must still commit once the store answers again: pausing may
	// never turn into a permanently expired context.
	recoverAt := time.Now().Add(300 * time.Millisecond)
	store.casErr = func() error {
		if time.Now().Before(recoverAt) {
			return fmt.Errorf("redis: connection refused")
		}
		return nil
	}
	queue := &memQueue{}
	eh := &recordSink{name: "eventhouse"}
	lh := &recordSink{name: "lakehouse"}
	c := testCoordinatorWithConfig(Config{
		Partitions:             []string{"0"},
		ShutdownTimeout:        50 * time.Millisecond,
		WatermarkRetryInterval: 10 * time.Millisecond,
	}, src, store, queue, eh, lh)

	runUntil(t, c, func() bool {
		wm, ok := store.watermark("0")
		return ok && wm.CommittedOffset == 1
	})

	wm, _ := store.watermark("0")
	assert.Equal(t, eventTime, wm.CommittedEventTime)
}

func TestCoordinatorDeadLettersAfterProlongedQueueOutage(t *testing.T) {
	src := &mockSource{msgs: []source.Message{
		{PartitionID: "0", Offset: 1, Data: []byte(`not json`)},
	}}
	store := newMemStore()
	queue := &memQueue{}

	recoverAt := time.Now().Add(300 * time.Millisecond)
	queue.writeErr = func() error {
		if time.Now().Before(recoverAt) {
			return errors.New("dlq stream unavailable")
		}
		return nil
	}
	eh := &recordSink{name: "eventhouse"}
	lh := &recordSink{name: "lakehouse"}
	c := testCoordinatorWithConfig(Config{
		Partitions:             []string{"0"},
		ShutdownTimeout:        50 * time.Millisecond,
		WatermarkRetryInterval: 10 * time.Millisecond,
	}, src, store, queue, eh, lh)

	runUntil(t, c, func() bool {
		wm, ok := store.watermark("0")
		return ok && wm.CommittedOffset == 1
	})

	assert.Len(t, queue.all(), 1)
}

func TestCoordinatorSlowWriteCommitsDuringNormalOperation(t *testing.T) {
	eventTime := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	src := &mockSource{msgs: []source.Message{
		{PartitionID: "0", Offset: 1, Data: wireEvent(t, "ev-1", eventTime)},
	}}
	store := newMemStore()
	queue := &memQueue{}

	// The write outlasts the shutdown timeout. Absent shutdown that timeout
	// must not bound the write; only the per-attempt sink timeout does.
	eh := &recordSink{name: "eventhouse", upsertFunc: func(ctx context.Context, _ *models.Event) (sink.WriteStatus, error) {
		select {
		case <-time.After(150 * time.Millisecond):
			return sink.StatusAck, nil
		case <-ctx.Done():
			return sink.StatusFail, ctx.Err()
		}
	}}
	lh := &recordSink{name: "lakehouse"}
	c := testCoordinatorWithConfig(Config{
		Partitions:             []string{"0"},
		ShutdownTimeout:        50 * time.Millisecond,
		WatermarkRetryInterval: 10 * time.Millisecond,
	}, src, store, queue, eh, lh)

	runUntil(t, c, func() bool {
		wm, ok := store.watermark("0")
		return ok && wm.CommittedOffset == 1
	})

	assert.Equal(t, []string{"ev-1"}, eh.upsertedIDs())
	assert.Empty(t, queue.all())
}

func TestCoordinatorRetriesDeadLetterWrites(t *testing.T) {
	src := &mockSource{msgs: []source.Message{
		{PartitionID: "0", Offset: 1, Data: []byte(`not json`)},
	}}
	store := newMemStore()
	queue := &memQueue{}

	var writeCalls int
	queue.writeErr = func() error {
		writeCalls++
		if writeCalls <= 2 {
			return errors.New("dlq stream unavailable")
		}
		return nil
	}
	c := testCoordinator(src, store, queue, "0")

	runUntil(t, c, func() bool {
		wm, ok := store.watermark("0")
		return ok && wm.CommittedOffset == 1
	})

	// Exactly one entry despite the retries.
	assert.Len(t, queue.all(), 1)
}

func TestCoordinatorPartitionsProgressIndependently(t *testing.T) {
	eventTime := time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)
	src := &mockSource{msgs: []source.Message{
		{PartitionID: "0", Offset: 1, Data: wireEvent(t, "p0-ev-1", eventTime)},
		{PartitionID: "1", Offset: 2, Data: wireEvent(t, "p1-ev-1", eventTime)},
		{PartitionID: "1", Offset: 3, Data: wireEvent(t, "p1-ev-2", eventTime)},
	}}
	store := newMemStore()
	queue := &memQueue{}
	c := testCoordinator(src, store, queue, "0", "1")

	runUntil(t, c, func() bool {
		wm0, ok0 := store.watermark("0")
		wm1, ok1 := store.watermark("1")
		return ok0 && ok1 && wm0.CommittedOffset == 1 && wm1.CommittedOffset == 3
	})

	wm0, _ := store.watermark("0")
	wm1, _ := store.watermark("1")
	assert.Equal(t, uint64(1), wm0.CommittedOffset)
	assert.Equal(t, uint64(3), wm1.CommittedOffset)
}
