package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainsight-systems/chainsight-pipeline/internal/logging"
	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
	"github.com/chainsight-systems/chainsight-pipeline/internal/sink"
	"github.com/chainsight-systems/chainsight-pipeline/internal/watermark"
)

// querySink is a func-field sink.Sink for reconciliation queries.
type querySink struct {
	name       string
	countFunc  func(start, end time.Time) (int64, error)
	hashFunc   func(start, end time.Time) (string, error)
	latestFunc func() (time.Time, error)
}

func (s *querySink) Name() string { return s.name }

func (s *querySink) Upsert(ctx context.Context, event *models.Event) (sink.WriteStatus, error) {
	return sink.StatusAck, nil
}

func (s *querySink) CountInWindow(ctx context.Context, start, end time.Time) (int64, error) {
	if s.countFunc != nil {
		return s.countFunc(start, end)
	}
	return 0, nil
}

func (s *querySink) HashAggregateInWindow(ctx context.Context, start, end time.Time) (string, error) {
	if s.hashFunc != nil {
		return s.hashFunc(start, end)
	}
	return "", nil
}

func (s *querySink) LatestEventTime(ctx context.Context) (time.Time, error) {
	if s.latestFunc != nil {
		return s.latestFunc()
	}
	return time.Time{}, nil
}

// staticStore is a read-only watermark.Store for window selection.
type staticStore struct {
	wms map[string]models.Watermark
}

func (s *staticStore) Get(ctx context.Context, partitionID string) (*models.Watermark, error) {
	wm, ok := s.wms[partitionID]
	if !ok {
		return nil, watermark.ErrNotFound
	}
	return &wm, nil
}

func (s *staticStore) CompareAndSet(ctx context.Context, expectedOffset int64, wm models.Watermark) (bool, error) {
	return false, errors.New("read-only store")
}

type recordNotifier struct {
	mu      sync.Mutex
	results []models.QualityCheckResult
}

func (n *recordNotifier) Notify(ctx context.Context, result models.QualityCheckResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.results = append(n.results, result)
}

var baseTime = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

func committedStore(committedEventTimes map[string]time.Time) *staticStore {
	wms := make(map[string]models.Watermark, len(committedEventTimes))
	var offset uint64
	for p, t := range committedEventTimes {
		offset++
		wms[p] = models.Watermark{
			PartitionID:        p,
			CommittedOffset:    offset,
			CommittedEventTime: t,
			CheckpointTime:     t,
		}
	}
	return &staticStore{wms: wms}
}

func fixedSink(name string, count int64, hash string, latest time.Time) *querySink {
	return &querySink{
		name:       name,
		countFunc:  func(time.Time, time.Time) (int64, error) { return count, nil },
		hashFunc:   func(time.Time, time.Time) (string, error) { return hash, nil },
		latestFunc: func() (time.Time, error) { return latest, nil },
	}
}

func testConfig() Config {
	return Config{
		WindowSize:            time.Minute,
		CompletenessTolerance: 0.005,
		FreshnessTolerance:    5 * time.Minute,
		HistorySize:           10,
	}
}

func TestCompletenessWithinToleranceTolerates(t *testing.T) {
	// 1000 vs 998 is a 0.2% delta: passes at 0.5% tolerance.
	latest := baseTime.Add(5 * time.Minute)
	eh := fixedSink("eventhouse", 1000, "agg", latest)
	lh := fixedSink("lakehouse", 998, "agg", latest)
	store := committedStore(map[string]time.Time{"0": baseTime.Add(5*time.Minute + 30*time.Second)})

	m := New(testConfig(), eh, lh, store, []string{"0"}, nil, logging.Default())
	m.RunCycle(context.Background(), latest.Add(time.Second))

	results := m.Results()
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusPass, results[0].Status)
	assert.InDelta(t, 0.002, results[0].CompletenessDelta, 1e-9)
}

func TestCompletenessOverToleranceFails(t *testing.T) {
	// The same 0.2% delta fails at 0.1% tolerance.
	latest := baseTime.Add(5 * time.Minute)
	eh := fixedSink("eventhouse", 1000, "agg", latest)
	lh := fixedSink("lakehouse", 998, "agg", latest)
	store := committedStore(map[string]time.Time{"0": baseTime.Add(5*time.Minute + 30*time.Second)})

	cfg := testConfig()
	cfg.CompletenessTolerance = 0.001
	m := New(cfg, eh, lh, store, []string{"0"}, nil, logging.Default())
	m.RunCycle(context.Background(), latest.Add(time.Second))

	results := m.Results()
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusFail, results[0].Status)
	assert.Equal(t, []string{models.DimensionCompleteness}, results[0].FailedDimensions)
}

func TestHashMismatchFailsConsistencyDespiteMatchingCounts(t *testing.T) {
	latest := baseTime.Add(5 * time.Minute)
	eh := fixedSink("eventhouse", 500, "agg-a", latest)
	lh := fixedSink("lakehouse", 500, "agg-b", latest)
	store := committedStore(map[string]time.Time{"0": baseTime.Add(5*time.Minute + 30*time.Second)})

	m := New(testConfig(), eh, lh, store, []string{"0"}, nil, logging.Default())
	m.RunCycle(context.Background(), latest.Add(time.Second))

	results := m.Results()
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusFail, results[0].Status)
	assert.Equal(t, []string{models.DimensionConsistency}, results[0].FailedDimensions)
}

func TestStaleSinksFailFreshness(t *testing.T) {
	latest := baseTime.Add(5 * time.Minute)
	eh := fixedSink("eventhouse", 100, "agg", latest)
	lh := fixedSink("lakehouse", 100, "agg", latest)
	store := committedStore(map[string]time.Time{"0": baseTime.Add(5*time.Minute + 30*time.Second)})

	m := New(testConfig(), eh, lh, store, []string{"0"}, nil, logging.Default())
	// Evaluated long after the last observed event.
	m.RunCycle(context.Background(), latest.Add(10*time.Minute))

	results := m.Results()
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusFail, results[0].Status)
	assert.Equal(t, []string{models.DimensionFreshness}, results[0].FailedDimensions)
	assert.Equal(t, 10*time.Minute, results[0].FreshnessLag)
}

func TestSinkQueryErrorIsInconclusiveAndRetried(t *testing.T) {
	latest := baseTime.Add(5 * time.Minute)
	var failing bool = true
	eh := &querySink{
		name: "eventhouse",
		countFunc: func(time.Time, time.Time) (int64, error) {
			if failing {
				return 0, errors.New("eventhouse unreachable")
			}
			return 100, nil
		},
		hashFunc:   func(time.Time, time.Time) (string, error) { return "agg", nil },
		latestFunc: func() (time.Time, error) { return latest, nil },
	}
	lh := fixedSink("lakehouse", 100, "agg", latest)
	store := committedStore(map[string]time.Time{"0": baseTime.Add(5*time.Minute + 30*time.Second)})
	notifier := &recordNotifier{}

	m := New(testConfig(), eh, lh, store, []string{"0"}, notifier, logging.Default())
	now := latest.Add(time.Second)

	m.RunCycle(context.Background(), now)
	require.Len(t, m.Results(), 1)
	assert.Equal(t, models.StatusInconclusive, m.Results()[0].Status)
	assert.Contains(t, m.Results()[0].Error, "eventhouse unreachable")

	// Next cycle retries the same window and appends a new result.
	failing = false
	m.RunCycle(context.Background(), now.Add(time.Minute))

	results := m.Results()
	require.Len(t, results, 2)
	assert.Equal(t, results[0].WindowStart, results[1].WindowStart)
	assert.Equal(t, models.StatusPass, results[1].Status)
	assert.Len(t, notifier.results, 2)
}

func TestNoWindowUntilAllPartitionsCommitted(t *testing.T) {
	latest := baseTime.Add(5 * time.Minute)
	eh := fixedSink("eventhouse", 100, "agg", latest)
	lh := fixedSink("lakehouse", 100, "agg", latest)
	// Partition 1 has no watermark yet.
	store := committedStore(map[string]time.Time{"0": baseTime.Add(5 * time.Minute)})

	m := New(testConfig(), eh, lh, store, []string{"0", "1"}, nil, logging.Default())
	m.RunCycle(context.Background(), latest.Add(time.Second))

	assert.Empty(t, m.Results())
}

func TestWindowBoundIsMinCommittedEventTime(t *testing.T) {
	latest := baseTime.Add(10 * time.Minute)
	var evaluated []time.Time
	eh := &querySink{
		name: "eventhouse",
		countFunc: func(start, end time.Time) (int64, error) {
			evaluated = append(evaluated, start, end)
			return 10, nil
		},
		hashFunc:   func(time.Time, time.Time) (string, error) { return "agg", nil },
		latestFunc: func() (time.Time, error) { return latest, nil },
	}
	lh := fixedSink("lakehouse", 10, "agg", latest)
	// Partition 1 lags: its committed event time caps the closed bound.
	store := committedStore(map[string]time.Time{
		"0": baseTime.Add(10 * time.Minute),
		"1": baseTime.Add(3*time.Minute + 20*time.Second),
	})

	m := New(testConfig(), eh, lh, store, []string{"0", "1"}, nil, logging.Default())
	m.RunCycle(context.Background(), latest)

	require.Len(t, evaluated, 2)
	assert.Equal(t, baseTime.Add(2*time.Minute), evaluated[0])
	assert.Equal(t, baseTime.Add(3*time.Minute), evaluated[1])
}

func TestCatchUpEvaluatesPendingWindowsInOrder(t *testing.T) {
	latest := baseTime.Add(10 * time.Minute)
	eh := fixedSink("eventhouse", 10, "agg", latest)
	lh := fixedSink("lakehouse", 10, "agg", latest)
	store := committedStore(map[string]time.Time{"0": baseTime.Add(3 * time.Minute)})

	m := New(testConfig(), eh, lh, store, []string{"0"}, nil, logging.Default())
	m.RunCycle(context.Background(), latest)
	require.Len(t, m.Results(), 1)

	// The watermark advanced three windows; the next cycle scores all of them.
	store.wms["0"] = models.Watermark{
		PartitionID:        "0",
		CommittedOffset:    99,
		CommittedEventTime: baseTime.Add(6 * time.Minute),
	}
	m.RunCycle(context.Background(), latest)

	results := m.Results()
	require.Len(t, results, 4)
	for i := 1; i < len(results); i++ {
		assert.Equal(t, results[i-1].WindowEnd, results[i].WindowStart)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	latest := baseTime.Add(time.Hour)
	eh := fixedSink("eventhouse", 10, "agg", latest)
	lh := fixedSink("lakehouse", 10, "agg", latest)
	store := committedStore(map[string]time.Time{"0": baseTime.Add(2 * time.Minute)})

	cfg := testConfig()
	cfg.HistorySize = 3
	m := New(cfg, eh, lh, store, []string{"0"}, nil, logging.Default())

	for i := 0; i < 10; i++ {
		store.wms["0"] = models.Watermark{
			PartitionID:        "0",
			CommittedOffset:    uint64(i + 1),
			CommittedEventTime: baseTime.Add(time.Duration(i+2) * time.Minute),
		}
		m.RunCycle(context.Background(), latest)
	}

	assert.Len(t, m.Results(), 3)
}
