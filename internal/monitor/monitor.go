// Package monitor reconciles the two sinks over closed time windows using
// watermark state.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chainsight-systems/chainsight-pipeline/internal/logging"
	"github.com/chainsight-systems/chainsight-pipeline/internal/metrics"
	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
	"github.com/chainsight-systems/chainsight-pipeline/internal/sink"
	"github.com/chainsight-systems/chainsight-pipeline/internal/watermark"
)

// Notifier receives every recorded result. Implemented by the alert
// dispatcher.
type Notifier interface {
	Notify(ctx context.Context, result models.QualityCheckResult)
}

// Config tunes window selection and tolerances.
type Config struct {
	// WindowSize is the width of each reconciliation window. Window bounds
	// are aligned to it.
	WindowSize time.Duration

	// CompletenessTolerance is the maximum allowed relative count delta,
	// e.g. 0.005 for 0.5%.
	CompletenessTolerance float64

	// FreshnessTolerance is the maximum allowed lag between now and the
	// latest event time observed in either sink.
	FreshnessTolerance time.Duration

	// HistorySize bounds the retained result history.
	HistorySize int
}

// maxWindowsPerCycle caps catch-up work after the monitor has been down, so a
// single cycle stays bounded.
const maxWindowsPerCycle = 8

// Monitor evaluates the most recently closed, fully committed windows each
// cycle. It only reads sink state and watermarks; it never blocks ingestion.
type Monitor struct {
	cfg        Config
	eventhouse sink.Sink
	lakehouse  sink.Sink
	watermarks watermark.Store
	partitions []string
	notifier   Notifier
	log        *logging.Logger

	mu      sync.RWMutex
	history []models.QualityCheckResult

	// evaluatedThrough is the end bound of the newest window scored Pass or
	// Fail. Inconclusive windows do not advance it, so they are retried.
	evaluatedThrough time.Time
}

// New creates a monitor over the two sinks.
func New(cfg Config, eventhouse, lakehouse sink.Sink, wms watermark.Store, partitions []string, notifier Notifier, log *logging.Logger) *Monitor {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 5 * time.Minute
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 100
	}
	return &Monitor{
		cfg:        cfg,
		eventhouse: eventhouse,
		lakehouse:  lakehouse,
		watermarks: wms,
		partitions: partitions,
		notifier:   notifier,
		log:        log.With(logging.Component("monitor")),
	}
}

// RunCycle evaluates all pending closed windows. It is the scheduler task.
func (m *Monitor) RunCycle(ctx context.Context, now time.Time) {
	bound, ok := m.closedBound(ctx)
	if !ok {
		return
	}

	for i := 0; i < maxWindowsPerCycle; i++ {
		start, end, ok := m.nextWindow(bound)
		if !ok {
			return
		}

		result := m.evaluateWindow(ctx, start, end, now)
		m.record(result)
		metrics.QualityChecks.WithLabelValues(string(result.Status)).Inc()

		if m.notifier != nil {
			m.notifier.Notify(ctx, result)
		}

		if result.Status == models.StatusInconclusive {
			// Retried next cycle; later windows wait so results stay ordered.
			return
		}

		m.mu.Lock()
		m.evaluatedThrough = end
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
	}
}

// closedBound returns the window-close bound: the minimum committed event
// time across all partitions, so no evaluated window can still receive
// on-time data.
func (m *Monitor) closedBound(ctx context.Context) (time.Time, bool) {
	var bound time.Time
	for _, partition := range m.partitions {
		wm, err := m.watermarks.Get(ctx, partition)
		if err != nil {
			// Includes ErrNotFound: an uncommitted partition means no window
			// is provably closed yet.
			if !errors.Is(err, watermark.ErrNotFound) {
				m.log.Warn("watermark read failed, skipping cycle",
					logging.Partition(partition), logging.Error(err))
			}
			return time.Time{}, false
		}
		if bound.IsZero() || wm.CommittedEventTime.Before(bound) {
			bound = wm.CommittedEventTime
		}
	}
	return bound, !bound.IsZero()
}

// nextWindow picks the oldest closed window not yet scored Pass or Fail,
// aligned to the window size.
func (m *Monitor) nextWindow(bound time.Time) (start, end time.Time, ok bool) {
	closedEnd := bound.Truncate(m.cfg.WindowSize)

	m.mu.RLock()
	through := m.evaluatedThrough
	m.mu.RUnlock()

	if !closedEnd.After(through) {
		return time.Time{}, time.Time{}, false
	}

	if through.IsZero() {
		// First cycle: only the most recent closed window.
		return closedEnd.Add(-m.cfg.WindowSize), closedEnd, true
	}
	return through, through.Add(m.cfg.WindowSize), true
}

// evaluateWindow queries both sinks and scores one window.
func (m *Monitor) evaluateWindow(ctx context.Context, start, end, now time.Time) models.QualityCheckResult {
	result := models.QualityCheckResult{
		WindowStart: start,
		WindowEnd:   end,
		EvaluatedAt: now,
	}
	log := m.log.With(logging.Window(start, end))

	ehCount, err := m.eventhouse.CountInWindow(ctx, start, end)
	if err != nil {
		return inconclusive(result, log, fmt.Errorf("eventhouse count: %w", err))
	}
	lhCount, err := m.lakehouse.CountInWindow(ctx, start, end)
	if err != nil {
		return inconclusive(result, log, fmt.Errorf("lakehouse count: %w", err))
	}
	ehHash, err := m.eventhouse.HashAggregateInWindow(ctx, start, end)
	if err != nil {
		return inconclusive(result, log, fmt.Errorf("eventhouse hash aggregate: %w", err))
	}
	lhHash, err := m.lakehouse.HashAggregateInWindow(ctx, start, end)
	if err != nil {
		return inconclusive(result, log, fmt.Errorf("lakehouse hash aggregate: %w", err))
	}
	ehLatest, err := m.eventhouse.LatestEventTime(ctx)
	if err != nil {
		return inconclusive(result, log, fmt.Errorf("eventhouse latest event time: %w", err))
	}
	lhLatest, err := m.lakehouse.LatestEventTime(ctx)
	if err != nil {
		return inconclusive(result, log, fmt.Errorf("lakehouse latest event time: %w", err))
	}

	result.EventhouseCount = ehCount
	result.LakehouseCount = lhCount
	result.EventhouseHashAgg = ehHash
	result.LakehouseHashAgg = lhHash

	delta := float64(ehCount - lhCount)
	if delta < 0 {
		delta = -delta
	}
	denom := float64(ehCount)
	if denom < 1 {
		denom = 1
	}
	result.CompletenessDelta = delta / denom

	latest := ehLatest
	if lhLatest.After(latest) {
		latest = lhLatest
	}
	if !latest.IsZero() {
		result.FreshnessLag = now.Sub(latest)
	}

	if result.CompletenessDelta > m.cfg.CompletenessTolerance {
		result.FailedDimensions = append(result.FailedDimensions, models.DimensionCompleteness)
	}
	if result.FreshnessLag > m.cfg.FreshnessTolerance {
		result.FailedDimensions = append(result.FailedDimensions, models.DimensionFreshness)
	}
	if ehHash != lhHash {
		result.FailedDimensions = append(result.FailedDimensions, models.DimensionConsistency)
	}

	metrics.QualityCompletenessDelta.Set(result.CompletenessDelta)
	metrics.QualityFreshnessLag.Set(result.FreshnessLag.Seconds())

	if len(result.FailedDimensions) > 0 {
		result.Status = models.StatusFail
		log.Warn("reconciliation failed",
			"dimensions", result.FailedDimensions,
			"eventhouse_count", ehCount,
			"lakehouse_count", lhCount,
			"completeness_delta", result.CompletenessDelta,
			"freshness_lag", result.FreshnessLag.String())
	} else {
		result.Status = models.StatusPass
		log.Debug("reconciliation passed",
			"eventhouse_count", ehCount,
			"lakehouse_count", lhCount)
	}
	return result
}

func inconclusive(result models.QualityCheckResult, log *logging.Logger, err error) models.QualityCheckResult {
	result.Status = models.StatusInconclusive
	result.Error = err.Error()
	log.Warn("reconciliation inconclusive, window will be retried", logging.Error(err))
	return result
}

// record appends to the bounded, append-only history. Re-evaluations of a
// window add a new entry; prior entries are never mutated.
func (m *Monitor) record(result models.QualityCheckResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, result)
	if len(m.history) > m.cfg.HistorySize {
		m.history = m.history[len(m.history)-m.cfg.HistorySize:]
	}
}

// Results returns the retained history, newest last.
func (m *Monitor) Results() []models.QualityCheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.QualityCheckResult(nil), m.history...)
}
