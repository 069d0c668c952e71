package alerting

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chainsight-systems/chainsight-pipeline/internal/logging"
	"github.com/chainsight-systems/chainsight-pipeline/internal/metrics"
	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
)

// Alert rule identifiers.
const (
	RuleDataQuality         = "data_quality"
	RuleSinkDegraded        = "sink_degraded"
	RuleMonitorInconclusive = "monitor_inconclusive"
)

// Config tunes alert behavior.
type Config struct {
	// InconclusiveAlertCycles is the number of consecutive inconclusive
	// windows before an operational alert is raised. A single inconclusive
	// result never pages anyone.
	InconclusiveAlertCycles int

	// NotifyTimeout bounds channel delivery for notifications the dispatcher
	// originates itself (degraded-sink transitions).
	NotifyTimeout time.Duration
}

// resolvedHistorySize bounds the retained resolved-alert history.
const resolvedHistorySize = 50

// Dispatcher deduplicates failing conditions into alerts and delivers them
// through the configured channel. Lifecycle per dedup key:
// Open -> Suppressed (condition persists, no re-page) -> Resolved.
type Dispatcher struct {
	cfg     Config
	channel Channel
	log     *logging.Logger

	mu                 sync.Mutex
	active             map[string]*models.Alert
	resolved           []models.Alert
	inconclusiveStreak int
}

// NewDispatcher creates a dispatcher delivering through channel.
func NewDispatcher(cfg Config, channel Channel, log *logging.Logger) *Dispatcher {
	if cfg.InconclusiveAlertCycles <= 0 {
		cfg.InconclusiveAlertCycles = 3
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 10 * time.Second
	}
	return &Dispatcher{
		cfg:     cfg,
		channel: channel,
		log:     log.With(logging.Component("alerting")),
		active:  make(map[string]*models.Alert),
	}
}

// Notify implements the monitor's notifier. Fail results open or refresh a
// data-quality alert; Pass results resolve prior ones; sustained Inconclusive
// results raise an operational alert.
func (d *Dispatcher) Notify(ctx context.Context, result models.QualityCheckResult) {
	d.mu.Lock()
	var pending []models.Alert

	switch result.Status {
	case models.StatusFail:
		d.inconclusiveStreak = 0
		pending = d.raise(models.Alert{
			RuleID:      RuleDataQuality,
			Severity:    qualitySeverity(result.FailedDimensions),
			WindowStart: result.WindowStart,
			WindowEnd:   result.WindowEnd,
			Details:     failDetails(result),
			DedupKey:    fmt.Sprintf("%s:%s", RuleDataQuality, result.WindowKey()),
		}, result.EvaluatedAt)

	case models.StatusPass:
		d.inconclusiveStreak = 0
		// A passing window means the sinks agree again: clear data-quality
		// and inconclusive alerts.
		pending = d.resolveRule(RuleDataQuality, result.EvaluatedAt)
		pending = append(pending, d.resolveRule(RuleMonitorInconclusive, result.EvaluatedAt)...)

	case models.StatusInconclusive:
		d.inconclusiveStreak++
		if d.inconclusiveStreak >= d.cfg.InconclusiveAlertCycles {
			pending = d.raise(models.Alert{
				RuleID:      RuleMonitorInconclusive,
				Severity:    models.SeverityMedium,
				WindowStart: result.WindowStart,
				WindowEnd:   result.WindowEnd,
				Details: fmt.Sprintf("reconciliation inconclusive for %d consecutive cycles: %s",
					d.inconclusiveStreak, result.Error),
				DedupKey: RuleMonitorInconclusive,
			}, result.EvaluatedAt)
		}
	}
	d.mu.Unlock()

	d.deliver(ctx, pending)
}

// SinkDegraded tracks circuit-breaker state changes. Wired as the dual
// writer's OnDegraded hook.
func (d *Dispatcher) SinkDegraded(sinkName string, degraded bool) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.NotifyTimeout)
	defer cancel()

	now := time.Now().UTC()
	key := fmt.Sprintf("%s:%s", RuleSinkDegraded, sinkName)

	d.mu.Lock()
	var pending []models.Alert
	if degraded {
		pending = d.raise(models.Alert{
			RuleID:   RuleSinkDegraded,
			Severity: models.SeverityCritical,
			Details:  fmt.Sprintf("sink %s circuit breaker open: writes are buffered locally", sinkName),
			DedupKey: key,
		}, now)
	} else if resolved := d.resolveKey(key, now); resolved != nil {
		pending = append(pending, *resolved)
	}
	d.mu.Unlock()

	d.deliver(ctx, pending)
}

// Alerts returns active alerts plus the recent resolved history, newest
// first.
func (d *Dispatcher) Alerts() []models.Alert {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]models.Alert, 0, len(d.active)+len(d.resolved))
	for _, a := range d.active {
		out = append(out, *a)
	}
	out = append(out, d.resolved...)
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out
}

// raise opens a new alert or suppresses a repeat, returning the snapshot to
// deliver if any. Caller holds d.mu; delivery happens outside the lock.
func (d *Dispatcher) raise(alert models.Alert, seen time.Time) []models.Alert {
	if existing, ok := d.active[alert.DedupKey]; ok {
		existing.LastSeen = seen
		existing.Details = alert.Details
		if existing.State == models.AlertOpen {
			existing.State = models.AlertSuppressed
			metrics.AlertTransitions.WithLabelValues(string(models.AlertSuppressed)).Inc()
		}
		d.log.Debug("alert suppressed", logging.DedupKey(alert.DedupKey))
		return nil
	}

	alert.FirstSeen = seen
	alert.LastSeen = seen
	alert.State = models.AlertOpen
	stored := alert
	d.active[alert.DedupKey] = &stored
	metrics.AlertTransitions.WithLabelValues(string(models.AlertOpen)).Inc()

	d.log.Warn("alert opened",
		logging.RuleID(alert.RuleID),
		logging.DedupKey(alert.DedupKey),
		"severity", alert.Severity,
		"details", alert.Details)

	return []models.Alert{alert}
}

// resolveRule resolves every active alert for a rule, returning the
// resolution notices to deliver. Caller holds d.mu.
func (d *Dispatcher) resolveRule(ruleID string, seen time.Time) []models.Alert {
	var notices []models.Alert
	for key, a := range d.active {
		if a.RuleID == ruleID {
			if resolved := d.resolveKey(key, seen); resolved != nil {
				notices = append(notices, *resolved)
			}
		}
	}
	return notices
}

// resolveKey transitions one alert to Resolved, returning a snapshot for the
// resolution notice. Caller holds d.mu.
func (d *Dispatcher) resolveKey(key string, seen time.Time) *models.Alert {
	alert, ok := d.active[key]
	if !ok {
		return nil
	}
	delete(d.active, key)

	alert.State = models.AlertResolved
	alert.LastSeen = seen
	metrics.AlertTransitions.WithLabelValues(string(models.AlertResolved)).Inc()

	d.resolved = append(d.resolved, *alert)
	if len(d.resolved) > resolvedHistorySize {
		d.resolved = d.resolved[len(d.resolved)-resolvedHistorySize:]
	}

	d.log.Info("alert resolved",
		logging.RuleID(alert.RuleID),
		logging.DedupKey(alert.DedupKey))

	notice := *alert
	return &notice
}

// deliver pushes alerts through the channel. Never called under d.mu: a slow
// webhook must not block Alerts() or the writer's degradation hook.
func (d *Dispatcher) deliver(ctx context.Context, alerts []models.Alert) {
	if d.channel == nil {
		return
	}
	for i := range alerts {
		if err := d.channel.Send(ctx, &alerts[i]); err != nil {
			metrics.NotificationErrors.Inc()
			d.log.Error("notification delivery failed",
				logging.DedupKey(alerts[i].DedupKey), logging.Error(err))
		}
	}
}

func qualitySeverity(dimensions []string) string {
	for _, dim := range dimensions {
		if dim == models.DimensionConsistency {
			// Silent corruption outranks lag or gaps.
			return models.SeverityCritical
		}
	}
	return models.SeverityHigh
}

func failDetails(result models.QualityCheckResult) string {
	return fmt.Sprintf("dimensions [%s] out of tolerance: eventhouse=%d lakehouse=%d delta=%.4f freshness_lag=%s",
		strings.Join(result.FailedDimensions, ", "),
		result.EventhouseCount,
		result.LakehouseCount,
		result.CompletenessDelta,
		result.FreshnessLag)
}
