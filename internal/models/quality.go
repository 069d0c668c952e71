package models

import (
	"fmt"
	"time"
)

// CheckStatus is the outcome of one reconciliation window.
type CheckStatus string

const (
	// StatusPass means both sinks agree within tolerance.
	StatusPass CheckStatus = "pass"

	// StatusFail means at least one dimension is out of tolerance.
	StatusFail CheckStatus = "fail"

	// StatusInconclusive means a sink could not be queried; the window is
	// retried next cycle and never raises a data-quality alert by itself.
	StatusInconclusive CheckStatus = "inconclusive"
)

// Reconciliation dimensions, tagged onto failing results.
const (
	DimensionFreshness    = "freshness"
	DimensionCompleteness = "completeness"
	DimensionConsistency  = "consistency"
)

// QualityCheckResult is one immutable evaluation of a reconciliation window.
// Re-evaluating a window (late data) appends a new result rather than
// mutating the old one, so alert history stays auditable.
type QualityCheckResult struct {
	WindowStart       time.Time     `json:"window_start"`
	WindowEnd         time.Time     `json:"window_end"`
	EventhouseCount   int64         `json:"eventhouse_count"`
	LakehouseCount    int64         `json:"lakehouse_count"`
	EventhouseHashAgg string        `json:"eventhouse_hash_agg"`
	LakehouseHashAgg  string        `json:"lakehouse_hash_agg"`
	CompletenessDelta float64       `json:"completeness_delta"`
	FreshnessLag      time.Duration `json:"freshness_lag"`
	Status            CheckStatus   `json:"status"`
	FailedDimensions  []string      `json:"failed_dimensions,omitempty"`
	Error             string        `json:"error,omitempty"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
}

// WindowKey identifies the evaluated window independent of when it was
// evaluated. Alert deduplication is keyed on it.
func (r *QualityCheckResult) WindowKey() string {
	return fmt.Sprintf("%d-%d", r.WindowStart.Unix(), r.WindowEnd.Unix())
}
