package models

import "time"

// AlertState tracks the notification lifecycle of a quality alert.
type AlertState string

const (
	// AlertOpen means the condition was just detected and a notification
	// was delivered.
	AlertOpen AlertState = "open"

	// AlertSuppressed means the condition persists but the operator was
	// already paged; only last_seen is refreshed.
	AlertSuppressed AlertState = "suppressed"

	// AlertResolved means a subsequent check of the same window passed and
	// a resolution notice was delivered.
	AlertResolved AlertState = "resolved"
)

// Severity levels accepted by the downstream alert channel.
const (
	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
)

// Alert is the dispatcher's record of a failing condition. DedupKey is
// derived from the rule and the window so repeated failures of the same
// window collapse into one page.
type Alert struct {
	RuleID      string     `json:"rule_id"`
	Severity    string     `json:"severity"`
	WindowStart time.Time  `json:"window_start"`
	WindowEnd   time.Time  `json:"window_end"`
	Details     string     `json:"details"`
	DedupKey    string     `json:"dedup_key"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastSeen    time.Time  `json:"last_seen"`
	State       AlertState `json:"state"`
}
