package logging

import (
	"time"

	"log/slog"
)

// Common field names for consistent logging across the pipeline.
const (
	FieldComponent = "component"
	FieldPartition = "partition"
	FieldOffset    = "offset"
	FieldEventID   = "event_id"
	FieldSink      = "sink"
	FieldWindow    = "window"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
	FieldRuleID    = "rule_id"
	FieldDedupKey  = "dedup_key"
)

// Component returns a slog attribute for the component name.
func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

// Partition returns a slog attribute for the partition ID.
func Partition(id string) slog.Attr {
	return slog.String(FieldPartition, id)
}

// Offset returns a slog attribute for a partition offset.
func Offset(o uint64) slog.Attr {
	return slog.Uint64(FieldOffset, o)
}

// EventID returns a slog attribute for the event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// Sink returns a slog attribute for the sink name.
func Sink(name string) slog.Attr {
	return slog.String(FieldSink, name)
}

// Window returns a slog attribute for a reconciliation window.
func Window(start, end time.Time) slog.Attr {
	return slog.String(FieldWindow, start.UTC().Format(time.RFC3339)+"/"+end.UTC().Format(time.RFC3339))
}

// Duration returns a slog attribute for an elapsed duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// RuleID returns a slog attribute for an alert rule ID.
func RuleID(id string) slog.Attr {
	return slog.String(FieldRuleID, id)
}

// DedupKey returns a slog attribute for an alert dedup key.
func DedupKey(key string) slog.Attr {
	return slog.String(FieldDedupKey, key)
}

// Error returns a slog attribute for an error value.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
