// Package dlq is the append-only side channel for events that cannot be
// committed normally.
package dlq

import (
	"context"

	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
)

// Failure reasons recorded with each dead-letter entry.
const (
	ReasonMalformed   = "malformed"
	ReasonSinkFailure = "sink_failure"
)

// Queue records events for operator follow-up. Write must succeed before the
// coordinator treats the event as handled and advances the watermark past it.
type Queue interface {
	Write(ctx context.Context, entry models.DeadLetterEntry) error
}
