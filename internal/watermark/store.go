// Package watermark persists per-partition progress markers. The store is the
// only mutable state shared across coordinator restarts, so every update goes
// through compare-and-set.
package watermark

import (
	"context"
	"errors"

	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
)

// ErrNotFound is returned by Get when the partition has no watermark yet.
var ErrNotFound = errors.New("watermark not found")

// NoWatermark is the expected offset passed to CompareAndSet when the
// partition has never been committed.
const NoWatermark int64 = -1

// Store persists watermarks durably. The coordinator is the sole writer per
// partition; compare-and-set only guards against crash-recovery re-reads.
// A false CAS result is a lost race, not an error: store errors mean the
// watermark could not be read or written at all, and ingestion for the
// partition must pause rather than risk a duplicate or lost commit.
type Store interface {
	// Get returns the partition's watermark, or ErrNotFound.
	Get(ctx context.Context, partitionID string) (*models.Watermark, error)

	// CompareAndSet stores wm if the current committed offset equals
	// expectedOffset (NoWatermark for "no watermark exists").
	CompareAndSet(ctx context.Context, expectedOffset int64, wm models.Watermark) (bool, error)
}
