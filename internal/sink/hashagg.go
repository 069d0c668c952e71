package sink

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashAggregate folds a set of payload hashes into a single order-independent
// digest: the XOR of the SHA-256 of each hash string. Both sinks compute it
// over the same window client-side, so the aggregate is comparable regardless
// of each store's native aggregation capabilities. An empty window aggregates
// to the empty string.
func HashAggregate(payloadHashes []string) string {
	if len(payloadHashes) == 0 {
		return ""
	}

	var agg [sha256.Size]byte
	for _, h := range payloadHashes {
		d := sha256.Sum256([]byte(h))
		for i := range agg {
			agg[i] ^= d[i]
		}
	}
	return hex.EncodeToString(agg[:])
}
