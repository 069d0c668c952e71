// Package lakehouse implements the durable bulk sink on PostgreSQL.
package lakehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
	"github.com/chainsight-systems/chainsight-pipeline/internal/sink"
)

// Store writes events into the chain_events table. The primary key
// (partition_id, event_id) makes replays no-ops.
type Store struct {
	pool *pgxpool.Pool
}

// New creates the Lakehouse sink over a pgx connection pool.
func New(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	cfg.MaxConns = 25
	cfg.MinConns = 5
	cfg.MaxConnLifetime = 5 * time.Minute
	cfg.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool; the caller keeps ownership.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Name implements sink.Sink.
func (s *Store) Name() string {
	return "lakehouse"
}

// Upsert implements sink.Sink. ON CONFLICT DO NOTHING turns a replayed event
// into a zero-row insert, which is reported as Duplicate.
func (s *Store) Upsert(ctx context.Context, event *models.Event) (sink.WriteStatus, error) {
	query := `
		INSERT INTO chain_events (partition_id, event_id, event_offset, event_type, event_time, payload, payload_hash, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (partition_id, event_id) DO NOTHING
	`

	tag, err := s.pool.Exec(ctx, query,
		event.PartitionID, event.EventID, event.Offset, event.EventType,
		event.EventTime.UTC(), event.Payload, event.PayloadHash,
	)
	if err != nil {
		return sink.StatusFail, fmt.Errorf("insert event %s: %w", event.EventID, err)
	}

	if tag.RowsAffected() == 0 {
		return sink.StatusDuplicate, nil
	}
	return sink.StatusAck, nil
}

// CountInWindow implements sink.Sink.
func (s *Store) CountInWindow(ctx context.Context, start, end time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM chain_events WHERE event_time >= $1 AND event_time < $2`

	var count int64
	if err := s.pool.QueryRow(ctx, query, start.UTC(), end.UTC()).Scan(&count); err != nil {
		return 0, fmt.Errorf("count window: %w", err)
	}
	return count, nil
}

// HashAggregateInWindow implements sink.Sink. Hashes are fetched and folded
// client-side so the aggregate matches the Eventhouse computation exactly.
func (s *Store) HashAggregateInWindow(ctx context.Context, start, end time.Time) (string, error) {
	query := `SELECT payload_hash FROM chain_events WHERE event_time >= $1 AND event_time < $2`

	rows, err := s.pool.Query(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return "", fmt.Errorf("hash scan: %w", err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return "", fmt.Errorf("scan payload hash: %w", err)
		}
		hashes = append(hashes, h)
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("hash scan: %w", err)
	}

	return sink.HashAggregate(hashes), nil
}

// LatestEventTime implements sink.Sink.
func (s *Store) LatestEventTime(ctx context.Context) (time.Time, error) {
	query := `SELECT event_time FROM chain_events ORDER BY event_time DESC LIMIT 1`

	var latest time.Time
	err := s.pool.QueryRow(ctx, query).Scan(&latest)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("latest event time: %w", err)
	}
	return latest, nil
}
