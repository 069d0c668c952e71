package lakehouse

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
	"github.com/chainsight-systems/chainsight-pipeline/internal/sink"
)

// setupTestDatabase creates a PostgreSQL testcontainer and runs the embedded
// migrations. Requires a Docker daemon; skipped in -short runs.
func setupTestDatabase(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}

	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("chainsight_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get connection string: %v", err)
	}

	require.NoError(t, Migrate(connStr))

	store, err := New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	return store
}

func testEvent(id string, at time.Time) *models.Event {
	return &models.Event{
		PartitionID: "0",
		Offset:      7,
		EventID:     id,
		EventType:   "erc20_transfer",
		EventTime:   at,
		Payload:     json.RawMessage(`{"value": "1000000000000000000"}`),
		PayloadHash: "hash-" + id,
	}
}

func TestUpsertIdempotent(t *testing.T) {
	store := setupTestDatabase(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	status, err := store.Upsert(ctx, testEvent("ev-1", now))
	require.NoError(t, err)
	assert.Equal(t, sink.StatusAck, status)

	status, err = store.Upsert(ctx, testEvent("ev-1", now))
	require.NoError(t, err)
	assert.Equal(t, sink.StatusDuplicate, status)

	count, err := store.CountInWindow(ctx, now.Add(-time.Minute), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestWindowQueries(t *testing.T) {
	store := setupTestDatabase(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	for _, e := range []*models.Event{
		testEvent("ev-1", base.Add(10*time.Second)),
		testEvent("ev-2", base.Add(20*time.Second)),
		testEvent("ev-3", base.Add(10*time.Minute)),
	} {
		_, err := store.Upsert(ctx, e)
		require.NoError(t, err)
	}

	count, err := store.CountInWindow(ctx, base, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	agg, err := store.HashAggregateInWindow(ctx, base, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, sink.HashAggregate([]string{"hash-ev-1", "hash-ev-2"}), agg)

	latest, err := store.LatestEventTime(ctx)
	require.NoError(t, err)
	assert.True(t, latest.Equal(base.Add(10*time.Minute)))
}
