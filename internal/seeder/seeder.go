package seeder

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/chainsight-systems/chainsight-pipeline/internal/logging"
)

// Publisher is the narrow slice of the JetStream client the seeder needs.
type Publisher interface {
	PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error)
}

// Config controls a seeding run.
type Config struct {
	// Count is the total number of events to publish.
	Count int

	// Partitions are the partition IDs events are spread across.
	Partitions []string

	// SubjectPrefix is the event stream subject prefix; events are published
	// to <prefix>.<partition>.
	SubjectPrefix string

	// TimeSpread distributes event times across the window ending at now.
	// Zero means all events carry the current time.
	TimeSpread time.Duration
}

// Stats summarizes a seeding run.
type Stats struct {
	Published int
	Failed    int
}

// Runner publishes synthetic events to the event stream.
type Runner struct {
	cfg Config
	pub Publisher
	log *logging.Logger
}

// NewRunner creates a seeder runner.
func NewRunner(cfg Config, pub Publisher, log *logging.Logger) *Runner {
	return &Runner{
		cfg: cfg,
		pub: pub,
		log: log.With(logging.Component("seeder")),
	}
}

// Run generates and publishes cfg.Count events. Individual publish failures
// are counted, not fatal; the run only aborts on ctx cancellation.
func (r *Runner) Run(ctx context.Context) (Stats, error) {
	if r.cfg.Count <= 0 {
		return Stats{}, fmt.Errorf("event count must be positive")
	}
	if len(r.cfg.Partitions) == 0 {
		return Stats{}, fmt.Errorf("at least one partition required")
	}

	gofakeit.Seed(time.Now().UnixNano())
	now := time.Now().UTC()

	r.log.Info("seeding events",
		"count", r.cfg.Count,
		"partitions", len(r.cfg.Partitions),
		"time_spread", r.cfg.TimeSpread.String())

	var stats Stats
	for i := 0; i < r.cfg.Count; i++ {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		eventType := eventTypes[rand.Intn(len(eventTypes))]
		data, err := GenerateEvent(eventType, jitteredTime(now, r.cfg.TimeSpread, i, r.cfg.Count))
		if err != nil {
			return stats, fmt.Errorf("generate event: %w", err)
		}

		partition := r.cfg.Partitions[rand.Intn(len(r.cfg.Partitions))]
		subject := fmt.Sprintf("%s.%s", r.cfg.SubjectPrefix, partition)

		if _, err := r.pub.PublishSync(ctx, subject, data); err != nil {
			stats.Failed++
			r.log.Warn("publish failed", logging.Partition(partition), logging.Error(err))
			continue
		}
		stats.Published++
	}

	r.log.Info("seeding finished", "published", stats.Published, "failed", stats.Failed)
	return stats, nil
}
