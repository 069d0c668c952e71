package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chainsight-systems/chainsight-pipeline/internal/config"
	"github.com/chainsight-systems/chainsight-pipeline/internal/logging"
	natsx "github.com/chainsight-systems/chainsight-pipeline/internal/messaging/nats"
	"github.com/chainsight-systems/chainsight-pipeline/internal/seeder"
)

var (
	seedCount      int
	seedTimeSpread time.Duration
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Publish synthetic blockchain events to the event stream",
	Long: `Generates fake price ticks, gas oracle readings, and ERC-20 transfers and
publishes them across the configured partitions. Useful for demo runs and for
exercising the reconciliation monitor.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSeed()
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedCount, "count", 1000, "number of events to publish")
	seedCmd.Flags().DurationVar(&seedTimeSpread, "time-spread", 10*time.Minute, "spread event times across this window ending now")
}

func runSeed() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	natsCfg := natsx.DefaultConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.Name = cfg.NATS.Name + "-seeder"
	js, err := natsx.NewJetStreamClient(natsCfg)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer js.Close()

	// The stream must exist before publishing; idempotent if serve already
	// created it.
	subjects := []string{cfg.NATS.SubjectPrefix + ".>"}
	if _, err := js.CreateOrUpdateStream(ctx, natsx.EventStreamConfig(cfg.NATS.EventStream, subjects)); err != nil {
		return fmt.Errorf("create event stream: %w", err)
	}

	runner := seeder.NewRunner(seeder.Config{
		Count:         seedCount,
		Partitions:    cfg.Ingestion.Partitions,
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		TimeSpread:    seedTimeSpread,
	}, js, log)

	stats, err := runner.Run(ctx)
	if err != nil {
		return err
	}
	if stats.Failed > 0 {
		return fmt.Errorf("seeding finished with %d failed publishes", stats.Failed)
	}
	return nil
}
