package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chainsight-systems/chainsight-pipeline/internal/alerting"
	"github.com/chainsight-systems/chainsight-pipeline/internal/config"
	"github.com/chainsight-systems/chainsight-pipeline/internal/coordinator"
	"github.com/chainsight-systems/chainsight-pipeline/internal/dlq"
	"github.com/chainsight-systems/chainsight-pipeline/internal/logging"
	natsx "github.com/chainsight-systems/chainsight-pipeline/internal/messaging/nats"
	"github.com/chainsight-systems/chainsight-pipeline/internal/models"
	"github.com/chainsight-systems/chainsight-pipeline/internal/monitor"
	"github.com/chainsight-systems/chainsight-pipeline/internal/scheduler"
	"github.com/chainsight-systems/chainsight-pipeline/internal/server"
	"github.com/chainsight-systems/chainsight-pipeline/internal/sink/eventhouse"
	"github.com/chainsight-systems/chainsight-pipeline/internal/sink/lakehouse"
	"github.com/chainsight-systems/chainsight-pipeline/internal/source"
	"github.com/chainsight-systems/chainsight-pipeline/internal/watermark"
	"github.com/chainsight-systems/chainsight-pipeline/internal/writer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion coordinator, quality monitor, and admin API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	log := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Startup uses a bounded context so a dead dependency fails fast.
	startCtx, cancelStart := context.WithTimeout(ctx, 30*time.Second)
	defer cancelStart()

	natsCfg := natsx.DefaultConfig()
	natsCfg.URL = cfg.NATS.URL
	natsCfg.Name = cfg.NATS.Name
	js, err := natsx.NewJetStreamClient(natsCfg)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer js.Close()

	src, err := source.NewJetStreamSource(startCtx, js, cfg.NATS.EventStream, cfg.NATS.SubjectPrefix)
	if err != nil {
		return fmt.Errorf("open event stream: %w", err)
	}

	deadLetter, err := dlq.NewJetStreamQueue(startCtx, js, cfg.NATS.DLQStream, cfg.NATS.DLQSubjectPrefix)
	if err != nil {
		return fmt.Errorf("open dlq stream: %w", err)
	}

	eh, err := eventhouse.New(startCtx, cfg.OpenSearch)
	if err != nil {
		return fmt.Errorf("connect eventhouse: %w", err)
	}

	if err := lakehouse.Migrate(cfg.Postgres.ConnString()); err != nil {
		return fmt.Errorf("migrate lakehouse: %w", err)
	}
	lh, err := lakehouse.New(startCtx, cfg.Postgres.ConnString())
	if err != nil {
		return fmt.Errorf("connect lakehouse: %w", err)
	}
	defer lh.Close()

	watermarks, err := watermark.NewRedisStore(startCtx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.KeyPrefix)
	if err != nil {
		return fmt.Errorf("connect watermark store: %w", err)
	}
	defer watermarks.Close()

	dispatcher := alerting.NewDispatcher(alerting.Config{
		InconclusiveAlertCycles: cfg.Monitor.InconclusiveAlertCycles,
		NotifyTimeout:           cfg.Alerting.NotificationTimeout(),
	}, buildChannel(cfg, log), log)

	w := writer.NewDualWriter(eh, lh, writer.Config{
		Policy: writer.RetryPolicy{
			MaxAttempts:    cfg.Ingestion.MaxWriteAttempts,
			BackoffBase:    cfg.Ingestion.BackoffBase,
			BackoffCap:     cfg.Ingestion.BackoffCap,
			AttemptTimeout: cfg.Ingestion.SinkTimeout,
		},
		Breaker: writer.BreakerConfig{
			Threshold: cfg.Ingestion.CircuitBreakerThreshold,
			Window:    cfg.Ingestion.CircuitBreakerWindow,
			Cooldown:  cfg.Ingestion.CircuitBreakerCooldown,
		},
		BufferSize: cfg.Ingestion.BufferSize,
		OnDegraded: dispatcher.SinkDegraded,
		OnDrop: func(event *models.Event, sinkName string, dropErr error) {
			dropCtx, cancel := context.WithTimeout(context.Background(), cfg.Ingestion.SinkTimeout)
			defer cancel()
			entry := models.DeadLetterEntry{
				Timestamp:   time.Now().UTC(),
				PartitionID: event.PartitionID,
				Offset:      event.Offset,
				Reason:      dlq.ReasonSinkFailure,
				Error:       fmt.Sprintf("drain to %s failed: %v", sinkName, dropErr),
			}
			if err := deadLetter.Write(dropCtx, entry); err != nil {
				log.Error("dead-letter write for dropped event failed", logging.Error(err))
			}
		},
	}, log)

	coord := coordinator.New(coordinator.Config{
		Partitions:      cfg.Ingestion.Partitions,
		ShutdownTimeout: cfg.Ingestion.ShutdownTimeout,
	}, src, w, watermarks, deadLetter, log)

	mon := monitor.New(monitor.Config{
		WindowSize:            cfg.Monitor.WindowSize,
		CompletenessTolerance: cfg.Monitor.CompletenessTolerance,
		FreshnessTolerance:    cfg.Monitor.FreshnessTolerance,
		HistorySize:           cfg.Monitor.HistorySize,
	}, eh, lh, watermarks, cfg.Ingestion.Partitions, dispatcher, log)

	sched := scheduler.New(mon.RunCycle, scheduler.Config{Interval: cfg.Monitor.Interval}, log)
	if err := sched.Start(ctx); err != nil {
		return err
	}

	handler := server.New(rootCmd.Version, cfg.Ingestion.Partitions, watermarks, mon, dispatcher)
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      server.NewRouter(handler),
		ReadTimeout:  cfg.Server.ReadTimeout(),
		WriteTimeout: cfg.Server.WriteTimeout(),
	}

	go func() {
		log.Info("admin server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("admin server failed", logging.Error(err))
			stop()
		}
	}()

	log.Info("pipeline started",
		"partitions", len(cfg.Ingestion.Partitions),
		"event_stream", cfg.NATS.EventStream)

	// Blocks until shutdown; workers finish their in-flight dual writes.
	coord.Run(ctx)

	log.Info("shutting down")
	if err := sched.Stop(); err != nil {
		log.Warn("scheduler stop", logging.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ingestion.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("admin server shutdown", logging.Error(err))
	}
	return nil
}

// buildChannel assembles the notification fan-out from the configured
// endpoints, falling back to the structured log.
func buildChannel(cfg *config.Config, log *logging.Logger) alerting.Channel {
	var channels []alerting.Channel
	if cfg.Alerting.WebhookURL != "" {
		channels = append(channels, alerting.NewWebhookChannel(cfg.Alerting.WebhookURL, cfg.Alerting.NotificationTimeout()))
	}
	if cfg.Alerting.SlackWebhookURL != "" {
		channels = append(channels, alerting.NewSlackChannel(cfg.Alerting.SlackWebhookURL, cfg.Alerting.NotificationTimeout()))
	}
	if len(channels) == 0 {
		return alerting.NewLogChannel(log)
	}
	if len(channels) == 1 {
		return channels[0]
	}
	return alerting.NewMultiChannel(channels...)
}
