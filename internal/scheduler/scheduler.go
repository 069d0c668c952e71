// Package scheduler drives a periodic task on a fixed interval.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chainsight-systems/chainsight-pipeline/internal/logging"
)

// Task is one evaluation cycle. It receives the tick time and must respect
// ctx cancellation.
type Task func(ctx context.Context, now time.Time)

// Config configures the scheduler.
type Config struct {
	Interval time.Duration
}

// Scheduler runs a task on a fixed cadence. The first cycle runs immediately
// on Start; cycles never overlap because the loop is single-threaded.
type Scheduler struct {
	mu       sync.Mutex
	task     Task
	interval time.Duration
	running  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
	log      *logging.Logger
}

// New creates a scheduler for the given task.
func New(task Task, cfg Config, log *logging.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	return &Scheduler{
		task:     task,
		interval: cfg.Interval,
		log:      log.With(logging.Component("scheduler")),
	}
}

// Start begins the scheduling loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	s.log.Info("scheduler starting", logging.Duration(s.interval))

	s.wg.Add(1)
	go s.run(ctx)

	return nil
}

// Stop halts the loop and waits for an in-progress cycle to finish.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	close(s.stopChan)
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.task(ctx, time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		case now := <-ticker.C:
			s.task(ctx, now.UTC())
		}
	}
}
