// Package scheduler drives the dequeue loop described in spec §4.7: the
// actual priority chain (inflight cap, bootstrap priority, domain/prefix
// tiers, per-domain limits, oldest-first tie-break) lives in Store.Dequeue,
// which every backend implements as a single atomic Queued→Processing claim.
// Scheduler is the thin orchestration on top: poll, hand the claimed task to
// a worker, repeat.
package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/avenoir-dev/spyglass/internal/model"
	"github.com/avenoir-dev/spyglass/internal/store"
)

// DefaultPollInterval is how often Run asks Store.Dequeue for the next task
// when the queue was last found empty.
const DefaultPollInterval = 2 * time.Second

// Config configures a Scheduler.
type Config struct {
	Settings            store.Settings
	PrioritizedDomains  []string
	PrioritizedPrefixes []string
	PollInterval        time.Duration
	QueueSize           int
}

// Scheduler polls Store.Dequeue and publishes claimed tasks on Tasks() for
// a worker pool to consume.
type Scheduler struct {
	store  store.Store
	cfg    Config
	tasks  chan *model.CrawlTask
	paused atomic.Bool
}

// New builds a Scheduler backed by st.
func New(st store.Store, cfg Config) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	return &Scheduler{store: st, cfg: cfg, tasks: make(chan *model.CrawlTask, cfg.QueueSize)}
}

// Tasks returns the channel workers should range over. It is closed when Run
// returns.
func (s *Scheduler) Tasks() <-chan *model.CrawlTask {
	return s.tasks
}

// SetPaused implements the `toggle_pause` RPC: while paused, Run stops
// claiming new tasks but keeps polling so it resumes promptly once
// unpaused.
func (s *Scheduler) SetPaused(paused bool) { s.paused.Store(paused) }

// Paused reports the current pause state.
func (s *Scheduler) Paused() bool { return s.paused.Load() }

// Run resets any tasks crash-interrupted in a prior process (spec §4.7's
// reset_processing), then polls Dequeue until ctx is cancelled. Each claimed
// task is sent on Tasks(); an empty queue backs off for PollInterval before
// trying again.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.tasks)

	if err := s.store.ResetProcessing(ctx); err != nil {
		return fmt.Errorf("scheduler: reset processing: %w", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if s.paused.Load() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				continue
			}
		}

		task, err := s.store.Dequeue(ctx, s.cfg.Settings, s.cfg.PrioritizedDomains, s.cfg.PrioritizedPrefixes)
		if err != nil {
			return fmt.Errorf("scheduler: dequeue: %w", err)
		}

		if task == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				continue
			}
		}

		select {
		case s.tasks <- task:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
