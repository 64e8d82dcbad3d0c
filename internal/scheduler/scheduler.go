// Package scheduler is the process-wide periodic driver: every interval
// it enumerates accounts with active connections and hands each to the
// orchestrator through a bounded worker pool. A manual trigger enqueues
// one account out of band without disturbing the periodic cadence. The
// clock is injectable so tests can drive ticks explicitly.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/pkg/errors"
	"github.com/shelfsync/shelfsync/pkg/logging"
	"github.com/shelfsync/shelfsync/pkg/store"
	"github.com/shelfsync/shelfsync/pkg/syncer"
)

// Syncer is the orchestrator surface the scheduler drives.
type Syncer interface {
	SyncAccount(ctx context.Context, accountID string) (*syncer.SyncReport, error)
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithWorkers bounds how many accounts sync concurrently.
func WithWorkers(n int) Option {
	return func(s *Scheduler) { s.workers = n }
}

// Scheduler drives periodic and manually triggered sync runs.
type Scheduler struct {
	sync      Syncer
	directory store.ConnectionDirectory
	interval  time.Duration
	workers   int
	clock     Clock

	trigger chan string
	stop    chan struct{}
	done    chan struct{}
	started sync.Once
	stopped sync.Once
}

// New creates a Scheduler running every interval.
func New(sync Syncer, directory store.ConnectionDirectory, interval time.Duration, opts ...Option) *Scheduler {
	s := &Scheduler{
		sync:      sync,
		directory: directory,
		interval:  interval,
		workers:   4,
		clock:     realClock{},
		trigger:   make(chan string, 64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the driver: one immediate full run, then one per
// interval. It returns immediately; Stop ends the loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.started.Do(func() {
		go s.run(ctx)
	})
}

// Stop ends the loop and waits for in-flight syncs to finish or the
// context to expire.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopped.Do(func() { close(s.stop) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// TriggerNow enqueues an out-of-band run for one account. It never
// blocks; a full queue is reported as an error.
func (s *Scheduler) TriggerNow(accountID string) error {
	select {
	case s.trigger <- accountID:
		return nil
	default:
		return fmt.Errorf("trigger queue full, account %s not enqueued", accountID)
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)
	log := logging.Ctx(ctx)
	log.Info().Dur("interval", s.interval).Int("workers", s.workers).Msg("Scheduler started")

	var wg sync.WaitGroup
	sem := make(chan struct{}, s.workers)

	dispatch := func(accountID string) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			s.syncOne(ctx, accountID)
		}()
	}

	runAll := func() {
		accountIDs, err := s.directory.ListAccountIDs(ctx)
		if err != nil {
			log.Error().Err(err).Msg("Failed to enumerate accounts")
			return
		}
		for _, id := range accountIDs {
			dispatch(id)
		}
	}

	runAll()
	// One timer across iterations: a manual trigger must not re-arm it,
	// or frequent triggers would postpone the periodic run indefinitely.
	tick := s.clock.After(s.interval)
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			log.Info().Msg("Scheduler stopped")
			return
		case <-s.stop:
			wg.Wait()
			log.Info().Msg("Scheduler stopped")
			return
		case accountID := <-s.trigger:
			dispatch(accountID)
		case <-tick:
			tick = s.clock.After(s.interval)
			runAll()
		}
	}
}

func (s *Scheduler) syncOne(ctx context.Context, accountID string) {
	log := logging.Ctx(logging.WithAccount(ctx, accountID))
	if _, err := s.sync.SyncAccount(ctx, accountID); err != nil {
		if errors.Is(err, errors.ErrSyncInProgress) {
			log.Debug().Msg("Account still syncing, skipped this tick")
			return
		}
		log.Error().Err(err).Msg("Account sync failed")
	}
}
