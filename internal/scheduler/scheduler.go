// Package scheduler runs dispatch cycles on a fixed interval.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nhle/mailer/internal/dispatch"
	"github.com/nhle/mailer/internal/metrics"
	"github.com/nhle/mailer/internal/pool"
	"github.com/nhle/mailer/internal/store"
	"github.com/nhle/mailer/internal/transport"
)

// DefaultInterval is the delay between two cycles when none is configured.
const DefaultInterval = 1500 * time.Millisecond

// State is the scheduler's current activity.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateStopped
)

// Status describes the scheduler's progress.
type Status struct {
	State     State
	Cycles    int
	LastCycle time.Time
	LastError error
	Last      dispatch.Report
}

// Options configure a Scheduler.
type Options struct {
	// Interval between cycles. Defaults to DefaultInterval.
	Interval time.Duration

	Factory transport.Factory
	Store   store.Store

	// Resolver is optional; without it passwords are used as stored.
	Resolver pool.SecretResolver
	Limits   pool.Limits

	// Workers is the number of accounts delivered in parallel.
	Workers int

	Logger zerolog.Logger
}

// Scheduler owns a session pool and runs one dispatch cycle per interval.
// Cycles never overlap.
type Scheduler struct {
	interval   time.Duration
	pool       *pool.Manager
	dispatcher *dispatch.Dispatcher
	log        zerolog.Logger

	triggerCh chan struct{}
	stopCh    chan struct{}
	done      chan struct{}
	stopOnce  sync.Once

	mu     sync.Mutex
	status Status
}

// Start builds the pool and dispatcher and starts the timer loop. The first
// cycle runs one interval after Start.
func Start(opts Options) (*Scheduler, error) {
	if opts.Factory == nil {
		return nil, errors.New("scheduler: transport factory is required")
	}
	if opts.Store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}

	logger := opts.Logger.With().Str("component", "scheduler").Logger()
	p := pool.NewManager(opts.Store, opts.Factory, pool.Config{
		Resolver: opts.Resolver,
		Limits:   opts.Limits,
		Logger:   opts.Logger,
	})
	tracker := dispatch.NewTracker(opts.Store, opts.Workers, opts.Logger)

	s := &Scheduler{
		interval:   opts.Interval,
		pool:       p,
		dispatcher: dispatch.NewDispatcher(opts.Store, p, tracker, opts.Logger),
		log:        logger,
		triggerCh:  make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}

	go s.loop()
	logger.Info().Dur("interval", opts.Interval).Msg("scheduler started")

	return s, nil
}

// Stop prevents further cycles, waits for a running cycle to finish and
// closes every pooled session. Calling Stop again is a no-op.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		<-s.done
		s.pool.CloseAll()

		s.mu.Lock()
		s.status.State = StateStopped
		s.mu.Unlock()

		s.log.Info().Msg("scheduler stopped")
	})
}

// Trigger requests a cycle without waiting for the next tick. Requests made
// while one is already queued are dropped.
func (s *Scheduler) Trigger() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Status returns a snapshot of the scheduler's progress.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Sessions returns the number of cached account sessions.
func (s *Scheduler) Sessions() int {
	return s.pool.Len()
}

func (s *Scheduler) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		case <-s.triggerCh:
		}

		// A stop that raced with the tick wins.
		select {
		case <-s.stopCh:
			return
		default:
		}

		s.runCycle()
	}
}

func (s *Scheduler) runCycle() {
	s.setState(StateRunning)
	start := time.Now()

	report, err := s.dispatcher.RunCycle(context.Background())
	elapsed := time.Since(start)
	metrics.RecordCycle(elapsed, err)

	s.mu.Lock()
	s.status.State = StateIdle
	s.status.Cycles++
	s.status.LastCycle = start
	s.status.LastError = err
	s.status.Last = report
	s.mu.Unlock()

	switch {
	case err != nil:
		s.log.Error().Err(err).Dur("elapsed", elapsed).Msg("dispatch cycle failed")
	case report.Messages > 0:
		s.log.Info().
			Int("messages", report.Messages).
			Int("accounts", report.Accounts).
			Int("skipped_accounts", report.SkippedAccounts).
			Int("completed", report.Completed).
			Int("sent", report.Sent).
			Int("failed", report.Failed).
			Int("unrecorded", report.Unrecorded).
			Dur("elapsed", elapsed).
			Msg("dispatch cycle finished")
	default:
		s.log.Debug().Dur("elapsed", elapsed).Msg("dispatch cycle idle")
	}
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.State = state
}
