/**
 * @description
 * Cron scheduler for the matching tick. The scheduler owns its own lifecycle and never
 * runs two ticks at once: cron.SkipIfStillRunning drops a period that fires while the
 * previous tick is still running, and an in-process guard covers RunOnce callers. The
 * TickLock extends the exclusion across instances.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/transfa/netting-service/internal/config"
)

const (
	defaultMatchInterval = 5 * time.Second
	defaultTickTimeout   = 30 * time.Second
)

// Ticker is the unit of work the scheduler runs each period.
type Ticker interface {
	RunTick(ctx context.Context) TickReport
}

// Scheduler manages the recurring matching tick.
type Scheduler struct {
	cron     *cron.Cron
	ticker   Ticker
	lock     TickLock
	logger   *slog.Logger
	interval time.Duration
	// ticks are cut off before the cross-instance lease can lapse
	timeout time.Duration

	metrics *TickMetrics

	mu      sync.Mutex
	entryID cron.EntryID
	running atomic.Bool
	ticking atomic.Bool
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(ticker Ticker, lock TickLock, logger *slog.Logger, cfg config.Config) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	interval := cfg.MatchInterval()
	if interval <= 0 {
		interval = defaultMatchInterval
	}
	timeout := cfg.TickLockTTL()
	if timeout <= 0 {
		timeout = defaultTickTimeout
	}
	if lock == nil {
		lock = NoopTickLock{}
	}

	return &Scheduler{
		cron:     c,
		ticker:   ticker,
		lock:     lock,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
	}
}

// Start registers the matching job and starts the cron scheduler. Calling Start on a
// running scheduler is a no-op.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return nil
	}
	if s.entryID == 0 {
		schedule := fmt.Sprintf("@every %s", s.interval)
		id, err := s.cron.AddFunc(schedule, s.tick)
		if err != nil {
			s.logger.Error("failed to schedule matching job", "error", err)
			return err
		}
		s.entryID = id
		s.logger.Info("scheduled matching job", "schedule", schedule)
	}

	s.cron.Start()
	s.running.Store(true)
	return nil
}

// Stop gracefully stops the cron scheduler. The returned context is done once an
// in-flight tick has finished.
func (s *Scheduler) Stop() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running.Store(false)
	return s.cron.Stop()
}

// IsRunning reports whether the recurring tick is active.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// SetMetrics attaches tick metrics. Call before Start.
func (s *Scheduler) SetMetrics(m *TickMetrics) {
	s.metrics = m
}

// RunOnce runs a single tick now. It returns ran == false when the tick was skipped
// because another tick is in progress here or the cross-instance lock is held elsewhere.
func (s *Scheduler) RunOnce(ctx context.Context) (TickReport, bool) {
	report, ran := s.runOnce(ctx)
	s.metrics.observe(report, ran)
	return report, ran
}

func (s *Scheduler) runOnce(ctx context.Context) (TickReport, bool) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.logger.Debug("matching tick already in progress; skipping")
		return TickReport{}, false
	}
	defer s.ticking.Store(false)

	release, acquired, err := s.lock.TryAcquire(ctx)
	if err != nil {
		s.logger.Warn("could not acquire tick lock; skipping tick", "error", err)
		return TickReport{}, false
	}
	if !acquired {
		s.logger.Debug("tick lock held by another instance; skipping")
		return TickReport{}, false
	}
	defer release()

	return s.ticker.RunTick(ctx), true
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.RunOnce(ctx)
}
