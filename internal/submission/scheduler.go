package submission

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/bardlex/orepool/pkg/log"
)

// Cycler runs one batch cycle
type Cycler interface {
	RunCycle(ctx context.Context) (CycleReport, error)
}

// Locker is a cross-process mutex. TryLock returns a token identifying the
// holder, and ok=false when someone else holds the lock.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, key, token string) error
}

// Trigger delivers external cycle requests, e.g. new-slot notifications.
// Listen calls fire for each event until ctx ends.
type Trigger interface {
	Listen(ctx context.Context, fire func()) error
}

// DefaultLockKey is the lock shared by every cycle runner
const DefaultLockKey = "orepool:batch_cycle"

// lockMarginPerRecord covers bus lookups, the blockhash fetch and send retries
// on top of the confirmation wait.
const lockMarginPerRecord = 30 * time.Second

// CycleLockTTL is how long a cycle may hold the cross-process lock. It
// outlasts a cycle in which every record waits the full confirmation
// timeout.
func CycleLockTTL(maxBatchSize int, confirmTimeout time.Duration) time.Duration {
	return time.Duration(max(maxBatchSize, 1)) * (confirmTimeout + lockMarginPerRecord)
}

// Scheduler runs cycles on an interval and on demand. At most one cycle runs
// at a time in the process, and with a Locker at most one across processes.
type Scheduler struct {
	cycler   Cycler
	interval time.Duration
	logger   *log.Logger

	locker  Locker
	lockKey string
	lockTTL time.Duration
	trigger Trigger

	requests chan struct{}
	running  atomic.Bool
}

// SchedulerOption configures a Scheduler
type SchedulerOption func(*Scheduler)

// WithLocker guards cycles with a distributed lock held for at most ttl
func WithLocker(l Locker, key string, ttl time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.locker = l
		s.lockKey = key
		s.lockTTL = ttl
	}
}

// WithTrigger requests a cycle on every trigger event
func WithTrigger(t Trigger) SchedulerOption {
	return func(s *Scheduler) {
		s.trigger = t
	}
}

// NewScheduler creates a scheduler running c every interval
func NewScheduler(c Cycler, interval time.Duration, logger *log.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		cycler:   c,
		interval: interval,
		logger:   logger.WithComponent("scheduler"),
		lockKey:  DefaultLockKey,
		lockTTL:  CycleLockTTL(10, time.Minute),
		requests: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Request asks for a cycle as soon as possible. Requests made while one is
// already queued are merged.
func (s *Scheduler) Request() {
	select {
	case s.requests <- struct{}{}:
	default:
	}
}

// Run schedules cycles until ctx ends. A cycle in progress when ctx ends is
// finished before Run returns.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.trigger != nil {
		triggerDone := make(chan struct{})
		go func() {
			defer close(triggerDone)
			if err := s.trigger.Listen(ctx, s.Request); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Error("cycle trigger stopped")
			}
		}()
		defer func() { <-triggerDone }()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("scheduler started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		case <-s.requests:
		}
		s.RunOnce(ctx)
	}
}

// RunOnce runs a cycle unless one is already running here or elsewhere. It
// reports whether a cycle ran. The cycle itself ignores ctx cancellation.
func (s *Scheduler) RunOnce(ctx context.Context) (CycleReport, bool) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Debug("cycle already running")
		return CycleReport{}, false
	}
	defer s.running.Store(false)

	cycleCtx := context.WithoutCancel(ctx)

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(cycleCtx, s.lockKey, s.lockTTL)
		if err != nil {
			s.logger.WithError(err).Warn("failed to acquire cycle lock")
			return CycleReport{}, false
		}
		if !ok {
			s.logger.Debug("cycle lock held by another process")
			return CycleReport{}, false
		}
		defer func() {
			if err := s.locker.Unlock(cycleCtx, s.lockKey, token); err != nil {
				s.logger.WithError(err).Warn("failed to release cycle lock")
			}
		}()
	}

	report, err := s.cycler.RunCycle(cycleCtx)
	if err != nil {
		s.logger.WithError(err).Error("batch cycle failed")
		return report, false
	}
	return report, true
}
