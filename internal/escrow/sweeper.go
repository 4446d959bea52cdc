package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/escrowd/internal/apperr"
	"github.com/mbd888/escrowd/internal/jobs"
)

const sweepBatch = 100

// SweepTask is extra periodic work run by each expiry.sweep job.
type SweepTask func(ctx context.Context, now time.Time) error

// Sweeper expires escrows that missed their payment deadline.
//
// Start only schedules: every tick it enqueues an expiry.sweep job whose
// dedupe key is the interval bucket, so any number of processes produce one
// sweep per interval. The job runner calls Handle.
type Sweeper struct {
	service  *Service
	store    Store
	jobs     jobs.Enqueuer
	interval time.Duration
	logger   *slog.Logger
	tasks    []SweepTask
	now      func() time.Time
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewSweeper creates a new expiry sweeper.
func NewSweeper(service *Service, store Store, enqueuer jobs.Enqueuer, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		service:  service,
		store:    store,
		jobs:     enqueuer,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// WithTask adds work that runs after the expiry pass of every sweep.
func (s *Sweeper) WithTask(task SweepTask) *Sweeper {
	s.tasks = append(s.tasks, task)
	return s
}

// WithClock overrides the time source.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Running reports whether the schedule loop is actively running.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the schedule loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.safeSchedule(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSchedule(ctx)
		}
	}
}

// Stop ends the schedule loop once the current tick returns. Safe to call
// more than once, and before or without Start.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Sweeper) safeSchedule(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in expiry sweeper", "panic", fmt.Sprint(r))
		}
	}()
	if err := s.Schedule(ctx); err != nil {
		s.logger.Warn("failed to schedule expiry sweep", "error", err)
	}
}

// Schedule enqueues the sweep job for the current interval.
func (s *Sweeper) Schedule(ctx context.Context) error {
	now := s.now().UTC()
	bucket := now.Truncate(s.interval)
	job, err := jobs.New(jobs.QueueExpirySweep, "sweep:"+bucket.Format(time.RFC3339), map[string]string{"bucket": bucket.Format(time.RFC3339)})
	if err != nil {
		return err
	}
	job.RunAt, job.CreatedAt, job.UpdatedAt = now, now, now
	job.MaxAttempts = 1
	return s.jobs.EnqueueJob(ctx, job)
}

// Handle runs one expiry.sweep job.
func (s *Sweeper) Handle(ctx context.Context, _ *jobs.Job) error {
	now := s.now().UTC()
	if _, err := s.Sweep(ctx, now); err != nil {
		return err
	}
	var errs []error
	for _, task := range s.tasks {
		if err := task(ctx, now); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sweep expires every waiting_for_payment escrow whose deadline is before
// now and returns how many it expired. Escrows that changed state since they
// were listed are skipped.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired := 0
	for {
		batch, err := s.store.ListExpiredEscrows(ctx, now, sweepBatch)
		if err != nil {
			return expired, fmt.Errorf("failed to list expired escrows: %w", err)
		}

		progressed := false
		for _, e := range batch {
			if _, err := s.service.Expire(ctx, e); err != nil {
				if errors.Is(err, apperr.ErrConflict) {
					s.logger.Info("escrow changed state before expiry, skipping", "escrowId", e.ID)
					progressed = true
					continue
				}
				s.logger.Warn("failed to expire escrow", "escrowId", e.ID, "error", err)
				continue
			}
			expired++
			progressed = true
		}

		if len(batch) < sweepBatch || !progressed {
			break
		}
	}
	if expired > 0 {
		s.logger.Info("expired unpaid escrows", "count", expired)
	}
	return expired, nil
}
