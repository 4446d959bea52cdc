package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/retry"
	"github.com/mbd888/escrowd/internal/traces"
)

// Handler executes one job. Returning nil completes it; a retry.Permanent
// error dead-letters it immediately; any other error schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// DeadLetterHook runs after a job is dead-lettered.
type DeadLetterHook func(ctx context.Context, job *Job, err error)

// Config tunes the runner.
type Config struct {
	Workers      int // concurrent jobs per queue
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	PollInterval time.Duration
	Lease        time.Duration
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      5,
		MaxAttempts:  DefaultMaxAttempts,
		BaseDelay:    2 * time.Second,
		MaxDelay:     5 * time.Minute,
		PollInterval: time.Second,
		Lease:        2 * time.Minute,
	}
}

type registration struct {
	handler    Handler
	deadLetter DeadLetterHook
}

// Option configures a queue registration.
type Option func(*registration)

// OnDeadLetter sets the hook run when a job of the queue is dead-lettered.
func OnDeadLetter(hook DeadLetterHook) Option {
	return func(r *registration) { r.deadLetter = hook }
}

// Runner polls the store and executes jobs, at most Config.Workers at a
// time per queue.
type Runner struct {
	store    Store
	cfg      Config
	logger   *slog.Logger
	handlers map[Queue]*registration
	order    []Queue
	now      func() time.Time
	running  atomic.Bool
}

// NewRunner creates a runner. Register handlers before calling Run.
func NewRunner(store Store, cfg Config, logger *slog.Logger) *Runner {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	return &Runner{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		handlers: make(map[Queue]*registration),
		now:      time.Now,
	}
}

// WithClock replaces the runner's clock. Used by tests to step past backoff.
func (r *Runner) WithClock(now func() time.Time) *Runner {
	r.now = now
	return r
}

// Register binds a handler to a queue.
func (r *Runner) Register(queue Queue, h Handler, opts ...Option) {
	reg := &registration{handler: h}
	for _, opt := range opts {
		opt(reg)
	}
	if _, exists := r.handlers[queue]; !exists {
		r.order = append(r.order, queue)
	}
	r.handlers[queue] = reg
}

// Enqueue builds and stores a job using the runner's attempt limit.
func (r *Runner) Enqueue(ctx context.Context, queue Queue, dedupeKey string, payload any) error {
	job, err := New(queue, dedupeKey, payload)
	if err != nil {
		return err
	}
	job.MaxAttempts = r.cfg.MaxAttempts
	job.RunAt = r.now().UTC()
	return r.store.EnqueueJob(ctx, job)
}

// MaxAttempts is the attempt limit applied to jobs created by producers.
func (r *Runner) MaxAttempts() int { return r.cfg.MaxAttempts }

// Running reports whether Run is active.
func (r *Runner) Running() bool {
	return r.running.Load()
}

// Run starts one poller per registered queue and blocks until ctx is
// cancelled and every in-flight job has returned. Each queue has its own
// Workers slots, so a slow payout never holds up webhook reprocessing.
func (r *Runner) Run(ctx context.Context) {
	r.running.Store(true)
	defer r.running.Store(false)

	var pollers sync.WaitGroup
	for _, queue := range r.order {
		pollers.Add(1)
		go func() {
			defer pollers.Done()
			r.serve(ctx, queue)
		}()
	}

	depth := time.NewTicker(15 * time.Second)
	defer depth.Stop()

	r.logger.Info("job runner started", "workersPerQueue", r.cfg.Workers, "queues", len(r.order))
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-depth.C:
			if err := r.RefreshDepth(ctx); err != nil {
				r.logger.Warn("failed to refresh queue depth", "error", err)
			}
		}
	}
	pollers.Wait()
	r.logger.Info("job runner stopped")
}

// serve claims jobs for one queue whenever it has free slots. A claim never
// waits for earlier jobs of the queue to finish.
func (r *Runner) serve(ctx context.Context, queue Queue) {
	slots := semaphore.NewWeighted(int64(r.cfg.Workers))
	var inflight sync.WaitGroup
	defer inflight.Wait()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		free := 0
		for free < r.cfg.Workers && slots.TryAcquire(1) {
			free++
		}
		if free == 0 {
			continue
		}

		claimed, err := r.store.ClaimJobs(ctx, queue, r.now().UTC(), r.cfg.Lease, free)
		if err != nil && ctx.Err() == nil {
			r.logger.Warn("failed to claim jobs", "queue", queue, "error", err)
		}
		if unused := free - len(claimed); unused > 0 {
			slots.Release(int64(unused))
		}
		for _, job := range claimed {
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				defer slots.Release(1)
				r.process(ctx, job)
			}()
		}
	}
}

// Drain processes jobs until none are runnable and returns how many ran.
// It is synchronous and meant for tests and one-off tooling.
func (r *Runner) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.runBatch(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// runBatch claims up to Workers jobs per queue and waits for all of them.
func (r *Runner) runBatch(ctx context.Context) (int, error) {
	var g errgroup.Group
	claimed := 0
	var firstErr error
	for _, queue := range r.order {
		batch, err := r.store.ClaimJobs(ctx, queue, r.now().UTC(), r.cfg.Lease, r.cfg.Workers)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("claim %s: %w", queue, err)
			}
			continue
		}
		claimed += len(batch)
		for _, job := range batch {
			g.Go(func() error {
				r.process(ctx, job)
				return nil
			})
		}
	}
	_ = g.Wait()
	return claimed, firstErr
}

func (r *Runner) process(ctx context.Context, job *Job) {
	reg := r.handlers[job.Queue]
	start := time.Now()

	ctx, span := traces.StartSpan(ctx, "jobs.process", traces.Queue(string(job.Queue)))
	err := r.invoke(ctx, reg.handler, job)
	traces.End(span, err)
	metrics.JobDuration.WithLabelValues(string(job.Queue)).Observe(time.Since(start).Seconds())

	now := r.now().UTC()
	log := r.logger.With("jobId", job.ID, "queue", job.Queue, "attempt", job.Attempts)

	if err == nil {
		if cerr := r.store.CompleteJob(ctx, job.ID, now); cerr != nil {
			log.Error("failed to complete job", "error", cerr)
		}
		metrics.JobsProcessedTotal.WithLabelValues(string(job.Queue), "completed").Inc()
		return
	}

	if retry.IsPermanent(err) || job.Attempts >= job.MaxAttempts {
		if berr := r.store.BuryJob(ctx, job.ID, now, Truncate(err.Error(), 1000)); berr != nil {
			log.Error("failed to dead-letter job", "error", berr)
		}
		metrics.JobsProcessedTotal.WithLabelValues(string(job.Queue), "dead").Inc()
		log.Error("job dead-lettered", "error", err)
		if reg.deadLetter != nil {
			job.Status = StatusDead
			job.LastError = err.Error()
			reg.deadLetter(ctx, job, err)
		}
		return
	}

	runAt := now.Add(retry.Backoff(job.Attempts, r.cfg.BaseDelay, r.cfg.MaxDelay))
	if rerr := r.store.RetryJob(ctx, job.ID, now, runAt, Truncate(err.Error(), 1000)); rerr != nil {
		log.Error("failed to schedule job retry", "error", rerr)
	}
	metrics.JobsProcessedTotal.WithLabelValues(string(job.Queue), "retried").Inc()
	log.Warn("job failed, retrying", "error", err, "runAt", runAt)
}

func (r *Runner) invoke(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s handler: %v", job.Queue, p)
		}
	}()
	return h(ctx, job)
}

// RefreshDepth publishes queue depth gauges from the store.
func (r *Runner) RefreshDepth(ctx context.Context) error {
	stats, err := r.store.JobStats(ctx)
	if err != nil {
		return err
	}
	metrics.JobQueueDepth.Reset()
	for _, s := range stats {
		metrics.JobQueueDepth.WithLabelValues(string(s.Queue), string(s.Status)).Set(float64(s.Count))
	}
	return nil
}
