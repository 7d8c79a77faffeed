// Package jobs runs the periodic audit maintenance tasks: retention
// enforcement and statistics pre-computation.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audittrail/audittrail/internal/config"
	"github.com/audittrail/audittrail/internal/safego"
	"github.com/audittrail/audittrail/internal/telemetry"
)

// Job is a unit of periodic work. Run must be idempotent.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Locker guards a job across replicas. Acquire reports ok=false when another
// holder owns the lock; release is nil in that case.
type Locker interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (release func(), ok bool, err error)
}

type scheduledJob struct {
	job      Job
	interval time.Duration
	// running is held for the duration of a run; TryLock failing means the
	// previous run is still active.
	running sync.Mutex
}

// Scheduler owns a set of jobs, each on its own ticker.
type Scheduler struct {
	enabled bool
	locker  Locker
	lockTTL time.Duration

	jobs     []*scheduledJob
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler. locker may be nil, in which case only the
// in-process guard prevents overlapping runs.
func NewScheduler(cfg config.SchedulerConfig, locker Locker) *Scheduler {
	ttl := cfg.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Scheduler{
		enabled:  cfg.Enabled,
		locker:   locker,
		lockTTL:  ttl,
		stopChan: make(chan struct{}),
	}
}

// Add registers job to run every interval. Jobs with a non-positive interval
// are ignored.
func (s *Scheduler) Add(job Job, interval time.Duration) {
	if interval <= 0 {
		slog.Warn("scheduled job has no interval, not registering", "job", job.Name())
		return
	}
	s.jobs = append(s.jobs, &scheduledJob{job: job, interval: interval})
}

// Start launches every registered job and returns immediately. Each job runs
// once right away and then on its interval until Stop or ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	if !s.enabled {
		slog.Info("audit scheduler disabled")
		return
	}
	for _, sj := range s.jobs {
		s.wg.Add(1)
		safego.Go(func() {
			defer s.wg.Done()
			s.loop(ctx, sj)
		})
	}
}

// Stop halts every job loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, sj *scheduledJob) {
	ticker := time.NewTicker(sj.interval)
	defer ticker.Stop()

	name := sj.job.Name()
	slog.Info("scheduled job started", "job", name, "interval", sj.interval)

	s.run(ctx, sj)

	for {
		select {
		case <-ticker.C:
			s.run(ctx, sj)
		case <-s.stopChan:
			slog.Info("scheduled job stopped", "job", name)
			return
		case <-ctx.Done():
			slog.Info("scheduled job context cancelled", "job", name)
			return
		}
	}
}

// run executes one pass of sj unless a previous pass is still active here or
// on another replica. It returns the result label recorded in metrics.
func (s *Scheduler) run(ctx context.Context, sj *scheduledJob) string {
	name := sj.job.Name()
	if !sj.running.TryLock() {
		slog.Warn("previous run still active, skipping", "job", name)
		telemetry.SchedulerRunsTotal.WithLabelValues(name, "skipped").Inc()
		return "skipped"
	}
	defer sj.running.Unlock()

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, name, s.lockTTL)
		switch {
		case err != nil:
			slog.Warn("distributed job lock unavailable, relying on local guard", "job", name, "error", err)
		case !ok:
			slog.Info("job is running on another replica, skipping", "job", name)
			telemetry.SchedulerRunsTotal.WithLabelValues(name, "skipped").Inc()
			return "skipped"
		default:
			defer release()
		}
	}

	start := time.Now()
	if err := runSafely(ctx, sj.job); err != nil {
		slog.Error("scheduled job failed", "job", name, "duration", time.Since(start), "error", err)
		telemetry.SchedulerRunsTotal.WithLabelValues(name, "error").Inc()
		return "error"
	}
	slog.Info("scheduled job completed", "job", name, "duration", time.Since(start))
	telemetry.SchedulerRunsTotal.WithLabelValues(name, "success").Inc()
	return "success"
}

func runSafely(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return job.Run(ctx)
}
