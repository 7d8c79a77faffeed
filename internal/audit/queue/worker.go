package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/audittrail/audittrail/internal/audit"
	"github.com/audittrail/audittrail/internal/telemetry"
)

const (
	depthInterval   = 15 * time.Second
	reclaimInterval = time.Minute
)

// reclaimer is implemented by queues whose active jobs can outlive a crashed
// worker.
type reclaimer interface {
	ReclaimExpired(ctx context.Context) (int, error)
}

// Worker drains a Queue with a fixed number of goroutines.
type Worker struct {
	queue        Queue
	writer       Writer
	concurrency  int
	pollTimeout  time.Duration
	reclaimEvery time.Duration
	stopChan     chan struct{}
	stopOnce     sync.Once
	now          func() time.Time
}

// NewWorker creates a worker pool. concurrency < 1 runs a single goroutine.
func NewWorker(q Queue, w Writer, concurrency int, pollTimeout time.Duration) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollTimeout <= 0 {
		pollTimeout = time.Second
	}
	return &Worker{
		queue:        q,
		writer:       w,
		concurrency:  concurrency,
		pollTimeout:  pollTimeout,
		reclaimEvery: reclaimInterval,
		stopChan:     make(chan struct{}),
		now:          time.Now,
	}
}

// Start runs the pool and blocks until ctx is cancelled, Stop is called or the
// queue is closed. Jobs already dequeued are finished before it returns.
func (w *Worker) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	rq, canReclaim := w.queue.(reclaimer)
	if canReclaim {
		w.reclaim(ctx, rq)
	}

	slog.Info("audit worker started", "concurrency", w.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.reportDepth(ctx)
	}()
	if canReclaim {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(w.reclaimEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					w.reclaim(ctx, rq)
				}
			}
		}()
	}
	wg.Wait()
	slog.Info("audit worker stopped")
}

// Stop signals the pool to exit.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if errors.Is(err, ErrClosed) {
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("audit worker: dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollTimeout):
			}
			continue
		}
		if job == nil {
			continue
		}
		// Finish the job even if shutdown starts mid-write.
		w.Process(context.WithoutCancel(ctx), job)
	}
}

func (w *Worker) reclaim(ctx context.Context, rq reclaimer) {
	n, err := rq.ReclaimExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("audit worker: failed to reclaim abandoned jobs", "error", err)
		}
		return
	}
	if n > 0 {
		slog.Warn("audit worker: reclaimed abandoned jobs", "count", n)
	}
}

func (w *Worker) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c, err := w.queue.Counts(ctx)
			if err != nil {
				continue
			}
			telemetry.AuditQueueDepth.WithLabelValues("waiting").Set(float64(c.Waiting))
			telemetry.AuditQueueDepth.WithLabelValues("active").Set(float64(c.Active))
			telemetry.AuditQueueDepth.WithLabelValues("delayed").Set(float64(c.Delayed))
			telemetry.AuditQueueDepth.WithLabelValues("completed").Set(float64(c.Completed))
			telemetry.AuditQueueDepth.WithLabelValues("failed").Set(float64(c.Failed))
		}
	}
}

// write calls the writer, turning a panic into an error with its stack.
func (w *Worker) write(ctx context.Context, records []audit.Record) (res *audit.BatchResult, stack string, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack = string(debug.Stack())
			err = fmt.Errorf("panic while writing audit records: %v", r)
		}
	}()
	return w.writer.CreateBatch(ctx, records), "", nil
}

// Process runs one attempt of job and reports the outcome to the queue.
// Invalid records are logged and dropped; only store failures are retried.
func (w *Worker) Process(ctx context.Context, job *Job) {
	if err := job.Start(w.now()); err != nil {
		slog.Error("audit worker: job in unexpected state", "job_id", job.ID, "state", job.State, "error", err)
		if err := w.queue.Fail(ctx, job); err != nil {
			slog.Error("audit worker: failed to drop job", "job_id", job.ID, "error", err)
		}
		return
	}

	started := time.Now()
	res, stack, err := w.write(ctx, job.Payload)
	telemetry.AuditJobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(started).Seconds())

	if err == nil {
		for _, f := range res.Failed {
			if f.Retryable {
				continue
			}
			slog.Warn("audit record rejected",
				"job_id", job.ID,
				"index", f.Index,
				"action", f.Record.Action,
				"resource", f.Record.Resource,
				"action_type", f.Record.ActionType,
				"error", f.Error)
		}
		retry := res.Retryable()
		if len(retry) == 0 {
			w.succeed(ctx, job, res)
			return
		}
		job.Payload = retry
		err = fmt.Errorf("%d of %d record(s) failed to insert: %s", len(retry), res.TotalProcessed, firstRetryError(res))
		stack = string(debug.Stack())
	}
	w.fail(ctx, job, err, stack)
}

func (w *Worker) succeed(ctx context.Context, job *Job, res *audit.BatchResult) {
	if err := job.Succeed(w.now()); err != nil {
		slog.Error("audit worker: invalid transition", "job_id", job.ID, "error", err)
	}
	if err := w.queue.Complete(ctx, job); err != nil {
		slog.Error("audit worker: failed to complete job", "job_id", job.ID, "error", err)
	}
	telemetry.AuditJobsTotal.WithLabelValues(string(job.Type), string(StateSucceeded)).Inc()
	slog.Debug("audit job succeeded",
		"job_id", job.ID, "attempt", job.Attempt,
		"inserted", res.SuccessCount, "rejected", res.FailureCount)
}

func (w *Worker) fail(ctx context.Context, job *Job, cause error, stack string) {
	retry, err := job.Fail(cause, stack, w.now())
	if err != nil {
		slog.Error("audit worker: invalid transition", "job_id", job.ID, "error", err)
		return
	}
	telemetry.AuditJobsTotal.WithLabelValues(string(job.Type), string(job.State)).Inc()

	if retry {
		slog.Warn("audit job failed, retrying",
			"job_id", job.ID,
			"type", job.Type,
			"attempt", job.Attempt,
			"max_attempts", job.MaxAttempts,
			"next_run_at", job.NextRunAt,
			"error", cause)
		if err := w.queue.Retry(ctx, job); err != nil {
			slog.Error("audit worker: failed to schedule retry", "job_id", job.ID, "error", err)
		}
		return
	}

	slog.Error("audit job failed permanently",
		"job_id", job.ID,
		"type", job.Type,
		"attempts", job.Attempt,
		"records", len(job.Payload),
		"enqueued_at", job.EnqueuedAt,
		"error", cause,
		"stack", job.Stack)
	if err := w.queue.Fail(ctx, job); err != nil {
		slog.Error("audit worker: failed to record job failure", "job_id", job.ID, "error", err)
	}
}
