package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/audittrail/audittrail/internal/audit"
	"github.com/audittrail/audittrail/internal/telemetry"
)

// ErrDisabled is returned by Enqueue when no queue is configured.
var ErrDisabled = errors.New("audit queue disabled")

// Writer persists records synchronously. *audit.BatchService implements it.
type Writer interface {
	CreateBatch(ctx context.Context, records []audit.Record) *audit.BatchResult
}

// Options tunes retry behavior of dispatched jobs.
type Options struct {
	MaxAttempts int
	SingleDelay time.Duration
	BatchDelay  time.Duration
}

// Dispatcher hands records to the queue, falling back to a direct write.
type Dispatcher struct {
	queue  Queue
	writer Writer
	opts   Options
	now    func() time.Time
}

// NewDispatcher creates a dispatcher. A nil q disables queueing and every
// record is written directly through w.
func NewDispatcher(q Queue, w Writer, opts Options) *Dispatcher {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.SingleDelay <= 0 {
		opts.SingleDelay = DefaultSingleDelay
	}
	if opts.BatchDelay <= 0 {
		opts.BatchDelay = DefaultBatchDelay
	}
	return &Dispatcher{queue: q, writer: w, opts: opts, now: time.Now}
}

// Queue returns the underlying queue, or nil when queueing is disabled.
func (d *Dispatcher) Queue() Queue { return d.queue }

// stamp fixes the id and timestamp before the record leaves the caller so a
// retried insert is recognized as a duplicate rather than stored twice.
func (d *Dispatcher) stamp(records []audit.Record) []audit.Record {
	now := d.now().UTC()
	out := make([]audit.Record, len(records))
	for i, r := range records {
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.Timestamp.IsZero() {
			r.Timestamp = now
		}
		out[i] = r
	}
	return out
}

// Enqueue queues one record and returns the job id.
func (d *Dispatcher) Enqueue(ctx context.Context, rec audit.Record) (string, error) {
	return d.enqueue(ctx, JobCreateSingle, d.stamp([]audit.Record{rec}), d.opts.SingleDelay)
}

// EnqueueBatch queues records as one job and returns the job id.
func (d *Dispatcher) EnqueueBatch(ctx context.Context, records []audit.Record) (string, error) {
	return d.enqueue(ctx, JobCreateBatch, d.stamp(records), d.opts.BatchDelay)
}

func (d *Dispatcher) enqueue(ctx context.Context, t JobType, records []audit.Record, delay time.Duration) (string, error) {
	if d.queue == nil {
		return "", ErrDisabled
	}
	job := NewJob(t, records, d.opts.MaxAttempts, delay, d.now())
	if err := d.queue.Enqueue(ctx, job); err != nil {
		return "", err
	}
	telemetry.AuditJobsTotal.WithLabelValues(string(t), string(StatePending)).Inc()
	return job.ID, nil
}

// Receipt describes how dispatched records were handled.
type Receipt struct {
	JobID  string             `json:"job_id,omitempty"`
	Queued bool               `json:"queued"`
	Result *audit.BatchResult `json:"result,omitempty"`
}

// Dispatch queues records, or writes them directly when the queue is disabled
// or rejects the job. The error is non-nil only when the direct write could
// not reach the store.
func (d *Dispatcher) Dispatch(ctx context.Context, records ...audit.Record) (*Receipt, error) {
	if len(records) == 0 {
		return &Receipt{}, nil
	}
	stamped := d.stamp(records)
	t, delay := JobCreateSingle, d.opts.SingleDelay
	if len(stamped) > 1 {
		t, delay = JobCreateBatch, d.opts.BatchDelay
	}

	jobID, err := d.enqueue(ctx, t, stamped, delay)
	if err == nil {
		telemetry.AuditDispatchTotal.WithLabelValues("queued").Add(float64(len(stamped)))
		return &Receipt{JobID: jobID, Queued: true}, nil
	}
	if !errors.Is(err, ErrDisabled) {
		slog.Warn("audit enqueue failed, writing directly", "records", len(stamped), "error", err)
	}

	res := d.writer.CreateBatch(ctx, stamped)
	receipt := &Receipt{Result: res}
	if retry := res.Retryable(); len(retry) > 0 {
		telemetry.AuditDispatchTotal.WithLabelValues("dropped").Add(float64(len(retry)))
		return receipt, fmt.Errorf("failed to write %d audit record(s) directly: %s", len(retry), firstRetryError(res))
	}
	telemetry.AuditDispatchTotal.WithLabelValues("direct").Add(float64(res.SuccessCount))
	return receipt, nil
}

func firstRetryError(res *audit.BatchResult) string {
	for _, f := range res.Failed {
		if f.Retryable {
			return f.Error
		}
	}
	return ""
}
