package jobs

import (
	"context"
	"log/slog"
)

// RetentionEnforcer is satisfied by *audit.BatchService.
type RetentionEnforcer interface {
	ApplyRetentionPolicy(ctx context.Context) (int64, error)
}

// RetentionJob deletes expired records and records archived past the grace
// window.
type RetentionJob struct {
	svc RetentionEnforcer
}

// NewRetentionJob creates the retention job.
func NewRetentionJob(svc RetentionEnforcer) *RetentionJob {
	return &RetentionJob{svc: svc}
}

func (j *RetentionJob) Name() string { return "retention" }

// Run applies the retention policy once. Partial deletes still count towards
// the logged total when the other half fails.
func (j *RetentionJob) Run(ctx context.Context) error {
	deleted, err := j.svc.ApplyRetentionPolicy(ctx)
	slog.Info("retention run finished", "deleted", deleted)
	return err
}
