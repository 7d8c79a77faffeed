package audit

import (
	"context"
	"time"
)

// Store is the persistence boundary for audit records. The PostgreSQL
// implementation lives in internal/db/repositories.
type Store interface {
	// Create inserts one record.
	Create(ctx context.Context, r *Record) error
	// CreateMany inserts records in a single statement, skipping rows whose id
	// already exists. It returns the number of rows actually inserted.
	CreateMany(ctx context.Context, records []Record) (int64, error)

	// FindMany returns one page of matching records plus the total match count.
	FindMany(ctx context.Context, f Filter) ([]Record, int64, error)
	// FindByID returns nil, nil when no record has the id.
	FindByID(ctx context.Context, id string) (*Record, error)

	// MarkReviewed reports false when no record has the id.
	MarkReviewed(ctx context.Context, id, reviewerID string, at time.Time) (bool, error)
	// Archive sets archived_at on unarchived records older than before.
	Archive(ctx context.Context, before, at time.Time) (int64, error)

	// Delete reports false when no record has the id.
	Delete(ctx context.Context, id string) (bool, error)
	DeleteMany(ctx context.Context, c DeleteCriteria) (int64, error)
	// DeleteExpired removes records whose retention period (or defaultDays
	// when unset) has elapsed at now.
	DeleteExpired(ctx context.Context, now time.Time, defaultDays int) (int64, error)
	// DeleteArchivedBefore removes records archived before cutoff.
	DeleteArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Count(ctx context.Context, tr TimeRange) (int64, error)
	// GroupCount counts records per distinct value of field, largest first.
	// limit <= 0 returns every group.
	GroupCount(ctx context.Context, field GroupField, tr TimeRange, limit int) ([]GroupCount, error)
	// CountByPeriod counts records in tr per bucket start, action type,
	// severity, resource and outcome, archived ones included.
	CountByPeriod(ctx context.Context, b Bucket, tr TimeRange) ([]PeriodCount, error)
}
