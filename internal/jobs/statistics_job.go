package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/audittrail/audittrail/internal/audit"
)

// StatisticsSource is satisfied by *audit.QueryService. GetStatistics is
// cache-through, so computing a window also stores it.
type StatisticsSource interface {
	GetStatistics(ctx context.Context, tr audit.TimeRange) (*audit.Statistics, error)
}

// Aggregator is satisfied by *audit.BatchService.
type Aggregator interface {
	GetAggregatedStatistics(ctx context.Context, start, end time.Time, b audit.Bucket) ([]audit.AggregateBucket, error)
}

// StatisticsWindows are the rolling windows pre-computed on every run.
var StatisticsWindows = []time.Duration{24 * time.Hour, 7 * 24 * time.Hour}

// StatisticsJob pre-computes rolling statistics every run and a daily
// aggregation over aggregateEvery once per that period.
type StatisticsJob struct {
	stats          StatisticsSource
	agg            Aggregator
	aggregateEvery time.Duration
	now            func() time.Time

	mu            sync.Mutex
	lastAggregate time.Time
}

// NewStatisticsJob creates the statistics job. A nil agg or non-positive
// aggregateEvery disables the aggregation pass.
func NewStatisticsJob(stats StatisticsSource, agg Aggregator, aggregateEvery time.Duration) *StatisticsJob {
	return &StatisticsJob{
		stats:          stats,
		agg:            agg,
		aggregateEvery: aggregateEvery,
		now:            time.Now,
	}
}

func (j *StatisticsJob) Name() string { return "statistics" }

// Windows returns the time ranges computed at now. Ends are truncated to the
// hour so every replica and every run within the hour share cache keys.
func Windows(now time.Time) []audit.TimeRange {
	end := now.UTC().Truncate(time.Hour)
	out := make([]audit.TimeRange, 0, len(StatisticsWindows))
	for _, w := range StatisticsWindows {
		start := end.Add(-w)
		e := end
		out = append(out, audit.TimeRange{StartDate: &start, EndDate: &e})
	}
	return out
}

func (j *StatisticsJob) Run(ctx context.Context) error {
	now := j.now()
	var errs []error

	for i, tr := range Windows(now) {
		st, err := j.stats.GetStatistics(ctx, tr)
		if err != nil {
			errs = append(errs, fmt.Errorf("statistics for last %s: %w", StatisticsWindows[i], err))
			continue
		}
		slog.Info("audit statistics computed",
			"window", StatisticsWindows[i], "total", st.Total, "failed", st.Failed)
	}

	if err := j.aggregate(ctx, now); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (j *StatisticsJob) aggregate(ctx context.Context, now time.Time) error {
	if j.agg == nil || j.aggregateEvery <= 0 {
		return nil
	}
	j.mu.Lock()
	due := j.lastAggregate.IsZero() || now.Sub(j.lastAggregate) >= j.aggregateEvery
	j.mu.Unlock()
	if !due {
		return nil
	}

	end := now.UTC().Truncate(time.Hour)
	buckets, err := j.agg.GetAggregatedStatistics(ctx, end.Add(-j.aggregateEvery), end, audit.BucketDay)
	if err != nil {
		return fmt.Errorf("aggregated statistics: %w", err)
	}
	var total int64
	for _, b := range buckets {
		total += b.Total
	}
	slog.Info("audit aggregation computed", "period", j.aggregateEvery, "buckets", len(buckets), "total", total)

	j.mu.Lock()
	j.lastAggregate = now
	j.mu.Unlock()
	return nil
}
