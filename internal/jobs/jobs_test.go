package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audittrail/audittrail/internal/audit"
)

type fakeRetention struct {
	deleted int64
	err     error
	calls   int
}

func (f *fakeRetention) ApplyRetentionPolicy(context.Context) (int64, error) {
	f.calls++
	return f.deleted, f.err
}

func TestRetentionJob_Run(t *testing.T) {
	f := &fakeRetention{deleted: 3}
	job := NewRetentionJob(f)
	assert.Equal(t, "retention", job.Name())
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, f.calls)
}

func TestRetentionJob_PropagatesError(t *testing.T) {
	f := &fakeRetention{deleted: 1, err: errors.New("failed to delete archived audit logs")}
	err := NewRetentionJob(f).Run(context.Background())
	assert.Error(t, err)
}

type fakeStats struct {
	ranges []audit.TimeRange
	err    error
}

func (f *fakeStats) GetStatistics(_ context.Context, tr audit.TimeRange) (*audit.Statistics, error) {
	f.ranges = append(f.ranges, tr)
	if f.err != nil {
		return nil, f.err
	}
	return &audit.Statistics{Total: 10, Failed: 1}, nil
}

type aggCall struct {
	start, end time.Time
	bucket     audit.Bucket
}

type fakeAgg struct {
	calls []aggCall
	err   error
}

func (f *fakeAgg) GetAggregatedStatistics(_ context.Context, start, end time.Time, b audit.Bucket) ([]audit.AggregateBucket, error) {
	f.calls = append(f.calls, aggCall{start, end, b})
	if f.err != nil {
		return nil, f.err
	}
	return []audit.AggregateBucket{{Period: "2026-05-01", Total: 4}}, nil
}

func TestWindows_TruncatedToHour(t *testing.T) {
	now := time.Date(2026, 5, 1, 13, 47, 12, 0, time.UTC)
	ws := Windows(now)
	require.Len(t, ws, 2)

	end := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)
	assert.Equal(t, end, *ws[0].EndDate)
	assert.Equal(t, end.Add(-24*time.Hour), *ws[0].StartDate)
	assert.Equal(t, end.Add(-7*24*time.Hour), *ws[1].StartDate)
}

func TestStatisticsJob_ComputesWindowsAndAggregatesOncePerPeriod(t *testing.T) {
	stats := &fakeStats{}
	agg := &fakeAgg{}
	job := NewStatisticsJob(stats, agg, 7*24*time.Hour)
	now := time.Date(2026, 5, 1, 13, 30, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	require.NoError(t, job.Run(context.Background()))
	assert.Len(t, stats.ranges, 2)
	require.Len(t, agg.calls, 1)
	assert.Equal(t, audit.BucketDay, agg.calls[0].bucket)
	assert.Equal(t, 7*24*time.Hour, agg.calls[0].end.Sub(agg.calls[0].start))

	now = now.Add(time.Hour)
	require.NoError(t, job.Run(context.Background()))
	assert.Len(t, stats.ranges, 4)
	assert.Len(t, agg.calls, 1, "aggregation should wait for the next period")

	now = now.Add(7 * 24 * time.Hour)
	require.NoError(t, job.Run(context.Background()))
	assert.Len(t, agg.calls, 2)
}

func TestStatisticsJob_FailedAggregationRetriesNextRun(t *testing.T) {
	agg := &fakeAgg{err: errors.New("timeout")}
	job := NewStatisticsJob(&fakeStats{}, agg, 24*time.Hour)

	assert.Error(t, job.Run(context.Background()))
	agg.err = nil
	assert.NoError(t, job.Run(context.Background()))
	assert.Len(t, agg.calls, 2)
}

func TestStatisticsJob_ErrorsAreJoined(t *testing.T) {
	job := NewStatisticsJob(&fakeStats{err: errors.New("db down")}, nil, 0)
	err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
	assert.Equal(t, "statistics", job.Name())
}
