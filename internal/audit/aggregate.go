package audit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Bucket is the width of an aggregation period.
type Bucket string

const (
	BucketHour  Bucket = "hour"
	BucketDay   Bucket = "day"
	BucketWeek  Bucket = "week"
	BucketMonth Bucket = "month"
)

// ParseBucket accepts hour, day, week and month (case-insensitive).
func ParseBucket(s string) (Bucket, error) {
	switch b := Bucket(strings.ToLower(strings.TrimSpace(s))); b {
	case BucketHour, BucketDay, BucketWeek, BucketMonth:
		return b, nil
	}
	return "", &ValidationError{Field: "group_by", Reason: fmt.Sprintf("unsupported bucket %q", s)}
}

const weekMillis = int64(7 * 24 * time.Hour / time.Millisecond)

// periodOf returns the bucket label and start for t.
//
// Weeks are whole multiples of seven days since the Unix epoch, so they start
// on Thursdays and do not line up with ISO weeks.
func periodOf(t time.Time, b Bucket) (string, time.Time) {
	t = t.UTC()
	switch b {
	case BucketHour:
		start := t.Truncate(time.Hour)
		return start.Format("2006-01-02T15:00"), start
	case BucketWeek:
		n := t.UnixMilli() / weekMillis
		return fmt.Sprintf("week-%d", n), time.UnixMilli(n * weekMillis).UTC()
	case BucketMonth:
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start.Format("2006-01"), start
	default:
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		return start.Format("2006-01-02"), start
	}
}

// AggregateBucket is one period of GetAggregatedStatistics.
type AggregateBucket struct {
	Period       string           `json:"period"`
	Start        time.Time        `json:"start"`
	Total        int64            `json:"total"`
	ByActionType map[string]int64 `json:"by_action_type"`
	BySeverity   map[string]int64 `json:"by_severity"`
	ByResource   map[string]int64 `json:"by_resource"`
	SuccessRate  float64          `json:"success_rate"`

	successful int64
}

// Aggregate buckets records by period. Output is ordered by period start.
func Aggregate(records []Record, b Bucket) []AggregateBucket {
	rows := make([]PeriodCount, 0, len(records))
	for i := range records {
		r := &records[i]
		rows = append(rows, PeriodCount{
			Start:      r.Timestamp,
			ActionType: string(r.ActionType),
			Severity:   string(r.Severity),
			Resource:   r.Resource,
			Success:    r.Success,
			Count:      1,
		})
	}
	return aggregateCounts(rows, b)
}

// aggregateCounts folds grouped rows into one AggregateBucket per period.
// Row starts need not be aligned; each is mapped onto its bucket.
func aggregateCounts(rows []PeriodCount, b Bucket) []AggregateBucket {
	byPeriod := make(map[string]*AggregateBucket)
	for _, row := range rows {
		label, start := periodOf(row.Start, b)
		agg, ok := byPeriod[label]
		if !ok {
			agg = &AggregateBucket{
				Period:       label,
				Start:        start,
				ByActionType: map[string]int64{},
				BySeverity:   map[string]int64{},
				ByResource:   map[string]int64{},
			}
			byPeriod[label] = agg
		}
		agg.Total += row.Count
		agg.ByActionType[row.ActionType] += row.Count
		agg.BySeverity[row.Severity] += row.Count
		agg.ByResource[row.Resource] += row.Count
		if row.Success {
			agg.successful += row.Count
		}
	}

	out := make([]AggregateBucket, 0, len(byPeriod))
	for _, agg := range byPeriod {
		if agg.Total > 0 {
			agg.SuccessRate = math.Round(float64(agg.successful)/float64(agg.Total)*10000) / 100
		}
		out = append(out, *agg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out
}

// GetAggregatedStatistics buckets every record with a timestamp in
// [start, end], archived ones included. Grouping happens in the store, so
// memory grows with the number of periods rather than records.
func (s *BatchService) GetAggregatedStatistics(ctx context.Context, start, end time.Time, b Bucket) ([]AggregateBucket, error) {
	if end.Before(start) {
		return nil, &ValidationError{Field: "end_date", Reason: "must not be before start_date"}
	}
	rows, err := s.store.CountByPeriod(ctx, b, TimeRange{StartDate: &start, EndDate: &end})
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate audit logs: %w", err)
	}
	return aggregateCounts(rows, b), nil
}
