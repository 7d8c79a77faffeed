package audit

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// memStore is an in-memory Store used by the service tests. It implements
// the subset of Filter semantics the tests exercise.
type memStore struct {
	mu      sync.Mutex
	records map[string]Record

	createManyErr  func(batch []Record) error
	createManyCall int
	groupCalls     int
	periodCalls    int
	deleteExpErr   error
}

func newMemStore(records ...Record) *memStore {
	s := &memStore{records: make(map[string]Record)}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

func (s *memStore) Create(ctx context.Context, r *Record) error {
	_, err := s.CreateMany(ctx, []Record{*r})
	return err
}

func (s *memStore) CreateMany(_ context.Context, records []Record) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createManyCall++
	if s.createManyErr != nil {
		if err := s.createManyErr(records); err != nil {
			return 0, err
		}
	}
	var n int64
	for _, r := range records {
		if _, dup := s.records[r.ID]; dup {
			continue
		}
		s.records[r.ID] = r
		n++
	}
	return n, nil
}

func (s *memStore) matches(r *Record, f Filter) bool {
	if !f.IncludeArchived && r.ArchivedAt != nil {
		return false
	}
	if f.StartDate != nil && r.Timestamp.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && r.Timestamp.After(*f.EndDate) {
		return false
	}
	if f.UserID != nil && deref(r.UserID) != *f.UserID {
		return false
	}
	if len(f.ActionTypes) > 0 {
		found := false
		for _, a := range f.ActionTypes {
			found = found || a == r.ActionType
		}
		if !found {
			return false
		}
	}
	if f.Resource != "" && !strings.Contains(strings.ToLower(r.Resource), strings.ToLower(f.Resource)) {
		return false
	}
	return true
}

func (s *memStore) sorted(f Filter) []Record {
	var out []Record
	for _, r := range s.records {
		if s.matches(&r, f) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func (s *memStore) FindMany(_ context.Context, f Filter) ([]Record, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f = f.Normalize()
	all := s.sorted(f)
	total := int64(len(all))
	start := min(f.Offset(), len(all))
	end := min(start+f.Limit, len(all))
	return all[start:end], total, nil
}

func (s *memStore) FindByID(_ context.Context, id string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *memStore) MarkReviewed(_ context.Context, id, reviewer string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, nil
	}
	r.ReviewedBy, r.ReviewedAt = &reviewer, &at
	s.records[id] = r
	return true, nil
}

func (s *memStore) Archive(_ context.Context, before, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if r.ArchivedAt == nil && r.Timestamp.Before(before) {
			r.ArchivedAt = &at
			s.records[id] = r
			n++
		}
	}
	return n, nil
}

func (s *memStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return false, nil
	}
	delete(s.records, id)
	return true, nil
}

func (s *memStore) DeleteMany(_ context.Context, c DeleteCriteria) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if !r.Timestamp.Before(c.OlderThan) {
			continue
		}
		if c.Severity != nil && r.Severity != *c.Severity {
			continue
		}
		if c.ExcludeCompliance && r.HasCompliance() {
			continue
		}
		delete(s.records, id)
		n++
	}
	return n, nil
}

func (s *memStore) DeleteExpired(_ context.Context, now time.Time, defaultDays int) (int64, error) {
	if s.deleteExpErr != nil {
		return 0, s.deleteExpErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		days := defaultDays
		if r.RetentionPeriod != nil {
			days = *r.RetentionPeriod
		}
		if r.Timestamp.AddDate(0, 0, days).Before(now) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeleteArchivedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.records {
		if r.ArchivedAt != nil && r.ArchivedAt.Before(cutoff) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) Count(_ context.Context, tr TimeRange) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.sorted(Filter{StartDate: tr.StartDate, EndDate: tr.EndDate, IncludeArchived: true}))), nil
}

func (s *memStore) CountByPeriod(_ context.Context, b Bucket, tr TimeRange) ([]PeriodCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.periodCalls++
	type key struct {
		start            time.Time
		action, sev, res string
		success          bool
	}
	counts := map[key]int64{}
	for _, r := range s.sorted(Filter{StartDate: tr.StartDate, EndDate: tr.EndDate, IncludeArchived: true}) {
		_, start := periodOf(r.Timestamp, b)
		counts[key{start, string(r.ActionType), string(r.Severity), r.Resource, r.Success}]++
	}
	out := make([]PeriodCount, 0, len(counts))
	for k, n := range counts {
		out = append(out, PeriodCount{
			Start: k.start, ActionType: k.action, Severity: k.sev,
			Resource: k.res, Success: k.success, Count: n,
		})
	}
	return out, nil
}

func (s *memStore) GroupCount(_ context.Context, field GroupField, tr TimeRange, limit int) ([]GroupCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groupCalls++
	counts := map[string]int64{}
	for _, r := range s.sorted(Filter{StartDate: tr.StartDate, EndDate: tr.EndDate, IncludeArchived: true}) {
		var key string
		switch field {
		case GroupByActionType:
			key = string(r.ActionType)
		case GroupBySeverity:
			key = string(r.Severity)
		case GroupBySuccess:
			key = strconv.FormatBool(r.Success)
		case GroupByUser:
			if r.UserID == nil {
				continue
			}
			key = *r.UserID
		case GroupByResource:
			key = r.Resource
		default:
			return nil, errors.New("unknown field")
		}
		counts[key]++
	}
	out := make([]GroupCount, 0, len(counts))
	for k, c := range counts {
		out = append(out, GroupCount{Key: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Key < out[j].Key
		}
		return out[i].Count > out[j].Count
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// storedRecord builds a transformed record as the batch path would store it.
func storedRecord(id string, ts time.Time, mutate func(*Record)) Record {
	r := NewRecord(ActionCreate, "create-user", "user")
	r.ID = id
	r.Timestamp = ts
	if mutate != nil {
		mutate(&r)
	}
	return Transform(r, DefaultRetentionPolicy(), ts)
}
