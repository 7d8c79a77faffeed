package audit

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/audittrail/audittrail/internal/cache"
	"github.com/audittrail/audittrail/internal/storage"
	"github.com/audittrail/audittrail/internal/telemetry"
)

// TopN is the number of users and resources reported by GetStatistics.
const TopN = 10

// Cache is the subset of *cache.Cache the query service uses.
type Cache interface {
	Get(ctx context.Context, key string, dst any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration)
	InvalidateStatistics(ctx context.Context)
	InvalidateQueries(ctx context.Context)
}

// QueryService serves reads, reviews, deletes and archival of stored records.
type QueryService struct {
	store    Store
	cache    Cache
	statsTTL time.Duration
	archive  storage.Storage
	prefix   string
	now      func() time.Time
}

// QueryOption configures a QueryService.
type QueryOption func(*QueryService)

// WithCache enables cache-through statistics and single-record lookups.
func WithCache(c Cache, statsTTL time.Duration) QueryOption {
	return func(s *QueryService) {
		if c != nil {
			s.cache = c
		}
		s.statsTTL = statsTTL
	}
}

// WithArchiveStorage uploads an NDJSON snapshot of records before ArchiveOld
// marks them. Objects are written under prefix.
func WithArchiveStorage(st storage.Storage, prefix string) QueryOption {
	return func(s *QueryService) {
		s.archive = st
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewQueryService creates a query service over store.
func NewQueryService(store Store, opts ...QueryOption) *QueryService {
	s := &QueryService{
		store:  store,
		cache:  (*cache.Cache)(nil),
		prefix: "audit-archive",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *QueryService) invalidate(ctx context.Context) {
	s.cache.InvalidateQueries(ctx)
	s.cache.InvalidateStatistics(ctx)
}

// FindMany returns one page of records matching f.
func (s *QueryService) FindMany(ctx context.Context, f Filter) (*Page, error) {
	f = f.Normalize()
	if f.StartDate != nil && f.EndDate != nil && f.EndDate.Before(*f.StartDate) {
		return nil, &ValidationError{Field: "end_date", Reason: "must not be before start_date"}
	}
	if f.MinDuration != nil && f.MaxDuration != nil && *f.MaxDuration < *f.MinDuration {
		return nil, &ValidationError{Field: "max_duration", Reason: "must not be less than min_duration"}
	}
	records, total, err := s.store.FindMany(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}
	return NewPage(records, total, f.Page, f.Limit), nil
}

// FindOne returns the record with id or ErrNotFound.
func (s *QueryService) FindOne(ctx context.Context, id string) (*Record, error) {
	key := cache.QueryKey(map[string]any{"id": id})
	var cached Record
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	s.cache.Set(ctx, key, rec, 0)
	return rec, nil
}

// GetStatistics summarizes records in tr, serving from cache when possible.
func (s *QueryService) GetStatistics(ctx context.Context, tr TimeRange) (*Statistics, error) {
	key := cache.StatisticsKey(map[string]any{"start_date": tr.StartDate, "end_date": tr.EndDate})
	var cached Statistics
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	stats, err := s.computeStatistics(ctx, tr)
	if err != nil {
		return nil, err
	}
	s.cache.Set(ctx, key, stats, s.statsTTL)
	return stats, nil
}

func (s *QueryService) computeStatistics(ctx context.Context, tr TimeRange) (*Statistics, error) {
	total, err := s.store.Count(ctx, tr)
	if err != nil {
		return nil, fmt.Errorf("failed to count audit logs: %w", err)
	}
	stats := &Statistics{
		Total:        total,
		ByActionType: map[string]int64{},
		BySeverity:   map[string]int64{},
		GeneratedAt:  s.now().UTC(),
	}

	groups := []struct {
		field GroupField
		limit int
		apply func([]GroupCount)
	}{
		{GroupByActionType, 0, func(gc []GroupCount) { stats.ByActionType = toMap(gc) }},
		{GroupBySeverity, 0, func(gc []GroupCount) { stats.BySeverity = toMap(gc) }},
		{GroupBySuccess, 0, func(gc []GroupCount) {
			m := toMap(gc)
			stats.Successful, stats.Failed = m["true"], m["false"]
		}},
		{GroupByUser, TopN, func(gc []GroupCount) { stats.TopUsers = gc }},
		{GroupByResource, TopN, func(gc []GroupCount) { stats.TopResources = gc }},
	}
	for _, g := range groups {
		gc, err := s.store.GroupCount(ctx, g.field, tr, g.limit)
		if err != nil {
			return nil, fmt.Errorf("failed to group audit logs by %s: %w", g.field, err)
		}
		g.apply(gc)
	}
	if stats.TopUsers == nil {
		stats.TopUsers = []GroupCount{}
	}
	if stats.TopResources == nil {
		stats.TopResources = []GroupCount{}
	}
	return stats, nil
}

func toMap(gc []GroupCount) map[string]int64 {
	m := make(map[string]int64, len(gc))
	for _, g := range gc {
		m[g.Key] = g.Count
	}
	return m
}

// MarkReviewed records that reviewerID reviewed the record.
func (s *QueryService) MarkReviewed(ctx context.Context, id, reviewerID string) (*Record, error) {
	ok, err := s.store.MarkReviewed(ctx, id, reviewerID, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to mark audit log reviewed: %w", err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	s.invalidate(ctx)
	return s.FindOne(ctx, id)
}

// Remove hard-deletes a record. Records with compliance tags are refused with
// ErrForbidden; use BulkDelete to override.
func (s *QueryService) Remove(ctx context.Context, id string) error {
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to get audit log: %w", err)
	}
	if rec == nil {
		return ErrNotFound
	}
	if rec.HasCompliance() {
		return ErrForbidden
	}
	ok, err := s.store.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to delete audit log: %w", err)
	}
	if !ok {
		return ErrNotFound
	}
	s.invalidate(ctx)
	slog.Info("audit log deleted", "id", id)
	return nil
}

// BulkDelete removes records matching c regardless of compliance tags unless
// c.ExcludeCompliance is set.
func (s *QueryService) BulkDelete(ctx context.Context, c DeleteCriteria) (int64, error) {
	if c.OlderThan.IsZero() {
		return 0, &ValidationError{Field: "older_than", Reason: "is required"}
	}
	if c.Severity != nil && !c.Severity.Valid() {
		return 0, &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", *c.Severity)}
	}
	n, err := s.store.DeleteMany(ctx, c)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk delete audit logs: %w", err)
	}
	telemetry.AuditRetentionDeletedTotal.WithLabelValues("bulk").Add(float64(n))
	s.invalidate(ctx)
	slog.Info("audit logs bulk deleted", "deleted", n, "older_than", c.OlderThan,
		"exclude_compliance", c.ExcludeCompliance)
	return n, nil
}

// ArchiveResult reports an ArchiveOld run.
type ArchiveResult struct {
	Archived   int64  `json:"archived"`
	ExportPath string `json:"export_path,omitempty"`
	Cutoff     string `json:"cutoff"`
}

// ArchiveOld marks records older than daysToKeep as archived. With archive
// storage configured, the records are first uploaded as NDJSON; a failed
// upload leaves everything unarchived.
func (s *QueryService) ArchiveOld(ctx context.Context, daysToKeep int) (*ArchiveResult, error) {
	if daysToKeep < 1 {
		return nil, &ValidationError{Field: "days_to_keep", Reason: "must be at least 1"}
	}
	now := s.now().UTC()
	cutoff := now.AddDate(0, 0, -daysToKeep)
	res := &ArchiveResult{Cutoff: cutoff.Format(time.RFC3339)}

	if s.archive != nil {
		p, err := s.exportForArchive(ctx, cutoff, now)
		if err != nil {
			return nil, err
		}
		res.ExportPath = p
	}

	n, err := s.store.Archive(ctx, cutoff, now)
	if err != nil {
		return nil, fmt.Errorf("failed to archive audit logs: %w", err)
	}
	res.Archived = n
	s.invalidate(ctx)
	slog.Info("audit logs archived", "archived", n, "cutoff", cutoff, "export_path", res.ExportPath)
	return res, nil
}

func (s *QueryService) exportForArchive(ctx context.Context, cutoff, now time.Time) (string, error) {
	// Filter end dates are inclusive; Archive is strictly before cutoff.
	end := cutoff.Add(-time.Microsecond)
	var buf bytes.Buffer
	n, err := streamExport(ctx, s.store, &buf, Filter{EndDate: &end}, FormatNDJSON)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	key := path.Join(s.prefix, now.Format("2006/01/02"), uuid.NewString()+".ndjson")
	result, err := s.archive.Upload(ctx, key, bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		return "", fmt.Errorf("failed to upload audit archive: %w", err)
	}
	slog.Info("audit archive uploaded", "path", result.Path, "records", n,
		"size", result.Size, "checksum", result.Checksum)
	return result.Path, nil
}

// Verification is the outcome of a checksum check.
type Verification struct {
	ID       string `json:"id"`
	Valid    bool   `json:"valid"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// Verify recomputes a stored record's checksum.
func (s *QueryService) Verify(ctx context.Context, id string) (*Verification, error) {
	rec, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}
	if rec == nil {
		return nil, ErrNotFound
	}
	actual := Checksum(rec)
	return &Verification{ID: id, Valid: actual == rec.Checksum, Expected: rec.Checksum, Actual: actual}, nil
}
