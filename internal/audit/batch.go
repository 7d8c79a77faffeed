package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/audittrail/audittrail/internal/cache"
	"github.com/audittrail/audittrail/internal/telemetry"
)

// DefaultBatchSize is the sub-batch size used when none is configured.
const DefaultBatchSize = 100

// FailedRecord is one rejected entry of a CreateBatch call.
type FailedRecord struct {
	Index  int    `json:"index"`
	Record Record `json:"record"`
	Error  string `json:"error"`
	// Retryable is set for store failures; validation failures never succeed on retry.
	Retryable bool `json:"-"`
}

// BatchResult reports the per-record outcome of CreateBatch.
type BatchResult struct {
	Successful     []Record       `json:"successful"`
	Failed         []FailedRecord `json:"failed"`
	TotalProcessed int            `json:"total_processed"`
	SuccessCount   int            `json:"success_count"`
	FailureCount   int            `json:"failure_count"`
}

// Retryable returns the records that failed because of the store.
func (r *BatchResult) Retryable() []Record {
	var out []Record
	for _, f := range r.Failed {
		if f.Retryable {
			out = append(out, f.Record)
		}
	}
	return out
}

// BatchService validates, transforms and bulk-inserts audit records, and owns
// retention enforcement.
type BatchService struct {
	store       Store
	cache       Cache
	policy      RetentionPolicy
	size        int
	maxParallel int
	now         func() time.Time
}

// NewBatchService creates a batch service. size <= 0 selects DefaultBatchSize;
// maxParallel <= 0 processes sub-batches sequentially.
func NewBatchService(store Store, policy RetentionPolicy, size, maxParallel int) *BatchService {
	if size <= 0 {
		size = DefaultBatchSize
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}
	return &BatchService{
		store:       store,
		cache:       (*cache.Cache)(nil),
		policy:      policy,
		size:        size,
		maxParallel: maxParallel,
		now:         time.Now,
	}
}

// SetCache makes inserts and retention deletes drop cached results that the
// query service may still be serving. It must be called before first use.
func (s *BatchService) SetCache(c Cache) {
	if c != nil {
		s.cache = c
	}
}

// Policy returns the retention policy applied at transform time.
func (s *BatchService) Policy() RetentionPolicy { return s.policy }

type chunkResult struct {
	ok     []Record
	failed []FailedRecord
}

// CreateBatch splits records into sub-batches and inserts each one as a unit.
// A store failure fails every valid record of that sub-batch; other
// sub-batches are unaffected. The result always accounts for every input.
func (s *BatchService) CreateBatch(ctx context.Context, records []Record) *BatchResult {
	chunks := (len(records) + s.size - 1) / s.size
	results := make([]chunkResult, chunks)

	var g errgroup.Group
	g.SetLimit(s.maxParallel)
	for i := 0; i < chunks; i++ {
		start := i * s.size
		end := min(start+s.size, len(records))
		g.Go(func() error {
			results[i] = s.processChunk(ctx, start, records[start:end])
			return nil
		})
	}
	_ = g.Wait()

	res := &BatchResult{Successful: []Record{}, Failed: []FailedRecord{}}
	for _, cr := range results {
		res.Successful = append(res.Successful, cr.ok...)
		res.Failed = append(res.Failed, cr.failed...)
	}
	sort.SliceStable(res.Failed, func(a, b int) bool { return res.Failed[a].Index < res.Failed[b].Index })

	res.TotalProcessed = len(records)
	res.SuccessCount = len(res.Successful)
	res.FailureCount = len(res.Failed)
	if res.SuccessCount > 0 {
		s.cache.InvalidateStatistics(ctx)
	}
	return res
}

func (s *BatchService) processChunk(ctx context.Context, offset int, chunk []Record) chunkResult {
	var cr chunkResult
	now := s.now()

	valid := make([]Record, 0, len(chunk))
	indexes := make([]int, 0, len(chunk))
	for i := range chunk {
		if err := Validate(&chunk[i]); err != nil {
			cr.failed = append(cr.failed, FailedRecord{Index: offset + i, Record: chunk[i], Error: err.Error()})
			continue
		}
		valid = append(valid, Transform(chunk[i], s.policy, now))
		indexes = append(indexes, offset+i)
	}
	telemetry.AuditBatchRecordsTotal.WithLabelValues("invalid").Add(float64(len(cr.failed)))
	if len(valid) == 0 {
		return cr
	}

	if _, err := s.store.CreateMany(ctx, valid); err != nil {
		slog.Error("audit sub-batch insert failed",
			"offset", offset, "records", len(valid), "error", err)
		telemetry.AuditBatchRecordsTotal.WithLabelValues("store_error").Add(float64(len(valid)))
		msg := fmt.Sprintf("failed to insert batch: %v", err)
		for j, rec := range valid {
			cr.failed = append(cr.failed, FailedRecord{Index: indexes[j], Record: rec, Error: msg, Retryable: true})
		}
		return cr
	}
	telemetry.AuditBatchRecordsTotal.WithLabelValues("inserted").Add(float64(len(valid)))
	cr.ok = valid
	return cr
}

// ApplyRetentionPolicy deletes records whose retention window has elapsed and
// records archived longer ago than the grace window. Both deletes are always
// attempted; the count is the sum of what succeeded.
func (s *BatchService) ApplyRetentionPolicy(ctx context.Context) (int64, error) {
	now := s.now()

	expired, expErr := s.store.DeleteExpired(ctx, now, s.policy.DefaultDays)
	if expErr != nil {
		expErr = fmt.Errorf("failed to delete expired audit logs: %w", expErr)
	}
	archived, arcErr := s.store.DeleteArchivedBefore(ctx, s.policy.ArchiveCutoff(now))
	if arcErr != nil {
		arcErr = fmt.Errorf("failed to delete archived audit logs: %w", arcErr)
	}

	telemetry.AuditRetentionDeletedTotal.WithLabelValues("expired").Add(float64(expired))
	telemetry.AuditRetentionDeletedTotal.WithLabelValues("archived").Add(float64(archived))
	slog.Info("audit retention policy applied",
		"expired_deleted", expired, "archived_deleted", archived)
	if expired+archived > 0 {
		s.cache.InvalidateQueries(ctx)
		s.cache.InvalidateStatistics(ctx)
	}

	return expired + archived, errors.Join(expErr, arcErr)
}
