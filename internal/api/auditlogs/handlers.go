// Package auditlogs implements the HTTP handlers for ingesting, querying,
// exporting and administering audit records.
package auditlogs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/audittrail/audittrail/internal/audit"
	"github.com/audittrail/audittrail/internal/audit/queue"
	"github.com/audittrail/audittrail/internal/middleware"
)

// DefaultMaxBatch is the batch size limit used when none is configured.
const DefaultMaxBatch = 1000

// defaultAggregateSpan is the window of /aggregate when no dates are given.
const defaultAggregateSpan = 30 * 24 * time.Hour

// Querier serves reads and administrative writes. *audit.QueryService implements it.
type Querier interface {
	FindMany(ctx context.Context, f audit.Filter) (*audit.Page, error)
	FindOne(ctx context.Context, id string) (*audit.Record, error)
	GetStatistics(ctx context.Context, tr audit.TimeRange) (*audit.Statistics, error)
	MarkReviewed(ctx context.Context, id, reviewerID string) (*audit.Record, error)
	Remove(ctx context.Context, id string) error
	BulkDelete(ctx context.Context, c audit.DeleteCriteria) (int64, error)
	ArchiveOld(ctx context.Context, daysToKeep int) (*audit.ArchiveResult, error)
	Verify(ctx context.Context, id string) (*audit.Verification, error)
}

// Batcher serves bulk writes, exports and aggregation. *audit.BatchService implements it.
type Batcher interface {
	CreateBatch(ctx context.Context, records []audit.Record) *audit.BatchResult
	ApplyRetentionPolicy(ctx context.Context) (int64, error)
	GetAggregatedStatistics(ctx context.Context, start, end time.Time, b audit.Bucket) ([]audit.AggregateBucket, error)
	StreamExport(ctx context.Context, w io.Writer, f audit.Filter, format audit.ExportFormat) (int64, error)
}

// QueueAdmin inspects and clears the job queue. queue.Queue implements it.
type QueueAdmin interface {
	Counts(ctx context.Context) (queue.Counts, error)
	Empty(ctx context.Context) error
}

// Handlers serves /api/v1/audit-logs.
type Handlers struct {
	query      Querier
	batch      Batcher
	dispatcher middleware.Dispatcher
	queue      QueueAdmin
	maxBatch   int
	now        func() time.Time
}

// NewHandlers creates the audit log handlers. q may be nil when queueing is
// disabled; the queue endpoints then answer 503.
func NewHandlers(query Querier, batch Batcher, d middleware.Dispatcher, q QueueAdmin, maxBatch int) *Handlers {
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatch
	}
	return &Handlers{
		query:      query,
		batch:      batch,
		dispatcher: d,
		queue:      q,
		maxBatch:   maxBatch,
		now:        time.Now,
	}
}

// respondError maps service errors onto status codes. Unexpected errors are
// logged and reported with a generic "Failed to <op>" message.
func respondError(c *gin.Context, err error, op string) {
	switch {
	case audit.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, audit.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Audit log not found"})
	case errors.Is(err, audit.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	default:
		slog.Error("audit log request failed", "op", op, "error", err,
			"request_id", c.GetString(middleware.RequestIDKey))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + op})
	}
}

// idParam returns the :id path parameter, answering 400 when it is not a UUID.
func idParam(c *gin.Context) (string, bool) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid audit log ID"})
		return "", false
	}
	return id, true
}

// @Summary      Create audit log
// @Description  Validates one record and dispatches it to the write queue. Returns 202 when queued and 201 when written directly.
// @Tags         AuditLogs
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  audit.Record  true  "Audit record"
// @Success      201  {object}  queue.Receipt
// @Success      202  {object}  queue.Receipt
// @Failure      400  {object}  map[string]interface{}  "Invalid record"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/audit-logs [post]
// Create dispatches a single record.
// POST /api/v1/audit-logs
func (h *Handlers) Create(c *gin.Context) {
	var rec audit.Record
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	if err := audit.Validate(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if rec.RequestID == nil {
		rec.RequestID = audit.StringPtr(c.GetString(middleware.RequestIDKey))
	}

	receipt, err := h.dispatcher.Dispatch(c.Request.Context(), rec)
	if err != nil {
		respondError(c, err, "create audit log")
		return
	}
	if receipt.Queued {
		c.JSON(http.StatusAccepted, receipt)
		return
	}
	if receipt.Result != nil && receipt.Result.FailureCount > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": receipt.Result.Failed[0].Error})
		return
	}
	c.JSON(http.StatusCreated, receipt)
}

// @Summary      Create audit logs in bulk
// @Description  Inserts up to the configured maximum records synchronously and reports per-record outcomes. Returns 207 when some records failed.
// @Tags         AuditLogs
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  []audit.Record  true  "Audit records"
// @Success      201  {object}  audit.BatchResult
// @Success      207  {object}  audit.BatchResult
// @Failure      400  {object}  map[string]interface{}  "Empty, oversized or non-array body"
// @Router       /api/v1/audit-logs/batch [post]
// CreateBatch inserts a JSON array of records.
// POST /api/v1/audit-logs/batch
func (h *Handlers) CreateBatch(c *gin.Context) {
	var records []audit.Record
	if err := c.ShouldBindJSON(&records); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Request body must be a JSON array of audit logs"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body: " + err.Error()})
		return
	}
	switch {
	case len(records) == 0:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Batch must contain at least one audit log"})
		return
	case len(records) > h.maxBatch:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Batch size %d exceeds the maximum of %d", len(records), h.maxBatch),
		})
		return
	}

	res := h.batch.CreateBatch(c.Request.Context(), records)
	status := http.StatusCreated
	if res.FailureCount > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, res)
}

// @Summary      List audit logs
// @Description  Returns one page of records matching the filter. Archived records are excluded unless include_archived=true.
// @Tags         AuditLogs
// @Security     Bearer
// @Produce      json
// @Param        action_types  query  string  false  "Comma-separated action types"
// @Param        severities    query  string  false  "Comma-separated severities"
// @Param        start_date    query  string  false  "RFC 3339 or YYYY-MM-DD"
// @Param        end_date      query  string  false  "RFC 3339 or YYYY-MM-DD"
// @Param        page          query  int     false  "Page number (default 1)"
// @Param        limit         query  int     false  "Page size (default 50, max 1000)"
// @Success      200  {object}  audit.Page
// @Failure      400  {object}  map[string]interface{}  "Invalid filter"
// @Router       /api/v1/audit-logs [get]
// List returns a page of records.
// GET /api/v1/audit-logs
func (h *Handlers) List(c *gin.Context) {
	f, err := ParseFilter(c.Request.URL.Query())
	if err != nil {
		respondError(c, err, "list audit logs")
		return
	}
	page, err := h.query.FindMany(c.Request.Context(), f)
	if err != nil {
		respondError(c, err, "list audit logs")
		return
	}
	c.JSON(http.StatusOK, page)
}

// Statistics returns counts for a time range.
// GET /api/v1/audit-logs/statistics
func (h *Handlers) Statistics(c *gin.Context) {
	tr, err := ParseTimeRange(c.Request.URL.Query())
	if err != nil {
		respondError(c, err, "get audit statistics")
		return
	}
	stats, err := h.query.GetStatistics(c.Request.Context(), tr)
	if err != nil {
		respondError(c, err, "get audit statistics")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Aggregate buckets records by hour, day, week or month. Without dates the
// last 30 days are used.
// GET /api/v1/audit-logs/aggregate
func (h *Handlers) Aggregate(c *gin.Context) {
	q := c.Request.URL.Query()
	tr, err := ParseTimeRange(q)
	if err != nil {
		respondError(c, err, "aggregate audit logs")
		return
	}
	bucket := audit.BucketDay
	if s := q.Get("bucket"); s != "" {
		if bucket, err = audit.ParseBucket(s); err != nil {
			respondError(c, err, "aggregate audit logs")
			return
		}
	}

	end := h.now().UTC()
	if tr.EndDate != nil {
		end = *tr.EndDate
	}
	start := end.Add(-defaultAggregateSpan)
	if tr.StartDate != nil {
		start = *tr.StartDate
	}

	buckets, err := h.batch.GetAggregatedStatistics(c.Request.Context(), start, end, bucket)
	if err != nil {
		respondError(c, err, "aggregate audit logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"bucket":     bucket,
		"start_date": start,
		"end_date":   end,
		"data":       buckets,
	})
}

// @Summary      Export audit logs
// @Description  Streams every record matching the filter as json, ndjson or csv.
// @Tags         AuditLogs
// @Security     Bearer
// @Produce      json
// @Produce      text/csv
// @Param        format  query  string  false  "json (default), ndjson or csv"
// @Success      200
// @Failure      400  {object}  map[string]interface{}  "Invalid filter or format"
// @Router       /api/v1/audit-logs/export [get]
// Export streams matching records as an attachment.
// GET /api/v1/audit-logs/export
func (h *Handlers) Export(c *gin.Context) {
	q := c.Request.URL.Query()
	format := audit.FormatJSON
	if s := q.Get("format"); s != "" {
		var err error
		if format, err = audit.ParseExportFormat(s); err != nil {
			respondError(c, err, "export audit logs")
			return
		}
	}
	f, err := ParseFilter(q)
	if err != nil {
		respondError(c, err, "export audit logs")
		return
	}

	filename := fmt.Sprintf("audit-logs-%s.%s", h.now().UTC().Format("20060102T150405Z"), format)
	c.Header("Content-Type", format.ContentType())
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Status(http.StatusOK)

	n, err := h.batch.StreamExport(c.Request.Context(), c.Writer, f, format)
	if err != nil {
		if !c.Writer.Written() {
			c.Writer.Header().Del("Content-Disposition")
			c.Writer.Header().Set("Content-Type", "application/json; charset=utf-8")
			respondError(c, err, "export audit logs")
			return
		}
		// Headers are gone; the client sees a truncated body.
		slog.Error("audit export aborted mid-stream", "written", n, "error", err)
		_ = c.Error(err)
		return
	}
	slog.Info("audit logs exported", "format", format, "records", n,
		"user_id", c.GetString(middleware.UserIDKey))
}

// Get returns one record.
// GET /api/v1/audit-logs/:id
func (h *Handlers) Get(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	rec, err := h.query.FindOne(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "get audit log")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Verify recomputes a record's checksum.
// GET /api/v1/audit-logs/:id/verify
func (h *Handlers) Verify(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	v, err := h.query.Verify(c.Request.Context(), id)
	if err != nil {
		respondError(c, err, "verify audit log")
		return
	}
	c.JSON(http.StatusOK, v)
}

// Review marks a record as reviewed by the caller.
// PATCH /api/v1/audit-logs/:id/review
func (h *Handlers) Review(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	reviewer := c.GetString(middleware.UserIDKey)
	if reviewer == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Reviewer identity required"})
		return
	}
	rec, err := h.query.MarkReviewed(c.Request.Context(), id, reviewer)
	if err != nil {
		respondError(c, err, "review audit log")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Delete removes one record. Records with compliance tags are refused.
// DELETE /api/v1/audit-logs/:id
func (h *Handlers) Delete(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}
	if err := h.query.Remove(c.Request.Context(), id); err != nil {
		respondError(c, err, "delete audit log")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Audit log deleted"})
}

// BulkDeleteRequest selects records for bulk deletion.
type BulkDeleteRequest struct {
	OlderThan         string `json:"older_than" binding:"required"`
	Severity          string `json:"severity"`
	ExcludeCompliance bool   `json:"exclude_compliance"`
}

// BulkDelete removes records older than a cutoff, compliance tags included
// unless exclude_compliance is set.
// POST /api/v1/audit-logs/bulk-delete
func (h *Handlers) BulkDelete(c *gin.Context) {
	var req BulkDeleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	olderThan, err := parseTime("older_than", req.OlderThan)
	if err != nil {
		respondError(c, err, "bulk delete audit logs")
		return
	}
	criteria := audit.DeleteCriteria{OlderThan: *olderThan, ExcludeCompliance: req.ExcludeCompliance}
	if req.Severity != "" {
		sev, ok := audit.ParseSeverity(req.Severity)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "severity: unknown severity " + req.Severity})
			return
		}
		criteria.Severity = &sev
	}

	n, err := h.query.BulkDelete(c.Request.Context(), criteria)
	if err != nil {
		respondError(c, err, "bulk delete audit logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deleted": n,
		"message": fmt.Sprintf("Deleted %d audit log(s) older than %s", n, olderThan.Format(time.RFC3339)),
	})
}

// ArchiveRequest is the body of POST /archive.
type ArchiveRequest struct {
	DaysToKeep int `json:"days_to_keep" binding:"required"`
}

// Archive marks records older than days_to_keep as archived.
// POST /api/v1/audit-logs/archive
func (h *Handlers) Archive(c *gin.Context) {
	var req ArchiveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := h.query.ArchiveOld(c.Request.Context(), req.DaysToKeep)
	if err != nil {
		respondError(c, err, "archive audit logs")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"archived":    res.Archived,
		"cutoff":      res.Cutoff,
		"export_path": res.ExportPath,
		"message":     fmt.Sprintf("Archived %d audit log(s) older than %d day(s)", res.Archived, req.DaysToKeep),
	})
}

// ApplyRetention runs the retention policy now.
// POST /api/v1/audit-logs/retention/apply
func (h *Handlers) ApplyRetention(c *gin.Context) {
	n, err := h.batch.ApplyRetentionPolicy(c.Request.Context())
	if err != nil {
		respondError(c, err, "apply retention policy")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"deleted": n,
		"message": fmt.Sprintf("Retention policy applied, %d audit log(s) deleted", n),
	})
}

func (h *Handlers) queueAvailable(c *gin.Context) bool {
	if h.queue == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Audit queue is disabled"})
		return false
	}
	return true
}

// QueueStatus reports job counts.
// GET /api/v1/audit-logs/queue
func (h *Handlers) QueueStatus(c *gin.Context) {
	if !h.queueAvailable(c) {
		return
	}
	counts, err := h.queue.Counts(c.Request.Context())
	if err != nil {
		respondError(c, err, "get queue status")
		return
	}
	c.JSON(http.StatusOK, counts)
}

// EmptyQueue drops waiting and delayed jobs.
// DELETE /api/v1/audit-logs/queue
func (h *Handlers) EmptyQueue(c *gin.Context) {
	if !h.queueAvailable(c) {
		return
	}
	if err := h.queue.Empty(c.Request.Context()); err != nil {
		respondError(c, err, "empty queue")
		return
	}
	slog.Warn("audit queue emptied", "user_id", c.GetString(middleware.UserIDKey))
	c.JSON(http.StatusOK, gin.H{"message": "Audit queue emptied"})
}
