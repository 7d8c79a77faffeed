// audit_repository.go implements AuditRepository, the PostgreSQL store behind
// the audit services: batch inserts, filtered paging, grouping for statistics
// and the retention deletes.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/audittrail/audittrail/internal/audit"
	"github.com/audittrail/audittrail/internal/db/models"
)

const auditColumns = `id, action_type, severity, action, resource, resource_id,
	user_id, user_email, user_role, impersonated_by,
	request_id, session_id, ip_address, user_agent, endpoint, http_method,
	old_values, new_values, affected_fields, metadata,
	timestamp, duration, success, error_message, status_code,
	compliance, sensitive_data, requires_review, reviewed_by, reviewed_at,
	retention_period, archived_at, checksum`

const auditInsert = `
	INSERT INTO audit_logs (` + auditColumns + `)
	VALUES (:id, :action_type, :severity, :action, :resource, :resource_id,
		:user_id, :user_email, :user_role, :impersonated_by,
		:request_id, :session_id, :ip_address, :user_agent, :endpoint, :http_method,
		:old_values, :new_values, :affected_fields, :metadata,
		:timestamp, :duration, :success, :error_message, :status_code,
		:compliance, :sensitive_data, :requires_review, :reviewed_by, :reviewed_at,
		:retention_period, :archived_at, :checksum)
	ON CONFLICT (id) DO NOTHING`

// groupColumns maps statistics group fields to SQL expressions.
var groupColumns = map[audit.GroupField]string{
	audit.GroupByActionType: "action_type",
	audit.GroupBySeverity:   "severity",
	audit.GroupBySuccess:    "success::text",
	audit.GroupByUser:       "user_id",
	audit.GroupByResource:   "resource",
}

// periodColumns maps aggregation buckets to a SQL expression yielding the
// bucket start as Unix seconds in UTC. Weeks are counted from the epoch.
var periodColumns = map[audit.Bucket]string{
	audit.BucketHour:  "EXTRACT(EPOCH FROM date_trunc('hour', timestamp AT TIME ZONE 'UTC'))::bigint",
	audit.BucketDay:   "EXTRACT(EPOCH FROM date_trunc('day', timestamp AT TIME ZONE 'UTC'))::bigint",
	audit.BucketWeek:  "(FLOOR(EXTRACT(EPOCH FROM timestamp) / 604800) * 604800)::bigint",
	audit.BucketMonth: "EXTRACT(EPOCH FROM date_trunc('month', timestamp AT TIME ZONE 'UTC'))::bigint",
}

// AuditRepository handles audit log database operations
type AuditRepository struct {
	db *sqlx.DB
}

// NewAuditRepository creates a new AuditRepository
func NewAuditRepository(db *sqlx.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

var _ audit.Store = (*AuditRepository)(nil)

// Create inserts a single record. A duplicate id is silently ignored.
func (r *AuditRepository) Create(ctx context.Context, rec *audit.Record) error {
	_, err := r.db.NamedExecContext(ctx, auditInsert, models.NewAuditLog(rec))
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// CreateMany inserts all records in one statement.
func (r *AuditRepository) CreateMany(ctx context.Context, records []audit.Record) (int64, error) {
	if len(records) == 0 {
		return 0, nil
	}
	rows := make([]models.AuditLog, len(records))
	for i := range records {
		rows[i] = models.NewAuditLog(&records[i])
	}
	res, err := r.db.NamedExecContext(ctx, auditInsert, rows)
	if err != nil {
		return 0, fmt.Errorf("failed to insert audit logs: %w", err)
	}
	return res.RowsAffected()
}

// where accumulates AND-ed conditions with '?' placeholders, rebound for
// PostgreSQL once the query is assembled.
type where struct {
	conds []string
	args  []interface{}
}

func (w *where) add(cond string, args ...interface{}) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

func (w *where) String() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func (w *where) timeRange(start, end *time.Time) {
	if start != nil {
		w.add("timestamp >= ?", *start)
	}
	if end != nil {
		w.add("timestamp <= ?", *end)
	}
}

// likePattern escapes LIKE metacharacters and wraps s for a substring match.
func likePattern(s string) string {
	s = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
	return "%" + s + "%"
}

func buildAuditWhere(f audit.Filter) (*where, bool) {
	w := &where{}
	if len(f.IDs) > 0 {
		ids := make([]string, 0, len(f.IDs))
		for _, id := range f.IDs {
			if _, err := uuid.Parse(id); err == nil {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil, false
		}
		w.add("id = ANY(?::uuid[])", pq.Array(ids))
	}
	if len(f.ActionTypes) > 0 {
		w.add("action_type IN (?)", f.ActionTypes)
	}
	if len(f.Severities) > 0 {
		w.add("severity IN (?)", f.Severities)
	}
	if f.UserID != nil {
		w.add("user_id = ?", *f.UserID)
	}
	if f.UserRole != nil {
		w.add("user_role = ?", *f.UserRole)
	}
	if f.Success != nil {
		w.add("success = ?", *f.Success)
	}
	if f.RequiresReview != nil {
		w.add("requires_review = ?", *f.RequiresReview)
	}
	if f.SensitiveData != nil {
		w.add("sensitive_data = ?", *f.SensitiveData)
	}
	if f.Action != "" {
		w.add("action ILIKE ?", likePattern(f.Action))
	}
	if f.Resource != "" {
		w.add("resource ILIKE ?", likePattern(f.Resource))
	}
	if f.UserEmail != "" {
		w.add("user_email ILIKE ?", likePattern(f.UserEmail))
	}
	if len(f.HTTPMethods) > 0 {
		methods := make([]string, len(f.HTTPMethods))
		for i, m := range f.HTTPMethods {
			methods[i] = strings.ToUpper(m)
		}
		w.add("http_method IN (?)", methods)
	}
	if len(f.Compliance) > 0 {
		w.add("compliance && ?", pq.Array(f.Compliance))
	}
	if f.MinDuration != nil {
		w.add("duration >= ?", *f.MinDuration)
	}
	if f.MaxDuration != nil {
		w.add("duration <= ?", *f.MaxDuration)
	}
	w.timeRange(f.StartDate, f.EndDate)
	if f.Search != "" {
		p := likePattern(f.Search)
		w.add("(action ILIKE ? OR resource ILIKE ? OR error_message ILIKE ? OR user_email ILIKE ?)", p, p, p, p)
	}
	if !f.IncludeArchived {
		w.add("archived_at IS NULL")
	}
	return w, true
}

// expand runs sqlx.In for IN (?) slices and rebinds to $n placeholders.
func (r *AuditRepository) expand(query string, args []interface{}) (string, []interface{}, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, fmt.Errorf("failed to expand query: %w", err)
	}
	return r.db.Rebind(q), a, nil
}

// FindMany returns one page of records, newest first, and the total count.
func (r *AuditRepository) FindMany(ctx context.Context, f audit.Filter) ([]audit.Record, int64, error) {
	f = f.Normalize()
	w, ok := buildAuditWhere(f)
	if !ok {
		return []audit.Record{}, 0, nil
	}

	countQuery, countArgs, err := r.expand(`SELECT COUNT(*) FROM audit_logs`+w.String(), w.args)
	if err != nil {
		return nil, 0, err
	}
	var total int64
	if err := r.db.GetContext(ctx, &total, countQuery, countArgs...); err != nil {
		return nil, 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	if total == 0 {
		return []audit.Record{}, 0, nil
	}

	args := append(append([]interface{}{}, w.args...), f.Limit, f.Offset())
	query, args, err := r.expand(
		`SELECT `+auditColumns+` FROM audit_logs`+w.String()+` ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?`, args)
	if err != nil {
		return nil, 0, err
	}
	var rows []models.AuditLog
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list audit logs: %w", err)
	}
	out := make([]audit.Record, len(rows))
	for i := range rows {
		out[i] = rows[i].Record()
	}
	return out, total, nil
}

// FindByID returns nil, nil when the record does not exist.
func (r *AuditRepository) FindByID(ctx context.Context, id string) (*audit.Record, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, nil
	}
	var row models.AuditLog
	err := r.db.GetContext(ctx, &row, `SELECT `+auditColumns+` FROM audit_logs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}
	rec := row.Record()
	return &rec, nil
}

// MarkReviewed sets the reviewer fields.
func (r *AuditRepository) MarkReviewed(ctx context.Context, id, reviewerID string, at time.Time) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE audit_logs SET reviewed_by = $1, reviewed_at = $2 WHERE id = $3`,
		reviewerID, at, id)
	if err != nil {
		return false, fmt.Errorf("failed to mark audit log reviewed: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Archive stamps archived_at on live records older than before.
func (r *AuditRepository) Archive(ctx context.Context, before, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE audit_logs SET archived_at = $1 WHERE archived_at IS NULL AND timestamp < $2`,
		at, before)
	if err != nil {
		return 0, fmt.Errorf("failed to archive audit logs: %w", err)
	}
	return res.RowsAffected()
}

// Delete removes one record.
func (r *AuditRepository) Delete(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	res, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete audit log: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteMany removes records matching c.
func (r *AuditRepository) DeleteMany(ctx context.Context, c audit.DeleteCriteria) (int64, error) {
	w := &where{}
	w.add("timestamp < ?", c.OlderThan)
	if c.Severity != nil {
		w.add("severity = ?", string(*c.Severity))
	}
	if c.ExcludeCompliance {
		w.add("cardinality(compliance) = 0")
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM audit_logs`+w.String()), w.args...)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk delete audit logs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpired removes records past their retention period, falling back to
// defaultDays for rows stored without one.
func (r *AuditRepository) DeleteExpired(ctx context.Context, now time.Time, defaultDays int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM audit_logs
		WHERE timestamp + make_interval(days => COALESCE(retention_period, $2)) < $1`,
		now, defaultDays)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired audit logs: %w", err)
	}
	return res.RowsAffected()
}

// DeleteArchivedBefore removes records archived before cutoff.
func (r *AuditRepository) DeleteArchivedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM audit_logs WHERE archived_at IS NOT NULL AND archived_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge archived audit logs: %w", err)
	}
	return res.RowsAffected()
}

// Count counts records in tr, archived ones included.
func (r *AuditRepository) Count(ctx context.Context, tr audit.TimeRange) (int64, error) {
	w := &where{}
	w.timeRange(tr.StartDate, tr.EndDate)
	var n int64
	if err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM audit_logs`+w.String()), w.args...); err != nil {
		return 0, fmt.Errorf("failed to count audit logs: %w", err)
	}
	return n, nil
}

// GroupCount counts records per value of field, largest group first.
func (r *AuditRepository) GroupCount(ctx context.Context, field audit.GroupField, tr audit.TimeRange, limit int) ([]audit.GroupCount, error) {
	col, ok := groupColumns[field]
	if !ok {
		return nil, fmt.Errorf("unsupported group field %q", field)
	}
	w := &where{}
	w.add(col + " IS NOT NULL")
	w.timeRange(tr.StartDate, tr.EndDate)

	query := `SELECT ` + col + ` AS key, COUNT(*) AS count FROM audit_logs` + w.String() +
		` GROUP BY 1 ORDER BY count DESC, key ASC`
	args := w.args
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	out := []audit.GroupCount{}
	if err := r.db.SelectContext(ctx, &out, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to group audit logs by %s: %w", field, err)
	}
	return out, nil
}

type periodRow struct {
	Bucket     int64  `db:"bucket"`
	ActionType string `db:"action_type"`
	Severity   string `db:"severity"`
	Resource   string `db:"resource"`
	Success    bool   `db:"success"`
	Count      int64  `db:"count"`
}

// CountByPeriod groups records in tr by bucket start and the aggregation
// dimensions. Archived records are included.
func (r *AuditRepository) CountByPeriod(ctx context.Context, b audit.Bucket, tr audit.TimeRange) ([]audit.PeriodCount, error) {
	col, ok := periodColumns[b]
	if !ok {
		return nil, fmt.Errorf("unsupported aggregation bucket %q", b)
	}
	w := &where{}
	w.timeRange(tr.StartDate, tr.EndDate)

	query := `SELECT ` + col + ` AS bucket, action_type, severity, resource, success, COUNT(*) AS count
		FROM audit_logs` + w.String() + ` GROUP BY 1, 2, 3, 4, 5 ORDER BY 1`

	var rows []periodRow
	if err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), w.args...); err != nil {
		return nil, fmt.Errorf("failed to aggregate audit logs by %s: %w", b, err)
	}
	out := make([]audit.PeriodCount, len(rows))
	for i, row := range rows {
		out[i] = audit.PeriodCount{
			Start:      time.Unix(row.Bucket, 0).UTC(),
			ActionType: row.ActionType,
			Severity:   row.Severity,
			Resource:   row.Resource,
			Success:    row.Success,
			Count:      row.Count,
		}
	}
	return out, nil
}
