package repositories

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"

	"github.com/audittrail/audittrail/internal/audit"
)

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var auditCols = []string{
	"id", "action_type", "severity", "action", "resource", "resource_id",
	"user_id", "user_email", "user_role", "impersonated_by",
	"request_id", "session_id", "ip_address", "user_agent", "endpoint", "http_method",
	"old_values", "new_values", "affected_fields", "metadata",
	"timestamp", "duration", "success", "error_message", "status_code",
	"compliance", "sensitive_data", "requires_review", "reviewed_by", "reviewed_at",
	"retention_period", "archived_at", "checksum",
}

const auditID = "5f0c6b8e-9a43-4c1e-8f27-3d2b1a0e9c11"

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newAuditRepo(t *testing.T) (*AuditRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAuditRepository(sqlx.NewDb(db, "postgres")), mock
}

func sampleAuditRow(id string, ts time.Time) *sqlmock.Rows {
	return sqlmock.NewRows(auditCols).AddRow(
		id, "UPDATE", "HIGH", "update-user", "user", "u-42",
		"user-1", "a@example.com", "admin", nil,
		"req-1", nil, "10.0.0.1", "curl/8", "/api/users/u-42", "PUT",
		[]byte(`{"name":"old"}`), []byte(`{"name":"new"}`), []byte(`{name}`), nil,
		ts, int64(12), true, nil, int64(200),
		[]byte(`{GDPR}`), true, false, nil, nil,
		int64(730), nil, "abc",
	)
}

func sampleRecord() audit.Record {
	r := audit.NewRecord(audit.ActionCreate, "create-user", "user")
	r.ID = auditID
	r.Timestamp = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	r.NewValues = audit.Map(map[string]audit.Value{"name": audit.String("x")})
	return r
}

// ---------------------------------------------------------------------------
// Create / CreateMany
// ---------------------------------------------------------------------------

func TestAuditCreate_Success(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs .* ON CONFLICT \\(id\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := sampleRecord()
	if err := repo.Create(context.Background(), &rec); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAuditCreateMany_ReturnsInsertedCount(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").
		WillReturnResult(sqlmock.NewResult(0, 2))

	a, b, c := sampleRecord(), sampleRecord(), sampleRecord()
	b.ID = "6f0c6b8e-9a43-4c1e-8f27-3d2b1a0e9c11"
	c.ID = "7f0c6b8e-9a43-4c1e-8f27-3d2b1a0e9c11"
	n, err := repo.CreateMany(context.Background(), []audit.Record{a, b, c})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 2 {
		t.Errorf("inserted = %d, want 2", n)
	}
}

func TestAuditCreateMany_Empty(t *testing.T) {
	repo, _ := newAuditRepo(t)
	n, err := repo.CreateMany(context.Background(), nil)
	if err != nil || n != 0 {
		t.Errorf("CreateMany(nil) = %d, %v", n, err)
	}
}

func TestAuditCreateMany_DBError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errors.New("connection reset"))

	if _, err := repo.CreateMany(context.Background(), []audit.Record{sampleRecord()}); err == nil {
		t.Fatal("expected error")
	}
}

// ---------------------------------------------------------------------------
// FindMany
// ---------------------------------------------------------------------------

func TestAuditFindMany_DefaultsExcludeArchived(t *testing.T) {
	repo, mock := newAuditRepo(t)
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_logs WHERE archived_at IS NULL`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(1)))
	mock.ExpectQuery(`SELECT .* FROM audit_logs WHERE archived_at IS NULL ORDER BY timestamp DESC, id DESC LIMIT \$1 OFFSET \$2`).
		WithArgs(audit.DefaultPageLimit, 0).
		WillReturnRows(sampleAuditRow(auditID, ts))

	recs, total, err := repo.FindMany(context.Background(), audit.Filter{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(recs) != 1 {
		t.Fatalf("total=%d len=%d", total, len(recs))
	}
	r := recs[0]
	if r.ActionType != audit.ActionUpdate || r.Severity != audit.SeverityHigh {
		t.Errorf("record = %+v", r)
	}
	if len(r.Compliance) != 1 || r.Compliance[0] != "GDPR" {
		t.Errorf("compliance = %v", r.Compliance)
	}
	if v, ok := r.NewValues.Get("name"); !ok || !v.Equal(audit.String("new")) {
		t.Errorf("new_values = %v", r.NewValues)
	}
	if !r.Metadata.IsNull() {
		t.Error("NULL metadata should scan as null Value")
	}
	if r.RetentionPeriod == nil || *r.RetentionPeriod != 730 {
		t.Errorf("retention = %v", r.RetentionPeriod)
	}
}

func TestAuditFindMany_Filters(t *testing.T) {
	repo, mock := newAuditRepo(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ok := false

	f := audit.Filter{
		ActionTypes:     []audit.ActionType{audit.ActionCreate, audit.ActionDelete},
		Success:         &ok,
		Resource:        "us_er",
		HTTPMethods:     []string{"post"},
		StartDate:       &start,
		IncludeArchived: true,
		Page:            2,
		Limit:           10,
	}
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_logs WHERE action_type IN \(\$1, \$2\) AND success = \$3 AND resource ILIKE \$4 AND http_method IN \(\$5\) AND timestamp >= \$6$`).
		WithArgs(audit.ActionCreate, audit.ActionDelete, false, `%us\_er%`, "POST", start).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(15)))
	mock.ExpectQuery(`LIMIT \$7 OFFSET \$8`).
		WithArgs(audit.ActionCreate, audit.ActionDelete, false, `%us\_er%`, "POST", start, 10, 10).
		WillReturnRows(sqlmock.NewRows(auditCols))

	recs, total, err := repo.FindMany(context.Background(), f)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 15 || len(recs) != 0 {
		t.Errorf("total=%d len=%d", total, len(recs))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAuditFindMany_ZeroCountSkipsSelect(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))

	recs, total, err := repo.FindMany(context.Background(), audit.Filter{Search: "boom"})
	if err != nil || total != 0 || recs == nil || len(recs) != 0 {
		t.Errorf("FindMany = %v, %d, %v", recs, total, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAuditFindMany_InvalidIDsMatchNothing(t *testing.T) {
	repo, mock := newAuditRepo(t)
	recs, total, err := repo.FindMany(context.Background(), audit.Filter{IDs: []string{"not-a-uuid"}})
	if err != nil || total != 0 || len(recs) != 0 {
		t.Errorf("FindMany = %v, %d, %v", recs, total, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestAuditFindMany_CountError(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("db down"))

	if _, _, err := repo.FindMany(context.Background(), audit.Filter{}); err == nil {
		t.Fatal("expected error")
	}
}

// ---------------------------------------------------------------------------
// FindByID / MarkReviewed / Delete
// ---------------------------------------------------------------------------

func TestAuditFindByID_Found(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT .* FROM audit_logs WHERE id = \\$1").
		WithArgs(auditID).
		WillReturnRows(sampleAuditRow(auditID, time.Now()))

	r, err := repo.FindByID(context.Background(), auditID)
	if err != nil || r == nil || r.ID != auditID {
		t.Fatalf("FindByID = %v, %v", r, err)
	}
	if r.Checksum != "abc" {
		t.Errorf("checksum = %q", r.Checksum)
	}
}

func TestAuditFindByID_NotFound(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery("SELECT .* FROM audit_logs WHERE id").WillReturnError(sql.ErrNoRows)

	r, err := repo.FindByID(context.Background(), auditID)
	if err != nil || r != nil {
		t.Errorf("FindByID = %v, %v; want nil, nil", r, err)
	}
}

func TestAuditMarkReviewed(t *testing.T) {
	repo, mock := newAuditRepo(t)
	at := time.Now()
	mock.ExpectExec("UPDATE audit_logs SET reviewed_by").
		WithArgs("reviewer-1", at, auditID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE audit_logs SET reviewed_by").
		WillReturnResult(sqlmock.NewResult(0, 0))

	if ok, err := repo.MarkReviewed(context.Background(), auditID, "reviewer-1", at); err != nil || !ok {
		t.Errorf("first = %v, %v", ok, err)
	}
	if ok, err := repo.MarkReviewed(context.Background(), auditID, "reviewer-1", at); err != nil || ok {
		t.Errorf("missing = %v, %v", ok, err)
	}
}

func TestAuditDelete(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectExec("DELETE FROM audit_logs WHERE id = \\$1").
		WithArgs(auditID).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Delete(context.Background(), auditID)
	if err != nil || !ok {
		t.Errorf("Delete = %v, %v", ok, err)
	}
	if ok, _ := repo.Delete(context.Background(), "bogus"); ok {
		t.Error("malformed id should report not found")
	}
}

// ---------------------------------------------------------------------------
// Retention
// ---------------------------------------------------------------------------

func TestAuditDeleteMany_Criteria(t *testing.T) {
	repo, mock := newAuditRepo(t)
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	sev := audit.SeverityLow

	mock.ExpectExec(`DELETE FROM audit_logs WHERE timestamp < \$1 AND severity = \$2 AND cardinality\(compliance\) = 0`).
		WithArgs(older, "LOW").
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := repo.DeleteMany(context.Background(), audit.DeleteCriteria{OlderThan: older, Severity: &sev, ExcludeCompliance: true})
	if err != nil || n != 7 {
		t.Errorf("DeleteMany = %d, %v", n, err)
	}
}

func TestAuditDeleteExpired(t *testing.T) {
	repo, mock := newAuditRepo(t)
	now := time.Now()
	mock.ExpectExec(`make_interval\(days => COALESCE\(retention_period, \$2\)\) < \$1`).
		WithArgs(now, 365).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := repo.DeleteExpired(context.Background(), now, 365)
	if err != nil || n != 4 {
		t.Errorf("DeleteExpired = %d, %v", n, err)
	}
}

func TestAuditArchiveAndPurge(t *testing.T) {
	repo, mock := newAuditRepo(t)
	before := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE audit_logs SET archived_at = \\$1 WHERE archived_at IS NULL AND timestamp < \\$2").
		WithArgs(at, before).
		WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectExec("DELETE FROM audit_logs WHERE archived_at IS NOT NULL AND archived_at < \\$1").
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 3))

	if n, err := repo.Archive(context.Background(), before, at); err != nil || n != 12 {
		t.Errorf("Archive = %d, %v", n, err)
	}
	if n, err := repo.DeleteArchivedBefore(context.Background(), before); err != nil || n != 3 {
		t.Errorf("DeleteArchivedBefore = %d, %v", n, err)
	}
}

// ---------------------------------------------------------------------------
// Statistics
// ---------------------------------------------------------------------------

func TestAuditCount_Range(t *testing.T) {
	repo, mock := newAuditRepo(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audit_logs WHERE timestamp >= \$1 AND timestamp <= \$2`).
		WithArgs(start, end).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	n, err := repo.Count(context.Background(), audit.TimeRange{StartDate: &start, EndDate: &end})
	if err != nil || n != 42 {
		t.Errorf("Count = %d, %v", n, err)
	}
}

func TestAuditGroupCount_TopUsers(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery(`SELECT user_id AS key, COUNT\(\*\) AS count FROM audit_logs WHERE user_id IS NOT NULL GROUP BY 1 ORDER BY count DESC, key ASC LIMIT \$1`).
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows([]string{"key", "count"}).
			AddRow("user-1", int64(9)).
			AddRow("user-2", int64(3)))

	got, err := repo.GroupCount(context.Background(), audit.GroupByUser, audit.TimeRange{}, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0].Key != "user-1" || got[0].Count != 9 {
		t.Errorf("got %+v", got)
	}
}

func TestAuditGroupCount_SuccessAsText(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery(`SELECT success::text AS key`).
		WillReturnRows(sqlmock.NewRows([]string{"key", "count"}).AddRow("true", int64(5)))

	got, err := repo.GroupCount(context.Background(), audit.GroupBySuccess, audit.TimeRange{}, 0)
	if err != nil || len(got) != 1 || got[0].Key != "true" {
		t.Errorf("GroupCount = %+v, %v", got, err)
	}
}

func TestAuditGroupCount_UnknownField(t *testing.T) {
	repo, _ := newAuditRepo(t)
	if _, err := repo.GroupCount(context.Background(), "password", audit.TimeRange{}, 0); err == nil {
		t.Fatal("expected error for unsupported field")
	}
}

func TestAuditCountByPeriod_GroupsInDatabase(t *testing.T) {
	repo, mock := newAuditRepo(t)
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 7)
	mock.ExpectQuery(`SELECT EXTRACT\(EPOCH FROM date_trunc\('day', timestamp AT TIME ZONE 'UTC'\)\)::bigint AS bucket, action_type, severity, resource, success, COUNT\(\*\) AS count\s+FROM audit_logs WHERE timestamp >= \$1 AND timestamp <= \$2 GROUP BY 1, 2, 3, 4, 5 ORDER BY 1`).
		WithArgs(start, end).
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "action_type", "severity", "resource", "success", "count"}).
			AddRow(start.Unix(), "CREATE", "LOW", "user", true, int64(40)).
			AddRow(start.Unix(), "DELETE", "HIGH", "user", false, int64(2)))

	got, err := repo.CountByPeriod(context.Background(), audit.BucketDay, audit.TimeRange{StartDate: &start, EndDate: &end})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || !got[0].Start.Equal(start) || got[0].Count != 40 || got[1].Success {
		t.Errorf("got %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestAuditCountByPeriod_EpochWeeks(t *testing.T) {
	repo, mock := newAuditRepo(t)
	mock.ExpectQuery(`SELECT \(FLOOR\(EXTRACT\(EPOCH FROM timestamp\) / 604800\) \* 604800\)::bigint AS bucket`).
		WillReturnRows(sqlmock.NewRows([]string{"bucket", "action_type", "severity", "resource", "success", "count"}))

	got, err := repo.CountByPeriod(context.Background(), audit.BucketWeek, audit.TimeRange{})
	if err != nil || len(got) != 0 {
		t.Errorf("CountByPeriod = %+v, %v", got, err)
	}
}

func TestAuditCountByPeriod_UnknownBucket(t *testing.T) {
	repo, _ := newAuditRepo(t)
	if _, err := repo.CountByPeriod(context.Background(), "fortnight", audit.TimeRange{}); err == nil {
		t.Fatal("expected error for unsupported bucket")
	}
}
