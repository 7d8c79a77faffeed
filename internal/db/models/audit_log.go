// Package models - audit_log.go defines the audit_logs row and its mapping to
// and from the domain record.
package models

import (
	"time"

	"github.com/lib/pq"

	"github.com/audittrail/audittrail/internal/audit"
)

// AuditLog is one row of audit_logs.
type AuditLog struct {
	ID         string  `db:"id"`
	ActionType string  `db:"action_type"`
	Severity   string  `db:"severity"`
	Action     string  `db:"action"`
	Resource   string  `db:"resource"`
	ResourceID *string `db:"resource_id"`

	UserID         *string `db:"user_id"`
	UserEmail      *string `db:"user_email"`
	UserRole       *string `db:"user_role"`
	ImpersonatedBy *string `db:"impersonated_by"`

	RequestID  *string `db:"request_id"`
	SessionID  *string `db:"session_id"`
	IPAddress  *string `db:"ip_address"`
	UserAgent  *string `db:"user_agent"`
	Endpoint   *string `db:"endpoint"`
	HTTPMethod *string `db:"http_method"`

	OldValues      audit.Value    `db:"old_values"`     // JSONB
	NewValues      audit.Value    `db:"new_values"`     // JSONB
	AffectedFields pq.StringArray `db:"affected_fields"` // TEXT[]
	Metadata       audit.Value    `db:"metadata"`       // JSONB

	Timestamp    time.Time `db:"timestamp"`
	Duration     *int64    `db:"duration"` // milliseconds
	Success      bool      `db:"success"`
	ErrorMessage *string   `db:"error_message"`
	StatusCode   *int      `db:"status_code"`

	Compliance      pq.StringArray `db:"compliance"`
	SensitiveData   bool           `db:"sensitive_data"`
	RequiresReview  bool           `db:"requires_review"`
	ReviewedBy      *string        `db:"reviewed_by"`
	ReviewedAt      *time.Time     `db:"reviewed_at"`
	RetentionPeriod *int           `db:"retention_period"` // days
	ArchivedAt      *time.Time     `db:"archived_at"`
	Checksum        *string        `db:"checksum"`
}

// NewAuditLog converts a domain record into a row.
func NewAuditLog(r *audit.Record) AuditLog {
	row := AuditLog{
		ID:              r.ID,
		ActionType:      string(r.ActionType),
		Severity:        string(r.Severity),
		Action:          r.Action,
		Resource:        r.Resource,
		ResourceID:      r.ResourceID,
		UserID:          r.UserID,
		UserEmail:       r.UserEmail,
		UserRole:        r.UserRole,
		ImpersonatedBy:  r.ImpersonatedBy,
		RequestID:       r.RequestID,
		SessionID:       r.SessionID,
		IPAddress:       r.IPAddress,
		UserAgent:       r.UserAgent,
		Endpoint:        r.Endpoint,
		HTTPMethod:      r.HTTPMethod,
		OldValues:       r.OldValues,
		NewValues:       r.NewValues,
		AffectedFields:  pq.StringArray(r.AffectedFields),
		Metadata:        r.Metadata,
		Timestamp:       r.Timestamp,
		Duration:        r.Duration,
		Success:         r.Success,
		ErrorMessage:    r.ErrorMessage,
		StatusCode:      r.StatusCode,
		Compliance:      pq.StringArray(r.Compliance),
		SensitiveData:   r.SensitiveData,
		RequiresReview:  r.RequiresReview,
		ReviewedBy:      r.ReviewedBy,
		ReviewedAt:      r.ReviewedAt,
		RetentionPeriod: r.RetentionPeriod,
		ArchivedAt:      r.ArchivedAt,
		Checksum:        audit.StringPtr(r.Checksum),
	}
	if row.AffectedFields == nil {
		row.AffectedFields = pq.StringArray{}
	}
	if row.Compliance == nil {
		row.Compliance = pq.StringArray{}
	}
	return row
}

// Record converts the row back into a domain record. Empty arrays come back
// as nil so checksums match what was computed before insert.
func (a *AuditLog) Record() audit.Record {
	r := audit.Record{
		ID:              a.ID,
		ActionType:      audit.ActionType(a.ActionType),
		Severity:        audit.Severity(a.Severity),
		Action:          a.Action,
		Resource:        a.Resource,
		ResourceID:      a.ResourceID,
		UserID:          a.UserID,
		UserEmail:       a.UserEmail,
		UserRole:        a.UserRole,
		ImpersonatedBy:  a.ImpersonatedBy,
		RequestID:       a.RequestID,
		SessionID:       a.SessionID,
		IPAddress:       a.IPAddress,
		UserAgent:       a.UserAgent,
		Endpoint:        a.Endpoint,
		HTTPMethod:      a.HTTPMethod,
		OldValues:       a.OldValues,
		NewValues:       a.NewValues,
		Metadata:        a.Metadata,
		Timestamp:       a.Timestamp.UTC(),
		Duration:        a.Duration,
		Success:         a.Success,
		ErrorMessage:    a.ErrorMessage,
		StatusCode:      a.StatusCode,
		SensitiveData:   a.SensitiveData,
		RequiresReview:  a.RequiresReview,
		ReviewedBy:      a.ReviewedBy,
		ReviewedAt:      a.ReviewedAt,
		RetentionPeriod: a.RetentionPeriod,
		ArchivedAt:      a.ArchivedAt,
	}
	if len(a.AffectedFields) > 0 {
		r.AffectedFields = []string(a.AffectedFields)
	}
	if len(a.Compliance) > 0 {
		r.Compliance = []string(a.Compliance)
	}
	if a.Checksum != nil {
		r.Checksum = *a.Checksum
	}
	return r
}
