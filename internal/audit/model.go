// Package audit holds the audit record model and the services that validate,
// store, query, export and expire records.
//
// Capture happens in internal/middleware; asynchronous delivery lives in
// internal/audit/queue. Everything here works against the Store interface so
// the PostgreSQL repository can be swapped for a fake in tests.
package audit

import (
	"encoding/json"
	"strings"
	"time"
)

// ActionType classifies what kind of operation a record describes.
type ActionType string

const (
	ActionCreate           ActionType = "CREATE"
	ActionRead             ActionType = "READ"
	ActionUpdate           ActionType = "UPDATE"
	ActionDelete           ActionType = "DELETE"
	ActionLogin            ActionType = "LOGIN"
	ActionLogout           ActionType = "LOGOUT"
	ActionExport           ActionType = "EXPORT"
	ActionImport           ActionType = "IMPORT"
	ActionApprove          ActionType = "APPROVE"
	ActionReject           ActionType = "REJECT"
	ActionBlock            ActionType = "BLOCK"
	ActionUnblock          ActionType = "UNBLOCK"
	ActionPermissionChange ActionType = "PERMISSION_CHANGE"
	ActionRoleChange       ActionType = "ROLE_CHANGE"
	ActionRestore          ActionType = "RESTORE"
	ActionBackup           ActionType = "BACKUP"
	ActionBulkOperation    ActionType = "BULK_OPERATION"
	ActionSystemConfig     ActionType = "SYSTEM_CONFIG"
	// ActionOther is produced by the interceptor for HTTP verbs with no mapping.
	ActionOther ActionType = "OTHER"
)

var actionTypes = map[ActionType]bool{
	ActionCreate: true, ActionRead: true, ActionUpdate: true, ActionDelete: true,
	ActionLogin: true, ActionLogout: true, ActionExport: true, ActionImport: true,
	ActionApprove: true, ActionReject: true, ActionBlock: true, ActionUnblock: true,
	ActionPermissionChange: true, ActionRoleChange: true, ActionRestore: true,
	ActionBackup: true, ActionBulkOperation: true, ActionSystemConfig: true,
	ActionOther: true,
}

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool { return actionTypes[a] }

// ParseActionType normalizes s (case-insensitive) into an ActionType.
func ParseActionType(s string) (ActionType, bool) {
	a := ActionType(strings.ToUpper(strings.TrimSpace(s)))
	return a, a.Valid()
}

// Severity ranks how much attention a record deserves.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
	SeverityError    Severity = "ERROR"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical, SeverityError:
		return true
	}
	return false
}

// ParseSeverity normalizes s (case-insensitive) into a Severity.
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	return sev, sev.Valid()
}

// Compliance tags.
const (
	ComplianceGDPR  = "GDPR"
	ComplianceHIPAA = "HIPAA"
	CompliancePCI   = "PCI-DSS"
	ComplianceAudit = "AUDIT"
)

// Record is one captured audit event.
//
// Only ReviewedBy/ReviewedAt and ArchivedAt change after insert. A record with
// any Compliance tag cannot be removed through the single-delete path.
type Record struct {
	ID         string     `json:"id"`
	ActionType ActionType `json:"action_type"`
	Severity   Severity   `json:"severity"`
	Action     string     `json:"action" validate:"notblank,max=100"`
	Resource   string     `json:"resource" validate:"notblank,max=100"`
	ResourceID *string    `json:"resource_id,omitempty" validate:"omitempty,max=255"`

	UserID         *string `json:"user_id,omitempty" validate:"omitempty,max=255"`
	UserEmail      *string `json:"user_email,omitempty" validate:"omitempty,max=255"`
	UserRole       *string `json:"user_role,omitempty" validate:"omitempty,max=100"`
	ImpersonatedBy *string `json:"impersonated_by,omitempty" validate:"omitempty,max=255"`

	RequestID  *string `json:"request_id,omitempty" validate:"omitempty,max=255"`
	SessionID  *string `json:"session_id,omitempty" validate:"omitempty,max=255"`
	IPAddress  *string `json:"ip_address,omitempty" validate:"omitempty,ip_or_unknown"`
	UserAgent  *string `json:"user_agent,omitempty"`
	Endpoint   *string `json:"endpoint,omitempty"`
	HTTPMethod *string `json:"http_method,omitempty" validate:"omitempty,http_method"`

	OldValues      Value    `json:"old_values"`
	NewValues      Value    `json:"new_values"`
	AffectedFields []string `json:"affected_fields,omitempty"`
	Metadata       Value    `json:"metadata"`

	Timestamp    time.Time `json:"timestamp"`
	Duration     *int64    `json:"duration,omitempty" validate:"omitempty,min=0"`
	Success      bool      `json:"success"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	StatusCode   *int      `json:"status_code,omitempty" validate:"omitempty,min=100,max=599"`

	Compliance      []string   `json:"compliance,omitempty"`
	SensitiveData   bool       `json:"sensitive_data"`
	RequiresReview  bool       `json:"requires_review"`
	ReviewedBy      *string    `json:"reviewed_by,omitempty" validate:"omitempty,max=255"`
	ReviewedAt      *time.Time `json:"reviewed_at,omitempty"`
	RetentionPeriod *int       `json:"retention_period,omitempty" validate:"omitempty,min=1"`
	ArchivedAt      *time.Time `json:"archived_at,omitempty"`

	// Checksum is the SHA-256 of the immutable fields, set at transform time.
	Checksum string `json:"checksum,omitempty"`
}

// NewRecord returns a record with the defaults a caller would expect:
// success, MEDIUM severity, null payloads.
func NewRecord(actionType ActionType, action, resource string) Record {
	return Record{
		ActionType: actionType,
		Severity:   SeverityMedium,
		Action:     action,
		Resource:   resource,
		Success:    true,
	}
}

// UnmarshalJSON decodes a record, treating a missing "success" as true.
func (r *Record) UnmarshalJSON(data []byte) error {
	type plain Record
	aux := struct {
		*plain
		Success *bool `json:"success"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.Success = aux.Success == nil || *aux.Success
	return nil
}

// HasCompliance reports whether the record carries any compliance tag.
func (r *Record) HasCompliance() bool {
	return len(r.Compliance) > 0
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// deref returns *p or "" for nil.
func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// ChangeSetKey is the gin context key under which a handler publishes the
// before and after snapshots of the entity it changed.
const ChangeSetKey = "audit.changes"

// ChangeSet carries explicit old and new snapshots from a handler to the
// capture interceptor. Both are sanitized before they are recorded.
type ChangeSet struct {
	Old Value
	New Value
}
