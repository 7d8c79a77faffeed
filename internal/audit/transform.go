package audit

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/audittrail/audittrail/pkg/checksum"
)

var sensitiveResources = map[string]bool{
	"user": true, "permission": true, "role": true, "session": true, "authentication": true,
}

// complianceHints maps key-name fragments to the tag they imply.
var complianceHints = []struct {
	tag       string
	fragments []string
}{
	{ComplianceGDPR, []string{"email", "name", "phone", "address", "birth"}},
	{ComplianceHIPAA, []string{"medical", "health", "diagnosis", "patient"}},
	{CompliancePCI, []string{"card", "credit", "cvv", "payment"}},
}

// IsSensitiveResource reports whether resource names identity or access data.
// Plural path segments ("users", "roles") are matched on their singular form.
func IsSensitiveResource(resource string) bool {
	r := strings.ToLower(strings.TrimSpace(resource))
	return sensitiveResources[r] || sensitiveResources[strings.TrimSuffix(r, "s")]
}

// DeriveFlags sets SensitiveData and RequiresReview from the resource, action
// type and severity. Flags already set by the caller are kept.
func DeriveFlags(r *Record) {
	if IsSensitiveResource(r.Resource) ||
		r.ActionType == ActionPermissionChange || r.ActionType == ActionRoleChange {
		r.SensitiveData = true
	}
	switch {
	case r.Severity == SeverityHigh, r.Severity == SeverityCritical:
		r.RequiresReview = true
	case r.ActionType == ActionDelete, r.ActionType == ActionPermissionChange, r.ActionType == ActionRoleChange:
		r.RequiresReview = true
	}
}

// DeriveCompliance merges explicit tags with tags implied by payload key
// names. Tags are upper-cased, de-duplicated and sorted.
func DeriveCompliance(explicit []string, payloads ...Value) []string {
	seen := make(map[string]bool)
	for _, t := range explicit {
		if t = strings.ToUpper(strings.TrimSpace(t)); t != "" {
			seen[t] = true
		}
	}
	for _, p := range payloads {
		walkKeys(p, func(key string) {
			k := strings.ToLower(key)
			for _, hint := range complianceHints {
				for _, frag := range hint.fragments {
					if strings.Contains(k, frag) {
						seen[hint.tag] = true
					}
				}
			}
		})
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func walkKeys(v Value, fn func(string)) {
	switch v.Kind() {
	case KindMap:
		for _, k := range v.Keys() {
			fn(k)
			child, _ := v.Get(k)
			walkKeys(child, fn)
		}
	case KindList:
		for _, item := range v.Items() {
			walkKeys(item, fn)
		}
	}
}

// Transform normalizes a validated record for storage. It returns a copy;
// r is not modified.
func Transform(r Record, policy RetentionPolicy, now time.Time) Record {
	out := r
	out.Action = strings.TrimSpace(r.Action)
	out.Resource = strings.TrimSpace(r.Resource)
	out.ResourceID = trimPtr(r.ResourceID)
	out.UserID = trimPtr(r.UserID)
	out.UserRole = trimPtr(r.UserRole)
	out.ImpersonatedBy = trimPtr(r.ImpersonatedBy)
	out.RequestID = trimPtr(r.RequestID)
	out.SessionID = trimPtr(r.SessionID)
	out.IPAddress = trimPtr(r.IPAddress)
	out.UserAgent = trimPtr(r.UserAgent)
	out.Endpoint = trimPtr(r.Endpoint)
	out.ErrorMessage = trimPtr(r.ErrorMessage)
	if email := trimPtr(r.UserEmail); email != nil {
		lower := strings.ToLower(*email)
		out.UserEmail = &lower
	}
	if m := trimPtr(r.HTTPMethod); m != nil {
		upper := strings.ToUpper(*m)
		out.HTTPMethod = &upper
	}
	if a, ok := ParseActionType(string(r.ActionType)); ok {
		out.ActionType = a
	}

	if sev, ok := ParseSeverity(string(r.Severity)); ok {
		out.Severity = sev
	} else {
		out.Severity = SeverityMedium
	}
	if !out.Success {
		out.Severity = SeverityError
	}

	out.Compliance = DeriveCompliance(r.Compliance, r.OldValues, r.NewValues, r.Metadata)
	DeriveFlags(&out)

	if out.RetentionPeriod == nil {
		days := policy.Days(out.Severity, out.Compliance)
		out.RetentionPeriod = &days
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = now
	}
	out.Timestamp = out.Timestamp.UTC().Truncate(time.Microsecond)
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	out.Checksum = Checksum(&out)
	return out
}

func trimPtr(p *string) *string {
	if p == nil {
		return nil
	}
	s := strings.TrimSpace(*p)
	return &s
}

// sealed is the subset of a record covered by its checksum. Review and
// archive fields are excluded because they legitimately change later.
type sealed struct {
	ID              string     `json:"id"`
	ActionType      ActionType `json:"action_type"`
	Severity        Severity   `json:"severity"`
	Action          string     `json:"action"`
	Resource        string     `json:"resource"`
	ResourceID      string     `json:"resource_id"`
	UserID          string     `json:"user_id"`
	UserEmail       string     `json:"user_email"`
	UserRole        string     `json:"user_role"`
	ImpersonatedBy  string     `json:"impersonated_by"`
	RequestID       string     `json:"request_id"`
	SessionID       string     `json:"session_id"`
	IPAddress       string     `json:"ip_address"`
	UserAgent       string     `json:"user_agent"`
	Endpoint        string     `json:"endpoint"`
	HTTPMethod      string     `json:"http_method"`
	OldValues       Value      `json:"old_values"`
	NewValues       Value      `json:"new_values"`
	AffectedFields  []string   `json:"affected_fields"`
	Metadata        Value      `json:"metadata"`
	Timestamp       int64      `json:"timestamp"`
	Duration        *int64     `json:"duration"`
	Success         bool       `json:"success"`
	ErrorMessage    string     `json:"error_message"`
	StatusCode      *int       `json:"status_code"`
	Compliance      []string   `json:"compliance"`
	SensitiveData   bool       `json:"sensitive_data"`
	RequiresReview  bool       `json:"requires_review"`
	RetentionPeriod *int       `json:"retention_period"`
}

// Checksum computes the tamper-evidence digest for r.
func Checksum(r *Record) string {
	sum, err := checksum.SumJSON(sealed{
		ID:              r.ID,
		ActionType:      r.ActionType,
		Severity:        r.Severity,
		Action:          r.Action,
		Resource:        r.Resource,
		ResourceID:      deref(r.ResourceID),
		UserID:          deref(r.UserID),
		UserEmail:       deref(r.UserEmail),
		UserRole:        deref(r.UserRole),
		ImpersonatedBy:  deref(r.ImpersonatedBy),
		RequestID:       deref(r.RequestID),
		SessionID:       deref(r.SessionID),
		IPAddress:       deref(r.IPAddress),
		UserAgent:       deref(r.UserAgent),
		Endpoint:        deref(r.Endpoint),
		HTTPMethod:      deref(r.HTTPMethod),
		OldValues:       r.OldValues,
		NewValues:       r.NewValues,
		AffectedFields:  nilIfEmpty(r.AffectedFields),
		Metadata:        r.Metadata,
		Timestamp:       r.Timestamp.UTC().UnixMicro(),
		Duration:        r.Duration,
		Success:         r.Success,
		ErrorMessage:    deref(r.ErrorMessage),
		StatusCode:      r.StatusCode,
		Compliance:      nilIfEmpty(r.Compliance),
		SensitiveData:   r.SensitiveData,
		RequiresReview:  r.RequiresReview,
		RetentionPeriod: r.RetentionPeriod,
	})
	if err != nil {
		return ""
	}
	return sum
}

func nilIfEmpty(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	return s
}
