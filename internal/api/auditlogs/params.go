package auditlogs

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/audittrail/audittrail/internal/audit"
)

// dateLayouts are tried in order for start_date/end_date/older_than.
var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"}

func parseTime(field, s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, &audit.ValidationError{Field: field, Reason: "must be an RFC 3339 timestamp or YYYY-MM-DD date"}
}

// splitList accepts both repeated parameters and comma-separated values.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func parseBool(q url.Values, field string) (*bool, error) {
	s := strings.TrimSpace(q.Get(field))
	if s == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, &audit.ValidationError{Field: field, Reason: "must be true or false"}
	}
	return &b, nil
}

func parseInt64(q url.Values, field string) (*int64, error) {
	s := strings.TrimSpace(q.Get(field))
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return nil, &audit.ValidationError{Field: field, Reason: "must be a non-negative integer"}
	}
	return &n, nil
}

func parseInt(q url.Values, field string) (int, error) {
	s := strings.TrimSpace(q.Get(field))
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &audit.ValidationError{Field: field, Reason: "must be an integer"}
	}
	return n, nil
}

func optString(q url.Values, field string) *string {
	if s := strings.TrimSpace(q.Get(field)); s != "" {
		return &s
	}
	return nil
}

// ParseTimeRange reads start_date and end_date.
func ParseTimeRange(q url.Values) (audit.TimeRange, error) {
	var tr audit.TimeRange
	var err error
	if tr.StartDate, err = parseTime("start_date", q.Get("start_date")); err != nil {
		return tr, err
	}
	if tr.EndDate, err = parseTime("end_date", q.Get("end_date")); err != nil {
		return tr, err
	}
	if tr.StartDate != nil && tr.EndDate != nil && tr.EndDate.Before(*tr.StartDate) {
		return tr, &audit.ValidationError{Field: "end_date", Reason: "must not be before start_date"}
	}
	return tr, nil
}

// ParseFilter builds a query filter from URL parameters. List parameters
// accept comma-separated values.
func ParseFilter(q url.Values) (audit.Filter, error) {
	var f audit.Filter
	var err error

	f.IDs = splitList(q["ids"])
	for _, s := range splitList(q["action_types"]) {
		a, ok := audit.ParseActionType(s)
		if !ok {
			return f, &audit.ValidationError{Field: "action_types", Reason: "unknown action type " + strconv.Quote(s)}
		}
		f.ActionTypes = append(f.ActionTypes, a)
	}
	for _, s := range splitList(q["severities"]) {
		sev, ok := audit.ParseSeverity(s)
		if !ok {
			return f, &audit.ValidationError{Field: "severities", Reason: "unknown severity " + strconv.Quote(s)}
		}
		f.Severities = append(f.Severities, sev)
	}
	for _, m := range splitList(q["http_methods"]) {
		f.HTTPMethods = append(f.HTTPMethods, strings.ToUpper(m))
	}
	f.Compliance = splitList(q["compliance"])

	f.UserID = optString(q, "user_id")
	f.UserRole = optString(q, "user_role")
	f.Action = strings.TrimSpace(q.Get("action"))
	f.Resource = strings.TrimSpace(q.Get("resource"))
	f.UserEmail = strings.TrimSpace(q.Get("user_email"))
	f.Search = strings.TrimSpace(q.Get("search"))

	if f.Success, err = parseBool(q, "success"); err != nil {
		return f, err
	}
	if f.RequiresReview, err = parseBool(q, "requires_review"); err != nil {
		return f, err
	}
	if f.SensitiveData, err = parseBool(q, "sensitive_data"); err != nil {
		return f, err
	}
	archived, err := parseBool(q, "include_archived")
	if err != nil {
		return f, err
	}
	f.IncludeArchived = archived != nil && *archived

	if f.MinDuration, err = parseInt64(q, "min_duration"); err != nil {
		return f, err
	}
	if f.MaxDuration, err = parseInt64(q, "max_duration"); err != nil {
		return f, err
	}

	tr, err := ParseTimeRange(q)
	if err != nil {
		return f, err
	}
	f.StartDate, f.EndDate = tr.StartDate, tr.EndDate

	if f.Page, err = parseInt(q, "page"); err != nil {
		return f, err
	}
	if f.Limit, err = parseInt(q, "limit"); err != nil {
		return f, err
	}
	return f, nil
}
