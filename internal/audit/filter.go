package audit

import (
	"time"
)

// Pagination limits for FindMany.
const (
	DefaultPageLimit = 50
	MaxPageLimit     = 1000
)

// Filter selects audit records. Zero-valued fields do not constrain the query.
// Archived records are excluded unless IncludeArchived is set.
type Filter struct {
	// exact match
	IDs            []string     `json:"ids,omitempty"`
	ActionTypes    []ActionType `json:"action_types,omitempty"`
	Severities     []Severity   `json:"severities,omitempty"`
	UserID         *string      `json:"user_id,omitempty"`
	UserRole       *string      `json:"user_role,omitempty"`
	Success        *bool        `json:"success,omitempty"`
	RequiresReview *bool        `json:"requires_review,omitempty"`
	SensitiveData  *bool        `json:"sensitive_data,omitempty"`

	// case-insensitive substring
	Action    string `json:"action,omitempty"`
	Resource  string `json:"resource,omitempty"`
	UserEmail string `json:"user_email,omitempty"`

	// set membership
	HTTPMethods []string `json:"http_methods,omitempty"`
	Compliance  []string `json:"compliance,omitempty"`

	MinDuration *int64     `json:"min_duration,omitempty"`
	MaxDuration *int64     `json:"max_duration,omitempty"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`

	// Search is OR-matched against action, resource, error message and email.
	Search          string `json:"search,omitempty"`
	IncludeArchived bool   `json:"include_archived,omitempty"`

	Page  int `json:"page,omitempty"`
	Limit int `json:"limit,omitempty"`
}

// Normalize clamps pagination to sane bounds.
func (f Filter) Normalize() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	return f
}

// Offset returns the row offset for the current page.
func (f Filter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// Page is one page of FindMany results.
type Page struct {
	Data        []Record `json:"data"`
	Total       int64    `json:"total"`
	Page        int      `json:"page"`
	Limit       int      `json:"limit"`
	TotalPages  int      `json:"total_pages"`
	HasNext     bool     `json:"has_next"`
	HasPrevious bool     `json:"has_previous"`
}

// NewPage fills in the derived pagination fields.
func NewPage(data []Record, total int64, page, limit int) *Page {
	if data == nil {
		data = []Record{}
	}
	totalPages := 0
	if limit > 0 {
		totalPages = int((total + int64(limit) - 1) / int64(limit))
	}
	return &Page{
		Data:        data,
		Total:       total,
		Page:        page,
		Limit:       limit,
		TotalPages:  totalPages,
		HasNext:     page < totalPages,
		HasPrevious: page > 1,
	}
}

// TimeRange bounds statistics queries. Nil ends are open.
type TimeRange struct {
	StartDate *time.Time `json:"start_date,omitempty"`
	EndDate   *time.Time `json:"end_date,omitempty"`
}

// GroupField names a column statistics can be grouped by.
type GroupField string

const (
	GroupByActionType GroupField = "action_type"
	GroupBySeverity   GroupField = "severity"
	GroupBySuccess    GroupField = "success"
	GroupByUser       GroupField = "user_id"
	GroupByResource   GroupField = "resource"
)

// GroupCount is one bucket of a group-by count.
type GroupCount struct {
	Key   string `json:"key" db:"key"`
	Count int64  `json:"count" db:"count"`
}

// PeriodCount is one grouped row of Store.CountByPeriod. Start is the UTC
// start of the bucket the rows fall in.
type PeriodCount struct {
	Start      time.Time
	ActionType string
	Severity   string
	Resource   string
	Success    bool
	Count      int64
}

// Statistics summarizes records in a time range.
type Statistics struct {
	Total        int64            `json:"total"`
	Successful   int64            `json:"successful"`
	Failed       int64            `json:"failed"`
	ByActionType map[string]int64 `json:"by_action_type"`
	BySeverity   map[string]int64 `json:"by_severity"`
	TopUsers     []GroupCount     `json:"top_users"`
	TopResources []GroupCount     `json:"top_resources"`
	GeneratedAt  time.Time        `json:"generated_at"`
}

// DeleteCriteria selects records for bulk and retention deletes.
type DeleteCriteria struct {
	OlderThan         time.Time
	Severity          *Severity
	ExcludeCompliance bool
}
