package audit

import (
	"strings"
	"time"
)

// RetentionPolicy maps severities and compliance tags to retention days.
type RetentionPolicy struct {
	DefaultDays      int
	SeverityDays     map[Severity]int
	ComplianceDays   map[string]int
	ArchiveGraceDays int
}

// DefaultRetentionPolicy mirrors the shipped configuration defaults.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		DefaultDays: 90,
		SeverityDays: map[Severity]int{
			SeverityLow:      30,
			SeverityMedium:   90,
			SeverityHigh:     365,
			SeverityCritical: 2555,
			SeverityError:    180,
		},
		ComplianceDays: map[string]int{
			ComplianceGDPR:  1095,
			ComplianceHIPAA: 2190,
			CompliancePCI:   365,
			ComplianceAudit: 2555,
		},
		ArchiveGraceDays: 90,
	}
}

// NewRetentionPolicy builds a policy from config tables. Keys are matched
// case-insensitively because the config loader lower-cases map keys.
func NewRetentionPolicy(defaultDays int, severityDays, complianceDays map[string]int, graceDays int) RetentionPolicy {
	p := RetentionPolicy{
		DefaultDays:      defaultDays,
		SeverityDays:     make(map[Severity]int, len(severityDays)),
		ComplianceDays:   make(map[string]int, len(complianceDays)),
		ArchiveGraceDays: graceDays,
	}
	for k, v := range severityDays {
		p.SeverityDays[Severity(strings.ToUpper(k))] = v
	}
	for k, v := range complianceDays {
		p.ComplianceDays[strings.ToUpper(k)] = v
	}
	if p.ArchiveGraceDays <= 0 {
		p.ArchiveGraceDays = 90
	}
	return p
}

// Days returns max(severity days, compliance days...) or DefaultDays when no
// table entry applies.
func (p RetentionPolicy) Days(sev Severity, compliance []string) int {
	best := 0
	if d, ok := p.SeverityDays[sev]; ok {
		best = d
	}
	for _, tag := range compliance {
		if d, ok := p.ComplianceDays[strings.ToUpper(tag)]; ok && d > best {
			best = d
		}
	}
	if best == 0 {
		return p.DefaultDays
	}
	return best
}

// ArchiveCutoff is the archived_at threshold past which archived records are purged.
func (p RetentionPolicy) ArchiveCutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.ArchiveGraceDays)
}
