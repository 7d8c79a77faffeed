package audit

import (
	"errors"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	long := strings.Repeat("x", 101)
	tests := []struct {
		name      string
		mutate    func(*Record)
		wantField string
	}{
		{"valid", func(*Record) {}, ""},
		{"missing action type", func(r *Record) { r.ActionType = "" }, "action_type"},
		{"unknown action type", func(r *Record) { r.ActionType = "FROB" }, "action_type"},
		{"lowercase action type", func(r *Record) { r.ActionType = "create" }, ""},
		{"unknown severity", func(r *Record) { r.Severity = "URGENT" }, "severity"},
		{"blank action", func(r *Record) { r.Action = "   " }, "action"},
		{"long action", func(r *Record) { r.Action = long }, "action"},
		{"blank resource", func(r *Record) { r.Resource = "" }, "resource"},
		{"long resource", func(r *Record) { r.Resource = long }, "resource"},
		{"long resource id", func(r *Record) { r.ResourceID = StringPtr(strings.Repeat("1", 256)) }, "resource_id"},
		{"bad ip", func(r *Record) { r.IPAddress = StringPtr("999.1.1.1") }, "ip_address"},
		{"ipv6", func(r *Record) { r.IPAddress = StringPtr("::1") }, ""},
		{"unknown ip marker", func(r *Record) { r.IPAddress = StringPtr(UnknownIP) }, ""},
		{"bad method", func(r *Record) { r.HTTPMethod = StringPtr("FETCH") }, "http_method"},
		{"lowercase method", func(r *Record) { r.HTTPMethod = StringPtr("patch") }, ""},
		{"status too low", func(r *Record) { c := 99; r.StatusCode = &c }, "status_code"},
		{"status too high", func(r *Record) { c := 600; r.StatusCode = &c }, "status_code"},
		{"negative duration", func(r *Record) { d := int64(-1); r.Duration = &d }, "duration"},
		{"long user role", func(r *Record) { r.UserRole = StringPtr(strings.Repeat("r", 101)) }, "user_role"},
		{"role at column width", func(r *Record) { r.UserRole = StringPtr(strings.Repeat("r", 100)) }, ""},
		{"long user id", func(r *Record) { r.UserID = StringPtr(strings.Repeat("u", 256)) }, "user_id"},
		{"long impersonated by", func(r *Record) { r.ImpersonatedBy = StringPtr(strings.Repeat("u", 256)) }, "impersonated_by"},
		{"long request id", func(r *Record) { r.RequestID = StringPtr(strings.Repeat("q", 256)) }, "request_id"},
		{"long session id", func(r *Record) { r.SessionID = StringPtr(strings.Repeat("s", 256)) }, "session_id"},
		{"long reviewer", func(r *Record) { r.ReviewedBy = StringPtr(strings.Repeat("v", 256)) }, "reviewed_by"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRecord(ActionCreate, "create-user", "user")
			tt.mutate(&r)

			err := Validate(&r)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if ve.Field != tt.wantField {
				t.Errorf("Field = %q, want %q (%v)", ve.Field, tt.wantField, err)
			}
			if ve.Reason == "" {
				t.Error("Reason must be human readable, got empty")
			}
			if !IsValidation(err) {
				t.Error("IsValidation should be true")
			}
		})
	}
}
