package audit

import (
	"errors"
	"fmt"
	"net"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

var httpMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "PATCH": true, "DELETE": true,
	"HEAD": true, "OPTIONS": true, "CONNECT": true, "TRACE": true,
}

// getValidator returns the shared validator with the audit-specific rules
// registered. Field names in errors use the json tag.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
			if name == "-" || name == "" {
				return fld.Name
			}
			return name
		})
		_ = validate.RegisterValidation("notblank", func(fl validator.FieldLevel) bool {
			return strings.TrimSpace(fl.Field().String()) != ""
		})
		_ = validate.RegisterValidation("ip_or_unknown", func(fl validator.FieldLevel) bool {
			s := strings.TrimSpace(fl.Field().String())
			return s == UnknownIP || net.ParseIP(s) != nil
		})
		_ = validate.RegisterValidation("http_method", func(fl validator.FieldLevel) bool {
			return httpMethods[strings.ToUpper(strings.TrimSpace(fl.Field().String()))]
		})
	})
	return validate
}

// Validate checks a candidate record before it is transformed and stored.
// It returns a *ValidationError naming the first offending field.
func Validate(r *Record) error {
	if r.ActionType == "" {
		return &ValidationError{Field: "action_type", Reason: "is required"}
	}
	if !r.ActionType.Valid() {
		if _, ok := ParseActionType(string(r.ActionType)); !ok {
			return &ValidationError{Field: "action_type", Reason: fmt.Sprintf("unknown action type %q", r.ActionType)}
		}
	}
	if r.Severity != "" {
		if _, ok := ParseSeverity(string(r.Severity)); !ok {
			return &ValidationError{Field: "severity", Reason: fmt.Sprintf("unknown severity %q", r.Severity)}
		}
	}

	err := getValidator().Struct(r)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return &ValidationError{Reason: err.Error()}
	}
	fe := fieldErrs[0]
	return &ValidationError{Field: fe.Field(), Reason: describe(fe)}
}

func describe(fe validator.FieldError) string {
	switch fe.Tag() {
	case "notblank":
		return "is required and must not be blank"
	case "max":
		if fe.Kind() == reflect.String {
			return fmt.Sprintf("must be at most %s characters", fe.Param())
		}
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "ip_or_unknown":
		return "must be a valid IPv4 or IPv6 address"
	case "http_method":
		return "must be a standard HTTP method"
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
