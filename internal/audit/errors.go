package audit

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an operation targets a record id that does not exist.
	ErrNotFound = errors.New("audit log not found")
	// ErrForbidden is returned when a compliance-tagged record is deleted through the single-delete path.
	ErrForbidden = errors.New("cannot delete audit log with compliance requirements")
	// ErrUnsupportedFormat is returned by exports for an unknown format.
	ErrUnsupportedFormat = errors.New("unsupported export format")
)

// ValidationError describes why a candidate record was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a *ValidationError or ErrUnsupportedFormat.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) || errors.Is(err, ErrUnsupportedFormat)
}
