package contracts

import (
	"errors"
	"fmt"
)

// Category classifies pipeline failures. Fatal categories abort the run;
// recoverable ones are audited and counted but let the run proceed.
type Category string

const (
	CategoryConfig          Category = "ConfigError"
	CategoryInputFormat     Category = "InputFormat"
	CategoryAuditTampered   Category = "AuditTampered"
	CategoryAuditUnsigned   Category = "AuditUnsigned"
	CategoryExportSink      Category = "ExportSinkError"
	CategoryExternalService Category = "ExternalServiceError"
	CategoryStore           Category = "StoreError"
)

// CLI exit codes.
const (
	ExitOK             = 0
	ExitConfig         = 2
	ExitAuditIntegrity = 3
	ExitIO             = 4
)

// Error is a categorized pipeline error. Key names the offending config key,
// path, or id so the single-line CLI diagnostic can point at it.
type Error struct {
	Category Category
	Key      string
	Err      error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Key, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a category and offending key.
func NewError(cat Category, key string, err error) *Error {
	return &Error{Category: cat, Key: key, Err: err}
}

// Errorf builds a categorized error from a format string.
func Errorf(cat Category, key, format string, args ...any) *Error {
	return &Error{Category: cat, Key: key, Err: fmt.Errorf(format, args...)}
}

// CategoryOf extracts the category of err, or "" for uncategorized errors.
func CategoryOf(err error) Category {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Category
	}
	return ""
}

// Fatal reports whether the category aborts the run.
func Fatal(cat Category) bool {
	switch cat {
	case CategoryConfig, CategoryInputFormat, CategoryAuditTampered, CategoryAuditUnsigned, CategoryStore:
		return true
	}
	return false
}

// ExitCode maps an error to the CLI exit code contract:
// 2 configuration, 3 audit integrity, 4 unrecoverable I/O.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch CategoryOf(err) {
	case CategoryConfig, CategoryInputFormat:
		return ExitConfig
	case CategoryAuditTampered, CategoryAuditUnsigned:
		return ExitAuditIntegrity
	default:
		return ExitIO
	}
}
