// Package faults defines the error categories surfaced by siteops.
//
// Every failure that leaves a component is wrapped so that callers can
// branch on its category with errors.Is, and on its details with
// errors.As for the typed variants below.
package faults

import (
	"errors"
	"fmt"
)

// Error categories.
var (
	ErrConfiguration    = errors.New("configuration error")
	ErrAuthentication   = errors.New("authentication failed")
	ErrPackaging        = errors.New("packaging failed")
	ErrTransfer         = errors.New("transfer failed")
	ErrCertificate      = errors.New("certificate error")
	ErrConfigValidation = errors.New("serving configuration invalid")
	ErrProcessStart     = errors.New("process failed to start")
	ErrHealthCheck      = errors.New("health check failed")
	ErrBackup           = errors.New("backup failed")
	ErrBackupNotFound   = errors.New("backup not found")
	ErrLocked           = errors.New("deployment already in progress")

	// ErrCertificateNotFound is a CertificateError.
	ErrCertificateNotFound = fmt.Errorf("%w: material not found", ErrCertificate)
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrConfiguration, "configuration"},
	{ErrAuthentication, "authentication"},
	{ErrPackaging, "packaging"},
	{ErrTransfer, "transfer"},
	{ErrCertificate, "certificate"},
	{ErrConfigValidation, "config_validation"},
	{ErrProcessStart, "process_start"},
	{ErrHealthCheck, "health_check"},
	{ErrBackup, "backup"},
	{ErrBackupNotFound, "backup_not_found"},
	{ErrLocked, "locked"},
}

// Error attaches a category and the failing operation to an underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New wraps err under kind. A nil err yields an error carrying only the category.
func New(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted cause.
func Newf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// ProcessStartError reports a process that did not appear after launch.
type ProcessStartError struct {
	Pattern string
	LogTail string
}

func (e *ProcessStartError) Error() string {
	if e.LogTail == "" {
		return fmt.Sprintf("no process matching %q after start", e.Pattern)
	}
	return fmt.Sprintf("no process matching %q after start; log tail:\n%s", e.Pattern, e.LogTail)
}

func (e *ProcessStartError) Unwrap() error { return ErrProcessStart }

// ConfigValidationError carries the output of a failed syntax test.
type ConfigValidationError struct {
	Path   string
	Output string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("%s failed syntax test (restored from backup): %s", e.Path, e.Output)
}

func (e *ConfigValidationError) Unwrap() error { return ErrConfigValidation }

// CertificateNotFoundError names the missing certificate or key file.
type CertificateNotFoundError struct {
	Path string
}

func (e *CertificateNotFoundError) Error() string {
	return fmt.Sprintf("certificate material missing: %s", e.Path)
}

func (e *CertificateNotFoundError) Unwrap() error { return ErrCertificateNotFound }

// BackupNotFoundError names a backup absent from the remote host.
type BackupNotFoundError struct {
	Name string
}

func (e *BackupNotFoundError) Error() string {
	return fmt.Sprintf("backup %s does not exist on remote host", e.Name)
}

func (e *BackupNotFoundError) Unwrap() error { return ErrBackupNotFound }

// IsFatal reports whether err must stop the current workflow.
// Health check failures are reported, not fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrHealthCheck)
}

// KindOf returns a short category label for err, or "unknown".
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	// ErrCertificateNotFound before ErrCertificate so the narrower label wins.
	if errors.Is(err, ErrCertificateNotFound) {
		return "certificate_not_found"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "unknown"
}
