package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation         = errors.New("validation error")
	ErrNotFound           = errors.New("not found")
	ErrDuplicateChecksum  = errors.New("duplicate checksum")
	ErrParse              = errors.New("parse error")
	ErrEmbed              = errors.New("embed error")
	ErrIsolationViolation = errors.New("isolation violation")
	ErrChannelTimeout     = errors.New("channel timeout")
	ErrDimensionMismatch  = errors.New("embedding dimension mismatch")
	ErrObjectExists       = errors.New("object already exists")
	ErrRateLimited        = errors.New("query rate limit exceeded")
	ErrInvalidTransition  = errors.New("invalid job phase transition")
)

// ValidationError rejects malformed input before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DuplicateChecksumError is non-fatal: Existing is the version the upload resolves to.
type DuplicateChecksumError struct {
	Existing VersionRef
}

func (e *DuplicateChecksumError) Error() string {
	return fmt.Sprintf("content already stored as version %s", e.Existing)
}

func (e *DuplicateChecksumError) Unwrap() error { return ErrDuplicateChecksum }

// ParseError is returned by parsers. Permanent errors are not retried.
type ParseError struct {
	Cause     string
	Permanent bool
}

func (e *ParseError) Error() string {
	return "parse failed: " + e.Cause
}

func (e *ParseError) Unwrap() error { return ErrParse }

type EmbedError struct {
	Cause error
}

func (e *EmbedError) Error() string {
	return "embedding failed: " + e.Cause.Error()
}

func (e *EmbedError) Unwrap() []error { return []error{ErrEmbed, e.Cause} }

// IsolationViolation is fatal. It is raised when a read path produces data
// owned by a tenant other than the requesting one, or when a search is
// attempted without a tenant scope.
type IsolationViolation struct {
	Expected TenantID
	Got      TenantID
	Where    string
}

func (e *IsolationViolation) Error() string {
	if e.Got == "" {
		return fmt.Sprintf("isolation violation in %s: unscoped access", e.Where)
	}
	return fmt.Sprintf("isolation violation in %s: tenant %q received data of tenant %q", e.Where, e.Expected, e.Got)
}

func (e *IsolationViolation) Unwrap() error { return ErrIsolationViolation }

// CheckTenant returns an IsolationViolation when got differs from want.
func CheckTenant(want, got TenantID, where string) error {
	if want == "" || want != got {
		return &IsolationViolation{Expected: want, Got: got, Where: where}
	}
	return nil
}
