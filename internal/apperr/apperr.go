// Package apperr implements the error taxonomy from spec.md §7 as
// sentinel-wrapped errors, following the fmt.Errorf("%w") idiom used
// throughout the teacher's services.
package apperr

import (
	"errors"
	"fmt"
)

// Kinds. These are never constructed bare; use the wrapping helpers below
// (Validation, Auth, NotFound, ...) so every instance carries a message.
var (
	ErrValidation         = errors.New("validation error")
	ErrAuth               = errors.New("auth error")
	ErrNotFound           = errors.New("not found")
	ErrIllegalTransition  = errors.New("illegal transition")
	ErrTransientUpstream  = errors.New("transient upstream error")
	ErrPermanentUpstream  = errors.New("permanent upstream error")
	ErrStorage            = errors.New("storage error")
	ErrArtifactPersist    = errors.New("artifact persist error")
	ErrReportDelivery     = errors.New("report delivery error")
)

// Validation wraps ErrValidation with a caller-facing message.
func Validation(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// Auth wraps ErrAuth.
func Auth(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrAuth)...)
}

// NotFound wraps ErrNotFound.
func NotFound(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// IllegalTransition wraps ErrIllegalTransition. Internal only — never the
// sole cause of a 5xx response (spec.md §7).
func IllegalTransition(from, to string) error {
	return fmt.Errorf("cannot transition %s -> %s: %w", from, to, ErrIllegalTransition)
}

// TransientUpstream wraps ErrTransientUpstream.
func TransientUpstream(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrTransientUpstream)...)
}

// PermanentUpstream wraps ErrPermanentUpstream.
func PermanentUpstream(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrPermanentUpstream)...)
}

// Storage wraps ErrStorage.
func Storage(err error) error {
	return fmt.Errorf("storage unavailable: %w: %w", err, ErrStorage)
}

// ArtifactPersist wraps ErrArtifactPersist. Non-fatal by contract — callers
// log it and continue (spec.md §4.4, §7).
func ArtifactPersist(err error) error {
	return fmt.Errorf("artifact persist failed: %w: %w", err, ErrArtifactPersist)
}

// ReportDelivery wraps ErrReportDelivery. Non-fatal by contract.
func ReportDelivery(err error) error {
	return fmt.Errorf("report delivery failed: %w: %w", err, ErrReportDelivery)
}

// Is reports whether err carries kind anywhere in its wrap chain.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
