package retry

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for retry purposes
type Kind string

const (
	KindNetwork            Kind = "network_error"
	KindTimeout            Kind = "timeout"
	KindServiceUnavailable Kind = "service_unavailable"
	KindRateLimited        Kind = "rate_limited"
	KindStorage            Kind = "storage_error"

	KindVacationModeActive  Kind = "vacation_mode_active"
	KindNotAuthenticated    Kind = "user_not_authenticated"
	KindPermissionDenied    Kind = "permission_denied"
	KindInsufficientStorage Kind = "insufficient_storage"
	KindQuotaExceeded       Kind = "quota_exceeded"
	KindAuthExpired         Kind = "authentication_expired"
	KindInvalidBackup       Kind = "invalid_backup"
	KindFileNotFound        Kind = "file_not_found"
	KindValidationFailed    Kind = "validation_failed"
	KindCorruptedData       Kind = "corrupted_data"
	KindChecksumMismatch    Kind = "checksum_mismatch"
	KindVersionIncompatible Kind = "version_incompatible"

	// Wrapper kinds inherit retryability from their inner cause.
	KindBackupFailed  Kind = "backup_failed"
	KindRestoreFailed Kind = "restore_failed"
)

// Retryable reports whether failures of this kind may be retried.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindTimeout, KindServiceUnavailable, KindRateLimited, KindStorage:
		return true
	}
	return false
}

// Delay returns the suggested backoff before retrying this kind.
func (k Kind) Delay() time.Duration {
	switch k {
	case KindNetwork, KindTimeout:
		return 5 * time.Second
	case KindServiceUnavailable:
		return 30 * time.Second
	case KindRateLimited:
		return 60 * time.Second
	case KindStorage:
		return 10 * time.Second
	}
	return 0
}

func (k Kind) wrapper() bool {
	return k == KindBackupFailed || k == KindRestoreFailed
}

// Error is a classified failure
type Error struct {
	Kind Kind
	Msg  string
	Err  error

	// RetryAfter overrides the kind's default backoff when positive.
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Classify resolves the effective kind of an error, following wrapper kinds
// down to their inner cause. The second return is false for unclassified errors.
func Classify(err error) (Kind, bool) {
	var ce *Error
	if !errors.As(err, &ce) {
		return "", false
	}
	if ce.Kind.wrapper() && ce.Err != nil {
		if inner, ok := Classify(ce.Err); ok {
			return inner, true
		}
	}
	return ce.Kind, true
}

// Retryable reports whether the error may be retried. Unclassified errors
// count as retryable so that transient failures from lower layers get a
// second chance.
func Retryable(err error) bool {
	kind, ok := Classify(err)
	if !ok {
		return true
	}
	return kind.Retryable()
}

// LimitError is returned when an operation keeps failing with retryable
// errors until the attempt budget is exhausted.
type LimitError struct {
	Attempts int
	Last     error
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("retry limit exceeded after %d attempts: %v", e.Attempts, e.Last)
}

func (e *LimitError) Unwrap() error {
	return e.Last
}
