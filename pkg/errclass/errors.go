// Package errclass defines the stable error classes returned across orgflow
// component boundaries.
package errclass

import (
	"errors"
	"fmt"
	"strings"
)

// Error is a stable, machine-readable error class.
type Error struct {
	Code    string
	Message string
	// Reasons carries the human-readable explanation list for blocked or
	// refused operations.
	Reasons []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Reasons) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Reasons, "; "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg, Reasons: e.Reasons, Err: e.Err}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return e.WithMessage(fmt.Sprintf(format, args...))
}

// WithReasons returns a copy carrying the given reason list.
func (e *Error) WithReasons(reasons ...string) *Error {
	cp := *e
	cp.Reasons = append([]string(nil), reasons...)
	return &cp
}

// Wrap returns a copy with err attached as the underlying cause.
func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

// Code returns the class code of err, or "" when err carries no class.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ReasonsOf returns the reason list attached to err, if any.
func ReasonsOf(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reasons
	}
	return nil
}

// IsRetryable reports whether the operation that produced err may be retried
// unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVcsTimeout) || errors.Is(err, ErrLockConflict)
}

var (
	ErrNameConflict          = &Error{Code: "E_NAME_CONFLICT"}
	ErrNameInvalid           = &Error{Code: "E_NAME_INVALID"}
	ErrUnsafeOperation       = &Error{Code: "E_UNSAFE_OPERATION"}
	ErrVcsFailure            = &Error{Code: "E_VCS_FAILURE"}
	ErrVcsTimeout            = &Error{Code: "E_VCS_TIMEOUT"}
	ErrMergeConflict         = &Error{Code: "E_MERGE_CONFLICT"}
	ErrAuditDegraded         = &Error{Code: "E_AUDIT_DEGRADED"}
	ErrRecoveryFailed        = &Error{Code: "E_RECOVERY_FAILED"}
	ErrBlockedByUnmergedWork = &Error{Code: "E_BLOCKED_UNMERGED"}
	ErrNotFound              = &Error{Code: "E_NOT_FOUND"}
	ErrInvalidTransition     = &Error{Code: "E_INVALID_TRANSITION"}
	ErrLockConflict          = &Error{Code: "E_LOCK_CONFLICT"}
	ErrLockNotHeld           = &Error{Code: "E_LOCK_NOT_HELD"}
	ErrAuditChainBroken      = &Error{Code: "E_AUDIT_CHAIN_BROKEN"}
	ErrFormatUnsupported     = &Error{Code: "E_FORMAT_UNSUPPORTED"}
	ErrCancelled             = &Error{Code: "E_CANCELLED"}
	ErrConfigInvalid         = &Error{Code: "E_CONFIG_INVALID"}
	ErrPathEscape            = &Error{Code: "E_PATH_ESCAPE"}
)
