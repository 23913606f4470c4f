package crawler

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures returned across the service boundary.
type ErrorKind string

// Error kinds surfaced to callers.
const (
	KindValidation        ErrorKind = "validation"
	KindQuotaExceeded     ErrorKind = "quota_exceeded"
	KindDomainPolicy      ErrorKind = "domain_policy_violation"
	KindNotFound          ErrorKind = "not_found"
	KindUnauthorized      ErrorKind = "unauthorized"
	KindConflict          ErrorKind = "conflict"
	KindTransient         ErrorKind = "transient"
	KindInvalidTransition ErrorKind = "invalid_transition"
)

// Error is a typed failure carrying its kind. Sentinels below compare by kind,
// so errors.Is(err, ErrQuotaExceeded) matches any quota failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Kind)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches sentinels of the same kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is checks.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrQuotaExceeded     = &Error{Kind: KindQuotaExceeded}
	ErrDomainPolicy      = &Error{Kind: KindDomainPolicy}
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrUnauthorized      = &Error{Kind: KindUnauthorized}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrTransient         = &Error{Kind: KindTransient}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition}
)

// Validation reports a malformed request.
func Validation(msg string) error {
	return &Error{Kind: KindValidation, Message: msg}
}

// QuotaExceeded reports an admission refusal for the named quota.
func QuotaExceeded(what string) error {
	return &Error{Kind: KindQuotaExceeded, Message: what}
}

// DomainPolicyViolation reports a URL refused by the domain policy.
func DomainPolicyViolation(url string) error {
	return &Error{Kind: KindDomainPolicy, Message: url}
}

// NotFound reports a missing entity.
func NotFound(what string) error {
	return &Error{Kind: KindNotFound, Message: what}
}

// Unauthorized reports a requester that may not act on the entity.
func Unauthorized(msg string) error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

// Conflict reports a compare-and-set failure in a store.
func Conflict(msg string) error {
	return &Error{Kind: KindConflict, Message: msg}
}

// InvalidTransition reports a state machine violation.
func InvalidTransition(from, to JobStatus) error {
	return &Error{Kind: KindInvalidTransition, Message: fmt.Sprintf("%s -> %s", from, to)}
}

// Transient wraps a cache, broker or database failure.
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Message: op, Err: err}
}

// KindOf returns the kind of the first typed error in the chain, or "" when
// err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
