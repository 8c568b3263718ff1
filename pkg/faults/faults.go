// Package faults carries the error taxonomy shared by the pipeline
// services. Retryability is a property of the error value itself, so the
// code that decides retry vs drop vs dead-letter never inspects call sites.
package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the retry/drop decision.
type Kind int

const (
	// KindTransient errors are retried with backoff. Unclassified errors
	// default to transient so an unknown failure is never dropped.
	KindTransient Kind = iota
	// KindAuth covers unknown devices, suspended accounts, and token
	// mismatches. The connection is refused and the message dropped.
	KindAuth
	// KindValidation covers malformed, oversize, or mismatched payloads.
	// The message is dropped and a quarantine event recorded.
	KindValidation
	// KindRateLimited marks token-bucket refusals.
	KindRateLimited
	// KindPermanent errors fail fast and dead-letter; retrying cannot help.
	KindPermanent
	// KindIntegrity marks unique-constraint violations on idempotent
	// upserts. Callers treat it as success.
	KindIntegrity
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindValidation:
		return "validation"
	case KindRateLimited:
		return "rate_limited"
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindIntegrity:
		return "integrity"
	default:
		return "unknown"
	}
}

// Error is a classified error. It supports errors.Is/As and unwrapping.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		if e.msg != "" {
			return e.msg + ": " + e.err.Error()
		}
		return e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// Kind returns the classification of this error.
func (e *Error) Kind() Kind { return e.kind }

// New creates a classified error with a static message.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

// Wrapf classifies an existing error with added context. A nil err returns nil.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

// KindOf walks the error chain for a classification. Unclassified errors
// report KindTransient.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindTransient
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsPermanent reports whether err should dead-letter without retry.
func IsPermanent(err error) bool { return err != nil && KindOf(err) == KindPermanent }

// IsAuth reports whether err is an authentication refusal.
func IsAuth(err error) bool { return err != nil && KindOf(err) == KindAuth }

// IsValidation reports whether err is a payload validation failure.
func IsValidation(err error) bool { return err != nil && KindOf(err) == KindValidation }

// IsRateLimited reports whether err is a token-bucket refusal.
func IsRateLimited(err error) bool { return err != nil && KindOf(err) == KindRateLimited }

// IsIntegrity reports whether err is a unique-constraint conflict that an
// idempotent caller treats as success.
func IsIntegrity(err error) bool { return err != nil && KindOf(err) == KindIntegrity }

// ClassifyHTTPStatus maps a non-2xx response code to a Kind. Status 408,
// 425, and 429 stay retryable; the remaining 4xx are permanent; everything
// else (5xx, unexpected codes) is transient.
func ClassifyHTTPStatus(code int) Kind {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return KindTransient
	}
	if code >= 400 && code < 500 {
		return KindPermanent
	}
	return KindTransient
}
