// Package apierr holds the error taxonomy shared by the registry, the
// pipeline controller, and the HTTP handlers, plus the HTTP status each
// kind maps to.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for the purpose of choosing an HTTP status.
type Kind int

const (
	KindUnexpected Kind = iota
	KindInvalidSDP
	KindEmptyConnection
	KindDuplicateConnection
	KindConnectionNotFound
	KindOfferMissing
	KindAnswerMissing
	KindPipelineNotReady
	KindLockTimeout
	KindMissingElement
	KindFailedOperation
)

// Error is a taxonomy error: a Kind plus a human-readable message and
// an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel errors for the common cases callers need to match with
// errors.Is rather than inspecting Kind directly.
var (
	ErrDuplicateConnection = New(KindDuplicateConnection, "duplicate connection id")
	ErrConnectionNotFound  = New(KindConnectionNotFound, "connection not found")
	ErrOfferMissing        = New(KindOfferMissing, "whip offer not received in time")
	ErrAnswerMissing       = New(KindAnswerMissing, "whep answer not received in time")
	ErrPipelineNotReady    = New(KindPipelineNotReady, "pipeline has no input stream yet")
	ErrLockTimeout         = New(KindLockTimeout, "registry lock held past its timeout")
	ErrEmptyConnection     = New(KindEmptyConnection, "empty connection id")
	ErrInvalidSDP          = New(KindInvalidSDP, "invalid sdp")
)

// Is lets errors.Is match on Kind-equivalent sentinels constructed
// separately (e.g. a Wrap around ErrConnectionNotFound with extra
// context still matches errors.Is(err, ErrConnectionNotFound)).
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// StatusCode maps a Kind to its HTTP status.
func StatusCode(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindInvalidSDP, KindEmptyConnection, KindOfferMissing, KindAnswerMissing, KindPipelineNotReady:
		return http.StatusBadRequest
	case KindConnectionNotFound:
		// Internal callers treat this as a 500; HTTP lookup handlers that
		// deal with a path id directly use 400 instead (handled at the
		// call site, see internal/httpapi).
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
