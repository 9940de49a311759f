// Package errors carries the orchestrator's error taxonomy on top of
// cockroachdb/errors. Every failure that crosses a package boundary is
// classified with a Kind; the HTTP layer maps kinds to status codes and
// the engine maps them to retry decisions.
package errors

import (
	"github.com/cockroachdb/errors"
)

// Kind classifies an error. Kinds are abstract categories, not wire codes;
// wire codes (WORKER_LOST etc.) travel separately via WithCode.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindBusinessRule
	KindInsufficientResources
	KindTimeout
	KindProtocolViolation
	KindWorkerLost
	KindWorkerDisconnected
	KindOperationFailed
)

// String returns the kind's name for logs and error payloads.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindNotFound:
		return "NOT_FOUND"
	case KindConflict:
		return "CONFLICT"
	case KindBusinessRule:
		return "BUSINESS_RULE"
	case KindInsufficientResources:
		return "INSUFFICIENT_RESOURCES"
	case KindTimeout:
		return "TIMEOUT"
	case KindProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case KindWorkerLost:
		return "WORKER_LOST"
	case KindWorkerDisconnected:
		return "WORKER_DISCONNECTED"
	case KindOperationFailed:
		return "OPERATION_FAILED"
	default:
		return "UNKNOWN"
	}
}

// Marker errors, one per kind. Classification survives any number of
// Wrap/Wrapf layers because Mark participates in the Is chain.
var (
	markValidation            = errors.New("validation error")
	markNotFound              = errors.New("not found")
	markConflict              = errors.New("conflict")
	markBusinessRule          = errors.New("business rule violation")
	markInsufficientResources = errors.New("insufficient resources")
	markTimeout               = errors.New("timeout")
	markProtocolViolation     = errors.New("protocol violation")
	markWorkerLost            = errors.New("worker lost")
	markWorkerDisconnected    = errors.New("worker disconnected")
	markOperationFailed       = errors.New("operation failed")
)

func markerFor(k Kind) error {
	switch k {
	case KindValidation:
		return markValidation
	case KindNotFound:
		return markNotFound
	case KindConflict:
		return markConflict
	case KindBusinessRule:
		return markBusinessRule
	case KindInsufficientResources:
		return markInsufficientResources
	case KindTimeout:
		return markTimeout
	case KindProtocolViolation:
		return markProtocolViolation
	case KindWorkerLost:
		return markWorkerLost
	case KindWorkerDisconnected:
		return markWorkerDisconnected
	case KindOperationFailed:
		return markOperationFailed
	default:
		return nil
	}
}

// KindOf walks the error chain and returns the first recognized kind.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, markValidation):
		return KindValidation
	case errors.Is(err, markNotFound):
		return KindNotFound
	case errors.Is(err, markConflict):
		return KindConflict
	case errors.Is(err, markBusinessRule):
		return KindBusinessRule
	case errors.Is(err, markInsufficientResources):
		return KindInsufficientResources
	case errors.Is(err, markTimeout):
		return KindTimeout
	case errors.Is(err, markProtocolViolation):
		return KindProtocolViolation
	case errors.Is(err, markWorkerLost):
		return KindWorkerLost
	case errors.Is(err, markWorkerDisconnected):
		return KindWorkerDisconnected
	case errors.Is(err, markOperationFailed):
		return KindOperationFailed
	default:
		return KindUnknown
	}
}

// WithKind attaches a kind to an existing error.
func WithKind(err error, k Kind) error {
	if err == nil {
		return nil
	}
	m := markerFor(k)
	if m == nil {
		return err
	}
	return errors.Mark(err, m)
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}

// Transient reports whether a failure is a legitimate retry cause for a
// job: resource pressure, a lost or disconnected worker, or a timeout.
// Validation errors, protocol violations, and business-rule refusals are
// permanent.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindInsufficientResources, KindTimeout, KindWorkerLost, KindWorkerDisconnected:
		return true
	default:
		return false
	}
}

// Kind constructors.

func Validationf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), markValidation)
}

func NotFoundf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), markNotFound)
}

func Conflictf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), markConflict)
}

func BusinessRulef(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), markBusinessRule)
}

func InsufficientResourcesf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), markInsufficientResources)
}

func Timeoutf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), markTimeout)
}

func ProtocolViolationf(format string, args ...interface{}) error {
	return WithCode(errors.Mark(errors.Newf(format, args...), markProtocolViolation), CodeProtocolViolation)
}

func WorkerLostf(format string, args ...interface{}) error {
	return WithCode(errors.Mark(errors.Newf(format, args...), markWorkerLost), CodeWorkerLost)
}

func WorkerDisconnectedf(format string, args ...interface{}) error {
	return WithCode(errors.Mark(errors.Newf(format, args...), markWorkerDisconnected), CodeWorkerDisconnected)
}

// OperationFailed wraps a persistence or adapter failure as an opaque
// internal error; the underlying cause stays on the chain for logs.
func OperationFailed(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, msg), markOperationFailed)
}

// Re-exports so callers need a single errors import.

func New(msg string) error                                { return errors.New(msg) }
func Newf(format string, args ...interface{}) error       { return errors.Newf(format, args...) }
func Wrap(err error, msg string) error                    { return errors.Wrap(err, msg) }
func Wrapf(err error, f string, args ...interface{}) error { return errors.Wrapf(err, f, args...) }
func Is(err, reference error) bool                        { return errors.Is(err, reference) }
func As(err error, target interface{}) bool               { return errors.As(err, target) }
func Unwrap(err error) error                              { return errors.Unwrap(err) }
