package errors

import "github.com/cockroachdb/errors"

// Wire-visible error codes. These appear in execution error messages,
// stream close frames, and HTTP error payloads.
const (
	CodeWorkerLost               = "WORKER_LOST"
	CodeWorkerDisconnected       = "WORKER_DISCONNECTED"
	CodeNoWorker                 = "NO_WORKER"
	CodeProtocolViolation        = "PROTOCOL_VIOLATION"
	CodeSubscriberOverflow       = "SUBSCRIBER_OVERFLOW"
	CodeDirectExecutionForbidden = "DIRECT_EXECUTION_FORBIDDEN"
	CodePlacementFailed          = "PLACEMENT_FAILED"
	CodeStartTimeout             = "START_TIMEOUT"
	CodeCancelled                = "CANCELLED"
)

type codedError struct {
	cause error
	code  string
}

func (e *codedError) Error() string { return e.cause.Error() }
func (e *codedError) Unwrap() error { return e.cause }

// WithCode attaches a wire code to an error. The code survives wrapping.
func WithCode(err error, code string) error {
	if err == nil {
		return nil
	}
	return &codedError{cause: err, code: code}
}

// CodeOf returns the innermost wire code on the chain, or "".
func CodeOf(err error) string {
	var ce *codedError
	if errors.As(err, &ce) {
		return ce.code
	}
	return ""
}
