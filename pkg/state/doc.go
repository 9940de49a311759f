// Package state implements the per-execution state machine.
//
// One Machine guards one execution: transitions follow the table in
// pkg/types (anything else is refused with a business-rule error and the
// offending message is dropped by the caller), re-applying the current state
// is a lawful no-op so at-least-once delivery is safe, and subscribers
// receive every state change until the terminal close. Acknowledgment debt
// (messages sent with requiresAck) is tracked per machine; a transition is
// not durable while its message id is still pending.
package state
