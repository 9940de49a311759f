// Package protocol defines the wire contract between orchestrator and
// workers: a single Envelope frame with a tagged JSON payload union.
//
// Worker → orchestrator: REGISTER, STATUS_UPDATE, LOG_CHUNK,
// EXECUTION_RESULT, HEARTBEAT. Orchestrator → worker:
// EXECUTION_ASSIGNMENT, CANCEL_SIGNAL, HEALTH_PROBE.
//
// Acknowledgments are envelope-level rather than a payload variant: a
// message sent with requiresAck is settled when any later envelope from the
// peer carries its messageId in the ack field. Workers with nothing else to
// say settle acks on their next heartbeat.
//
// Decode helpers check the type discriminator before unmarshalling and
// return protocol-violation errors for mismatches and malformed payloads,
// so transport code can close offending streams without interpreting
// anything itself.
package protocol
