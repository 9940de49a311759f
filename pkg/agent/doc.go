// Package agent is the worker-side daemon that speaks the stream
// protocol from the other end of the wire.
//
// # Lifecycle
//
// The agent dials the orchestrator's stream endpoint and sends REGISTER
// as the first message, advertising its pool and host capabilities.
// Capability fields left unset in the config are probed from the host
// (CPU, memory, free disk) and the kotlin tool is advertised when the
// runner binary is on PATH. A heartbeat rides the stream on a fixed
// interval; inbound RequiresAck envelopes are settled with heartbeats
// carrying the ack.
//
// When the stream drops, the in-flight task is killed and the agent
// redials with a doubling backoff. Work is never resumed across
// connections: the orchestrator detects the loss and reschedules the
// execution elsewhere.
//
// # Execution
//
// Assignments carry a self-contained definition. The executor runs its
// tasks sequentially: shell commands through /bin/sh -c, kotlin scripts
// through a temp *.main.kts file handed to the kotlin runner. Process
// output streams back as LOG_CHUNK envelopes while step boundaries are
// reported as STATUS_UPDATE events, and the run ends with a single
// EXECUTION_RESULT verdict. A cancel signal kills the running process;
// the first failing task stops the pipeline and its exit code becomes
// the result.
package agent
