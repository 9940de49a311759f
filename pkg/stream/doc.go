// Package stream owns the orchestrator side of the worker wire: one
// WebSocket session per worker, upgraded from HTTP and held open for the
// worker's lifetime.
//
// # Architecture
//
//	                ┌─────────────────────────────┐
//	 worker ◄──────►│ Session (readPump/writePump)│──┐
//	                └─────────────────────────────┘  │   ┌─────────┐
//	                ┌─────────────────────────────┐  ├──►│ Handler │
//	 worker ◄──────►│ Session                     │──┘   └─────────┘
//	                └─────────────────────────────┘
//	                              ▲
//	                        ┌─────┴─────┐
//	                        │    Hub    │  Send / Disconnect / Close
//	                        └───────────┘
//
// # Message handling
//
// Envelopes arrive as JSON frames. The first inbound message on every
// stream must be REGISTER; any other first message is a protocol violation
// and closes the stream. After registration the read pump decodes each
// envelope and hands it to the Handler in wire order. Acknowledgments ride
// the envelope: inbound Ack fields are surfaced through OnAck, and inbound
// RequiresAck envelopes are settled with a health probe.
//
// Outbound traffic goes through an unbounded per-session FIFO queue drained
// by the write pump, so enqueue order is delivery order and senders never
// block on a slow socket. The write pump is the connection's only writer
// and owns keepalive pings and the close frame.
//
// # Integration Points
//
//   - pkg/engine implements Handler and wires the hub as its Sender
//   - pkg/protocol defines the envelope and payload types
//   - pkg/agent speaks the worker side of the same protocol
package stream
