// Package fanout distributes execution updates to subscribers.
//
// A single distributor goroutine consumes the publish channel, stamps
// per-execution sequence numbers, and copies each update into every
// matching subscription buffer. Buffers are bounded at 1024 items with the
// last slot reserved for the final update; a subscriber that falls behind
// is closed with a synthetic final update recording the drop count.
//
// SSE and WS subscriptions are drained by their HTTP handlers. Webhook
// subscriptions are drained by the broker itself through a WebhookSender
// that rate-limits, retries, and circuit-breaks deliveries.
package fanout
