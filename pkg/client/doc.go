// Package client is a typed HTTP client for the drover orchestrator
// API, shared by the CLI and the integration tests.
//
// Every call takes a context and returns errors from pkg/errors with the
// kind the server reported, so callers can branch with errors.IsKind the
// same way server-side code does. WatchEvents consumes the server-sent
// event stream and runs its callback in arrival order until the final
// update.
package client
