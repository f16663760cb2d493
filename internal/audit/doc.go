// Package audit implements async event dispatching for flow and session activity.
//
// # Components
//
//   - [Sink]: interface for event consumers (channel, JSON writer, watermill, no-op).
//   - [Dispatcher]: buffered async relay with drop-if-full / block-if-full semantics.
//   - [Event]: structured audit record with timestamp, type, adapter, flow, subject, IP, metadata.
//
// # Architecture boundaries
//
// This package owns event buffering and sink delivery. It does NOT decide which events
// to emit; the Authorizer and SessionIssuer do.
//
// # What this package must NOT do
//
//   - Filter or suppress events based on business logic.
//   - Import authflow or any sibling internal package.
package audit
