// Package internal contains helpers that are intentionally private to authflow:
// secure random generation for flow tokens, codes and link secrets.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher + Sink implementations)
//   - flows: shared one-time-code issuance and verification used by adapters
//   - metrics: fixed-slot atomic counters and the step latency histogram
//   - stores: challenge record persistence over storage.Storage
//
// # What this package must NOT do
//
//   - Export types that appear in the public authflow API.
//   - Be imported by any package outside the authflow module.
package internal
