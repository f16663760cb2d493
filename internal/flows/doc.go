// Package flows holds step logic shared by more than one adapter.
//
// The helpers take an authflow.Input and return values or Outcomes; they
// never touch storage directly. Persistence stays with the Authorizer,
// which applies whatever Outcome the adapter returns.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Return a plaintext code or link secret to anything but the delivery callback.
package flows
