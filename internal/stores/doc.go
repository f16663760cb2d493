// Package stores persists short-lived challenge records through the
// storage.Storage contract.
//
// # Design
//
// Each record is a versioned binary envelope written with a TTL derived from
// its own expiry. A record that fails to decode, belongs to another
// adapter/flow, or has passed its expiry is reported as not found and removed
// on a best-effort basis. Backend failures surface as storage.ErrUnavailable.
//
// # What this package must NOT do
//
//   - Import authflow or any adapter package.
//   - Interpret the record payload.
package stores
