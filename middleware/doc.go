// Package middleware exposes HTTP guards built on authflow session
// verification.
//
// # Guards
//
//   - [Guard] verifies the artifact from the Authorization header or the
//     session cookie and injects the Subject into the request context.
//   - [RequireType] restricts a route to listed subject types.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to SessionIssuer).
//   - Decide anything beyond pass or reject.
package middleware
