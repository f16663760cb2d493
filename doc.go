// Package authflow mediates multi-step authentication challenges over HTTP
// and turns a completed challenge into a signed session Subject.
//
// # Architecture boundaries
//
// authflow is the public surface: [Authorizer], [Builder], [Config], the
// [Adapter] protocol, the [ErrorTag] taxonomy and the [SessionIssuer].
// Concrete adapters live in adapter/password, adapter/code and adapter/link;
// storage backends live under storage/. Challenge record encoding, audit
// dispatch and counters live under internal/ and are never exported.
//
// # Request model
//
// Every request runs at most one adapter step. The step reads the persisted
// [ChallengeState], returns an [Outcome] and the Authorizer applies it:
// stay, replace or clear the stored state. No challenge state is held in
// process memory between requests; the only shared resource is the
// storage backend.
//
// # What this package must NOT do
//
//   - Import any adapter, transport or exporter package (they import authflow).
//   - Write HTTP responses. Rendering and status mapping belong to ui and
//     transport/http.
//   - Log passwords, codes, link secrets or session tokens.
package authflow
