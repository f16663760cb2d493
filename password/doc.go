// Package password implements password hashing and verification with Argon2id
// defaults and bcrypt for imported credentials.
//
// # Output format
//
// Argon2id hashes are encoded in PHC string format:
//
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Bcrypt hashes use the standard $2a$/$2b$ modular crypt format. [Chain]
// verifies either and reports through NeedsUpgrade when a stored hash should
// be re-hashed with the primary hasher.
//
// # Architecture boundaries
//
// This package owns hashing and verification only. Password policy (minimum
// length) is enforced by the password adapter.
//
// # What this package must NOT do
//
//   - Store or retrieve passwords; callers supply plaintext and receive hashes.
//   - Import any other authflow package.
//   - Log plaintext passwords or hash parameters at runtime.
package password
