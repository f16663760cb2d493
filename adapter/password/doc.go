// Package password provides the email and password adapter.
//
// It exposes three flows: "login" (single step), "register" (start, then an
// optional emailed code) and "change" (email, code, new password). The change
// flow only exists when a SendCode callback is configured.
//
// Password hashes are produced by a password.Hasher from the top-level
// password package and stored through a CredentialStore. Login against an
// unknown email still runs a hash verification so response time does not
// reveal whether the account exists.
package password
