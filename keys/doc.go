// Package keys owns the lifecycle of local cryptographic key material: the
// long-lived identity key pair, the rotating signed prekey, and the pool of
// one-time prekeys, plus their publication to the remote key directory.
//
// The package is composed of three narrow sub-managers (identity, signed
// prekey, one-time prekeys) tied together by a Manager facade. Each
// sub-manager is independently testable and owns its own storage bucket.
package keys
