// Package crypto provides the cryptographic primitives used by the kestrel
// engine: identity key pairs, X3DH-style session agreement, symmetric chain
// ciphers for pairwise sessions, and sender-key chains for group broadcast.
//
// The packages above this one treat everything here as an opaque, trusted
// primitive layer. Orchestration code (key lifecycle, healing, fan-out) never
// touches curve or chain internals directly.
//
// Example:
//
//	identity, err := crypto.GenerateIdentityKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fp := crypto.Fingerprint(identity.Exchange.Public[:])
package crypto
