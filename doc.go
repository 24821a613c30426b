// Package kestrel is a client-side end-to-end encryption engine for
// multi-device messaging: key lifecycle, pairwise and group sessions,
// self-healing key state, and the encrypt/decrypt message paths.
//
// The Engine type at this level wires the sub-packages together:
//
//   - crypto: key pairs, session primitives, group cipher chains
//   - storage: durable key-value buckets for all key material
//   - directory: the remote key directory boundary
//   - keys: identity, signed prekey, and one-time prekey lifecycle
//   - session: pairwise session establishment and teardown
//   - group: sender-key management for group messaging
//   - healing: self-verification and key reinforcement
//   - messaging: multi-device send fan-out and classified receive
//   - transport: wire item shapes, event dispatch, secure channel
//
// Applications that need finer control can compose the sub-packages
// directly; Engine is the batteries-included wiring.
package kestrel
