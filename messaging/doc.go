// Package messaging implements the outbound and inbound message paths over
// pairwise sessions: multi-device fan-out with partial-success semantics on
// the send side, and classified decryption failure handling with rate-limited
// session recovery on the receive side.
//
// The package never talks to the network itself. Ciphertext goes out through
// a transport.Transport; message persistence and failure surfacing go through
// the MessageLog and FailureLog collaborator interfaces, which the embedding
// application implements.
package messaging
