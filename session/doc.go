// Package session manages pairwise ratchet sessions, one per remote device
// address. It builds sessions from prekey bundles, validates identity
// continuity, encrypts and decrypts over established sessions, and tears
// session state down when corruption is detected.
//
// All mutation of a given address's session is serialized through a
// per-address lock, so concurrent sends and receives for unrelated peers
// never contend with each other.
package session
