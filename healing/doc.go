// Package healing implements the self-verification and key-reinforcement
// control loop. It periodically reconciles local key material against the
// remote directory's view, classifies every discrepancy as valid, recoverable
// or corrupt, repairs recoverable gaps inline, and on confirmed corruption
// runs the full reinforcement flow: server key reset, re-upload from local
// state, session and sender-key purge, and session re-establishment.
//
// The three-way classification is the heart of the design. Ordinary eventual
// consistency (a prekey consumed between the server snapshot and the local
// check) must never trigger reinforcement; only identity mismatches and hash
// mismatches on shared prekey ids can, because those cannot arise from
// concurrent consumption.
package healing
