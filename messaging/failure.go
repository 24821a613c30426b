package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/kestrelmsg/kestrel/crypto"
	"github.com/kestrelmsg/kestrel/directory"
	"github.com/kestrelmsg/kestrel/session"
)

// FailureKind classifies why an inbound message could not be decrypted.
// Every failure is routed through exactly one kind; there is no generic
// catch-all path that swallows the distinction.
type FailureKind int

const (
	// FailureNone means decryption succeeded.
	FailureNone FailureKind = iota
	// FailureNoSession means no session existed for the sending device, or
	// the key material a handshake referenced is gone.
	FailureNoSession
	// FailureIntegrity means a session existed but its ratchet state could
	// not open the ciphertext.
	FailureIntegrity
	// FailureUntrustedIdentity means the sender's identity conflicts with
	// the one previously trusted and the auto-trust retry also failed.
	FailureUntrustedIdentity
	// FailureUnknown covers malformed payloads and unclassified errors.
	FailureUnknown
)

func (k FailureKind) String() string {
	switch k {
	case FailureNone:
		return "none"
	case FailureNoSession:
		return "no_session"
	case FailureIntegrity:
		return "integrity"
	case FailureUntrustedIdentity:
		return "untrusted_identity"
	default:
		return "unknown"
	}
}

// ClassifyDecryptFailure maps a session-layer error to its failure kind.
func ClassifyDecryptFailure(err error) FailureKind {
	switch {
	case err == nil:
		return FailureNone
	case errors.Is(err, session.ErrNoSession), errors.Is(err, session.ErrKeyMaterialMissing):
		return FailureNoSession
	case errors.Is(err, crypto.ErrSessionIntegrity):
		return FailureIntegrity
	case errors.Is(err, session.ErrUntrustedIdentity):
		return FailureUntrustedIdentity
	default:
		return FailureUnknown
	}
}

// DecryptError is the classified failure returned for one undecryptable
// message.
type DecryptError struct {
	Kind    FailureKind
	Address directory.DeviceAddress
	Err     error
}

func (e *DecryptError) Error() string {
	return fmt.Sprintf("decrypt from %s failed (%s): %v", e.Address.String(), e.Kind, e.Err)
}

func (e *DecryptError) Unwrap() error {
	return e.Err
}

// FailureRecord is the durable trace of one undecryptable message, so the
// application can show "message could not be decrypted" instead of silently
// dropping it.
type FailureRecord struct {
	ItemID  string
	Address directory.DeviceAddress
	Kind    FailureKind
	Status  string
	At      time.Time
}

// StatusDecryptFailed is the status every failure record carries.
const StatusDecryptFailed = "decrypt_failed"

// FailureLog receives failure records. Implementations must not block.
type FailureLog interface {
	RecordFailure(rec FailureRecord)
}

// OutgoingRecord is the local echo of one outbound message, persisted before
// any network confirmation so the UI never waits on latency.
type OutgoingRecord struct {
	ItemID    string
	Recipient string
	Type      ItemType
	Payload   []byte
	At        time.Time
}

// MessageLog receives local echoes of outbound messages. Ephemeral control
// types are never logged.
type MessageLog interface {
	SaveOutgoing(rec OutgoingRecord)
}
