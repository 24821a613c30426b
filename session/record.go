package session

import (
	"time"

	"github.com/kestrelmsg/kestrel/crypto"
	"github.com/kestrelmsg/kestrel/directory"
)

// Handshake is the session-establishing header the initiator attaches to
// outbound messages until the peer's first reply confirms the session. It
// carries everything the responder needs to derive the mirrored chain state.
type Handshake struct {
	IdentityKey    [32]byte `json:"identity_key"`
	SigningKey     []byte   `json:"signing_key"`
	EphemeralKey   [32]byte `json:"ephemeral_key"`
	SignedPreKeyID uint32   `json:"signed_prekey_id"`
	PreKeyID       uint32   `json:"prekey_id,omitempty"`
	HasPreKey      bool     `json:"has_prekey"`
}

// Record is the persisted session state for one remote device address: the
// opaque ratchet chains plus the remote identity key last trusted for that
// address. At most one record exists per address.
type Record struct {
	Address           directory.DeviceAddress `json:"address"`
	RemoteIdentityKey [32]byte                `json:"remote_identity_key"`
	RemoteSigningKey  []byte                  `json:"remote_signing_key"`
	Session           *crypto.Session         `json:"session"`
	PendingHandshake  *Handshake              `json:"pending_handshake,omitempty"`
	CreatedAt         time.Time               `json:"created_at"`
	LastUsedAt        time.Time               `json:"last_used_at"`
}
