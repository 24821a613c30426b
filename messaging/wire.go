package messaging

import (
	"encoding/json"
	"fmt"

	"github.com/kestrelmsg/kestrel/session"
)

// ItemType classifies a message payload. Ephemeral control types are never
// written to the local message log.
type ItemType string

const (
	// TypeText is an ordinary user-visible text message.
	TypeText ItemType = "text"
	// TypeAttachment is a user-visible attachment reference.
	TypeAttachment ItemType = "attachment"
	// TypeReadReceipt is an ephemeral delivery/read acknowledgment.
	TypeReadReceipt ItemType = "read_receipt"
	// TypeSessionReset is an ephemeral control message telling the peer this
	// side discarded their shared session and built a fresh one.
	TypeSessionReset ItemType = "session_reset"
	// TypeSenderKeyDistribution carries a pairwise-sealed sender key chain
	// for group messaging.
	TypeSenderKeyDistribution ItemType = "sender_key_distribution"
)

// Ephemeral reports whether the type is a control message excluded from
// local echo and message history.
func (t ItemType) Ephemeral() bool {
	switch t {
	case TypeReadReceipt, TypeSessionReset, TypeSenderKeyDistribution:
		return true
	}
	return false
}

// Envelope is the serialized payload of one pairwise item. The handshake
// header is present only while the sending side's session is unconfirmed;
// it lets the receiver build the responder half without a network round
// trip.
type Envelope struct {
	Handshake  *session.Handshake `json:"handshake,omitempty"`
	Ciphertext []byte             `json:"ciphertext"`
}

// EncodeEnvelope serializes an envelope for the wire.
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a wire payload back into an envelope.
func DecodeEnvelope(payload []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &env, nil
}
