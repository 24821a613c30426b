package transport

import (
	"context"

	"github.com/google/uuid"
)

// CipherType identifies how an item's payload was encrypted, so the receiver
// can pick the right decryption path without inspecting the payload.
type CipherType string

const (
	// CipherSession is pairwise session ciphertext.
	CipherSession CipherType = "session"
	// CipherPreKey is session-establishing ciphertext carrying a handshake
	// header alongside the first message.
	CipherPreKey CipherType = "prekey"
	// CipherSenderKey is group ciphertext under a shared sender key.
	CipherSenderKey CipherType = "senderkey"
	// CipherNone is an unencrypted control payload, used only for
	// distribution messages that are themselves already sealed pairwise.
	CipherNone CipherType = "none"
)

// Item is one outbound or inbound wire item addressed to a single device.
type Item struct {
	ItemID            string     `json:"item_id"`
	Sender            string     `json:"sender,omitempty"`
	SenderDeviceID    uint32     `json:"sender_device_id,omitempty"`
	Recipient         string     `json:"recipient"`
	RecipientDeviceID uint32     `json:"recipient_device_id"`
	Type              string     `json:"type"`
	CipherType        CipherType `json:"cipher_type"`
	Payload           []byte     `json:"payload"`
}

// GroupItem is one wire item addressed to a group channel.
type GroupItem struct {
	ItemID         string     `json:"item_id"`
	ChannelID      string     `json:"channel_id"`
	Sender         string     `json:"sender,omitempty"`
	SenderDeviceID uint32     `json:"sender_device_id,omitempty"`
	Type           string     `json:"type"`
	CipherType     CipherType `json:"cipher_type"`
	Payload        []byte     `json:"payload"`
}

// NewItemID returns a fresh correlation id for an outbound item.
func NewItemID() string {
	return uuid.NewString()
}

// Transport carries encrypted items to the server. Implementations must be
// safe for concurrent use; the sender fans out to devices in parallel with
// maintenance traffic.
type Transport interface {
	SendItem(ctx context.Context, item Item) error
	SendGroupItem(ctx context.Context, item GroupItem) error
	Close() error
}
