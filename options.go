package kestrel

import (
	"time"

	"github.com/kestrelmsg/kestrel/directory"
	"github.com/kestrelmsg/kestrel/group"
	"github.com/kestrelmsg/kestrel/healing"
	"github.com/kestrelmsg/kestrel/keys"
	"github.com/kestrelmsg/kestrel/messaging"
	"github.com/kestrelmsg/kestrel/transport"
)

// Options configures an Engine. Zero-valued policy fields are filled from
// the defaults in NewOptions.
type Options struct {
	// UserID and DeviceID identify this device in the key directory.
	UserID   string
	DeviceID uint32

	// StoragePath is the directory for durable key material. Empty means
	// in-memory storage, which loses everything on restart.
	StoragePath string

	// Key lifecycle policy.
	PreKeyPoolTarget   int
	PreKeyLowWater     int
	SignedPreKeyMaxAge time.Duration

	// Sender key rotation policy.
	SenderKeyMaxAge      time.Duration
	SenderKeyMaxMessages int

	// Healing rate limits.
	VerifyCooldown   time.Duration
	HealBackoff      time.Duration
	ReestablishLimit int

	// MaintenanceInterval is the period of the background key maintenance
	// pass (signed prekey rotation, prekey replenishment, verification).
	MaintenanceInterval time.Duration

	// Directory is the remote key directory. Required.
	Directory directory.Directory

	// Dispatcher delivers inbound events. A nil dispatcher gets a fresh
	// private one, useful only with the default loopback transport.
	Dispatcher *transport.Dispatcher

	// Transport carries outbound items. Nil means a loopback over the
	// dispatcher, which is what tests and single-process setups want.
	Transport transport.Transport

	// MessageLog and FailureLog are the application's persistence hooks.
	// Either may be nil.
	MessageLog messaging.MessageLog
	FailureLog messaging.FailureLog
}

// NewOptions returns options with the reference policy values.
func NewOptions(userID string, deviceID uint32) *Options {
	return &Options{
		UserID:               userID,
		DeviceID:             deviceID,
		PreKeyPoolTarget:     110,
		PreKeyLowWater:       20,
		SignedPreKeyMaxAge:   7 * 24 * time.Hour,
		SenderKeyMaxAge:      7 * 24 * time.Hour,
		SenderKeyMaxMessages: 1000,
		VerifyCooldown:       5 * time.Minute,
		HealBackoff:          10 * time.Minute,
		ReestablishLimit:     10,
		MaintenanceInterval:  time.Hour,
	}
}

func (o *Options) keyPolicy() keys.Policy {
	policy := keys.DefaultPolicy()
	if o.PreKeyPoolTarget > 0 {
		policy.PreKeyPoolTarget = o.PreKeyPoolTarget
	}
	if o.PreKeyLowWater > 0 {
		policy.PreKeyLowWater = o.PreKeyLowWater
	}
	if o.SignedPreKeyMaxAge > 0 {
		policy.SignedPreKeyMaxAge = o.SignedPreKeyMaxAge
	}
	return policy
}

func (o *Options) groupPolicy() group.Policy {
	policy := group.DefaultPolicy()
	if o.SenderKeyMaxAge > 0 {
		policy.MaxAge = o.SenderKeyMaxAge
	}
	if o.SenderKeyMaxMessages > 0 {
		policy.MaxMessages = uint32(o.SenderKeyMaxMessages)
	}
	return policy
}

func (o *Options) healingPolicy() healing.Policy {
	policy := healing.DefaultPolicy()
	if o.VerifyCooldown > 0 {
		policy.VerifyCooldown = o.VerifyCooldown
	}
	if o.HealBackoff > 0 {
		policy.HealBackoff = o.HealBackoff
	}
	if o.ReestablishLimit > 0 {
		policy.ReestablishLimit = o.ReestablishLimit
	}
	return policy
}
