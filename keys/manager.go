package keys

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmsg/kestrel/directory"
	"github.com/kestrelmsg/kestrel/storage"
)

// Manager is the key-management facade: it composes the identity, signed
// prekey, and one-time prekey sub-managers and owns publication of their
// material to the remote key directory.
type Manager struct {
	Identity      *IdentityManager
	SignedPreKeys *SignedPreKeyManager
	PreKeys       *PreKeyManager

	dir    directory.Directory
	addr   directory.DeviceAddress
	policy Policy
}

// NewManager wires the three sub-managers over one store and one directory
// handle. The handle is explicit so tests can inject fresh instances.
func NewManager(store storage.Store, dir directory.Directory, addr directory.DeviceAddress, policy Policy) *Manager {
	identity := NewIdentityManager(store)
	return &Manager{
		Identity:      identity,
		SignedPreKeys: NewSignedPreKeyManager(store, identity, policy),
		PreKeys:       NewPreKeyManager(store, policy),
		dir:           dir,
		addr:          addr,
		policy:        policy,
	}
}

// Address returns the local device address.
func (m *Manager) Address() directory.DeviceAddress {
	return m.addr
}

// EnsureIdentity returns the device identity, generating it on first call.
func (m *Manager) EnsureIdentity() (*IdentityRecord, error) {
	return m.Identity.EnsureIdentity()
}

// Bootstrap makes sure a complete local key set exists: identity, current
// signed prekey, and a full one-time prekey pool. Called on first run and
// safe to repeat.
func (m *Manager) Bootstrap() error {
	if _, err := m.Identity.EnsureIdentity(); err != nil {
		return err
	}
	if _, err := m.SignedPreKeys.Current(); err != nil {
		return err
	}
	if _, err := m.PreKeys.Replenish(); err != nil {
		return err
	}
	return nil
}

// UploadAllKeys publishes the identity key, current signed prekey, and the
// full one-time prekey pool to the directory. Used at first run and as the
// repair primitive during healing. Network failures propagate to the caller.
func (m *Manager) UploadAllKeys(ctx context.Context) error {
	identity, err := m.Identity.EnsureIdentity()
	if err != nil {
		return err
	}
	if err := m.dir.PublishIdentity(ctx, m.addr, directory.IdentityAnnouncement{
		ExchangeKey: identity.Identity.Exchange.Public,
		SigningKey:  identity.Identity.Signing.Public,
	}); err != nil {
		return fmt.Errorf("failed to publish identity: %w", err)
	}

	spk, err := m.SignedPreKeys.Current()
	if err != nil {
		return err
	}
	if err := m.dir.PublishSignedPreKey(ctx, m.addr, directory.SignedPreKeyUpload{
		ID:        spk.ID,
		Public:    spk.KeyPair.Public,
		Signature: spk.Signature,
	}); err != nil {
		return fmt.Errorf("failed to publish signed prekey: %w", err)
	}

	records, err := m.PreKeys.Records()
	if err != nil {
		return err
	}
	uploads := make([]directory.PreKeyUpload, 0, len(records))
	for _, rec := range records {
		uploads = append(uploads, directory.PreKeyUpload{ID: rec.ID, Public: rec.KeyPair.Public})
	}
	if err := m.dir.PublishPreKeys(ctx, m.addr, uploads); err != nil {
		return fmt.Errorf("failed to publish prekeys: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"function":      "UploadAllKeys",
		"address":       m.addr.String(),
		"signed_key_id": spk.ID,
		"prekeys":       len(uploads),
	}).Info("Uploaded full key set to directory")
	return nil
}

// UploadPreKeys publishes just the given one-time prekey records.
func (m *Manager) UploadPreKeys(ctx context.Context, records []*PreKeyRecord) error {
	if len(records) == 0 {
		return nil
	}
	uploads := make([]directory.PreKeyUpload, 0, len(records))
	for _, rec := range records {
		uploads = append(uploads, directory.PreKeyUpload{ID: rec.ID, Public: rec.KeyPair.Public})
	}
	if err := m.dir.PublishPreKeys(ctx, m.addr, uploads); err != nil {
		return fmt.Errorf("failed to publish prekeys: %w", err)
	}
	return nil
}

// DeleteAllServerKeys removes every piece of the device's key material from
// the directory. Destructive; only the healing flow calls it.
func (m *Manager) DeleteAllServerKeys(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"function": "DeleteAllServerKeys",
		"address":  m.addr.String(),
	}).Warn("Deleting all server-side key material")
	return m.dir.DeleteAllKeys(ctx, m.addr)
}

// Fingerprints maps local prekey ids to the hash of their public key bytes.
func (m *Manager) Fingerprints() (map[uint32]string, error) {
	return m.PreKeys.Fingerprints()
}

// MaintainKeys runs the scheduled lifecycle pass: rotate the signed prekey if
// it is due and top the one-time pool back up if it has drained to the
// low-water mark, publishing whatever changed.
func (m *Manager) MaintainKeys(ctx context.Context) error {
	if m.SignedPreKeys.NeedsRotation() {
		spk, err := m.SignedPreKeys.Rotate()
		if err != nil {
			return err
		}
		if err := m.dir.PublishSignedPreKey(ctx, m.addr, directory.SignedPreKeyUpload{
			ID:        spk.ID,
			Public:    spk.KeyPair.Public,
			Signature: spk.Signature,
		}); err != nil {
			return fmt.Errorf("failed to publish rotated signed prekey: %w", err)
		}
	}

	low, err := m.PreKeys.NeedsReplenish()
	if err != nil {
		return err
	}
	if low {
		created, err := m.PreKeys.Replenish()
		if err != nil {
			return err
		}
		if err := m.UploadPreKeys(ctx, created); err != nil {
			return err
		}
	}
	return nil
}
