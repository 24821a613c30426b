package keys

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmsg/kestrel/crypto"
	"github.com/kestrelmsg/kestrel/storage"
)

const identityRecordKey = "local"

// IdentityRecord is the persisted form of the local device identity.
type IdentityRecord struct {
	Identity       crypto.IdentityKeyPair `json:"identity"`
	RegistrationID uint32                 `json:"registration_id"`
	CreatedAt      time.Time              `json:"created_at"`
}

// IdentityManager owns the long-lived identity key pair. The identity is
// created on first use and never rotated except through ResetIdentity, which
// only explicit account re-initialization calls.
type IdentityManager struct {
	mutex  sync.Mutex
	store  storage.Store
	cached *IdentityRecord
}

// NewIdentityManager creates an identity manager over the given store.
func NewIdentityManager(store storage.Store) *IdentityManager {
	return &IdentityManager{store: store}
}

// EnsureIdentity returns the device identity, generating and persisting it if
// absent. Idempotent and safe to call repeatedly.
func (im *IdentityManager) EnsureIdentity() (*IdentityRecord, error) {
	im.mutex.Lock()
	defer im.mutex.Unlock()

	if im.cached != nil {
		return im.cached, nil
	}

	data, err := im.store.Get(storage.BucketIdentity, identityRecordKey)
	switch {
	case err == nil:
		var rec IdentityRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			// Undecodable identity is a storage-layer corruption: quarantine
			// and regenerate rather than fail every operation forever.
			logrus.WithFields(logrus.Fields{
				"function": "EnsureIdentity",
			}).Error("Stored identity record undecodable, regenerating")
			if delErr := im.store.Delete(storage.BucketIdentity, identityRecordKey); delErr != nil {
				return nil, fmt.Errorf("failed to quarantine corrupt identity: %w", delErr)
			}
		} else {
			im.cached = &rec
			return &rec, nil
		}
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	rec, err := im.generate()
	if err != nil {
		return nil, err
	}
	im.cached = rec
	return rec, nil
}

// ResetIdentity discards the current identity and generates a fresh one. Only
// explicit account re-initialization (logout/login) calls this.
func (im *IdentityManager) ResetIdentity() (*IdentityRecord, error) {
	im.mutex.Lock()
	defer im.mutex.Unlock()

	if err := im.store.Delete(storage.BucketIdentity, identityRecordKey); err != nil {
		return nil, fmt.Errorf("failed to delete identity: %w", err)
	}
	im.cached = nil

	rec, err := im.generate()
	if err != nil {
		return nil, err
	}
	im.cached = rec

	logrus.WithFields(logrus.Fields{
		"function":   "ResetIdentity",
		"public_key": rec.Identity.Exchange.Public[:8],
	}).Warn("Device identity reset")
	return rec, nil
}

func (im *IdentityManager) generate() (*IdentityRecord, error) {
	identity, err := crypto.GenerateIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate identity: %w", err)
	}

	regBytes, err := crypto.RandomBytes(4)
	if err != nil {
		return nil, fmt.Errorf("failed to generate registration id: %w", err)
	}

	rec := &IdentityRecord{
		Identity:       *identity,
		RegistrationID: binary.BigEndian.Uint32(regBytes) & 0x3FFF, // 14-bit registration id
		CreatedAt:      time.Now(),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode identity: %w", err)
	}
	if err := im.store.Put(storage.BucketIdentity, identityRecordKey, data); err != nil {
		return nil, fmt.Errorf("failed to persist identity: %w", err)
	}
	return rec, nil
}
