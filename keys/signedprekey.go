package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmsg/kestrel/crypto"
	"github.com/kestrelmsg/kestrel/storage"
)

const signedPreKeyStateKey = "state"

// ErrNoSignedPreKey indicates no signed prekey exists for the requested id.
var ErrNoSignedPreKey = errors.New("keys: signed prekey not found")

// SignedPreKeyRecord is one signed prekey: a medium-lived key pair whose
// public half is signed by the identity key.
type SignedPreKeyRecord struct {
	ID        uint32         `json:"id"`
	KeyPair   crypto.KeyPair `json:"keypair"`
	Signature []byte         `json:"signature"`
	CreatedAt time.Time      `json:"created_at"`
}

// signedPreKeyState tracks which record is current and which single previous
// record is retained for in-flight messages.
type signedPreKeyState struct {
	CurrentID   uint32 `json:"current_id"`
	PreviousID  uint32 `json:"previous_id"`
	HasCurrent  bool   `json:"has_current"`
	HasPrevious bool   `json:"has_previous"`
}

// SignedPreKeyManager owns signed prekey generation, rotation, and pruning.
// Exactly one current record exists at a time; exactly one previous record is
// retained after a rotation, older records are pruned.
type SignedPreKeyManager struct {
	mutex    sync.Mutex
	store    storage.Store
	identity *IdentityManager
	policy   Policy
}

// NewSignedPreKeyManager creates a signed prekey manager. Signatures are made
// with the identity owned by the given IdentityManager.
func NewSignedPreKeyManager(store storage.Store, identity *IdentityManager, policy Policy) *SignedPreKeyManager {
	return &SignedPreKeyManager{store: store, identity: identity, policy: policy}
}

// Current returns the current signed prekey, generating the first one if none
// exists yet.
func (sm *SignedPreKeyManager) Current() (*SignedPreKeyRecord, error) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	state, err := sm.loadState()
	if err != nil {
		return nil, err
	}
	if state.HasCurrent {
		return sm.loadRecord(state.CurrentID)
	}

	rec, err := sm.rotateLocked(state)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Get returns the signed prekey with the given id, current or retained
// previous. Session-establishing messages may reference either.
func (sm *SignedPreKeyManager) Get(id uint32) (*SignedPreKeyRecord, error) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()
	return sm.loadRecord(id)
}

// NeedsRotation reports whether the current signed prekey is older than the
// policy allows. A missing record needs rotation.
func (sm *SignedPreKeyManager) NeedsRotation() bool {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	state, err := sm.loadState()
	if err != nil || !state.HasCurrent {
		return true
	}
	rec, err := sm.loadRecord(state.CurrentID)
	if err != nil {
		return true
	}
	return time.Since(rec.CreatedAt) >= sm.policy.SignedPreKeyMaxAge
}

// Rotate generates a new signed prekey, makes it current, retains the prior
// record, and prunes anything older.
func (sm *SignedPreKeyManager) Rotate() (*SignedPreKeyRecord, error) {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	state, err := sm.loadState()
	if err != nil {
		return nil, err
	}
	return sm.rotateLocked(state)
}

// DeleteAll removes every signed prekey record and the rotation state. Used
// only by account reset.
func (sm *SignedPreKeyManager) DeleteAll() error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	ids, err := sm.store.List(storage.BucketSignedPreKeys)
	if err != nil {
		return fmt.Errorf("failed to list signed prekeys: %w", err)
	}
	for _, id := range ids {
		if err := sm.store.Delete(storage.BucketSignedPreKeys, id); err != nil {
			return fmt.Errorf("failed to delete signed prekey %s: %w", id, err)
		}
	}
	return nil
}

func (sm *SignedPreKeyManager) rotateLocked(state *signedPreKeyState) (*SignedPreKeyRecord, error) {
	identity, err := sm.identity.EnsureIdentity()
	if err != nil {
		return nil, err
	}

	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("failed to generate signed prekey: %w", err)
	}
	signature, err := identity.Identity.Sign(keyPair.Public[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign prekey: %w", err)
	}

	rec := &SignedPreKeyRecord{
		ID:        state.CurrentID + 1,
		KeyPair:   *keyPair,
		Signature: signature,
		CreatedAt: time.Now(),
	}
	if !state.HasCurrent {
		rec.ID = 1
	}

	if err := sm.saveRecord(rec); err != nil {
		return nil, err
	}

	// Prune the record that was previous before this rotation; exactly one
	// previous record stays retained for in-flight messages.
	if state.HasPrevious {
		if err := sm.store.Delete(storage.BucketSignedPreKeys, recordKey(state.PreviousID)); err != nil {
			return nil, fmt.Errorf("failed to prune old signed prekey: %w", err)
		}
	}

	next := &signedPreKeyState{
		CurrentID:   rec.ID,
		HasCurrent:  true,
		PreviousID:  state.CurrentID,
		HasPrevious: state.HasCurrent,
	}
	if err := sm.saveState(next); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Rotate",
		"new_id":      rec.ID,
		"previous_id": next.PreviousID,
	}).Info("Rotated signed prekey")
	return rec, nil
}

func recordKey(id uint32) string {
	return strconv.FormatUint(uint64(id), 10)
}

func (sm *SignedPreKeyManager) loadState() (*signedPreKeyState, error) {
	data, err := sm.store.Get(storage.BucketSignedPreKeys, signedPreKeyStateKey)
	if errors.Is(err, storage.ErrNotFound) {
		return &signedPreKeyState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signed prekey state: %w", err)
	}

	var state signedPreKeyState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode signed prekey state: %w", err)
	}
	return &state, nil
}

func (sm *SignedPreKeyManager) saveState(state *signedPreKeyState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode signed prekey state: %w", err)
	}
	if err := sm.store.Put(storage.BucketSignedPreKeys, signedPreKeyStateKey, data); err != nil {
		return fmt.Errorf("failed to persist signed prekey state: %w", err)
	}
	return nil
}

func (sm *SignedPreKeyManager) loadRecord(id uint32) (*SignedPreKeyRecord, error) {
	data, err := sm.store.Get(storage.BucketSignedPreKeys, recordKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSignedPreKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load signed prekey %d: %w", id, err)
	}

	var rec SignedPreKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode signed prekey %d: %w", id, err)
	}
	return &rec, nil
}

func (sm *SignedPreKeyManager) saveRecord(rec *SignedPreKeyRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode signed prekey: %w", err)
	}
	if err := sm.store.Put(storage.BucketSignedPreKeys, recordKey(rec.ID), data); err != nil {
		return fmt.Errorf("failed to persist signed prekey: %w", err)
	}
	return nil
}
