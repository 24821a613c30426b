package session

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmsg/kestrel/crypto"
	"github.com/kestrelmsg/kestrel/directory"
	"github.com/kestrelmsg/kestrel/keys"
	"github.com/kestrelmsg/kestrel/storage"
)

var (
	// ErrNoSession indicates no session record exists for the address.
	ErrNoSession = errors.New("session: no session for address")
	// ErrInvalidBundle indicates a prekey bundle that failed structural or
	// signature validation. Such a bundle is rejected outright, never used.
	ErrInvalidBundle = errors.New("session: invalid prekey bundle")
	// ErrUntrustedIdentity indicates key material that conflicts with the
	// identity previously trusted for an address. It is never bridged
	// silently; callers resolve it with an explicit trust decision.
	ErrUntrustedIdentity = errors.New("session: untrusted identity change")
	// ErrKeyMaterialMissing indicates a session-establishing message that
	// references a signed prekey or one-time prekey this device no longer
	// holds.
	ErrKeyMaterialMissing = errors.New("session: referenced key material missing")
)

// Manager builds, validates, and tears down pairwise sessions. It is the
// only writer of the session bucket.
type Manager struct {
	store storage.Store
	keys  *keys.Manager
	dir   directory.Directory
	locks *lockMap
}

// NewManager creates a session manager. Key material comes from the given
// key manager; bundles for re-establishment come from the directory handle.
func NewManager(store storage.Store, km *keys.Manager, dir directory.Directory) *Manager {
	return &Manager{store: store, keys: km, dir: dir, locks: newLockMap()}
}

// VerifyBundle checks a prekey bundle's structure and its signed-prekey
// signature under the bundle's own identity. A bundle that fails here must
// never be used to build a session: this is the primary defense against a
// compromised or corrupted directory entry.
func VerifyBundle(bundle *directory.PreKeyBundle) error {
	if bundle == nil {
		return fmt.Errorf("%w: nil bundle", ErrInvalidBundle)
	}

	var zero [32]byte
	if subtle.ConstantTimeCompare(bundle.IdentityKey[:], zero[:]) == 1 {
		return fmt.Errorf("%w: zero identity key", ErrInvalidBundle)
	}
	if len(bundle.SigningKey) == 0 {
		return fmt.Errorf("%w: missing signing key", ErrInvalidBundle)
	}
	if len(bundle.SignedPreKeySignature) == 0 {
		return fmt.Errorf("%w: missing signed prekey signature", ErrInvalidBundle)
	}
	if !crypto.VerifySignature(bundle.SigningKey, bundle.SignedPreKey[:], bundle.SignedPreKeySignature) {
		return fmt.Errorf("%w: signed prekey signature verification failed", ErrInvalidBundle)
	}
	return nil
}

// Establish validates the bundle and builds a fresh outbound session for the
// address, replacing (never merging) any existing record. If the address
// already has a session recorded under a different identity, the build fails
// with ErrUntrustedIdentity and no state changes.
func (m *Manager) Establish(addr directory.DeviceAddress, bundle *directory.PreKeyBundle) (*Record, error) {
	if err := VerifyBundle(bundle); err != nil {
		return nil, err
	}

	unlock := m.locks.acquire(addr.String())
	defer unlock()

	existing, err := m.loadRecord(addr)
	if err != nil && !errors.Is(err, ErrNoSession) {
		return nil, err
	}
	if existing != nil && existing.RemoteIdentityKey != bundle.IdentityKey {
		return nil, fmt.Errorf("identity for %s changed: %w", addr.String(), ErrUntrustedIdentity)
	}

	identity, err := m.keys.EnsureIdentity()
	if err != nil {
		return nil, err
	}

	sess, ephemeral, err := crypto.InitiateSession(&identity.Identity, bundle.IdentityKey, bundle.SignedPreKey, bundle.PreKey)
	if err != nil {
		return nil, fmt.Errorf("session initiation failed: %w", err)
	}

	handshake := &Handshake{
		IdentityKey:    identity.Identity.Exchange.Public,
		SigningKey:     identity.Identity.Signing.Public,
		EphemeralKey:   ephemeral.Public,
		SignedPreKeyID: bundle.SignedPreKeyID,
		HasPreKey:      bundle.PreKey != nil,
	}
	if bundle.PreKey != nil {
		handshake.PreKeyID = bundle.PreKeyID
	}

	now := time.Now()
	rec := &Record{
		Address:           addr,
		RemoteIdentityKey: bundle.IdentityKey,
		RemoteSigningKey:  append([]byte(nil), bundle.SigningKey...),
		Session:           sess,
		PendingHandshake:  handshake,
		CreatedAt:         now,
		LastUsedAt:        now,
	}
	if err := m.saveRecord(rec); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":    "Establish",
		"address":     addr.String(),
		"used_prekey": handshake.HasPreKey,
	}).Info("Established outbound session")
	return rec, nil
}

// EstablishFromRemote builds the responder side of a session from a
// session-establishing handshake header. The referenced signed prekey and
// one-time prekey must still be held locally; the one-time prekey is NOT
// consumed here — the caller consumes it only after the first decrypt
// succeeds.
func (m *Manager) EstablishFromRemote(addr directory.DeviceAddress, hs *Handshake) (*Record, error) {
	if hs == nil {
		return nil, fmt.Errorf("%w: nil handshake", ErrInvalidBundle)
	}

	unlock := m.locks.acquire(addr.String())
	defer unlock()

	existing, err := m.loadRecord(addr)
	if err != nil && !errors.Is(err, ErrNoSession) {
		return nil, err
	}
	if existing != nil && existing.RemoteIdentityKey != hs.IdentityKey {
		return nil, fmt.Errorf("identity for %s changed: %w", addr.String(), ErrUntrustedIdentity)
	}

	identity, err := m.keys.EnsureIdentity()
	if err != nil {
		return nil, err
	}

	spk, err := m.keys.SignedPreKeys.Get(hs.SignedPreKeyID)
	if err != nil {
		return nil, fmt.Errorf("signed prekey %d: %w", hs.SignedPreKeyID, ErrKeyMaterialMissing)
	}

	var oneTime *crypto.KeyPair
	if hs.HasPreKey {
		rec, err := m.keys.PreKeys.Get(hs.PreKeyID)
		if err != nil {
			return nil, fmt.Errorf("one-time prekey %d: %w", hs.PreKeyID, ErrKeyMaterialMissing)
		}
		oneTime = &rec.KeyPair
	}

	sess, err := crypto.RespondSession(&identity.Identity, &spk.KeyPair, oneTime, hs.IdentityKey, hs.EphemeralKey)
	if err != nil {
		return nil, fmt.Errorf("session response failed: %w", err)
	}

	now := time.Now()
	rec := &Record{
		Address:           addr,
		RemoteIdentityKey: hs.IdentityKey,
		RemoteSigningKey:  append([]byte(nil), hs.SigningKey...),
		Session:           sess,
		CreatedAt:         now,
		LastUsedAt:        now,
	}
	if err := m.saveRecord(rec); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "EstablishFromRemote",
		"address":  addr.String(),
	}).Info("Established inbound session")
	return rec, nil
}

// Validate reports whether the bundle's identity key matches the identity
// recorded on the existing session. Used as a pre-send check to catch silent
// identity rotation before wasting an encryption attempt.
func (m *Manager) Validate(addr directory.DeviceAddress, bundle *directory.PreKeyBundle) (bool, error) {
	unlock := m.locks.acquire(addr.String())
	defer unlock()

	rec, err := m.loadRecord(addr)
	if err != nil {
		return false, err
	}
	return rec.RemoteIdentityKey == bundle.IdentityKey, nil
}

// Get returns the session record for the address.
func (m *Manager) Get(addr directory.DeviceAddress) (*Record, error) {
	unlock := m.locks.acquire(addr.String())
	defer unlock()
	return m.loadRecord(addr)
}

// Has reports whether a session exists for the address.
func (m *Manager) Has(addr directory.DeviceAddress) bool {
	_, err := m.Get(addr)
	return err == nil
}

// Encrypt seals plaintext for the address's session and persists the
// advanced chain state. The returned handshake header is non-nil while the
// session is still unconfirmed and must travel with the message.
func (m *Manager) Encrypt(addr directory.DeviceAddress, plaintext []byte) ([]byte, *Handshake, error) {
	unlock := m.locks.acquire(addr.String())
	defer unlock()

	rec, err := m.loadRecord(addr)
	if err != nil {
		return nil, nil, err
	}

	ciphertext, err := rec.Session.Encrypt(plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("session encrypt for %s: %w", addr.String(), err)
	}

	rec.LastUsedAt = time.Now()
	if err := m.saveRecord(rec); err != nil {
		return nil, nil, err
	}
	return ciphertext, rec.PendingHandshake, nil
}

// Decrypt opens ciphertext from the address's session and persists the
// advanced chain state. A successful decrypt confirms the session: any
// pending handshake header stops being sent.
func (m *Manager) Decrypt(addr directory.DeviceAddress, ciphertext []byte) ([]byte, error) {
	unlock := m.locks.acquire(addr.String())
	defer unlock()

	rec, err := m.loadRecord(addr)
	if err != nil {
		return nil, err
	}

	plaintext, err := rec.Session.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}

	rec.PendingHandshake = nil
	rec.LastUsedAt = time.Now()
	if err := m.saveRecord(rec); err != nil {
		return nil, err
	}
	return plaintext, nil
}

// TrustIdentity records an explicit decision to trust new identity material
// for an address, discarding the conflicting session. This is a logged trust
// decision, not a silent bypass.
func (m *Manager) TrustIdentity(addr directory.DeviceAddress, identityKey [32]byte) error {
	unlock := m.locks.acquire(addr.String())
	defer unlock()

	logrus.WithFields(logrus.Fields{
		"function":     "TrustIdentity",
		"address":      addr.String(),
		"new_identity": identityKey[:8],
	}).Warn("Explicitly trusting changed identity, discarding old session")

	return m.store.Delete(storage.BucketSessions, addr.String())
}

// Delete removes the session for the address. The reason is surfaced to
// observability only; it does not drive control flow.
func (m *Manager) Delete(addr directory.DeviceAddress, reason string) error {
	unlock := m.locks.acquire(addr.String())
	defer unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Delete",
		"address":  addr.String(),
		"reason":   reason,
	}).Info("Deleting session")

	return m.store.Delete(storage.BucketSessions, addr.String())
}

// DeleteAll removes every session record. Used by the healing purge.
func (m *Manager) DeleteAll() error {
	addrs, err := m.store.List(storage.BucketSessions)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	for _, key := range addrs {
		unlock := m.locks.acquire(key)
		if err := m.store.Delete(storage.BucketSessions, key); err != nil {
			unlock()
			return fmt.Errorf("failed to delete session %s: %w", key, err)
		}
		unlock()
	}

	logrus.WithFields(logrus.Fields{
		"function": "DeleteAll",
		"count":    len(addrs),
	}).Warn("Purged all sessions")
	return nil
}

// Addresses returns every address with a live session, most recently used
// first.
func (m *Manager) Addresses() ([]directory.DeviceAddress, error) {
	keysList, err := m.store.List(storage.BucketSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	type entry struct {
		addr     directory.DeviceAddress
		lastUsed time.Time
	}
	entries := make([]entry, 0, len(keysList))
	for _, key := range keysList {
		addr, err := directory.ParseDeviceAddress(key)
		if err != nil {
			continue
		}
		rec, err := m.Get(addr)
		if err != nil {
			continue
		}
		entries = append(entries, entry{addr: addr, lastUsed: rec.LastUsedAt})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].lastUsed.After(entries[j].lastUsed) })

	addrs := make([]directory.DeviceAddress, 0, len(entries))
	for _, e := range entries {
		addrs = append(addrs, e.addr)
	}
	return addrs, nil
}

// ReestablishRecent rebuilds sessions with the limit most recently active
// peers from fresh directory bundles. Individual failures are logged and do
// not abort the batch; the return value is how many sessions were rebuilt.
func (m *Manager) ReestablishRecent(ctx context.Context, limit int) (int, error) {
	addrs, err := m.Addresses()
	if err != nil {
		return 0, err
	}
	if limit > 0 && len(addrs) > limit {
		addrs = addrs[:limit]
	}
	return m.Reestablish(ctx, addrs), nil
}

// Reestablish rebuilds sessions with the given peers from fresh directory
// bundles. The healing purge uses it with an address list captured before the
// purge, since the purge empties the store the recent list comes from.
func (m *Manager) Reestablish(ctx context.Context, addrs []directory.DeviceAddress) int {
	// Bundles are fetched per user before any per-address lock is taken.
	bundlesByUser := make(map[string][]directory.PreKeyBundle)
	rebuilt := 0
	for _, addr := range addrs {
		bundles, ok := bundlesByUser[addr.UserID]
		if !ok {
			fetched, err := m.dir.Bundles(ctx, addr.UserID)
			if err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "Reestablish",
					"user":     addr.UserID,
					"error":    err,
				}).Warn("Failed to fetch bundles for re-establishment")
				bundlesByUser[addr.UserID] = nil
				continue
			}
			bundles = fetched
			bundlesByUser[addr.UserID] = fetched
		}

		bundle := bundleForDevice(bundles, addr.DeviceID)
		if bundle == nil {
			continue
		}

		// The fresh bundle is authoritative here: a rotated identity would
		// otherwise wedge every re-establishment forever.
		if _, err := m.Establish(addr, bundle); errors.Is(err, ErrUntrustedIdentity) {
			if err := m.TrustIdentity(addr, bundle.IdentityKey); err != nil {
				continue
			}
			if _, err := m.Establish(addr, bundle); err != nil {
				continue
			}
			rebuilt++
		} else if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Reestablish",
				"address":  addr.String(),
				"error":    err,
			}).Warn("Failed to re-establish session")
		} else {
			rebuilt++
		}
	}
	return rebuilt
}

func bundleForDevice(bundles []directory.PreKeyBundle, deviceID uint32) *directory.PreKeyBundle {
	for i := range bundles {
		if bundles[i].DeviceID == deviceID {
			return &bundles[i]
		}
	}
	return nil
}

func (m *Manager) loadRecord(addr directory.DeviceAddress) (*Record, error) {
	data, err := m.store.Get(storage.BucketSessions, addr.String())
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", addr.String(), err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		// Undecodable session state is quarantined; the recovery path will
		// rebuild it from a fresh bundle.
		if delErr := m.store.Delete(storage.BucketSessions, addr.String()); delErr != nil {
			return nil, fmt.Errorf("failed to quarantine corrupt session %s: %w", addr.String(), delErr)
		}
		return nil, ErrNoSession
	}
	return &rec, nil
}

func (m *Manager) saveRecord(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := m.store.Put(storage.BucketSessions, rec.Address.String(), data); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}
