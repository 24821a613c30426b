package directory

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmsg/kestrel/crypto"
)

// deviceRecord is the directory-side key material for one device.
type deviceRecord struct {
	registrationID uint32
	hasIdentity    bool
	identityKey    [32]byte
	signingKey     []byte
	hasSignedPre   bool
	signedPre      SignedPreKeyUpload
	preKeys        map[uint32][32]byte
}

// MemoryDirectory is a complete in-process Directory. Tests and loopback
// engines run against it; it also exposes the fault-injection hooks the
// healing tests need to fabricate server-side corruption.
type MemoryDirectory struct {
	mutex    sync.RWMutex
	devices  map[string]*deviceRecord
	consumed map[string]int

	// Err, when set, is returned by every call. Used to simulate
	// directory outages.
	Err error
}

// NewMemoryDirectory creates an empty in-memory directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		devices:  make(map[string]*deviceRecord),
		consumed: make(map[string]int),
	}
}

func (md *MemoryDirectory) record(addr DeviceAddress) *deviceRecord {
	rec, ok := md.devices[addr.String()]
	if !ok {
		rec = &deviceRecord{
			registrationID: uint32(len(md.devices) + 1),
			preKeys:        make(map[uint32][32]byte),
		}
		md.devices[addr.String()] = rec
	}
	return rec
}

// Status returns the directory's view of one device's key material.
func (md *MemoryDirectory) Status(_ context.Context, addr DeviceAddress) (*DeviceKeyStatus, error) {
	md.mutex.RLock()
	defer md.mutex.RUnlock()

	if md.Err != nil {
		return nil, md.Err
	}

	rec, ok := md.devices[addr.String()]
	if !ok {
		return nil, ErrUnknownDevice
	}

	status := &DeviceKeyStatus{
		HasIdentity:        rec.hasIdentity,
		IdentityKey:        rec.identityKey,
		SigningKey:         append([]byte(nil), rec.signingKey...),
		HasSignedPreKey:    rec.hasSignedPre,
		PreKeyCount:        len(rec.preKeys),
		PreKeyFingerprints: make(map[uint32]string, len(rec.preKeys)),
	}
	if rec.hasSignedPre {
		status.SignedPreKeyID = rec.signedPre.ID
		status.SignedPreKey = rec.signedPre.Public
		status.SignedPreKeySignature = append([]byte(nil), rec.signedPre.Signature...)
	}
	for id, pub := range rec.preKeys {
		status.PreKeyFingerprints[id] = crypto.Fingerprint(pub[:])
	}
	return status, nil
}

// PublishIdentity uploads (or replaces) the device identity.
func (md *MemoryDirectory) PublishIdentity(_ context.Context, addr DeviceAddress, identity IdentityAnnouncement) error {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	if md.Err != nil {
		return md.Err
	}

	rec := md.record(addr)
	rec.hasIdentity = true
	rec.identityKey = identity.ExchangeKey
	rec.signingKey = append([]byte(nil), identity.SigningKey...)
	return nil
}

// PublishSignedPreKey uploads (or replaces) the current signed prekey.
func (md *MemoryDirectory) PublishSignedPreKey(_ context.Context, addr DeviceAddress, spk SignedPreKeyUpload) error {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	if md.Err != nil {
		return md.Err
	}

	rec := md.record(addr)
	rec.hasSignedPre = true
	rec.signedPre = SignedPreKeyUpload{
		ID:        spk.ID,
		Public:    spk.Public,
		Signature: append([]byte(nil), spk.Signature...),
	}
	return nil
}

// PublishPreKeys uploads a batch of one-time prekeys.
func (md *MemoryDirectory) PublishPreKeys(_ context.Context, addr DeviceAddress, keys []PreKeyUpload) error {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	if md.Err != nil {
		return md.Err
	}

	rec := md.record(addr)
	for _, k := range keys {
		rec.preKeys[k.ID] = k.Public
	}
	return nil
}

// DeletePreKeys removes specific one-time prekeys.
func (md *MemoryDirectory) DeletePreKeys(_ context.Context, addr DeviceAddress, ids []uint32) error {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	if md.Err != nil {
		return md.Err
	}

	rec, ok := md.devices[addr.String()]
	if !ok {
		return ErrUnknownDevice
	}
	for _, id := range ids {
		delete(rec.preKeys, id)
	}
	return nil
}

// DeleteAllKeys removes every piece of key material for the device.
func (md *MemoryDirectory) DeleteAllKeys(_ context.Context, addr DeviceAddress) error {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	if md.Err != nil {
		return md.Err
	}

	delete(md.devices, addr.String())
	logrus.WithFields(logrus.Fields{
		"function": "DeleteAllKeys",
		"address":  addr.String(),
	}).Warn("Deleted all directory key material for device")
	return nil
}

// Bundles returns one bundle per registered device of the user, consuming one
// one-time prekey per bundle where available.
func (md *MemoryDirectory) Bundles(_ context.Context, userID string) ([]PreKeyBundle, error) {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	if md.Err != nil {
		return nil, md.Err
	}

	var bundles []PreKeyBundle
	for key, rec := range md.devices {
		addr, ok := parseAddressKey(key)
		if !ok || addr.UserID != userID || !rec.hasIdentity {
			continue
		}

		bundle := PreKeyBundle{
			RegistrationID: rec.registrationID,
			DeviceID:       addr.DeviceID,
			IdentityKey:    rec.identityKey,
			SigningKey:     append([]byte(nil), rec.signingKey...),
		}
		if rec.hasSignedPre {
			bundle.SignedPreKeyID = rec.signedPre.ID
			bundle.SignedPreKey = rec.signedPre.Public
			bundle.SignedPreKeySignature = append([]byte(nil), rec.signedPre.Signature...)
		}

		// Consume the lowest-id one-time prekey so tests are deterministic.
		if id, pub, ok := lowestPreKey(rec.preKeys); ok {
			delete(rec.preKeys, id)
			md.consumed[key]++
			bundle.PreKeyID = id
			k := pub
			bundle.PreKey = &k
		}

		bundles = append(bundles, bundle)
	}

	if len(bundles) == 0 {
		return nil, ErrNoKeys
	}

	sort.Slice(bundles, func(i, j int) bool { return bundles[i].DeviceID < bundles[j].DeviceID })
	return bundles, nil
}

// ConsumedPreKeys reports how many one-time prekeys have been served for a
// device, for consumption metrics in tests.
func (md *MemoryDirectory) ConsumedPreKeys(addr DeviceAddress) int {
	md.mutex.RLock()
	defer md.mutex.RUnlock()
	return md.consumed[addr.String()]
}

// ReplaceIdentity swaps the stored identity key for a device without the
// device's involvement. Fault-injection hook for identity-rotation tests.
func (md *MemoryDirectory) ReplaceIdentity(addr DeviceAddress, identity IdentityAnnouncement) {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	rec := md.record(addr)
	rec.hasIdentity = true
	rec.identityKey = identity.ExchangeKey
	rec.signingKey = append([]byte(nil), identity.SigningKey...)
}

// CorruptPreKey flips stored bits of one prekey so its fingerprint no longer
// matches the client's. Fault-injection hook for healing tests.
func (md *MemoryDirectory) CorruptPreKey(addr DeviceAddress, id uint32) bool {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	rec, ok := md.devices[addr.String()]
	if !ok {
		return false
	}
	pub, ok := rec.preKeys[id]
	if !ok {
		return false
	}
	pub[0] ^= 0xFF
	rec.preKeys[id] = pub
	return true
}

// CorruptSignedPreKeySignature truncates the stored signed-prekey signature.
// Fault-injection hook for healing tests.
func (md *MemoryDirectory) CorruptSignedPreKeySignature(addr DeviceAddress) bool {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	rec, ok := md.devices[addr.String()]
	if !ok || !rec.hasSignedPre {
		return false
	}
	rec.signedPre.Signature = rec.signedPre.Signature[:len(rec.signedPre.Signature)/2]
	return true
}

// DropPreKey removes one prekey server-side without consuming it, simulating
// an eventual-consistency gap. Fault-injection hook.
func (md *MemoryDirectory) DropPreKey(addr DeviceAddress, id uint32) bool {
	md.mutex.Lock()
	defer md.mutex.Unlock()

	rec, ok := md.devices[addr.String()]
	if !ok {
		return false
	}
	if _, ok := rec.preKeys[id]; !ok {
		return false
	}
	delete(rec.preKeys, id)
	return true
}

func lowestPreKey(keys map[uint32][32]byte) (uint32, [32]byte, bool) {
	var (
		best    uint32
		bestPub [32]byte
		found   bool
	)
	for id, pub := range keys {
		if !found || id < best {
			best, bestPub, found = id, pub, true
		}
	}
	return best, bestPub, found
}
