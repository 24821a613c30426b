package group

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmsg/kestrel/crypto"
	"github.com/kestrelmsg/kestrel/directory"
	"github.com/kestrelmsg/kestrel/keys"
	"github.com/kestrelmsg/kestrel/storage"
)

var (
	// ErrNoSenderKey indicates no sender key is known for the (group,
	// sender) pair.
	ErrNoSenderKey = errors.New("group: no sender key")
	// ErrSenderKeyCorrupt indicates a sender key that failed its trial
	// self-encrypt twice in a row. The caller gives up rather than loop.
	ErrSenderKeyCorrupt = errors.New("group: sender key corrupt after regeneration")
)

// Kind distinguishes persistent groups, whose sender keys are distributed
// through the directory and rebroadcast on rotation, from ephemeral contexts
// (calls, meetings) whose keys live only as long as the context.
type Kind uint8

const (
	// KindPersistent is a long-lived group; keys are distributed on creation
	// and every rotation.
	KindPersistent Kind = iota
	// KindEphemeral is a short-lived context; no distribution is published.
	KindEphemeral
)

// Policy carries the sender-key rotation thresholds.
type Policy struct {
	// MaxAge is how old a sender key may grow before rotation.
	MaxAge time.Duration
	// MaxMessages is how many messages a sender key may encrypt before
	// rotation.
	MaxMessages uint32
}

// DefaultPolicy returns the reference rotation thresholds.
func DefaultPolicy() Policy {
	return Policy{MaxAge: 7 * 24 * time.Hour, MaxMessages: 1000}
}

// DistributionMessage carries one sender key to the other members of a
// group.
type DistributionMessage struct {
	GroupID   string                  `json:"group_id"`
	Sender    directory.DeviceAddress `json:"sender"`
	ChainKey  [32]byte                `json:"chain_key"`
	Iteration uint32                  `json:"iteration"`
}

// Distributor broadcasts a sender key distribution message to a group. The
// engine wires this to the transport; tests wire a recorder.
type Distributor interface {
	DistributeSenderKey(ctx context.Context, dist DistributionMessage) error
}

// DistributorFunc adapts a function to the Distributor interface.
type DistributorFunc func(ctx context.Context, dist DistributionMessage) error

// DistributeSenderKey calls the wrapped function.
func (f DistributorFunc) DistributeSenderKey(ctx context.Context, dist DistributionMessage) error {
	return f(ctx, dist)
}

// Record is the persisted state of one sender key.
type Record struct {
	GroupID      string                  `json:"group_id"`
	Sender       directory.DeviceAddress `json:"sender"`
	Kind         Kind                    `json:"kind"`
	Cipher       *crypto.GroupCipher     `json:"cipher"`
	MessageCount uint32                  `json:"message_count"`
	CreatedAt    time.Time               `json:"created_at"`
	RotatedAt    time.Time               `json:"rotated_at"`
}

// Manager owns sender-key lifecycle for the local device and tracks sender
// keys received from other group members. It is the only writer of the
// sender-key bucket.
type Manager struct {
	mutex       sync.Mutex
	store       storage.Store
	keys        *keys.Manager
	distributor Distributor
	policy      Policy
}

// NewManager creates a sender-key manager. The distributor may be nil until
// SetDistributor is called; distribution attempts before that are skipped
// with a warning.
func NewManager(store storage.Store, km *keys.Manager, distributor Distributor, policy Policy) *Manager {
	return &Manager{store: store, keys: km, distributor: distributor, policy: policy}
}

// SetDistributor installs the broadcast hook after construction. The engine
// uses this to break the construction cycle between group manager and
// transport.
func (m *Manager) SetDistributor(d Distributor) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.distributor = d
}

func recordKey(groupID string, sender directory.DeviceAddress) string {
	return groupID + "/" + sender.String()
}

// EnsureGroupKey returns the local sender key for the group, creating it if
// absent. An existing key is trial-validated first; a key that fails the
// trial is deleted and regenerated. Persistent-group keys are distributed on
// creation.
func (m *Manager) EnsureGroupKey(ctx context.Context, groupID string, kind Kind) (*Record, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.ensureLocked(ctx, groupID, kind)
}

func (m *Manager) ensureLocked(ctx context.Context, groupID string, kind Kind) (*Record, error) {
	local := m.keys.Address()

	rec, err := m.loadRecord(groupID, local)
	switch {
	case err == nil:
		if m.trialEncrypt(rec) == nil {
			return rec, nil
		}
		logrus.WithFields(logrus.Fields{
			"function": "EnsureGroupKey",
			"group_id": groupID,
		}).Warn("Sender key failed trial encrypt, regenerating")
		if err := m.store.Delete(storage.BucketSenderKeys, recordKey(groupID, local)); err != nil {
			return nil, fmt.Errorf("failed to delete corrupt sender key: %w", err)
		}
	case !errors.Is(err, ErrNoSenderKey):
		return nil, err
	}

	return m.createLocked(ctx, groupID, kind)
}

func (m *Manager) createLocked(ctx context.Context, groupID string, kind Kind) (*Record, error) {
	// Identity material must be present and sane before a group key is
	// minted in its name.
	if _, err := m.keys.EnsureIdentity(); err != nil {
		return nil, err
	}

	cipher, err := crypto.NewGroupCipher()
	if err != nil {
		return nil, fmt.Errorf("failed to create sender key: %w", err)
	}

	now := time.Now()
	rec := &Record{
		GroupID:   groupID,
		Sender:    m.keys.Address(),
		Kind:      kind,
		Cipher:    cipher,
		CreatedAt: now,
		RotatedAt: now,
	}
	if err := m.saveRecord(rec); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "EnsureGroupKey",
		"group_id": groupID,
		"kind":     kind,
	}).Info("Created sender key")

	if kind == KindPersistent {
		m.distributeLocked(ctx, rec)
	}
	return rec, nil
}

// distributeLocked broadcasts the current chain state. Distribution failures
// are logged, not fatal: members who miss the broadcast recover through the
// ordinary key-request path.
func (m *Manager) distributeLocked(ctx context.Context, rec *Record) {
	if m.distributor == nil {
		logrus.WithFields(logrus.Fields{
			"function": "distribute",
			"group_id": rec.GroupID,
		}).Warn("No distributor wired, skipping sender key broadcast")
		return
	}

	dist := DistributionMessage{
		GroupID:   rec.GroupID,
		Sender:    rec.Sender,
		ChainKey:  rec.Cipher.ChainKey,
		Iteration: rec.Cipher.Iteration,
	}
	if err := m.distributor.DistributeSenderKey(ctx, dist); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "distribute",
			"group_id": rec.GroupID,
			"error":    err,
		}).Error("Failed to broadcast sender key")
	}
}

// trialEncrypt checks a sender key can actually seal and open a message,
// without advancing the stored chain. This catches corrupted chain state
// cheaply, before a real message fails deep inside the primitive.
func (m *Manager) trialEncrypt(rec *Record) error {
	if rec.Cipher == nil {
		return errors.New("missing cipher state")
	}
	var zero [32]byte
	if rec.Cipher.ChainKey == zero {
		return errors.New("zeroed chain key")
	}

	probe := []byte("trial")
	ciphertext, err := rec.Cipher.Clone().Encrypt(probe)
	if err != nil {
		return err
	}
	plaintext, err := rec.Cipher.Clone().Decrypt(ciphertext)
	if err != nil {
		return err
	}
	if !bytes.Equal(probe, plaintext) {
		return errors.New("trial roundtrip mismatch")
	}
	return nil
}

// EncryptForGroup seals a message with the local sender key. The key is
// trial-validated first, rotated proactively if due, and regenerated exactly
// once if the real encrypt reports corruption; a second failure surfaces
// ErrSenderKeyCorrupt.
func (m *Manager) EncryptForGroup(ctx context.Context, groupID string, plaintext []byte) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	rec, err := m.ensureLocked(ctx, groupID, KindPersistent)
	if err != nil {
		return nil, err
	}

	if m.rotationDue(rec) {
		rec, err = m.rotateLocked(ctx, rec)
		if err != nil {
			return nil, err
		}
	}

	ciphertext, err := m.encryptOnce(rec, plaintext)
	if err != nil {
		// Treat a ratchet integrity failure as corruption: regenerate,
		// rebroadcast, retry exactly once.
		logrus.WithFields(logrus.Fields{
			"function": "EncryptForGroup",
			"group_id": groupID,
			"error":    err,
		}).Error("Group encrypt failed, regenerating sender key")

		rec, err = m.rotateLocked(ctx, rec)
		if err != nil {
			return nil, err
		}
		ciphertext, err = m.encryptOnce(rec, plaintext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrSenderKeyCorrupt, err)
		}
	}
	return ciphertext, nil
}

func (m *Manager) encryptOnce(rec *Record, plaintext []byte) ([]byte, error) {
	if err := m.trialEncrypt(rec); err != nil {
		return nil, err
	}

	ciphertext, err := rec.Cipher.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	rec.MessageCount++
	if err := m.saveRecord(rec); err != nil {
		return nil, err
	}
	return ciphertext, nil
}

func (m *Manager) rotationDue(rec *Record) bool {
	return time.Since(rec.RotatedAt) >= m.policy.MaxAge || rec.MessageCount >= m.policy.MaxMessages
}

func (m *Manager) rotateLocked(ctx context.Context, rec *Record) (*Record, error) {
	cipher, err := crypto.NewGroupCipher()
	if err != nil {
		return nil, fmt.Errorf("failed to rotate sender key: %w", err)
	}

	rec.Cipher = cipher
	rec.MessageCount = 0
	rec.RotatedAt = time.Now()
	if err := m.saveRecord(rec); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "rotate",
		"group_id": rec.GroupID,
	}).Info("Rotated sender key")

	if rec.Kind == KindPersistent {
		m.distributeLocked(ctx, rec)
	}
	return rec, nil
}

// RotateIfDue rotates the local sender key when the age or message-count
// policy says it is due. No-op otherwise.
func (m *Manager) RotateIfDue(ctx context.Context, groupID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	rec, err := m.loadRecord(groupID, m.keys.Address())
	if errors.Is(err, ErrNoSenderKey) {
		return nil
	}
	if err != nil {
		return err
	}
	if !m.rotationDue(rec) {
		return nil
	}
	_, err = m.rotateLocked(ctx, rec)
	return err
}

// RemoveMember handles a membership removal: the departed member held our
// chain key, so the local sender key rotates and is rebroadcast to the
// remaining members, and the member's own sender key is dropped.
func (m *Manager) RemoveMember(ctx context.Context, groupID string, member directory.DeviceAddress) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if err := m.store.Delete(storage.BucketSenderKeys, recordKey(groupID, member)); err != nil {
		return fmt.Errorf("failed to drop member sender key: %w", err)
	}

	rec, err := m.loadRecord(groupID, m.keys.Address())
	if errors.Is(err, ErrNoSenderKey) {
		return nil
	}
	if err != nil {
		return err
	}
	_, err = m.rotateLocked(ctx, rec)
	return err
}

// ClearGroup removes every sender key associated with the group, local and
// remote.
func (m *Manager) ClearGroup(groupID string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	keysList, err := m.store.List(storage.BucketSenderKeys)
	if err != nil {
		return fmt.Errorf("failed to list sender keys: %w", err)
	}

	prefix := groupID + "/"
	for _, key := range keysList {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			if err := m.store.Delete(storage.BucketSenderKeys, key); err != nil {
				return fmt.Errorf("failed to delete sender key %s: %w", key, err)
			}
		}
	}
	return nil
}

// DeleteAll removes every sender key for every group. Used by the healing
// purge.
func (m *Manager) DeleteAll() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	keysList, err := m.store.List(storage.BucketSenderKeys)
	if err != nil {
		return fmt.Errorf("failed to list sender keys: %w", err)
	}
	for _, key := range keysList {
		if err := m.store.Delete(storage.BucketSenderKeys, key); err != nil {
			return fmt.Errorf("failed to delete sender key %s: %w", key, err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "DeleteAll",
		"count":    len(keysList),
	}).Warn("Purged all sender keys")
	return nil
}

// ProcessDistribution stores a sender key received from another member.
func (m *Manager) ProcessDistribution(dist *DistributionMessage) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	now := time.Now()
	rec := &Record{
		GroupID: dist.GroupID,
		Sender:  dist.Sender,
		Cipher: &crypto.GroupCipher{
			ChainKey:  dist.ChainKey,
			Iteration: dist.Iteration,
		},
		CreatedAt: now,
		RotatedAt: now,
	}
	if err := m.saveRecord(rec); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"function": "ProcessDistribution",
		"group_id": dist.GroupID,
		"sender":   dist.Sender.String(),
	}).Info("Stored distributed sender key")
	return nil
}

// DecryptFromGroup opens a group message from the given member using their
// distributed sender key.
func (m *Manager) DecryptFromGroup(groupID string, sender directory.DeviceAddress, ciphertext []byte) ([]byte, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	rec, err := m.loadRecord(groupID, sender)
	if err != nil {
		return nil, err
	}

	plaintext, err := rec.Cipher.Decrypt(ciphertext)
	if err != nil {
		return nil, err
	}
	if err := m.saveRecord(rec); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func (m *Manager) loadRecord(groupID string, sender directory.DeviceAddress) (*Record, error) {
	data, err := m.store.Get(storage.BucketSenderKeys, recordKey(groupID, sender))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNoSenderKey
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sender key: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		if delErr := m.store.Delete(storage.BucketSenderKeys, recordKey(groupID, sender)); delErr != nil {
			return nil, fmt.Errorf("failed to quarantine corrupt sender key: %w", delErr)
		}
		return nil, ErrNoSenderKey
	}
	return &rec, nil
}

func (m *Manager) saveRecord(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode sender key: %w", err)
	}
	if err := m.store.Put(storage.BucketSenderKeys, recordKey(rec.GroupID, rec.Sender), data); err != nil {
		return fmt.Errorf("failed to persist sender key: %w", err)
	}
	return nil
}
