package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmsg/kestrel/crypto"
	"github.com/kestrelmsg/kestrel/storage"
)

var (
	// ErrPreKeyNotFound indicates the one-time prekey id is not in the pool.
	// A consumed key reports this on any later lookup: consumption is
	// exactly-once.
	ErrPreKeyNotFound = errors.New("keys: one-time prekey not found")
)

// PreKeyRecord is one one-time prekey. It is deleted the first time a remote
// peer establishes a session from it.
type PreKeyRecord struct {
	ID        uint32         `json:"id"`
	KeyPair   crypto.KeyPair `json:"keypair"`
	CreatedAt time.Time      `json:"created_at"`
}

// PreKeyManager maintains the one-time prekey pool at its target size,
// consumes keys exactly once, and regenerates replacements asynchronously.
type PreKeyManager struct {
	mutex  sync.Mutex
	store  storage.Store
	policy Policy

	regenWG       sync.WaitGroup
	regenRequests atomic.Uint64
}

// NewPreKeyManager creates a prekey manager over the given store.
func NewPreKeyManager(store storage.Store, policy Policy) *PreKeyManager {
	return &PreKeyManager{store: store, policy: policy}
}

// Generate creates and persists count one-time prekeys starting at startID,
// returning the created records. Fails only on storage errors; no partially
// referenced key state is left behind on failure.
func (pm *PreKeyManager) Generate(startID uint32, count int) ([]*PreKeyRecord, error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return pm.generateLocked(startID, count)
}

func (pm *PreKeyManager) generateLocked(startID uint32, count int) ([]*PreKeyRecord, error) {
	records := make([]*PreKeyRecord, 0, count)
	for i := 0; i < count; i++ {
		keyPair, err := crypto.GenerateKeyPair()
		if err != nil {
			return nil, fmt.Errorf("failed to generate prekey %d: %w", startID+uint32(i), err)
		}
		rec := &PreKeyRecord{
			ID:        startID + uint32(i),
			KeyPair:   *keyPair,
			CreatedAt: time.Now(),
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to encode prekey %d: %w", rec.ID, err)
		}
		if err := pm.store.Put(storage.BucketPreKeys, recordKey(rec.ID), data); err != nil {
			return nil, fmt.Errorf("failed to persist prekey %d: %w", rec.ID, err)
		}
		records = append(records, rec)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Generate",
		"start_id": startID,
		"count":    count,
	}).Info("Generated one-time prekeys")
	return records, nil
}

// Get returns the prekey with the given id without consuming it.
func (pm *PreKeyManager) Get(id uint32) (*PreKeyRecord, error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return pm.loadRecord(id)
}

// Consume deletes the prekey with the given id and schedules asynchronous
// generation of exactly one replacement. The second Consume of the same id
// reports ErrPreKeyNotFound.
func (pm *PreKeyManager) Consume(id uint32) error {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	if _, err := pm.loadRecord(id); err != nil {
		return err
	}
	if err := pm.store.Delete(storage.BucketPreKeys, recordKey(id)); err != nil {
		return fmt.Errorf("failed to delete consumed prekey %d: %w", id, err)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Consume",
		"prekey_id": id,
	}).Info("One-time prekey consumed")

	pm.regenRequests.Add(1)
	pm.regenWG.Add(1)
	go func() {
		defer pm.regenWG.Done()
		pm.mutex.Lock()
		defer pm.mutex.Unlock()

		nextID, err := pm.nextIDLocked()
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Consume",
				"error":    err,
			}).Error("Failed to determine replacement prekey id")
			return
		}
		if _, err := pm.generateLocked(nextID, 1); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "Consume",
				"error":    err,
			}).Error("Failed to regenerate replacement prekey")
		}
	}()
	return nil
}

// IDs returns the ids of every prekey currently in the pool.
func (pm *PreKeyManager) IDs() ([]uint32, error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()
	return pm.idsLocked()
}

// Count returns the current pool size.
func (pm *PreKeyManager) Count() (int, error) {
	ids, err := pm.IDs()
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// NeedsReplenish reports whether the pool has drained to the low-water mark.
func (pm *PreKeyManager) NeedsReplenish() (bool, error) {
	count, err := pm.Count()
	if err != nil {
		return false, err
	}
	return count <= pm.policy.PreKeyLowWater, nil
}

// Replenish tops the pool back up to the target size and returns the newly
// created records. A pool already at target returns nil.
func (pm *PreKeyManager) Replenish() ([]*PreKeyRecord, error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	ids, err := pm.idsLocked()
	if err != nil {
		return nil, err
	}
	missing := pm.policy.PreKeyPoolTarget - len(ids)
	if missing <= 0 {
		return nil, nil
	}

	nextID := uint32(1)
	for _, id := range ids {
		if id >= nextID {
			nextID = id + 1
		}
	}
	return pm.generateLocked(nextID, missing)
}

// Fingerprints maps every pooled prekey id to the hash of its public key
// bytes, for reconciliation against the directory's view.
func (pm *PreKeyManager) Fingerprints() (map[uint32]string, error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	ids, err := pm.idsLocked()
	if err != nil {
		return nil, err
	}

	fps := make(map[uint32]string, len(ids))
	for _, id := range ids {
		rec, err := pm.loadRecord(id)
		if err != nil {
			return nil, err
		}
		fps[id] = crypto.Fingerprint(rec.KeyPair.Public[:])
	}
	return fps, nil
}

// Records returns every pooled prekey record, for batch upload.
func (pm *PreKeyManager) Records() ([]*PreKeyRecord, error) {
	pm.mutex.Lock()
	defer pm.mutex.Unlock()

	ids, err := pm.idsLocked()
	if err != nil {
		return nil, err
	}

	records := make([]*PreKeyRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := pm.loadRecord(id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// RegenerationRequests reports how many replacement generations have been
// scheduled since startup.
func (pm *PreKeyManager) RegenerationRequests() uint64 {
	return pm.regenRequests.Load()
}

// WaitForRegeneration blocks until all scheduled replacement generations have
// finished. Shutdown and tests use it; the message path never does.
func (pm *PreKeyManager) WaitForRegeneration() {
	pm.regenWG.Wait()
}

func (pm *PreKeyManager) idsLocked() ([]uint32, error) {
	keys, err := pm.store.List(storage.BucketPreKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to list prekeys: %w", err)
	}

	ids := make([]uint32, 0, len(keys))
	for _, k := range keys {
		var id uint32
		if _, err := fmt.Sscanf(k, "%d", &id); err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (pm *PreKeyManager) nextIDLocked() (uint32, error) {
	ids, err := pm.idsLocked()
	if err != nil {
		return 0, err
	}
	next := uint32(1)
	for _, id := range ids {
		if id >= next {
			next = id + 1
		}
	}
	return next, nil
}

func (pm *PreKeyManager) loadRecord(id uint32) (*PreKeyRecord, error) {
	data, err := pm.store.Get(storage.BucketPreKeys, recordKey(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrPreKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load prekey %d: %w", id, err)
	}

	var rec PreKeyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// Quarantine undecodable records so one bad value cannot wedge the
		// pool forever.
		if delErr := pm.store.Delete(storage.BucketPreKeys, recordKey(id)); delErr != nil {
			return nil, fmt.Errorf("failed to quarantine corrupt prekey %d: %w", id, delErr)
		}
		return nil, ErrPreKeyNotFound
	}
	return &rec, nil
}
