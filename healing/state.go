package healing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kestrelmsg/kestrel/storage"
)

const stateKey = "state"

// Corruption reason codes. Only these three indicate real corruption; every
// other discrepancy is recoverable inline.
const (
	ReasonIdentityMismatch    = "identity_mismatch"
	ReasonSignedPreKeyInvalid = "signed_prekey_invalid"
	ReasonPreKeyHashMismatch  = "prekey_hash_mismatch"
)

// State is the small persisted record behind the rate limits. Its lifecycle
// is independent of any single session; it survives restarts so backoffs do
// too.
type State struct {
	LastVerification time.Time            `json:"last_verification"`
	LastHealReason   string               `json:"last_heal_reason,omitempty"`
	LastHealTime     time.Time            `json:"last_heal_time,omitempty"`
	ReasonBackoff    map[string]time.Time `json:"reason_backoff,omitempty"`
}

func (s *Service) loadState() (*State, error) {
	data, err := s.store.Get(storage.BucketHealing, stateKey)
	if errors.Is(err, storage.ErrNotFound) {
		return &State{ReasonBackoff: make(map[string]time.Time)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load healing state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		// The state only drives rate limiting; start fresh on corruption.
		return &State{ReasonBackoff: make(map[string]time.Time)}, nil
	}
	if state.ReasonBackoff == nil {
		state.ReasonBackoff = make(map[string]time.Time)
	}
	return &state, nil
}

func (s *Service) saveState(state *State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode healing state: %w", err)
	}
	if err := s.store.Put(storage.BucketHealing, stateKey, data); err != nil {
		return fmt.Errorf("failed to persist healing state: %w", err)
	}
	return nil
}
