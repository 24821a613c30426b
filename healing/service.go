package healing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmsg/kestrel/crypto"
	"github.com/kestrelmsg/kestrel/directory"
	"github.com/kestrelmsg/kestrel/group"
	"github.com/kestrelmsg/kestrel/keys"
	"github.com/kestrelmsg/kestrel/session"
	"github.com/kestrelmsg/kestrel/storage"
)

var (
	// ErrHealingInProgress indicates a concurrent reinforcement is running;
	// the second request is rejected, never queued.
	ErrHealingInProgress = errors.New("healing: reinforcement already in progress")
	// ErrHealBackoff indicates the per-reason backoff window is still open.
	ErrHealBackoff = errors.New("healing: reason in backoff window")
)

// Policy carries the healing rate limits.
type Policy struct {
	// VerifyCooldown is the minimum gap between unforced verifications.
	VerifyCooldown time.Duration
	// HealBackoff is the minimum gap between reinforcements for the same
	// corruption reason.
	HealBackoff time.Duration
	// ReestablishLimit bounds how many recent peers get their sessions
	// rebuilt after a purge.
	ReestablishLimit int
}

// DefaultPolicy returns the reference rate limits.
func DefaultPolicy() Policy {
	return Policy{
		VerifyCooldown:   5 * time.Minute,
		HealBackoff:      10 * time.Minute,
		ReestablishLimit: 10,
	}
}

// TimeProvider abstracts the clock so backoff behavior is testable.
type TimeProvider interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// VerificationResult is the outcome of one verification pass.
type VerificationResult struct {
	// Skipped is true when the cooldown suppressed the pass entirely.
	Skipped bool
	// IsValid is true when no corruption was found and all gaps (if any)
	// were resolved inline.
	IsValid bool
	// NeedsHealing is true when confirmed corruption was found.
	NeedsHealing bool
	// Reason is the corruption reason code when NeedsHealing is set.
	Reason string
	// Recovered lists the recoverable gaps that were repaired inline.
	Recovered []string
}

// HealResult reports each reinforcement sub-step separately, so callers can
// distinguish fully healed from partially healed.
type HealResult struct {
	Reason           string
	ServerReset      bool
	KeysUploaded     bool
	SessionsPurged   bool
	SenderKeysPurged bool
	SessionsRebuilt  int
	// FullyHealed is true when every sub-step succeeded.
	FullyHealed bool
}

// Service is the healing control loop over one device's key material.
type Service struct {
	store      storage.Store
	keys       *keys.Manager
	sessions   *session.Manager
	senderKeys *group.Manager
	dir        directory.Directory
	policy     Policy
	clock      TimeProvider

	inProgress atomic.Bool
	async      sync.WaitGroup
}

// NewService creates a healing service with the real clock.
func NewService(store storage.Store, km *keys.Manager, sm *session.Manager, gm *group.Manager, dir directory.Directory, policy Policy) *Service {
	return NewServiceWithTimeProvider(store, km, sm, gm, dir, policy, realClock{})
}

// NewServiceWithTimeProvider creates a healing service with a custom clock.
func NewServiceWithTimeProvider(store storage.Store, km *keys.Manager, sm *session.Manager, gm *group.Manager, dir directory.Directory, policy Policy, tp TimeProvider) *Service {
	if tp == nil {
		tp = realClock{}
	}
	return &Service{
		store:      store,
		keys:       km,
		sessions:   sm,
		senderKeys: gm,
		dir:        dir,
		policy:     policy,
		clock:      tp,
	}
}

// Verify runs one self-verification pass against the directory. Unless
// forced, a pass within the cooldown window of the previous one is skipped.
// Recoverable gaps are repaired inline; confirmed corruption is only
// reported, never repaired here.
func (s *Service) Verify(ctx context.Context, force bool) (*VerificationResult, error) {
	state, err := s.loadState()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if !force && now.Sub(state.LastVerification) < s.policy.VerifyCooldown {
		return &VerificationResult{Skipped: true}, nil
	}

	state.LastVerification = now
	if err := s.saveState(state); err != nil {
		return nil, err
	}

	result := &VerificationResult{}
	identity, err := s.keys.EnsureIdentity()
	if err != nil {
		return nil, err
	}

	status, err := s.dir.Status(ctx, s.keys.Address())
	if errors.Is(err, directory.ErrUnknownDevice) {
		// Nothing on the server at all. Recoverable: the client is the
		// source of truth, re-upload everything.
		if err := s.keys.UploadAllKeys(ctx); err != nil {
			return nil, err
		}
		result.IsValid = true
		result.Recovered = append(result.Recovered, "missing_all")
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("directory status fetch failed: %w", err)
	}

	s.verifyIdentity(ctx, identity, status, result)
	if !result.NeedsHealing {
		s.verifySignedPreKey(ctx, identity, status, result)
	}
	if !result.NeedsHealing {
		if err := s.verifyPreKeys(ctx, status, result); err != nil {
			return nil, err
		}
	}

	result.IsValid = !result.NeedsHealing

	logrus.WithFields(logrus.Fields{
		"function":      "Verify",
		"is_valid":      result.IsValid,
		"needs_healing": result.NeedsHealing,
		"reason":        result.Reason,
		"recovered":     result.Recovered,
	}).Info("Self-verification pass complete")
	return result, nil
}

func (s *Service) verifyIdentity(ctx context.Context, identity *keys.IdentityRecord, status *directory.DeviceKeyStatus, result *VerificationResult) {
	if !status.HasIdentity {
		if err := s.dir.PublishIdentity(ctx, s.keys.Address(), directory.IdentityAnnouncement{
			ExchangeKey: identity.Identity.Exchange.Public,
			SigningKey:  identity.Identity.Signing.Public,
		}); err == nil {
			result.Recovered = append(result.Recovered, "missing_identity")
		}
		return
	}

	if status.IdentityKey != identity.Identity.Exchange.Public {
		logrus.WithFields(logrus.Fields{
			"function":   "verifyIdentity",
			"server_key": status.IdentityKey[:8],
			"local_key":  identity.Identity.Exchange.Public[:8],
		}).Error("Server identity key does not match local identity")
		result.NeedsHealing = true
		result.Reason = ReasonIdentityMismatch
	}
}

func (s *Service) verifySignedPreKey(ctx context.Context, identity *keys.IdentityRecord, status *directory.DeviceKeyStatus, result *VerificationResult) {
	if !status.HasSignedPreKey {
		spk, err := s.keys.SignedPreKeys.Current()
		if err != nil {
			return
		}
		if err := s.dir.PublishSignedPreKey(ctx, s.keys.Address(), directory.SignedPreKeyUpload{
			ID:        spk.ID,
			Public:    spk.KeyPair.Public,
			Signature: spk.Signature,
		}); err == nil {
			result.Recovered = append(result.Recovered, "missing_signed_prekey")
		}
		return
	}

	if !crypto.VerifySignature(identity.Identity.Signing.Public, status.SignedPreKey[:], status.SignedPreKeySignature) {
		logrus.WithFields(logrus.Fields{
			"function":      "verifySignedPreKey",
			"signed_key_id": status.SignedPreKeyID,
		}).Error("Server signed prekey signature does not verify under local identity")
		result.NeedsHealing = true
		result.Reason = ReasonSignedPreKeyInvalid
	}
}

func (s *Service) verifyPreKeys(ctx context.Context, status *directory.DeviceKeyStatus, result *VerificationResult) error {
	local, err := s.keys.Fingerprints()
	if err != nil {
		return err
	}

	// Hash mismatch on a shared id is the only prekey-level corruption:
	// concurrent consumption can explain a missing id, never a different
	// hash for the same id.
	for id, serverFP := range status.PreKeyFingerprints {
		localFP, ok := local[id]
		if !ok {
			continue
		}
		if localFP != serverFP {
			logrus.WithFields(logrus.Fields{
				"function":  "verifyPreKeys",
				"prekey_id": id,
			}).Error("Prekey fingerprint mismatch on shared id")
			result.NeedsHealing = true
			result.Reason = ReasonPreKeyHashMismatch
			return nil
		}
	}

	// Orphans the server holds but we no longer do: delete server-side.
	var orphans []uint32
	for id := range status.PreKeyFingerprints {
		if _, ok := local[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		if err := s.dir.DeletePreKeys(ctx, s.keys.Address(), orphans); err == nil {
			result.Recovered = append(result.Recovered, "prekeys_server_orphans")
		}
	}

	// Ids we hold but the server lost: upload the missing ones.
	var missing []*keys.PreKeyRecord
	for id := range local {
		if _, ok := status.PreKeyFingerprints[id]; !ok {
			rec, err := s.keys.PreKeys.Get(id)
			if err != nil {
				continue
			}
			missing = append(missing, rec)
		}
	}
	if len(missing) > 0 {
		if err := s.keys.UploadPreKeys(ctx, missing); err == nil {
			result.Recovered = append(result.Recovered, "prekeys_missing_on_server")
		}
	}

	// Pool health: empty or below the low-water mark is recoverable.
	if status.PreKeyCount == 0 && len(missing) == 0 {
		created, err := s.keys.PreKeys.Replenish()
		if err != nil {
			return err
		}
		if err := s.keys.UploadPreKeys(ctx, created); err == nil {
			result.Recovered = append(result.Recovered, "prekeys_empty")
		}
	} else if low, err := s.keys.PreKeys.NeedsReplenish(); err == nil && low {
		created, err := s.keys.PreKeys.Replenish()
		if err != nil {
			return err
		}
		if err := s.keys.UploadPreKeys(ctx, created); err == nil {
			result.Recovered = append(result.Recovered, "prekeys_low")
		}
	}
	return nil
}

// Heal runs the full key reinforcement for a confirmed corruption reason:
// server reset, re-upload from local state, local session and sender-key
// purge, then best-effort re-establishment with recent peers. Gated by the
// persisted per-reason backoff and the global in-progress flag.
func (s *Service) Heal(ctx context.Context, reason string) (*HealResult, error) {
	state, err := s.loadState()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	if last, ok := state.ReasonBackoff[reason]; ok && now.Sub(last) < s.policy.HealBackoff {
		return nil, fmt.Errorf("reason %s healed %s ago: %w", reason, now.Sub(last), ErrHealBackoff)
	}

	if !s.inProgress.CompareAndSwap(false, true) {
		return nil, ErrHealingInProgress
	}
	defer s.inProgress.Store(false)

	logrus.WithFields(logrus.Fields{
		"function": "Heal",
		"reason":   reason,
	}).Warn("Starting key reinforcement")

	// Record the attempt before doing anything, so a crash mid-heal still
	// backs off instead of looping hot on restart.
	state.ReasonBackoff[reason] = now
	state.LastHealReason = reason
	state.LastHealTime = now
	if err := s.saveState(state); err != nil {
		return nil, err
	}

	result := &HealResult{Reason: reason}

	// The client is the source of truth: wipe the server view, then rebuild
	// it from local state. Each sub-step is recorded independently.
	if err := s.keys.DeleteAllServerKeys(ctx); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Heal", "error": err}).Error("Server key reset failed")
	} else {
		result.ServerReset = true
	}

	if err := s.keys.UploadAllKeys(ctx); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Heal", "error": err}).Error("Key re-upload failed")
	} else {
		result.KeysUploaded = true
	}

	// Capture the recent-peer list before the purge empties the session
	// store it comes from.
	recent, err := s.sessions.Addresses()
	if err != nil {
		recent = nil
	}
	if s.policy.ReestablishLimit > 0 && len(recent) > s.policy.ReestablishLimit {
		recent = recent[:s.policy.ReestablishLimit]
	}

	if err := s.sessions.DeleteAll(); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Heal", "error": err}).Error("Session purge failed")
	} else {
		result.SessionsPurged = true
	}

	if err := s.senderKeys.DeleteAll(); err != nil {
		logrus.WithFields(logrus.Fields{"function": "Heal", "error": err}).Error("Sender key purge failed")
	} else {
		result.SenderKeysPurged = true
	}

	// Individual re-establishment failures are tolerated; the count reports
	// how many peers came back.
	result.SessionsRebuilt = s.sessions.Reestablish(ctx, recent)

	result.FullyHealed = result.ServerReset && result.KeysUploaded &&
		result.SessionsPurged && result.SenderKeysPurged

	// One observational re-verify confirms the repair. Its outcome is logged
	// only; it must not re-trigger healing in the same pass, or a persistent
	// fault would loop.
	if confirm, err := s.Verify(ctx, true); err == nil {
		logrus.WithFields(logrus.Fields{
			"function":     "Heal",
			"reason":       reason,
			"confirmed_ok": confirm.IsValid,
		}).Info("Post-heal verification")
	}

	logrus.WithFields(logrus.Fields{
		"function":     "Heal",
		"reason":       reason,
		"fully_healed": result.FullyHealed,
	}).Warn("Key reinforcement finished")
	return result, nil
}

// TriggerSelfVerification runs a verification pass in the background and, if
// it finds corruption, heals it. Fire-and-forget: callers never block on the
// outcome. The rate limits make repeated triggers safe.
func (s *Service) TriggerSelfVerification(force bool) {
	s.async.Add(1)
	go func() {
		defer s.async.Done()

		ctx := context.Background()
		result, err := s.Verify(ctx, force)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "TriggerSelfVerification",
				"error":    err,
			}).Warn("Background verification failed")
			return
		}
		if result.Skipped || !result.NeedsHealing {
			return
		}

		if _, err := s.Heal(ctx, result.Reason); err != nil &&
			!errors.Is(err, ErrHealBackoff) && !errors.Is(err, ErrHealingInProgress) {
			logrus.WithFields(logrus.Fields{
				"function": "TriggerSelfVerification",
				"error":    err,
			}).Error("Background healing failed")
		}
	}()
}

// Wait blocks until background verification work has drained. Shutdown and
// tests use it.
func (s *Service) Wait() {
	s.async.Wait()
}

// LastState returns a copy of the persisted healing state.
func (s *Service) LastState() (*State, error) {
	return s.loadState()
}
