package messaging

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmsg/kestrel/directory"
	"github.com/kestrelmsg/kestrel/keys"
	"github.com/kestrelmsg/kestrel/session"
	"github.com/kestrelmsg/kestrel/transport"
)

// RecoveryWindow is the minimum gap between session recovery attempts for
// one (peer, device).
const RecoveryWindow = 30 * time.Second

// Receiver decrypts inbound items and drives recovery when a session is
// missing or broken.
type Receiver struct {
	sessions *session.Manager
	keys     *keys.Manager
	dir      directory.Directory
	sender   *Sender
	failures FailureLog
	limiter  *recoveryLimiter
}

// NewReceiver creates a receiver with the default recovery window. failures
// may be nil, in which case failure records are only logged.
func NewReceiver(sm *session.Manager, km *keys.Manager, dir directory.Directory, sender *Sender, failures FailureLog) *Receiver {
	return NewReceiverWithTimeProvider(sm, km, dir, sender, failures, nil)
}

// NewReceiverWithTimeProvider creates a receiver with a custom clock for the
// recovery rate limit.
func NewReceiverWithTimeProvider(sm *session.Manager, km *keys.Manager, dir directory.Directory, sender *Sender, failures FailureLog, clock TimeProvider) *Receiver {
	return &Receiver{
		sessions: sm,
		keys:     km,
		dir:      dir,
		sender:   sender,
		failures: failures,
		limiter:  newRecoveryLimiter(RecoveryWindow, clock),
	}
}

// Decrypt opens one inbound item. On failure it returns a *DecryptError
// carrying the classification, records the failure durably, and (rate
// limited) starts session recovery; the failed message itself is gone — the
// peer must resend it.
func (r *Receiver) Decrypt(ctx context.Context, from directory.DeviceAddress, itemID string, kind transport.CipherType, payload []byte) ([]byte, error) {
	env, err := DecodeEnvelope(payload)
	if err != nil {
		return nil, r.fail(from, itemID, FailureUnknown, err)
	}

	if kind == transport.CipherPreKey && env.Handshake != nil {
		return r.decryptEstablishing(ctx, from, itemID, env)
	}
	return r.decryptOrdinary(ctx, from, itemID, env)
}

// decryptEstablishing handles a session-establishing item: the handshake
// header lets this side build the responder half of the session offline.
func (r *Receiver) decryptEstablishing(ctx context.Context, from directory.DeviceAddress, itemID string, env *Envelope) ([]byte, error) {
	// A handshake header keeps arriving until the first return message
	// confirms the session; if the session already exists, decrypt with it.
	if r.sessions.Has(from) {
		plaintext, err := r.sessions.Decrypt(from, env.Ciphertext)
		if err == nil {
			return plaintext, nil
		}
		// Out-of-order establishment or a purged-and-rebuilt peer session:
		// fall through and rebuild from the header.
		if err := r.sessions.Delete(from, "establishing header supersedes session"); err != nil {
			return nil, r.fail(from, itemID, FailureUnknown, err)
		}
	}

	_, err := r.sessions.EstablishFromRemote(from, env.Handshake)
	if errors.Is(err, session.ErrUntrustedIdentity) {
		// Auto-trust: accept the identity the handshake carries, retry
		// once. A second failure is surfaced, never looped on.
		if trustErr := r.sessions.TrustIdentity(from, env.Handshake.IdentityKey); trustErr != nil {
			return nil, r.fail(from, itemID, FailureUntrustedIdentity, trustErr)
		}
		if _, err = r.sessions.EstablishFromRemote(from, env.Handshake); err != nil {
			return nil, r.fail(from, itemID, FailureUntrustedIdentity, err)
		}
	} else if errors.Is(err, session.ErrKeyMaterialMissing) {
		// The referenced signed prekey or one-time prekey is gone locally.
		// This message is unrecoverable; rebuild so the next one works.
		r.recover(ctx, from)
		return nil, r.fail(from, itemID, FailureNoSession, err)
	} else if err != nil {
		return nil, r.fail(from, itemID, FailureUnknown, err)
	}

	plaintext, err := r.sessions.Decrypt(from, env.Ciphertext)
	if err != nil {
		r.recover(ctx, from)
		return nil, r.fail(from, itemID, ClassifyDecryptFailure(err), err)
	}

	// The one-time prekey did its job; consume it exactly once and let the
	// pool regenerate a replacement in the background.
	if env.Handshake.HasPreKey {
		if err := r.keys.PreKeys.Consume(env.Handshake.PreKeyID); err != nil && !errors.Is(err, keys.ErrPreKeyNotFound) {
			logrus.WithFields(logrus.Fields{
				"function":  "decryptEstablishing",
				"prekey_id": env.Handshake.PreKeyID,
				"error":     err,
			}).Warn("Failed to consume one-time prekey")
		}
	}
	return plaintext, nil
}

func (r *Receiver) decryptOrdinary(ctx context.Context, from directory.DeviceAddress, itemID string, env *Envelope) ([]byte, error) {
	plaintext, err := r.sessions.Decrypt(from, env.Ciphertext)
	if err == nil {
		return plaintext, nil
	}

	kind := ClassifyDecryptFailure(err)
	switch kind {
	case FailureNoSession:
		// Nothing to decrypt this message with, and there never will be.
		// Rebuild so the conversation continues, tell the peer why.
		r.recover(ctx, from)
	case FailureIntegrity:
		// Corrupted ratchet state: the session is unusable from here on.
		if delErr := r.sessions.Delete(from, "integrity failure"); delErr != nil {
			logrus.WithFields(logrus.Fields{
				"function": "decryptOrdinary",
				"address":  from.String(),
				"error":    delErr,
			}).Error("Failed to delete broken session")
		}
		r.recover(ctx, from)
	}
	return nil, r.fail(from, itemID, kind, err)
}

// recover rebuilds the session with the device from a fresh bundle and sends
// an explicit session-reset notice so both sides converge. At most one
// recovery per device per RecoveryWindow.
func (r *Receiver) recover(ctx context.Context, from directory.DeviceAddress) {
	if !r.limiter.allow(from.String()) {
		logrus.WithFields(logrus.Fields{
			"function": "recover",
			"address":  from.String(),
		}).Debug("Recovery suppressed by rate limit")
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "recover",
		"address":  from.String(),
	}).Warn("Rebuilding session after decryption failure")

	bundles, err := r.dir.Bundles(ctx, from.UserID)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "recover",
			"address":  from.String(),
			"error":    err,
		}).Warn("Bundle fetch for recovery failed")
		return
	}

	for i := range bundles {
		if bundles[i].DeviceID != from.DeviceID {
			continue
		}
		if err := r.sender.establishTrusting(from, &bundles[i]); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "recover",
				"address":  from.String(),
				"error":    err,
			}).Warn("Session rebuild failed")
			return
		}
		break
	}

	// The reset notice rides the fresh session; the peer drops their stale
	// state in response and both sides are back in sync.
	if _, err := r.sender.Send(ctx, from.UserID, TypeSessionReset, []byte(r.keys.Address().String())); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "recover",
			"address":  from.String(),
			"error":    err,
		}).Warn("Failed to send session-reset notice")
	}
}

// HandleSessionReset processes an inbound session-reset notice: the peer
// rebuilt their side, so any session this side holds for them is stale.
func (r *Receiver) HandleSessionReset(from directory.DeviceAddress) error {
	if !r.sessions.Has(from) {
		return nil
	}
	return r.sessions.Delete(from, "peer requested session reset")
}

func (r *Receiver) fail(from directory.DeviceAddress, itemID string, kind FailureKind, err error) error {
	rec := FailureRecord{
		ItemID:  itemID,
		Address: from,
		Kind:    kind,
		Status:  StatusDecryptFailed,
		At:      time.Now(),
	}
	if r.failures != nil {
		r.failures.RecordFailure(rec)
	}

	logrus.WithFields(logrus.Fields{
		"function": "Decrypt",
		"item_id":  itemID,
		"address":  from.String(),
		"kind":     kind.String(),
		"error":    err,
	}).Warn("Recorded undecryptable message")

	return &DecryptError{Kind: kind, Address: from, Err: err}
}
