package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrelmsg/kestrel/directory"
	"github.com/kestrelmsg/kestrel/keys"
	"github.com/kestrelmsg/kestrel/session"
	"github.com/kestrelmsg/kestrel/transport"
)

var (
	// ErrNoRecipientKeys indicates the recipient has no published keys at
	// all; they must reinitialize before they can receive anything.
	ErrNoRecipientKeys = errors.New("messaging: recipient has no published keys")
	// ErrAllDevicesFailed indicates every recipient device failed to
	// encrypt. Partial delivery is success, zero delivery is not.
	ErrAllDevicesFailed = errors.New("messaging: all recipient devices failed")
)

// HealingTrigger is the diagnostic hook the sender fires when it sees a
// structurally invalid bundle. The trigger is asynchronous and rate-limited
// on the healing side.
type HealingTrigger interface {
	TriggerSelfVerification(force bool)
}

// DeviceOutcome is the per-device result of one fan-out.
type DeviceOutcome struct {
	Address    directory.DeviceAddress
	UsedPreKey bool
	Err        error
}

// SendResult aggregates the fan-out. Delivered counts devices whose
// ciphertext was handed to the transport.
type SendResult struct {
	ItemID    string
	Delivered int
	Outcomes  []DeviceOutcome
}

// Sender encrypts outbound messages for every device of a recipient and
// hands the ciphertext to the transport.
type Sender struct {
	sessions  *session.Manager
	keys      *keys.Manager
	dir       directory.Directory
	transport transport.Transport
	healer    HealingTrigger
	log       MessageLog

	preKeysConsumed atomic.Uint64
}

// NewSender creates a sender. healer and log may be nil; the corresponding
// side effects are then skipped.
func NewSender(sm *session.Manager, km *keys.Manager, dir directory.Directory, tr transport.Transport, healer HealingTrigger, log MessageLog) *Sender {
	return &Sender{
		sessions:  sm,
		keys:      km,
		dir:       dir,
		transport: tr,
		healer:    healer,
		log:       log,
	}
}

// Send encrypts payload for every device of the recipient and hands one item
// per device to the transport. The message is echoed to the local log before
// any network work unless the type is ephemeral. The call fails only when
// the recipient has no keys at all or when zero devices succeeded.
func (s *Sender) Send(ctx context.Context, recipient string, typ ItemType, payload []byte) (*SendResult, error) {
	itemID := transport.NewItemID()

	if !typ.Ephemeral() && s.log != nil {
		s.log.SaveOutgoing(OutgoingRecord{
			ItemID:    itemID,
			Recipient: recipient,
			Type:      typ,
			Payload:   payload,
			At:        time.Now(),
		})
	}

	bundles, err := s.dir.Bundles(ctx, recipient)
	if errors.Is(err, directory.ErrNoKeys) {
		return nil, fmt.Errorf("%s must reinitialize keys: %w", recipient, ErrNoRecipientKeys)
	}
	if err != nil {
		return nil, fmt.Errorf("bundle fetch for %s failed: %w", recipient, err)
	}

	own := s.keys.Address()
	result := &SendResult{ItemID: itemID}
	for i := range bundles {
		bundle := &bundles[i]
		addr := directory.DeviceAddress{UserID: recipient, DeviceID: bundle.DeviceID}
		if addr == own {
			continue
		}

		outcome := s.sendToDevice(ctx, own, addr, bundle, itemID, typ, payload)
		if outcome.Err == nil {
			result.Delivered++
			if outcome.UsedPreKey {
				s.preKeysConsumed.Add(1)
			}
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}

	logrus.WithFields(logrus.Fields{
		"function":  "Send",
		"item_id":   itemID,
		"recipient": recipient,
		"type":      typ,
		"devices":   len(result.Outcomes),
		"delivered": result.Delivered,
	}).Info("Message fan-out complete")

	if result.Delivered == 0 && len(result.Outcomes) > 0 {
		return result, ErrAllDevicesFailed
	}
	return result, nil
}

func (s *Sender) sendToDevice(ctx context.Context, own, addr directory.DeviceAddress, bundle *directory.PreKeyBundle, itemID string, typ ItemType, payload []byte) DeviceOutcome {
	outcome := DeviceOutcome{Address: addr}

	// An invalid bundle is never used. Skip the device and fire a
	// diagnostic verification: a directory handing out broken bundles may
	// be serving ours broken too.
	if err := session.VerifyBundle(bundle); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendToDevice",
			"address":  addr.String(),
			"error":    err,
		}).Warn("Skipping device with invalid bundle")
		if s.healer != nil {
			s.healer.TriggerSelfVerification(false)
		}
		outcome.Err = err
		return outcome
	}

	// Pre-send identity continuity check: a session recorded under an older
	// identity is stale and gets replaced, not used.
	if s.sessions.Has(addr) {
		ok, err := s.sessions.Validate(addr, bundle)
		if err == nil && !ok {
			if err := s.sessions.Delete(addr, "identity rotated"); err != nil {
				outcome.Err = err
				return outcome
			}
		}
	}

	if !s.sessions.Has(addr) {
		if err := s.establishTrusting(addr, bundle); err != nil {
			outcome.Err = err
			return outcome
		}
	}

	ciphertext, handshake, err := s.sessions.Encrypt(addr, payload)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	data, err := EncodeEnvelope(&Envelope{Handshake: handshake, Ciphertext: ciphertext})
	if err != nil {
		outcome.Err = err
		return outcome
	}

	cipherType := transport.CipherSession
	if handshake != nil {
		cipherType = transport.CipherPreKey
	}
	item := transport.Item{
		ItemID:            itemID,
		Sender:            own.UserID,
		SenderDeviceID:    own.DeviceID,
		Recipient:         addr.UserID,
		RecipientDeviceID: addr.DeviceID,
		Type:              string(typ),
		CipherType:        cipherType,
		Payload:           data,
	}
	if err := s.transport.SendItem(ctx, item); err != nil {
		outcome.Err = err
		return outcome
	}

	outcome.UsedPreKey = handshake != nil && handshake.HasPreKey
	return outcome
}

// establishTrusting builds a session from the bundle. An untrusted-identity
// conflict is resolved by explicitly trusting the directory's current
// identity and rebuilding; the trust decision is logged inside the session
// manager, never silent.
func (s *Sender) establishTrusting(addr directory.DeviceAddress, bundle *directory.PreKeyBundle) error {
	_, err := s.sessions.Establish(addr, bundle)
	if errors.Is(err, session.ErrUntrustedIdentity) {
		if err := s.sessions.TrustIdentity(addr, bundle.IdentityKey); err != nil {
			return err
		}
		_, err = s.sessions.Establish(addr, bundle)
	}
	return err
}

// PreKeysConsumed reports how many remote one-time prekeys this sender's
// session-establishing sends have consumed.
func (s *Sender) PreKeysConsumed() uint64 {
	return s.preKeysConsumed.Load()
}
