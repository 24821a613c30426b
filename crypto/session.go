package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

var (
	// ErrSessionIntegrity indicates ciphertext that failed authentication or
	// chain state that cannot decrypt it. Callers treat this as ratchet
	// corruption, not as a transient failure.
	ErrSessionIntegrity = errors.New("session integrity failure")
	// ErrCiphertextTooShort indicates a truncated session message.
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

const (
	// MaxChainSkip bounds how far a receive chain may be fast-forwarded to
	// reach a message counter. Larger gaps are treated as corruption.
	MaxChainSkip = 1000

	sessionInfo = "kestrel-x3dh-v1"
)

// Session holds the symmetric chain state of one pairwise session. Both sides
// derive mirrored chains from the same X3DH-style agreement, so the
// initiator's send chain is the responder's receive chain.
//
// The structure is opaque to the layers above: they persist it, hand it back,
// and call Encrypt/Decrypt.
type Session struct {
	SendChain [32]byte `json:"send_chain"`
	RecvChain [32]byte `json:"recv_chain"`
	SendCount uint32   `json:"send_count"`
	RecvCount uint32   `json:"recv_count"`
}

// InitiateSession derives a new outbound session from a peer's published key
// material. It returns the session and the ephemeral key pair whose public
// half must travel in the first (session-establishing) message so the peer
// can derive the mirrored state.
func InitiateSession(localIdentity *IdentityKeyPair, remoteIdentity, remoteSignedPreKey [32]byte, remoteOneTime *[32]byte) (*Session, *KeyPair, error) {
	if localIdentity == nil {
		return nil, nil, errors.New("local identity required")
	}

	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	dh1, err := DH(localIdentity.Exchange.Private, remoteSignedPreKey)
	if err != nil {
		return nil, nil, fmt.Errorf("identity/signed-prekey agreement: %w", err)
	}
	dh2, err := DH(ephemeral.Private, remoteIdentity)
	if err != nil {
		return nil, nil, fmt.Errorf("ephemeral/identity agreement: %w", err)
	}
	dh3, err := DH(ephemeral.Private, remoteSignedPreKey)
	if err != nil {
		return nil, nil, fmt.Errorf("ephemeral/signed-prekey agreement: %w", err)
	}

	secret := append(append(dh1[:], dh2[:]...), dh3[:]...)
	if remoteOneTime != nil {
		dh4, err := DH(ephemeral.Private, *remoteOneTime)
		if err != nil {
			return nil, nil, fmt.Errorf("ephemeral/one-time agreement: %w", err)
		}
		secret = append(secret, dh4[:]...)
	}

	send, recv, err := deriveChains(secret)
	if err != nil {
		return nil, nil, err
	}
	WipeBytes(secret)

	return &Session{SendChain: send, RecvChain: recv}, ephemeral, nil
}

// RespondSession derives the mirrored session state on the receiving side of
// a session-establishing message. oneTime may be nil when the initiator used
// a bundle without a one-time prekey.
func RespondSession(localIdentity *IdentityKeyPair, signedPreKey *KeyPair, oneTime *KeyPair, remoteIdentity, remoteEphemeral [32]byte) (*Session, error) {
	if localIdentity == nil || signedPreKey == nil {
		return nil, errors.New("local identity and signed prekey required")
	}

	dh1, err := DH(signedPreKey.Private, remoteIdentity)
	if err != nil {
		return nil, fmt.Errorf("signed-prekey/identity agreement: %w", err)
	}
	dh2, err := DH(localIdentity.Exchange.Private, remoteEphemeral)
	if err != nil {
		return nil, fmt.Errorf("identity/ephemeral agreement: %w", err)
	}
	dh3, err := DH(signedPreKey.Private, remoteEphemeral)
	if err != nil {
		return nil, fmt.Errorf("signed-prekey/ephemeral agreement: %w", err)
	}

	secret := append(append(dh1[:], dh2[:]...), dh3[:]...)
	if oneTime != nil {
		dh4, err := DH(oneTime.Private, remoteEphemeral)
		if err != nil {
			return nil, fmt.Errorf("one-time/ephemeral agreement: %w", err)
		}
		secret = append(secret, dh4[:]...)
	}

	send, recv, err := deriveChains(secret)
	if err != nil {
		return nil, err
	}
	WipeBytes(secret)

	// Mirror the initiator's direction assignment.
	return &Session{SendChain: recv, RecvChain: send}, nil
}

// deriveChains expands the raw agreement secret into the two directional
// chain keys. The first chain always belongs to the initiator's send side.
func deriveChains(secret []byte) (send, recv [32]byte, err error) {
	salt := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, salt, []byte(sessionInfo))

	var material [64]byte
	if _, err = io.ReadFull(kdf, material[:]); err != nil {
		return send, recv, fmt.Errorf("chain derivation failed: %w", err)
	}

	copy(send[:], material[:32])
	copy(recv[:], material[32:])
	WipeBytes(material[:])
	return send, recv, nil
}

// Encrypt seals plaintext under the next send-chain message key and advances
// the chain. The returned ciphertext carries the message counter so the
// receiver can fast-forward a lagging chain.
func (s *Session) Encrypt(plaintext []byte) ([]byte, error) {
	key, nonce := messageKey(s.SendChain)
	s.SendChain = advanceChain(s.SendChain)

	out := make([]byte, 4, 4+len(plaintext)+secretbox.Overhead)
	binary.BigEndian.PutUint32(out, s.SendCount)
	s.SendCount++

	return secretbox.Seal(out, plaintext, &nonce, &key), nil
}

// Decrypt opens a session message, fast-forwarding the receive chain to the
// message counter when messages were lost in transit. A counter behind the
// chain, a gap beyond MaxChainSkip, or an authentication failure all report
// ErrSessionIntegrity.
func (s *Session) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 4+secretbox.Overhead {
		return nil, ErrCiphertextTooShort
	}

	counter := binary.BigEndian.Uint32(ciphertext)
	if counter < s.RecvCount {
		return nil, fmt.Errorf("message counter %d behind chain %d: %w", counter, s.RecvCount, ErrSessionIntegrity)
	}
	if counter-s.RecvCount > MaxChainSkip {
		return nil, fmt.Errorf("message counter %d too far ahead of chain %d: %w", counter, s.RecvCount, ErrSessionIntegrity)
	}

	chain := s.RecvChain
	for i := s.RecvCount; i < counter; i++ {
		chain = advanceChain(chain)
	}

	key, nonce := messageKey(chain)
	plaintext, ok := secretbox.Open(nil, ciphertext[4:], &nonce, &key)
	if !ok {
		return nil, ErrSessionIntegrity
	}

	s.RecvChain = advanceChain(chain)
	s.RecvCount = counter + 1
	return plaintext, nil
}

// messageKey derives the one-shot sealing key and nonce for the current chain
// position. The nonce is derived, not random: each message key is used once.
func messageKey(chain [32]byte) (key [32]byte, nonce [24]byte) {
	mac := hmac.New(sha256.New, chain[:])
	mac.Write([]byte{0x01})
	copy(key[:], mac.Sum(nil))

	mac = hmac.New(sha256.New, chain[:])
	mac.Write([]byte{0x03})
	copy(nonce[:], mac.Sum(nil))
	return key, nonce
}

// advanceChain steps a chain key forward one position.
func advanceChain(chain [32]byte) [32]byte {
	mac := hmac.New(sha256.New, chain[:])
	mac.Write([]byte{0x02})
	var next [32]byte
	copy(next[:], mac.Sum(nil))
	return next
}

// RandomBytes fills and returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return b, nil
}
