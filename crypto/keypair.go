package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/curve25519"
)

// KeyPair represents a Curve25519 key pair used for key agreement.
type KeyPair struct {
	Public  [32]byte `json:"public"`
	Private [32]byte `json:"private"`
}

// SigningKeyPair represents an Ed25519 key pair used for signatures over
// published key material.
type SigningKeyPair struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

// IdentityKeyPair is the long-term identity of a local device: one exchange
// key pair for session agreement and one signing key pair for authenticating
// published prekeys.
type IdentityKeyPair struct {
	Exchange KeyPair        `json:"exchange"`
	Signing  SigningKeyPair `json:"signing"`
}

// GenerateKeyPair creates a new random Curve25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var private [32]byte
	if _, err := rand.Read(private[:]); err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}

	return FromSecretKey(private)
}

// FromSecretKey derives the key pair for an existing Curve25519 private key.
func FromSecretKey(private [32]byte) (*KeyPair, error) {
	public, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	kp := &KeyPair{Private: private}
	copy(kp.Public[:], public)
	return kp, nil
}

// GenerateSigningKeyPair creates a new random Ed25519 key pair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	return &SigningKeyPair{Public: public, Private: private}, nil
}

// GenerateIdentityKeyPair creates a complete device identity.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	exchange, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}

	signing, err := GenerateSigningKeyPair()
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function":   "GenerateIdentityKeyPair",
		"public_key": exchange.Public[:8],
	}).Info("Generated new identity key pair")

	return &IdentityKeyPair{Exchange: *exchange, Signing: *signing}, nil
}

// Sign signs data with the identity's signing key.
func (ik *IdentityKeyPair) Sign(data []byte) ([]byte, error) {
	if len(ik.Signing.Private) != ed25519.PrivateKeySize {
		return nil, errors.New("signing key not initialized")
	}
	return ed25519.Sign(ed25519.PrivateKey(ik.Signing.Private), data), nil
}

// VerifySignature checks an Ed25519 signature under the given public key.
// A malformed public key counts as a failed verification, not an error.
func VerifySignature(publicKey, data, signature []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), data, signature)
}

// DH computes the shared secret between a local private key and a remote
// public key. It fails on low-order points rather than returning a weak
// secret.
func DH(private, public [32]byte) ([32]byte, error) {
	var shared [32]byte
	secret, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return shared, fmt.Errorf("key agreement failed: %w", err)
	}
	copy(shared[:], secret)
	return shared, nil
}

// WipeKeyPair securely zeroes the private half of a key pair.
func WipeKeyPair(kp *KeyPair) error {
	if kp == nil {
		return errors.New("cannot wipe nil key pair")
	}
	for i := range kp.Private {
		kp.Private[i] = 0
	}
	return nil
}

// WipeBytes securely zeroes a byte slice in place.
func WipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
