package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

var (
	// ErrGroupIntegrity indicates a sender-key message that failed
	// authentication against the advertised chain position.
	ErrGroupIntegrity = errors.New("sender key integrity failure")
	// ErrGroupChainBehind indicates a message older than the local chain can
	// reach; the chain only moves forward.
	ErrGroupChainBehind = errors.New("sender key chain behind message")
)

// GroupCipher is the symmetric chain used for one-to-many group encryption.
// One GroupCipher exists per (group, sending device); receivers hold a copy
// distributed out of band and advance it in step with the sender.
type GroupCipher struct {
	ChainKey  [32]byte `json:"chain_key"`
	Iteration uint32   `json:"iteration"`
}

// NewGroupCipher creates a fresh sender-key chain from random material.
func NewGroupCipher() (*GroupCipher, error) {
	seed, err := RandomBytes(32)
	if err != nil {
		return nil, fmt.Errorf("failed to seed sender key: %w", err)
	}

	gc := &GroupCipher{}
	copy(gc.ChainKey[:], seed)
	WipeBytes(seed)
	return gc, nil
}

// Encrypt seals a group message at the current chain position and advances
// the chain.
func (gc *GroupCipher) Encrypt(plaintext []byte) ([]byte, error) {
	key, nonce := messageKey(gc.ChainKey)

	out := make([]byte, 4, 4+len(plaintext)+secretbox.Overhead)
	binary.BigEndian.PutUint32(out, gc.Iteration)

	gc.ChainKey = advanceChain(gc.ChainKey)
	gc.Iteration++

	return secretbox.Seal(out, plaintext, &nonce, &key), nil
}

// Decrypt opens a group message, fast-forwarding over missed iterations up to
// MaxChainSkip. Messages behind the chain cannot be recovered.
func (gc *GroupCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 4+secretbox.Overhead {
		return nil, ErrCiphertextTooShort
	}

	iteration := binary.BigEndian.Uint32(ciphertext)
	if iteration < gc.Iteration {
		return nil, ErrGroupChainBehind
	}
	if iteration-gc.Iteration > MaxChainSkip {
		return nil, fmt.Errorf("iteration %d too far ahead of chain %d: %w", iteration, gc.Iteration, ErrGroupIntegrity)
	}

	chain := gc.ChainKey
	for i := gc.Iteration; i < iteration; i++ {
		chain = advanceChain(chain)
	}

	key, nonce := messageKey(chain)
	plaintext, ok := secretbox.Open(nil, ciphertext[4:], &nonce, &key)
	if !ok {
		return nil, ErrGroupIntegrity
	}

	gc.ChainKey = advanceChain(chain)
	gc.Iteration = iteration + 1
	return plaintext, nil
}

// Clone returns an independent copy of the chain state. Receivers decrypt
// against a clone so a failed trial does not advance the stored chain.
func (gc *GroupCipher) Clone() *GroupCipher {
	clone := *gc
	return &clone
}
