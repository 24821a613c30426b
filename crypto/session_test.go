package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPeers(t *testing.T) (alice *IdentityKeyPair, bob *IdentityKeyPair, bobSigned *KeyPair, bobOneTime *KeyPair) {
	t.Helper()

	alice, err := GenerateIdentityKeyPair()
	require.NoError(t, err)
	bob, err = GenerateIdentityKeyPair()
	require.NoError(t, err)
	bobSigned, err = GenerateKeyPair()
	require.NoError(t, err)
	bobOneTime, err = GenerateKeyPair()
	require.NoError(t, err)
	return alice, bob, bobSigned, bobOneTime
}

func TestSessionRoundTrip(t *testing.T) {
	alice, bob, bobSigned, bobOneTime := newTestPeers(t)

	aliceSession, ephemeral, err := InitiateSession(alice, bob.Exchange.Public, bobSigned.Public, &bobOneTime.Public)
	require.NoError(t, err)
	require.NotNil(t, ephemeral)

	bobSession, err := RespondSession(bob, bobSigned, bobOneTime, alice.Exchange.Public, ephemeral.Public)
	require.NoError(t, err)

	ciphertext, err := aliceSession.Encrypt([]byte("hello bob"))
	require.NoError(t, err)

	plaintext, err := bobSession.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello bob"), plaintext)

	// And the reverse direction over the same session.
	reply, err := bobSession.Encrypt([]byte("hello alice"))
	require.NoError(t, err)

	plaintext, err = aliceSession.Decrypt(reply)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello alice"), plaintext)
}

func TestSessionWithoutOneTimeKey(t *testing.T) {
	alice, bob, bobSigned, _ := newTestPeers(t)

	aliceSession, ephemeral, err := InitiateSession(alice, bob.Exchange.Public, bobSigned.Public, nil)
	require.NoError(t, err)

	bobSession, err := RespondSession(bob, bobSigned, nil, alice.Exchange.Public, ephemeral.Public)
	require.NoError(t, err)

	ciphertext, err := aliceSession.Encrypt([]byte("no one-time key"))
	require.NoError(t, err)

	plaintext, err := bobSession.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("no one-time key"), plaintext)
}

func TestSessionSkippedMessages(t *testing.T) {
	alice, bob, bobSigned, bobOneTime := newTestPeers(t)

	aliceSession, ephemeral, err := InitiateSession(alice, bob.Exchange.Public, bobSigned.Public, &bobOneTime.Public)
	require.NoError(t, err)
	bobSession, err := RespondSession(bob, bobSigned, bobOneTime, alice.Exchange.Public, ephemeral.Public)
	require.NoError(t, err)

	// Drop the first two messages; the third must still decrypt.
	_, err = aliceSession.Encrypt([]byte("lost 1"))
	require.NoError(t, err)
	_, err = aliceSession.Encrypt([]byte("lost 2"))
	require.NoError(t, err)
	third, err := aliceSession.Encrypt([]byte("third"))
	require.NoError(t, err)

	plaintext, err := bobSession.Decrypt(third)
	require.NoError(t, err)
	assert.Equal(t, []byte("third"), plaintext)
}

func TestSessionTamperedCiphertext(t *testing.T) {
	alice, bob, bobSigned, bobOneTime := newTestPeers(t)

	aliceSession, ephemeral, err := InitiateSession(alice, bob.Exchange.Public, bobSigned.Public, &bobOneTime.Public)
	require.NoError(t, err)
	bobSession, err := RespondSession(bob, bobSigned, bobOneTime, alice.Exchange.Public, ephemeral.Public)
	require.NoError(t, err)

	ciphertext, err := aliceSession.Encrypt([]byte("tamper me"))
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = bobSession.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrSessionIntegrity)
}

func TestSessionReplayRejected(t *testing.T) {
	alice, bob, bobSigned, bobOneTime := newTestPeers(t)

	aliceSession, ephemeral, err := InitiateSession(alice, bob.Exchange.Public, bobSigned.Public, &bobOneTime.Public)
	require.NoError(t, err)
	bobSession, err := RespondSession(bob, bobSigned, bobOneTime, alice.Exchange.Public, ephemeral.Public)
	require.NoError(t, err)

	ciphertext, err := aliceSession.Encrypt([]byte("once only"))
	require.NoError(t, err)

	_, err = bobSession.Decrypt(ciphertext)
	require.NoError(t, err)

	_, err = bobSession.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrSessionIntegrity)
}

func TestSessionMismatchedPeersCannotDecrypt(t *testing.T) {
	alice, bob, bobSigned, bobOneTime := newTestPeers(t)

	aliceSession, _, err := InitiateSession(alice, bob.Exchange.Public, bobSigned.Public, &bobOneTime.Public)
	require.NoError(t, err)

	// Bob derives against the wrong ephemeral key.
	wrongEphemeral, err := GenerateKeyPair()
	require.NoError(t, err)
	bobSession, err := RespondSession(bob, bobSigned, bobOneTime, alice.Exchange.Public, wrongEphemeral.Public)
	require.NoError(t, err)

	ciphertext, err := aliceSession.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = bobSession.Decrypt(ciphertext)
	assert.ErrorIs(t, err, ErrSessionIntegrity)
}

func TestCiphertextTooShort(t *testing.T) {
	s := &Session{}
	_, err := s.Decrypt([]byte{0x00, 0x01})
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}
