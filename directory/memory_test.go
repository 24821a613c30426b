package directory

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmsg/kestrel/crypto"
)

func publishTestDevice(t *testing.T, md *MemoryDirectory, addr DeviceAddress, preKeyIDs ...uint32) *crypto.IdentityKeyPair {
	t.Helper()
	ctx := context.Background()

	identity, err := crypto.GenerateIdentityKeyPair()
	require.NoError(t, err)
	require.NoError(t, md.PublishIdentity(ctx, addr, IdentityAnnouncement{
		ExchangeKey: identity.Exchange.Public,
		SigningKey:  identity.Signing.Public,
	}))

	spk, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	sig, err := identity.Sign(spk.Public[:])
	require.NoError(t, err)
	require.NoError(t, md.PublishSignedPreKey(ctx, addr, SignedPreKeyUpload{ID: 1, Public: spk.Public, Signature: sig}))

	uploads := make([]PreKeyUpload, 0, len(preKeyIDs))
	for _, id := range preKeyIDs {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		uploads = append(uploads, PreKeyUpload{ID: id, Public: kp.Public})
	}
	require.NoError(t, md.PublishPreKeys(ctx, addr, uploads))
	return identity
}

func TestDeviceAddressRoundTrip(t *testing.T) {
	addr := DeviceAddress{UserID: "alice@example", DeviceID: 3}
	parsed, err := ParseDeviceAddress(addr.String())
	require.NoError(t, err)
	assert.Equal(t, addr, parsed)

	_, err = ParseDeviceAddress("no-device-id")
	assert.Error(t, err)
}

func TestBundlesConsumePreKeys(t *testing.T) {
	md := NewMemoryDirectory()
	addr := DeviceAddress{UserID: "bob", DeviceID: 1}
	publishTestDevice(t, md, addr, 10, 11)

	bundles, err := md.Bundles(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	require.NotNil(t, bundles[0].PreKey)
	assert.Equal(t, uint32(10), bundles[0].PreKeyID)
	assert.Equal(t, 1, md.ConsumedPreKeys(addr))

	status, err := md.Status(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, 1, status.PreKeyCount)

	// Second fetch consumes the next key; a third serves no one-time key but
	// still returns a usable bundle.
	bundles, err = md.Bundles(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, uint32(11), bundles[0].PreKeyID)

	bundles, err = md.Bundles(context.Background(), "bob")
	require.NoError(t, err)
	assert.Nil(t, bundles[0].PreKey)
}

func TestBundlesUnknownUser(t *testing.T) {
	md := NewMemoryDirectory()
	_, err := md.Bundles(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNoKeys)
}

func TestBundlesMultiDevice(t *testing.T) {
	md := NewMemoryDirectory()
	publishTestDevice(t, md, DeviceAddress{UserID: "bob", DeviceID: 2}, 20)
	publishTestDevice(t, md, DeviceAddress{UserID: "bob", DeviceID: 1}, 10)
	publishTestDevice(t, md, DeviceAddress{UserID: "carol", DeviceID: 1}, 30)

	bundles, err := md.Bundles(context.Background(), "bob")
	require.NoError(t, err)
	require.Len(t, bundles, 2)
	assert.Equal(t, uint32(1), bundles[0].DeviceID)
	assert.Equal(t, uint32(2), bundles[1].DeviceID)
}

func TestDeleteAllKeys(t *testing.T) {
	md := NewMemoryDirectory()
	addr := DeviceAddress{UserID: "bob", DeviceID: 1}
	publishTestDevice(t, md, addr, 10)

	require.NoError(t, md.DeleteAllKeys(context.Background(), addr))
	_, err := md.Status(context.Background(), addr)
	assert.ErrorIs(t, err, ErrUnknownDevice)
}

func TestDirectoryOutage(t *testing.T) {
	md := NewMemoryDirectory()
	addr := DeviceAddress{UserID: "bob", DeviceID: 1}
	publishTestDevice(t, md, addr, 10)

	outage := errors.New("503 service unavailable")
	md.Err = outage

	_, err := md.Status(context.Background(), addr)
	assert.ErrorIs(t, err, outage)
	_, err = md.Bundles(context.Background(), "bob")
	assert.ErrorIs(t, err, outage)
}

func TestFaultInjectionHooks(t *testing.T) {
	md := NewMemoryDirectory()
	addr := DeviceAddress{UserID: "bob", DeviceID: 1}
	publishTestDevice(t, md, addr, 10)

	before, err := md.Status(context.Background(), addr)
	require.NoError(t, err)

	require.True(t, md.CorruptPreKey(addr, 10))
	after, err := md.Status(context.Background(), addr)
	require.NoError(t, err)
	assert.NotEqual(t, before.PreKeyFingerprints[10], after.PreKeyFingerprints[10])

	require.True(t, md.CorruptSignedPreKeySignature(addr))
	after, err = md.Status(context.Background(), addr)
	require.NoError(t, err)
	assert.Less(t, len(after.SignedPreKeySignature), len(before.SignedPreKeySignature))

	require.True(t, md.DropPreKey(addr, 10))
	after, err = md.Status(context.Background(), addr)
	require.NoError(t, err)
	assert.Zero(t, after.PreKeyCount)
}
