package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelmsg/kestrel/crypto"
)

func channelPair(t *testing.T) (*SecureChannel, *SecureChannel) {
	t.Helper()

	clientKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	serverKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()

	client, err := NewSecureChannel(clientConn, clientKey, serverKey.Public[:], RoleInitiator)
	require.NoError(t, err)
	server, err := NewSecureChannel(serverConn, serverKey, nil, RoleResponder)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Handshake() }()
	require.NoError(t, client.Handshake())
	require.NoError(t, <-errCh)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func TestSecureChannelRoundTrip(t *testing.T) {
	client, server := channelPair(t)

	done := make(chan []byte, 1)
	go func() {
		msg, err := server.Receive()
		require.NoError(t, err)
		done <- msg
	}()

	require.NoError(t, client.Send([]byte("hello over noise")))
	assert.Equal(t, []byte("hello over noise"), <-done)

	// Both directions work.
	go func() {
		require.NoError(t, server.Send([]byte("reply")))
	}()
	reply, err := client.Receive()
	require.NoError(t, err)
	assert.Equal(t, []byte("reply"), reply)
}

func TestSecureChannelAuthenticatesPeers(t *testing.T) {
	client, server := channelPair(t)

	assert.Len(t, client.RemoteStatic(), 32)
	assert.Len(t, server.RemoteStatic(), 32)
}

func TestSecureChannelRejectsWrongServerKey(t *testing.T) {
	clientKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	serverKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	wrongKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	// Client pins a key the server does not hold; IK must fail.
	client, err := NewSecureChannel(clientConn, clientKey, wrongKey.Public[:], RoleInitiator)
	require.NoError(t, err)
	server, err := NewSecureChannel(serverConn, serverKey, nil, RoleResponder)
	require.NoError(t, err)

	go func() { _ = client.Handshake() }()
	assert.Error(t, server.Handshake())
}

func TestSecureChannelRequiresHandshake(t *testing.T) {
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	conn, other := net.Pipe()
	defer conn.Close()
	defer other.Close()

	sc, err := NewSecureChannel(conn, key, make([]byte, 32), RoleInitiator)
	require.NoError(t, err)

	assert.ErrorIs(t, sc.Send([]byte("x")), ErrHandshakeNotComplete)
	_, err = sc.Receive()
	assert.ErrorIs(t, err, ErrHandshakeNotComplete)
}

func TestSecureChannelInitiatorNeedsPeerKey(t *testing.T) {
	key, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	conn, other := net.Pipe()
	defer conn.Close()
	defer other.Close()

	_, err = NewSecureChannel(conn, key, nil, RoleInitiator)
	assert.Error(t, err)
}
