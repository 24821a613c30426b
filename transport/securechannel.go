package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/flynn/noise"
	"github.com/sirupsen/logrus"

	"github.com/kestrelmsg/kestrel/crypto"
)

var (
	// ErrHandshakeNotComplete indicates channel use before the Noise
	// handshake finished.
	ErrHandshakeNotComplete = errors.New("transport: handshake not complete")
	// ErrFrameTooLarge indicates an inbound frame over the size limit.
	ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")
)

// maxFrameSize bounds one Noise frame on the wire. Noise messages top out at
// 65535 bytes; item payloads above that are the application's problem to
// chunk.
const maxFrameSize = 65535

// ChannelRole says which side of the IK handshake this endpoint plays.
type ChannelRole uint8

const (
	// RoleInitiator starts the handshake and must know the server's static
	// public key in advance.
	RoleInitiator ChannelRole = iota
	// RoleResponder accepts the handshake.
	RoleResponder
)

// SecureChannel is a Noise-IK encrypted message channel over a byte stream.
// IK authenticates both sides and hides the client's static key from
// observers; the client pins the server's static key, so a man in the middle
// fails the handshake outright.
//
// Frames are length-prefixed with two big-endian bytes. Reads and writes are
// each serialized internally and may run concurrently with each other.
type SecureChannel struct {
	conn net.Conn
	role ChannelRole

	handshakeMu sync.Mutex
	hs          *noise.HandshakeState
	complete    bool
	sendCipher  *noise.CipherState
	recvCipher  *noise.CipherState
	remote      []byte

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// NewSecureChannel wraps conn in a Noise-IK channel. static is this side's
// long-term exchange keypair; peerStatic is the remote static public key,
// required for the initiator and ignored for the responder. The handshake
// does not run until Handshake is called.
func NewSecureChannel(conn net.Conn, static *crypto.KeyPair, peerStatic []byte, role ChannelRole) (*SecureChannel, error) {
	if conn == nil {
		return nil, errors.New("transport: nil connection")
	}
	if static == nil {
		return nil, errors.New("transport: nil static keypair")
	}
	if role == RoleInitiator && len(peerStatic) != 32 {
		return nil, fmt.Errorf("transport: initiator requires 32-byte peer static key, got %d", len(peerStatic))
	}

	dhKey := noise.DHKey{
		Private: append([]byte(nil), static.Private[:]...),
		Public:  append([]byte(nil), static.Public[:]...),
	}

	config := noise.Config{
		CipherSuite:   noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		Random:        rand.Reader,
		Pattern:       noise.HandshakeIK,
		Initiator:     role == RoleInitiator,
		StaticKeypair: dhKey,
	}
	if role == RoleInitiator {
		config.PeerStatic = append([]byte(nil), peerStatic...)
	}

	hs, err := noise.NewHandshakeState(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create handshake state: %w", err)
	}

	return &SecureChannel{conn: conn, role: role, hs: hs}, nil
}

// Handshake runs the two-message IK exchange to completion. It must be
// called exactly once, before any Send or Receive.
func (sc *SecureChannel) Handshake() error {
	sc.handshakeMu.Lock()
	defer sc.handshakeMu.Unlock()

	if sc.complete {
		return nil
	}

	var err error
	if sc.role == RoleInitiator {
		err = sc.handshakeInitiator()
	} else {
		err = sc.handshakeResponder()
	}
	if err != nil {
		return err
	}

	sc.complete = true
	logrus.WithFields(logrus.Fields{
		"function":   "Handshake",
		"role":       sc.role,
		"remote_key": sc.remote[:8],
	}).Info("Secure channel established")
	return nil
}

func (sc *SecureChannel) handshakeInitiator() error {
	msg, _, _, err := sc.hs.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("initiator write failed: %w", err)
	}
	if err := sc.writeFrame(msg); err != nil {
		return err
	}

	reply, err := sc.readFrame()
	if err != nil {
		return err
	}
	_, cs1, cs2, err := sc.hs.ReadMessage(nil, reply)
	if err != nil {
		return fmt.Errorf("initiator read failed: %w", err)
	}

	// cs1 always carries initiator-to-responder traffic.
	sc.sendCipher, sc.recvCipher = cs1, cs2
	sc.remote = sc.hs.PeerStatic()
	return nil
}

func (sc *SecureChannel) handshakeResponder() error {
	first, err := sc.readFrame()
	if err != nil {
		return err
	}
	if _, _, _, err := sc.hs.ReadMessage(nil, first); err != nil {
		return fmt.Errorf("responder read failed: %w", err)
	}

	msg, cs1, cs2, err := sc.hs.WriteMessage(nil, nil)
	if err != nil {
		return fmt.Errorf("responder write failed: %w", err)
	}
	if err := sc.writeFrame(msg); err != nil {
		return err
	}

	sc.sendCipher, sc.recvCipher = cs2, cs1
	sc.remote = sc.hs.PeerStatic()
	return nil
}

// RemoteStatic returns the peer's authenticated static public key. Valid
// only after Handshake.
func (sc *SecureChannel) RemoteStatic() []byte {
	sc.handshakeMu.Lock()
	defer sc.handshakeMu.Unlock()
	return append([]byte(nil), sc.remote...)
}

// Send encrypts and writes one message frame.
func (sc *SecureChannel) Send(plaintext []byte) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	if sc.sendCipher == nil {
		return ErrHandshakeNotComplete
	}
	ciphertext, err := sc.sendCipher.Encrypt(nil, nil, plaintext)
	if err != nil {
		return fmt.Errorf("channel encrypt failed: %w", err)
	}
	return sc.writeFrame(ciphertext)
}

// Receive reads and decrypts one message frame, blocking until a frame
// arrives or the connection fails.
func (sc *SecureChannel) Receive() ([]byte, error) {
	sc.readMu.Lock()
	defer sc.readMu.Unlock()

	if sc.recvCipher == nil {
		return nil, ErrHandshakeNotComplete
	}
	ciphertext, err := sc.readFrame()
	if err != nil {
		return nil, err
	}
	plaintext, err := sc.recvCipher.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("channel decrypt failed: %w", err)
	}
	return plaintext, nil
}

// Close tears down the underlying connection.
func (sc *SecureChannel) Close() error {
	return sc.conn.Close()
}

func (sc *SecureChannel) writeFrame(data []byte) error {
	if len(data) > maxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(frame[:2], uint16(len(data)))
	copy(frame[2:], data)
	if _, err := sc.conn.Write(frame); err != nil {
		return fmt.Errorf("channel write failed: %w", err)
	}
	return nil
}

func (sc *SecureChannel) readFrame() ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(sc.conn, header[:]); err != nil {
		return nil, fmt.Errorf("channel read failed: %w", err)
	}
	length := binary.BigEndian.Uint16(header[:])
	data := make([]byte, length)
	if _, err := io.ReadFull(sc.conn, data); err != nil {
		return nil, fmt.Errorf("channel read failed: %w", err)
	}
	return data, nil
}
