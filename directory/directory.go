package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrNoKeys indicates the directory holds no key material at all for the
	// requested user. The user must (re)initialize keys before anyone can
	// message them.
	ErrNoKeys = errors.New("directory: no published keys for user")
	// ErrUnknownDevice indicates the requested (user, device) pair is not
	// registered with the directory.
	ErrUnknownDevice = errors.New("directory: unknown device")
)

// DeviceAddress identifies one cryptographic endpoint: a single device of a
// single user. Immutable once created.
type DeviceAddress struct {
	UserID   string `json:"user_id"`
	DeviceID uint32 `json:"device_id"`
}

// String renders the address in the canonical "user:device" form used as a
// storage key.
func (a DeviceAddress) String() string {
	return fmt.Sprintf("%s:%d", a.UserID, a.DeviceID)
}

// ParseDeviceAddress parses the canonical "user:device" form. The user id may
// itself contain colons; the device id is everything after the last one.
func ParseDeviceAddress(s string) (DeviceAddress, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 1 {
		return DeviceAddress{}, fmt.Errorf("malformed device address %q", s)
	}
	deviceID, err := strconv.ParseUint(s[idx+1:], 10, 32)
	if err != nil {
		return DeviceAddress{}, fmt.Errorf("malformed device id in %q: %w", s, err)
	}
	return DeviceAddress{UserID: s[:idx], DeviceID: uint32(deviceID)}, nil
}

func parseAddressKey(s string) (DeviceAddress, bool) {
	addr, err := ParseDeviceAddress(s)
	return addr, err == nil
}

// IdentityAnnouncement is the public half of a device identity as published
// to the directory.
type IdentityAnnouncement struct {
	ExchangeKey [32]byte `json:"exchange_key"`
	SigningKey  []byte   `json:"signing_key"`
}

// SignedPreKeyUpload is a signed prekey as published to the directory.
type SignedPreKeyUpload struct {
	ID        uint32   `json:"id"`
	Public    [32]byte `json:"public"`
	Signature []byte   `json:"signature"`
}

// PreKeyUpload is one one-time prekey as published to the directory.
type PreKeyUpload struct {
	ID     uint32   `json:"id"`
	Public [32]byte `json:"public"`
}

// DeviceKeyStatus is the directory's minimal view of one device's key
// material, fetched during self-verification.
type DeviceKeyStatus struct {
	HasIdentity           bool              `json:"has_identity"`
	IdentityKey           [32]byte          `json:"identity_key"`
	SigningKey            []byte            `json:"signing_key"`
	HasSignedPreKey       bool              `json:"has_signed_prekey"`
	SignedPreKeyID        uint32            `json:"signed_prekey_id"`
	SignedPreKey          [32]byte          `json:"signed_prekey"`
	SignedPreKeySignature []byte            `json:"signed_prekey_signature"`
	PreKeyCount           int               `json:"prekey_count"`
	PreKeyFingerprints    map[uint32]string `json:"prekey_fingerprints"`
}

// PreKeyBundle is the transient set of public keys a peer needs to start a
// session with one device. Fetched per send, never persisted beyond session
// establishment.
type PreKeyBundle struct {
	RegistrationID        uint32    `json:"registration_id"`
	DeviceID              uint32    `json:"device_id"`
	IdentityKey           [32]byte  `json:"identity_key"`
	SigningKey            []byte    `json:"signing_key"`
	SignedPreKeyID        uint32    `json:"signed_prekey_id"`
	SignedPreKey          [32]byte  `json:"signed_prekey"`
	SignedPreKeySignature []byte    `json:"signed_prekey_signature"`
	PreKeyID              uint32    `json:"prekey_id,omitempty"`
	PreKey                *[32]byte `json:"prekey,omitempty"`
}

// Directory is the remote key directory service boundary.
type Directory interface {
	// Status returns the directory's view of one device's key material.
	Status(ctx context.Context, addr DeviceAddress) (*DeviceKeyStatus, error)
	// PublishIdentity uploads (or replaces) the device identity.
	PublishIdentity(ctx context.Context, addr DeviceAddress, identity IdentityAnnouncement) error
	// PublishSignedPreKey uploads (or replaces) the current signed prekey.
	PublishSignedPreKey(ctx context.Context, addr DeviceAddress, spk SignedPreKeyUpload) error
	// PublishPreKeys uploads a batch of one-time prekeys, replacing entries
	// with matching ids.
	PublishPreKeys(ctx context.Context, addr DeviceAddress, keys []PreKeyUpload) error
	// DeletePreKeys removes specific one-time prekeys from the directory.
	DeletePreKeys(ctx context.Context, addr DeviceAddress, ids []uint32) error
	// DeleteAllKeys removes every piece of key material for the device.
	DeleteAllKeys(ctx context.Context, addr DeviceAddress) error
	// Bundles returns one prekey bundle per registered device of the user,
	// consuming one one-time prekey per bundle where available. Returns
	// ErrNoKeys when the user has no published material at all.
	Bundles(ctx context.Context, userID string) ([]PreKeyBundle, error)
}
