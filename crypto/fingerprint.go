package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns a stable hex digest of public key bytes. It is used to
// compare local and server-side key state without shipping full key material
// on every reconciliation pass.
func Fingerprint(publicKey []byte) string {
	sum := sha256.Sum256(publicKey)
	return hex.EncodeToString(sum[:])
}

// FingerprintMatches reports whether the given public key bytes hash to the
// expected fingerprint.
func FingerprintMatches(publicKey []byte, expected string) bool {
	return Fingerprint(publicKey) == expected
}
